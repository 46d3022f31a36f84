package unifiedllm

// ModelInfo describes a known model.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	ContextWindow int      `json:"context_window"`
	MaxOutput     int      `json:"max_output"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models lists the models the runtime knows context windows for. The first
// entry per provider is that provider's default.
var Models = []ModelInfo{
	{ID: "gpt-4o", Provider: "openai", ContextWindow: 128000, MaxOutput: 16384, Aliases: []string{"4o"}},
	{ID: "gpt-4o-mini", Provider: "openai", ContextWindow: 128000, MaxOutput: 16384, Aliases: []string{"4o-mini"}},
	{ID: "gpt-4.1", Provider: "openai", ContextWindow: 1047576, MaxOutput: 32768},
	{ID: "claude-sonnet-4-5", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 16384, Aliases: []string{"sonnet"}},
	{ID: "claude-haiku-4-5", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 8192, Aliases: []string{"haiku"}},
	{ID: "gemini-2.5-pro", Provider: "gemini", ContextWindow: 1048576, MaxOutput: 65536},
	{ID: "qwen2.5-coder-32b-instruct", Provider: "ollama", ContextWindow: 32768, MaxOutput: 8192},
}

// GetModelInfo returns the catalog entry for a model ID or alias, or nil.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// DefaultModel returns the default model for provider, or nil.
func DefaultModel(provider string) *ModelInfo {
	for i := range Models {
		if Models[i].Provider == provider {
			return &Models[i]
		}
	}
	return nil
}

// ContextWindow returns the context window of modelID, or fallback when the
// model is not in the catalog.
func ContextWindow(modelID string, fallback int) int {
	if info := GetModelInfo(modelID); info != nil {
		return info.ContextWindow
	}
	return fallback
}
