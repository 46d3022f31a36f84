// Package unifiedllm is the model transport used by the agent runtime. It
// wraps github.com/teilomillet/gollm behind a provider-agnostic Client.
//
// Client routes a Request to a registered ProviderAdapter through a chain of
// middleware. LoggingMiddleware records latency and usage with zap. Retry
// wraps any call in exponential backoff for transient failures.
//
//	adapter, _ := unifiedllm.NewGollmAdapter("openai", os.Getenv("OPENAI_API_KEY"))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.LoggingMiddleware(logger)),
//	)
//
// Errors form a typed hierarchy rooted at SDKError. IsRetryable classifies
// transport failures; IsProtocolError identifies responses whose tool-call
// syntax could not be parsed, which callers must not retry verbatim.
package unifiedllm
