package agentloop

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// messageOverhead approximates the per-message framing tokens providers add.
const messageOverhead = 4

// TokenCounter measures text in model tokens.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter estimates four characters per token.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

// TiktokenCounter counts tokens with a BPE encoding.
type TiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding, e.g. "cl100k_base".
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (t *TiktokenCounter) Count(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// DefaultTokenCounter returns a cl100k_base counter, falling back to the
// heuristic when the encoding cannot be loaded (it is fetched on first use).
func DefaultTokenCounter(logger *zap.Logger) TokenCounter {
	tc, err := NewTiktokenCounter("cl100k_base")
	if err != nil {
		if logger != nil {
			logger.Warn("tiktoken unavailable, using heuristic token counts", zap.Error(err))
		}
		return HeuristicCounter{}
	}
	return tc
}

// MessageTokens returns the token count of m including tool-call arguments.
func MessageTokens(counter TokenCounter, m Message) int {
	n := messageOverhead + counter.Count(m.Content)
	for _, tc := range m.ToolCalls {
		n += counter.Count(tc.ToolName) + counter.Count(string(tc.Arguments))
	}
	return n
}

func totalTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += m.TokenCount
	}
	return total
}
