// Package tokens provides best-effort prompt token estimation. The host
// capability cannot report token counts, so estimates are advisory only:
// they feed the input-budget warning, never the response usage block.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"lm-bridge/internal/protocol"
)

// perMessageOverhead approximates the framing tokens each chat message
// costs on top of its content.
const perMessageOverhead = 4

// Estimator counts prompt tokens with tiktoken where an encoding is known
// and falls back to a bytes/4 heuristic otherwise.
type Estimator struct {
	mu    sync.RWMutex
	cache map[tokenizer.Encoding]tokenizer.Codec
}

// NewEstimator returns an estimator with an empty codec cache.
func NewEstimator() *Estimator {
	return &Estimator{cache: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// EstimatePrompt estimates the token cost of sending messages to model.
func (e *Estimator) EstimatePrompt(model string, messages []protocol.ChatMessage) int {
	codec := e.codecFor(model)

	total := 0
	for _, msg := range messages {
		total += perMessageOverhead
		total += e.count(codec, msg.Role)
		total += e.count(codec, msg.Text())
		for _, call := range msg.ToolCalls {
			total += e.count(codec, call.Function.Name)
			total += e.count(codec, call.Function.Arguments)
		}
	}
	return total
}

func (e *Estimator) count(codec tokenizer.Codec, text string) int {
	if text == "" {
		return 0
	}
	if codec == nil {
		return len(text)/4 + 1
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return len(text)/4 + 1
	}
	return len(ids)
}

func (e *Estimator) codecFor(model string) tokenizer.Codec {
	if codec, err := tokenizer.ForModel(tokenizer.Model(model)); err == nil {
		return codec
	}

	encoding := encodingFor(model)

	e.mu.RLock()
	codec, ok := e.cache[encoding]
	e.mu.RUnlock()
	if ok {
		return codec
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil
	}

	e.mu.Lock()
	e.cache[encoding] = codec
	e.mu.Unlock()
	return codec
}

func encodingFor(model string) tokenizer.Encoding {
	lowered := strings.ToLower(model)
	if strings.Contains(lowered, "4o") || strings.HasPrefix(lowered, "o1") || strings.HasPrefix(lowered, "o3") {
		return tokenizer.O200kBase
	}
	return tokenizer.Cl100kBase
}
