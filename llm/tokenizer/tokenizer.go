// Package tokenizer provides token counting for cost estimation: tiktoken
// for OpenAI-family models, with a chars-per-token estimate as fallback.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/brianfields/promptflow/types"
)

var (
	mu        sync.Mutex
	encodings = map[string]*tiktoken.Tiktoken{}
)

// CountTokens returns the token count of text under the given model's
// encoding. Models without a known tiktoken encoding fall back to the
// len/4 character estimate.
func CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimate(text)
}

// CountMessages sums the token counts of the message contents.
func CountMessages(model string, messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += CountTokens(model, m.Content)
	}
	return total
}

func encodingFor(model string) *tiktoken.Tiktoken {
	mu.Lock()
	defer mu.Unlock()
	if enc, ok := encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encodings[model] = nil
		return nil
	}
	encodings[model] = enc
	return enc
}

// estimate approximates tokens as len/4, the conventional rough ratio for
// English prose.
func estimate(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
