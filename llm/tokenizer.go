package llm

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens for models whose providers do not report usage,
// so CrewOutput token counters stay populated either way.
type Tokenizer struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// NewTokenizer creates a tokenizer for the given model. Unknown models fall
// back to cl100k_base, which is close enough for usage accounting.
func NewTokenizer(model string) *Tokenizer {
	encoding, ok := modelEncodings[model]
	if !ok {
		for prefix, enc := range modelEncodings {
			if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
				encoding, ok = enc, true
				break
			}
		}
	}
	if !ok {
		encoding = "cl100k_base"
	}
	return &Tokenizer{encoding: encoding}
}

// init lazily loads the encoding (may download data on first use).
func (t *Tokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens returns the token count of text.
func (t *Tokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// CountMessages approximates the prompt token count of a message list,
// including per-message framing overhead.
func (t *Tokenizer) CountMessages(messages []Message) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	total := 0
	for _, msg := range messages {
		total += 4 // <|start|>role\n content<|end|>\n
		total += len(t.enc.Encode(msg.Content, nil, nil))
		total += len(t.enc.Encode(string(msg.Role), nil, nil))
	}
	total += 3
	return total, nil
}
