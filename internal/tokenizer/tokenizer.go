package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// messageOverhead approximates the per-message framing tokens chat models add.
const messageOverhead = 3

type encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
}

// Counter counts tokens with the encoding of the completion model.
type Counter struct {
	enc   encoder
	model string
}

// New resolves the encoding for model. An explicit encoding name overrides the
// model lookup for models the library does not know yet. An unresolvable model
// is a configuration error and should stop startup.
func New(model, encoding string) (*Counter, error) {
	var (
		enc *tiktoken.Tiktoken
		err error
	)
	if encoding != "" {
		enc, err = tiktoken.GetEncoding(encoding)
	} else {
		enc, err = tiktoken.EncodingForModel(model)
	}
	if err != nil {
		return nil, fmt.Errorf("tokenizer for model %q (encoding %q): %w", model, encoding, err)
	}
	return &Counter{enc: enc, model: model}, nil
}

// Model is the model the counter was built for.
func (c *Counter) Model() string {
	return c.model
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessage counts one chat message including framing overhead.
func (c *Counter) CountMessage(role, content string) int {
	return c.Count(role) + c.Count(content) + messageOverhead
}
