package tokens

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// DefaultEncoding guesses the encoding of a model that the tokenizer does not know.
func DefaultEncoding(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5-turbo"),
		strings.HasPrefix(model, "text-embedding-"):
		return string(tokenizer.Cl100kBase)
	case strings.HasPrefix(model, "text-davinci-002"), strings.HasPrefix(model, "text-davinci-003"):
		return string(tokenizer.P50kBase)
	case model == "":
		return string(tokenizer.Cl100kBase)
	}
	return string(tokenizer.R50kBase)
}

// Counter counts tokens with a fixed codec.
type Counter struct {
	codec    tokenizer.Codec
	encoding string
}

// NewCounter picks the codec for model, or for encoding when given.
func NewCounter(model, encoding string) (*Counter, error) {
	if encoding == "" && model != "" {
		if c, err := tokenizer.ForModel(tokenizer.Model(model)); err == nil {
			return &Counter{codec: c, encoding: string(c.GetName())}, nil
		}
		log.Debug().Str("model", model).Msg("unknown model for tokenizer, falling back to default encoding")
	}
	if encoding == "" {
		encoding = DefaultEncoding(model)
	}
	c, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, errors.Wrapf(err, "could not create tokenizer for encoding %s", encoding)
	}
	return &Counter{codec: c, encoding: encoding}, nil
}

func (c *Counter) Encoding() string {
	return c.encoding
}

// Count returns the number of tokens in text, or 0 if it cannot be encoded.
func (c *Counter) Count(text string) int {
	if c == nil || text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		log.Warn().Err(err).Msg("could not count tokens")
		return 0
	}
	return len(ids)
}
