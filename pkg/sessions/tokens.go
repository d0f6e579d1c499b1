package sessions

import (
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// fallbackCharsPerToken is the estimate used when no codec is available for
// the configured model.
const fallbackCharsPerToken = 4

// TokenCounter counts tokens with the tokenizer codec for a model, falling
// back to a characters/4 estimate for models without a published codec.
type TokenCounter struct {
	codec tokenizer.Codec
}

func NewTokenCounter(model string) *TokenCounter {
	ret := &TokenCounter{}
	if model == "" {
		return ret
	}
	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		log.Debug().Str("model", model).Err(err).Msg("no tokenizer codec for model, using character estimate")
		return ret
	}
	ret.codec = codec
	return ret
}

func (tc *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if tc == nil || tc.codec == nil {
		return (len(text) + fallbackCharsPerToken - 1) / fallbackCharsPerToken
	}
	ids, _, err := tc.codec.Encode(text)
	if err != nil {
		return (len(text) + fallbackCharsPerToken - 1) / fallbackCharsPerToken
	}
	return len(ids)
}
