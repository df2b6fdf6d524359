// Package tokens estimates prompt sizes for logging and diagnostics.
//
// Anthropic does not publish its tokenizer, so counts are approximated with
// tiktoken's cl100k_base encoding, which tracks Claude within a few percent
// for English text and code.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/chatrelay/internal/domain"
)

// perMessageOverhead approximates role markers and separators.
const perMessageOverhead = 4

// Estimator counts tokens in a conversation history. It is safe for
// concurrent use.
type Estimator struct {
	// CharsPerToken is used when the tiktoken codec cannot be loaded (default: 4)
	CharsPerToken float64

	once  sync.Once
	codec tokenizer.Codec
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

func (e *Estimator) loadCodec() tokenizer.Codec {
	e.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			e.codec = codec
		}
	})
	return e.codec
}

// CountText returns the estimated token count of s.
func (e *Estimator) CountText(s string) int {
	if s == "" {
		return 0
	}
	if codec := e.loadCodec(); codec != nil {
		if ids, _, err := codec.Encode(s); err == nil {
			return len(ids)
		}
	}
	cpt := e.CharsPerToken
	if cpt <= 0 {
		cpt = 4.0
	}
	return int(float64(len(s))/cpt + 0.5)
}

// CountMessages returns the estimated prompt size of msgs.
func (e *Estimator) CountMessages(msgs []domain.Message) int {
	total := 0
	for _, msg := range msgs {
		total += e.CountText(msg.Content) + perMessageOverhead
	}
	return total
}
