// Package context guards the conversation window: it counts tokens and
// compacts old turns into a summary when usage crosses the threshold.
package context

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/haasonsaas/relay/pkg/models"
)

// perMessageOverhead approximates the framing tokens each chat message
// costs on top of its content.
const perMessageOverhead = 4

// Counter counts tokens with the cl100k_base encoding. The encoding is
// an approximation for non-OpenAI models but errs consistently, which is
// what thresholding needs. When the encoding cannot be loaded the
// counter falls back to a 4-chars-per-token estimate.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewCounter returns a lazily initialized counter.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) encoding() *tiktoken.Tiktoken {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	return c.enc
}

// CountText returns the token count of a text fragment.
func (c *Counter) CountText(text string) int {
	if enc := c.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// CountMessage returns the token cost of one message including framing
// overhead and serialized tool-call arguments.
func (c *Counter) CountMessage(m models.ChatMessage) int {
	total := perMessageOverhead + c.CountText(m.Content)
	for _, tc := range m.ToolCalls {
		total += c.CountText(tc.Name) + c.CountText(tc.ArgumentsJSON())
	}
	return total
}

// CountMessages returns the token cost of a full transcript.
func (c *Counter) CountMessages(msgs []models.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += c.CountMessage(m)
	}
	return total
}
