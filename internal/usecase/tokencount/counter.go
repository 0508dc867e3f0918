// Package tokencount estimates token costs for budgeting. Estimation never
// fails: when the BPE encoding is unavailable the counter falls back to the
// size/4 heuristic, and unknown payload shapes get a fixed minimal cost.
package tokencount

import (
	"encoding/json"

	"github.com/pkoukk/tiktoken-go"
)

// unknownPayloadCost is charged for payloads that cannot be serialized.
const unknownPayloadCost = 10

// encodingName is the BPE encoding used when available.
const encodingName = "cl100k_base"

// Counter implements domain.TokenCounter.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// New returns a counter that uses the cl100k BPE encoding when it can be
// loaded, and the character heuristic otherwise. Construction never fails.
func New() *Counter {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return &Counter{}
	}
	return &Counter{enc: enc}
}

// NewHeuristic returns a counter that always uses the size/4 heuristic.
// Deterministic and dependency-free; used by tests and as the fallback.
func NewHeuristic() *Counter {
	return &Counter{}
}

// Count returns the token cost of a text string.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return heuristic(text)
}

// EstimatePayload returns the token cost of an arbitrary payload: strings
// are counted directly, structured payloads by their serialized size.
func (c *Counter) EstimatePayload(payload any) int {
	switch p := payload.(type) {
	case nil:
		return 0
	case string:
		return c.Count(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return unknownPayloadCost
		}
		return c.Count(string(b))
	}
}

// heuristic approximates one token per four characters, rounding up.
func heuristic(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
