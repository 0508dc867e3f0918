package tokencount

import (
	"strings"
	"testing"
)

func TestHeuristicCount(t *testing.T) {
	c := NewHeuristic()

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := c.Count(tt.text); got != tt.want {
			t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestEstimatePayload(t *testing.T) {
	c := NewHeuristic()

	if got := c.EstimatePayload(nil); got != 0 {
		t.Errorf("nil payload = %d, want 0", got)
	}
	if got := c.EstimatePayload("abcdefgh"); got != 2 {
		t.Errorf("string payload = %d, want 2", got)
	}

	// Structured payloads are costed by serialized size.
	structured := map[string]string{"key": "value"}
	if got := c.EstimatePayload(structured); got < 3 {
		t.Errorf("structured payload = %d, want at least 3", got)
	}

	// Unserializable payloads never fail; they get the fixed minimal cost.
	if got := c.EstimatePayload(make(chan int)); got != unknownPayloadCost {
		t.Errorf("unserializable payload = %d, want %d", got, unknownPayloadCost)
	}
}
