package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"plain sentinel", ErrNoGuideline, CodeNoGuideline},
		{"wrapped sentinel", fmt.Errorf("enqueue: %w", ErrNoGuideline), CodeNoGuideline},
		{"domain error", NewDomainError("Queue.Enqueue", ErrQueueTimeout, "item q1"), CodeQueueTimeout},
		{"queue timeout beats generic timeout", ErrQueueTimeout, CodeQueueTimeout},
		{"request timeout beats generic timeout", ErrRequestTimeout, CodeRequestTimeout},
		{"generic timeout", ErrTimeout, CodeTimeout},
		{"unknown", errors.New("mystery"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCodeOf(tt.err); got != tt.want {
				t.Errorf("ErrorCodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Window.AddEntry", ErrLimitReached, "ceiling hit")
	if !errors.Is(err, ErrLimitReached) {
		t.Error("DomainError should unwrap to its sentinel")
	}
	if err.Error() != "Window.AddEntry: ceiling hit: limit reached" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestWrapOpNil(t *testing.T) {
	if WrapOp("op", nil) != nil {
		t.Error("WrapOp(nil) should return nil")
	}
	if got := WrapOp("op", ErrNotFound); !errors.Is(got, ErrNotFound) {
		t.Error("WrapOp should preserve the sentinel")
	}
}
