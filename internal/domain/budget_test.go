package domain

import (
	"errors"
	"testing"
	"time"
)

func TestNewTokenBudgetAllowance(t *testing.T) {
	b, err := NewTokenBudget(1000, 200, 200, 0.05)
	if err != nil {
		t.Fatalf("NewTokenBudget: %v", err)
	}
	// 1000 - 200 - 200 - 50
	if got := b.Available(); got != 550 {
		t.Errorf("Available() = %d, want 550", got)
	}
	if got := b.MarginTokens(); got != 50 {
		t.Errorf("MarginTokens() = %d, want 50", got)
	}
}

func TestNewTokenBudgetInvalid(t *testing.T) {
	tests := []struct {
		name                  string
		cap, base, guideline  int
		margin                float64
	}{
		{"reservations exceed cap", 1000, 600, 500, 0.0},
		{"margin pushes over cap", 1000, 500, 450, 0.1},
		{"zero cap", 0, 0, 0, 0.0},
		{"negative reserve", 1000, -1, 0, 0.0},
		{"margin of one", 1000, 0, 0, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTokenBudget(tt.cap, tt.base, tt.guideline, tt.margin)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrBudgetInvalid) {
				t.Errorf("error = %v, want ErrBudgetInvalid", err)
			}
		})
	}
}

func TestContextSummaryCovers(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := ContextSummary{From: base, To: base.Add(time.Hour)}

	if !s.Covers(base.Add(10*time.Minute), base.Add(30*time.Minute)) {
		t.Error("expected inner range to be covered")
	}
	if s.Covers(base.Add(-time.Minute), base.Add(30*time.Minute)) {
		t.Error("range starting before summary should not be covered")
	}
	if s.Covers(base, base.Add(2*time.Hour)) {
		t.Error("range ending after summary should not be covered")
	}
}
