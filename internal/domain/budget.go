package domain

import (
	"fmt"
	"time"
)

// TokenBudget splits a hard token cap into fixed reservations and a safety
// margin, leaving the remainder available for variable-size content.
type TokenBudget struct {
	Cap              int     `yaml:"cap" json:"cap"`
	BaseReserve      int     `yaml:"base_reserve" json:"base_reserve"`
	GuidelineReserve int     `yaml:"guideline_reserve" json:"guideline_reserve"`
	SafetyMargin     float64 `yaml:"safety_margin" json:"safety_margin"`
}

// NewTokenBudget validates the arithmetic at construction: reservations plus
// margin exceeding the cap is a configuration error, not a runtime condition.
func NewTokenBudget(capacity, baseReserve, guidelineReserve int, safetyMargin float64) (TokenBudget, error) {
	b := TokenBudget{
		Cap:              capacity,
		BaseReserve:      baseReserve,
		GuidelineReserve: guidelineReserve,
		SafetyMargin:     safetyMargin,
	}
	if err := b.Validate(); err != nil {
		return TokenBudget{}, err
	}
	return b, nil
}

// Validate checks that the budget leaves a non-negative available allowance.
func (b TokenBudget) Validate() error {
	if b.Cap <= 0 {
		return NewDomainError("TokenBudget.Validate", ErrBudgetInvalid, "cap must be positive")
	}
	if b.BaseReserve < 0 || b.GuidelineReserve < 0 {
		return NewDomainError("TokenBudget.Validate", ErrBudgetInvalid, "reservations must be non-negative")
	}
	if b.SafetyMargin < 0 || b.SafetyMargin >= 1 {
		return NewDomainError("TokenBudget.Validate", ErrBudgetInvalid, "safety margin must be in [0, 1)")
	}
	if b.Available() < 0 {
		detail := fmt.Sprintf("reservations %d + margin %d exceed cap %d",
			b.BaseReserve+b.GuidelineReserve, b.MarginTokens(), b.Cap)
		return NewDomainError("TokenBudget.Validate", ErrBudgetInvalid, detail)
	}
	return nil
}

// MarginTokens returns the token count held back as the safety margin.
func (b TokenBudget) MarginTokens() int {
	return int(float64(b.Cap) * b.SafetyMargin)
}

// Available returns cap minus reservations minus margin; this is the
// allowance for variable-size context content.
func (b TokenBudget) Available() int {
	return b.Cap - b.BaseReserve - b.GuidelineReserve - b.MarginTokens()
}

// EntryKind tags a context entry with the slice of the processing context it
// belongs to.
type EntryKind string

const (
	EntrySignal      EntryKind = "signal"
	EntryActivity    EntryKind = "activity"
	EntryAgentStatus EntryKind = "agent_status"
	EntryNote        EntryKind = "note"
	// EntrySummary marks synthetic entries generated during compression;
	// they are exempt from age-based eviction.
	EntrySummary EntryKind = "summary"
)

// ContextEntry is one unit of buffered content in the token budget window.
// Content is the rendered textual form of the ingested payload; Tokens is
// recomputed in place when the entry is compressed.
type ContextEntry struct {
	ID         string    `json:"id"`
	Kind       EntryKind `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	Priority   int       `json:"priority"`
	Content    string    `json:"content"`
	Tokens     int       `json:"tokens"`
	Compressed bool      `json:"compressed"`
	Referenced bool      `json:"referenced"`
	Tags       []string  `json:"tags,omitempty"`
	Related    []string  `json:"related,omitempty"`
}

// TokenStatus summarizes window usage for consumers of a processing context.
type TokenStatus struct {
	Used        int  `json:"used"`
	Limit       int  `json:"limit"`
	Approaching bool `json:"approaching"` // ≥80% of limit
	Critical    bool `json:"critical"`    // ≥95% of limit
}

// ProcessingContext is the read view assembled for a single signal: recent
// entries within the rolling window, split into typed slices with fixed caps.
type ProcessingContext struct {
	SignalID      string         `json:"signal_id"`
	RecentSignals []ContextEntry `json:"recent_signals"` // ≤10
	Activities    []ContextEntry `json:"activities"`     // ≤20
	AgentStatus   []ContextEntry `json:"agent_status"`   // ≤10
	Notes         []ContextEntry `json:"notes"`          // ≤15
	Tokens        TokenStatus    `json:"tokens"`
}

// ContextSummary is a synthesized digest of entries within a time range.
type ContextSummary struct {
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	GeneratedAt time.Time `json:"generated_at"`
	EntryCount  int       `json:"entry_count"`
	Text        string    `json:"text"`
}

// Covers reports whether this summary's range contains the requested range.
func (s ContextSummary) Covers(from, to time.Time) bool {
	return !s.From.After(from) && !s.To.Before(to)
}
