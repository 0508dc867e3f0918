package contextwindow

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"signalflow/internal/domain"
	"signalflow/internal/infra/clock"
	"signalflow/internal/infra/logger"
	"signalflow/internal/usecase/tokencount"
)

func newTestWindow(cfg Config, clk clock.Clock) *Window {
	return New(cfg, tokencount.NewHeuristic(), clk, nil, logger.Discard())
}

func TestAddEntryTracksTotal(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	w := newTestWindow(Config{Ceiling: 1000}, clk)

	id := w.AddEntry(domain.EntrySignal, clk.Now(), 5, strings.Repeat("x", 400), nil, nil)
	if id == "" {
		t.Fatal("expected non-empty entry id")
	}
	if got := w.TotalTokens(); got != 100 {
		t.Errorf("TotalTokens() = %d, want 100", got)
	}
	if got := w.EntryCount(); got != 1 {
		t.Errorf("EntryCount() = %d, want 1", got)
	}
}

func TestCompressEvictsAged(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	w := newTestWindow(Config{Ceiling: 10000, MaxEntryAge: time.Hour}, clk)

	w.AddEntry(domain.EntryActivity, start.Add(-2*time.Hour), 5, "old entry", nil, nil)
	w.AddEntry(domain.EntryActivity, start.Add(-time.Minute), 5, "fresh entry", nil, nil)

	w.Compress(context.Background())

	// One summary replaces the aged entry; the fresh entry survives.
	pc := w.ProcessingContext("s1")
	if len(pc.Activities) != 1 {
		t.Fatalf("activities = %d, want 1", len(pc.Activities))
	}
	if len(pc.Notes) != 1 {
		t.Fatalf("notes (summaries) = %d, want 1", len(pc.Notes))
	}
}

func TestCompressReclaimsLowestPriorityFirst(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	// Ceiling 100; each entry costs 25 tokens (100 chars).
	w := newTestWindow(Config{Ceiling: 100, MaxEntryAge: 24 * time.Hour}, clk)

	payload := strings.Repeat("p", 100)
	old := start.Add(-10 * time.Minute) // past the recent-protection window
	w.AddEntry(domain.EntrySignal, old, 2, payload, nil, nil)
	w.AddEntry(domain.EntrySignal, old, 9, payload, nil, nil)
	w.AddEntry(domain.EntrySignal, old, 9, payload, nil, nil)
	w.AddEntry(domain.EntrySignal, old, 9, payload, nil, nil)

	w.Compress(context.Background())

	// Target is 70 tokens; dropping the priority-2 entry (25 tokens)
	// gets from 100 to 75, then one priority-9 entry goes to reach 50.
	pc := w.ProcessingContext("s1")
	for _, e := range pc.RecentSignals {
		if e.Priority == 2 {
			t.Error("lowest-priority entry should have been reclaimed first")
		}
	}
}

func TestCompressProtectsRecentEntries(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	w := newTestWindow(Config{Ceiling: 100, MaxEntryAge: 24 * time.Hour}, clk)

	// All entries are young and thus protected from reclaim; the window
	// legitimately stays over the soft target.
	payload := strings.Repeat("p", 200) // 50 tokens each
	w.AddEntry(domain.EntrySignal, start, 1, payload, nil, nil)
	w.AddEntry(domain.EntrySignal, start, 1, payload, nil, nil)
	w.AddEntry(domain.EntrySignal, start, 1, payload, nil, nil)

	w.Compress(context.Background())

	if got := w.EntryCount(); got != 3 {
		t.Errorf("EntryCount() = %d, want 3 (recent entries protected)", got)
	}
}

func TestCompressTruncatesLongEntries(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	w := newTestWindow(Config{Ceiling: 100000, MaxEntryAge: 24 * time.Hour}, clk)

	// 8000 chars ≈ 2000 tokens, over the 1000-token truncation mark.
	w.AddEntry(domain.EntryNote, start, 5, strings.Repeat("n", 8000), nil, nil)
	before := w.TotalTokens()

	w.Compress(context.Background())

	after := w.TotalTokens()
	if after >= before {
		t.Fatalf("total did not shrink: before=%d after=%d", before, after)
	}
	// 60% of the original cost, within rounding.
	want := int(float64(before) * 0.6)
	if after < want-2 || after > want+2 {
		t.Errorf("after = %d, want ≈%d", after, want)
	}

	pc := w.ProcessingContext("s1")
	if len(pc.Notes) != 1 || !pc.Notes[0].Compressed {
		t.Error("entry should be marked compressed")
	}
}

// Property: after a compression pass the total never exceeds the ceiling
// unless every surviving entry is within the recent-protection window.
func TestCompressCeilingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for run := 0; run < 50; run++ {
		clk := clock.NewFake(start)
		w := newTestWindow(Config{Ceiling: 500, MaxEntryAge: 24 * time.Hour}, clk)

		n := 5 + rng.Intn(40)
		for i := 0; i < n; i++ {
			age := time.Duration(rng.Intn(120)) * time.Minute
			size := 20 + rng.Intn(300)
			w.AddEntry(domain.EntrySignal, start.Add(-age), 1+rng.Intn(10),
				strings.Repeat("x", size), nil, nil)
		}

		w.Compress(context.Background())

		if w.TotalTokens() <= 500 {
			continue
		}
		// Over the ceiling is only legitimate when every surviving
		// non-summary entry is inside the recent-protection window.
		for _, e := range w.Entries() {
			if e.Kind == domain.EntrySummary {
				continue
			}
			if start.Sub(e.Timestamp) > recentProtection {
				t.Fatalf("run %d: total %d over ceiling with evictable entry aged %s",
					run, w.TotalTokens(), start.Sub(e.Timestamp))
			}
		}
	}
}

func TestProcessingContextCapsAndWindow(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	w := newTestWindow(Config{Ceiling: 100000, RecentWindow: time.Hour}, clk)

	for i := 0; i < 15; i++ {
		w.AddEntry(domain.EntrySignal, start.Add(-time.Duration(i)*time.Minute), 5,
			fmt.Sprintf("signal %d", i), nil, nil)
	}
	for i := 0; i < 25; i++ {
		w.AddEntry(domain.EntryActivity, start, 5, fmt.Sprintf("activity %d", i), nil, nil)
	}
	// Outside the rolling window entirely.
	w.AddEntry(domain.EntrySignal, start.Add(-2*time.Hour), 5, "ancient", nil, nil)

	pc := w.ProcessingContext("sig-9")
	if pc.SignalID != "sig-9" {
		t.Errorf("SignalID = %q", pc.SignalID)
	}
	if len(pc.RecentSignals) != 10 {
		t.Errorf("RecentSignals = %d, want capped at 10", len(pc.RecentSignals))
	}
	if len(pc.Activities) != 20 {
		t.Errorf("Activities = %d, want capped at 20", len(pc.Activities))
	}
	for _, e := range pc.RecentSignals {
		if e.Content == "ancient" {
			t.Error("entry outside rolling window included")
		}
	}
}

func TestTokenStatusFlags(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	w := newTestWindow(Config{Ceiling: 100, CompressionThreshold: 2}, clk) // threshold high: no auto-compress

	w.AddEntry(domain.EntrySignal, clk.Now(), 5, strings.Repeat("x", 340), nil, nil) // 85 tokens
	st := w.TokenStatus()
	if !st.Approaching || st.Critical {
		t.Errorf("at 85%%: approaching=%v critical=%v, want true/false", st.Approaching, st.Critical)
	}

	w.AddEntry(domain.EntrySignal, clk.Now(), 5, strings.Repeat("x", 48), nil, nil) // +12 tokens
	st = w.TokenStatus()
	if !st.Critical {
		t.Errorf("at 97%%: critical=%v, want true", st.Critical)
	}
}

func TestSummaryCache(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	w := newTestWindow(Config{Ceiling: 100000, SummaryInterval: 15 * time.Minute}, clk)

	w.AddEntry(domain.EntrySignal, start, 5, "one", nil, nil)

	from, to := start.Add(-time.Hour), start.Add(time.Minute)
	first := w.Summary(from, to)
	if first.EntryCount != 1 {
		t.Fatalf("EntryCount = %d, want 1", first.EntryCount)
	}

	// A narrower request inside the cached range and interval reuses the cache.
	second := w.Summary(start.Add(-time.Minute), to)
	if !second.GeneratedAt.Equal(first.GeneratedAt) {
		t.Error("expected cached summary to be reused")
	}

	// Past the interval a fresh summary is synthesized.
	clk.Advance(20 * time.Minute)
	third := w.Summary(from, to)
	if third.GeneratedAt.Equal(first.GeneratedAt) {
		t.Error("expected fresh summary after interval elapsed")
	}
}

func TestResetClearsEverything(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	w := newTestWindow(Config{Ceiling: 1000}, clk)

	w.AddEntry(domain.EntrySignal, clk.Now(), 5, "entry", nil, nil)
	w.Reset()

	if w.TotalTokens() != 0 || w.EntryCount() != 0 {
		t.Errorf("after Reset: total=%d count=%d, want 0/0", w.TotalTokens(), w.EntryCount())
	}
}
