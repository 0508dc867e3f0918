// Package contextwindow bounds the total token cost of buffered processing
// context and keeps it under a configured ceiling via eviction and
// compression.
package contextwindow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"signalflow/internal/domain"
	"signalflow/internal/infra/clock"
)

const (
	// reclaimTarget is the soft goal after a compression pass.
	reclaimTarget = 0.7
	// recentProtection shields young entries from priority-ordered reclaim.
	recentProtection = 5 * time.Minute
	// longEntryTokens marks entries eligible for truncation.
	longEntryTokens = 1000
	// truncateRatio is the kept share of a truncated entry's cost.
	truncateRatio = 0.6
	// summaryChunk is the number of removed entries folded into one
	// synthetic summary.
	summaryChunk = 10

	approachingRatio = 0.8
	criticalRatio    = 0.95
)

// Per-kind caps on the processing-context view.
const (
	capRecentSignals = 10
	capActivities    = 20
	capAgentStatus   = 10
	capNotes         = 15
)

// Config holds window settings. Zero values get defaults.
type Config struct {
	Ceiling              int
	CompressionThreshold float64       // fraction of ceiling that triggers compression
	MaxEntryAge          time.Duration // age-based eviction cutoff
	RecentWindow         time.Duration // processing-context rolling window
	SummaryInterval      time.Duration // summary cache lifetime
}

func (c Config) withDefaults() Config {
	if c.Ceiling <= 0 {
		c.Ceiling = 50000
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = 0.8
	}
	if c.MaxEntryAge <= 0 {
		c.MaxEntryAge = 24 * time.Hour
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = time.Hour
	}
	if c.SummaryInterval <= 0 {
		c.SummaryInterval = 15 * time.Minute
	}
	return c
}

// Window tracks a capped pool of token units consumed by buffered entries.
// All access is serialized by a single mutex; the asynchronous compression
// pass takes the same lock, so callers never observe a half-compressed
// state.
type Window struct {
	cfg     Config
	counter domain.TokenCounter
	clock   clock.Clock
	bus     domain.EventBus
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*domain.ContextEntry
	total   int
	summary *domain.ContextSummary // cached digest, nil when stale

	compressing atomic.Bool
}

// New creates a window. bus may be nil when no observer cares about
// compression events.
func New(cfg Config, counter domain.TokenCounter, clk clock.Clock, bus domain.EventBus, logger *slog.Logger) *Window {
	return &Window{
		cfg:     cfg.withDefaults(),
		counter: counter,
		clock:   clk,
		bus:     bus,
		logger:  logger,
		entries: make(map[string]*domain.ContextEntry),
	}
}

// AddEntry ingests a payload into the window and returns the entry id. When
// the running total crosses the compression threshold an asynchronous pass
// is scheduled; the caller is never blocked on it.
func (w *Window) AddEntry(kind domain.EntryKind, timestamp time.Time, priority int, payload any, tags, related []string) string {
	content := renderPayload(payload)
	tokens := w.counter.Count(content)
	if timestamp.IsZero() {
		timestamp = w.clock.Now()
	}

	entry := &domain.ContextEntry{
		ID:        newULID(),
		Kind:      kind,
		Timestamp: timestamp,
		Priority:  domain.ClampPriority(priority),
		Content:   content,
		Tokens:    tokens,
		Tags:      tags,
		Related:   related,
	}

	w.mu.Lock()
	w.entries[entry.ID] = entry
	w.total += tokens
	w.summary = nil
	over := float64(w.total) > float64(w.cfg.Ceiling)*w.cfg.CompressionThreshold
	w.mu.Unlock()

	if over && w.compressing.CompareAndSwap(false, true) {
		go func() {
			defer w.compressing.Store(false)
			w.Compress(context.Background())
		}()
	}
	return entry.ID
}

// Compress runs one compression pass: age eviction, priority-ordered
// reclaim down to the soft target, synthetic summaries for removed content,
// and truncation of oversized entries. A failure on one entry is logged and
// never aborts the pass for the others.
//
// After a pass the total is at or below the ceiling unless every remaining
// entry is high-priority and recent; that overshoot is acceptable until the
// entries age out.
func (w *Window) Compress(ctx context.Context) {
	now := w.clock.Now()

	w.mu.Lock()
	before := w.total

	aged := w.evictAgedLocked(now)
	reclaimed := w.reclaimLocked(now)
	removed := append(aged, reclaimed...)
	w.summarizeRemovedLocked(removed, now)
	truncated := w.truncateLongLocked()

	after := w.total
	w.summary = nil
	w.mu.Unlock()

	w.logger.Info("compression pass completed",
		"tokens_before", before,
		"tokens_after", after,
		"evicted", len(removed),
		"truncated", truncated,
	)
	w.publish(ctx, domain.EventContextCompressed, compressionStats{
		TokensBefore: before,
		TokensAfter:  after,
		Evicted:      len(removed),
		Truncated:    truncated,
	})
}

type compressionStats struct {
	TokensBefore int `json:"tokens_before"`
	TokensAfter  int `json:"tokens_after"`
	Evicted      int `json:"evicted"`
	Truncated    int `json:"truncated"`
}

// evictAgedLocked drops entries past MaxEntryAge, sparing summaries.
func (w *Window) evictAgedLocked(now time.Time) []*domain.ContextEntry {
	cutoff := now.Add(-w.cfg.MaxEntryAge)
	var removed []*domain.ContextEntry
	for id, e := range w.entries {
		if e.Kind == domain.EntrySummary {
			continue
		}
		if e.Timestamp.Before(cutoff) {
			removed = append(removed, e)
			w.total -= e.Tokens
			delete(w.entries, id)
		}
	}
	return removed
}

// reclaimLocked drops low-priority, non-recent entries until the total is at
// or below the soft target. Candidates are taken lowest priority first,
// oldest first within a priority.
func (w *Window) reclaimLocked(now time.Time) []*domain.ContextEntry {
	target := int(float64(w.cfg.Ceiling) * reclaimTarget)
	if w.total <= target {
		return nil
	}

	var candidates []*domain.ContextEntry
	for _, e := range w.entries {
		if e.Kind == domain.EntrySummary {
			continue
		}
		if now.Sub(e.Timestamp) > recentProtection {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].Timestamp.Before(candidates[j].Timestamp)
	})

	var removed []*domain.ContextEntry
	for _, e := range candidates {
		if w.total <= target {
			break
		}
		removed = append(removed, e)
		w.total -= e.Tokens
		delete(w.entries, e.ID)
	}
	return removed
}

// summarizeRemovedLocked folds removed entries into synthetic summary
// entries (one per summaryChunk removals) to preserve coarse history.
func (w *Window) summarizeRemovedLocked(removed []*domain.ContextEntry, now time.Time) {
	if len(removed) == 0 {
		return
	}
	sort.Slice(removed, func(i, j int) bool {
		return removed[i].Timestamp.Before(removed[j].Timestamp)
	})

	for start := 0; start < len(removed); start += summaryChunk {
		end := start + summaryChunk
		if end > len(removed) {
			end = len(removed)
		}
		chunk := removed[start:end]

		kinds := make(map[domain.EntryKind]int)
		for _, e := range chunk {
			kinds[e.Kind]++
		}
		var parts []string
		for kind, n := range kinds {
			parts = append(parts, fmt.Sprintf("%d %s", n, kind))
		}
		sort.Strings(parts)

		content := fmt.Sprintf("condensed %d entries (%s) spanning %s to %s",
			len(chunk),
			strings.Join(parts, ", "),
			chunk[0].Timestamp.Format(time.RFC3339),
			chunk[len(chunk)-1].Timestamp.Format(time.RFC3339),
		)
		entry := &domain.ContextEntry{
			ID:        newULID(),
			Kind:      domain.EntrySummary,
			Timestamp: now,
			Priority:  5,
			Content:   content,
			Tokens:    w.counter.Count(content),
		}
		w.entries[entry.ID] = entry
		w.total += entry.Tokens
	}
}

// truncateLongLocked shrinks remaining oversized text entries to
// truncateRatio of their original cost, marking them compressed.
func (w *Window) truncateLongLocked() int {
	truncated := 0
	for _, e := range w.entries {
		if e.Kind == domain.EntrySummary || e.Compressed || e.Tokens <= longEntryTokens {
			continue
		}
		if err := w.truncateEntry(e); err != nil {
			w.logger.Warn("entry truncation failed, skipping", "entry_id", e.ID, "error", err)
			continue
		}
		truncated++
	}
	return truncated
}

func (w *Window) truncateEntry(e *domain.ContextEntry) error {
	keep := int(float64(len(e.Content)) * truncateRatio)
	if keep <= 0 || keep >= len(e.Content) {
		return fmt.Errorf("content too short to truncate: %d chars", len(e.Content))
	}
	newContent := e.Content[:keep] + "…"
	newTokens := w.counter.Count(newContent)

	w.total += newTokens - e.Tokens
	e.Content = newContent
	e.Tokens = newTokens
	e.Compressed = true
	return nil
}

// TotalTokens returns the current running total.
func (w *Window) TotalTokens() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

// EntryCount returns the number of buffered entries.
func (w *Window) EntryCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Ceiling returns the configured token ceiling.
func (w *Window) Ceiling() int { return w.cfg.Ceiling }

// Entries returns a snapshot of all buffered entries, oldest first.
func (w *Window) Entries() []domain.ContextEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.ContextEntry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Reset clears the window wholesale.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = make(map[string]*domain.ContextEntry)
	w.total = 0
	w.summary = nil
}

func (w *Window) publish(ctx context.Context, t domain.EventType, payload any) {
	if w.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		w.logger.Warn("failed to marshal event payload", "event", string(t), "error", err)
		return
	}
	w.bus.Publish(ctx, domain.Event{Type: t, Timestamp: w.clock.Now(), Payload: raw})
}

// renderPayload produces the stored textual form of an ingested payload.
// It never fails: unserializable payloads fall back to fmt formatting.
func renderPayload(payload any) string {
	switch p := payload.(type) {
	case nil:
		return ""
	case string:
		return p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Sprintf("%v", p)
		}
		return string(b)
	}
}

func newULID() string {
	return ulid.Make().String()
}
