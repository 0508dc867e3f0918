package contextwindow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"signalflow/internal/domain"
)

// ProcessingContext assembles the read view for a signal: entries within the
// rolling window, newest first, split into typed slices with fixed caps.
// Entries included in the view are marked referenced.
func (w *Window) ProcessingContext(signalID string) domain.ProcessingContext {
	now := w.clock.Now()
	cutoff := now.Add(-w.cfg.RecentWindow)

	w.mu.Lock()
	defer w.mu.Unlock()

	var recent []*domain.ContextEntry
	for _, e := range w.entries {
		if !e.Timestamp.Before(cutoff) {
			recent = append(recent, e)
		}
	}
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].Timestamp.After(recent[j].Timestamp)
	})

	pc := domain.ProcessingContext{
		SignalID:      signalID,
		RecentSignals: make([]domain.ContextEntry, 0, capRecentSignals),
		Activities:    make([]domain.ContextEntry, 0, capActivities),
		AgentStatus:   make([]domain.ContextEntry, 0, capAgentStatus),
		Notes:         make([]domain.ContextEntry, 0, capNotes),
	}
	for _, e := range recent {
		switch e.Kind {
		case domain.EntrySignal:
			appendCapped(&pc.RecentSignals, e, capRecentSignals)
		case domain.EntryActivity:
			appendCapped(&pc.Activities, e, capActivities)
		case domain.EntryAgentStatus:
			appendCapped(&pc.AgentStatus, e, capAgentStatus)
		case domain.EntryNote, domain.EntrySummary:
			appendCapped(&pc.Notes, e, capNotes)
		}
	}

	pc.Tokens = w.tokenStatusLocked()
	return pc
}

// appendCapped copies the entry into dst if there is room, marking the
// original referenced.
func appendCapped(dst *[]domain.ContextEntry, e *domain.ContextEntry, limit int) {
	if len(*dst) >= limit {
		return
	}
	e.Referenced = true
	*dst = append(*dst, *e)
}

func (w *Window) tokenStatusLocked() domain.TokenStatus {
	return domain.TokenStatus{
		Used:        w.total,
		Limit:       w.cfg.Ceiling,
		Approaching: float64(w.total) >= float64(w.cfg.Ceiling)*approachingRatio,
		Critical:    float64(w.total) >= float64(w.cfg.Ceiling)*criticalRatio,
	}
}

// TokenStatus reports current usage against the ceiling.
func (w *Window) TokenStatus() domain.TokenStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokenStatusLocked()
}

// Summary returns a digest of entries within [from, to]. A cached summary is
// reused when it covers the requested range and is younger than the summary
// interval; otherwise a fresh one is synthesized and cached.
func (w *Window) Summary(from, to time.Time) domain.ContextSummary {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.summary != nil &&
		w.summary.Covers(from, to) &&
		now.Sub(w.summary.GeneratedAt) < w.cfg.SummaryInterval {
		return *w.summary
	}

	s := w.synthesizeLocked(from, to, now)
	w.summary = &s
	return s
}

func (w *Window) synthesizeLocked(from, to, now time.Time) domain.ContextSummary {
	kinds := make(map[domain.EntryKind]int)
	count := 0
	maxPriority := 0
	for _, e := range w.entries {
		if e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}
		count++
		kinds[e.Kind]++
		if e.Priority > maxPriority {
			maxPriority = e.Priority
		}
	}

	var parts []string
	for kind, n := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", kind, n))
	}
	sort.Strings(parts)

	text := fmt.Sprintf("%d entries in range", count)
	if len(parts) > 0 {
		text += " (" + strings.Join(parts, ", ") + ")"
	}
	if maxPriority > 0 {
		text += fmt.Sprintf(", max priority %d", maxPriority)
	}

	return domain.ContextSummary{
		From:        from,
		To:          to,
		GeneratedAt: now,
		EntryCount:  count,
		Text:        text,
	}
}
