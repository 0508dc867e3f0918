package aggregation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"signalflow/internal/domain"
)

// maxPayloadPreview bounds how much of a signal payload the report quotes.
const maxPayloadPreview = 120

// formatReport renders the human-readable delivery text for a batch:
// a header with strategy, counts and time range, then the member signals
// grouped by type.
func formatReport(batch domain.SignalBatch) string {
	md := batch.Metadata
	var b strings.Builder

	fmt.Fprintf(&b, "Batch %s (%s, rule %s)\n", batch.ID, batch.Strategy, batch.RuleID)
	fmt.Fprintf(&b, "%d signal(s), escalation level %d", md.SignalCount, md.EscalationLevel)
	if md.RequiresAction {
		b.WriteString(", action required")
	}
	b.WriteByte('\n')
	if !md.OldestSignal.IsZero() {
		fmt.Fprintf(&b, "Window: %s to %s\n",
			md.OldestSignal.Format(time.RFC3339), md.NewestSignal.Format(time.RFC3339))
	}
	if len(md.PRPIDs) > 0 {
		fmt.Fprintf(&b, "PRPs: %s\n", strings.Join(md.PRPIDs, ", "))
	}
	if len(md.SourceSystems) > 0 {
		fmt.Fprintf(&b, "Sources: %s\n", strings.Join(md.SourceSystems, ", "))
	}

	byType := make(map[string][]domain.EnrichedSignal)
	for _, s := range batch.Signals {
		byType[s.Type] = append(byType[s.Type], s)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		fmt.Fprintf(&b, "\n[%s]\n", t)
		for _, s := range byType[t] {
			line := fmt.Sprintf("- [p%d] %s from %s", s.Priority, s.ID, orNone(s.Source))
			if preview := payloadPreview(s.Signal); preview != "" {
				line += ": " + preview
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// summaryLine is the one-line digest used as the admin-alert summary.
func summaryLine(batch domain.SignalBatch) string {
	md := batch.Metadata
	return fmt.Sprintf("%d %s signal(s) via rule %s, escalation %d",
		md.SignalCount, strings.Join(md.SignalTypes, "/"), batch.RuleID, md.EscalationLevel)
}

func payloadPreview(s domain.Signal) string {
	text := s.SerializedPayload()
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) > maxPayloadPreview {
		text = text[:maxPayloadPreview] + "…"
	}
	return text
}
