package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Signal is a typed, prioritized unit of work flowing through the pipeline.
// Signals are immutable once created: components read them, and only the
// router attaches results to an enriched copy.
type Signal struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Source    string            `json:"source"`
	Priority  int               `json:"priority"` // 1-10
	Timestamp time.Time         `json:"timestamp"`
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Metadata keys recognized across components.
const (
	MetaPRPID     = "prp_id"
	MetaAgentType = "agent_type"
)

// PRPID returns the project/request id carried in the signal metadata, if any.
func (s Signal) PRPID() string { return s.Metadata[MetaPRPID] }

// AgentType returns the agent tag carried in the signal metadata, if any.
func (s Signal) AgentType() string { return s.Metadata[MetaAgentType] }

// SerializedPayload renders the payload as a stable string for size
// estimation and duplicate detection. It never fails: payloads that cannot
// be marshaled fall back to fmt formatting.
func (s Signal) SerializedPayload() string {
	switch p := s.Payload.(type) {
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

// Fingerprint is the duplicate-detection key: two signals with the same
// fingerprint in one buffer are considered the same notification.
func (s Signal) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%d|%s", s.Type, s.Source, s.Priority, s.SerializedPayload())
}

// ClampPriority coerces p into the documented 1-10 range.
func ClampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}

// EscalationLevelFor derives the coarse urgency tier (0-3) from the highest
// priority in a group of signals. The same thresholds apply on every
// aggregation path; level 3 starts where the admission queue's priority
// fast-path starts.
func EscalationLevelFor(maxPriority int) int {
	switch {
	case maxPriority >= 8:
		return 3
	case maxPriority >= 6:
		return 2
	case maxPriority >= 4:
		return 1
	default:
		return 0
	}
}

// RoutingAttempt records one routing call in a signal's bounded history.
type RoutingAttempt struct {
	From      string        `json:"from"`
	To        string        `json:"to"`
	Summary   string        `json:"summary"`
	Reason    string        `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// MaxRoutingHistory caps the per-signal routing history; oldest entries are
// dropped first.
const MaxRoutingHistory = 10

// RoutingInfo is the routing state attached to an enriched signal.
type RoutingInfo struct {
	AssignedAgent   string           `json:"assigned_agent,omitempty"`
	Decision        *RoutingDecision `json:"decision,omitempty"`
	History         []RoutingAttempt `json:"history,omitempty"`
	EscalationLevel int              `json:"escalation_level"`
}

// AppendHistory adds an attempt, dropping the oldest entry past the cap.
func (r *RoutingInfo) AppendHistory(a RoutingAttempt) {
	r.History = append(r.History, a)
	if len(r.History) > MaxRoutingHistory {
		r.History = r.History[len(r.History)-MaxRoutingHistory:]
	}
}

// HistoryEntry is one line of accumulated processing context on an enriched
// signal.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Note      string    `json:"note"`
}

// ContextInfo is the enrichment state attached to an enriched signal.
type ContextInfo struct {
	PRPID          string            `json:"prp_id,omitempty"`
	SystemState    map[string]string `json:"system_state,omitempty"`
	History        []HistoryEntry    `json:"history,omitempty"`
	RelatedSignals []string          `json:"related_signals,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

// EnrichedSignal is a Signal plus routing and context state. It is mutated
// only by the component currently processing it and never shared across
// goroutines without a copy.
type EnrichedSignal struct {
	Signal
	Routing RoutingInfo `json:"routing"`
	Context ContextInfo `json:"context"`
}

// Enrich wraps a plain signal, seeding the context from signal metadata.
func Enrich(s Signal) EnrichedSignal {
	return EnrichedSignal{
		Signal: s,
		Context: ContextInfo{
			PRPID: s.PRPID(),
		},
	}
}

// PRPID prefers the enrichment-supplied project id over signal metadata.
func (e EnrichedSignal) PRPID() string {
	if e.Context.PRPID != "" {
		return e.Context.PRPID
	}
	return e.Signal.PRPID()
}
