package domain

import "time"

// Strategy selects how signals are grouped into buffers.
type Strategy string

const (
	StrategyByPRP          Strategy = "by_prp"
	StrategyByAgent        Strategy = "by_agent"
	StrategyByPriority     Strategy = "by_priority"
	StrategyByTime         Strategy = "by_time"
	StrategyByType         Strategy = "by_type"
	StrategyByEscalation   Strategy = "by_escalation"
	StrategyBySourceSystem Strategy = "by_source_system"
	StrategyByContext      Strategy = "by_context"
)

// AggregationLevel controls how much enrichment runs on the buffered path.
type AggregationLevel string

const (
	LevelBasic         AggregationLevel = "basic"
	LevelDetailed      AggregationLevel = "detailed"
	LevelComprehensive AggregationLevel = "comprehensive"
)

// MatchConditions gate whether a rule applies to a signal. Empty slices and
// zero values mean "no constraint".
type MatchConditions struct {
	SignalTypes     []string          `yaml:"signal_types" json:"signal_types,omitempty"`
	MinPriority     int               `yaml:"min_priority" json:"min_priority,omitempty"`
	ExactPriority   int               `yaml:"exact_priority" json:"exact_priority,omitempty"` // 0 = unset
	EscalationLevel int               `yaml:"escalation_level" json:"escalation_level,omitempty"`
	AgentTypes      []string          `yaml:"agent_types" json:"agent_types,omitempty"`
	PRPIDs          []string          `yaml:"prp_ids" json:"prp_ids,omitempty"`
	SystemState     map[string]string `yaml:"system_state" json:"system_state,omitempty"`
}

// EnrichmentConfig selects which enrichment steps run for a rule.
type EnrichmentConfig struct {
	AttachSystemState bool `yaml:"attach_system_state" json:"attach_system_state"`
	AttachHistory     bool `yaml:"attach_history" json:"attach_history"`
	AttachRelated     bool `yaml:"attach_related" json:"attach_related"`
}

// MaxBufferSignals bounds MaxSignals on any rule. Duplicate detection scans
// the whole buffer per insertion, so this cap keeps that scan cheap.
const MaxBufferSignals = 20

// AggregationRule is static configuration describing one batching behavior.
// The rule list is replaceable at runtime as a whole.
type AggregationRule struct {
	ID            string           `yaml:"id" json:"id"`
	Name          string           `yaml:"name" json:"name"`
	Strategy      Strategy         `yaml:"strategy" json:"strategy"`
	SourceSystems []string         `yaml:"source_systems" json:"source_systems,omitempty"`
	TimeWindow    time.Duration    `yaml:"time_window" json:"time_window"`
	MaxSignals    int              `yaml:"max_signals" json:"max_signals"`
	MaxWaitTime   time.Duration    `yaml:"max_wait_time" json:"max_wait_time"`
	Priority      int              `yaml:"priority" json:"priority"`
	Level         AggregationLevel `yaml:"level" json:"level,omitempty"`
	Enrichment    EnrichmentConfig `yaml:"enrichment" json:"enrichment"`
	Conditions    MatchConditions  `yaml:"conditions" json:"conditions"`
	Deduplicate   bool             `yaml:"deduplicate" json:"deduplicate"`
	Enabled       bool             `yaml:"enabled" json:"enabled"`
}

// Immediate reports whether the rule bypasses buffering entirely.
func (r AggregationRule) Immediate() bool {
	return r.TimeWindow == 0 || r.MaxSignals == 1
}

// Validate rejects rules whose limits would break engine invariants.
func (r AggregationRule) Validate() error {
	if r.ID == "" {
		return NewDomainError("AggregationRule.Validate", ErrInvalidInput, "rule id is required")
	}
	if r.Strategy == "" {
		return NewDomainError("AggregationRule.Validate", ErrInvalidInput, "rule "+r.ID+": strategy is required")
	}
	if r.MaxSignals < 1 || r.MaxSignals > MaxBufferSignals {
		return NewDomainError("AggregationRule.Validate", ErrInvalidInput, "rule "+r.ID+": max_signals out of range")
	}
	if r.TimeWindow < 0 || r.MaxWaitTime < 0 {
		return NewDomainError("AggregationRule.Validate", ErrInvalidInput, "rule "+r.ID+": negative durations")
	}
	return nil
}

// DeliveryStatus is the batch delivery state machine:
// pending → processing → sent | failed, with processing → pending on retry,
// and sent → expired after the expiration window (cleanup only).
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryExpired    DeliveryStatus = "expired"
)

// DeliveryRecord tracks the delivery lifecycle of one batch.
type DeliveryRecord struct {
	Status        DeliveryStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	LastAttemptAt time.Time      `json:"last_attempt_at,omitempty"`
	SentAt        time.Time      `json:"sent_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	LastResponse  string         `json:"last_response,omitempty"`
}

// BatchMetadata is derived from a batch's member signals at flush time.
type BatchMetadata struct {
	SignalCount     int       `json:"signal_count"`
	PRPIDs          []string  `json:"prp_ids,omitempty"`
	AgentTypes      []string  `json:"agent_types,omitempty"`
	SignalTypes     []string  `json:"signal_types,omitempty"`
	SourceSystems   []string  `json:"source_systems,omitempty"`
	Priorities      []int     `json:"priorities"`
	OldestSignal    time.Time `json:"oldest_signal"`
	NewestSignal    time.Time `json:"newest_signal"`
	RequiresAction  bool      `json:"requires_action"`
	EscalationLevel int       `json:"escalation_level"`
	EnrichedCount   int       `json:"enriched_count"`
}

// SignalBatch is a group of signals flushed from one buffer for a single
// delivery.
type SignalBatch struct {
	ID        string           `json:"id"`
	Strategy  Strategy         `json:"strategy"`
	RuleID    string           `json:"rule_id"`
	Signals   []EnrichedSignal `json:"signals"`
	Metadata  BatchMetadata    `json:"metadata"`
	Delivery  DeliveryRecord   `json:"delivery"`
	CreatedAt time.Time        `json:"created_at"`
}

// actionRequiredTypes is the fixed escalation-trigger set: a batch containing
// any of these signal types requires admin attention on delivery.
var actionRequiredTypes = map[string]bool{
	"bb":               true,
	"blocker":          true,
	"error":            true,
	"critical_failure": true,
	"escalation":       true,
}

// RequiresAction reports whether the signal type is in the escalation-trigger
// set.
func RequiresAction(signalType string) bool {
	return actionRequiredTypes[signalType]
}
