package domain

import (
	"context"
	"encoding/json"
)

// GuidelineProvider resolves instructional text for a signal type.
// Absence is a valid, expected outcome reported as ErrNotFound.
type GuidelineProvider interface {
	Resolve(ctx context.Context, signalType string) (string, error)
}

// TokenUsage reports token consumption for one reasoning call. Providers
// should fill it even on partial failure where possible.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// ReasoningResponse is the raw outcome of a reasoning-service call. Result
// carries the service's structured JSON document; the admission queue
// validates its shape and clamps its numeric fields.
type ReasoningResponse struct {
	Result       json.RawMessage `json:"result"`
	Usage        TokenUsage      `json:"usage"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// ReasoningClient executes an assembled prompt against the external
// reasoning service. Implementations must respect the caller's context
// deadline.
type ReasoningClient interface {
	Execute(ctx context.Context, prompt string, signal Signal) (*ReasoningResponse, error)
}

// Classification is the validated classification section of a reasoning
// result. Numeric fields are clamped to their documented ranges rather than
// rejected.
type Classification struct {
	Category   string `json:"category"`
	Priority   int    `json:"priority"`   // 1-10
	Escalation int    `json:"escalation"` // 1-5
	Confidence int    `json:"confidence"` // 0-100
}

// Recommendation is one entry of a reasoning result's recommendations list.
type Recommendation struct {
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// AnalysisResult is the single result every admitted signal eventually
// yields: either a validated reasoning outcome or a structured failure.
type AnalysisResult struct {
	QueueID         string           `json:"queue_id"`
	SignalID        string           `json:"signal_id"`
	SignalType      string           `json:"signal_type"`
	Classification  Classification   `json:"classification"`
	Recommendations []Recommendation `json:"recommendations"`
	Usage           TokenUsage       `json:"usage"`
	FromCache       bool             `json:"from_cache,omitempty"`
	// Failure carries the error code when the result is a structured
	// failure; empty on success.
	Failure ErrorCode `json:"failure,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Failed reports whether the result is a structured failure.
func (r AnalysisResult) Failed() bool { return r.Failure != "" }

// AdminAlert is the structured "admin attention" notification shape.
type AdminAlert struct {
	ProjectID      string `json:"project_id"`
	Source         string `json:"source"`
	Topic          string `json:"topic"`
	Summary        string `json:"summary"`
	Details        string `json:"details"`
	RequiredAction string `json:"required_action"`
	Urgency        string `json:"urgency"` // low, medium, high, critical
}

// Notice is the lighter free-text notification shape.
type Notice struct {
	ProjectID string `json:"project_id"`
	Source    string `json:"source"`
	Message   string `json:"message"`
	Urgency   string `json:"urgency"`
}

// NotificationSink delivers batch notifications. Both calls return an opaque
// provider response on success.
type NotificationSink interface {
	SendAdminAlert(ctx context.Context, alert AdminAlert) (string, error)
	SendNotice(ctx context.Context, notice Notice) (string, error)
}

// CapabilityRegistry supplies the current worker capability snapshot on
// demand. The routing engine never caches it beyond a single call.
type CapabilityRegistry interface {
	Snapshot(ctx context.Context) ([]AgentCapability, error)
}

// TokenCounter estimates token cost for budgeting. Estimation never fails:
// unknown payload shapes get a fixed minimal cost.
type TokenCounter interface {
	Count(text string) int
	EstimatePayload(payload any) int
}
