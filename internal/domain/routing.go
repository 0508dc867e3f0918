package domain

import "time"

// AgentCapability describes an external worker as supplied by the capability
// registry. The routing engine reads these snapshots and never mutates them.
type AgentCapability struct {
	AgentID         string        `json:"agent_id"`
	Capabilities    []string      `json:"capabilities"`
	CurrentLoad     int           `json:"current_load"`
	MaxCapacity     int           `json:"max_capacity"`
	Specializations []string      `json:"specializations,omitempty"`
	AvgResponseTime time.Duration `json:"avg_response_time,omitempty"`
	SuccessRate     float64       `json:"success_rate"` // 0-1
}

// LoadFactor returns current load as a fraction of capacity. An agent with
// no declared capacity is treated as fully loaded.
func (a AgentCapability) LoadFactor() float64 {
	if a.MaxCapacity <= 0 {
		return 1.0
	}
	return float64(a.CurrentLoad) / float64(a.MaxCapacity)
}

// Has reports whether the agent declares the given capability tag.
func (a AgentCapability) Has(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// AlternativeTarget is a ranked fallback candidate on a routing decision.
type AlternativeTarget struct {
	TargetAgent string  `json:"target_agent"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// RoutingDecision is the outcome of one routing call. Decisions are produced
// fresh per call and immutable once returned.
type RoutingDecision struct {
	TargetAgent          string              `json:"target_agent"`
	Confidence           float64             `json:"confidence"` // 0-1
	Reasoning            string              `json:"reasoning"`
	Alternatives         []AlternativeTarget `json:"alternatives,omitempty"`
	EstimatedDuration    time.Duration       `json:"estimated_duration,omitempty"`
	RequiredCapabilities []string            `json:"required_capabilities,omitempty"`
}
