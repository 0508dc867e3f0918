// Package routing implements the capability-aware routing engine: ordered
// rule matching over signal content, capability and load filtering of the
// worker snapshot, and a confidence-tiered decision that is never empty.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"signalflow/internal/domain"
	"signalflow/internal/infra/clock"
)

const (
	// maxLoadFactor excludes workers at or above this share of capacity.
	maxLoadFactor = 0.9
	// loadTieBand is the load-factor band within which success rate breaks
	// ties instead of load.
	loadTieBand = 0.10
	// maxAlternatives bounds the ranked fallback list on a decision.
	maxAlternatives = 2

	confidencePrimary  = 0.9
	confidenceFallback = 0.7
	confidenceBest     = 0.6
	confidenceDefault  = 0.4
)

// Rule is one routing rule. Rules are evaluated in descending Priority order;
// the first match wins.
type Rule struct {
	ID              string
	Pattern         string // regexp over "type content"
	MinPriority     int
	MaxPriority     int // 0 means 10
	Priority        int
	PrimaryTargets  []string
	FallbackTargets []string
	SourceSystems   []string
	EscalationLevel int
	PRPIDs          []string
	SystemState     map[string]string
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Config holds router settings.
type Config struct {
	DefaultTarget string
	Rules         []Rule
}

// SystemStateFunc supplies the live system-state snapshot checked against
// rule system-state constraints. Optional; without it those constraints can
// only be satisfied by state already attached to the signal.
type SystemStateFunc func(ctx context.Context) (map[string]string, error)

// Deps are the external collaborators of the router.
type Deps struct {
	Registry    domain.CapabilityRegistry
	Clock       clock.Clock
	Bus         domain.EventBus
	Logger      *slog.Logger
	SystemState SystemStateFunc
}

// Router picks a target worker per signal. It holds no mutable state beyond
// configuration; capability data is a fresh snapshot per call.
type Router struct {
	defaultTarget string
	rules         []compiledRule
	needsState    bool // any rule constrains on system state
	deps          Deps
}

// New creates a router, compiling every rule pattern up front.
func New(cfg Config, deps Deps) (*Router, error) {
	if cfg.DefaultTarget == "" {
		cfg.DefaultTarget = "orchestrator"
	}
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, domain.NewDomainError("Router.New", domain.ErrInvalidInput,
				fmt.Sprintf("rule %s: bad pattern %q: %v", r.ID, r.Pattern, err))
		}
		if r.MaxPriority == 0 {
			r.MaxPriority = 10
		}
		rules = append(rules, compiledRule{Rule: r, re: re})
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	needsState := false
	for _, r := range rules {
		if len(r.SystemState) > 0 {
			needsState = true
			break
		}
	}
	if needsState && deps.SystemState == nil {
		deps.Logger.Warn("routing rules constrain on system state but no supplier is wired; " +
			"only state attached to the signal can satisfy them")
	}

	return &Router{defaultTarget: cfg.DefaultTarget, rules: rules, needsState: needsState, deps: deps}, nil
}

// Route computes a decision for the signal, attaches it and a bounded history
// entry, and returns it. Route always returns a usable decision: internal
// errors degrade to the default target, never to an empty result.
func (r *Router) Route(ctx context.Context, signal *domain.EnrichedSignal) domain.RoutingDecision {
	start := r.deps.Clock.Now()

	decision := r.decide(ctx, signal)

	from := signal.Routing.AssignedAgent
	if from == "" {
		from = "ingress"
	}
	signal.Routing.AppendHistory(domain.RoutingAttempt{
		From:      from,
		To:        decision.TargetAgent,
		Summary:   fmt.Sprintf("confidence %.1f", decision.Confidence),
		Reason:    decision.Reasoning,
		Timestamp: start,
		Duration:  r.deps.Clock.Now().Sub(start),
	})
	signal.Routing.AssignedAgent = decision.TargetAgent
	signal.Routing.Decision = &decision
	signal.Routing.EscalationLevel = domain.EscalationLevelFor(signal.Priority)
	return decision
}

// decide runs matching and filtering under a recover guard: a panic or
// registry failure becomes the default decision plus a routing.failed event.
func (r *Router) decide(ctx context.Context, signal *domain.EnrichedSignal) (decision domain.RoutingDecision) {
	required := requiredCapabilities(signal.Signal)

	defer func() {
		if rec := recover(); rec != nil {
			r.deps.Logger.Error("routing panicked, using default decision",
				"signal_id", signal.ID, "panic", rec)
			r.publishFailure(ctx, signal.ID, fmt.Sprintf("panic: %v", rec))
			decision = r.defaultDecision(required)
		}
	}()

	caps, err := r.deps.Registry.Snapshot(ctx)
	if err != nil {
		r.deps.Logger.Error("capability snapshot failed, using default decision",
			"signal_id", signal.ID, "error", err)
		r.publishFailure(ctx, signal.ID, err.Error())
		return r.defaultDecision(required)
	}

	eligible := filterEligible(caps, required)
	sortByLoad(eligible)

	var state map[string]string
	if r.needsState {
		state = r.stateSnapshot(ctx)
	}

	rule, matched := r.matchRule(signal, state)
	if matched {
		if agent, ok := pickFrom(eligible, rule.PrimaryTargets); ok {
			return r.decision(agent, confidencePrimary,
				fmt.Sprintf("primary target of rule %s", rule.ID), eligible, required)
		}
		if agent, ok := pickFrom(eligible, rule.FallbackTargets); ok {
			return r.decision(agent, confidenceFallback,
				fmt.Sprintf("fallback target of rule %s", rule.ID), eligible, required)
		}
	}
	if len(eligible) > 0 {
		return r.decision(eligible[0], confidenceBest,
			"least loaded eligible agent", eligible, required)
	}
	return r.defaultDecision(required)
}

func (r *Router) decision(chosen domain.AgentCapability, confidence float64, reasoning string, eligible []domain.AgentCapability, required []string) domain.RoutingDecision {
	return domain.RoutingDecision{
		TargetAgent:          chosen.AgentID,
		Confidence:           confidence,
		Reasoning:            reasoning,
		Alternatives:         alternatives(eligible, chosen.AgentID),
		EstimatedDuration:    chosen.AvgResponseTime,
		RequiredCapabilities: required,
	}
}

func (r *Router) defaultDecision(required []string) domain.RoutingDecision {
	return domain.RoutingDecision{
		TargetAgent:          r.defaultTarget,
		Confidence:           confidenceDefault,
		Reasoning:            "no eligible agent, deferring to orchestrator",
		RequiredCapabilities: required,
	}
}

// stateSnapshot fetches the live system state. Returns nil when no supplier
// is wired or the lookup fails.
func (r *Router) stateSnapshot(ctx context.Context) map[string]string {
	if r.deps.SystemState == nil {
		return nil
	}
	state, err := r.deps.SystemState(ctx)
	if err != nil {
		r.deps.Logger.Warn("system state lookup failed", "error", err)
		return nil
	}
	return state
}

// matchRule returns the first rule, in descending priority order, whose
// pattern and constraints all pass. live is the system-state snapshot for
// this call, nil when unavailable.
func (r *Router) matchRule(signal *domain.EnrichedSignal, live map[string]string) (compiledRule, bool) {
	text := signal.Type + " " + signal.SerializedPayload()
	for _, rule := range r.rules {
		if !rule.re.MatchString(text) {
			continue
		}
		if signal.Priority < rule.MinPriority || signal.Priority > rule.MaxPriority {
			continue
		}
		if len(rule.SourceSystems) > 0 && !containsString(rule.SourceSystems, signal.Source) {
			continue
		}
		if rule.EscalationLevel != 0 && domain.EscalationLevelFor(signal.Priority) < rule.EscalationLevel {
			continue
		}
		if len(rule.PRPIDs) > 0 && !containsString(rule.PRPIDs, signal.PRPID()) {
			continue
		}
		if !stateMatches(rule.SystemState, signal.Context.SystemState, live) {
			continue
		}
		return rule, true
	}
	return compiledRule{}, false
}

// stateMatches checks a rule's system-state constraints. State attached to
// the signal during enrichment wins per key; the live snapshot fills the
// rest.
func stateMatches(want, attached, live map[string]string) bool {
	for k, v := range want {
		have, ok := attached[k]
		if !ok {
			have, ok = live[k]
		}
		if !ok || have != v {
			return false
		}
	}
	return true
}

// requiredCapabilities derives the capability tags a signal demands from its
// type and priority. Critical signals need the admin set regardless of type.
func requiredCapabilities(s domain.Signal) []string {
	if s.Priority >= 8 {
		return []string{"admin_access", "escalation_handling", "decision_making"}
	}
	switch s.Type {
	case "development", "implementation", "coding", "bugfix", "feature":
		return []string{"coding", "testing", "debugging"}
	case "analysis", "research", "requirements":
		return []string{"analysis", "requirements_analysis"}
	case "quality", "testing", "review":
		return []string{"testing", "code_review"}
	default:
		return []string{"coordination", "task_management"}
	}
}

// filterEligible keeps workers that declare every required tag and run below
// the load ceiling.
func filterEligible(caps []domain.AgentCapability, required []string) []domain.AgentCapability {
	var eligible []domain.AgentCapability
	for _, c := range caps {
		if c.LoadFactor() >= maxLoadFactor {
			continue
		}
		ok := true
		for _, tag := range required {
			if !c.Has(tag) {
				ok = false
				break
			}
		}
		if ok {
			eligible = append(eligible, c)
		}
	}
	return eligible
}

// sortByLoad orders workers by ascending load factor. The tie band is not a
// valid comparator (it is not transitive), so it runs as a second pass: after
// a strict sort, an agent with the higher success rate moves ahead of an
// adjacent neighbor whose load is within the band. Both passes are
// deterministic for any input order.
func sortByLoad(agents []domain.AgentCapability) {
	sort.SliceStable(agents, func(i, j int) bool {
		li, lj := agents[i].LoadFactor(), agents[j].LoadFactor()
		if li != lj {
			return li < lj
		}
		if agents[i].SuccessRate != agents[j].SuccessRate {
			return agents[i].SuccessRate > agents[j].SuccessRate
		}
		return agents[i].AgentID < agents[j].AgentID
	})

	for i := 1; i < len(agents); i++ {
		for j := i; j > 0; j-- {
			ahead, behind := agents[j-1], agents[j]
			if behind.LoadFactor()-ahead.LoadFactor() > loadTieBand || behind.SuccessRate <= ahead.SuccessRate {
				break
			}
			agents[j-1], agents[j] = behind, ahead
		}
	}
}

func pickFrom(eligible []domain.AgentCapability, targets []string) (domain.AgentCapability, bool) {
	for _, c := range eligible {
		if containsString(targets, c.AgentID) {
			return c, true
		}
	}
	return domain.AgentCapability{}, false
}

// alternatives ranks up to maxAlternatives remaining eligible workers, each
// with a capacity-based justification.
func alternatives(eligible []domain.AgentCapability, chosenID string) []domain.AlternativeTarget {
	var alts []domain.AlternativeTarget
	confidence := confidenceBest
	for _, c := range eligible {
		if c.AgentID == chosenID {
			continue
		}
		confidence -= 0.1
		alts = append(alts, domain.AlternativeTarget{
			TargetAgent: c.AgentID,
			Confidence:  confidence,
			Reasoning: fmt.Sprintf("%d/%d slots in use (%.0f%% capacity free)",
				c.CurrentLoad, c.MaxCapacity, (1-c.LoadFactor())*100),
		})
		if len(alts) == maxAlternatives {
			break
		}
	}
	return alts
}

type failurePayload struct {
	Reason string `json:"reason"`
}

func (r *Router) publishFailure(ctx context.Context, signalID, reason string) {
	if r.deps.Bus == nil {
		return
	}
	raw, err := json.Marshal(failurePayload{Reason: reason})
	if err != nil {
		return
	}
	r.deps.Bus.Publish(ctx, domain.Event{
		Type:      domain.EventRoutingFailed,
		Timestamp: r.deps.Clock.Now(),
		SignalID:  signalID,
		Payload:   raw,
	})
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
