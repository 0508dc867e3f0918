// Package aggregation implements the rule-driven batching engine: each
// incoming signal is either delivered immediately or buffered under a
// strategy-derived key, and flushed batches are delivered reliably with
// bounded retries.
package aggregation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"signalflow/internal/domain"
	"signalflow/internal/infra/clock"
)

// Config holds engine settings. Zero values get defaults.
type Config struct {
	DeliveryInterval time.Duration // sweep cadence, owned by the scheduler
	RetryDelay       time.Duration
	MaxAttempts      int
	ExpirationWindow time.Duration
	Deduplicate      bool // engine-wide default when a rule does not opt in
	ProjectID        string
	Source           string // source tag stamped on outgoing notifications
	Rules            []domain.AggregationRule
}

func (c Config) withDefaults() Config {
	if c.DeliveryInterval <= 0 {
		c.DeliveryInterval = 60 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ExpirationWindow <= 0 {
		c.ExpirationWindow = 24 * time.Hour
	}
	if c.Source == "" {
		c.Source = "signalflow"
	}
	return c
}

// SystemStateFunc supplies the system-state snapshot attached during
// enrichment. Optional; enrichment that needs it is skipped when absent.
type SystemStateFunc func(ctx context.Context) (map[string]string, error)

// Deps are the external collaborators of the engine.
type Deps struct {
	Sink        domain.NotificationSink
	Clock       clock.Clock
	Bus         domain.EventBus
	Logger      *slog.Logger
	SystemState SystemStateFunc
}

type buffer struct {
	ruleID       string
	key          string
	signals      []domain.EnrichedSignal
	fingerprints map[string]bool
	oldest       time.Time // earliest member Signal.Timestamp; drives the maxWaitTime trigger
}

// Engine groups signals into batches per configured rules and drives
// delivery. All maps are guarded by a single mutex; the notification sink is
// never called under it.
type Engine struct {
	cfg  Config
	deps Deps

	stateRules atomic.Bool // any rule constrains on system state

	mu          sync.Mutex
	rules       []domain.AggregationRule // sorted by descending rule priority
	buffers     map[string]*buffer
	batches     map[string]*domain.SignalBatch
	retryTimers map[string]clock.Timer
	closed      bool
}

// New creates an engine. Every configured rule is validated up front.
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:         cfg,
		deps:        deps,
		buffers:     make(map[string]*buffer),
		batches:     make(map[string]*domain.SignalBatch),
		retryTimers: make(map[string]clock.Timer),
	}
	if err := e.ReplaceRules(cfg.Rules); err != nil {
		return nil, err
	}
	return e, nil
}

// ReplaceRules swaps the whole rule list atomically.
func (e *Engine) ReplaceRules(rules []domain.AggregationRule) error {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	sorted := make([]domain.AggregationRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	needsState := false
	for _, r := range sorted {
		if len(r.Conditions.SystemState) > 0 || r.Enrichment.AttachSystemState {
			needsState = true
			break
		}
	}
	if needsState && e.deps.SystemState == nil {
		e.deps.Logger.Warn("rules reference system state but no supplier is wired; " +
			"state conditions will never match and state enrichment is skipped")
	}
	e.stateRules.Store(needsState)

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()
	return nil
}

// AddSignal routes a signal through the rule set. It reports whether any rule
// consumed the signal; false means the caller decides the fallback. Immediate
// rules deliver synchronously; buffered rules flush when the buffer reaches
// the rule's size limit.
func (e *Engine) AddSignal(ctx context.Context, signal domain.Signal) (bool, error) {
	// The state supplier can be arbitrarily slow; snapshot before taking the
	// engine lock. One snapshot serves both rule matching and enrichment.
	var state map[string]string
	if e.stateRules.Load() {
		state = e.stateSnapshot(ctx)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, domain.NewDomainError("Engine.AddSignal", domain.ErrDisabled, "engine is shut down")
	}
	rule, ok := e.matchRuleLocked(signal, state)
	e.mu.Unlock()
	if !ok {
		return false, nil
	}

	enriched := e.enrich(rule, domain.Enrich(signal), state)

	if rule.Immediate() {
		batch := e.createBatch(ctx, rule, []domain.EnrichedSignal{enriched})
		e.deliver(ctx, batch.ID)
		return true, nil
	}

	now := e.deps.Clock.Now()
	key := bufferKey(rule, signal, now)
	ts := signal.Timestamp
	if ts.IsZero() {
		ts = now
	}

	e.mu.Lock()
	buf, exists := e.buffers[key]
	if !exists {
		buf = &buffer{ruleID: rule.ID, key: key, fingerprints: make(map[string]bool), oldest: ts}
		e.buffers[key] = buf
	}

	if rule.Deduplicate || e.cfg.Deduplicate {
		fp := signal.Fingerprint()
		if buf.fingerprints[fp] {
			e.mu.Unlock()
			e.deps.Logger.Debug("duplicate signal dropped",
				"signal_id", signal.ID, "rule_id", rule.ID, "buffer", key)
			e.publish(ctx, domain.EventSignalDropped, signal.ID, droppedPayload{RuleID: rule.ID, Buffer: key})
			return true, nil
		}
		buf.fingerprints[fp] = true
	}

	if rule.Enrichment.AttachRelated && effectiveLevel(rule) == domain.LevelComprehensive {
		for _, member := range buf.signals {
			enriched.Context.RelatedSignals = append(enriched.Context.RelatedSignals, member.ID)
		}
	}
	buf.signals = append(buf.signals, enriched)
	if ts.Before(buf.oldest) {
		buf.oldest = ts
	}

	full := len(buf.signals) >= rule.MaxSignals
	if full {
		delete(e.buffers, key)
	}
	e.mu.Unlock()

	if full {
		batch := e.createBatch(ctx, rule, buf.signals)
		e.deliver(ctx, batch.ID)
	}
	return true, nil
}

// Sweep flushes every buffer whose age or size crosses its rule's limits and
// prunes buffers whose rule has disappeared. Called on the delivery interval.
func (e *Engine) Sweep(ctx context.Context) {
	now := e.deps.Clock.Now()

	type due struct {
		rule    domain.AggregationRule
		signals []domain.EnrichedSignal
	}
	var flush []due

	e.mu.Lock()
	for key, buf := range e.buffers {
		if len(buf.signals) == 0 {
			delete(e.buffers, key)
			continue
		}
		rule, ok := e.ruleByIDLocked(buf.ruleID)
		if !ok {
			delete(e.buffers, key)
			continue
		}
		if len(buf.signals) >= rule.MaxSignals || now.Sub(buf.oldest) >= rule.MaxWaitTime {
			flush = append(flush, due{rule: rule, signals: buf.signals})
			delete(e.buffers, key)
		}
	}
	e.mu.Unlock()

	for _, d := range flush {
		batch := e.createBatch(ctx, d.rule, d.signals)
		e.deliver(ctx, batch.ID)
	}
}

// Cleanup marks sent batches past the expiration window as expired and purges
// terminal batches older than twice the window.
func (e *Engine) Cleanup(ctx context.Context) {
	now := e.deps.Clock.Now()
	purgeAge := 2 * e.cfg.ExpirationWindow

	e.mu.Lock()
	expired, purged := 0, 0
	for id, b := range e.batches {
		switch b.Delivery.Status {
		case domain.DeliverySent, domain.DeliveryFailed, domain.DeliveryExpired:
		default:
			continue
		}
		if now.Sub(b.CreatedAt) >= purgeAge {
			delete(e.batches, id)
			purged++
			continue
		}
		if b.Delivery.Status == domain.DeliverySent && now.Sub(b.Delivery.SentAt) >= e.cfg.ExpirationWindow {
			b.Delivery.Status = domain.DeliveryExpired
			expired++
		}
	}
	e.mu.Unlock()

	if expired > 0 || purged > 0 {
		e.deps.Logger.Info("batch cleanup", "expired", expired, "purged", purged)
	}
}

// Batches returns a snapshot of all retained batches.
func (e *Engine) Batches() []domain.SignalBatch {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.SignalBatch, 0, len(e.batches))
	for _, b := range e.batches {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// BufferSizes returns the current buffer keys and their occupancy.
func (e *Engine) BufferSizes() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.buffers))
	for key, buf := range e.buffers {
		out[key] = len(buf.signals)
	}
	return out
}

// Close flushes every buffer with one final delivery attempt each and stops
// all retry timers. Idempotent.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for id, t := range e.retryTimers {
		t.Stop()
		delete(e.retryTimers, id)
	}
	type remnant struct {
		rule    domain.AggregationRule
		signals []domain.EnrichedSignal
	}
	var remnants []remnant
	for key, buf := range e.buffers {
		if rule, ok := e.ruleByIDLocked(buf.ruleID); ok && len(buf.signals) > 0 {
			remnants = append(remnants, remnant{rule: rule, signals: buf.signals})
		}
		delete(e.buffers, key)
	}
	e.mu.Unlock()

	for _, r := range remnants {
		batch := e.createBatch(ctx, r.rule, r.signals)
		e.deliver(ctx, batch.ID)
	}
}

// matchRuleLocked returns the highest-priority enabled rule matching the
// signal. Rules are pre-sorted by descending priority; first match wins.
// state is the pre-fetched system-state snapshot, nil when unavailable.
func (e *Engine) matchRuleLocked(signal domain.Signal, state map[string]string) (domain.AggregationRule, bool) {
	for _, r := range e.rules {
		if r.Enabled && e.matches(r, signal, state) {
			return r, true
		}
	}
	return domain.AggregationRule{}, false
}

func (e *Engine) ruleByIDLocked(id string) (domain.AggregationRule, bool) {
	for _, r := range e.rules {
		if r.ID == id {
			return r, true
		}
	}
	return domain.AggregationRule{}, false
}

func (e *Engine) matches(r domain.AggregationRule, s domain.Signal, state map[string]string) bool {
	c := r.Conditions
	if len(c.SignalTypes) > 0 && !contains(c.SignalTypes, s.Type) {
		return false
	}
	if s.Priority < c.MinPriority {
		return false
	}
	if c.ExactPriority != 0 && s.Priority != c.ExactPriority {
		return false
	}
	if c.EscalationLevel != 0 && domain.EscalationLevelFor(s.Priority) < c.EscalationLevel {
		return false
	}
	if len(c.AgentTypes) > 0 && !contains(c.AgentTypes, s.AgentType()) {
		return false
	}
	if len(c.PRPIDs) > 0 && !contains(c.PRPIDs, s.PRPID()) {
		return false
	}
	if len(r.SourceSystems) > 0 && !contains(r.SourceSystems, s.Source) {
		return false
	}
	if !stateSatisfies(c.SystemState, state) {
		return false
	}
	return true
}

// stateSatisfies reports whether the snapshot carries every wanted entry.
// A rule that wants state never matches without a snapshot.
func stateSatisfies(want, have map[string]string) bool {
	if len(want) == 0 {
		return true
	}
	if have == nil {
		return false
	}
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// stateSnapshot fetches the current system state. Returns nil when no
// supplier is wired or the lookup fails.
func (e *Engine) stateSnapshot(ctx context.Context) map[string]string {
	if e.deps.SystemState == nil {
		return nil
	}
	state, err := e.deps.SystemState(ctx)
	if err != nil {
		e.deps.Logger.Warn("system state lookup failed", "error", err)
		return nil
	}
	return state
}

// bufferKey derives the grouping key for a buffered signal under a rule.
func bufferKey(r domain.AggregationRule, s domain.Signal, now time.Time) string {
	var part string
	switch r.Strategy {
	case domain.StrategyByPRP:
		part = orNone(s.PRPID())
	case domain.StrategyByAgent:
		part = orNone(s.AgentType())
	case domain.StrategyByPriority:
		part = fmt.Sprintf("p%d", s.Priority)
	case domain.StrategyByType:
		part = s.Type
	case domain.StrategyByTime:
		part = fmt.Sprintf("w%d", now.UnixNano()/int64(r.TimeWindow))
	case domain.StrategyByEscalation:
		part = fmt.Sprintf("e%d", domain.EscalationLevelFor(s.Priority))
	case domain.StrategyBySourceSystem:
		part = orNone(s.Source)
	case domain.StrategyByContext:
		part = orNone(s.PRPID()) + ":" + orNone(s.AgentType())
	default:
		part = "all"
	}
	return r.ID + "|" + part
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// enrich applies the rule's enrichment steps using the pre-fetched state
// snapshot. A missing snapshot skips the state step; enrichment never fails
// the signal it was enriching.
func (e *Engine) enrich(r domain.AggregationRule, es domain.EnrichedSignal, state map[string]string) domain.EnrichedSignal {
	level := effectiveLevel(r)
	enriched := false

	if r.Enrichment.AttachHistory {
		es.Context.History = append(es.Context.History, domain.HistoryEntry{
			Timestamp: e.deps.Clock.Now(),
			Source:    e.cfg.Source,
			Note:      "aggregated under rule " + r.ID,
		})
		enriched = true
	}
	if r.Enrichment.AttachSystemState && level != domain.LevelBasic && state != nil {
		es.Context.SystemState = state
		enriched = true
	}
	if enriched {
		if es.Context.Metadata == nil {
			es.Context.Metadata = make(map[string]any)
		}
		es.Context.Metadata["enriched"] = true
	}
	return es
}

func effectiveLevel(r domain.AggregationRule) domain.AggregationLevel {
	if r.Level == "" {
		return domain.LevelBasic
	}
	return r.Level
}

// createBatch derives metadata from the members, registers the batch, and
// publishes the created event.
func (e *Engine) createBatch(ctx context.Context, rule domain.AggregationRule, signals []domain.EnrichedSignal) *domain.SignalBatch {
	now := e.deps.Clock.Now()
	batch := &domain.SignalBatch{
		ID:       ulid.Make().String(),
		Strategy: rule.Strategy,
		RuleID:   rule.ID,
		Signals:  signals,
		Metadata: deriveMetadata(signals),
		Delivery: domain.DeliveryRecord{
			Status:      domain.DeliveryPending,
			MaxAttempts: e.cfg.MaxAttempts,
		},
		CreatedAt: now,
	}

	e.mu.Lock()
	e.batches[batch.ID] = batch
	e.mu.Unlock()

	e.publish(ctx, domain.EventBatchCreated, "", batchPayload{
		BatchID:     batch.ID,
		RuleID:      rule.ID,
		Strategy:    string(rule.Strategy),
		SignalCount: batch.Metadata.SignalCount,
	})
	return batch
}

func deriveMetadata(signals []domain.EnrichedSignal) domain.BatchMetadata {
	md := domain.BatchMetadata{SignalCount: len(signals)}
	prps := map[string]bool{}
	agents := map[string]bool{}
	types := map[string]bool{}
	sources := map[string]bool{}
	maxPriority := 0

	for i, s := range signals {
		if id := s.PRPID(); id != "" && !prps[id] {
			prps[id] = true
			md.PRPIDs = append(md.PRPIDs, id)
		}
		if a := s.AgentType(); a != "" && !agents[a] {
			agents[a] = true
			md.AgentTypes = append(md.AgentTypes, a)
		}
		if !types[s.Type] {
			types[s.Type] = true
			md.SignalTypes = append(md.SignalTypes, s.Type)
		}
		if s.Source != "" && !sources[s.Source] {
			sources[s.Source] = true
			md.SourceSystems = append(md.SourceSystems, s.Source)
		}
		md.Priorities = append(md.Priorities, s.Priority)
		if s.Priority > maxPriority {
			maxPriority = s.Priority
		}
		if i == 0 || s.Timestamp.Before(md.OldestSignal) {
			md.OldestSignal = s.Timestamp
		}
		if i == 0 || s.Timestamp.After(md.NewestSignal) {
			md.NewestSignal = s.Timestamp
		}
		if domain.RequiresAction(s.Type) {
			md.RequiresAction = true
		}
		if s.Context.Metadata["enriched"] == true {
			md.EnrichedCount++
		}
	}
	md.EscalationLevel = domain.EscalationLevelFor(maxPriority)
	return md
}

// deliver runs one delivery attempt for the batch. On sink failure with
// attempts remaining, the batch returns to pending and a retry is scheduled;
// otherwise it fails permanently.
func (e *Engine) deliver(ctx context.Context, batchID string) {
	e.mu.Lock()
	batch, ok := e.batches[batchID]
	if !ok || batch.Delivery.Status == domain.DeliverySent || batch.Delivery.Status == domain.DeliveryFailed {
		e.mu.Unlock()
		return
	}
	batch.Delivery.Status = domain.DeliveryProcessing
	batch.Delivery.Attempts++
	batch.Delivery.LastAttemptAt = e.deps.Clock.Now()
	snapshot := *batch
	e.mu.Unlock()

	response, err := e.send(ctx, snapshot)

	e.mu.Lock()
	if err == nil {
		batch.Delivery.Status = domain.DeliverySent
		batch.Delivery.SentAt = e.deps.Clock.Now()
		batch.Delivery.LastResponse = response
		e.mu.Unlock()

		e.deps.Logger.Info("batch delivered",
			"batch_id", snapshot.ID, "rule_id", snapshot.RuleID,
			"signals", snapshot.Metadata.SignalCount, "attempts", snapshot.Delivery.Attempts)
		e.publish(ctx, domain.EventBatchDelivered, "", batchPayload{
			BatchID:     snapshot.ID,
			RuleID:      snapshot.RuleID,
			Strategy:    string(snapshot.Strategy),
			SignalCount: snapshot.Metadata.SignalCount,
			Attempts:    snapshot.Delivery.Attempts,
		})
		return
	}

	batch.Delivery.LastError = err.Error()
	final := batch.Delivery.Attempts >= batch.Delivery.MaxAttempts
	if final {
		batch.Delivery.Status = domain.DeliveryFailed
	} else {
		batch.Delivery.Status = domain.DeliveryPending
		if !e.closed {
			e.retryTimers[batch.ID] = e.deps.Clock.AfterFunc(e.cfg.RetryDelay, func() {
				e.retry(batch.ID)
			})
		}
	}
	attempts := batch.Delivery.Attempts
	e.mu.Unlock()

	e.deps.Logger.Warn("batch delivery failed",
		"batch_id", batchID, "attempts", attempts, "final", final, "error", err)
	e.publish(ctx, domain.EventBatchFailed, "", batchPayload{
		BatchID:     batchID,
		RuleID:      snapshot.RuleID,
		Strategy:    string(snapshot.Strategy),
		SignalCount: snapshot.Metadata.SignalCount,
		Attempts:    attempts,
		Final:       final,
		Error:       err.Error(),
	})
}

func (e *Engine) retry(batchID string) {
	e.mu.Lock()
	delete(e.retryTimers, batchID)
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	e.deliver(context.Background(), batchID)
}

// send formats the batch report and picks the sink call: admin attention when
// the batch requires action, a lighter notice otherwise.
func (e *Engine) send(ctx context.Context, batch domain.SignalBatch) (string, error) {
	report := formatReport(batch)
	urgency := urgencyFor(batch.Metadata.EscalationLevel)

	if batch.Metadata.RequiresAction {
		return e.deps.Sink.SendAdminAlert(ctx, domain.AdminAlert{
			ProjectID:      e.cfg.ProjectID,
			Source:         e.cfg.Source,
			Topic:          fmt.Sprintf("%d signal(s) need attention", batch.Metadata.SignalCount),
			Summary:        summaryLine(batch),
			Details:        report,
			RequiredAction: "review escalated signals",
			Urgency:        urgency,
		})
	}
	return e.deps.Sink.SendNotice(ctx, domain.Notice{
		ProjectID: e.cfg.ProjectID,
		Source:    e.cfg.Source,
		Message:   report,
		Urgency:   urgency,
	})
}

func urgencyFor(escalation int) string {
	switch escalation {
	case 3:
		return "critical"
	case 2:
		return "high"
	case 1:
		return "medium"
	default:
		return "low"
	}
}

type batchPayload struct {
	BatchID     string `json:"batch_id"`
	RuleID      string `json:"rule_id"`
	Strategy    string `json:"strategy"`
	SignalCount int    `json:"signal_count"`
	Attempts    int    `json:"attempts,omitempty"`
	Final       bool   `json:"final,omitempty"`
	Error       string `json:"error,omitempty"`
}

type droppedPayload struct {
	RuleID string `json:"rule_id"`
	Buffer string `json:"buffer"`
}

func (e *Engine) publish(ctx context.Context, t domain.EventType, signalID string, payload any) {
	if e.deps.Bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		e.deps.Logger.Warn("failed to marshal event payload", "event", string(t), "error", err)
		return
	}
	e.deps.Bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: e.deps.Clock.Now(),
		SignalID:  signalID,
		Payload:   raw,
	})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
