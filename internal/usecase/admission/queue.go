// Package admission implements the priority admission queue: signals accepted
// for single-item analysis flow through a FIFO with a priority fast-path,
// bounded in-flight concurrency, and per-item timeouts, and each one yields
// exactly one analysis result.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"signalflow/internal/domain"
	"signalflow/internal/infra/clock"
)

// priorityFastPath is the priority at which a signal jumps the queue.
const priorityFastPath = 8

// Config holds queue settings. Zero values get defaults.
type Config struct {
	MaxConcurrent  int
	QueueTimeout   time.Duration
	RequestTimeout time.Duration
	CacheTTL       time.Duration // 0 disables the result cache
	Budget         domain.TokenBudget
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 5 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.Budget.Cap == 0 {
		c.Budget = domain.TokenBudget{Cap: 8000, BaseReserve: 1000, GuidelineReserve: 2000, SafetyMargin: 0.05}
	}
	return c
}

// Deps are the external collaborators of the queue.
type Deps struct {
	Guidelines domain.GuidelineProvider
	Reasoner   domain.ReasoningClient
	Counter    domain.TokenCounter
	Clock      clock.Clock
	Bus        domain.EventBus
	Logger     *slog.Logger
}

// ResultHandler receives the single result every enqueued signal yields,
// success or structured failure.
type ResultHandler func(domain.AnalysisResult)

type item struct {
	queueID    string
	signal     domain.Signal
	guideline  string
	extra      any
	cacheKey   string
	enqueuedAt time.Time
	timer      clock.Timer
}

// Queue is the priority admission queue. Items are dispatched FIFO except
// that signals at or above the fast-path priority are inserted ahead of all
// lower-priority items, behind earlier fast-path items.
type Queue struct {
	cfg     Config
	deps    Deps
	handler ResultHandler
	cache   *resultCache

	mu       sync.Mutex
	items    []*item
	inflight int
	closed   bool

	wg sync.WaitGroup
}

// New creates a queue. The budget arithmetic is validated here so that an
// impossible configuration fails at construction, not mid-processing.
func New(cfg Config, deps Deps, handler ResultHandler) (*Queue, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Budget.Validate(); err != nil {
		return nil, err
	}
	return &Queue{
		cfg:     cfg,
		deps:    deps,
		handler: handler,
		cache:   newResultCache(cfg.CacheTTL),
	}, nil
}

// Enqueue admits a signal for analysis and returns its queue id. A missing
// guideline for the signal's type fails the whole call; nothing is queued. A
// cached result for the same signal and guideline short-circuits processing
// and is delivered without a reasoning call.
func (q *Queue) Enqueue(ctx context.Context, signal domain.Signal, extra any) (string, error) {
	const op = "Queue.Enqueue"

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", domain.NewDomainError(op, domain.ErrDisabled, "queue is shut down")
	}

	guideline, err := q.deps.Guidelines.Resolve(ctx, signal.Type)
	if err != nil {
		return "", domain.NewDomainError(op, domain.ErrNoGuideline, signal.Type)
	}

	queueID := ulid.Make().String()
	cacheKey := resultCacheKey(signal, guideline)

	if cached, ok := q.cache.get(cacheKey); ok {
		cached.QueueID = queueID
		cached.FromCache = true
		q.deps.Logger.Debug("result cache hit", "queue_id", queueID, "signal_id", signal.ID)
		go q.handler(cached)
		return queueID, nil
	}

	it := &item{
		queueID:    queueID,
		signal:     signal,
		guideline:  guideline,
		extra:      extra,
		cacheKey:   cacheKey,
		enqueuedAt: q.deps.Clock.Now(),
	}
	it.signal.Priority = domain.ClampPriority(it.signal.Priority)

	q.mu.Lock()
	pos := len(q.items)
	if it.signal.Priority >= priorityFastPath {
		for i, queued := range q.items {
			if queued.signal.Priority < priorityFastPath {
				pos = i
				break
			}
		}
	}
	q.items = slices.Insert(q.items, pos, it)
	it.timer = q.deps.Clock.AfterFunc(q.cfg.QueueTimeout, func() { q.expire(queueID) })
	q.mu.Unlock()

	q.publishQueueLength(ctx)
	go q.dispatch()
	return queueID, nil
}

// Pending returns the ids of queued signals in dispatch order.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.items))
	for i, it := range q.items {
		out[i] = it.signal.ID
	}
	return out
}

// InFlight returns the number of items currently being analyzed.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// Close stops dispatching, fails all still-queued items with a structured
// shutdown result, and waits for in-flight analyses to finish. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	for _, it := range pending {
		if it.timer != nil {
			it.timer.Stop()
		}
		err := domain.NewDomainError("Queue.Close", domain.ErrDisabled, "shutdown before processing")
		q.handler(q.failureResult(it, err))
	}
	q.wg.Wait()
}

// dispatch pops queued items into processing while capacity remains.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if q.closed || q.inflight >= q.cfg.MaxConcurrent || len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items = q.items[1:]
		q.inflight++
		q.mu.Unlock()

		if it.timer != nil {
			it.timer.Stop()
		}
		q.publishQueueLength(context.Background())

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.process(it)
		}()
	}
}

// expire evicts an item whose queue timeout fired before dispatch reached it.
func (q *Queue) expire(queueID string) {
	q.mu.Lock()
	var evicted *item
	for i, it := range q.items {
		if it.queueID == queueID {
			evicted = it
			q.items = slices.Delete(q.items, i, i+1)
			break
		}
	}
	q.mu.Unlock()
	if evicted == nil {
		return
	}

	ctx := context.Background()
	err := domain.NewDomainError("Queue.expire", domain.ErrQueueTimeout, evicted.signal.ID)
	q.deps.Logger.Warn("queue timeout evicted item",
		"queue_id", evicted.queueID,
		"signal_id", evicted.signal.ID,
		"waited", q.deps.Clock.Now().Sub(evicted.enqueuedAt).String(),
	)
	q.publishQueueLength(ctx)
	q.publish(ctx, domain.EventProcessingFailed, evicted.signal.ID, processingPayload{
		QueueID:    evicted.queueID,
		SignalType: evicted.signal.Type,
		Code:       string(domain.CodeQueueTimeout),
	})
	q.handler(q.failureResult(evicted, err))
}

func (q *Queue) process(it *item) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.publish(ctx, domain.EventProcessingStarted, it.signal.ID, processingPayload{
		QueueID:    it.queueID,
		SignalType: it.signal.Type,
	})

	var timedOut atomic.Bool
	t := q.deps.Clock.AfterFunc(q.cfg.RequestTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	res, err := q.analyze(ctx, it)
	t.Stop()

	if err != nil {
		if timedOut.Load() {
			err = domain.NewDomainError("Queue.process", domain.ErrRequestTimeout, it.signal.ID)
		}
		q.deps.Logger.Warn("analysis failed",
			"queue_id", it.queueID,
			"signal_id", it.signal.ID,
			"error", err,
		)
		res = q.failureResult(it, err)
		q.publish(ctx, domain.EventProcessingFailed, it.signal.ID, processingPayload{
			QueueID:    it.queueID,
			SignalType: it.signal.Type,
			Code:       string(res.Failure),
		})
	} else {
		q.cache.put(it.cacheKey, res)
		q.publish(ctx, domain.EventProcessingCompleted, it.signal.ID, processingPayload{
			QueueID:    it.queueID,
			SignalType: it.signal.Type,
		})
	}
	q.handler(res)

	q.mu.Lock()
	q.inflight--
	q.mu.Unlock()
	q.publishQueueLength(ctx)
	q.dispatch()
}

// analyze runs the full analysis step: prompt assembly, reasoning call,
// result validation.
func (q *Queue) analyze(ctx context.Context, it *item) (domain.AnalysisResult, error) {
	prompt := buildPrompt(q.deps.Counter, q.cfg.Budget, it.signal, it.guideline, it.extra)

	resp, err := q.deps.Reasoner.Execute(ctx, prompt, it.signal)
	if err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("%w: %s", domain.ErrReasoningCall, err)
	}

	cls, recs, err := parseResult(resp.Result)
	if err != nil {
		return domain.AnalysisResult{}, err
	}

	return domain.AnalysisResult{
		QueueID:         it.queueID,
		SignalID:        it.signal.ID,
		SignalType:      it.signal.Type,
		Classification:  cls,
		Recommendations: recs,
		Usage:           resp.Usage,
	}, nil
}

// failureResult converts any processing error into the structured failure
// shape every enqueued signal is guaranteed to receive.
func (q *Queue) failureResult(it *item, err error) domain.AnalysisResult {
	return domain.AnalysisResult{
		QueueID:    it.queueID,
		SignalID:   it.signal.ID,
		SignalType: it.signal.Type,
		Classification: domain.Classification{
			Category:   "error",
			Priority:   it.signal.Priority,
			Escalation: domain.EscalationLevelFor(it.signal.Priority),
			Confidence: 0,
		},
		Recommendations: []domain.Recommendation{
			{Action: "manual_review", Detail: "manual review required"},
		},
		Failure: domain.ErrorCodeOf(err),
		Detail:  err.Error(),
	}
}

type processingPayload struct {
	QueueID    string `json:"queue_id"`
	SignalType string `json:"signal_type"`
	Code       string `json:"code,omitempty"`
}

type queueLengthPayload struct {
	Length   int `json:"length"`
	InFlight int `json:"in_flight"`
}

func (q *Queue) publishQueueLength(ctx context.Context) {
	q.mu.Lock()
	payload := queueLengthPayload{Length: len(q.items), InFlight: q.inflight}
	q.mu.Unlock()
	q.publish(ctx, domain.EventQueueLength, "", payload)
}

func (q *Queue) publish(ctx context.Context, t domain.EventType, signalID string, payload any) {
	if q.deps.Bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		q.deps.Logger.Warn("failed to marshal event payload", "event", string(t), "error", err)
		return
	}
	q.deps.Bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: q.deps.Clock.Now(),
		SignalID:  signalID,
		Payload:   raw,
	})
}
