// Package usecase wires the signal-processing core: the token budget window,
// the admission queue, the aggregation engine, and the router behind one
// process-wide entry point with explicit construction and shutdown.
package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"signalflow/internal/domain"
	"signalflow/internal/infra/clock"
	"signalflow/internal/usecase/admission"
	"signalflow/internal/usecase/aggregation"
	"signalflow/internal/usecase/contextwindow"
	"signalflow/internal/usecase/routing"
)

// ProcessorConfig holds the settings the processor owns directly.
type ProcessorConfig struct {
	Queue admission.Config
}

// ProcessorDeps are the pre-built components and collaborators.
type ProcessorDeps struct {
	Window     *contextwindow.Window
	Engine     *aggregation.Engine
	Router     *routing.Router
	Guidelines domain.GuidelineProvider
	Reasoner   domain.ReasoningClient
	Counter    domain.TokenCounter
	Clock      clock.Clock
	Bus        domain.EventBus
	Logger     *slog.Logger
}

// Processor is the orchestrating facade over the pipeline. Each incoming
// signal is recorded into the context window, routed, and then either
// consumed by an aggregation rule or admitted for single-item analysis.
type Processor struct {
	window *contextwindow.Window
	engine *aggregation.Engine
	router *routing.Router
	queue  *admission.Queue
	clock  clock.Clock
	logger *slog.Logger
}

// NewProcessor builds the processor and its owned admission queue.
func NewProcessor(cfg ProcessorConfig, deps ProcessorDeps) (*Processor, error) {
	p := &Processor{
		window: deps.Window,
		engine: deps.Engine,
		router: deps.Router,
		clock:  deps.Clock,
		logger: deps.Logger,
	}
	queue, err := admission.New(cfg.Queue, admission.Deps{
		Guidelines: deps.Guidelines,
		Reasoner:   deps.Reasoner,
		Counter:    deps.Counter,
		Clock:      deps.Clock,
		Bus:        deps.Bus,
		Logger:     deps.Logger,
	}, p.handleResult)
	if err != nil {
		return nil, err
	}
	p.queue = queue
	return p, nil
}

// Process runs one signal through the pipeline and returns the routing
// decision. When no aggregation rule consumes the signal it falls through to
// the analysis path; a missing guideline there surfaces to the caller.
func (p *Processor) Process(ctx context.Context, signal domain.Signal) (domain.RoutingDecision, error) {
	signal.Priority = domain.ClampPriority(signal.Priority)

	p.window.AddEntry(domain.EntrySignal, signal.Timestamp, signal.Priority,
		signal.SerializedPayload(), []string{signal.Type, signal.Source}, nil)

	enriched := domain.Enrich(signal)
	decision := p.router.Route(ctx, &enriched)

	matched, err := p.engine.AddSignal(ctx, signal)
	if err != nil {
		return decision, err
	}
	if matched {
		p.logger.Debug("signal consumed by aggregation",
			"signal_id", signal.ID, "target", decision.TargetAgent)
		return decision, nil
	}

	if _, err := p.Analyze(ctx, signal); err != nil {
		return decision, err
	}
	return decision, nil
}

// Analyze admits a signal directly for single-item analysis, bypassing
// routing and aggregation. The processing context comes from the window.
func (p *Processor) Analyze(ctx context.Context, signal domain.Signal) (string, error) {
	pc := p.window.ProcessingContext(signal.ID)
	queueID, err := p.queue.Enqueue(ctx, signal, pc)
	if err != nil {
		return "", err
	}
	return queueID, nil
}

// QueueDepth reports the admission queue backlog and in-flight counts.
func (p *Processor) QueueDepth() (pending, inflight int) {
	return len(p.queue.Pending()), p.queue.InFlight()
}

// handleResult records each analysis outcome into the context window so that
// later prompts can reference it.
func (p *Processor) handleResult(res domain.AnalysisResult) {
	var note string
	if res.Failed() {
		note = fmt.Sprintf("analysis of %s (%s) failed: %s", res.SignalID, res.SignalType, res.Failure)
	} else {
		note = fmt.Sprintf("analysis of %s (%s): %s, confidence %d",
			res.SignalID, res.SignalType, res.Classification.Category, res.Classification.Confidence)
	}
	p.window.AddEntry(domain.EntryActivity, p.clock.Now(), res.Classification.Priority,
		note, []string{"analysis"}, []string{res.SignalID})

	p.logger.Info("analysis result",
		"queue_id", res.QueueID,
		"signal_id", res.SignalID,
		"category", res.Classification.Category,
		"failed", res.Failed(),
		"from_cache", res.FromCache,
	)
}

// Close drains the pipeline: queued analyses fail structurally, buffered
// batches get one final delivery attempt.
func (p *Processor) Close(ctx context.Context) {
	p.queue.Close()
	p.engine.Close(ctx)
}
