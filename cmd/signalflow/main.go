package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"signalflow/internal/adapter/gateway"
	"signalflow/internal/adapter/guideline"
	"signalflow/internal/adapter/notify"
	"signalflow/internal/adapter/reasoning"
	"signalflow/internal/adapter/registry"
	"signalflow/internal/domain"
	"signalflow/internal/infra/clock"
	"signalflow/internal/infra/config"
	"signalflow/internal/infra/logger"
	"signalflow/internal/infra/sysinfo"
	"signalflow/internal/infra/tracer"
	"signalflow/internal/usecase"
	"signalflow/internal/usecase/admission"
	"signalflow/internal/usecase/aggregation"
	"signalflow/internal/usecase/contextwindow"
	"signalflow/internal/usecase/eventbus"
	"signalflow/internal/usecase/routing"
	"signalflow/internal/usecase/scheduling"
	"signalflow/internal/usecase/tokencount"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`signalflow - resource-constrained signal processing daemon

USAGE:
    signalflow [FLAGS]

FLAGS:
    -h, --help       Show this help message
    --config PATH    Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (YAML, ${VAR} references expanded)
    When the file is absent the daemon runs with built-in defaults.

ENDPOINTS:
    POST /signals          Submit a signal to the pipeline
    POST /signals/analyze  Submit a signal directly for analysis
    GET  /status           Queue, window, and batch figures
    PUT  /agents/{id}/load Report worker load to the routing registry
    GET  /events           Websocket stream of internal events`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("SIGNALFLOW_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfgPath := configPath()
	var cfg *config.Config
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		cfg = loaded
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Shared infrastructure
	clk := clock.New()
	counter := tokencount.New()

	// 5. Token budget window
	window := contextwindow.New(contextwindow.Config{
		Ceiling:              cfg.Window.Ceiling,
		CompressionThreshold: cfg.Window.CompressionThreshold,
		MaxEntryAge:          cfg.Window.MaxEntryAgeDuration(),
		RecentWindow:         cfg.Window.RecentWindowDuration(),
		SummaryInterval:      cfg.Window.SummaryIntervalDuration(),
	}, counter, clk, bus, log)

	// 6. System state supplier: live process figures plus window pressure,
	// with config-pinned entries on top. Feeds the system_state conditions of
	// aggregation and routing rules and state enrichment.
	systemState := func(context.Context) (map[string]string, error) {
		state := sysinfo.Snapshot(cfg.SystemState)
		status := window.TokenStatus()
		switch {
		case status.Critical:
			state["window_pressure"] = "critical"
		case status.Approaching:
			state["window_pressure"] = "approaching"
		default:
			state["window_pressure"] = "ok"
		}
		return state, nil
	}

	// 7. Notification sink
	var sink domain.NotificationSink
	if cfg.Notify.Slack.BotToken != "" {
		sink = notify.NewSlackSink(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.ChannelID, log,
			notify.WithSendRate(cfg.Notify.Slack.SendRate))
	} else {
		log.Warn("no slack token configured, notifications go to the log only")
		sink = logSink{log: log}
	}

	// 8. Aggregation engine
	engine, err := aggregation.New(aggregation.Config{
		DeliveryInterval: cfg.Aggregation.DeliveryIntervalDuration(),
		RetryDelay:       cfg.Aggregation.RetryDelayDuration(),
		MaxAttempts:      cfg.Aggregation.MaxAttempts,
		ExpirationWindow: cfg.Aggregation.ExpirationWindowDuration(),
		Deduplicate:      cfg.Aggregation.Deduplicate,
		ProjectID:        cfg.Notify.ProjectID,
		Rules:            buildAggregationRules(cfg.Aggregation.Rules),
	}, aggregation.Deps{
		Sink:        sink,
		Clock:       clk,
		Bus:         bus,
		Logger:      log,
		SystemState: systemState,
	})
	if err != nil {
		return fmt.Errorf("aggregation: %w", err)
	}

	// 9. Routing engine
	reg := registry.NewStatic(buildAgents(cfg.Routing.Agents))
	router, err := routing.New(routing.Config{
		DefaultTarget: cfg.Routing.DefaultTarget,
		Rules:         buildRoutingRules(cfg.Routing.Rules),
	}, routing.Deps{
		Registry:    reg,
		Clock:       clk,
		Bus:         bus,
		Logger:      log,
		SystemState: systemState,
	})
	if err != nil {
		return fmt.Errorf("routing: %w", err)
	}

	// 10. Guidelines & reasoning
	guidelineDir := cfg.Guidelines.Dir
	if guidelineDir == "" {
		guidelineDir = "guidelines"
	}
	guidelines, err := guideline.NewFileProvider(guidelineDir)
	if err != nil {
		return fmt.Errorf("guidelines: %w", err)
	}

	if cfg.Reasoning.Model == "" {
		return fmt.Errorf("reasoning: model is required (set reasoning.model in %s)", cfgPath)
	}
	bedrock, err := reasoning.NewBedrockClient(cfg.Reasoning, log)
	if err != nil {
		return fmt.Errorf("reasoning: %w", err)
	}
	reasoner := reasoning.NewCircuitBreakerClient(bedrock, reasoning.CircuitBreakerConfig{
		MaxFailures: cfg.Reasoning.MaxFailures,
		Timeout:     cfg.Reasoning.OpenTimeoutDuration(),
	}, log)

	// 11. Processor facade (owns the admission queue)
	budget, err := domain.NewTokenBudget(
		cfg.Queue.Budget.Cap,
		cfg.Queue.Budget.BaseReserve,
		cfg.Queue.Budget.GuidelineReserve,
		cfg.Queue.Budget.SafetyMargin,
	)
	if err != nil {
		return fmt.Errorf("queue budget: %w", err)
	}
	proc, err := usecase.NewProcessor(usecase.ProcessorConfig{
		Queue: admission.Config{
			MaxConcurrent:  cfg.Queue.MaxConcurrent,
			QueueTimeout:   cfg.Queue.QueueTimeoutDuration(),
			RequestTimeout: cfg.Queue.RequestTimeoutDuration(),
			CacheTTL:       cfg.Queue.CacheTTLDuration(),
			Budget:         budget,
		},
	}, usecase.ProcessorDeps{
		Window:     window,
		Engine:     engine,
		Router:     router,
		Guidelines: guidelines,
		Reasoner:   reasoner,
		Counter:    counter,
		Clock:      clk,
		Bus:        bus,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("processor: %w", err)
	}

	// 12. Maintenance scheduler
	scheduler := scheduling.NewScheduler(log)
	scheduler.RegisterAction(scheduling.ActionAggregationSweep, func(ctx context.Context) error {
		engine.Sweep(ctx)
		return nil
	})
	scheduler.RegisterAction(scheduling.ActionBatchCleanup, func(ctx context.Context) error {
		engine.Cleanup(ctx)
		return nil
	})
	scheduler.RegisterAction(scheduling.ActionWindowCompress, func(ctx context.Context) error {
		window.Compress(ctx)
		return nil
	})
	scheduler.RegisterAction(scheduling.ActionMaintenanceTick, func(ctx context.Context) error {
		bus.Publish(ctx, domain.Event{Type: domain.EventMaintenanceTick, Timestamp: clk.Now()})
		return nil
	})
	tasks := []scheduling.ScheduledTask{
		{Name: "aggregation-sweep", Schedule: cfg.Aggregation.DeliveryInterval, Action: scheduling.ActionAggregationSweep},
		{Name: "batch-cleanup", Schedule: "5m", Action: scheduling.ActionBatchCleanup},
		{Name: "window-compress", Schedule: "1m", Action: scheduling.ActionWindowCompress},
		{Name: "maintenance-tick", Schedule: "30s", Action: scheduling.ActionMaintenanceTick},
	}
	for _, task := range tasks {
		if err := scheduler.AddTask(task); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	// 13. Gateway
	status := func() map[string]any {
		return map[string]any{
			"window": map[string]any{
				"total_tokens": window.TotalTokens(),
				"entries":      window.EntryCount(),
			},
			"aggregation": map[string]any{
				"buffers": engine.BufferSizes(),
			},
		}
	}
	srv := gateway.NewServer(cfg.Gateway, proc, reg, status, bus, log)

	// 14. Graceful shutdown wiring
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer func() {
		scheduler.Stop()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		proc.Close(shutdownCtx)
	}()

	log.Info("signalflow starting",
		"gateway", cfg.Gateway.Addr,
		"window_ceiling", cfg.Window.Ceiling,
		"aggregation_rules", len(cfg.Aggregation.Rules),
		"routing_rules", len(cfg.Routing.Rules),
		"agents", len(cfg.Routing.Agents),
		"slack", cfg.Notify.Slack.BotToken != "",
	)

	return srv.Start(ctx)
}

// logSink is the fallback notification sink when Slack is not configured:
// notifications land in the structured log and nowhere else.
type logSink struct {
	log *slog.Logger
}

func (s logSink) SendAdminAlert(_ context.Context, alert domain.AdminAlert) (string, error) {
	s.log.Warn("admin alert",
		"topic", alert.Topic,
		"summary", alert.Summary,
		"urgency", alert.Urgency,
		"required_action", alert.RequiredAction,
	)
	return "logged", nil
}

func (s logSink) SendNotice(_ context.Context, notice domain.Notice) (string, error) {
	s.log.Info("notice", "message", notice.Message, "urgency", notice.Urgency)
	return "logged", nil
}

func buildAggregationRules(rules []config.RuleConfig) []domain.AggregationRule {
	out := make([]domain.AggregationRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, domain.AggregationRule{
			ID:            r.ID,
			Name:          r.Name,
			Strategy:      domain.Strategy(r.Strategy),
			SourceSystems: r.SourceSystems,
			TimeWindow:    r.TimeWindowDuration(),
			MaxSignals:    r.MaxSignals,
			MaxWaitTime:   r.MaxWaitTimeDuration(),
			Priority:      r.Priority,
			Level:         domain.AggregationLevel(r.Level),
			Deduplicate:   r.Deduplicate,
			Enabled:       r.Enabled,
			Conditions: domain.MatchConditions{
				SignalTypes:     r.SignalTypes,
				MinPriority:     r.MinPriority,
				ExactPriority:   r.ExactPriority,
				EscalationLevel: r.EscalationLevel,
				AgentTypes:      r.AgentTypes,
				PRPIDs:          r.PRPIDs,
				SystemState:     r.SystemState,
			},
			Enrichment: domain.EnrichmentConfig{
				AttachSystemState: r.EnrichSystemState,
				AttachHistory:     r.EnrichHistory,
				AttachRelated:     r.EnrichRelated,
			},
		})
	}
	return out
}

func buildRoutingRules(rules []config.RoutingRuleConfig) []routing.Rule {
	out := make([]routing.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, routing.Rule{
			ID:              r.ID,
			Pattern:         r.Pattern,
			MinPriority:     r.MinPriority,
			MaxPriority:     r.MaxPriority,
			Priority:        r.Priority,
			PrimaryTargets:  r.PrimaryTargets,
			FallbackTargets: r.FallbackTargets,
			SourceSystems:   r.SourceSystems,
			EscalationLevel: r.EscalationLevel,
			PRPIDs:          r.PRPIDs,
			SystemState:     r.SystemState,
		})
	}
	return out
}

func buildAgents(agents []config.AgentConfig) []domain.AgentCapability {
	out := make([]domain.AgentCapability, 0, len(agents))
	for _, a := range agents {
		out = append(out, domain.AgentCapability{
			AgentID:         a.ID,
			Capabilities:    a.Capabilities,
			MaxCapacity:     a.MaxCapacity,
			SuccessRate:     a.SuccessRate,
			AvgResponseTime: a.AvgResponseTimeDuration(),
		})
	}
	return out
}
