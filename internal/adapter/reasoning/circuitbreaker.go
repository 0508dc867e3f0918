package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"signalflow/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure
	// counts. If 0, failures never reset until the circuit opens.
	Interval time.Duration
}

// CircuitBreakerClient wraps a ReasoningClient with circuit breaker
// protection. When the wrapped client fails repeatedly, the circuit opens and
// subsequent calls fail fast without reaching the service, preventing retry
// storms against a degraded backend.
type CircuitBreakerClient struct {
	inner   domain.ReasoningClient
	breaker *gobreaker.CircuitBreaker[*domain.ReasoningResponse]
	logger  *slog.Logger
}

// NewCircuitBreakerClient wraps inner with a circuit breaker.
// Zero-valued cfg fields get sensible defaults.
func NewCircuitBreakerClient(inner domain.ReasoningClient, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerClient {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.ReasoningResponse](gobreaker.Settings{
		Name:        "reasoning",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &CircuitBreakerClient{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Execute implements domain.ReasoningClient. Calls are routed through the
// circuit breaker; an open circuit still maps to the reasoning-call sentinel
// so the admission queue produces its usual structured failure.
func (c *CircuitBreakerClient) Execute(ctx context.Context, prompt string, signal domain.Signal) (*domain.ReasoningResponse, error) {
	resp, err := c.breaker.Execute(func() (*domain.ReasoningResponse, error) {
		return c.inner.Execute(ctx, prompt, signal)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: circuit open: %v", domain.ErrReasoningCall, err)
		}
		return nil, err
	}
	return resp, nil
}

// State returns the current circuit breaker state for monitoring.
func (c *CircuitBreakerClient) State() gobreaker.State {
	return c.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (c *CircuitBreakerClient) Counts() gobreaker.Counts {
	return c.breaker.Counts()
}

var _ domain.ReasoningClient = (*CircuitBreakerClient)(nil)
