package reasoning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalflow/internal/domain"
	"signalflow/internal/infra/logger"
)

type mockReasoner struct {
	execFunc func(ctx context.Context, prompt string, signal domain.Signal) (*domain.ReasoningResponse, error)
}

func (m *mockReasoner) Execute(ctx context.Context, prompt string, signal domain.Signal) (*domain.ReasoningResponse, error) {
	return m.execFunc(ctx, prompt, signal)
}

func TestCircuitBreakerPassesThrough(t *testing.T) {
	inner := &mockReasoner{
		execFunc: func(context.Context, string, domain.Signal) (*domain.ReasoningResponse, error) {
			return &domain.ReasoningResponse{FinishReason: "end_turn"}, nil
		},
	}

	cb := NewCircuitBreakerClient(inner, CircuitBreakerConfig{}, logger.Discard())
	resp, err := cb.Execute(context.Background(), "p", domain.Signal{ID: "s1"})

	require.NoError(t, err)
	assert.Equal(t, "end_turn", resp.FinishReason)
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	callCount := 0
	inner := &mockReasoner{
		execFunc: func(context.Context, string, domain.Signal) (*domain.ReasoningResponse, error) {
			callCount++
			return nil, errors.New("service error")
		},
	}

	cfg := CircuitBreakerConfig{
		MaxFailures: 3,
		Timeout:     5 * time.Second,
		Interval:    60 * time.Second,
	}
	cb := NewCircuitBreakerClient(inner, cfg, logger.Discard())

	// First 3 calls go through and fail.
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(context.Background(), "p", domain.Signal{ID: "s1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "service error")
	}
	assert.Equal(t, 3, callCount)

	assert.Equal(t, gobreaker.StateOpen, cb.State())

	// Next call fails fast without reaching the service, and still maps to
	// the reasoning-call sentinel for the structured failure path.
	_, err := cb.Execute(context.Background(), "p", domain.Signal{ID: "s1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReasoningCall)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 3, callCount, "service should not be called when circuit is open")
}

func TestCircuitBreakerClosesAfterSuccess(t *testing.T) {
	shouldFail := true
	inner := &mockReasoner{
		execFunc: func(context.Context, string, domain.Signal) (*domain.ReasoningResponse, error) {
			if shouldFail {
				return nil, errors.New("down")
			}
			return &domain.ReasoningResponse{FinishReason: "recovered"}, nil
		},
	}

	cfg := CircuitBreakerConfig{
		MaxFailures: 2,
		Timeout:     50 * time.Millisecond, // short timeout for testing
		Interval:    60 * time.Second,
	}
	cb := NewCircuitBreakerClient(inner, cfg, logger.Discard())

	// Trip the breaker.
	for i := 0; i < 2; i++ {
		cb.Execute(context.Background(), "p", domain.Signal{ID: "s1"})
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	// Wait for half-open transition.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, cb.State())

	// Half-open allows 1 probe.
	shouldFail = false
	resp, err := cb.Execute(context.Background(), "p", domain.Signal{ID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.FinishReason)

	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerPropagatesInnerErrors(t *testing.T) {
	sentinel := errors.New("specific error")
	inner := &mockReasoner{
		execFunc: func(context.Context, string, domain.Signal) (*domain.ReasoningResponse, error) {
			return nil, sentinel
		},
	}

	cb := NewCircuitBreakerClient(inner, CircuitBreakerConfig{}, logger.Discard())
	_, err := cb.Execute(context.Background(), "p", domain.Signal{ID: "s1"})
	assert.ErrorIs(t, err, sentinel)
}
