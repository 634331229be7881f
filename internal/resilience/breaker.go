// Package resilience wraps backend calls prone to transient failure in a
// circuit breaker, so a struggling Redis backend gets a chance to recover
// instead of being hammered by every consumer loop and Sweeper tick at once.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/graybear-io/gbe-nexus/pkg/log"
)

// ErrBreakerOpen wraps gobreaker's open-state rejection so callers can treat
// it the same way as any other statestore/transport BackendTransient error.
var ErrBreakerOpen = errors.New("resilience: circuit breaker open")

// Breaker wraps one gobreaker.CircuitBreaker for a single named backend
// dependency (e.g. one Redis connection).
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// Settings configures a Breaker.
type Settings struct {
	Name                string
	FailureThreshold    uint32
	ResetTimeoutSeconds int
}

// New builds a Breaker that trips after Settings.FailureThreshold consecutive
// failures and stays open for ResetTimeoutSeconds before probing again.
func New(s Settings, logger log.Logger) *Breaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	timeout := s.ResetTimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     time.Duration(timeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit breaker state changed",
					log.Str("backend", name),
					log.Str("from", from.String()),
					log.Str("to", to.String()))
			}
		},
	})
	return &Breaker{cb: cb}
}

// Do executes fn through the breaker. Rejections (breaker open, too many
// requests during half-open probing) surface as ErrBreakerOpen.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return ErrBreakerOpen
	}
	return err
}
