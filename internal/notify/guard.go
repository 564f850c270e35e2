package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/soilwatch/sentinel/internal/metrics"
	"github.com/soilwatch/sentinel/internal/server/storage"
)

// GuardOptions configures a Guard. Zero values take the defaults noted.
type GuardOptions struct {
	Rate  float64 // deliveries per second, default 5
	Burst int     // default 10

	MaxFailures uint32        // consecutive failures that open the breaker, default 5
	OpenTimeout time.Duration // time spent open before a trial delivery, default 30s
}

// Guard wraps a Channel with a rate limiter and a circuit breaker. While the
// breaker is open deliveries fail fast with gobreaker.ErrOpenState.
type Guard struct {
	inner   Channel
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[struct{}]
}

// NewGuard wraps inner.
func NewGuard(inner Channel, opts GuardOptions, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Rate <= 0 {
		opts.Rate = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}

	name := inner.Name()
	gauge := metrics.CircuitBreakerState.WithLabelValues(name)
	gauge.Set(float64(gobreaker.StateClosed))

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			gauge.Set(float64(to))
			logger.Warn("notify: circuit breaker state change",
				slog.String("channel", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return &Guard{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		cb:      cb,
	}
}

// Name implements Channel.
func (g *Guard) Name() string { return g.inner.Name() }

// State reports the breaker state.
func (g *Guard) State() gobreaker.State { return g.cb.State() }

// Deliver waits for a rate-limit token and delivers through the breaker.
func (g *Guard) Deliver(ctx context.Context, r storage.Recipient, a storage.Alert) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify: %s rate limit: %w", g.inner.Name(), err)
	}
	_, err := g.cb.Execute(func() (struct{}, error) {
		return struct{}{}, g.inner.Deliver(ctx, r, a)
	})
	return err
}
