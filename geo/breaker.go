package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"site-analytics/metrics"
)

// ErrRateLimited is returned when the local request budget for a provider is
// exhausted. Free geolocation APIs ban clients that exceed their quota, so
// the limit is enforced before the request leaves the process.
var ErrRateLimited = errors.New("provider rate limit exceeded")

// BreakerProvider wraps a Provider with a token bucket and a circuit breaker.
type BreakerProvider struct {
	next    Provider
	cb      *gobreaker.CircuitBreaker[*Location]
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// NewBreakerProvider allows ratePerMinute lookups per minute (0 disables the
// limiter) and opens the circuit after 5 consecutive failures for 1 minute.
func NewBreakerProvider(next Provider, ratePerMinute int, logger *zap.SugaredLogger) *BreakerProvider {
	name := "geo-" + next.Name()

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			logger.Warnw("Circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Non-public addresses are caller errors, not provider faults.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotPublic)
		},
	}

	b := &BreakerProvider{
		next:   next,
		cb:     gobreaker.NewCircuitBreaker[*Location](settings),
		logger: logger,
	}
	if ratePerMinute > 0 {
		b.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(ratePerMinute)), ratePerMinute)
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return b
}

func (b *BreakerProvider) Name() string { return b.next.Name() }

func (b *BreakerProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	if b.limiter != nil && !b.limiter.Allow() {
		metrics.GeoLookups.WithLabelValues(b.Name(), "rejected").Inc()
		return nil, fmt.Errorf("%s: %w", b.Name(), ErrRateLimited)
	}

	loc, err := b.cb.Execute(func() (*Location, error) {
		return b.next.Lookup(ctx, ip)
	})
	if err != nil {
		outcome := "failure"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "rejected"
		}
		metrics.GeoLookups.WithLabelValues(b.Name(), outcome).Inc()
		return nil, err
	}
	metrics.GeoLookups.WithLabelValues(b.Name(), "success").Inc()
	return loc, nil
}

// State reports the breaker state, mainly for tests and the health endpoint.
func (b *BreakerProvider) State() gobreaker.State {
	return b.cb.State()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
