package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/wolfman30/waitlist-backfill/internal/observability/metrics"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// BreakerConfig tunes the circuit around a gateway.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	Timeout          time.Duration
	MaxRequests      uint32
}

// BreakerGateway wraps a Gateway in a circuit breaker. Only transport
// failures trip the circuit; undelivered results are a normal response.
type BreakerGateway struct {
	next    Gateway
	breaker *gobreaker.CircuitBreaker[DeliveryResult]
	metrics *metrics.BackfillMetrics
}

// NewBreakerGateway creates a gateway that fails fast while the provider is down.
func NewBreakerGateway(next Gateway, cfg BreakerConfig, m *metrics.BackfillMetrics, logger *logging.Logger) *BreakerGateway {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "messaging-gateway"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrGatewayUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				"gateway", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &BreakerGateway{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[DeliveryResult](settings),
		metrics: m,
	}
}

var _ Gateway = (*BreakerGateway)(nil)

func (g *BreakerGateway) SendOffer(ctx context.Context, notice OfferNotice) (DeliveryResult, error) {
	result, err := g.breaker.Execute(func() (DeliveryResult, error) {
		return g.next.SendOffer(ctx, notice)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		g.metrics.ObserveGatewaySend("circuit_open")
		return DeliveryResult{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	case err != nil:
		g.metrics.ObserveGatewaySend("unavailable")
		return result, err
	case result.Delivered:
		g.metrics.ObserveGatewaySend("delivered")
	default:
		g.metrics.ObserveGatewaySend("failed")
	}
	return result, nil
}

// State exposes the breaker state for health reporting.
func (g *BreakerGateway) State() string {
	return g.breaker.State().String()
}
