package bootstrap

import (
	"strings"

	appconfig "github.com/wolfman30/waitlist-backfill/internal/config"
	"github.com/wolfman30/waitlist-backfill/internal/messaging"
	"github.com/wolfman30/waitlist-backfill/internal/observability/metrics"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// BuildGateway selects the offer gateway and applies standard wrappers. It
// returns the gateway and a short provider name for logging.
//
// Without Telnyx credentials offers are only logged. With a fallback sender
// configured, sends move to it while the primary's breaker is open.
func BuildGateway(cfg *appconfig.Config, m *metrics.BackfillMetrics, logger *logging.Logger) (messaging.Gateway, string) {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg == nil || strings.TrimSpace(cfg.TelnyxAPIKey) == "" {
		return messaging.NewLogGateway(logger), "log"
	}

	breaker := func(name string, gw messaging.Gateway) messaging.Gateway {
		return messaging.NewBreakerGateway(gw, messaging.BreakerConfig{
			Name:             name,
			FailureThreshold: uint32(max(cfg.GatewayBreakerFailures, 0)),
			Timeout:          cfg.GatewayBreakerTimeout,
		}, m, logger)
	}

	primary := breaker("telnyx", messaging.NewTelnyxGateway(messaging.TelnyxConfig{
		APIKey:             cfg.TelnyxAPIKey,
		MessagingProfileID: cfg.TelnyxMessagingProfileID,
		From:               cfg.TelnyxFromNumber,
	}, logger))

	if strings.TrimSpace(cfg.TelnyxFallbackFromNumber) == "" && strings.TrimSpace(cfg.TelnyxFallbackProfileID) == "" {
		return primary, "telnyx"
	}
	fallback := breaker("telnyx-fallback", messaging.NewTelnyxGateway(messaging.TelnyxConfig{
		APIKey:             cfg.TelnyxAPIKey,
		MessagingProfileID: cfg.TelnyxFallbackProfileID,
		From:               cfg.TelnyxFallbackFromNumber,
	}, logger))
	return messaging.NewFailoverGateway(primary, "telnyx", fallback, "telnyx-fallback", logger), "telnyx+fallback"
}
