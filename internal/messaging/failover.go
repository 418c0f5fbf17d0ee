package messaging

import (
	"context"
	"errors"

	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// FailoverGateway attempts a primary send, then falls back to a secondary
// gateway when the primary is unavailable. Undelivered results are final
// and never retried on the secondary.
type FailoverGateway struct {
	primary       Gateway
	secondary     Gateway
	primaryName   string
	secondaryName string
	logger        *logging.Logger
}

// NewFailoverGateway builds a failover gateway with named providers.
func NewFailoverGateway(primary Gateway, primaryName string, secondary Gateway, secondaryName string, logger *logging.Logger) *FailoverGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &FailoverGateway{
		primary:       primary,
		secondary:     secondary,
		primaryName:   primaryName,
		secondaryName: secondaryName,
		logger:        logger,
	}
}

var _ Gateway = (*FailoverGateway)(nil)

func (f *FailoverGateway) SendOffer(ctx context.Context, notice OfferNotice) (DeliveryResult, error) {
	if f == nil || f.primary == nil {
		return DeliveryResult{}, errors.New("messaging: failover primary gateway not configured")
	}
	result, err := f.primary.SendOffer(ctx, notice)
	if err == nil || f.secondary == nil || !errors.Is(err, ErrGatewayUnavailable) {
		return result, err
	}
	f.logger.Warn("primary offer send failed; attempting fallback",
		"provider", f.primaryName,
		"fallback", f.secondaryName,
		"error", err,
		"offer_id", notice.OfferID,
	)
	result, err = f.secondary.SendOffer(ctx, notice)
	if err != nil {
		f.logger.Error("fallback offer send failed",
			"provider", f.secondaryName,
			"error", err,
			"offer_id", notice.OfferID,
		)
	}
	return result, err
}

// LogGateway renders offers and logs them instead of sending. Used when no
// provider credentials are configured.
type LogGateway struct {
	logger *logging.Logger
}

func NewLogGateway(logger *logging.Logger) *LogGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogGateway{logger: logger}
}

var _ Gateway = (*LogGateway)(nil)

func (g *LogGateway) SendOffer(ctx context.Context, notice OfferNotice) (DeliveryResult, error) {
	body, err := OfferMessage(notice)
	if err != nil {
		return DeliveryResult{}, err
	}
	g.logger.Info("offer notification (log gateway)",
		"org_id", notice.OrgID,
		"offer_id", notice.OfferID,
		"to", NormalizeE164(notice.To),
		"body", body,
	)
	return DeliveryResult{Delivered: true, ProviderMessageID: "log-" + notice.OfferID}, nil
}
