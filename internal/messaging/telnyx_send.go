package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/waitlist-backfill/internal/messaging/templates"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

var telnyxSendTracer = otel.Tracer("backfill.internal.messaging.telnyx_send")

const defaultTelnyxURL = "https://api.telnyx.com/v2/messages"

// TelnyxConfig configures the Telnyx gateway.
type TelnyxConfig struct {
	APIKey             string
	MessagingProfileID string
	From               string
	BaseURL            string
	MaxAttempts        int
	HTTPClient         *http.Client
}

// TelnyxGateway posts offer notifications using Telnyx's V2 API.
type TelnyxGateway struct {
	apiKey             string
	messagingProfileID string
	from               string
	url                string
	maxAttempts        int
	httpClient         *http.Client
	logger             *logging.Logger
}

// NewTelnyxGateway builds a gateway for Telnyx V2 API.
func NewTelnyxGateway(cfg TelnyxConfig, logger *logging.Logger) *TelnyxGateway {
	if logger == nil {
		logger = logging.Default()
	}
	url := strings.TrimSpace(cfg.BaseURL)
	if url == "" {
		url = defaultTelnyxURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &TelnyxGateway{
		apiKey:             cfg.APIKey,
		messagingProfileID: cfg.MessagingProfileID,
		from:               cfg.From,
		url:                url,
		maxAttempts:        attempts,
		httpClient:         client,
		logger:             logger,
	}
}

var _ Gateway = (*TelnyxGateway)(nil)

// OfferMessage renders the customer-facing offer body.
func OfferMessage(notice OfferNotice) (string, error) {
	loc := notice.Location
	if loc == nil {
		loc = time.UTC
	}
	return templates.Renderer{}.Render("offer", templates.OfferTemplate, templates.OfferData{
		Business: notice.BusinessName,
		Slot:     notice.SlotDescription,
		Ref:      notice.ClaimRef,
		Expires:  notice.ExpiresAt.In(loc).Format("3:04 PM"),
	})
}

// SendOffer dispatches a single offer, retrying transient failures.
// A 4xx response means the recipient cannot be reached and is reported as
// an undelivered result; 5xx and network errors wrap ErrGatewayUnavailable.
func (g *TelnyxGateway) SendOffer(ctx context.Context, notice OfferNotice) (DeliveryResult, error) {
	if g.apiKey == "" {
		return DeliveryResult{}, fmt.Errorf("%w: telnyx api key missing", ErrGatewayUnavailable)
	}
	if strings.TrimSpace(notice.To) == "" {
		return DeliveryResult{FailureReason: "recipient contact missing"}, nil
	}

	body, err := OfferMessage(notice)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("messaging: render offer: %w", err)
	}

	ctx, span := telnyxSendTracer.Start(ctx, "messaging.telnyx.send_offer")
	defer span.End()
	span.SetAttributes(
		attribute.String("backfill.org_id", notice.OrgID),
		attribute.String("backfill.offer_id", notice.OfferID),
	)

	payload := map[string]interface{}{
		"from": g.from,
		"to":   NormalizeE164(notice.To),
		"text": body,
	}
	if g.messagingProfileID != "" {
		payload["messaging_profile_id"] = g.messagingProfileID
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("messaging: failed to marshal telnyx payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		result, retry, err := g.post(ctx, bodyBytes)
		if err == nil {
			if result.Delivered {
				g.logger.Info("telnyx offer sent", "org_id", notice.OrgID, "offer_id", notice.OfferID)
			} else {
				g.logger.Warn("telnyx offer rejected", "org_id", notice.OrgID, "offer_id", notice.OfferID, "reason", result.FailureReason)
			}
			return result, nil
		}
		lastErr = err
		if !retry {
			break
		}
		if attempt < g.maxAttempts {
			sleep := time.Duration(200+rand.Intn(300)) * time.Millisecond
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = g.maxAttempts
			case <-time.After(sleep):
			}
		}
	}

	span.RecordError(lastErr)
	g.logger.Error("failed to send telnyx offer", "error", lastErr, "org_id", notice.OrgID, "offer_id", notice.OfferID)
	return DeliveryResult{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, lastErr)
}

func (g *TelnyxGateway) post(ctx context.Context, payload []byte) (DeliveryResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return DeliveryResult{}, false, err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return DeliveryResult{}, !errors.Is(err, context.Canceled), err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		_ = json.Unmarshal(body, &parsed)
		return DeliveryResult{Delivered: true, ProviderMessageID: parsed.Data.ID}, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return DeliveryResult{}, true, fmt.Errorf("telnyx send failed: status %d", resp.StatusCode)
	default:
		return DeliveryResult{FailureReason: telnyxErrorDetail(resp.StatusCode, body)}, false, nil
	}
}

func telnyxErrorDetail(status int, body []byte) string {
	var parsed struct {
		Errors []struct {
			Code   string `json:"code"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil && len(parsed.Errors) > 0 {
		e := parsed.Errors[0]
		if e.Detail != "" {
			return fmt.Sprintf("status %d: %s", status, e.Detail)
		}
		return fmt.Sprintf("status %d: %s", status, e.Title)
	}
	return fmt.Sprintf("status %d", status)
}
