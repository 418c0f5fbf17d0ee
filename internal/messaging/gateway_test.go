package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/waitlist-backfill/internal/observability/metrics"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

func testNotice() OfferNotice {
	return OfferNotice{
		OrgID:           "org-1",
		OfferID:         "offer-1",
		To:              "+1 (555) 000-1111",
		BusinessName:    "Glow Studio",
		SlotDescription: "Botox on Mon Jun 2 at 10:00 AM",
		ClaimRef:        "AB12CD34",
		ExpiresAt:       time.Date(2025, 6, 2, 9, 15, 0, 0, time.UTC),
	}
}

func TestTelnyxGatewayDelivered(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"id":"msg-123"}}`))
	}))
	defer srv.Close()

	gw := NewTelnyxGateway(TelnyxConfig{APIKey: "key", From: "+15559990000", BaseURL: srv.URL, MessagingProfileID: "prof"}, logging.Discard())
	res, err := gw.SendOffer(context.Background(), testNotice())
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.Equal(t, "msg-123", res.ProviderMessageID)
	assert.Equal(t, "+15550001111", got["to"])
	assert.Equal(t, "prof", got["messaging_profile_id"])
	assert.Contains(t, got["text"], "CLAIM AB12CD34")
}

func TestTelnyxGatewayClientErrorIsUndelivered(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":[{"code":"40310","title":"Invalid to","detail":"not a mobile number"}]}`))
	}))
	defer srv.Close()

	gw := NewTelnyxGateway(TelnyxConfig{APIKey: "key", BaseURL: srv.URL}, logging.Discard())
	res, err := gw.SendOffer(context.Background(), testNotice())
	require.NoError(t, err)
	assert.False(t, res.Delivered)
	assert.Contains(t, res.FailureReason, "not a mobile number")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestTelnyxGatewayServerErrorIsUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	gw := NewTelnyxGateway(TelnyxConfig{APIKey: "key", BaseURL: srv.URL, MaxAttempts: 2}, logging.Discard())
	_, err := gw.SendOffer(context.Background(), testNotice())
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestTelnyxGatewayMissingContact(t *testing.T) {
	gw := NewTelnyxGateway(TelnyxConfig{APIKey: "key", BaseURL: "http://127.0.0.1:1"}, logging.Discard())
	n := testNotice()
	n.To = " "
	res, err := gw.SendOffer(context.Background(), n)
	require.NoError(t, err)
	assert.False(t, res.Delivered)
}

type stubGateway struct {
	result DeliveryResult
	err    error
	calls  int
}

func (s *stubGateway) SendOffer(ctx context.Context, n OfferNotice) (DeliveryResult, error) {
	s.calls++
	return s.result, s.err
}

func TestBreakerGatewayOpensAfterConsecutiveUnavailable(t *testing.T) {
	inner := &stubGateway{err: ErrGatewayUnavailable}
	m := metrics.NewBackfillMetrics(prometheus.NewRegistry())
	gw := NewBreakerGateway(inner, BreakerConfig{FailureThreshold: 2, Timeout: time.Hour}, m, logging.Discard())

	for i := 0; i < 2; i++ {
		_, err := gw.SendOffer(context.Background(), testNotice())
		assert.ErrorIs(t, err, ErrGatewayUnavailable)
	}
	assert.Equal(t, "open", gw.State())

	_, err := gw.SendOffer(context.Background(), testNotice())
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Equal(t, 2, inner.calls)
}

func TestBreakerGatewayUndeliveredDoesNotTrip(t *testing.T) {
	inner := &stubGateway{result: DeliveryResult{FailureReason: "blocked"}}
	gw := NewBreakerGateway(inner, BreakerConfig{FailureThreshold: 1}, nil, logging.Discard())

	for i := 0; i < 3; i++ {
		res, err := gw.SendOffer(context.Background(), testNotice())
		require.NoError(t, err)
		assert.False(t, res.Delivered)
	}
	assert.Equal(t, "closed", gw.State())
}

func TestFailoverGateway(t *testing.T) {
	primary := &stubGateway{err: ErrGatewayUnavailable}
	secondary := &stubGateway{result: DeliveryResult{Delivered: true}}
	gw := NewFailoverGateway(primary, "telnyx", secondary, "log", logging.Discard())

	res, err := gw.SendOffer(context.Background(), testNotice())
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.Equal(t, 1, secondary.calls)

	primary.err = errors.New("render failed")
	_, err = gw.SendOffer(context.Background(), testNotice())
	assert.Error(t, err)
	assert.Equal(t, 1, secondary.calls)
}

func TestLogGatewayDelivers(t *testing.T) {
	res, err := NewLogGateway(logging.Discard()).SendOffer(context.Background(), testNotice())
	require.NoError(t, err)
	assert.True(t, res.Delivered)
}

func TestNormalizeE164(t *testing.T) {
	assert.Equal(t, "+15550001111", NormalizeE164("+1 (555) 000-1111"))
	assert.Equal(t, "whatsapp:+15550001111", NormalizeE164("whatsapp:+1 555 000 1111"))
	assert.Equal(t, "", NormalizeE164("  "))
	assert.Equal(t, "", NormalizeE164("abc"))
}

func TestOfferMessageUsesLocation(t *testing.T) {
	n := testNotice()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	n.Location = loc
	body, err := OfferMessage(n)
	require.NoError(t, err)
	assert.Contains(t, body, "5:15 AM")
}
