package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/waitlist-backfill/internal/backfill"
	appconfig "github.com/wolfman30/waitlist-backfill/internal/config"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

func TestSetupMetricsExposesBackfillMetrics(t *testing.T) {
	handler, m := setupMetrics()
	require.NotNil(t, handler)
	require.NotNil(t, m)

	m.ObserveEvent("slot.freed.v1", "ok")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "booking_events_consumed_total")
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestBuildServiceInMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &appconfig.Config{DefaultTimezone: "UTC"}
	_, m := setupMetrics()
	svc := buildService(cfg, nil, rdb, m, logging.Discard())

	assert.Nil(t, svc.outbox)
	assert.Nil(t, svc.processed)
	assert.Len(t, svc.consumerOptions(m), 1)

	ctx := context.Background()
	_, err := svc.bookings.BookDirect(ctx, "missing", "cust-1")
	assert.ErrorIs(t, err, backfill.ErrSlotNotFound)

	_, err = svc.engine.Orchestrator.State(ctx, "missing")
	assert.ErrorIs(t, err, backfill.ErrBackfillNotFound)
}

func TestReadinessReportsRedisFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	check := readiness(nil, rdb)
	require.NoError(t, check(context.Background()))

	mr.Close()
	err := check(context.Background())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "redis:"))
}
