package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/waitlist-backfill/internal/config"
	"github.com/wolfman30/waitlist-backfill/internal/events"
	"github.com/wolfman30/waitlist-backfill/internal/messaging"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

func TestBuildRedisClient(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, BuildRedisClient(ctx, &appconfig.Config{}, logging.Discard(), true))

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	client := BuildRedisClient(ctx, &appconfig.Config{RedisAddr: addr}, logging.Discard(), true)
	require.NotNil(t, client)
	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	_ = client.Close()

	// Closed server: the address no longer answers.
	mr.Close()
	assert.Nil(t, BuildRedisClient(ctx, &appconfig.Config{RedisAddr: addr}, logging.Discard(), true))
}

func TestBuildPostgresPoolWithoutURL(t *testing.T) {
	pool, err := BuildPostgresPool(context.Background(), &appconfig.Config{})
	require.NoError(t, err)
	assert.Nil(t, pool)
}

func TestBuildGateway(t *testing.T) {
	gw, name := BuildGateway(&appconfig.Config{}, nil, logging.Discard())
	assert.Equal(t, "log", name)
	assert.IsType(t, &messaging.LogGateway{}, gw)

	gw, name = BuildGateway(&appconfig.Config{TelnyxAPIKey: "key", TelnyxFromNumber: "+15550000000"}, nil, logging.Discard())
	assert.Equal(t, "telnyx", name)
	assert.IsType(t, &messaging.BreakerGateway{}, gw)

	gw, name = BuildGateway(&appconfig.Config{TelnyxAPIKey: "key", TelnyxFallbackFromNumber: "+15550000001"}, nil, logging.Discard())
	assert.Equal(t, "telnyx+fallback", name)
	assert.IsType(t, &messaging.FailoverGateway{}, gw)
}

func TestBuildSlotEventsQueueAndPublisher(t *testing.T) {
	q, kind := BuildSlotEventsQueue(&appconfig.Config{SlotEventsQueueURL: "https://sqs.local/q"}, nil, logging.Discard())
	assert.Equal(t, "memory", kind)
	assert.IsType(t, &events.MemoryQueue{}, q)

	pub, err := BuildPublisher(&appconfig.Config{}, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &events.NoopPublisher{}, pub)
}
