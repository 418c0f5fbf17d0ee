package events

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

type fakeChannel struct {
	published []amqp.Publishing
	keys      []string
	exchange  string
	err       error
	closed    bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.exchange = exchange
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestRabbitMQPublisherPublish(t *testing.T) {
	ch := &fakeChannel{}
	p := &RabbitMQPublisher{channel: ch, exchange: ExchangeName, logger: logging.Discard()}

	require.NoError(t, p.Publish(context.Background(), "backfill.resolved", []byte(`{"slot_id":"slot-1"}`)))
	assert.Equal(t, ExchangeName, ch.exchange)
	assert.Equal(t, []string{"backfill.resolved"}, ch.keys)
	require.Len(t, ch.published, 1)
	assert.Equal(t, "application/json", ch.published[0].ContentType)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)

	ch.err = errors.New("channel closed")
	assert.ErrorContains(t, p.Publish(context.Background(), "backfill.exhausted", nil), "publish backfill.exhausted")

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestNoopPublisher(t *testing.T) {
	p := NewNoopPublisher(nil)
	assert.NoError(t, p.Publish(context.Background(), "backfill.resolved", []byte("{}")))
	assert.NoError(t, p.Close())
}
