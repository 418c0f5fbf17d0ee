package bootstrap

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/waitlist-backfill/internal/config"
	"github.com/wolfman30/waitlist-backfill/internal/events"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// BuildSlotEventsQueue returns the inbound queue. The in-memory queue is used
// when requested or when no SQS queue is configured.
func BuildSlotEventsQueue(cfg *appconfig.Config, client *sqs.Client, logger *logging.Logger) (events.Queue, string) {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg == nil || cfg.UseMemoryQueue || strings.TrimSpace(cfg.SlotEventsQueueURL) == "" || client == nil {
		return events.NewMemoryQueue(1024), "memory"
	}
	return events.NewSQSQueue(client, cfg.SlotEventsQueueURL), "sqs"
}

// BuildPublisher connects to RabbitMQ when configured. Without a broker URL
// lifecycle events stay in the outbox log only.
func BuildPublisher(cfg *appconfig.Config, logger *logging.Logger) (events.Publisher, error) {
	if cfg == nil || strings.TrimSpace(cfg.RabbitMQURL) == "" {
		return events.NewNoopPublisher(logger), nil
	}
	pub, err := events.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: rabbitmq publisher: %w", err)
	}
	return pub, nil
}
