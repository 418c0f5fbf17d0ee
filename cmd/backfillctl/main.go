package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/wolfman30/waitlist-backfill/cmd/mainconfig"
	"github.com/wolfman30/waitlist-backfill/internal/app/bootstrap"
	appconfig "github.com/wolfman30/waitlist-backfill/internal/config"
	"github.com/wolfman30/waitlist-backfill/internal/events"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	a := &app{
		out:        os.Stdout,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		openQueue: func(ctx context.Context) (events.Queue, error) {
			if cfg.SlotEventsQueueURL == "" {
				return nil, fmt.Errorf("SLOT_EVENTS_QUEUE_URL is required")
			}
			client, err := mainconfig.NewSQSClient(ctx, cfg)
			if err != nil {
				return nil, err
			}
			q, _ := bootstrap.BuildSlotEventsQueue(cfg, client, logger)
			return q, nil
		},
	}
	if err := newRootCmd(a).Execute(); err != nil {
		os.Exit(1)
	}
}
