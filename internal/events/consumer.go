package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/waitlist-backfill/internal/backfill"
	"github.com/wolfman30/waitlist-backfill/internal/messaging/compliance"
	"github.com/wolfman30/waitlist-backfill/internal/observability/metrics"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// SlotHandler reacts to slots opening up or being taken.
type SlotHandler interface {
	HandleSlotFreed(ctx context.Context, slot backfill.Slot) error
	HandleSlotBooked(ctx context.Context, slotID string) error
}

// Claimer resolves claim attempts.
type Claimer interface {
	AttemptClaim(ctx context.Context, offerID, claimant string) (backfill.ClaimResult, error)
	ClaimByRef(ctx context.Context, ref, claimant string) (backfill.ClaimResult, error)
}

// Decliner records declined offers.
type Decliner interface {
	Decline(ctx context.Context, offerID, claimant string) (*backfill.Offer, error)
	DeclineByRef(ctx context.Context, ref, claimant string) (*backfill.Offer, error)
}

// Handlers are the engine entry points the consumer routes to.
type Handlers struct {
	Slots    SlotHandler
	Claims   Claimer
	Declines Decliner
}

// EngineHandlers routes events to a backfill engine.
func EngineHandlers(e *backfill.Engine) Handlers {
	return Handlers{Slots: e.Orchestrator, Claims: e.Arbiter, Declines: e.Manager}
}

type processedStore interface {
	Claim(ctx context.Context, consumer, eventID string) (bool, error)
	Complete(ctx context.Context, consumer, eventID string) error
	Release(ctx context.Context, consumer, eventID string) error
}

// errDrop marks messages that can never succeed. They are acknowledged so the
// queue does not redeliver them.
var errDrop = errors.New("events: message dropped")

const (
	defaultConsumerWorkers = 2
	defaultWaitSeconds     = 10
	defaultBatchSize       = 5
	maxWaitSeconds         = 20
	maxReceiveBatchSize    = 10
	deleteTimeout          = 5 * time.Second
	consumerName           = "backfill-worker"
)

// ConsumerOption customizes consumer behavior.
type ConsumerOption func(*Consumer)

// WithWorkerCount sets the number of concurrent polling goroutines.
func WithWorkerCount(count int) ConsumerOption {
	return func(c *Consumer) {
		if count > 0 {
			c.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) ConsumerOption {
	return func(c *Consumer) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		c.waitSeconds = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) ConsumerOption {
	return func(c *Consumer) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		c.batchSize = size
	}
}

// WithProcessedStore claims each envelope before handling it, so duplicates
// are acknowledged without running twice.
func WithProcessedStore(store processedStore) ConsumerOption {
	return func(c *Consumer) {
		c.processed = store
	}
}

func WithMetrics(m *metrics.BackfillMetrics) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// Consumer polls the slot events queue and drives the backfill engine.
type Consumer struct {
	queue     Queue
	handlers  Handlers
	detector  *compliance.Detector
	processed processedStore
	metrics   *metrics.BackfillMetrics
	logger    *logging.Logger

	workers     int
	waitSeconds int
	batchSize   int

	wg sync.WaitGroup
}

func NewConsumer(queue Queue, handlers Handlers, logger *logging.Logger, opts ...ConsumerOption) *Consumer {
	if queue == nil {
		panic("events: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &Consumer{
		queue:       queue,
		handlers:    handlers,
		detector:    compliance.NewDetector(),
		logger:      logger,
		workers:     defaultConsumerWorkers,
		waitSeconds: defaultWaitSeconds,
		batchSize:   defaultBatchSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start launches the polling goroutines. They stop when ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.run(ctx, i+1)
	}
}

// Wait blocks until every polling goroutine has returned.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context, workerID int) {
	defer c.wg.Done()
	c.logger.Debug("event consumer started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("event consumer stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := c.queue.Receive(ctx, c.batchSize, c.waitSeconds)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to receive slot events", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			c.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage processes one queue message. It is deleted on success or
// when it can never succeed, and left for redelivery otherwise.
func (c *Consumer) HandleMessage(ctx context.Context, msg Message) {
	env, err := DecodeEnvelope(msg.Body)
	if err != nil {
		c.logger.Warn("dropping malformed slot event", "message_id", msg.ID, "error", err)
		c.metrics.ObserveEvent("unknown", "dropped")
		c.ack(msg)
		return
	}
	log := c.logger.With("event_id", env.EventID, "event_type", env.EventType, "org_id", env.OrgID)

	tracked := c.processed != nil && env.EventID != ""
	if tracked {
		claimed, err := c.processed.Claim(ctx, consumerName, env.EventID)
		if err != nil {
			log.Error("failed to claim slot event", "error", err)
			c.metrics.ObserveEvent(env.EventType, "retried")
			return
		}
		if !claimed {
			log.Debug("skipping duplicate slot event")
			c.metrics.ObserveEvent(env.EventType, "duplicate")
			c.ack(msg)
			return
		}
	}

	err = c.dispatch(ctx, env, log)
	switch {
	case err == nil:
		c.metrics.ObserveEvent(env.EventType, "handled")
	case errors.Is(err, errDrop):
		log.Warn("dropping slot event", "error", err)
		c.metrics.ObserveEvent(env.EventType, "dropped")
	default:
		log.Error("slot event failed, leaving for redelivery", "error", err)
		c.metrics.ObserveEvent(env.EventType, "retried")
		if tracked {
			if err := c.processed.Release(ctx, consumerName, env.EventID); err != nil {
				log.Error("failed to release slot event claim", "error", err)
			}
		}
		return
	}

	if tracked {
		if err := c.processed.Complete(ctx, consumerName, env.EventID); err != nil {
			log.Error("failed to complete slot event claim", "error", err)
		}
	}
	c.ack(msg)
}

func (c *Consumer) ack(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()
	if err := c.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		c.logger.Error("failed to delete slot event", "message_id", msg.ID, "error", err)
	}
}

func (c *Consumer) dispatch(ctx context.Context, env Envelope, log *logging.Logger) error {
	switch env.EventType {
	case TypeSlotFreed:
		var p SlotFreedV1
		if err := env.Decode(&p); err != nil {
			return fmt.Errorf("%w: %v", errDrop, err)
		}
		if p.Slot.OrgID == "" {
			p.Slot.OrgID = env.OrgID
		}
		if p.Slot.ID == "" {
			return fmt.Errorf("%w: slot id missing", errDrop)
		}
		return classify(c.slots().HandleSlotFreed(ctx, p.Slot))

	case TypeSlotBooked:
		var p SlotBookedV1
		if err := env.Decode(&p); err != nil {
			return fmt.Errorf("%w: %v", errDrop, err)
		}
		if p.SlotID == "" {
			return fmt.Errorf("%w: slot id missing", errDrop)
		}
		return classify(c.slots().HandleSlotBooked(ctx, p.SlotID))

	case TypeClaimRequested:
		var p OfferReplyV1
		if err := env.Decode(&p); err != nil {
			return fmt.Errorf("%w: %v", errDrop, err)
		}
		return c.claim(ctx, p, log)

	case TypeOfferDeclined:
		var p OfferReplyV1
		if err := env.Decode(&p); err != nil {
			return fmt.Errorf("%w: %v", errDrop, err)
		}
		return c.decline(ctx, p, log)

	case TypeMessageReceived:
		var p MessageReceivedV1
		if err := env.Decode(&p); err != nil {
			return fmt.Errorf("%w: %v", errDrop, err)
		}
		return c.reply(ctx, p, log)

	default:
		return fmt.Errorf("%w: unsupported event type %q", errDrop, env.EventType)
	}
}

// reply turns a free-text WhatsApp/SMS answer into a claim or decline.
func (c *Consumer) reply(ctx context.Context, msg MessageReceivedV1, log *logging.Logger) error {
	parsed := c.detector.Parse(msg.Body)
	switch parsed.Kind {
	case compliance.ReplyClaim:
		if parsed.Ref == "" {
			return fmt.Errorf("%w: claim without reference", errDrop)
		}
		return c.claim(ctx, OfferReplyV1{ClaimRef: parsed.Ref, Claimant: msg.From}, log)
	case compliance.ReplyDecline:
		if parsed.Ref == "" {
			return fmt.Errorf("%w: decline without reference", errDrop)
		}
		return c.decline(ctx, OfferReplyV1{ClaimRef: parsed.Ref, Claimant: msg.From}, log)
	default:
		log.Debug("ignoring non-offer reply", "kind", parsed.Kind)
		return nil
	}
}

func (c *Consumer) claim(ctx context.Context, p OfferReplyV1, log *logging.Logger) error {
	if c.handlers.Claims == nil {
		return fmt.Errorf("%w: no claim handler", errDrop)
	}
	var (
		res backfill.ClaimResult
		err error
	)
	switch {
	case p.OfferID != "":
		res, err = c.handlers.Claims.AttemptClaim(ctx, p.OfferID, p.Claimant)
	case p.ClaimRef != "":
		res, err = c.handlers.Claims.ClaimByRef(ctx, p.ClaimRef, p.Claimant)
	default:
		return fmt.Errorf("%w: claim names no offer", errDrop)
	}
	if err != nil {
		return err
	}
	if !res.Won {
		log.Info("claim lost", "offer_id", p.OfferID, "claim_ref", p.ClaimRef, "reason", res.Reason)
		return nil
	}
	if res.Booking != nil {
		log.Info("claim won", "claim_ref", p.ClaimRef, "booking_id", res.Booking.ID, "slot_id", res.Booking.SlotID)
	}
	return nil
}

func (c *Consumer) decline(ctx context.Context, p OfferReplyV1, log *logging.Logger) error {
	if c.handlers.Declines == nil {
		return fmt.Errorf("%w: no decline handler", errDrop)
	}
	var err error
	switch {
	case p.OfferID != "":
		_, err = c.handlers.Declines.Decline(ctx, p.OfferID, p.Claimant)
	case p.ClaimRef != "":
		_, err = c.handlers.Declines.DeclineByRef(ctx, p.ClaimRef, p.Claimant)
	default:
		return fmt.Errorf("%w: decline names no offer", errDrop)
	}
	if err != nil {
		return classify(err)
	}
	log.Info("offer declined", "offer_id", p.OfferID, "claim_ref", p.ClaimRef)
	return nil
}

func (c *Consumer) slots() SlotHandler {
	if c.handlers.Slots == nil {
		return noSlotHandler{}
	}
	return c.handlers.Slots
}

type noSlotHandler struct{}

func (noSlotHandler) HandleSlotFreed(context.Context, backfill.Slot) error {
	return fmt.Errorf("%w: no slot handler", errDrop)
}

func (noSlotHandler) HandleSlotBooked(context.Context, string) error {
	return fmt.Errorf("%w: no slot handler", errDrop)
}

// classify marks domain rejections as permanent. Anything else is treated as
// an operational failure worth retrying.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, permanent := range []error{
		backfill.ErrOfferNotFound,
		backfill.ErrOfferNoLongerValid,
		backfill.ErrOfferExpired,
		backfill.ErrNotOfferRecipient,
		backfill.ErrSlotNotFound,
		backfill.ErrSlotUnavailable,
	} {
		if errors.Is(err, permanent) {
			return fmt.Errorf("%w: %w", errDrop, err)
		}
	}
	return err
}
