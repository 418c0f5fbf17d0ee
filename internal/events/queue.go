package events

import "context"

// Queue is the inbound transport for slot and reply events.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one received queue message.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}
