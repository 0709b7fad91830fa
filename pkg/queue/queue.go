// Package queue abstracts the inbound submission queue. Delivery is
// at-least-once and unordered; consumers must tolerate duplicates and must
// delete a message only after its submission is durably recorded or
// dead-lettered.
package queue

import (
	"context"
	"time"
)

// Message is one received submission payload.
type Message struct {
	// ID identifies the message within the queue.
	ID string

	// Body is the raw submission payload, expected to be JSON.
	Body string

	// ReceiptHandle deletes this particular delivery. It is delivery-scoped:
	// a redelivered message carries a fresh handle.
	ReceiptHandle string
}

// Source is a pull-based message source.
type Source interface {
	// Receive returns up to max messages, waiting up to wait for at least
	// one to arrive. An empty slice with a nil error means the queue was
	// quiet.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)

	// Delete acknowledges a delivery. Deleting an already-deleted or
	// expired handle is not an error.
	Delete(ctx context.Context, receiptHandle string) error

	Close() error
}
