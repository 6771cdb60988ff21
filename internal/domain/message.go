package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Source identifies the channel an inbound message arrived on.
type Source string

const (
	SourceWhatsApp Source = "whatsapp"
	SourceAPI      Source = "api"
	SourceTelegram Source = "telegram"
)

// InboundMessage is the canonical message published by the gateway and
// consumed by workers. It is never modified after normalization.
type InboundMessage struct {
	Source     Source         `json:"source" validate:"required,max=64"`
	UserID     string         `json:"user_id" validate:"required,max=256"`
	Text       string         `json:"text" validate:"required"`
	ReceivedAt time.Time      `json:"received_at" validate:"required"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Delivery is one attempt by the queue to hand a canonical message to a worker.
type Delivery struct {
	// ID is the queue-assigned message id. It is stable across redeliveries.
	ID string
	// AckToken is the opaque handle used to ack or nack this attempt.
	AckToken string
	Body     []byte
	// Attempt is 1 on first delivery.
	Attempt int
}

// IdempotencyKey returns the key that identifies the message across
// redeliveries: the queue message id, or a content hash when the queue did
// not assign one.
func (d Delivery) IdempotencyKey() string {
	if d.ID != "" {
		return d.ID
	}
	sum := sha256.Sum256(d.Body)
	return "sha256-" + hex.EncodeToString(sum[:])
}
