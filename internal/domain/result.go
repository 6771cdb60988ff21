package domain

import "time"

// ProcessingResult is published to the response queue once per processed
// message. Consumers deduplicate on IdempotencyKey.
type ProcessingResult struct {
	CorrelationID    string         `json:"correlation_id"`
	IdempotencyKey   string         `json:"idempotency_key"`
	UserID           string         `json:"user_id"`
	Source           Source         `json:"source"`
	OriginalText     string         `json:"original_text"`
	Reply            AIReply        `json:"reply"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
	CompletedAt      time.Time      `json:"completed_at"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}
