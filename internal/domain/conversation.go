package domain

import (
	"errors"
	"time"
)

// Role is the stored speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrExchangeExists is returned by the conversation store when an exchange for
// the same idempotency key has already been persisted.
var ErrExchangeExists = errors.New("exchange already persisted")

// ConversationTurn is a single persisted conversation message.
type ConversationTurn struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	Role             Role        `json:"role"`
	Text             string      `json:"text"`
	CreatedAt        time.Time   `json:"created_at"`
	Model            string      `json:"model,omitempty"`
	Usage            *TokenUsage `json:"usage,omitempty"`
	ProcessingTimeMS int64       `json:"processing_time_ms,omitempty"`
	IdempotencyKey   string      `json:"idempotency_key,omitempty"`
}

// ConversationSummary stores aggregate conversation state for one user.
type ConversationSummary struct {
	UserID       string    `json:"user_id"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	LastMessage  string    `json:"last_message"`
	LastResponse string    `json:"last_response"`
}

// Exchange is everything persisted for one processed delivery: the user turn,
// the assistant turn and the reply they came from.
type Exchange struct {
	IdempotencyKey   string           `json:"idempotency_key"`
	UserID           string           `json:"user_id"`
	Source           Source           `json:"source"`
	CorrelationID    string           `json:"correlation_id,omitempty"`
	UserTurn         ConversationTurn `json:"user_turn"`
	AssistantTurn    ConversationTurn `json:"assistant_turn"`
	Reply            AIReply          `json:"reply"`
	ProcessingTimeMS int64            `json:"processing_time_ms"`
	CompletedAt      time.Time        `json:"completed_at"`
}
