package usecase

import (
	"context"
	"errors"
	"log/slog"

	"message-pipeline/internal/domain"
)

type HistoryReader interface {
	RecentTurns(ctx context.Context, userID string, limit int) ([]domain.ConversationTurn, error)
}

// Assembler builds the provider-facing history for a user.
type Assembler struct {
	history HistoryReader
	logger  *slog.Logger
}

func NewAssembler(history HistoryReader, logger *slog.Logger) (*Assembler, error) {
	if history == nil {
		return nil, errors.New("usecase: history reader must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{history: history, logger: logger.With("component", "context")}, nil
}

// Assemble returns up to window of the user's most recent turns, oldest first,
// labelled in the provider's vocabulary. A failed load degrades to an empty
// history.
func (a *Assembler) Assemble(ctx context.Context, userID string, window int, vocab domain.RoleVocabulary) []domain.ChatMessage {
	if window <= 0 {
		return nil
	}
	turns, err := a.history.RecentTurns(ctx, userID, window)
	if err != nil {
		a.logger.Warn("conversation history unavailable, continuing without context", "user_id", userID, "err", err)
		return nil
	}
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}

	out := make([]domain.ChatMessage, 0, len(turns))
	for _, t := range turns {
		out = append(out, domain.ChatMessage{
			Role:    vocab.Label(t.Role),
			Content: t.Text,
		})
	}
	return out
}
