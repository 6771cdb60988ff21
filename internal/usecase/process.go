package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"message-pipeline/internal/domain"
	"message-pipeline/internal/integrations/queue"
)

type ConversationStore interface {
	FindExchange(ctx context.Context, userID, key string) (domain.Exchange, bool, error)
	SaveExchange(ctx context.Context, ex domain.Exchange) error
	RecordUsage(ctx context.Context, userID string, usage domain.TokenUsage, at time.Time) error
}

// Pipeline processes one canonical message: context, provider call,
// persistence and result publication.
type Pipeline struct {
	normalizer *Normalizer
	assembler  *Assembler
	dispatcher *Dispatcher
	store      ConversationStore
	results    Publisher
	logger     *slog.Logger
	now        func() time.Time
}

func NewPipeline(assembler *Assembler, dispatcher *Dispatcher, store ConversationStore, results Publisher, logger *slog.Logger) (*Pipeline, error) {
	if assembler == nil {
		return nil, errors.New("usecase: assembler must not be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if results == nil {
		return nil, errors.New("usecase: result publisher must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		normalizer: NewNormalizer(),
		assembler:  assembler,
		dispatcher: dispatcher,
		store:      store,
		results:    results,
		logger:     logger.With("component", "pipeline"),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Process handles one queue delivery. A nil error means the delivery may be
// acked; any error means it must be nacked.
func (p *Pipeline) Process(ctx context.Context, d domain.Delivery) error {
	_, err := p.handle(ctx, d)
	return err
}

// ProcessDirect runs the pipeline synchronously on a canonical message body
// and returns the published result. The body hash is the idempotency key.
func (p *Pipeline) ProcessDirect(ctx context.Context, body []byte) (domain.ProcessingResult, error) {
	return p.handle(ctx, domain.Delivery{Body: body, Attempt: 1})
}

func (p *Pipeline) handle(ctx context.Context, d domain.Delivery) (domain.ProcessingResult, error) {
	var msg domain.InboundMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return domain.ProcessingResult{}, newError(ErrorValidation, "Invalid message body", err)
	}
	if err := p.normalizer.Validate(msg); err != nil {
		return domain.ProcessingResult{}, err
	}

	key := d.IdempotencyKey()
	log := p.logger.With("user_id", msg.UserID, "delivery_id", key, "attempt", d.Attempt)

	existing, found, err := p.store.FindExchange(ctx, msg.UserID, key)
	if err != nil {
		log.Error("failed to look up delivery marker", "err", err)
		return domain.ProcessingResult{}, newError(ErrorPersistence, "marker_lookup_error", err)
	}
	if found {
		log.Info("delivery already processed, republishing stored result")
		return p.publish(ctx, log, existing, msg)
	}

	start := p.now()
	provider := p.dispatcher.Provider()
	history := p.assembler.Assemble(ctx, msg.UserID, provider.HistoryWindow(), provider.Vocabulary())

	reply, err := p.dispatcher.Dispatch(ctx, history, msg.Text)
	if err != nil {
		log.Error("AI provider call failed", "err", err)
		return domain.ProcessingResult{}, err
	}
	completed := p.now()
	elapsed := completed.Sub(start).Milliseconds()

	ex := p.newExchange(key, msg, reply, start, completed, elapsed)
	if err := p.store.SaveExchange(ctx, ex); err != nil {
		if !errors.Is(err, domain.ErrExchangeExists) {
			log.Error("failed to persist exchange", "err", err)
			return domain.ProcessingResult{}, newError(ErrorPersistence, "save_exchange_error", err)
		}
		// A concurrent delivery of the same message won; publish its exchange.
		stored, ok, ferr := p.store.FindExchange(ctx, msg.UserID, key)
		if ferr != nil || !ok {
			log.Error("failed to reload concurrently persisted exchange", "err", ferr)
			return domain.ProcessingResult{}, newError(ErrorPersistence, "reload_exchange_error", ferr)
		}
		log.Info("exchange persisted by a concurrent delivery")
		return p.publish(ctx, log, stored, msg)
	}

	if err := p.store.RecordUsage(ctx, msg.UserID, reply.Usage, completed); err != nil {
		log.Warn("failed to record usage", "err", err)
	}

	log.Info("message processed", "provider", provider.Name(), "model", reply.Model, "processing_time_ms", elapsed)
	return p.publish(ctx, log, ex, msg)
}

func (p *Pipeline) newExchange(key string, msg domain.InboundMessage, reply domain.AIReply, start, completed time.Time, elapsed int64) domain.Exchange {
	usage := reply.Usage
	return domain.Exchange{
		IdempotencyKey: key,
		UserID:         msg.UserID,
		Source:         msg.Source,
		CorrelationID:  correlationID(msg),
		UserTurn: domain.ConversationTurn{
			ID:             newUUID(),
			UserID:         msg.UserID,
			Role:           domain.RoleUser,
			Text:           msg.Text,
			CreatedAt:      start,
			IdempotencyKey: key,
		},
		AssistantTurn: domain.ConversationTurn{
			ID:               newUUID(),
			UserID:           msg.UserID,
			Role:             domain.RoleAssistant,
			Text:             reply.Text,
			CreatedAt:        completed,
			Model:            reply.Model,
			Usage:            &usage,
			ProcessingTimeMS: elapsed,
			IdempotencyKey:   key,
		},
		Reply:            reply,
		ProcessingTimeMS: elapsed,
		CompletedAt:      completed,
	}
}

func (p *Pipeline) publish(ctx context.Context, log *slog.Logger, ex domain.Exchange, msg domain.InboundMessage) (domain.ProcessingResult, error) {
	result := domain.ProcessingResult{
		CorrelationID:    ex.CorrelationID,
		IdempotencyKey:   ex.IdempotencyKey,
		UserID:           ex.UserID,
		Source:           ex.Source,
		OriginalText:     ex.UserTurn.Text,
		Reply:            ex.Reply,
		ProcessingTimeMS: ex.ProcessingTimeMS,
		CompletedAt:      ex.CompletedAt,
		Metadata: map[string]any{
			"source":      string(ex.Source),
			"ai_provider": ex.Reply.ProviderMetadata["provider"],
			"received_at": msg.ReceivedAt.Format(time.RFC3339Nano),
		},
	}
	if result.CorrelationID == "" {
		result.CorrelationID = correlationID(msg)
	}

	body, err := json.Marshal(result)
	if err != nil {
		return domain.ProcessingResult{}, newError(ErrorTransientInfra, "encode_result_error", err)
	}
	messageID, err := p.results.Publish(ctx, queue.Message{
		Body: body,
		Attributes: map[string]string{
			"idempotency_key": ex.IdempotencyKey,
			"user_id":         ex.UserID,
		},
		GroupID:         ex.UserID,
		DeduplicationID: ex.IdempotencyKey,
	})
	if err != nil {
		log.Error("failed to publish result", "err", err)
		return domain.ProcessingResult{}, newError(ErrorTransientInfra, "publish_result_error", err)
	}
	log.Info("result published", "message_id", messageID)
	return result, nil
}

func correlationID(msg domain.InboundMessage) string {
	if v, ok := msg.Metadata["correlation_id"].(string); ok {
		return v
	}
	return ""
}

var newUUID = func() string {
	return uuid.NewString()
}
