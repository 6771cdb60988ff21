package handler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/aws/aws-lambda-go/events"

	"message-pipeline/internal/domain"
)

// Processor handles one delivery. A nil error means it can be deleted.
type Processor interface {
	Process(ctx context.Context, d domain.Delivery) error
}

// QueueHandler processes SQS batches when the worker runs on Lambda. Failed
// records are reported individually so only they are redelivered.
type QueueHandler struct {
	processor Processor
	logger    *slog.Logger
}

func NewQueueHandler(processor Processor, logger *slog.Logger) (*QueueHandler, error) {
	if processor == nil {
		return nil, errors.New("handler: processor must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueHandler{processor: processor, logger: logger.With("component", "lambda-worker")}, nil
}

func (h *QueueHandler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range event.Records {
		d := domain.Delivery{
			ID:       rec.MessageId,
			AckToken: rec.ReceiptHandle,
			Body:     []byte(rec.Body),
			Attempt:  receiveCount(rec.Attributes),
		}
		if err := h.processor.Process(ctx, d); err != nil {
			h.logger.Warn("record failed", "message_id", rec.MessageId, "attempt", d.Attempt, "err", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func receiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs["ApproximateReceiveCount"])
	if err != nil || n < 1 {
		return 1
	}
	return n
}
