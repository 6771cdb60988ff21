package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"message-pipeline/handler"
	"message-pipeline/internal/domain"
)

// DirectProcessor runs the worker pipeline on a body that did not come from
// the queue.
type DirectProcessor interface {
	ProcessDirect(ctx context.Context, body []byte) (domain.ProcessingResult, error)
}

// ProcessHandler serves POST /process on the worker.
type ProcessHandler struct {
	processor DirectProcessor
	logger    *slog.Logger
}

func NewProcessHandler(processor DirectProcessor, log *slog.Logger) *ProcessHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ProcessHandler{processor: processor, logger: log.With(slog.String("handler", "process"))}
}

func (h *ProcessHandler) Register(e *echo.Echo) {
	e.POST("/process", h.Process)
}

func (h *ProcessHandler) Process(c echo.Context) error {
	correlationID := correlation(c)

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, handler.ErrorResponse{Status: "error", Message: "Invalid request body"})
	}

	res, err := h.processor.ProcessDirect(c.Request().Context(), body)
	if err != nil {
		status, out := handler.Failure(err)
		h.logger.Warn("direct processing failed",
			slog.Int("status", status),
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
		return c.JSON(status, out)
	}
	return c.JSON(http.StatusOK, res)
}
