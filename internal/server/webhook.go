package server

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"message-pipeline/handler"
	"message-pipeline/internal/usecase"
)

const maxBodyBytes = 1 << 20

// WebhookHandler exposes the ingestion endpoints.
type WebhookHandler struct {
	ingester handler.Ingester
	logger   *slog.Logger
}

func NewWebhookHandler(ingester handler.Ingester, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{ingester: ingester, logger: log.With(slog.String("handler", "webhook"))}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	group := e.Group("/webhook")
	group.POST("/api", h.channel(usecase.ChannelAPI))
	group.POST("/whatsapp", h.channel(usecase.ChannelWhatsApp))
	group.POST("/telegram", h.channel(usecase.ChannelTelegram))
}

func (h *WebhookHandler) channel(ch usecase.Channel) echo.HandlerFunc {
	return func(c echo.Context) error {
		correlationID := correlation(c)

		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
		if err != nil {
			h.logger.Warn("failed to read body", slog.String("channel", string(ch)), slog.Any("error", err))
			return c.JSON(http.StatusBadRequest, handler.ErrorResponse{Status: "error", Message: "Invalid request body"})
		}

		res, err := h.ingester.Ingest(c.Request().Context(), usecase.InboundRequest{
			Channel:    ch,
			Credential: c.Request().Header.Get(ch.CredentialHeader()),
			Body:       body,
			Meta: usecase.RequestMeta{
				CorrelationID: correlationID,
				ClientIP:      c.RealIP(),
			},
		})
		if err != nil {
			status, out := handler.Failure(err)
			h.logger.Warn("webhook rejected",
				slog.String("channel", string(ch)),
				slog.Int("status", status),
				slog.String("code", string(usecase.Code(err))),
				slog.String("correlation_id", correlationID),
				slog.Any("error", err),
			)
			return c.JSON(status, out)
		}
		return c.JSON(http.StatusOK, handler.Accepted(res.MessageID))
	}
}

// correlation reuses the caller's correlation id or mints one, and echoes it
// on the response.
func correlation(c echo.Context) string {
	id := c.Request().Header.Get(handler.CorrelationHeader)
	if id == "" {
		id = handler.NewCorrelationID()
	}
	c.Response().Header().Set(handler.CorrelationHeader, id)
	return id
}
