package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"message-pipeline/handler"
)

type HealthHandler struct {
	service string
	logger  *slog.Logger
	now     func() time.Time
}

func NewHealthHandler(service string, log *slog.Logger) *HealthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HealthHandler{service: service, logger: log.With(slog.String("handler", "health")), now: time.Now}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.HEAD("/health", h.HealthHead)
}

func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, handler.Health(h.service, h.now()))
}

func (h *HealthHandler) HealthHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
