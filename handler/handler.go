package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"message-pipeline/internal/usecase"
)

const (
	CorrelationHeader = "X-Correlation-Id"
	acceptedMessage   = "Message received and queued for processing"
)

// Ingester is the gateway use case behind every webhook route.
type Ingester interface {
	Ingest(ctx context.Context, req usecase.InboundRequest) (usecase.IngestResult, error)
}

// AcceptedResponse is returned once a message has been queued.
type AcceptedResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

func Accepted(messageID string) AcceptedResponse {
	return AcceptedResponse{Status: "success", Message: acceptedMessage, MessageID: messageID}
}

// Failure maps a use case error to its status code and client-safe body.
func Failure(err error) (int, ErrorResponse) {
	return usecase.HTTPStatus(err), ErrorResponse{Status: "error", Message: usecase.PublicMessage(err)}
}

func Health(service string, now time.Time) HealthResponse {
	return HealthResponse{Status: "healthy", Service: service, Timestamp: now.UTC()}
}

// ChannelForPath returns the channel served at a webhook path.
func ChannelForPath(path string) (usecase.Channel, bool) {
	switch strings.TrimSuffix(path, "/") {
	case "/webhook/api":
		return usecase.ChannelAPI, true
	case "/webhook/whatsapp":
		return usecase.ChannelWhatsApp, true
	case "/webhook/telegram":
		return usecase.ChannelTelegram, true
	default:
		return "", false
	}
}

// NewCorrelationID is replaced in tests.
var NewCorrelationID = func() string { return uuid.NewString() }

// Handler serves the gateway routes behind API Gateway.
type Handler struct {
	ingester Ingester
	service  string
	logger   *slog.Logger
	now      func() time.Time
}

func NewHandler(ingester Ingester, service string, logger *slog.Logger) (*Handler, error) {
	if ingester == nil {
		return nil, errors.New("handler: ingester must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ingester: ingester, service: service, logger: logger.With("component", "lambda-gateway"), now: time.Now}, nil
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(event.Headers, CorrelationHeader)
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}

	if strings.TrimSuffix(event.Path, "/") == "/health" {
		if event.HTTPMethod != http.MethodGet {
			return h.respond(http.StatusMethodNotAllowed, ErrorResponse{Status: "error", Message: "Method not allowed"}, correlationID)
		}
		return h.respond(http.StatusOK, Health(h.service, h.now()), correlationID)
	}

	channel, ok := ChannelForPath(event.Path)
	if !ok {
		return h.respond(http.StatusNotFound, ErrorResponse{Status: "error", Message: "Not found"}, correlationID)
	}
	if event.HTTPMethod != http.MethodPost {
		return h.respond(http.StatusMethodNotAllowed, ErrorResponse{Status: "error", Message: "Method not allowed"}, correlationID)
	}

	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return h.respond(http.StatusBadRequest, ErrorResponse{Status: "error", Message: "Invalid request body"}, correlationID)
		}
		body = decoded
	}

	res, err := h.ingester.Ingest(ctx, usecase.InboundRequest{
		Channel:    channel,
		Credential: header(event.Headers, channel.CredentialHeader()),
		Body:       body,
		Meta: usecase.RequestMeta{
			CorrelationID: correlationID,
			ClientIP:      event.RequestContext.Identity.SourceIP,
		},
	})
	if err != nil {
		status, out := Failure(err)
		h.logger.Warn("webhook rejected", "channel", channel, "status", status, "code", usecase.Code(err), "correlation_id", correlationID, "err", err)
		return h.respond(status, out, correlationID)
	}
	return h.respond(http.StatusOK, Accepted(res.MessageID), correlationID)
}

func (h *Handler) respond(status int, v any, correlationID string) (events.APIGatewayProxyResponse, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			CorrelationHeader: correlationID,
		},
		Body: string(b),
	}, nil
}

// header looks a value up ignoring case; API Gateway passes headers through
// as the client sent them.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
