package usecase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"message-pipeline/internal/domain"
	"message-pipeline/internal/integrations/queue"
)

const (
	DefaultAPIKeySecret = "api-webhook-key"
	signaturePrefix     = "sha256="
)

// Channel is an ingestion endpoint.
type Channel string

const (
	ChannelAPI      Channel = "api"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
)

// CredentialHeader is the request header carrying the channel's credential.
func (c Channel) CredentialHeader() string {
	switch c {
	case ChannelAPI:
		return "X-API-Key"
	case ChannelWhatsApp:
		return "X-Hub-Signature-256"
	case ChannelTelegram:
		return "X-Telegram-Bot-Api-Secret-Token"
	default:
		return ""
	}
}

type SecretGetter interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) (string, error)
}

// IngestConfig names the secrets each channel authenticates against. An empty
// WhatsApp or Telegram name disables verification for that channel.
type IngestConfig struct {
	APIKeySecret        string
	WhatsAppSecret      string
	TelegramSecretToken string
}

// InboundRequest is one webhook call as seen by the gateway.
type InboundRequest struct {
	Channel    Channel
	Credential string
	Body       []byte
	Meta       RequestMeta
}

type IngestResult struct {
	MessageID string
	Message   domain.InboundMessage
}

// IngestService authenticates, normalizes and enqueues inbound messages.
type IngestService struct {
	publisher  Publisher
	secrets    SecretGetter
	normalizer *Normalizer
	cfg        IngestConfig
	logger     *slog.Logger
}

func NewIngestService(pub Publisher, secrets SecretGetter, cfg IngestConfig, logger *slog.Logger) (*IngestService, error) {
	if pub == nil {
		return nil, errors.New("usecase: publisher must not be nil")
	}
	if secrets == nil {
		return nil, errors.New("usecase: secret getter must not be nil")
	}
	if strings.TrimSpace(cfg.APIKeySecret) == "" {
		cfg.APIKeySecret = DefaultAPIKeySecret
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestService{
		publisher:  pub,
		secrets:    secrets,
		normalizer: NewNormalizer(),
		cfg:        cfg,
		logger:     logger.With("component", "ingest"),
	}, nil
}

// Ingest handles one webhook call. Credentials are checked before the body is
// parsed. On success exactly one message has been published.
func (s *IngestService) Ingest(ctx context.Context, req InboundRequest) (IngestResult, error) {
	if err := s.authenticate(ctx, req); err != nil {
		return IngestResult{}, err
	}

	var (
		msg domain.InboundMessage
		err error
	)
	switch req.Channel {
	case ChannelAPI:
		msg, err = s.normalizer.API(req.Body, req.Meta)
	case ChannelWhatsApp:
		msg, err = s.normalizer.WhatsApp(req.Body, req.Meta)
	case ChannelTelegram:
		msg, err = s.normalizer.Telegram(req.Body, req.Meta)
	default:
		err = newError(ErrorValidation, "Unsupported channel", nil)
	}
	if err != nil {
		return IngestResult{}, err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return IngestResult{}, newError(ErrorTransientInfra, "encode_error", err)
	}
	messageID, err := s.publisher.Publish(ctx, queue.Message{
		Body: body,
		Attributes: map[string]string{
			"source":         string(msg.Source),
			"user_id":        msg.UserID,
			"correlation_id": req.Meta.CorrelationID,
		},
		GroupID:         msg.UserID,
		DeduplicationID: newUUID(),
	})
	if err != nil {
		s.logger.Error("failed to publish inbound message", "channel", req.Channel, "user_id", msg.UserID, "err", err)
		return IngestResult{}, newError(ErrorTransientInfra, "publish_error", err)
	}

	s.logger.Info("message queued",
		"channel", req.Channel,
		"source", msg.Source,
		"user_id", msg.UserID,
		"message_id", messageID,
		"correlation_id", req.Meta.CorrelationID,
	)
	return IngestResult{MessageID: messageID, Message: msg}, nil
}

func (s *IngestService) authenticate(ctx context.Context, req InboundRequest) error {
	switch req.Channel {
	case ChannelAPI:
		if req.Credential == "" {
			return newError(ErrorAuth, "Missing API key", nil)
		}
		expected, err := s.secret(ctx, s.cfg.APIKeySecret)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(req.Credential), []byte(expected)) != 1 {
			return newError(ErrorAuth, "Invalid API key", nil)
		}
	case ChannelWhatsApp:
		if s.cfg.WhatsAppSecret == "" {
			return nil
		}
		if req.Credential == "" {
			return newError(ErrorAuth, "Missing signature", nil)
		}
		appSecret, err := s.secret(ctx, s.cfg.WhatsAppSecret)
		if err != nil {
			return err
		}
		if !validSignature(req.Credential, req.Body, appSecret) {
			return newError(ErrorAuth, "Invalid signature", nil)
		}
	case ChannelTelegram:
		if s.cfg.TelegramSecretToken == "" {
			return nil
		}
		if req.Credential == "" {
			return newError(ErrorAuth, "Missing secret token", nil)
		}
		expected, err := s.secret(ctx, s.cfg.TelegramSecretToken)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(req.Credential), []byte(expected)) != 1 {
			return newError(ErrorAuth, "Invalid secret token", nil)
		}
	}
	return nil
}

func (s *IngestService) secret(ctx context.Context, name string) (string, error) {
	v, err := s.secrets.GetSecret(ctx, name)
	if err != nil {
		s.logger.Error("failed to resolve secret", "secret", name, "err", err)
		return "", newError(ErrorTransientInfra, "secret_error", err)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", newError(ErrorTransientInfra, "secret_empty", nil)
	}
	return v, nil
}

// validSignature checks an `X-Hub-Signature-256: sha256=<hex>` header against
// the HMAC of the raw body.
func validSignature(header string, body []byte, secret string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the `X-Hub-Signature-256` value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
