package usecase

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"message-pipeline/internal/domain"
)

// RequestMeta is transport information recorded alongside a normalized message.
type RequestMeta struct {
	CorrelationID string
	ClientIP      string
}

type whatsappPayload struct {
	From string `json:"from"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
}

type apiPayload struct {
	UserID   string         `json:"user_id"`
	Message  string         `json:"message"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata"`
}

// Normalizer turns channel-specific payloads into canonical inbound messages.
type Normalizer struct {
	validate *validator.Validate
	now      func() time.Time
}

func NewNormalizer() *Normalizer {
	return &Normalizer{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WhatsApp normalizes a `{from, text:{body}}` payload.
func (n *Normalizer) WhatsApp(raw []byte, meta RequestMeta) (domain.InboundMessage, error) {
	data, err := decodeObject(raw)
	if err != nil {
		return domain.InboundMessage{}, err
	}
	var p whatsappPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.InboundMessage{}, newError(ErrorValidation, "Invalid JSON payload", err)
	}
	userID, text := p.From, p.Text.Body
	if blank(userID) || blank(text) {
		return domain.InboundMessage{}, newError(ErrorValidation, "Missing required fields: from, text.body", nil)
	}
	return n.build(domain.SourceWhatsApp, userID, text, "whatsapp_data", data, meta)
}

// API normalizes a `{user_id, message, source?, metadata?}` payload.
func (n *Normalizer) API(raw []byte, meta RequestMeta) (domain.InboundMessage, error) {
	data, err := decodeObject(raw)
	if err != nil {
		return domain.InboundMessage{}, err
	}
	var p apiPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.InboundMessage{}, newError(ErrorValidation, "Invalid JSON payload", err)
	}
	userID, text := p.UserID, p.Message
	if blank(userID) || blank(text) {
		return domain.InboundMessage{}, newError(ErrorValidation, "Missing required fields: user_id, message", nil)
	}
	source := domain.Source(p.Source)
	if blank(p.Source) {
		source = domain.SourceAPI
	}
	msg, err := n.build(source, userID, text, "api_data", data, meta)
	if err != nil {
		return domain.InboundMessage{}, err
	}
	for k, v := range p.Metadata {
		if _, taken := msg.Metadata[k]; !taken {
			msg.Metadata[k] = v
		}
	}
	return msg, nil
}

// Telegram normalizes a Bot API Update. The sender id becomes the user id and
// the message text (or media caption) the text.
func (n *Normalizer) Telegram(raw []byte, meta RequestMeta) (domain.InboundMessage, error) {
	data, err := decodeObject(raw)
	if err != nil {
		return domain.InboundMessage{}, err
	}
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return domain.InboundMessage{}, newError(ErrorValidation, "Invalid JSON payload", err)
	}
	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil {
		return domain.InboundMessage{}, newError(ErrorValidation, "Missing required fields: message", nil)
	}
	userID := telegramSender(msg)
	text := msg.Text
	if blank(text) {
		text = msg.Caption
	}
	if userID == "" || blank(text) {
		return domain.InboundMessage{}, newError(ErrorValidation, "Missing required fields: message.from, message.text", nil)
	}
	out, err := n.build(domain.SourceTelegram, userID, text, "telegram_data", data, meta)
	if err != nil {
		return domain.InboundMessage{}, err
	}
	if msg.Chat != nil {
		out.Metadata["chat_id"] = strconv.FormatInt(msg.Chat.ID, 10)
	}
	return out, nil
}

// Validate checks a canonical message, e.g. one decoded from the queue.
func (n *Normalizer) Validate(msg domain.InboundMessage) error {
	if blank(msg.UserID) || blank(msg.Text) {
		return newError(ErrorValidation, "Missing required fields: user_id, text", nil)
	}
	if err := n.validate.Struct(msg); err != nil {
		return newError(ErrorValidation, "Invalid message", err)
	}
	return nil
}

func (n *Normalizer) build(source domain.Source, userID, text, rawKey string, raw map[string]any, meta RequestMeta) (domain.InboundMessage, error) {
	now := n.now()
	metadata := map[string]any{
		rawKey:        raw,
		"received_at": now.Format(time.RFC3339Nano),
	}
	if meta.ClientIP != "" {
		metadata["client_ip"] = meta.ClientIP
	}
	if meta.CorrelationID != "" {
		metadata["correlation_id"] = meta.CorrelationID
	}
	msg := domain.InboundMessage{
		Source:     source,
		UserID:     userID,
		Text:       text,
		ReceivedAt: now,
		Metadata:   metadata,
	}
	if err := n.Validate(msg); err != nil {
		return domain.InboundMessage{}, err
	}
	return msg, nil
}

// blank reports whether s is empty or whitespace only.
func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func decodeObject(raw []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, newError(ErrorValidation, "No JSON data provided", nil)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, newError(ErrorValidation, "Invalid JSON payload", err)
	}
	if len(data) == 0 {
		return nil, newError(ErrorValidation, "No JSON data provided", nil)
	}
	return data, nil
}

func telegramSender(msg *tgbotapi.Message) string {
	if msg.From != nil {
		return strconv.FormatInt(msg.From.ID, 10)
	}
	if msg.SenderChat != nil {
		return strconv.FormatInt(msg.SenderChat.ID, 10)
	}
	return ""
}
