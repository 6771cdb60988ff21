package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"message-pipeline/internal/domain"
)

const (
	ProviderName       = "anthropic"
	apiVersion         = "2023-06-01"
	defaultBaseURL     = "https://api.anthropic.com"
	defaultModel       = "claude-3-sonnet-20240229"
	defaultMaxTokens   = 1000
	defaultTemperature = 0.7
	defaultWindow      = 5
	defaultSecretName  = "anthropic-api-key"

	humanLabel     = "Human"
	assistantLabel = "Assistant"
)

type messageParam struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// messagesRequest is the minimal request shape for the Messages endpoint.
type messagesRequest struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature *float64       `json:"temperature,omitempty"`
	Messages    []messageParam `json:"messages"`
}

type messagesResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// SecretGetter resolves the API key by name.
type SecretGetter interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// APIError is a non-2xx response from the Messages endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic: API error %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls Anthropic's Messages API with the conversation rendered as a
// Human/Assistant transcript.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	secrets     SecretGetter
	secretName  string
	model       string
	maxTokens   int
	temperature float64
	window      int
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if u := strings.TrimSpace(baseURL); u != "" {
			c.baseURL = u
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = t
	}
}

func WithHistoryWindow(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.window = n
		}
	}
}

func WithSecretName(name string) Option {
	return func(c *Client) {
		if n := strings.TrimSpace(name); n != "" {
			c.secretName = n
		}
	}
}

func NewClient(secrets SecretGetter, opts ...Option) (*Client, error) {
	if secrets == nil {
		return nil, errors.New("anthropic: secret getter must not be nil")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		secrets:     secrets,
		secretName:  defaultSecretName,
		model:       defaultModel,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
		window:      defaultWindow,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return ProviderName }

func (c *Client) HistoryWindow() int { return c.window }

func (c *Client) Vocabulary() domain.RoleVocabulary {
	return domain.RoleVocabulary{User: humanLabel, Assistant: assistantLabel}
}

// resolveAPIKey asks the secret getter on every call; the getter owns caching
// and refresh.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	key, err := c.secrets.GetSecret(ctx, c.secretName)
	if err != nil {
		return "", fmt.Errorf("anthropic: fetch api key: %w", err)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("anthropic: API key is empty")
	}
	return key, nil
}

func messagesURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/messages"
	}
	return base + "/v1/messages"
}

// buildTranscript renders history (already labelled Human/Assistant) and the
// new message as one prompt ending with an open assistant turn.
func buildTranscript(history []domain.ChatMessage, message string) string {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString(humanLabel)
	b.WriteString(": ")
	b.WriteString(message)
	b.WriteString("\n")
	b.WriteString(assistantLabel)
	b.WriteString(":")
	return b.String()
}

func (c *Client) Send(ctx context.Context, history []domain.ChatMessage, message string) (domain.AIReply, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return domain.AIReply{}, err
	}

	temperature := c.temperature
	body, err := json.Marshal(messagesRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: &temperature,
		Messages: []messageParam{
			{Role: "user", Content: buildTranscript(history, message)},
		},
	})
	if err != nil {
		return domain.AIReply{}, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messagesURL(c.baseURL), bytes.NewReader(body))
	if err != nil {
		return domain.AIReply{}, fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return domain.AIReply{}, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return domain.AIReply{}, &APIError{StatusCode: res.StatusCode, Body: string(errBody)}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return domain.AIReply{}, fmt.Errorf("anthropic: read response body: %w", err)
	}
	var payload messagesResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.AIReply{}, fmt.Errorf("anthropic: decode response: %w", err)
	}

	var text strings.Builder
	for _, block := range payload.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return domain.AIReply{}, errors.New("anthropic: no text content in response")
	}

	reply := domain.AIReply{
		Text:  text.String(),
		Model: c.model,
		ProviderMetadata: map[string]string{
			"provider": ProviderName,
		},
	}
	if payload.ID != "" {
		reply.ProviderMetadata["response_id"] = payload.ID
	}
	if payload.StopReason != "" {
		reply.ProviderMetadata["stop_reason"] = payload.StopReason
	}
	if payload.Usage != nil {
		reply.Usage = domain.TokenUsage{
			PromptTokens:     payload.Usage.InputTokens,
			CompletionTokens: payload.Usage.OutputTokens,
			TotalTokens:      payload.Usage.InputTokens + payload.Usage.OutputTokens,
		}
	}
	return reply, nil
}
