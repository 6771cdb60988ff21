package openai

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
	ProviderName       = "openai"
	defaultModel       = "gpt-4"
	defaultMaxTokens   = 1000
	defaultTemperature = 0.7
	defaultWindow      = 10
	defaultSecretName  = "openai-api-key"
)

// chatRequest is the minimal request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int                `json:"index"`
		Message      domain.ChatMessage `json:"message"`
		FinishReason string             `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// tokenPayload is the optional JSON shape of the stored API key.
type tokenPayload struct {
	Token string `json:"token"`
}

// SecretGetter resolves the API key by name.
type SecretGetter interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible chat completions provider.
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

// WithMaxTokens caps the completion length.
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

// WithHistoryWindow sets how many stored turns are replayed as context.
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

// NewClient creates a new Client. The API key is resolved through secrets on
// every call to Send.
func NewClient(secrets SecretGetter, opts ...Option) (*Client, error) {
	if secrets == nil {
		return nil, errors.New("openai: secret getter must not be nil")
	}
	c := &Client{
		baseURL:     "https://api.openai.com/v1",
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
	return domain.RoleVocabulary{User: "user", Assistant: "assistant"}
}

// resolveAPIKey asks the secret getter on every call. Caching and rotation
// are the getter's concern, so a failed lookup is retried on the next Send.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	return fetchAPIKey(ctx, c.secrets, c.secretName)
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// 30s timeout if none was set (e.g. in tests that nil out the field).
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Send replays history (already in OpenAI role vocabulary) followed by message
// and returns the normalized reply.
func (c *Client) Send(ctx context.Context, history []domain.ChatMessage, message string) (domain.AIReply, error) {
	if c.model == "" {
		return domain.AIReply{}, errors.New("openai: model must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return domain.AIReply{}, err
	}

	messages := make([]domain.ChatMessage, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, domain.ChatMessage{Role: "user", Content: message})

	temperature := c.temperature
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return domain.AIReply{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return domain.AIReply{}, fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return domain.AIReply{}, fmt.Errorf("openai: request failed: %w", err)
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.AIReply{}, fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(payload.Choices) == 0 {
		return domain.AIReply{}, errors.New("openai: no choices in response")
	}
	text := payload.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return domain.AIReply{}, errors.New("openai: empty content in response")
	}

	reply := domain.AIReply{
		Text:  text,
		Model: c.model,
		ProviderMetadata: map[string]string{
			"provider": ProviderName,
		},
	}
	if payload.Model != "" {
		reply.ProviderMetadata["response_model"] = payload.Model
	}
	if payload.ID != "" {
		reply.ProviderMetadata["response_id"] = payload.ID
	}
	if fr := payload.Choices[0].FinishReason; fr != "" {
		reply.ProviderMetadata["finish_reason"] = fr
	}
	if payload.Usage != nil {
		reply.Usage = domain.TokenUsage{
			PromptTokens:     payload.Usage.PromptTokens,
			CompletionTokens: payload.Usage.CompletionTokens,
			TotalTokens:      payload.Usage.TotalTokens,
		}
	}
	return reply, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

// fetchAPIKey resolves the key and accepts either a bare token or the JSON
// shape {"token":"..."}.
func fetchAPIKey(ctx context.Context, secrets SecretGetter, name string) (string, error) {
	if secrets == nil {
		return "", errors.New("openai: secret getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token secret name is empty")
	}

	raw, err := secrets.GetSecret(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			return "", fmt.Errorf("openai: unmarshal token value as JSON: %w", err)
		}
		raw = strings.TrimSpace(tp.Token)
	}
	if raw == "" {
		return "", errors.New("openai: API token is empty")
	}
	return raw, nil
}
