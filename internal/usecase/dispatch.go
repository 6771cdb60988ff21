package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"message-pipeline/internal/domain"
)

const defaultAITimeout = 30 * time.Second

// Provider is one generative-AI backend.
type Provider interface {
	Name() string
	HistoryWindow() int
	Vocabulary() domain.RoleVocabulary
	Send(ctx context.Context, history []domain.ChatMessage, message string) (domain.AIReply, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// SelectProvider picks the configured provider by name from the available set.
func SelectProvider(name string, available ...Provider) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	names := make([]string, 0, len(available))
	for _, p := range available {
		if p == nil {
			continue
		}
		if p.Name() == name {
			return p, nil
		}
		names = append(names, p.Name())
	}
	return nil, fmt.Errorf("usecase: unknown AI provider %q (available: %s)", name, strings.Join(names, ", "))
}

// Dispatcher sends a message and its context to the selected provider.
type Dispatcher struct {
	provider Provider
	timeout  time.Duration
	logger   *slog.Logger
}

func NewDispatcher(provider Provider, timeout time.Duration, logger *slog.Logger) (*Dispatcher, error) {
	if provider == nil {
		return nil, errors.New("usecase: provider must not be nil")
	}
	if timeout <= 0 {
		timeout = defaultAITimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		provider: provider,
		timeout:  timeout,
		logger:   logger.With("component", "dispatch", "provider", provider.Name()),
	}, nil
}

func (d *Dispatcher) Provider() Provider { return d.provider }

// Dispatch calls the provider once. Every failure is an AI_PROVIDER_ERROR.
func (d *Dispatcher) Dispatch(ctx context.Context, history []domain.ChatMessage, message string) (domain.AIReply, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	reply, err := d.provider.Send(ctx, history, message)
	if err != nil {
		reason := d.provider.Name() + "_error"
		if status, ok := upstreamStatusCode(err); ok {
			d.logger.Warn("provider returned error status", "status", status, "err", err)
			if status == 429 {
				reason = d.provider.Name() + "_rate_limited"
			}
		}
		return domain.AIReply{}, newError(ErrorAIProvider, reason, err)
	}
	if strings.TrimSpace(reply.Text) == "" {
		return domain.AIReply{}, newError(ErrorAIProvider, d.provider.Name()+"_empty_reply", nil)
	}
	if reply.ProviderMetadata == nil {
		reply.ProviderMetadata = map[string]string{}
	}
	if reply.ProviderMetadata["provider"] == "" {
		reply.ProviderMetadata["provider"] = d.provider.Name()
	}
	return reply, nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
