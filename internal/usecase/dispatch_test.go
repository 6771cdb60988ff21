package usecase

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"message-pipeline/internal/domain"
)

func TestSelectProvider(t *testing.T) {
	openai := newMockProvider("x")
	anthropic := newMockProvider("y")
	anthropic.name = "anthropic"

	p, err := SelectProvider(" Anthropic ", openai, anthropic)
	require.NoError(t, err)
	require.Same(t, anthropic, p)

	p, err = SelectProvider("openai", openai, nil, anthropic)
	require.NoError(t, err)
	require.Same(t, openai, p)

	_, err = SelectProvider("gemini", openai, anthropic)
	require.ErrorContains(t, err, `unknown AI provider "gemini"`)
	require.ErrorContains(t, err, "openai, anthropic")
}

func TestDispatcher_Success(t *testing.T) {
	p := newMockProvider("hi there")
	d, err := NewDispatcher(p, time.Second, discardLogger())
	require.NoError(t, err)

	history := []domain.ChatMessage{{Role: "user", Content: "earlier"}}
	reply, err := d.Dispatch(context.Background(), history, "hello")
	require.NoError(t, err)
	require.Equal(t, "hi there", reply.Text)
	require.Equal(t, "openai", reply.ProviderMetadata["provider"])
	require.Equal(t, history, p.lastHistory)
	require.True(t, p.hadDeadline)
}

func TestDispatcher_ErrorsAreProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{name: "network", err: errors.New("connection reset"), reason: "openai_error"},
		{name: "rate limited", err: &statusErr{code: 429}, reason: "openai_rate_limited"},
		{name: "server error", err: &statusErr{code: 500}, reason: "openai_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newMockProvider("x")
			p.err = tt.err
			d, err := NewDispatcher(p, time.Second, discardLogger())
			require.NoError(t, err)

			_, err = d.Dispatch(context.Background(), nil, "hello")
			var ue *Error
			require.ErrorAs(t, err, &ue)
			require.Equal(t, ErrorAIProvider, ue.Code)
			require.Equal(t, tt.reason, ue.Reason)
			require.ErrorIs(t, err, tt.err)
			require.Equal(t, http.StatusBadGateway, HTTPStatus(err))
		})
	}
}

func TestDispatcher_EmptyReply(t *testing.T) {
	p := newMockProvider("   ")
	d, err := NewDispatcher(p, time.Second, discardLogger())
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), nil, "hello")
	require.Equal(t, ErrorAIProvider, Code(err))
}

func TestDispatcher_Timeout(t *testing.T) {
	p := newMockProvider("late")
	p.delay = 200 * time.Millisecond
	d, err := NewDispatcher(p, 20*time.Millisecond, discardLogger())
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), nil, "hello")
	require.Equal(t, ErrorAIProvider, Code(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewDispatcher_NilProvider(t *testing.T) {
	_, err := NewDispatcher(nil, 0, nil)
	require.Error(t, err)
}
