package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	vals  map[string]string
	err   error
	calls int
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.vals[name]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestGetSecret_FromBackend(t *testing.T) {
	g := &fakeGetter{vals: map[string]string{"api-webhook-key": "k1"}}
	p := New(g, WithEnvLookup(envMap(nil)))

	v, err := p.GetSecret(context.Background(), "api-webhook-key")
	require.NoError(t, err)
	require.Equal(t, "k1", v)
}

func TestGetSecret_CachesWithinTTL(t *testing.T) {
	g := &fakeGetter{vals: map[string]string{"s": "v"}}
	p := New(g, WithTTL(time.Minute), WithEnvLookup(envMap(nil)))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	_, _ = p.GetSecret(context.Background(), "s")
	_, _ = p.GetSecret(context.Background(), "s")
	require.Equal(t, 1, g.calls)

	now = now.Add(2 * time.Minute)
	_, err := p.GetSecret(context.Background(), "s")
	require.NoError(t, err)
	require.Equal(t, 2, g.calls, "expired entries must be refreshed")
}

func TestGetSecret_FallsBackToEnvironment(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	p := New(g, WithEnvLookup(envMap(map[string]string{"API_WEBHOOK_KEY": "from-env"})))

	v, err := p.GetSecret(context.Background(), "api-webhook-key")
	require.NoError(t, err)
	require.Equal(t, "from-env", v)
}

func TestGetSecret_BackendAndEnvMissing(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	p := New(g, WithEnvLookup(envMap(nil)))

	_, err := p.GetSecret(context.Background(), "api-webhook-key")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ssm unavailable")
}

func TestGetSecret_NilBackendUsesEnvironment(t *testing.T) {
	p := New(nil, WithEnvLookup(envMap(map[string]string{"OPENAI_API_KEY": "sk"})))
	v, err := p.GetSecret(context.Background(), "openai-api-key")
	require.NoError(t, err)
	require.Equal(t, "sk", v)

	_, err = p.GetSecret(context.Background(), "anthropic-api-key")
	require.Error(t, err)
}

func TestGetSecret_EmptyName(t *testing.T) {
	p := New(&fakeGetter{})
	_, err := p.GetSecret(context.Background(), " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestEnvName(t *testing.T) {
	cases := map[string]string{
		"api-webhook-key":      "API_WEBHOOK_KEY",
		"openai-api-key":       "OPENAI_API_KEY",
		"/pipeline/whatsapp.x": "_PIPELINE_WHATSAPP_X",
		"PLAIN":                "PLAIN",
	}
	for in, want := range cases {
		require.Equal(t, want, EnvName(in), "name=%q", in)
	}
}
