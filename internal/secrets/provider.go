// Package secrets resolves named credentials from the parameter store, with a
// process-environment fallback and a short-lived in-memory cache.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"
)

const defaultTTL = 5 * time.Minute

// Getter is the backing store lookup. *paramstore.Client satisfies it.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type entry struct {
	value     string
	expiresAt time.Time
}

// Provider resolves secrets by name. It is safe for concurrent use.
type Provider struct {
	backend   Getter
	ttl       time.Duration
	lookupEnv func(string) (string, bool)
	now       func() time.Time
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]entry
}

type Option func(*Provider)

// WithTTL sets how long a resolved value is reused before it is fetched again.
func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) {
		if log != nil {
			p.logger = log
		}
	}
}

// WithEnvLookup replaces os.LookupEnv, mainly for tests.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(p *Provider) {
		if fn != nil {
			p.lookupEnv = fn
		}
	}
}

// New creates a Provider. A nil backend resolves from the environment only.
func New(backend Getter, opts ...Option) *Provider {
	p := &Provider{
		backend:   backend,
		ttl:       defaultTTL,
		lookupEnv: os.LookupEnv,
		now:       time.Now,
		logger:    slog.Default(),
		cache:     make(map[string]entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetSecret returns the value of the named secret. When the backend fails the
// environment variable EnvName(name) is used if it is set.
func (p *Provider) GetSecret(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("secrets: name is required")
	}

	now := p.now()
	p.mu.RLock()
	cached, ok := p.cache[name]
	p.mu.RUnlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.value, nil
	}

	value, err := p.resolve(ctx, name)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.cache[name] = entry{value: value, expiresAt: now.Add(p.ttl)}
	p.mu.Unlock()
	return value, nil
}

func (p *Provider) resolve(ctx context.Context, name string) (string, error) {
	var backendErr error
	if p.backend != nil {
		v, err := p.backend.GetParameter(ctx, name)
		if err == nil {
			return v, nil
		}
		backendErr = err
	} else {
		backendErr = errors.New("no backend configured")
	}

	envName := EnvName(name)
	if v, ok := p.lookupEnv(envName); ok && v != "" {
		if p.backend != nil {
			p.logger.Warn("secret backend failed, using environment", "secret", name, "env", envName, "err", backendErr)
		}
		return v, nil
	}
	return "", fmt.Errorf("secrets: resolve %q: %w", name, backendErr)
}

// EnvName maps a secret name to its fallback environment variable:
// upper-cased, with every character outside [A-Z0-9] replaced by '_'.
func EnvName(name string) string {
	return strings.Map(func(r rune) rune {
		r = unicode.ToUpper(r)
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.TrimSpace(name))
}
