// Package credential keeps the bearer credential used for every upstream call.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/agent-relay/internal/domain"
)

const (
	// DefaultRefreshMargin is how long before expiry a credential stops being used.
	DefaultRefreshMargin = 5 * time.Minute

	// DefaultExchangeTimeout bounds a single credential exchange.
	DefaultExchangeTimeout = 30 * time.Second

	refreshKey = "refresh"
)

// Credential is a bearer token with its absolute expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the credential may still be used at now. A credential
// expiring at T is treated as expired from T - margin.
func (c Credential) Valid(now time.Time, margin time.Duration) bool {
	return c.Token != "" && now.Before(c.ExpiresAt.Add(-margin))
}

// Exchanger obtains a fresh credential from the identity endpoint.
type Exchanger interface {
	Exchange(ctx context.Context) (Credential, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithRefreshMargin sets how early before expiry the credential is refreshed.
func WithRefreshMargin(margin time.Duration) Option {
	return func(m *Manager) {
		m.margin = margin
	}
}

// WithExchangeTimeout bounds each credential exchange.
func WithExchangeTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.exchangeTimeout = timeout
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager owns one cached credential. It is safe for concurrent use: callers
// that find the credential invalid share a single in-flight exchange.
type Manager struct {
	exchanger       Exchanger
	margin          time.Duration
	exchangeTimeout time.Duration
	now             func() time.Time
	logger          *slog.Logger

	mu    sync.Mutex
	cred  Credential
	group singleflight.Group
}

// NewManager creates a Manager that refreshes through exchanger.
func NewManager(exchanger Exchanger, opts ...Option) *Manager {
	m := &Manager{
		exchanger:       exchanger,
		margin:          DefaultRefreshMargin,
		exchangeTimeout: DefaultExchangeTimeout,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Token returns a valid bearer token, refreshing it if needed. Refresh
// failures are reported as auth errors.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if token, ok := m.cached(); ok {
		return token, nil
	}

	// The exchange is shared by every waiting caller, so it must not be
	// cancelled when the caller that started it goes away.
	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		if token, ok := m.cached(); ok {
			return token, nil
		}
		return m.refresh(shared)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for credential refresh: %w", ctx.Err())
	}
}

// Invalidate drops the cached credential so the next Token call refreshes.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cred = Credential{}
	m.mu.Unlock()
	m.logger.Info("credential invalidated")
}

// Current returns the cached credential, valid or not.
func (m *Manager) Current() Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred
}

func (m *Manager) cached() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred.Valid(m.now(), m.margin) {
		return m.cred.Token, true
	}
	return "", false
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.exchangeTimeout)
	defer cancel()

	m.logger.Info("refreshing credential")

	cred, err := m.exchanger.Exchange(ctx)
	if err != nil {
		m.logger.Error("credential refresh failed", slog.String("error", err.Error()))
		var rerr *domain.RelayError
		if errors.As(err, &rerr) && rerr.Type == domain.ErrorTypeAuth {
			return "", err
		}
		return "", domain.ErrAuth("credential exchange failed").WithCause(err)
	}

	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()

	m.logger.Info("credential refreshed",
		slog.Time("expires_at", cred.ExpiresAt),
		slog.Duration("expires_in", cred.ExpiresAt.Sub(m.now()).Round(time.Second)),
	)
	return cred.Token, nil
}
