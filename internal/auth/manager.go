package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/benbjohnson/clock"
)

// DefaultRefreshMargin is how long before expiry a refresh fires.
const DefaultRefreshMargin = 60 * time.Second

// Cache persists raw tokens between runs. *state.State satisfies it.
type Cache interface {
	Token(roomID string) string
	SetToken(roomID, raw string) error
	DeleteToken(roomID string) error
}

// Manager hands out room tokens, caching them in memory and optionally
// on disk. One Manager belongs to one room.
type Manager struct {
	authenticator Authenticator
	cache         Cache
	clock         clock.Clock
	margin        time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	tokens map[string]*Token
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithCache adds a persistent token cache.
func WithCache(c Cache) ManagerOption {
	return func(m *Manager) { m.cache = c }
}

// WithRefreshMargin sets how long before expiry ScheduleRefresh fires.
func WithRefreshMargin(d time.Duration) ManagerOption {
	return func(m *Manager) { m.margin = d }
}

// NewManager creates a token manager backed by the given authenticator.
func NewManager(a Authenticator, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		authenticator: a,
		clock:         clock.New(),
		margin:        DefaultRefreshMargin,
		logger:        logger,
		tokens:        make(map[string]*Token),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// IsExpired applies the skew rule at the manager's current time.
func (m *Manager) IsExpired(t *Token) bool {
	return IsExpired(t, m.clock.Now())
}

// Authenticate returns a usable token for roomID. Cached tokens are reused
// while they are outside the refresh margin; otherwise a new raw token is
// fetched from the authenticator.
func (m *Manager) Authenticate(ctx context.Context, roomID string) (*Token, error) {
	if t := m.cached(roomID); t != nil {
		return t, nil
	}

	raw, err := m.authenticator.Authenticate(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("authenticating room %s: %w", roomID, err)
	}

	t, err := ParseToken(raw)
	if err != nil {
		return nil, err
	}

	if m.IsExpired(t) {
		return nil, fmt.Errorf("token for room %s: %w", roomID, apperrors.ErrTokenExpired)
	}

	m.store(roomID, t)

	m.logger.Debug("token acquired",
		slog.String("room", roomID),
		slog.String("kind", string(t.Kind)),
		slog.Time("expires_at", t.ExpiresAt),
	)

	return t, nil
}

// Refresh drops any cached token and authenticates again.
func (m *Manager) Refresh(ctx context.Context, roomID string) (*Token, error) {
	m.Invalidate(roomID)
	return m.Authenticate(ctx, roomID)
}

// Invalidate drops the cached token for roomID from memory and disk.
func (m *Manager) Invalidate(roomID string) {
	m.mu.Lock()
	delete(m.tokens, roomID)
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.DeleteToken(roomID); err != nil {
			m.logger.Warn("dropping cached token failed", slog.String("room", roomID), slog.String("error", err.Error()))
		}
	}
}

// ScheduleRefresh calls fn once, margin before the token expires, or
// immediately if that moment has passed. The returned func cancels it.
func (m *Manager) ScheduleRefresh(t *Token, fn func()) (stop func() bool) {
	delay := t.ExpiresAt.Sub(m.clock.Now()) - m.margin
	if delay < 0 {
		delay = 0
	}

	timer := m.clock.AfterFunc(delay, fn)

	return timer.Stop
}

// Discard forgets every in-memory token. Called when the room closes.
func (m *Manager) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens = make(map[string]*Token)
}

func (m *Manager) cached(roomID string) *Token {
	m.mu.Lock()
	t := m.tokens[roomID]
	m.mu.Unlock()

	if m.usable(t) {
		return t
	}

	if m.cache == nil {
		return nil
	}

	raw := m.cache.Token(roomID)
	if raw == "" {
		return nil
	}

	t, err := ParseToken(raw)
	if err != nil || !m.usable(t) {
		if err != nil && !errors.Is(err, apperrors.ErrMalformedToken) {
			m.logger.Warn("cached token unreadable", slog.String("room", roomID), slog.String("error", err.Error()))
		}

		_ = m.cache.DeleteToken(roomID)

		return nil
	}

	m.mu.Lock()
	m.tokens[roomID] = t
	m.mu.Unlock()

	return t
}

func (m *Manager) usable(t *Token) bool {
	if t == nil || m.IsExpired(t) {
		return false
	}

	return m.clock.Now().Before(t.ExpiresAt.Add(-m.margin))
}

func (m *Manager) store(roomID string, t *Token) {
	m.mu.Lock()
	m.tokens[roomID] = t
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.SetToken(roomID, t.Raw); err != nil {
			m.logger.Warn("caching token failed", slog.String("room", roomID), slog.String("error", err.Error()))
		}
	}
}
