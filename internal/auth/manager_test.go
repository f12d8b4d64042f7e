package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// memCache is an in-memory Cache.
type memCache struct {
	tokens  map[string]string
	deletes int
}

func newMemCache() *memCache { return &memCache{tokens: make(map[string]string)} }

func (c *memCache) Token(roomID string) string { return c.tokens[roomID] }

func (c *memCache) SetToken(roomID, raw string) error {
	c.tokens[roomID] = raw
	return nil
}

func (c *memCache) DeleteToken(roomID string) error {
	c.deletes++
	delete(c.tokens, roomID)

	return nil
}

// countingAuth hands out tokens valid for an hour from the mock clock.
func countingAuth(t *testing.T, clk *clock.Mock, calls *atomic.Int32) AuthFunc {
	return func(_ context.Context, roomID string) (string, error) {
		calls.Add(1)
		now := clk.Now().Unix()
		claims := legacyClaims(now, now+3600)
		claims["roomId"] = roomID

		return signToken(t, claims), nil
	}
}

func newMockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Unix(100_000, 0))

	return clk
}

func TestManager_AuthenticateCachesInMemory(t *testing.T) {
	clk := newMockClock()

	var calls atomic.Int32

	m := NewManager(countingAuth(t, clk, &calls), quietLogger, WithClock(clk))

	t1, err := m.Authenticate(context.Background(), "room-1")
	require.NoError(t, err)
	t2, err := m.Authenticate(context.Background(), "room-1")
	require.NoError(t, err)

	assert.Same(t, t1, t2)
	assert.Equal(t, int32(1), calls.Load())
}

func TestManager_AuthenticateRefetchesInsideMargin(t *testing.T) {
	clk := newMockClock()

	var calls atomic.Int32

	m := NewManager(countingAuth(t, clk, &calls), quietLogger, WithClock(clk), WithRefreshMargin(time.Minute))

	_, err := m.Authenticate(context.Background(), "room-1")
	require.NoError(t, err)

	clk.Add(59*time.Minute + 30*time.Second)

	_, err = m.Authenticate(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestManager_AuthenticateUsesDiskCache(t *testing.T) {
	clk := newMockClock()
	cache := newMemCache()

	now := clk.Now().Unix()
	cache.tokens["room-1"] = signToken(t, legacyClaims(now, now+3600))

	var calls atomic.Int32

	m := NewManager(countingAuth(t, clk, &calls), quietLogger, WithClock(clk), WithCache(cache))

	tok, err := m.Authenticate(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, cache.tokens["room-1"], tok.Raw)
	assert.Equal(t, int32(0), calls.Load())
}

func TestManager_AuthenticateDropsStaleDiskCache(t *testing.T) {
	clk := newMockClock()
	cache := newMemCache()
	cache.tokens["room-1"] = signToken(t, legacyClaims(1, 2))

	var calls atomic.Int32

	m := NewManager(countingAuth(t, clk, &calls), quietLogger, WithClock(clk), WithCache(cache))

	tok, err := m.Authenticate(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, tok.Raw, cache.tokens["room-1"], "fresh token is cached")
}

func TestManager_AuthenticateRejectsExpiredToken(t *testing.T) {
	clk := newMockClock()
	stale := signToken(t, legacyClaims(1, 2))

	m := NewManager(AuthFunc(func(context.Context, string) (string, error) { return stale, nil }), quietLogger, WithClock(clk))

	_, err := m.Authenticate(context.Background(), "room-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestManager_AuthenticateMalformedToken(t *testing.T) {
	m := NewManager(AuthFunc(func(context.Context, string) (string, error) { return "garbage", nil }), quietLogger)

	_, err := m.Authenticate(context.Background(), "room-1")
	assert.ErrorIs(t, err, apperrors.ErrMalformedToken)
}

func TestManager_AuthenticatePropagatesAuthenticatorError(t *testing.T) {
	boom := &TransientError{Err: errors.New("boom")}
	m := NewManager(AuthFunc(func(context.Context, string) (string, error) { return "", boom }), quietLogger)

	_, err := m.Authenticate(context.Background(), "room-1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "room-1")
}

func TestManager_InvalidateDropsBothCaches(t *testing.T) {
	clk := newMockClock()
	cache := newMemCache()

	var calls atomic.Int32

	m := NewManager(countingAuth(t, clk, &calls), quietLogger, WithClock(clk), WithCache(cache))

	_, err := m.Authenticate(context.Background(), "room-1")
	require.NoError(t, err)
	require.NotEmpty(t, cache.tokens["room-1"])

	m.Invalidate("room-1")
	assert.Empty(t, cache.tokens["room-1"])

	_, err = m.Authenticate(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestManager_Refresh(t *testing.T) {
	clk := newMockClock()

	var calls atomic.Int32

	m := NewManager(countingAuth(t, clk, &calls), quietLogger, WithClock(clk))

	_, err := m.Authenticate(context.Background(), "room-1")
	require.NoError(t, err)
	_, err = m.Refresh(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestManager_ScheduleRefreshFiresBeforeExpiry(t *testing.T) {
	clk := newMockClock()

	var calls atomic.Int32

	m := NewManager(countingAuth(t, clk, &calls), quietLogger, WithClock(clk), WithRefreshMargin(time.Minute))

	tok, err := m.Authenticate(context.Background(), "room-1")
	require.NoError(t, err)

	fired := make(chan struct{}, 1)
	m.ScheduleRefresh(tok, func() { fired <- struct{}{} })

	clk.Add(58 * time.Minute)
	select {
	case <-fired:
		t.Fatal("refresh fired too early")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Add(time.Minute)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("refresh did not fire")
	}
}

func TestManager_ScheduleRefreshStop(t *testing.T) {
	clk := newMockClock()

	var calls atomic.Int32

	m := NewManager(countingAuth(t, clk, &calls), quietLogger, WithClock(clk))

	tok, err := m.Authenticate(context.Background(), "room-1")
	require.NoError(t, err)

	var fired atomic.Bool

	stop := m.ScheduleRefresh(tok, func() { fired.Store(true) })
	assert.True(t, stop())

	clk.Add(2 * time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestManager_Discard(t *testing.T) {
	clk := newMockClock()

	var calls atomic.Int32

	m := NewManager(countingAuth(t, clk, &calls), quietLogger, WithClock(clk))

	_, err := m.Authenticate(context.Background(), "room-1")
	require.NoError(t, err)
	m.Discard()
	_, err = m.Authenticate(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
