package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/roomsync/internal/auth"
	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/events"
	"github.com/alexjbarnes/roomsync/internal/presence"
	"github.com/alexjbarnes/roomsync/internal/protocol"
	"github.com/coder/websocket"
)

// Status is the connection state of a room.
type Status int32

const (
	StatusIdle Status = iota
	StatusAuthenticating
	StatusConnecting
	StatusConnected
	StatusSynchronized
	StatusReconnecting
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAuthenticating:
		return "authenticating"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusSynchronized:
		return "synchronized"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	}

	return "unknown"
}

// authResult is posted when a token fetch finishes.
type authResult struct {
	attempt int
	refresh bool
	token   *auth.Token
	err     error
}

// connectResult is posted when dialing and the auth handshake finish.
type connectResult struct {
	attempt int
	conn    wsConn
	ok      *protocol.AuthOK
	err     error
}

// refreshDue is posted by the token refresh timer.
type refreshDue struct {
	attempt int
}

func (r *Room) setStatus(s Status) {
	prev := Status(r.status.Swap(int32(s)))
	if prev == s {
		return
	}

	r.logger.Debug("status changed", slog.String("from", prev.String()), slog.String("status", s.String()))
	r.bus.Publish(events.StatusChanged{From: prev.String(), To: s.String()})
}

// spawn runs fn in a tracked helper goroutine.
func (r *Room) spawn(ctx context.Context, fn func(ctx context.Context)) {
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		fn(ctx)
	}()
}

// post hands a completion to the loop. It reports false if the room
// stopped first.
func (r *Room) post(msg any) bool {
	select {
	case r.results <- msg:
		return true
	case <-r.runCtx.Done():
		return false
	}
}

func (r *Room) cancelAttempt() {
	if r.attemptCancel != nil {
		r.attemptCancel()
		r.attemptCancel = nil
	}
}

// startAttempt begins authentication for a fresh connection attempt.
// Results from earlier attempts are ignored from here on.
func (r *Room) startAttempt() {
	r.cancelAttempt()
	r.attempt++
	attempt := r.attempt

	ctx, cancel := context.WithCancel(r.runCtx)
	r.attemptCancel = cancel

	r.setStatus(StatusAuthenticating)

	r.spawn(ctx, func(ctx context.Context) {
		tok, err := r.opts.Tokens.Authenticate(ctx, r.opts.RoomID)
		r.post(authResult{attempt: attempt, token: tok, err: err})
	})
}

func (r *Room) handleResult(res any) {
	switch m := res.(type) {
	case authResult:
		if m.attempt != r.attempt {
			return
		}

		if m.refresh {
			r.handleRefreshed(m)
			return
		}

		r.handleAuth(m)

	case connectResult:
		if m.attempt != r.attempt {
			if m.conn != nil {
				_ = m.conn.Close(websocket.StatusNormalClosure, "superseded")
			}

			return
		}

		r.handleConnect(m)

	case refreshDue:
		if m.attempt != r.attempt || r.conn == nil || r.refreshing {
			return
		}

		r.refreshing = true
		r.spawn(r.connCtx, func(ctx context.Context) {
			tok, err := r.opts.Tokens.Refresh(ctx, r.opts.RoomID)
			r.post(authResult{attempt: m.attempt, refresh: true, token: tok, err: err})
		})
	}
}

func (r *Room) handleAuth(res authResult) {
	if res.err != nil {
		r.authFailed(res.err)
		return
	}

	r.token = res.token
	r.setStatus(StatusConnecting)

	attempt := r.attempt
	tok := res.token

	ctx, cancel := context.WithCancel(r.runCtx)
	r.cancelAttempt()
	r.attemptCancel = cancel

	r.spawn(ctx, func(ctx context.Context) {
		r.connect(ctx, attempt, tok)
	})
}

// connect dials and authenticates a transport, bounded by ConnectTimeout.
func (r *Room) connect(ctx context.Context, attempt int, tok *auth.Token) {
	dialCtx, cancel := r.clock.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	r.logger.Debug("connecting", slog.String("url", r.opts.URL))

	conn, err := r.dial(dialCtx, r.opts.URL)
	if err != nil {
		r.post(connectResult{attempt: attempt, err: fmt.Errorf("%w: %v", apperrors.ErrTransportFailure, err)})
		return
	}

	ok, err := handshake(dialCtx, conn, tok.Raw)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		r.post(connectResult{attempt: attempt, err: err})

		return
	}

	if !r.post(connectResult{attempt: attempt, conn: conn, ok: ok}) {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

// handshake sends the auth frame and waits for the server's verdict.
// Runs before the reader goroutine starts, so it reads conn directly.
func handshake(ctx context.Context, conn wsConn, rawToken string) (*protocol.AuthOK, error) {
	conn.SetReadLimit(readLimit)

	if err := writeFrame(ctx, conn, protocol.NewAuth(rawToken)); err != nil {
		return nil, fmt.Errorf("%w: sending auth: %v", apperrors.ErrTransportFailure, err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: reading auth response: %v", apperrors.ErrTransportFailure, err)
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}

	switch m := msg.(type) {
	case *protocol.AuthOK:
		return m, nil
	case *protocol.AuthError:
		return nil, authError(m)
	}

	return nil, fmt.Errorf("%w: expected auth response, got %q", apperrors.ErrProtocolViolation, protocol.PeekType(data))
}

// authError maps a server auth_error onto the error taxonomy.
func authError(m *protocol.AuthError) error {
	switch m.Kind {
	case protocol.AuthErrorMalformed:
		return fmt.Errorf("%w: %s", apperrors.ErrMalformedToken, m.Message)
	case protocol.AuthErrorExpired:
		return fmt.Errorf("%w: %s", apperrors.ErrTokenExpired, m.Message)
	}

	return fmt.Errorf("%w: %s: %s", apperrors.ErrAuthRejected, m.Kind, m.Message)
}

func (r *Room) handleConnect(res connectResult) {
	if res.err != nil {
		r.authFailed(res.err)
		return
	}

	r.cancelAttempt()

	connCtx, connCancel := context.WithCancel(r.runCtx)
	r.conn = res.conn
	r.connCtx = connCtx
	r.connCancel = connCancel
	r.inbound = startReader(connCtx, res.conn)
	r.lastMessage = r.clock.Now()
	r.sent = make(map[string]bool)
	r.violations = 0

	r.presence.SetSelf(res.ok.Actor, presence.User{ID: res.ok.ID, Info: res.ok.Info, Scopes: res.ok.Scopes})
	r.actor.Store(int64(res.ok.Actor))
	r.scopes = scopesToPermissions(res.ok.Scopes)

	r.logger.Info("websocket authenticated", slog.Int("actor", res.ok.Actor))
	r.setStatus(StatusConnected)

	r.heartbeat = r.clock.Ticker(r.opts.HeartbeatInterval)
	r.heartbeatC = r.heartbeat.C
	r.snapshotTimer = r.clock.Timer(r.opts.SnapshotTimeout)
	r.snapshotC = r.snapshotTimer.C

	attempt := r.attempt
	r.stopRefresh = r.opts.Tokens.ScheduleRefresh(r.token, func() {
		r.post(refreshDue{attempt: attempt})
	})

	r.send(protocol.NewSyncRequest(r.doc.Seq(), r.doc.PendingIDs()))
}

// authFailed routes an authentication or connection error: malformed or
// rejected credentials stop in StatusFailed, anything else is retried.
func (r *Room) authFailed(err error) {
	if errors.Is(err, apperrors.ErrMalformedToken) || errors.Is(err, apperrors.ErrTokenExpired) {
		r.opts.Tokens.Invalidate(r.opts.RoomID)
	}

	if isFatalAuthError(err) {
		r.fail(err)
		return
	}

	r.teardown(err)
}

func (r *Room) handleRefreshed(res authResult) {
	r.refreshing = false

	// The connection the refresh was for is already gone.
	if r.conn == nil {
		return
	}

	if res.err != nil {
		r.logger.Warn("token refresh failed", slog.String("error", res.err.Error()))
		r.authFailed(fmt.Errorf("refreshing token: %w", res.err))

		return
	}

	r.token = res.token
	r.send(protocol.NewAuth(res.token.Raw))

	if r.stopRefresh != nil {
		r.stopRefresh()
	}

	attempt := r.attempt
	r.stopRefresh = r.opts.Tokens.ScheduleRefresh(r.token, func() {
		r.post(refreshDue{attempt: attempt})
	})
}

// fail stops retrying until Reconnect is called.
func (r *Room) fail(err error) {
	r.logger.Error("connection failed", slog.String("error", err.Error()))
	r.dropConnection(websocket.StatusNormalClosure, "failed")
	r.cancelAttempt()

	stopTimer(r.retryTimer)
	stopTimer(r.stallTimer)
	r.retryC, r.stallC = nil, nil

	r.setStatus(StatusFailed)
	r.bus.Publish(events.Error{Code: "connection_failed", Message: err.Error(), Err: err})

	if r.lost {
		r.lost = false
		r.bus.Publish(events.LostConnection{State: events.ConnectionFailed})
	}
}

// teardown drops the current connection, if any, and schedules a retry.
func (r *Room) teardown(err error) {
	r.logger.Warn("connection lost, reconnecting",
		slog.String("error", err.Error()),
		slog.String("status", r.Status().String()),
	)

	r.dropConnection(websocket.StatusGoingAway, "reconnecting")
	r.cancelAttempt()
	r.scheduleRetry()
}

func (r *Room) scheduleRetry() {
	r.setStatus(StatusReconnecting)

	if r.stallC == nil && !r.lost {
		r.stallTimer = r.clock.Timer(r.opts.LostConnectionTimeout)
		r.stallC = r.stallTimer.C
	}

	delay := r.backoff.NextBackOff()
	if r.retryAfter > delay {
		delay = r.retryAfter
	}

	r.retryAfter = 0

	r.logger.Debug("retry scheduled", slog.Duration("backoff", delay))

	stopTimer(r.retryTimer)
	r.retryTimer = r.clock.Timer(delay)
	r.retryC = r.retryTimer.C
}

// dropConnection closes the transport and stops every per-connection
// timer. Safe to call with no connection.
func (r *Room) dropConnection(code websocket.StatusCode, reason string) {
	if r.stopRefresh != nil {
		r.stopRefresh()
		r.stopRefresh = nil
	}

	if r.heartbeat != nil {
		r.heartbeat.Stop()
		r.heartbeat = nil
	}

	stopTimer(r.snapshotTimer)
	r.snapshotTimer = nil
	r.heartbeatC, r.snapshotC = nil, nil
	r.refreshing = false

	if r.conn == nil {
		return
	}

	r.connCancel()
	_ = r.conn.Close(code, reason)

	r.conn = nil
	r.inbound = nil
	r.sent = nil
}

// synchronized finishes a (re)connection once the snapshot is applied.
func (r *Room) synchronized() {
	stopTimer(r.snapshotTimer)
	r.snapshotTimer, r.snapshotC = nil, nil

	stopTimer(r.stallTimer)
	r.stallTimer, r.stallC = nil, nil

	r.backoff.Reset()
	r.setStatus(StatusSynchronized)

	if r.lost {
		r.lost = false
		r.bus.Publish(events.LostConnection{State: events.ConnectionRestored})
	}
}

// checkHeartbeat pings an idle connection and drops a silent one.
func (r *Room) checkHeartbeat() {
	if r.conn == nil {
		return
	}

	elapsed := r.clock.Since(r.lastMessage)

	if elapsed >= r.opts.HeartbeatTimeout {
		r.teardown(fmt.Errorf("%w: no frames for %s", apperrors.ErrTransportFailure, elapsed))
		return
	}

	if elapsed >= r.opts.HeartbeatInterval {
		r.send(protocol.NewPing())
	}
}
