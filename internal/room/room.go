// Package room ties the token manager, transport, presence, storage,
// history and event bus together for one collaboration room.
//
// Architecture: a single loop goroutine (Run) owns every piece of room
// state. Public methods hand closures to the loop and wait for them, so
// callers may use a Room from any goroutine while state mutation stays
// serialized. Network work (authentication, dialing, reading frames)
// happens in helper goroutines that post their results back to the loop.
// All writes to the connection happen from the loop, so no write mutex
// is needed.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/roomsync/internal/auth"
	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/events"
	"github.com/alexjbarnes/roomsync/internal/history"
	"github.com/alexjbarnes/roomsync/internal/presence"
	"github.com/alexjbarnes/roomsync/internal/storage"
	"github.com/alexjbarnes/roomsync/internal/value"
	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	DefaultConnectTimeout        = 10 * time.Second
	DefaultSnapshotTimeout       = 10 * time.Second
	DefaultReconnectMin          = 250 * time.Millisecond
	DefaultReconnectMax          = 15 * time.Second
	DefaultLostConnectionTimeout = 5 * time.Second
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultHeartbeatTimeout      = 60 * time.Second

	// maxProtocolViolations is how many undecodable frames in a row the
	// room tolerates before dropping the connection.
	maxProtocolViolations = 3

	// resultChanSize buffers completions posted by helper goroutines.
	resultChanSize = 16
)

// TokenSource supplies room tokens. *auth.Manager satisfies it.
type TokenSource interface {
	Authenticate(ctx context.Context, roomID string) (*auth.Token, error)
	Refresh(ctx context.Context, roomID string) (*auth.Token, error)
	Invalidate(roomID string)
	ScheduleRefresh(t *auth.Token, fn func()) (stop func() bool)
	Discard()
}

// Options configures a Room. Zero durations select the defaults above.
type Options struct {
	RoomID string
	URL    string
	Tokens TokenSource

	// InitialPresence is the local presence announced on every
	// synchronization. It must be an object or null.
	InitialPresence value.Value
	// InitialStorage seeds the root map when the first snapshot shows an
	// empty document. It must be an object or null.
	InitialStorage value.Value

	ConnectTimeout        time.Duration
	SnapshotTimeout       time.Duration
	ReconnectMin          time.Duration
	ReconnectMax          time.Duration
	LostConnectionTimeout time.Duration
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	HistoryLimit          int

	Clock clock.Clock
}

func (o *Options) defaults() {
	setDefault := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}

	setDefault(&o.ConnectTimeout, DefaultConnectTimeout)
	setDefault(&o.SnapshotTimeout, DefaultSnapshotTimeout)
	setDefault(&o.ReconnectMin, DefaultReconnectMin)
	setDefault(&o.ReconnectMax, DefaultReconnectMax)
	setDefault(&o.LostConnectionTimeout, DefaultLostConnectionTimeout)
	setDefault(&o.HeartbeatInterval, DefaultHeartbeatInterval)
	setDefault(&o.HeartbeatTimeout, DefaultHeartbeatTimeout)

	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = o.ReconnectMin
	}

	if o.HistoryLimit <= 0 {
		o.HistoryLimit = history.DefaultLimit
	}

	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// command is a closure executed on the loop on behalf of a caller.
type command struct {
	fn   func()
	done chan struct{}
}

// Room is one actor's membership in one room.
type Room struct {
	opts    Options
	logger  *slog.Logger
	clock   clock.Clock
	dial    dialFunc
	session string

	// Safe from any goroutine.
	status    atomic.Int32
	actor     atomic.Int64
	bus       *events.Bus
	cmds      chan command
	results   chan any
	closing   chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
	running   atomic.Bool

	// Owned by the loop.
	runCtx   context.Context
	wg       sync.WaitGroup
	doc      *storage.Document
	presence *presence.Store
	history  *history.Manager
	backoff  *backoff.ExponentialBackOff

	// outbox holds committed local batches whose ops are not yet
	// confirmed, in commit order. sent marks op ids already written on
	// the current connection.
	outbox [][]storage.Op
	sent   map[string]bool

	// broadcasts queued while not synchronized.
	queued []value.Value

	attempt       int
	attemptCancel context.CancelFunc
	token         *auth.Token
	scopes        []auth.Permission
	refreshing    bool
	stopRefresh   func() bool

	conn        wsConn
	connCtx     context.Context
	connCancel  context.CancelFunc
	inbound     <-chan inboundMsg
	lastMessage time.Time
	violations  int

	heartbeat     *clock.Ticker
	heartbeatC    <-chan time.Time
	snapshotTimer *clock.Timer
	snapshotC     <-chan time.Time
	retryTimer    *clock.Timer
	retryC        <-chan time.Time
	stallTimer    *clock.Timer
	stallC        <-chan time.Time

	retryAfter time.Duration
	lost       bool
	seeded     bool
}

// New creates a room. Nothing happens until Run is called.
func New(opts Options, logger *slog.Logger) (*Room, error) {
	if opts.RoomID == "" {
		return nil, fmt.Errorf("%w: room id is required", apperrors.ErrInvalidOperation)
	}

	if opts.URL == "" {
		return nil, fmt.Errorf("%w: server url is required", apperrors.ErrInvalidOperation)
	}

	if opts.Tokens == nil {
		return nil, fmt.Errorf("%w: a token source is required", apperrors.ErrInvalidOperation)
	}

	if !opts.InitialStorage.IsNull() && !opts.InitialStorage.IsObject() {
		return nil, fmt.Errorf("%w: initial storage must be an object", apperrors.ErrInvalidOperation)
	}

	opts.defaults()

	store, err := presence.NewStore(opts.InitialPresence)
	if err != nil {
		return nil, err
	}

	session := uuid.NewString()

	r := &Room{
		opts:     opts,
		clock:    opts.Clock,
		dial:     dialWebSocket,
		session:  session,
		logger:   logger.With(slog.String("room", opts.RoomID), slog.String("session", session)),
		bus:      events.NewBus(),
		cmds:     make(chan command),
		results:  make(chan any, resultChanSize),
		closing:  make(chan struct{}),
		stopped:  make(chan struct{}),
		doc:      storage.NewDocument(),
		presence: store,
	}

	r.actor.Store(-1)
	r.history = history.NewManager(r.applyHistory, opts.HistoryLimit)
	r.backoff = newBackoff(opts, r.clock)

	return r, nil
}

func newBackoff(opts Options, c clock.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.ReconnectMin
	b.MaxInterval = opts.ReconnectMax
	b.MaxElapsedTime = 0
	b.Clock = c
	b.Reset()

	return b
}

// RoomID returns the id of the room.
func (r *Room) RoomID() string { return r.opts.RoomID }

// Session returns the id that tags this instance's log lines.
func (r *Room) Session() string { return r.session }

// Status returns the current connection status.
func (r *Room) Status() Status { return Status(r.status.Load()) }

// Actor returns the actor id assigned by the server, or -1 before the
// first successful connection.
func (r *Room) Actor() int { return int(r.actor.Load()) }

// Subscribe registers fn for events of kind. Handlers run on the room
// loop: they must return promptly and must not call blocking Room
// methods, which would wait for the loop they are running on.
func (r *Room) Subscribe(kind events.Kind, fn events.Handler) *events.Subscription {
	return r.bus.Subscribe(kind, fn)
}

// Run connects and processes the room until ctx is cancelled or Close is
// called. It returns ctx.Err() on cancellation and nil after Close.
func (r *Room) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: room is already running", apperrors.ErrInvalidOperation)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.runCtx = ctx

	defer func() {
		cancel()
		r.shutdown()
	}()

	select {
	case <-r.closing:
		return nil
	default:
	}

	r.logger.Info("entering room")
	r.startAttempt()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-r.closing:
			return nil

		case c := <-r.cmds:
			c.fn()
			close(c.done)

		case res := <-r.results:
			r.handleResult(res)

		case msg := <-r.inbound:
			r.handleInbound(msg)

		case <-r.heartbeatC:
			r.checkHeartbeat()

		case <-r.snapshotC:
			r.snapshotC = nil
			r.teardown(fmt.Errorf("%w: no snapshot within %s", apperrors.ErrTransportFailure, r.opts.SnapshotTimeout))

		case <-r.retryC:
			r.retryC = nil
			r.startAttempt()

		case <-r.stallC:
			r.stallC = nil
			r.lost = true
			r.logger.Warn("connection lost", slog.Duration("after", r.opts.LostConnectionTimeout))
			r.bus.Publish(events.LostConnection{State: events.ConnectionLost})
		}
	}
}

// shutdown releases every resource the loop owns. After it returns no
// helper goroutine is left running and no event is delivered.
func (r *Room) shutdown() {
	r.bus.Close()
	r.dropConnection(websocket.StatusNormalClosure, "bye")
	r.cancelAttempt()
	stopTimer(r.retryTimer)
	stopTimer(r.stallTimer)
	r.retryC, r.stallC = nil, nil
	r.wg.Wait()
	r.opts.Tokens.Discard()
	close(r.stopped)
	r.logger.Info("left room")
}

// Close stops the room. No event is delivered once Close returns, and
// in-flight authentication, dialing and retries are cancelled. Close is
// safe to call more than once and from any goroutine.
func (r *Room) Close() error {
	r.closeOnce.Do(func() {
		r.bus.Close()
		close(r.closing)
	})

	return nil
}

// Done is closed once Run has returned and released everything.
func (r *Room) Done() <-chan struct{} { return r.stopped }

// exec runs fn on the loop and waits for it to finish.
func (r *Room) exec(ctx context.Context, fn func()) error {
	c := command{fn: fn, done: make(chan struct{})}

	select {
	case r.cmds <- c:
	case <-r.closing:
		return apperrors.ErrRoomClosed
	case <-r.stopped:
		return apperrors.ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-c.done:
		return nil
	case <-r.stopped:
		return apperrors.ErrRoomClosed
	}
}

// --- presence ---

// UpdatePresence changes the local presence. It applies immediately and
// is sent to the other actors when connected.
func (r *Room) UpdatePresence(ctx context.Context, patch value.Value, mode presence.Mode) error {
	var err error

	if xerr := r.exec(ctx, func() { err = r.updatePresence(patch, mode) }); xerr != nil {
		return xerr
	}

	return err
}

// Presence returns the local actor's presence.
func (r *Room) Presence(ctx context.Context) (value.Value, error) {
	var v value.Value

	err := r.exec(ctx, func() { v = r.presence.Self().Presence })

	return v, err
}

// Others returns every other connected actor.
func (r *Room) Others(ctx context.Context) ([]presence.Entry, error) {
	var out []presence.Entry

	err := r.exec(ctx, func() { out = r.presence.Others() })

	return out, err
}

// BroadcastOptions controls Broadcast.
type BroadcastOptions struct {
	// QueueIfNotReady keeps the event until the room is synchronized
	// instead of failing.
	QueueIfNotReady bool
}

// Broadcast sends a custom event to the other actors.
func (r *Room) Broadcast(ctx context.Context, event value.Value, opts BroadcastOptions) error {
	var err error

	if xerr := r.exec(ctx, func() { err = r.broadcast(event, opts) }); xerr != nil {
		return xerr
	}

	return err
}

// --- storage ---

// Batch runs fn against a storage transaction. Every op fn issues is
// applied locally at once; if fn returns an error the whole batch is
// rolled back and nothing is sent. A successful batch is sent, and undone,
// as a unit.
func (r *Room) Batch(ctx context.Context, fn func(tx *storage.Tx) error) error {
	var err error

	if xerr := r.exec(ctx, func() { _, err = r.commitLocal(fn, true) }); xerr != nil {
		return xerr
	}

	return err
}

// mutate runs a single-op batch and returns its receipt.
func (r *Room) mutate(ctx context.Context, fn func(tx *storage.Tx) (storage.Receipt, error)) (storage.Receipt, error) {
	var receipt storage.Receipt

	err := r.Batch(ctx, func(tx *storage.Tx) error {
		var err error
		receipt, err = fn(tx)

		return err
	})

	return receipt, err
}

// CreateNode adds a map, list or record under parent. For lists slot is
// an index, for maps a key.
func (r *Room) CreateNode(ctx context.Context, parent string, slot storage.Slot, kind storage.NodeKind, init value.Value) (storage.Receipt, error) {
	return r.mutate(ctx, func(tx *storage.Tx) (storage.Receipt, error) {
		return tx.CreateNode(parent, slot, kind, init)
	})
}

func (r *Room) DeleteNode(ctx context.Context, id string) (storage.Receipt, error) {
	return r.mutate(ctx, func(tx *storage.Tx) (storage.Receipt, error) { return tx.DeleteNode(id) })
}

func (r *Room) SetMapEntry(ctx context.Context, mapID, key string, v value.Value) (storage.Receipt, error) {
	return r.mutate(ctx, func(tx *storage.Tx) (storage.Receipt, error) { return tx.SetMapEntry(mapID, key, v) })
}

func (r *Room) DeleteMapEntry(ctx context.Context, mapID, key string) (storage.Receipt, error) {
	return r.mutate(ctx, func(tx *storage.Tx) (storage.Receipt, error) { return tx.DeleteMapEntry(mapID, key) })
}

func (r *Room) InsertListItem(ctx context.Context, listID string, index int, v value.Value) (storage.Receipt, error) {
	return r.mutate(ctx, func(tx *storage.Tx) (storage.Receipt, error) { return tx.InsertListItem(listID, index, v) })
}

func (r *Room) RemoveListItem(ctx context.Context, listID string, index int) (storage.Receipt, error) {
	return r.mutate(ctx, func(tx *storage.Tx) (storage.Receipt, error) { return tx.RemoveListItem(listID, index) })
}

func (r *Room) MoveListItem(ctx context.Context, listID string, from, to int) (storage.Receipt, error) {
	return r.mutate(ctx, func(tx *storage.Tx) (storage.Receipt, error) { return tx.MoveListItem(listID, from, to) })
}

func (r *Room) SetField(ctx context.Context, recordID, field string, v value.Value) (storage.Receipt, error) {
	return r.mutate(ctx, func(tx *storage.Tx) (storage.Receipt, error) { return tx.SetField(recordID, field, v) })
}

func (r *Room) UnsetField(ctx context.Context, recordID, field string) (storage.Receipt, error) {
	return r.mutate(ctx, func(tx *storage.Tx) (storage.Receipt, error) { return tx.UnsetField(recordID, field) })
}

// Storage returns the visible document as plain JSON.
func (r *Room) Storage(ctx context.Context) (value.Value, error) {
	var (
		v      value.Value
		loaded bool
	)

	if err := r.exec(ctx, func() {
		loaded = r.doc.Loaded()
		v = r.doc.Visible().ToValue()
	}); err != nil {
		return value.Value{}, err
	}

	if !loaded {
		return value.Value{}, apperrors.ErrStorageNotLoaded
	}

	return v, nil
}

// Node describes one node of the visible document.
func (r *Room) Node(ctx context.Context, id string) (storage.NodeInfo, error) {
	var (
		info storage.NodeInfo
		ok   bool
	)

	if err := r.exec(ctx, func() { info, ok = r.doc.Visible().Node(id) }); err != nil {
		return storage.NodeInfo{}, err
	}

	if !ok {
		return storage.NodeInfo{}, fmt.Errorf("%w: %s", apperrors.ErrNodeNotFound, id)
	}

	return info, nil
}

// PendingOps returns the ids of local ops the server has not confirmed.
func (r *Room) PendingOps(ctx context.Context) ([]string, error) {
	var ids []string

	err := r.exec(ctx, func() { ids = r.doc.PendingIDs() })

	return ids, err
}

// --- history ---

// Undo reverts the most recent local batch. It reports false when there
// was nothing to undo.
func (r *Room) Undo(ctx context.Context) (bool, error) {
	return r.historyStep(ctx, r.history.Undo)
}

// Redo reapplies the most recently undone batch.
func (r *Room) Redo(ctx context.Context) (bool, error) {
	return r.historyStep(ctx, r.history.Redo)
}

func (r *Room) historyStep(ctx context.Context, step func() (bool, error)) (bool, error) {
	var (
		ok  bool
		err error
	)

	if xerr := r.exec(ctx, func() {
		if err = r.requireWrite(); err != nil {
			return
		}

		r.trackHistory(func() { ok, err = step() })
	}); xerr != nil {
		return false, xerr
	}

	return ok, err
}

func (r *Room) CanUndo(ctx context.Context) (bool, error) {
	var ok bool

	err := r.exec(ctx, func() { ok = r.history.CanUndo() })

	return ok, err
}

func (r *Room) CanRedo(ctx context.Context) (bool, error) {
	var ok bool

	err := r.exec(ctx, func() { ok = r.history.CanRedo() })

	return ok, err
}

// PauseHistory merges every following batch into one undo entry until
// ResumeHistory.
func (r *Room) PauseHistory(ctx context.Context) error {
	return r.exec(ctx, r.history.Pause)
}

func (r *Room) ResumeHistory(ctx context.Context) error {
	return r.exec(ctx, func() { r.trackHistory(r.history.Resume) })
}

// --- connection ---

// Reconnect starts a connection attempt now. It is the way out of
// StatusFailed, and skips the remaining backoff when reconnecting.
func (r *Room) Reconnect(ctx context.Context) error {
	return r.exec(ctx, func() {
		switch r.Status() {
		case StatusFailed, StatusReconnecting, StatusIdle:
			stopTimer(r.retryTimer)
			r.retryC = nil
			r.backoff.Reset()
			r.startAttempt()
		}
	})
}

// --- loop-side helpers ---

func (r *Room) updatePresence(patch value.Value, mode presence.Mode) error {
	// Passes while no token is known yet; nothing is sent before the
	// room synchronizes.
	if err := r.require(auth.PermPresenceWrite); err != nil {
		return err
	}

	p, err := r.presence.Update(patch, mode)
	if err != nil {
		return err
	}

	r.bus.Publish(events.PresenceChanged{Actor: r.presence.Self().Actor, Self: true, Presence: p})

	if r.Status() == StatusSynchronized {
		if mode == presence.Replace {
			r.sendPresence(p, true, nil)
		} else {
			r.sendPresence(patch, false, nil)
		}
	}

	return nil
}

func (r *Room) broadcast(event value.Value, opts BroadcastOptions) error {
	if r.Status() == StatusSynchronized {
		r.sendBroadcast(event)
		return nil
	}

	if opts.QueueIfNotReady {
		r.queued = append(r.queued, event)
		return nil
	}

	return fmt.Errorf("%w: room is %s", apperrors.ErrTransportFailure, r.Status())
}

// commitLocal applies fn as one local batch, queues it for the server and
// optionally records its inverse for undo.
func (r *Room) commitLocal(fn func(tx *storage.Tx) error, record bool) (storage.Batch, error) {
	if err := r.requireWrite(); err != nil {
		return storage.Batch{}, err
	}

	tx, err := r.doc.Begin()
	if err != nil {
		return storage.Batch{}, err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return storage.Batch{}, err
	}

	batch := tx.Commit()
	if len(batch.Ops) == 0 {
		return batch, nil
	}

	r.outbox = append(r.outbox, batch.Ops)
	r.flushOutbox()

	r.bus.Publish(events.StorageChanged{Nodes: batch.Changed, Local: true})

	if record {
		r.trackHistory(func() { r.history.Push(batch.Inverse) })
	}

	return batch, nil
}

// applyHistory is the history.ApplyFunc: undo and redo entries go
// through the normal local path but are not recorded again.
func (r *Room) applyHistory(ops []storage.Op) ([]storage.Op, error) {
	batch, err := r.commitLocal(func(tx *storage.Tx) error {
		for _, op := range ops {
			if _, err := tx.Apply(op); err != nil {
				return err
			}
		}

		return nil
	}, false)

	return batch.Inverse, err
}

// trackHistory runs fn and publishes a history event if undo or redo
// availability changed.
func (r *Room) trackHistory(fn func()) {
	canUndo, canRedo := r.history.CanUndo(), r.history.CanRedo()

	fn()

	if canUndo != r.history.CanUndo() || canRedo != r.history.CanRedo() {
		r.bus.Publish(events.HistoryChanged{CanUndo: r.history.CanUndo(), CanRedo: r.history.CanRedo()})
	}
}

// permissions returns what the active credentials allow. known is false
// before any token has been obtained.
func (r *Room) permissions() (perms []auth.Permission, known bool) {
	if r.scopes != nil {
		return r.scopes, true
	}

	if r.token == nil {
		return nil, false
	}

	return r.token.Permissions(r.opts.RoomID), true
}

// require gates a local mutation on perm. Before the first token arrives
// nothing is known and everything passes: storage is still refused with
// ErrStorageNotLoaded, and presence stays local until the snapshot, when
// the server's scopes apply.
func (r *Room) require(perm auth.Permission) error {
	perms, known := r.permissions()
	if !known || auth.Allows(perms, perm) {
		return nil
	}

	return fmt.Errorf("%w: %s required", apperrors.ErrPermissionDenied, perm)
}

func (r *Room) requireWrite() error {
	return r.require(auth.PermWrite)
}

func scopesToPermissions(scopes []string) []auth.Permission {
	if scopes == nil {
		return nil
	}

	out := make([]auth.Permission, len(scopes))
	for i, s := range scopes {
		out[i] = auth.Permission(s)
	}

	return out
}

func stopTimer(t *clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

func isFatalAuthError(err error) bool {
	return errors.Is(err, apperrors.ErrMalformedToken) || errors.Is(err, apperrors.ErrAuthRejected)
}
