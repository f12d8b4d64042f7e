package room

import (
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/events"
	"github.com/alexjbarnes/roomsync/internal/presence"
	"github.com/alexjbarnes/roomsync/internal/protocol"
	"github.com/alexjbarnes/roomsync/internal/storage"
	"github.com/coder/websocket"
)

// handleInbound processes one message from the reader goroutine.
func (r *Room) handleInbound(msg inboundMsg) {
	if msg.conn != r.conn {
		return
	}

	if msg.err != nil {
		r.teardown(fmt.Errorf("%w: reading frame: %v", apperrors.ErrTransportFailure, msg.err))
		return
	}

	r.lastMessage = r.clock.Now()

	if msg.typ == websocket.MessageBinary {
		r.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
		return
	}

	frame, err := protocol.Decode(msg.data)
	if err != nil {
		r.protocolViolation(err)
		return
	}

	r.violations = 0

	switch m := frame.(type) {
	case *protocol.Snapshot:
		r.onSnapshot(m)
	case *protocol.Ops:
		r.onOps(m)
	case *protocol.OpsRejected:
		r.onOpsRejected(m)
	case *protocol.RemotePresence:
		r.onPresence(m)
	case *protocol.ActorJoined:
		r.onJoined(m)
	case *protocol.ActorLeft:
		r.onLeft(m)
	case *protocol.RemoteBroadcast:
		r.bus.Publish(events.BroadcastReceived{Actor: m.Actor, Event: m.Event})
	case *protocol.Error:
		r.logger.Warn("server error", slog.String("kind", m.Kind), slog.String("message", m.Message))
		r.bus.Publish(events.Error{Code: m.Kind, Message: m.Message})
	case *protocol.Close:
		r.retryAfter = msToDuration(m.RetryAfterMS)
		r.teardown(fmt.Errorf("%w: server closed the connection", apperrors.ErrTransportFailure))
	case *protocol.AuthOK:
		// Reply to a token refresh.
		r.scopes = scopesToPermissions(m.Scopes)
	case *protocol.AuthError:
		r.authFailed(authError(m))
	case *protocol.Pong:
	}
}

// protocolViolation logs and discards a bad frame. Several in a row drop
// the connection.
func (r *Room) protocolViolation(err error) {
	r.violations++

	r.logger.Warn("discarding frame",
		slog.String("error", err.Error()),
		slog.Int("violations", r.violations),
	)
	r.bus.Publish(events.Error{Code: "protocol_violation", Message: err.Error(), Err: err})

	if r.violations >= maxProtocolViolations {
		r.teardown(fmt.Errorf("%d protocol violations in a row: %w", r.violations, err))
	}
}

func (r *Room) onSnapshot(m *protocol.Snapshot) {
	first := !r.doc.Loaded()
	before := r.doc.Visible().ToValue()

	change, err := r.doc.Load(storage.Snapshot{Seq: m.Seq, Nodes: m.Storage, Acked: m.Acked})
	if err != nil {
		r.protocolViolation(fmt.Errorf("%w: snapshot: %v", apperrors.ErrProtocolViolation, err))
		return
	}

	r.pruneOutbox()

	if len(change.Acked) > 0 {
		r.logger.Debug("server already applied pending ops", slog.Int("ops", len(change.Acked)))
	}

	r.logDropped(change.Dropped)

	after := r.doc.Visible().ToValue()
	if first || !before.Equal(after) {
		if !first {
			r.logger.Debug("document changed while disconnected",
				slog.Int64("seq", m.Seq),
				slog.String("diff", storage.DivergenceReport(before, after)),
			)
		}

		r.bus.Publish(events.StorageChanged{Nodes: change.Changed})
	}

	diff := r.presence.Reset(m.Presence, usersFromProtocol(m.Users))
	r.publishOthers(diff)

	r.synchronized()

	if !r.seeded {
		r.seeded = true
		r.seedStorage()
	}

	self := r.presence.Self().Presence
	r.sendPresence(self, true, nil)
	r.flushOutbox()
	r.flushBroadcasts()
}

// publishOthers emits join, presence and leave events for a presence
// reset.
func (r *Room) publishOthers(diff presence.Diff) {
	for _, actor := range diff.Left {
		r.bus.Publish(events.OthersChanged{Change: events.Left, Actor: actor})
	}

	for _, actor := range diff.Joined {
		for _, e := range r.presence.Others() {
			if e.Actor != actor {
				continue
			}

			r.bus.Publish(events.OthersChanged{Change: events.Entered, Actor: actor, UserID: e.User.ID, Info: e.User.Info})

			if e.Presence.Len() > 0 {
				r.bus.Publish(events.PresenceChanged{Actor: actor, Presence: e.Presence})
			}
		}
	}

	for _, actor := range diff.Updated {
		if p, ok := r.presence.Get(actor); ok {
			r.bus.Publish(events.PresenceChanged{Actor: actor, Presence: p})
		}
	}
}

// seedStorage fills an empty document from InitialStorage. Seeds are not
// undoable.
func (r *Room) seedStorage() {
	seeds := r.opts.InitialStorage
	if seeds.Len() == 0 || !r.doc.Visible().Empty() {
		return
	}

	if _, err := r.commitLocal(func(tx *storage.Tx) error {
		for _, key := range seeds.Keys() {
			v, _ := seeds.Get(key)
			if _, err := tx.SetMapEntry(storage.RootID, key, v); err != nil {
				return err
			}
		}

		return nil
	}, false); err != nil {
		r.logger.Warn("seeding storage failed", slog.String("error", err.Error()))
		return
	}

	r.logger.Info("seeded empty storage", slog.Int("keys", seeds.Len()))
}

func (r *Room) onOps(m *protocol.Ops) {
	change, err := r.doc.ApplyRemote(m.Seq, m.Ops)
	if errors.Is(err, apperrors.ErrStorageNotLoaded) {
		r.logger.Debug("ops before snapshot, ignored", slog.Int64("seq", m.Seq))
		return
	}

	if err != nil {
		r.protocolViolation(err)
		return
	}

	r.pruneOutbox()
	r.logDropped(change.Dropped)

	if len(change.Changed) > 0 || len(change.Dropped) > 0 {
		nodes := change.Changed
		if len(nodes) == 0 {
			nodes = []string{storage.RootID}
		}

		r.bus.Publish(events.StorageChanged{Nodes: nodes})
	}
}

func (r *Room) onOpsRejected(m *protocol.OpsRejected) {
	removed := r.doc.Reject(m.OpIDs)
	r.pruneOutbox()

	r.logger.Warn("ops rejected", slog.Int("ops", len(removed)), slog.String("reason", m.Reason))
	r.bus.Publish(events.Error{Code: "ops_rejected", Message: m.Reason})

	if len(removed) > 0 {
		r.bus.Publish(events.StorageChanged{Nodes: []string{storage.RootID}})
	}
}

func (r *Room) onPresence(m *protocol.RemotePresence) {
	e, changed := r.presence.ApplyRemote(m.Actor, m.Data, m.Full)
	if changed {
		r.bus.Publish(events.PresenceChanged{Actor: e.Actor, Presence: e.Presence})
	}
}

func (r *Room) onJoined(m *protocol.ActorJoined) {
	if !r.presence.Join(m.Actor, presence.User{ID: m.ID, Info: m.Info, Scopes: m.Scopes}) {
		return
	}

	r.bus.Publish(events.OthersChanged{Change: events.Entered, Actor: m.Actor, UserID: m.ID, Info: m.Info})

	// The newcomer's snapshot may predate our latest presence.
	target := m.Actor
	r.sendPresence(r.presence.Self().Presence, true, &target)
}

func (r *Room) onLeft(m *protocol.ActorLeft) {
	e, ok := r.presence.Leave(m.Actor)
	if !ok {
		return
	}

	r.bus.Publish(events.OthersChanged{Change: events.Left, Actor: e.Actor, UserID: e.User.ID, Info: e.User.Info})
}

// pruneOutbox drops ops from the outbox that are no longer pending:
// confirmed, rejected or dropped.
func (r *Room) pruneOutbox() {
	pending := make(map[string]bool)
	for _, id := range r.doc.PendingIDs() {
		pending[id] = true
	}

	kept := r.outbox[:0]

	for _, batch := range r.outbox {
		var ops []storage.Op

		for _, op := range batch {
			if pending[op.ID] {
				ops = append(ops, op)
			}
		}

		if len(ops) > 0 {
			kept = append(kept, ops)
		}
	}

	r.outbox = kept
}

func (r *Room) logDropped(ids []string) {
	for _, id := range ids {
		r.logger.Debug("pending op no longer applies, dropped", slog.String("op_id", id))
	}
}

func usersFromProtocol(in map[int]protocol.User) map[int]presence.User {
	out := make(map[int]presence.User, len(in))
	for actor, u := range in {
		out[actor] = presence.User{ID: u.ID, Info: u.Info, Scopes: u.Scopes}
	}

	return out
}
