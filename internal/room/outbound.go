package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/protocol"
	"github.com/alexjbarnes/roomsync/internal/storage"
	"github.com/alexjbarnes/roomsync/internal/value"
	"github.com/coder/websocket"
)

// writeFrame marshals v to JSON and writes it as a text frame.
func writeFrame(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

// send writes one frame on the current connection. A failed write drops
// the connection. Only called from the loop.
func (r *Room) send(v any) bool {
	if r.conn == nil {
		return false
	}

	if err := writeFrame(r.connCtx, r.conn, v); err != nil {
		r.teardown(fmt.Errorf("%w: %v", apperrors.ErrTransportFailure, err))
		return false
	}

	return true
}

// flushOutbox sends every pending batch not yet written on this
// connection, in commit order. Nothing is sent before the snapshot has
// reconciled the pending queue.
func (r *Room) flushOutbox() {
	if r.Status() != StatusSynchronized {
		return
	}

	for _, batch := range r.outbox {
		var unsent []storage.Op

		for _, op := range batch {
			if !r.sent[op.ID] {
				unsent = append(unsent, op)
			}
		}

		if len(unsent) == 0 {
			continue
		}

		if !r.send(protocol.NewSubmitOps(unsent)) {
			return
		}

		for _, op := range unsent {
			r.sent[op.ID] = true
		}

		r.logger.Debug("ops submitted", slog.Int("ops", len(unsent)), slog.String("op_id", unsent[0].ID))
	}
}

func (r *Room) sendPresence(data value.Value, full bool, target *int) {
	if r.Status() != StatusSynchronized {
		return
	}

	r.send(protocol.NewPresenceUpdate(data, full, target))
}

func (r *Room) sendBroadcast(event value.Value) {
	r.send(protocol.NewBroadcastEvent(event))
}

// flushBroadcasts sends events queued while the room was not ready.
func (r *Room) flushBroadcasts() {
	queued := r.queued
	r.queued = nil

	for i, event := range queued {
		if r.Status() != StatusSynchronized {
			r.queued = append(r.queued, queued[i:]...)
			return
		}

		r.sendBroadcast(event)
	}
}

func msToDuration(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}

	return time.Duration(ms) * time.Millisecond
}
