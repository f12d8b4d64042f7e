// Package protocol defines the JSON frames exchanged with the collaboration
// backend. Every frame is an object with a "type" field.
package protocol

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/storage"
	"github.com/alexjbarnes/roomsync/internal/value"
	"github.com/tidwall/gjson"
)

// Frame types. Presence and broadcast travel in both directions.
const (
	TypeAuth        = "auth"
	TypeSyncRequest = "sync_request"
	TypeSubmitOps   = "submit_ops"
	TypePresence    = "presence"
	TypeBroadcast   = "broadcast"
	TypePing        = "ping"

	TypeAuthOK      = "auth_ok"
	TypeAuthError   = "auth_error"
	TypeSnapshot    = "snapshot"
	TypeOps         = "ops"
	TypeOpsRejected = "ops_rejected"
	TypeActorJoined = "actor_joined"
	TypeActorLeft   = "actor_left"
	TypeError       = "error"
	TypeClose       = "close"
	TypePong        = "pong"
)

// Auth error kinds sent by the server.
const (
	AuthErrorMalformed = "malformed_token"
	AuthErrorExpired   = "token_expired"
	AuthErrorForbidden = "forbidden"
)

// --- client -> server ---

// Auth carries the room token. It opens every connection and is sent
// again whenever the token is refreshed.
type Auth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// SyncRequest asks for a snapshot. Pending lists local op ids not yet
// confirmed so the server can report which of them it already applied.
type SyncRequest struct {
	Type    string   `json:"type"`
	Since   int64    `json:"since"`
	Pending []string `json:"pending,omitempty"`
}

// SubmitOps sends one local batch. The server applies it atomically and
// echoes it back under a single sequence number.
type SubmitOps struct {
	Type string       `json:"type"`
	Ops  []storage.Op `json:"ops"`
}

// PresenceUpdate sends local presence, either the full object or a patch.
// Target restricts delivery to one actor.
type PresenceUpdate struct {
	Type   string      `json:"type"`
	Data   value.Value `json:"data"`
	Full   bool        `json:"full,omitempty"`
	Target *int        `json:"target,omitempty"`
}

// BroadcastEvent sends a custom room event to the other actors.
type BroadcastEvent struct {
	Type  string      `json:"type"`
	Event value.Value `json:"event"`
}

// Ping keeps an idle connection alive.
type Ping struct {
	Type string `json:"type"`
}

func NewAuth(token string) Auth { return Auth{Type: TypeAuth, Token: token} }

func NewSyncRequest(since int64, pending []string) SyncRequest {
	return SyncRequest{Type: TypeSyncRequest, Since: since, Pending: pending}
}

func NewSubmitOps(ops []storage.Op) SubmitOps { return SubmitOps{Type: TypeSubmitOps, Ops: ops} }

func NewPresenceUpdate(data value.Value, full bool, target *int) PresenceUpdate {
	return PresenceUpdate{Type: TypePresence, Data: data, Full: full, Target: target}
}

func NewBroadcastEvent(event value.Value) BroadcastEvent {
	return BroadcastEvent{Type: TypeBroadcast, Event: event}
}

func NewPing() Ping { return Ping{Type: TypePing} }

// --- server -> client ---

// User describes a connected actor.
type User struct {
	ID     string      `json:"id,omitempty"`
	Info   value.Value `json:"info"`
	Scopes []string    `json:"scopes,omitempty"`
}

type AuthOK struct {
	Actor  int         `json:"actor"`
	Scopes []string    `json:"scopes,omitempty"`
	ID     string      `json:"id,omitempty"`
	Info   value.Value `json:"info"`
}

type AuthError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Snapshot is the full room state sent once per synchronization.
type Snapshot struct {
	Seq      int64                    `json:"seq"`
	Presence map[int]value.Value      `json:"presence"`
	Users    map[int]User             `json:"users"`
	Storage  []storage.SerializedNode `json:"storage"`
	Acked    []string                 `json:"acked,omitempty"`
}

// Ops is a server-sequenced batch from one actor.
type Ops struct {
	Seq   int64        `json:"seq"`
	Actor int          `json:"actor"`
	Ops   []storage.Op `json:"ops"`
}

type OpsRejected struct {
	OpIDs  []string `json:"op_ids"`
	Reason string   `json:"reason"`
}

// RemotePresence is another actor's presence, full or partial.
type RemotePresence struct {
	Actor int         `json:"actor"`
	Data  value.Value `json:"data"`
	Full  bool        `json:"full,omitempty"`
}

type ActorJoined struct {
	Actor  int         `json:"actor"`
	ID     string      `json:"id,omitempty"`
	Info   value.Value `json:"info"`
	Scopes []string    `json:"scopes,omitempty"`
}

type ActorLeft struct {
	Actor int `json:"actor"`
}

type RemoteBroadcast struct {
	Actor int         `json:"actor"`
	Event value.Value `json:"event"`
}

// Error is a non-fatal server error.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Close announces that the server is closing the connection.
// RetryAfterMS is a hint for the next reconnect attempt.
type Close struct {
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
}

type Pong struct{}

// PeekType returns the "type" field of a frame without decoding it.
func PeekType(data []byte) string {
	return gjson.GetBytes(data, "type").Str
}

// Decode parses an inbound frame into one of the server message structs
// above. Unknown types and undecodable or invalid frames fail with
// ErrProtocolViolation.
func Decode(data []byte) (any, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: frame is not JSON", apperrors.ErrProtocolViolation)
	}

	typ := PeekType(data)

	var msg any

	switch typ {
	case TypeAuthOK:
		msg = &AuthOK{}
	case TypeAuthError:
		msg = &AuthError{}
	case TypeSnapshot:
		msg = &Snapshot{}
	case TypeOps:
		msg = &Ops{}
	case TypeOpsRejected:
		msg = &OpsRejected{}
	case TypePresence:
		msg = &RemotePresence{}
	case TypeActorJoined:
		msg = &ActorJoined{}
	case TypeActorLeft:
		msg = &ActorLeft{}
	case TypeBroadcast:
		msg = &RemoteBroadcast{}
	case TypeError:
		msg = &Error{}
	case TypeClose:
		msg = &Close{}
	case TypePong:
		return &Pong{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", apperrors.ErrProtocolViolation, typ)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", apperrors.ErrProtocolViolation, typ, err)
	}

	if err := validate(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrProtocolViolation, typ, err)
	}

	return msg, nil
}

func validate(msg any) error {
	switch m := msg.(type) {
	case *Ops:
		if m.Seq <= 0 {
			return fmt.Errorf("seq must be positive")
		}

		for _, op := range m.Ops {
			if op.ID == "" {
				return fmt.Errorf("op without id")
			}
		}
	case *Snapshot:
		if m.Seq < 0 {
			return fmt.Errorf("seq must not be negative")
		}
	case *RemotePresence:
		if !m.Data.IsNull() && !m.Data.IsObject() {
			return fmt.Errorf("presence data must be an object")
		}
	}

	return nil
}
