package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/alexjbarnes/roomsync/internal/auth"
	"github.com/alexjbarnes/roomsync/internal/protocol"
	"github.com/alexjbarnes/roomsync/internal/storage"
	"github.com/alexjbarnes/roomsync/internal/value"
	"github.com/coder/websocket"
)

var errPipeClosed = errors.New("pipe closed")

// pipeConn is one end of an in-memory frame pipe. It satisfies wsConn.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	peer   *pipeConn
}

func newPipe() (client, server *pipeConn) {
	c2s := make(chan []byte, 256)
	s2c := make(chan []byte, 256)

	client = &pipeConn{in: s2c, out: c2s, closed: make(chan struct{})}
	server = &pipeConn{in: c2s, out: s2c, closed: make(chan struct{})}
	client.peer, server.peer = server, client

	return client, server
}

func (p *pipeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	// Frames written before the peer closed are still delivered.
	select {
	case data := <-p.in:
		return websocket.MessageText, data, nil
	default:
	}

	select {
	case data := <-p.in:
		return websocket.MessageText, data, nil
	case <-p.closed:
		return 0, nil, errPipeClosed
	case <-p.peer.closed:
		return 0, nil, errPipeClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (p *pipeConn) Write(ctx context.Context, _ websocket.MessageType, data []byte) error {
	select {
	case <-p.closed:
		return errPipeClosed
	case <-p.peer.closed:
		return errPipeClosed
	default:
	}

	select {
	case p.out <- append([]byte(nil), data...):
		return nil
	case <-p.closed:
		return errPipeClosed
	case <-p.peer.closed:
		return errPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close(websocket.StatusCode, string) error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) SetReadLimit(int64) {}

type serverClient struct {
	actor  int
	conn   *pipeConn
	synced bool
}

type heldBatch struct {
	actor int
	ops   []storage.Op
}

// fakeServer is an in-process collaboration backend: it authenticates by
// parsing the token, sequences submitted ops into its own tree, dedupes
// them by op id and relays presence and broadcasts.
type fakeServer struct {
	t *testing.T

	mu        sync.Mutex
	wg        sync.WaitGroup
	tree      *storage.Tree
	seq       int64
	nextActor int
	clients   map[int]*serverClient
	applied   map[string]bool
	submitted map[string]int
	presence  map[int]value.Value
	users     map[int]protocol.User
	dials     int

	down           bool
	held           bool
	heldOps        []heldBatch
	authErrors     []string
	dropAfterApply bool
	mutePongs      bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	return &fakeServer{
		t:         t,
		tree:      storage.NewTree(),
		clients:   make(map[int]*serverClient),
		applied:   make(map[string]bool),
		submitted: make(map[string]int),
		presence:  make(map[int]value.Value),
		users:     make(map[int]protocol.User),
	}
}

func (s *fakeServer) dial(_ context.Context, _ string) (wsConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials++

	if s.down {
		return nil, errors.New("connection refused")
	}

	client, server := newPipe()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.serve(server)
	}()

	return client, nil
}

func (s *fakeServer) write(conn *pipeConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.t.Errorf("fake server marshal: %v", err)
		return
	}

	_ = conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *fakeServer) serve(conn *pipeConn) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := context.Background()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}

	var req protocol.Auth
	if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.TypeAuth {
		return
	}

	tok, err := auth.ParseToken(req.Token)
	if err != nil {
		s.write(conn, map[string]string{"type": protocol.TypeAuthError, "kind": protocol.AuthErrorMalformed, "message": err.Error()})
		return
	}

	s.mu.Lock()
	if len(s.authErrors) > 0 {
		kind := s.authErrors[0]
		s.authErrors = s.authErrors[1:]
		s.mu.Unlock()
		s.write(conn, map[string]string{"type": protocol.TypeAuthError, "kind": kind, "message": "refused"})

		return
	}

	s.nextActor++
	c := &serverClient{actor: s.nextActor, conn: conn}
	s.clients[c.actor] = c

	scopes := make([]string, len(tok.Scopes))
	for i, p := range tok.Scopes {
		scopes[i] = string(p)
	}

	s.users[c.actor] = protocol.User{ID: tok.UserID, Info: tok.Info, Scopes: scopes}
	s.write(conn, map[string]any{"type": protocol.TypeAuthOK, "actor": c.actor, "id": tok.UserID, "scopes": scopes})
	s.mu.Unlock()

	defer s.disconnect(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		s.handle(c, data)
	}
}

func (s *fakeServer) handle(c *serverClient, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch protocol.PeekType(data) {
	case protocol.TypeSyncRequest:
		var req protocol.SyncRequest
		_ = json.Unmarshal(data, &req)
		s.sendSnapshot(c, req.Pending)

		if !c.synced {
			c.synced = true
			u := s.users[c.actor]
			s.relay(c.actor, nil, map[string]any{"type": protocol.TypeActorJoined, "actor": c.actor, "id": u.ID, "info": u.Info, "scopes": u.Scopes})
		}

	case protocol.TypeSubmitOps:
		var req protocol.SubmitOps
		_ = json.Unmarshal(data, &req)

		for _, op := range req.Ops {
			s.submitted[op.ID]++
		}

		if s.held {
			s.heldOps = append(s.heldOps, heldBatch{actor: c.actor, ops: req.Ops})
			return
		}

		if s.dropAfterApply {
			s.dropAfterApply = false
			s.sequenceLocked(c.actor, req.Ops, c.actor)
			c.conn.Close(websocket.StatusGoingAway, "")

			return
		}

		s.sequenceLocked(c.actor, req.Ops, 0)

	case protocol.TypePresence:
		var req protocol.PresenceUpdate
		_ = json.Unmarshal(data, &req)

		cur := s.presence[c.actor]
		if req.Full || !cur.IsObject() {
			cur = value.Object(req.Data.Fields())
		} else {
			for _, k := range req.Data.Keys() {
				f, _ := req.Data.Get(k)
				cur = cur.With(k, f)
			}
		}

		s.presence[c.actor] = cur
		s.relay(c.actor, req.Target, map[string]any{"type": protocol.TypePresence, "actor": c.actor, "data": req.Data, "full": req.Full})

	case protocol.TypeBroadcast:
		var req protocol.BroadcastEvent
		_ = json.Unmarshal(data, &req)
		s.relay(c.actor, nil, map[string]any{"type": protocol.TypeBroadcast, "actor": c.actor, "event": req.Event})

	case protocol.TypePing:
		if !s.mutePongs {
			s.write(c.conn, map[string]string{"type": protocol.TypePong})
		}
	}
}

// sequenceLocked applies ops not seen before under the next sequence
// number and sends them to every synchronized client except skip.
func (s *fakeServer) sequenceLocked(actor int, ops []storage.Op, skip int) {
	var fresh []storage.Op

	for _, op := range ops {
		if s.applied[op.ID] {
			continue
		}

		fresh = append(fresh, op)
	}

	if len(fresh) == 0 {
		return
	}

	s.seq++

	for _, op := range fresh {
		s.applied[op.ID] = true
		_, _ = s.tree.Apply(op, s.seq)
	}

	frame := map[string]any{"type": protocol.TypeOps, "seq": s.seq, "actor": actor, "ops": fresh}

	for _, c := range s.clients {
		if c.synced && c.actor != skip {
			s.write(c.conn, frame)
		}
	}
}

func (s *fakeServer) sendSnapshot(c *serverClient, pending []string) {
	var acked []string

	for _, id := range pending {
		if s.applied[id] {
			acked = append(acked, id)
		}
	}

	presence := make(map[int]value.Value)
	users := make(map[int]protocol.User)

	for actor, other := range s.clients {
		if !other.synced || actor == c.actor {
			continue
		}

		users[actor] = s.users[actor]
		if p, ok := s.presence[actor]; ok {
			presence[actor] = p
		}
	}

	s.write(c.conn, map[string]any{
		"type":     protocol.TypeSnapshot,
		"seq":      s.seq,
		"presence": presence,
		"users":    users,
		"storage":  s.tree.Serialize(),
		"acked":    acked,
	})
}

// relay sends frame to target, or to every other synchronized client.
func (s *fakeServer) relay(from int, target *int, frame any) {
	for actor, c := range s.clients {
		if actor == from || !c.synced {
			continue
		}

		if target != nil && *target != actor {
			continue
		}

		s.write(c.conn, frame)
	}
}

func (s *fakeServer) disconnect(c *serverClient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clients[c.actor] != c {
		return
	}

	delete(s.clients, c.actor)
	delete(s.presence, c.actor)
	delete(s.users, c.actor)

	if c.synced {
		s.relay(c.actor, nil, map[string]any{"type": protocol.TypeActorLeft, "actor": c.actor})
	}
}

// --- test controls ---

func (s *fakeServer) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// dropAll closes every server-side connection.
func (s *fakeServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		c.conn.Close(websocket.StatusGoingAway, "")
	}
}

func (s *fakeServer) hold() {
	s.mu.Lock()
	s.held = true
	s.mu.Unlock()
}

// release sequences held batches in arrival order.
func (s *fakeServer) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.held = false
	for _, b := range s.heldOps {
		s.sequenceLocked(b.actor, b.ops, 0)
	}

	s.heldOps = nil
}

func (s *fakeServer) rejectAuth(kinds ...string) {
	s.mu.Lock()
	s.authErrors = append(s.authErrors, kinds...)
	s.mu.Unlock()
}

func (s *fakeServer) dropNextSubmitAfterApply() {
	s.mu.Lock()
	s.dropAfterApply = true
	s.mu.Unlock()
}

func (s *fakeServer) muteHeartbeat(mute bool) {
	s.mu.Lock()
	s.mutePongs = mute
	s.mu.Unlock()
}

// sendRaw writes data verbatim to actor's connection.
func (s *fakeServer) sendRaw(actor int, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[actor]; ok {
		_ = c.conn.Write(context.Background(), websocket.MessageText, []byte(data))
	}
}

func (s *fakeServer) send(actor int, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[actor]; ok {
		s.write(c.conn, v)
	}
}

func (s *fakeServer) submissions() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.submitted))
	for id, n := range s.submitted {
		out[id] = n
	}

	return out
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dials
}

func (s *fakeServer) document() value.Value {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tree.ToValue()
}

// shutdown refuses new connections, drops existing ones and waits for
// every serving goroutine to exit.
func (s *fakeServer) shutdown() {
	s.setDown(true)
	s.dropAll()
	s.wg.Wait()
}
