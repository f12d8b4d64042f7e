package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/roomsync/internal/auth"
	"github.com/alexjbarnes/roomsync/internal/mcpserver"
	"github.com/alexjbarnes/roomsync/internal/protocol"
	"github.com/alexjbarnes/roomsync/internal/room"
	"github.com/alexjbarnes/roomsync/internal/server"
	"github.com/alexjbarnes/roomsync/internal/storage"
	"github.com/alexjbarnes/roomsync/internal/value"
	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testRoom      = "e2e-room"
	testPublicKey = "pk_e2e"
	testAPIKey    = "rs_e2e0123456789abcdef0123456789ab"
)

// harness holds the full e2e stack: a websocket collaboration backend
// and a token endpoint on one real HTTP server.
type harness struct {
	URL     string
	Backend *backend
	Client  *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	b := newBackend()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth", handleAuth)
	mux.HandleFunc("/v1/room", b.serveWS)

	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		b.closeAll()
		ts.Close()
	})

	return &harness{URL: ts.URL, Backend: b, Client: ts.Client()}
}

// handleAuth issues a one-hour legacy token with write access to the
// requested room.
func handleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Room         string `json:"room"`
		PublicAPIKey string `json:"publicApiKey"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if req.PublicAPIKey != testPublicKey {
		http.Error(w, "unknown public key", http.StatusForbidden)
		return
	}

	now := time.Now()

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"k":      "sec-legacy",
		"iat":    now.Unix(),
		"exp":    now.Add(time.Hour).Unix(),
		"roomId": req.Room,
		"scopes": []string{"room:write"},
		"id":     "e2e-user",
	}).SignedString([]byte("e2e-secret"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": raw})
}

// startRoom joins testRoom through the harness and runs it until the
// test ends.
func (h *harness) startRoom(t *testing.T, publicKey string) *room.Room {
	t.Helper()

	tokens := auth.NewManager(auth.NewHTTPAuthenticator(h.URL+"/auth", publicKey, h.Client), slog.New(slog.DiscardHandler))

	r, err := room.New(room.Options{
		RoomID:       testRoom,
		URL:          "ws" + strings.TrimPrefix(h.URL, "http") + "/v1/room",
		Tokens:       tokens,
		ReconnectMin: 50 * time.Millisecond,
		ReconnectMax: 500 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	t.Cleanup(func() {
		_ = r.Close()
		cancel()
		<-done
	})

	return r
}

func waitStatus(t *testing.T, r *room.Room, want room.Status) {
	t.Helper()

	require.Eventually(t, func() bool { return r.Status() == want }, 5*time.Second, 10*time.Millisecond,
		"room status %s, want %s", r.Status(), want)
}

func waitStorage(t *testing.T, r *room.Room, want string) {
	t.Helper()

	require.Eventually(t, func() bool {
		doc, err := r.Storage(context.Background())
		return err == nil && doc.String() == want
	}, 5*time.Second, 10*time.Millisecond)
}

// mcpSession serves the MCP tools for r behind the bearer middleware and
// returns a session authenticated with key.
func mcpSession(t *testing.T, r *room.Room, key string) (*mcp.ClientSession, string) {
	t.Helper()

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "roomsync-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, r)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		APIKeyHash: hash,
		MCPHandler: mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpServer }, nil),
		Room:       r,
		Logger:     slog.New(slog.DiscardHandler),
	}))
	t.Cleanup(ts.Close)

	transport := &mcp.StreamableClientTransport{
		Endpoint: ts.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  ts.Client().Transport,
			},
		},
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-test-client", Version: "test"}, nil)

	session, err := client.Connect(t.Context(), transport, nil)
	if err != nil {
		return nil, ts.URL
	}

	t.Cleanup(func() { _ = session.Close() })

	return session, ts.URL
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// extractTextContent returns the first text content of a tool result.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")

	return tc.Text
}

// --- websocket backend ---

type backendClient struct {
	actor  int
	conn   *websocket.Conn
	synced bool
}

// backend is a single-room sequencer speaking the room protocol over
// real websockets.
type backend struct {
	mu        sync.Mutex
	tree      *storage.Tree
	seq       int64
	nextActor int
	clients   map[int]*backendClient
	applied   map[string]bool
	presence  map[int]value.Value
	users     map[int]protocol.User
}

func newBackend() *backend {
	return &backend{
		tree:     storage.NewTree(),
		clients:  make(map[int]*backendClient),
		applied:  make(map[string]bool),
		presence: make(map[int]value.Value),
		users:    make(map[int]protocol.User),
	}
}

func (b *backend) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}

	var req protocol.Auth
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	tok, err := auth.ParseToken(req.Token)
	if err != nil {
		writeJSON(conn, map[string]string{"type": protocol.TypeAuthError, "kind": protocol.AuthErrorMalformed, "message": err.Error()})
		return
	}

	scopes := make([]string, len(tok.Scopes))
	for i, p := range tok.Scopes {
		scopes[i] = string(p)
	}

	b.mu.Lock()
	b.nextActor++
	c := &backendClient{actor: b.nextActor, conn: conn}
	b.clients[c.actor] = c
	b.users[c.actor] = protocol.User{ID: tok.UserID, Info: tok.Info, Scopes: scopes}
	writeJSON(conn, map[string]any{"type": protocol.TypeAuthOK, "actor": c.actor, "id": tok.UserID, "scopes": scopes})
	b.mu.Unlock()

	defer b.disconnect(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		b.handle(c, data)
	}
}

func (b *backend) handle(c *backendClient, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch protocol.PeekType(data) {
	case protocol.TypeSyncRequest:
		var req protocol.SyncRequest
		_ = json.Unmarshal(data, &req)

		var acked []string

		for _, id := range req.Pending {
			if b.applied[id] {
				acked = append(acked, id)
			}
		}

		presence := make(map[int]value.Value)
		users := make(map[int]protocol.User)

		for actor, other := range b.clients {
			if other.synced && actor != c.actor {
				users[actor] = b.users[actor]
				if p, ok := b.presence[actor]; ok {
					presence[actor] = p
				}
			}
		}

		writeJSON(c.conn, map[string]any{
			"type": protocol.TypeSnapshot, "seq": b.seq, "presence": presence,
			"users": users, "storage": b.tree.Serialize(), "acked": acked,
		})

		if !c.synced {
			c.synced = true
			u := b.users[c.actor]
			b.relay(c.actor, nil, map[string]any{"type": protocol.TypeActorJoined, "actor": c.actor, "id": u.ID, "scopes": u.Scopes})
		}

	case protocol.TypeSubmitOps:
		var req protocol.SubmitOps
		_ = json.Unmarshal(data, &req)

		var fresh []storage.Op

		for _, op := range req.Ops {
			if !b.applied[op.ID] {
				fresh = append(fresh, op)
			}
		}

		if len(fresh) == 0 {
			return
		}

		b.seq++

		for _, op := range fresh {
			b.applied[op.ID] = true
			_, _ = b.tree.Apply(op, b.seq)
		}

		frame := map[string]any{"type": protocol.TypeOps, "seq": b.seq, "actor": c.actor, "ops": fresh}
		for _, other := range b.clients {
			if other.synced {
				writeJSON(other.conn, frame)
			}
		}

	case protocol.TypePresence:
		var req protocol.PresenceUpdate
		_ = json.Unmarshal(data, &req)

		cur := b.presence[c.actor]
		if req.Full || !cur.IsObject() {
			cur = req.Data
		} else {
			for _, k := range req.Data.Keys() {
				f, _ := req.Data.Get(k)
				cur = cur.With(k, f)
			}
		}

		b.presence[c.actor] = cur
		b.relay(c.actor, req.Target, map[string]any{"type": protocol.TypePresence, "actor": c.actor, "data": req.Data, "full": req.Full})

	case protocol.TypeBroadcast:
		var req protocol.BroadcastEvent
		_ = json.Unmarshal(data, &req)
		b.relay(c.actor, nil, map[string]any{"type": protocol.TypeBroadcast, "actor": c.actor, "event": req.Event})

	case protocol.TypePing:
		writeJSON(c.conn, map[string]string{"type": protocol.TypePong})
	}
}

func (b *backend) relay(from int, target *int, frame any) {
	for actor, c := range b.clients {
		if actor == from || !c.synced || (target != nil && *target != actor) {
			continue
		}

		writeJSON(c.conn, frame)
	}
}

func (b *backend) disconnect(c *backendClient) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.clients, c.actor)
	delete(b.presence, c.actor)
	delete(b.users, c.actor)

	if c.synced {
		b.relay(c.actor, nil, map[string]any{"type": protocol.TypeActorLeft, "actor": c.actor})
	}
}

// dropAll closes every client connection without stopping the server.
func (b *backend) dropAll() {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for _, c := range b.clients {
		conns = append(conns, c.conn)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "restart")
	}
}

func (b *backend) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.clients {
		_ = c.conn.CloseNow()
	}
}

func (b *backend) document() value.Value {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.tree.ToValue()
}

func writeJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = conn.Write(ctx, websocket.MessageText, data)
}
