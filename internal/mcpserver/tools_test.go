package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/presence"
	"github.com/alexjbarnes/roomsync/internal/room"
	"github.com/alexjbarnes/roomsync/internal/storage"
	"github.com/alexjbarnes/roomsync/internal/value"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRoom is an in-memory Room. Storage is a flat root map.
type fakeRoom struct {
	status     room.Status
	self       *presence.Store
	doc        value.Value
	pending    []string
	undo       []value.Value
	redo       []value.Value
	broadcasts []value.Value
	readOnly   bool
}

func newFakeRoom(t *testing.T) *fakeRoom {
	t.Helper()

	s, err := presence.NewStore(value.Null())
	require.NoError(t, err)

	s.SetSelf(3, presence.User{ID: "me"})
	s.Join(5, presence.User{ID: "bob", Info: value.MustFromAny(map[string]any{"name": "Bob"})})
	s.ApplyRemote(5, value.MustFromAny(map[string]any{"cursor": 10}), true)

	return &fakeRoom{status: room.StatusSynchronized, self: s, doc: value.Object(nil)}
}

func (f *fakeRoom) RoomID() string { return "design-review" }
func (f *fakeRoom) Session() string { return "session-1" }
func (f *fakeRoom) Status() room.Status { return f.status }
func (f *fakeRoom) Actor() int { return 3 }

func (f *fakeRoom) Presence(context.Context) (value.Value, error) {
	return f.self.Self().Presence, nil
}

func (f *fakeRoom) Others(context.Context) ([]presence.Entry, error) {
	return f.self.Others(), nil
}

func (f *fakeRoom) UpdatePresence(_ context.Context, patch value.Value, mode presence.Mode) error {
	if f.readOnly {
		return apperrors.ErrPermissionDenied
	}

	_, err := f.self.Update(patch, mode)

	return err
}

func (f *fakeRoom) Storage(context.Context) (value.Value, error) { return f.doc, nil }

func (f *fakeRoom) PendingOps(context.Context) ([]string, error) { return f.pending, nil }

func (f *fakeRoom) SetMapEntry(_ context.Context, mapID, key string, v value.Value) (storage.Receipt, error) {
	if f.readOnly {
		return storage.Receipt{}, apperrors.ErrPermissionDenied
	}

	if mapID != storage.RootID {
		return storage.Receipt{}, nil
	}

	f.undo = append(f.undo, f.doc)
	f.redo = nil
	f.doc = f.doc.With(key, v)
	f.pending = append(f.pending, "op-"+key)

	return storage.Receipt{OpID: "op-" + key, NodeID: mapID}, nil
}

func (f *fakeRoom) Broadcast(_ context.Context, event value.Value, opts room.BroadcastOptions) error {
	if f.status != room.StatusSynchronized && !opts.QueueIfNotReady {
		return apperrors.ErrTransportFailure
	}

	f.broadcasts = append(f.broadcasts, event)

	return nil
}

func (f *fakeRoom) Undo(context.Context) (bool, error) {
	if len(f.undo) == 0 {
		return false, nil
	}

	f.redo = append(f.redo, f.doc)
	f.doc = f.undo[len(f.undo)-1]
	f.undo = f.undo[:len(f.undo)-1]

	return true, nil
}

func (f *fakeRoom) Redo(context.Context) (bool, error) {
	if len(f.redo) == 0 {
		return false, nil
	}

	f.undo = append(f.undo, f.doc)
	f.doc = f.redo[len(f.redo)-1]
	f.redo = f.redo[:len(f.redo)-1]

	return true, nil
}

// testSetup registers tools for a fake room on an MCP server and returns
// a connected client session for calling tools.
func testSetup(t *testing.T) (*mcp.ClientSession, *fakeRoom) {
	t.Helper()

	r := newFakeRoom(t)

	server := mcp.NewServer(
		&mcp.Implementation{Name: "roomsync-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, r)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session, r
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

func TestListTools(t *testing.T) {
	session, _ := testSetup(t)

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}

	assert.ElementsMatch(t, []string{
		"room_status", "room_presence", "room_storage", "room_update_presence",
		"room_set_map_entry", "room_broadcast", "room_undo", "room_redo",
	}, names)
}

// --- room_status ---

func TestStatus(t *testing.T) {
	session, r := testSetup(t)
	r.pending = []string{"a", "b"}

	result := callTool(t, session, "room_status", nil)
	assert.False(t, result.IsError)

	var out StatusResult
	extractJSON(t, result, &out)
	assert.Equal(t, "design-review", out.Room)
	assert.Equal(t, "session-1", out.Session)
	assert.Equal(t, "synchronized", out.Status)
	assert.Equal(t, 3, out.Actor)
	assert.Equal(t, 2, out.PendingOps)
}

// --- room_presence ---

func TestPresence(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "room_presence", nil)
	assert.False(t, result.IsError)

	var out PresenceResult
	extractJSON(t, result, &out)
	assert.Equal(t, map[string]any{}, out.Self)
	require.Len(t, out.Others, 1)
	assert.Equal(t, 5, out.Others[0].Actor)
	assert.Equal(t, "bob", out.Others[0].UserID)
	assert.Equal(t, map[string]any{"name": "Bob"}, out.Others[0].Info)
	assert.Equal(t, map[string]any{"cursor": float64(10)}, out.Others[0].Presence)
}

func TestUpdatePresence_MergeThenReplace(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "room_update_presence", map[string]any{
		"patch": map[string]any{"cursor": map[string]any{"x": 1}},
	})
	assert.False(t, result.IsError)

	result = callTool(t, session, "room_update_presence", map[string]any{
		"patch": map[string]any{"status": "typing"},
	})

	var out UpdatePresenceResult
	extractJSON(t, result, &out)
	assert.Equal(t, map[string]any{"cursor": map[string]any{"x": float64(1)}, "status": "typing"}, out.Presence)

	result = callTool(t, session, "room_update_presence", map[string]any{
		"patch":   map[string]any{"status": "idle"},
		"replace": true,
	})
	extractJSON(t, result, &out)
	assert.Equal(t, map[string]any{"status": "idle"}, out.Presence)
}

func TestUpdatePresence_PermissionDenied(t *testing.T) {
	session, r := testSetup(t)
	r.readOnly = true

	result := callTool(t, session, "room_update_presence", map[string]any{
		"patch": map[string]any{"x": 1},
	})
	// Errors from ToolHandlerFor are returned as tool errors (IsError=true),
	// not as protocol-level errors.
	assert.True(t, result.IsError)
}

// --- room_storage / room_set_map_entry ---

func TestSetMapEntry_AndStorage(t *testing.T) {
	session, r := testSetup(t)

	result := callTool(t, session, "room_set_map_entry", map[string]any{
		"key":   "title",
		"value": "Q3 plan",
	})
	assert.False(t, result.IsError)

	var set SetMapEntryResult
	extractJSON(t, result, &set)
	assert.True(t, set.Applied)
	assert.Equal(t, "op-title", set.OpID)

	result = callTool(t, session, "room_storage", nil)
	var out StorageResult
	extractJSON(t, result, &out)
	assert.Equal(t, map[string]any{"title": "Q3 plan"}, out.Document)
	assert.Equal(t, `{"title":"Q3 plan"}`, r.doc.String())
}

func TestSetMapEntry_StructuredValue(t *testing.T) {
	session, r := testSetup(t)

	result := callTool(t, session, "room_set_map_entry", map[string]any{
		"key":   "meta",
		"value": map[string]any{"tags": []any{"a", "b"}, "draft": true},
	})
	assert.False(t, result.IsError)
	assert.Equal(t, `{"meta":{"draft":true,"tags":["a","b"]}}`, r.doc.String())
}

func TestSetMapEntry_UnknownMapIsNoop(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "room_set_map_entry", map[string]any{
		"map_id": "01HZX",
		"key":    "k",
		"value":  1,
	})
	assert.False(t, result.IsError)

	var out SetMapEntryResult
	extractJSON(t, result, &out)
	assert.False(t, out.Applied)
}

func TestSetMapEntry_ReadOnly(t *testing.T) {
	session, r := testSetup(t)
	r.readOnly = true

	result := callTool(t, session, "room_set_map_entry", map[string]any{"key": "k", "value": 1})
	assert.True(t, result.IsError)
}

// --- room_broadcast ---

func TestBroadcast(t *testing.T) {
	session, r := testSetup(t)

	result := callTool(t, session, "room_broadcast", map[string]any{
		"event": map[string]any{"emoji": "tada"},
	})
	assert.False(t, result.IsError)
	require.Len(t, r.broadcasts, 1)
	assert.Equal(t, `{"emoji":"tada"}`, r.broadcasts[0].String())
}

func TestBroadcast_NotConnected(t *testing.T) {
	session, r := testSetup(t)
	r.status = room.StatusReconnecting

	result := callTool(t, session, "room_broadcast", map[string]any{"event": "ping"})
	assert.True(t, result.IsError)

	result = callTool(t, session, "room_broadcast", map[string]any{"event": "ping", "queue": true})
	assert.False(t, result.IsError)
	assert.Len(t, r.broadcasts, 1)
}

// --- room_undo / room_redo ---

func TestUndoRedo(t *testing.T) {
	session, r := testSetup(t)

	var out HistoryResult

	result := callTool(t, session, "room_undo", nil)
	extractJSON(t, result, &out)
	assert.False(t, out.Applied, "nothing to undo")

	callTool(t, session, "room_set_map_entry", map[string]any{"key": "k", "value": 1})

	result = callTool(t, session, "room_undo", nil)
	extractJSON(t, result, &out)
	assert.True(t, out.Applied)
	assert.Equal(t, "{}", r.doc.String())

	result = callTool(t, session, "room_redo", nil)
	extractJSON(t, result, &out)
	assert.True(t, out.Applied)
	assert.Equal(t, `{"k":1}`, r.doc.String())
}

func TestTextResult_Unmarshalable(t *testing.T) {
	result := textResult(map[string]any{"ch": make(chan int)})
	assert.True(t, result.IsError)
}
