// Package mcpserver registers MCP tools that expose one collaborative room.
// It adapts the room package to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/roomsync/internal/presence"
	"github.com/alexjbarnes/roomsync/internal/room"
	"github.com/alexjbarnes/roomsync/internal/storage"
	"github.com/alexjbarnes/roomsync/internal/value"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Room is the subset of *room.Room the tools use.
type Room interface {
	RoomID() string
	Session() string
	Status() room.Status
	Actor() int
	Presence(ctx context.Context) (value.Value, error)
	Others(ctx context.Context) ([]presence.Entry, error)
	UpdatePresence(ctx context.Context, patch value.Value, mode presence.Mode) error
	Storage(ctx context.Context) (value.Value, error)
	PendingOps(ctx context.Context) ([]string, error)
	SetMapEntry(ctx context.Context, mapID, key string, v value.Value) (storage.Receipt, error)
	Broadcast(ctx context.Context, event value.Value, opts room.BroadcastOptions) error
	Undo(ctx context.Context) (bool, error)
	Redo(ctx context.Context) (bool, error)
}

// RegisterTools adds all room tools to the given MCP server.
func RegisterTools(server *mcp.Server, r Room) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "room_status",
		Description: "Connection status of the room, the session id tagging this client's logs, the local actor number, and the number of local operations not yet confirmed by the server.",
	}, statusHandler(r))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "room_presence",
		Description: "Presence of the local user and of every other actor currently in the room.",
	}, presenceHandler(r))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "room_storage",
		Description: "The shared document as JSON, including local edits that are still pending.",
	}, storageHandler(r))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "room_update_presence",
		Description: "Update the local presence. By default the patch is merged key by key into the current presence; set replace to overwrite it.",
	}, updatePresenceHandler(r))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "room_set_map_entry",
		Description: "Set a key on a map node of the shared document. map_id defaults to the root map. Undoable.",
	}, setMapEntryHandler(r))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "room_broadcast",
		Description: "Send a transient event to every other actor in the room. Nothing is stored.",
	}, broadcastHandler(r))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "room_undo",
		Description: "Undo the most recent local change to the shared document.",
	}, undoHandler(r))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "room_redo",
		Description: "Redo the most recently undone local change.",
	}, redoHandler(r))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// PresenceInput has no parameters.
type PresenceInput struct{}

// StorageInput has no parameters.
type StorageInput struct{}

// UpdatePresenceInput holds parameters for room_update_presence.
type UpdatePresenceInput struct {
	Patch   map[string]any `json:"patch" jsonschema:"required,presence fields to set"`
	Replace bool           `json:"replace,omitempty" jsonschema:"replace the whole presence instead of merging"`
}

// SetMapEntryInput holds parameters for room_set_map_entry.
type SetMapEntryInput struct {
	MapID string `json:"map_id,omitempty" jsonschema:"map node id, defaults to the root map"`
	Key   string `json:"key" jsonschema:"required,entry key"`
	Value any    `json:"value" jsonschema:"required,JSON value to store"`
}

// BroadcastInput holds parameters for room_broadcast.
type BroadcastInput struct {
	Event any  `json:"event" jsonschema:"required,JSON event payload"`
	Queue bool `json:"queue,omitempty" jsonschema:"queue the event until the room is connected instead of failing"`
}

// HistoryInput has no parameters.
type HistoryInput struct{}

// --- Output types ---

// StatusResult is returned by room_status.
type StatusResult struct {
	Room       string `json:"room"`
	Session    string `json:"session"`
	Status     string `json:"status"`
	Actor      int    `json:"actor"`
	PendingOps int    `json:"pending_ops"`
}

// Other is one remote actor in a PresenceResult.
type Other struct {
	Actor    int    `json:"actor"`
	UserID   string `json:"user_id,omitempty"`
	Info     any    `json:"info,omitempty"`
	Presence any    `json:"presence"`
}

// PresenceResult is returned by room_presence.
type PresenceResult struct {
	Self   any     `json:"self"`
	Others []Other `json:"others"`
}

// StorageResult is returned by room_storage.
type StorageResult struct {
	Document any `json:"document"`
}

// UpdatePresenceResult is returned by room_update_presence.
type UpdatePresenceResult struct {
	Presence any `json:"presence"`
}

// SetMapEntryResult is returned by room_set_map_entry.
type SetMapEntryResult struct {
	OpID    string `json:"op_id,omitempty"`
	Applied bool   `json:"applied"`
}

// BroadcastResult is returned by room_broadcast.
type BroadcastResult struct {
	Sent bool `json:"sent"`
}

// HistoryResult is returned by room_undo and room_redo.
type HistoryResult struct {
	Applied bool `json:"applied"`
}

// --- Handlers ---

func statusHandler(r Room) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		pending, err := r.PendingOps(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &StatusResult{
			Room:       r.RoomID(),
			Session:    r.Session(),
			Status:     r.Status().String(),
			Actor:      r.Actor(),
			PendingOps: len(pending),
		}

		return textResult(result), result, nil
	}
}

func presenceHandler(r Room) mcp.ToolHandlerFor[PresenceInput, *PresenceResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ PresenceInput) (*mcp.CallToolResult, *PresenceResult, error) {
		self, err := r.Presence(ctx)
		if err != nil {
			return nil, nil, err
		}

		others, err := r.Others(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &PresenceResult{Self: self.Interface(), Others: make([]Other, 0, len(others))}
		for _, o := range others {
			result.Others = append(result.Others, Other{
				Actor:    o.Actor,
				UserID:   o.User.ID,
				Info:     o.User.Info.Interface(),
				Presence: o.Presence.Interface(),
			})
		}

		return textResult(result), result, nil
	}
}

func storageHandler(r Room) mcp.ToolHandlerFor[StorageInput, *StorageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ StorageInput) (*mcp.CallToolResult, *StorageResult, error) {
		doc, err := r.Storage(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &StorageResult{Document: doc.Interface()}

		return textResult(result), result, nil
	}
}

func updatePresenceHandler(r Room) mcp.ToolHandlerFor[UpdatePresenceInput, *UpdatePresenceResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input UpdatePresenceInput) (*mcp.CallToolResult, *UpdatePresenceResult, error) {
		patch, err := value.FromAny(input.Patch)
		if err != nil {
			return nil, nil, err
		}

		mode := presence.Merge
		if input.Replace {
			mode = presence.Replace
		}

		if err := r.UpdatePresence(ctx, patch, mode); err != nil {
			return nil, nil, err
		}

		cur, err := r.Presence(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &UpdatePresenceResult{Presence: cur.Interface()}

		return textResult(result), result, nil
	}
}

func setMapEntryHandler(r Room) mcp.ToolHandlerFor[SetMapEntryInput, *SetMapEntryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SetMapEntryInput) (*mcp.CallToolResult, *SetMapEntryResult, error) {
		if input.Key == "" {
			return nil, nil, fmt.Errorf("key is required")
		}

		v, err := value.FromAny(input.Value)
		if err != nil {
			return nil, nil, err
		}

		mapID := input.MapID
		if mapID == "" {
			mapID = storage.RootID
		}

		receipt, err := r.SetMapEntry(ctx, mapID, input.Key, v)
		if err != nil {
			return nil, nil, err
		}

		result := &SetMapEntryResult{OpID: receipt.OpID, Applied: receipt.OpID != ""}

		return textResult(result), result, nil
	}
}

func broadcastHandler(r Room) mcp.ToolHandlerFor[BroadcastInput, *BroadcastResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input BroadcastInput) (*mcp.CallToolResult, *BroadcastResult, error) {
		event, err := value.FromAny(input.Event)
		if err != nil {
			return nil, nil, err
		}

		if err := r.Broadcast(ctx, event, room.BroadcastOptions{QueueIfNotReady: input.Queue}); err != nil {
			return nil, nil, err
		}

		result := &BroadcastResult{Sent: true}

		return textResult(result), result, nil
	}
}

func undoHandler(r Room) mcp.ToolHandlerFor[HistoryInput, *HistoryResult] {
	return historyHandler(r.Undo)
}

func redoHandler(r Room) mcp.ToolHandlerFor[HistoryInput, *HistoryResult] {
	return historyHandler(r.Redo)
}

func historyHandler(step func(context.Context) (bool, error)) mcp.ToolHandlerFor[HistoryInput, *HistoryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ HistoryInput) (*mcp.CallToolResult, *HistoryResult, error) {
		ok, err := step(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &HistoryResult{Applied: ok}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
