// Package storage implements the replicated document: a tree of map, list
// and record nodes rooted at a map with id "root". Every mutation is an
// Op. The server sequences ops; the Document keeps a confirmed tree in
// server order plus a queue of local ops that are replayed on top of it.
package storage

import (
	"fmt"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/value"
	"github.com/oklog/ulid/v2"
)

// RootID is the id of the root map node.
const RootID = "root"

// NodeKind is the type of a tree node.
type NodeKind string

const (
	KindMap    NodeKind = "map"
	KindList   NodeKind = "list"
	KindRecord NodeKind = "record"
)

func (k NodeKind) valid() bool {
	switch k {
	case KindMap, KindList, KindRecord:
		return true
	}

	return false
}

// OpType names a mutation.
type OpType string

const (
	OpCreateNode     OpType = "create_node"
	OpDeleteNode     OpType = "delete_node"
	OpSetMapEntry    OpType = "set_map_entry"
	OpDeleteMapEntry OpType = "delete_map_entry"
	OpInsertListItem OpType = "insert_list_item"
	OpRemoveListItem OpType = "remove_list_item"
	OpMoveListItem   OpType = "move_list_item"
	OpSetField       OpType = "set_field"
)

// Op is one replicated mutation. Field use per type:
//
//	create_node       Node (new id), Parent, Key (map key or list position), Kind, Value (initial payload)
//	delete_node       Node
//	set_map_entry     Node (map), Key, Value
//	delete_map_entry  Node (map), Key
//	insert_list_item  Node (new record id), Parent (list), Key (position), Value
//	remove_list_item  Node (item), Parent (list)
//	move_list_item    Node (item), Parent (list), Key (new position)
//	set_field         Node (record), Key (field), Value or Unset
type Op struct {
	ID     string      `json:"id"`
	Type   OpType      `json:"type"`
	Node   string      `json:"node"`
	Parent string      `json:"parent,omitempty"`
	Key    string      `json:"key,omitempty"`
	Kind   NodeKind    `json:"kind,omitempty"`
	Value  value.Value `json:"value"`
	Unset  bool        `json:"unset,omitempty"`
}

// NewID returns a fresh lexically sortable id for ops and nodes.
func NewID() string {
	return ulid.Make().String()
}

// Validate checks the op shape without looking at any tree.
func (op Op) Validate() error {
	if op.Node == "" {
		return invalidf("%s: node id is required", op.Type)
	}

	switch op.Type {
	case OpCreateNode:
		if op.Parent == "" {
			return invalidf("create_node: parent is required")
		}

		if !op.Kind.valid() {
			return invalidf("create_node: unknown kind %q", op.Kind)
		}

		if op.Key == "" {
			return invalidf("create_node: key is required")
		}
	case OpDeleteNode:
		if op.Node == RootID {
			return invalidf("delete_node: the root cannot be deleted")
		}
	case OpSetMapEntry, OpDeleteMapEntry, OpSetField:
		if op.Key == "" {
			return invalidf("%s: key is required", op.Type)
		}
	case OpInsertListItem, OpMoveListItem:
		if op.Parent == "" {
			return invalidf("%s: parent is required", op.Type)
		}

		if !validPosition(op.Key) {
			return invalidf("%s: invalid position %q", op.Type, op.Key)
		}
	case OpRemoveListItem:
		if op.Parent == "" {
			return invalidf("remove_list_item: parent is required")
		}
	default:
		return invalidf("unknown op type %q", op.Type)
	}

	return nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrInvalidOperation, fmt.Sprintf(format, args...))
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", apperrors.ErrNodeNotFound, id)
}

// OpIDs returns the ids of ops in order.
func OpIDs(ops []Op) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}

	return ids
}
