package storage

import (
	"sort"

	"github.com/alexjbarnes/roomsync/internal/value"
)

type node struct {
	id     string
	kind   NodeKind
	parent string
	key    string
	seq    int64

	items    []*node                // list children in (key, seq, id) order
	children map[string]*node       // map children by key
	entries  map[string]value.Value // map scalar entries by key
	data     value.Value            // record payload
}

func newNode(id string, kind NodeKind, parent, key string, seq int64) *node {
	n := &node{id: id, kind: kind, parent: parent, key: key, seq: seq}
	if kind == KindMap {
		n.children = make(map[string]*node)
		n.entries = make(map[string]value.Value)
	}

	return n
}

// before orders list children: position first, then the sequence number
// that placed them, then id.
func before(a, b *node) bool {
	if a.key != b.key {
		return a.key < b.key
	}

	if a.seq != b.seq {
		return a.seq < b.seq
	}

	return a.id < b.id
}

func (n *node) insertItem(c *node) {
	i := sort.Search(len(n.items), func(i int) bool { return before(c, n.items[i]) })
	n.items = append(n.items, nil)
	copy(n.items[i+1:], n.items[i:])
	n.items[i] = c
}

func (n *node) removeItem(c *node) {
	for i, it := range n.items {
		if it == c {
			n.items = append(n.items[:i], n.items[i+1:]...)
			return
		}
	}
}

func (n *node) payload() value.Value {
	switch n.kind {
	case KindMap:
		return value.Object(n.entries)
	case KindRecord:
		return n.data
	}

	return value.Null()
}

// Result describes the effect of one applied op.
type Result struct {
	// Inverse undoes the op when applied in order.
	Inverse []Op
	// Changed lists the ids of nodes whose content changed.
	Changed []string
}

// Tree is one replica of the document. It is not safe for concurrent use.
type Tree struct {
	nodes map[string]*node
}

// NewTree returns a tree holding only an empty root map.
func NewTree() *Tree {
	return &Tree{nodes: map[string]*node{RootID: newNode(RootID, KindMap, "", "", 0)}}
}

// Has reports whether a node exists.
func (t *Tree) Has(id string) bool {
	_, ok := t.nodes[id]
	return ok
}

// Len returns the number of nodes including the root.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Empty reports whether the root holds nothing.
func (t *Tree) Empty() bool {
	root := t.nodes[RootID]
	return len(root.children) == 0 && len(root.entries) == 0
}

// Apply performs op with the given server sequence number. Targets that
// do not exist yield ErrNodeNotFound and leave the tree unchanged.
// Creating a node that already exists is a no-op.
func (t *Tree) Apply(op Op, seq int64) (Result, error) {
	if err := op.Validate(); err != nil {
		return Result{}, err
	}

	switch op.Type {
	case OpCreateNode:
		return t.create(op, op.Kind, seq)
	case OpInsertListItem:
		return t.create(op, KindRecord, seq)
	case OpDeleteNode:
		return t.deleteNode(op, false)
	case OpRemoveListItem:
		return t.deleteNode(op, true)
	case OpSetMapEntry:
		return t.setMapEntry(op)
	case OpDeleteMapEntry:
		return t.deleteMapEntry(op)
	case OpMoveListItem:
		return t.move(op, seq)
	case OpSetField:
		return t.setField(op)
	}

	return Result{}, invalidf("unknown op type %q", op.Type)
}

func (t *Tree) create(op Op, kind NodeKind, seq int64) (Result, error) {
	if t.Has(op.Node) {
		return Result{}, nil
	}

	parent, ok := t.nodes[op.Parent]
	if !ok {
		return Result{}, notFound(op.Parent)
	}

	n := newNode(op.Node, kind, parent.id, op.Key, seq)

	switch kind {
	case KindMap:
		switch op.Value.Kind() {
		case value.KindNull:
		case value.KindObject:
			n.entries = op.Value.Fields()
		default:
			return Result{}, invalidf("map %s: initial value must be an object", op.Node)
		}
	case KindRecord:
		n.data = op.Value
	case KindList:
		if !op.Value.IsNull() {
			return Result{}, invalidf("list %s: initial value must be null", op.Node)
		}
	}

	inverse := []Op{{Type: OpDeleteNode, Node: n.id}}
	if op.Type == OpInsertListItem {
		inverse[0] = Op{Type: OpRemoveListItem, Node: n.id, Parent: parent.id}
	}

	switch parent.kind {
	case KindList:
		if !validPosition(op.Key) {
			return Result{}, invalidf("list %s: invalid position %q", parent.id, op.Key)
		}

		parent.insertItem(n)
	case KindMap:
		if op.Type == OpInsertListItem {
			return Result{}, invalidf("insert_list_item: %s is not a list", parent.id)
		}

		if restore, had := t.detach(parent, op.Key); had {
			inverse = append(inverse, restore...)
		}

		parent.children[op.Key] = n
	default:
		return Result{}, invalidf("%s %s cannot hold children", parent.kind, parent.id)
	}

	t.nodes[n.id] = n

	return Result{Inverse: inverse, Changed: []string{parent.id}}, nil
}

func (t *Tree) deleteNode(op Op, listOnly bool) (Result, error) {
	n, ok := t.nodes[op.Node]
	if !ok {
		return Result{}, notFound(op.Node)
	}

	if n.id == RootID {
		return Result{}, invalidf("the root cannot be deleted")
	}

	parent := t.nodes[n.parent]

	if listOnly {
		if parent.kind != KindList || (op.Parent != "" && op.Parent != parent.id) {
			return Result{}, invalidf("remove_list_item: %s is not an item of %s", n.id, op.Parent)
		}
	}

	restore := t.subtreeOps(n)

	switch parent.kind {
	case KindList:
		parent.removeItem(n)
	case KindMap:
		delete(parent.children, n.key)
	}

	t.drop(n)

	return Result{Inverse: restore, Changed: []string{parent.id}}, nil
}

func (t *Tree) setMapEntry(op Op) (Result, error) {
	m, err := t.mapNode(op.Node)
	if err != nil {
		return Result{}, err
	}

	restore, had := t.detach(m, op.Key)
	if !had {
		restore = []Op{{Type: OpDeleteMapEntry, Node: m.id, Key: op.Key}}
	}

	m.entries[op.Key] = op.Value

	return Result{Inverse: restore, Changed: []string{m.id}}, nil
}

func (t *Tree) deleteMapEntry(op Op) (Result, error) {
	m, err := t.mapNode(op.Node)
	if err != nil {
		return Result{}, err
	}

	restore, had := t.detach(m, op.Key)
	if !had {
		return Result{}, nil
	}

	return Result{Inverse: restore, Changed: []string{m.id}}, nil
}

func (t *Tree) move(op Op, seq int64) (Result, error) {
	n, ok := t.nodes[op.Node]
	if !ok {
		return Result{}, notFound(op.Node)
	}

	parent := t.nodes[n.parent]
	if parent == nil || parent.kind != KindList || parent.id != op.Parent {
		return Result{}, invalidf("move_list_item: %s is not an item of %s", n.id, op.Parent)
	}

	if n.key == op.Key {
		return Result{}, nil
	}

	inverse := []Op{{Type: OpMoveListItem, Node: n.id, Parent: parent.id, Key: n.key}}

	parent.removeItem(n)
	n.key = op.Key
	n.seq = seq
	parent.insertItem(n)

	return Result{Inverse: inverse, Changed: []string{parent.id}}, nil
}

func (t *Tree) setField(op Op) (Result, error) {
	n, ok := t.nodes[op.Node]
	if !ok {
		return Result{}, notFound(op.Node)
	}

	if n.kind != KindRecord {
		return Result{}, invalidf("set_field: %s is a %s, not a record", n.id, n.kind)
	}

	if !n.data.IsNull() && !n.data.IsObject() {
		return Result{}, invalidf("set_field: record %s holds a %s", n.id, n.data.Kind())
	}

	old, had := n.data.Get(op.Key)

	var inverse Op
	if had {
		inverse = Op{Type: OpSetField, Node: n.id, Key: op.Key, Value: old}
	} else {
		inverse = Op{Type: OpSetField, Node: n.id, Key: op.Key, Unset: true}
	}

	if op.Unset {
		if !had {
			return Result{}, nil
		}

		n.data = n.data.Without(op.Key)
	} else {
		n.data = n.data.With(op.Key, op.Value)
	}

	return Result{Inverse: []Op{inverse}, Changed: []string{n.id}}, nil
}

func (t *Tree) mapNode(id string) (*node, error) {
	m, ok := t.nodes[id]
	if !ok {
		return nil, notFound(id)
	}

	if m.kind != KindMap {
		return nil, invalidf("%s is a %s, not a map", id, m.kind)
	}

	return m, nil
}

// detach clears key in map m and returns the ops that restore what was
// there.
func (t *Tree) detach(m *node, key string) ([]Op, bool) {
	if c, ok := m.children[key]; ok {
		restore := t.subtreeOps(c)
		delete(m.children, key)
		t.drop(c)

		return restore, true
	}

	if v, ok := m.entries[key]; ok {
		delete(m.entries, key)
		return []Op{{Type: OpSetMapEntry, Node: m.id, Key: key, Value: v}}, true
	}

	return nil, false
}

// subtreeOps returns create ops rebuilding n and its descendants, parents
// first.
func (t *Tree) subtreeOps(n *node) []Op {
	var ops []Op

	t.walk(n, func(c *node) {
		ops = append(ops, Op{
			Type:   OpCreateNode,
			Node:   c.id,
			Parent: c.parent,
			Key:    c.key,
			Kind:   c.kind,
			Value:  c.payload(),
		})
	})

	return ops
}

// walk visits n and its descendants in preorder: list items in list order,
// map children in key order.
func (t *Tree) walk(n *node, fn func(*node)) {
	fn(n)

	switch n.kind {
	case KindList:
		for _, c := range n.items {
			t.walk(c, fn)
		}
	case KindMap:
		for _, k := range sortedKeys(n.children) {
			t.walk(n.children[k], fn)
		}
	}
}

func (t *Tree) drop(n *node) {
	t.walk(n, func(c *node) { delete(t.nodes, c.id) })
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Clone returns a deep copy.
func (t *Tree) Clone() *Tree {
	out := &Tree{nodes: make(map[string]*node, len(t.nodes))}
	out.nodes[RootID] = out.cloneNode(t.nodes[RootID])

	return out
}

func (t *Tree) cloneNode(n *node) *node {
	c := newNode(n.id, n.kind, n.parent, n.key, n.seq)
	c.data = n.data

	switch n.kind {
	case KindList:
		c.items = make([]*node, len(n.items))
		for i, it := range n.items {
			c.items[i] = t.cloneNode(it)
		}
	case KindMap:
		for k, v := range n.entries {
			c.entries[k] = v
		}

		for k, ch := range n.children {
			c.children[k] = t.cloneNode(ch)
		}
	}

	t.nodes[c.id] = c

	return c
}

// ToValue materializes the document as plain JSON: maps become objects,
// lists arrays and records their payload.
func (t *Tree) ToValue() value.Value {
	return materialize(t.nodes[RootID])
}

func materialize(n *node) value.Value {
	switch n.kind {
	case KindList:
		items := make([]value.Value, len(n.items))
		for i, c := range n.items {
			items[i] = materialize(c)
		}

		return value.Array(items...)
	case KindMap:
		obj := make(map[string]value.Value, len(n.entries)+len(n.children))
		for k, v := range n.entries {
			obj[k] = v
		}

		for k, c := range n.children {
			obj[k] = materialize(c)
		}

		return value.Object(obj)
	}

	return n.data
}

// NodeInfo describes one node.
type NodeInfo struct {
	ID       string      `json:"id"`
	Kind     NodeKind    `json:"kind"`
	Parent   string      `json:"parent,omitempty"`
	Key      string      `json:"key,omitempty"`
	Children []string    `json:"children,omitempty"`
	Value    value.Value `json:"value"`
}

// Node returns a node with its child ids (list order, or map key order)
// and materialized value.
func (t *Tree) Node(id string) (NodeInfo, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}

	info := NodeInfo{ID: n.id, Kind: n.kind, Parent: n.parent, Key: n.key, Value: materialize(n)}

	switch n.kind {
	case KindList:
		for _, c := range n.items {
			info.Children = append(info.Children, c.id)
		}
	case KindMap:
		for _, k := range sortedKeys(n.children) {
			info.Children = append(info.Children, n.children[k].id)
		}
	}

	return info, true
}

// Child returns the id of the node stored under key in map id.
func (t *Tree) Child(id, key string) (string, bool) {
	n, ok := t.nodes[id]
	if !ok || n.kind != KindMap {
		return "", false
	}

	c, ok := n.children[key]
	if !ok {
		return "", false
	}

	return c.id, true
}

// positionFor returns a position that places a new item at index among
// items. When the neighbours share a position (concurrent inserts), the
// new item goes after the whole tied group.
func positionFor(items []*node, index int) string {
	lo := ""
	if index > 0 {
		lo = items[index-1].key
	}

	hi := ""
	for i := index; i < len(items); i++ {
		if items[i].key > lo {
			hi = items[i].key
			break
		}
	}

	return Between(lo, hi)
}
