package storage

import (
	"errors"
	"math"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/value"
)

// pendingSeq places unconfirmed nodes after confirmed ones that share a
// list position.
const pendingSeq = math.MaxInt64

// Snapshot is the full confirmed state sent by the server on every
// synchronization. Acked lists ids of this client's ops already included.
type Snapshot struct {
	Seq   int64            `json:"seq"`
	Nodes []SerializedNode `json:"nodes"`
	Acked []string         `json:"acked,omitempty"`
}

// Batch is a committed group of local ops.
type Batch struct {
	Ops     []Op
	Inverse []Op
	Changed []string
}

// Change reports the effect of inbound server state.
type Change struct {
	// Changed lists node ids touched by other actors' ops.
	Changed []string
	// Acked lists local op ids the server confirmed.
	Acked []string
	// Dropped lists local op ids discarded because their targets are gone.
	Dropped []string
}

// Document is the local replica: the confirmed tree in server order, the
// ordered queue of local ops not yet confirmed, and the visible tree the
// caller reads (confirmed plus pending replayed on top).
type Document struct {
	confirmed *Tree
	visible   *Tree
	pending   []Op
	seq       int64
	loaded    bool
}

// NewDocument returns an unloaded document with an empty root.
func NewDocument() *Document {
	return &Document{confirmed: NewTree(), visible: NewTree()}
}

// Loaded reports whether a snapshot has been applied.
func (d *Document) Loaded() bool { return d.loaded }

// Seq returns the last server sequence number applied.
func (d *Document) Seq() int64 { return d.seq }

// Visible returns the tree callers read. It must not be mutated.
func (d *Document) Visible() *Tree { return d.visible }

// Confirmed returns the server-ordered tree. It must not be mutated.
func (d *Document) Confirmed() *Tree { return d.confirmed }

// Pending returns a copy of the unconfirmed local ops in local order.
func (d *Document) Pending() []Op {
	return append([]Op(nil), d.pending...)
}

// PendingIDs returns the ids of unconfirmed local ops.
func (d *Document) PendingIDs() []string {
	return OpIDs(d.pending)
}

// Load replaces the confirmed tree with a snapshot, drops pending ops the
// server already applied, and replays the rest. Pending ops whose targets
// no longer exist are dropped.
func (d *Document) Load(s Snapshot) (Change, error) {
	tree, err := FromSerialized(s.Nodes)
	if err != nil {
		return Change{}, err
	}

	acked := make(map[string]bool, len(s.Acked))
	for _, id := range s.Acked {
		acked[id] = true
	}

	var change Change

	kept := d.pending[:0]

	for _, op := range d.pending {
		if acked[op.ID] {
			change.Acked = append(change.Acked, op.ID)
			continue
		}

		kept = append(kept, op)
	}

	d.pending = kept
	d.confirmed = tree
	d.seq = s.Seq
	d.loaded = true
	change.Dropped = d.rebuild()
	change.Changed = []string{RootID}

	return change, nil
}

// ApplyRemote applies a server-sequenced group of ops. Sequence numbers at
// or below the last applied one are ignored, so redelivery is harmless.
// Ops carrying ids of pending local ops acknowledge them.
func (d *Document) ApplyRemote(seq int64, ops []Op) (Change, error) {
	if !d.loaded {
		return Change{}, apperrors.ErrStorageNotLoaded
	}

	if seq <= d.seq {
		return Change{}, nil
	}

	pendingIdx := make(map[string]bool, len(d.pending))
	for _, op := range d.pending {
		pendingIdx[op.ID] = true
	}

	var change Change

	// With nothing pending the visible tree equals the confirmed one and
	// can take the same ops directly.
	direct := len(d.pending) == 0

	for _, op := range ops {
		res, err := d.confirmed.Apply(op, seq)
		if direct {
			_, _ = d.visible.Apply(op, seq)
		}

		if pendingIdx[op.ID] {
			change.Acked = append(change.Acked, op.ID)
			continue
		}

		if err == nil {
			change.Changed = append(change.Changed, res.Changed...)
		}
	}

	d.seq = seq
	change.Changed = dedupe(change.Changed)

	if direct {
		return change, nil
	}

	if len(change.Acked) > 0 {
		ackedSet := make(map[string]bool, len(change.Acked))
		for _, id := range change.Acked {
			ackedSet[id] = true
		}

		kept := d.pending[:0]

		for _, op := range d.pending {
			if !ackedSet[op.ID] {
				kept = append(kept, op)
			}
		}

		d.pending = kept
	}

	change.Dropped = d.rebuild()

	return change, nil
}

// Reject rolls back pending ops the server refused. Unknown ids are
// ignored.
func (d *Document) Reject(ids []string) []string {
	reject := make(map[string]bool, len(ids))
	for _, id := range ids {
		reject[id] = true
	}

	var removed []string

	kept := d.pending[:0]

	for _, op := range d.pending {
		if reject[op.ID] {
			removed = append(removed, op.ID)
			continue
		}

		kept = append(kept, op)
	}

	d.pending = kept

	if len(removed) > 0 {
		d.rebuild()
	}

	return removed
}

// rebuild recomputes the visible tree from the confirmed tree and the
// pending queue, dropping ops that no longer apply.
func (d *Document) rebuild() []string {
	d.visible = d.confirmed.Clone()

	var dropped []string

	kept := d.pending[:0]

	for _, op := range d.pending {
		if _, err := d.visible.Apply(op, pendingSeq); err != nil {
			dropped = append(dropped, op.ID)
			continue
		}

		kept = append(kept, op)
	}

	d.pending = kept

	return dropped
}

// Begin starts a local batch. Ops apply to the visible tree as they are
// added; Commit queues them and Rollback restores the previous view.
func (d *Document) Begin() (*Tx, error) {
	if !d.loaded {
		return nil, apperrors.ErrStorageNotLoaded
	}

	return &Tx{doc: d}, nil
}

// Receipt identifies what a Tx call produced. Both ids are empty when the
// call was a benign no-op, such as a target deleted by another actor.
type Receipt struct {
	OpID   string `json:"op_id,omitempty"`
	NodeID string `json:"node_id,omitempty"`
}

// Slot addresses a child position: Key in a map parent, Index in a list
// parent.
type Slot struct {
	Key   string
	Index int
}

// AtKey addresses a map key.
func AtKey(key string) Slot { return Slot{Key: key} }

// AtIndex addresses a list index; len(list) appends.
func AtIndex(i int) Slot { return Slot{Index: i} }

// Tx is an open local batch. It is not safe for concurrent use and must be
// finished with Commit or Rollback.
type Tx struct {
	doc     *Document
	ops     []Op
	inverse [][]Op
	changed []string
	done    bool
}

// Apply adds op to the batch with a fresh op id. A target that no longer
// exists yields an empty Receipt and no error.
func (tx *Tx) Apply(op Op) (Receipt, error) {
	if tx.done {
		return Receipt{}, invalidf("transaction already finished")
	}

	op.ID = NewID()

	res, err := tx.doc.visible.Apply(op, pendingSeq)
	if errors.Is(err, apperrors.ErrNodeNotFound) {
		return Receipt{}, nil
	}

	if err != nil {
		return Receipt{}, err
	}

	if res.Inverse == nil && res.Changed == nil {
		return Receipt{}, nil
	}

	tx.ops = append(tx.ops, op)
	tx.inverse = append(tx.inverse, res.Inverse)
	tx.changed = append(tx.changed, res.Changed...)

	return Receipt{OpID: op.ID, NodeID: op.Node}, nil
}

// CreateNode adds an empty map or list, or a record holding init, at slot
// in parent.
func (tx *Tx) CreateNode(parent string, slot Slot, kind NodeKind, init value.Value) (Receipt, error) {
	p, ok := tx.doc.visible.nodes[parent]
	if !ok {
		return Receipt{}, nil
	}

	op := Op{Type: OpCreateNode, Node: NewID(), Parent: parent, Kind: kind, Value: init}

	switch p.kind {
	case KindList:
		if slot.Index < 0 || slot.Index > len(p.items) {
			return Receipt{}, invalidf("index %d out of range for list %s", slot.Index, parent)
		}

		op.Key = positionFor(p.items, slot.Index)
	case KindMap:
		op.Key = slot.Key
	default:
		return Receipt{}, invalidf("%s %s cannot hold children", p.kind, parent)
	}

	return tx.Apply(op)
}

// DeleteNode removes a node and its descendants.
func (tx *Tx) DeleteNode(id string) (Receipt, error) {
	return tx.Apply(Op{Type: OpDeleteNode, Node: id})
}

// SetMapEntry stores v under key, replacing any entry or child node.
func (tx *Tx) SetMapEntry(mapID, key string, v value.Value) (Receipt, error) {
	return tx.Apply(Op{Type: OpSetMapEntry, Node: mapID, Key: key, Value: v})
}

// DeleteMapEntry clears key in a map.
func (tx *Tx) DeleteMapEntry(mapID, key string) (Receipt, error) {
	return tx.Apply(Op{Type: OpDeleteMapEntry, Node: mapID, Key: key})
}

// InsertListItem inserts a record holding v at index; len(list) appends.
func (tx *Tx) InsertListItem(listID string, index int, v value.Value) (Receipt, error) {
	list, ok := tx.doc.visible.nodes[listID]
	if !ok {
		return Receipt{}, nil
	}

	if list.kind != KindList {
		return Receipt{}, invalidf("%s is a %s, not a list", listID, list.kind)
	}

	if index < 0 || index > len(list.items) {
		return Receipt{}, invalidf("index %d out of range for list %s", index, listID)
	}

	return tx.Apply(Op{
		Type:   OpInsertListItem,
		Node:   NewID(),
		Parent: listID,
		Key:    positionFor(list.items, index),
		Value:  v,
	})
}

// RemoveListItem removes the item at index.
func (tx *Tx) RemoveListItem(listID string, index int) (Receipt, error) {
	list, ok := tx.doc.visible.nodes[listID]
	if !ok {
		return Receipt{}, nil
	}

	if list.kind != KindList {
		return Receipt{}, invalidf("%s is a %s, not a list", listID, list.kind)
	}

	if index < 0 || index >= len(list.items) {
		return Receipt{}, invalidf("index %d out of range for list %s", index, listID)
	}

	return tx.Apply(Op{Type: OpRemoveListItem, Node: list.items[index].id, Parent: listID})
}

// MoveListItem moves the item at from so that it ends up at index to.
func (tx *Tx) MoveListItem(listID string, from, to int) (Receipt, error) {
	list, ok := tx.doc.visible.nodes[listID]
	if !ok {
		return Receipt{}, nil
	}

	if list.kind != KindList {
		return Receipt{}, invalidf("%s is a %s, not a list", listID, list.kind)
	}

	if from < 0 || from >= len(list.items) || to < 0 || to >= len(list.items) {
		return Receipt{}, invalidf("move %d -> %d out of range for list %s", from, to, listID)
	}

	if from == to {
		return Receipt{}, nil
	}

	item := list.items[from]

	rest := make([]*node, 0, len(list.items)-1)
	rest = append(rest, list.items[:from]...)
	rest = append(rest, list.items[from+1:]...)

	return tx.Apply(Op{Type: OpMoveListItem, Node: item.id, Parent: listID, Key: positionFor(rest, to)})
}

// SetField sets one field of a record.
func (tx *Tx) SetField(recordID, field string, v value.Value) (Receipt, error) {
	return tx.Apply(Op{Type: OpSetField, Node: recordID, Key: field, Value: v})
}

// UnsetField removes one field of a record.
func (tx *Tx) UnsetField(recordID, field string) (Receipt, error) {
	return tx.Apply(Op{Type: OpSetField, Node: recordID, Key: field, Unset: true})
}

// Len returns the number of ops in the batch.
func (tx *Tx) Len() int { return len(tx.ops) }

// Commit queues the batch for sending. The returned inverse undoes the
// whole batch: per-op inverses in reverse order.
func (tx *Tx) Commit() Batch {
	if tx.done {
		return Batch{}
	}

	tx.done = true
	tx.doc.pending = append(tx.doc.pending, tx.ops...)

	var inverse []Op
	for i := len(tx.inverse) - 1; i >= 0; i-- {
		inverse = append(inverse, tx.inverse[i]...)
	}

	return Batch{Ops: tx.ops, Inverse: inverse, Changed: dedupe(tx.changed)}
}

// Rollback discards the batch and restores the visible tree.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}

	tx.done = true

	if len(tx.ops) > 0 {
		tx.doc.rebuild()
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]

	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	return out
}
