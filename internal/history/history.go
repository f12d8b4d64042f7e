// Package history implements bounded undo and redo stacks over batches of
// storage operations. Only the local actor's batches are recorded.
package history

import (
	"fmt"

	"github.com/alexjbarnes/roomsync/internal/storage"
)

// DefaultLimit bounds each stack when no limit is configured.
const DefaultLimit = 50

// ApplyFunc applies ops as one local batch and returns the inverse of what
// it actually did. The room supplies it so undo goes through the same
// path as any other mutation and is sent to the server.
type ApplyFunc func(ops []storage.Op) ([]storage.Op, error)

// Entry is one undoable user action: the ops that revert it.
type Entry struct {
	Ops []storage.Op
}

// Manager holds the undo and redo stacks. It is not safe for concurrent
// use; the room owns it.
type Manager struct {
	apply ApplyFunc
	limit int

	undo []Entry
	redo []Entry

	paused  bool
	pausing []storage.Op
}

// NewManager returns a manager that applies entries through apply.
// limit <= 0 selects DefaultLimit.
func NewManager(apply ApplyFunc, limit int) *Manager {
	if limit <= 0 {
		limit = DefaultLimit
	}

	return &Manager{apply: apply, limit: limit}
}

// Push records the inverse of a local batch and clears the redo stack.
// While paused, inverses accumulate into a single entry instead.
func (m *Manager) Push(inverse []storage.Op) {
	if len(inverse) == 0 {
		return
	}

	if m.paused {
		// The newest batch must be reverted first.
		m.pausing = append(append([]storage.Op(nil), inverse...), m.pausing...)
		return
	}

	m.undo = push(m.undo, Entry{Ops: inverse}, m.limit)
	m.redo = nil
}

// Undo reverts the most recent entry. It reports false when there is
// nothing to undo.
func (m *Manager) Undo() (bool, error) {
	m.flush()

	if len(m.undo) == 0 {
		return false, nil
	}

	entry := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]

	forward, err := m.apply(entry.Ops)
	if err != nil {
		m.undo = append(m.undo, entry)
		return false, fmt.Errorf("undo: %w", err)
	}

	if len(forward) > 0 {
		m.redo = push(m.redo, Entry{Ops: forward}, m.limit)
	}

	return true, nil
}

// Redo reapplies the most recently undone entry.
func (m *Manager) Redo() (bool, error) {
	m.flush()

	if len(m.redo) == 0 {
		return false, nil
	}

	entry := m.redo[len(m.redo)-1]
	m.redo = m.redo[:len(m.redo)-1]

	inverse, err := m.apply(entry.Ops)
	if err != nil {
		m.redo = append(m.redo, entry)
		return false, fmt.Errorf("redo: %w", err)
	}

	if len(inverse) > 0 {
		m.undo = push(m.undo, Entry{Ops: inverse}, m.limit)
	}

	return true, nil
}

func (m *Manager) CanUndo() bool { return len(m.undo) > 0 || len(m.pausing) > 0 }
func (m *Manager) CanRedo() bool { return len(m.redo) > 0 }

// Pause starts merging every following push into one entry until Resume.
func (m *Manager) Pause() {
	m.paused = true
}

// Resume ends a pause and records the merged entry.
func (m *Manager) Resume() {
	m.paused = false
	m.flush()
}

func (m *Manager) flush() {
	if len(m.pausing) == 0 {
		return
	}

	ops := m.pausing
	m.pausing = nil
	paused := m.paused
	m.paused = false
	m.Push(ops)
	m.paused = paused
}

func push(stack []Entry, e Entry, limit int) []Entry {
	stack = append(stack, e)
	if len(stack) > limit {
		stack = append(stack[:0:0], stack[len(stack)-limit:]...)
	}

	return stack
}
