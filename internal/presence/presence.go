// Package presence keeps the ephemeral per-actor state of a room. Each
// actor is the only writer of its own entry, so updates never conflict:
// the latest one to arrive wins.
package presence

import (
	"fmt"
	"sort"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/value"
)

// Mode selects how Update combines a patch with the current presence.
type Mode int

const (
	// Merge overwrites the top-level fields present in the patch.
	Merge Mode = iota
	// Replace swaps the whole presence object.
	Replace
)

func (m Mode) String() string {
	if m == Replace {
		return "replace"
	}

	return "merge"
}

// User is the server-provided identity of a connected actor.
type User struct {
	ID     string      `json:"id,omitempty"`
	Info   value.Value `json:"info"`
	Scopes []string    `json:"scopes,omitempty"`
}

// Entry is one actor's view in the store.
type Entry struct {
	Actor    int         `json:"actor"`
	User     User        `json:"user"`
	Presence value.Value `json:"presence"`
}

// Diff lists the actors affected by Reset.
type Diff struct {
	Joined  []int
	Updated []int
	Left    []int
}

// Store holds the local actor's presence and the latest presence of every
// other actor. It is not safe for concurrent use; the room owns it.
type Store struct {
	self   Entry
	others map[int]*Entry
}

// NewStore returns a store whose local presence starts as initial. A null
// initial value becomes an empty object.
func NewStore(initial value.Value) (*Store, error) {
	if initial.IsNull() {
		initial = value.Object(nil)
	}

	if !initial.IsObject() {
		return nil, fmt.Errorf("%w: presence must be an object, got %s", apperrors.ErrInvalidOperation, initial.Kind())
	}

	return &Store{
		self:   Entry{Actor: -1, Presence: initial},
		others: make(map[int]*Entry),
	}, nil
}

// SetSelf records the actor id and identity assigned to this connection.
func (s *Store) SetSelf(actor int, user User) {
	s.self.Actor = actor
	s.self.User = user
	delete(s.others, actor)
}

// Self returns the local entry. Actor is -1 before the first connection.
func (s *Store) Self() Entry { return s.self }

// Update applies a local patch and returns the resulting presence.
func (s *Store) Update(patch value.Value, mode Mode) (value.Value, error) {
	if !patch.IsObject() {
		return value.Value{}, fmt.Errorf("%w: presence patch must be an object, got %s", apperrors.ErrInvalidOperation, patch.Kind())
	}

	s.self.Presence = combine(s.self.Presence, patch, mode == Replace)

	return s.self.Presence, nil
}

// Get returns the presence of actor, which may be the local actor.
func (s *Store) Get(actor int) (value.Value, bool) {
	if actor == s.self.Actor {
		return s.self.Presence, true
	}

	e, ok := s.others[actor]
	if !ok {
		return value.Value{}, false
	}

	return e.Presence, true
}

// Others returns every other actor ordered by actor id.
func (s *Store) Others() []Entry {
	out := make([]Entry, 0, len(s.others))
	for _, e := range s.others {
		out = append(out, *e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Actor < out[j].Actor })

	return out
}

// Len returns the number of other actors.
func (s *Store) Len() int { return len(s.others) }

// Join registers an actor. It reports false when the actor was already
// known, in which case only its identity is refreshed.
func (s *Store) Join(actor int, user User) bool {
	if actor == s.self.Actor {
		return false
	}

	if e, ok := s.others[actor]; ok {
		e.User = user
		return false
	}

	s.others[actor] = &Entry{Actor: actor, User: user, Presence: value.Object(nil)}

	return true
}

// ApplyRemote stores a presence frame from another actor. Unknown actors
// are created, since presence can overtake the join notification. It
// reports whether the stored presence changed.
func (s *Store) ApplyRemote(actor int, data value.Value, full bool) (Entry, bool) {
	if actor == s.self.Actor {
		return s.self, false
	}

	if data.IsNull() {
		data = value.Object(nil)
	}

	e, ok := s.others[actor]
	if !ok {
		e = &Entry{Actor: actor, Presence: value.Object(nil)}
		s.others[actor] = e
	}

	next := combine(e.Presence, data, full)
	if ok && next.Equal(e.Presence) {
		return *e, false
	}

	e.Presence = next

	return *e, true
}

// Leave removes an actor and returns its last entry. This is the only way
// an entry is deleted.
func (s *Store) Leave(actor int) (Entry, bool) {
	e, ok := s.others[actor]
	if !ok {
		return Entry{}, false
	}

	delete(s.others, actor)

	return *e, true
}

// Reset replaces the other actors with a snapshot and reports who joined,
// changed presence or left since the previous view. The local actor is
// skipped if the snapshot includes it.
func (s *Store) Reset(presence map[int]value.Value, users map[int]User) Diff {
	seen := make(map[int]bool, len(users)+len(presence))
	next := make(map[int]*Entry, len(users)+len(presence))

	add := func(actor int) {
		if actor == s.self.Actor || seen[actor] {
			return
		}

		seen[actor] = true

		data := presence[actor]
		if !data.IsObject() {
			data = value.Object(nil)
		}

		next[actor] = &Entry{Actor: actor, User: users[actor], Presence: data}
	}

	for actor := range users {
		add(actor)
	}

	for actor := range presence {
		add(actor)
	}

	var diff Diff

	for actor, e := range next {
		prev, ok := s.others[actor]
		switch {
		case !ok:
			diff.Joined = append(diff.Joined, actor)
		case !prev.Presence.Equal(e.Presence):
			diff.Updated = append(diff.Updated, actor)
		}
	}

	for actor := range s.others {
		if _, ok := next[actor]; !ok {
			diff.Left = append(diff.Left, actor)
		}
	}

	sort.Ints(diff.Joined)
	sort.Ints(diff.Updated)
	sort.Ints(diff.Left)

	s.others = next

	return diff
}

func combine(cur, patch value.Value, replace bool) value.Value {
	if replace || !cur.IsObject() {
		return value.Object(patch.Fields())
	}

	out := cur
	for _, k := range patch.Keys() {
		f, _ := patch.Get(k)
		out = out.With(k, f)
	}

	return out
}
