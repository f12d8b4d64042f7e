package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the cache directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the cache database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// schemaVersion is written to the meta bucket on first open.
	schemaVersion = "1"
)

var (
	metaBucket   = []byte("meta")
	versionKey   = []byte("version")
	tokensBucket = []byte("tokens")
)

// CachedToken is a raw room token persisted between runs. Only the raw
// string is trusted from disk; callers re-parse it and re-check expiry.
type CachedToken struct {
	RoomID   string    `json:"room_id"`
	Raw      string    `json:"raw"`
	StoredAt time.Time `json:"stored_at"`
}

// State wraps a bbolt database holding room tokens keyed by room id.
type State struct {
	db *bolt.DB
}

// Load opens the token cache at ~/.roomsync/tokens.db.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a token cache at the given path, creating it if it does
// not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		if meta.Get(versionKey) == nil {
			if err := meta.Put(versionKey, []byte(schemaVersion)); err != nil {
				return err
			}
		}

		_, err = tx.CreateBucketIfNotExists(tokensBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached raw token for a room, or empty string.
func (s *State) Token(roomID string) string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get([]byte(roomID))
		if v == nil {
			return nil
		}

		var ct CachedToken
		if err := json.Unmarshal(v, &ct); err != nil {
			return nil
		}

		token = ct.Raw

		return nil
	})

	return token
}

// SetToken persists the raw token for a room. An empty token deletes the
// entry.
func (s *State) SetToken(roomID, raw string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	if raw == "" {
		return s.DeleteToken(roomID)
	}

	data, err := json.Marshal(CachedToken{RoomID: roomID, Raw: raw, StoredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Put([]byte(roomID), data)
	})
}

// DeleteToken removes the cached token for a room. Missing entries are
// not an error.
func (s *State) DeleteToken(roomID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete([]byte(roomID))
	})
}

// Tokens returns every cached token sorted by room id. Entries that fail
// to decode are skipped.
func (s *State) Tokens() ([]CachedToken, error) {
	var out []CachedToken

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).ForEach(func(k, v []byte) error {
			var ct CachedToken
			if err := json.Unmarshal(v, &ct); err != nil {
				return nil
			}

			if ct.RoomID == "" {
				ct.RoomID = string(k)
			}

			out = append(out, ct)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })

	return out, nil
}

// DefaultPath returns ~/.roomsync/tokens.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}

	return filepath.Join(dir, ".roomsync", "tokens.db"), nil
}
