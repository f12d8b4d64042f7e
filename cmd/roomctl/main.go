package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alexjbarnes/roomsync/internal/auth"
	"github.com/alexjbarnes/roomsync/internal/server"
	"github.com/alexjbarnes/roomsync/internal/state"
	"github.com/docopt/docopt-go"
	"golang.org/x/crypto/bcrypt"
)

var Version = "dev"

const usage = `roomsync control.

Usage:
    roomctl inspect-token [--room=<room>] <token>
    roomctl tokens [--cache=<path>]
    roomctl forget <room> [--cache=<path>]
    roomctl hash-key [--generate]
    roomctl -h | --help
    roomctl --version

Options:
    -h --help        Show this screen.
    --version        Show version.
    --room=<room>    Also list the permissions granted for this room.
    --cache=<path>   Token cache file, defaults to ~/.roomsync/tokens.db.
    --generate       Generate a new API key instead of reading one from stdin.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if err := run(opts, os.Stdin, os.Stdout, time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts docopt.Opts, stdin io.Reader, stdout io.Writer, now time.Time) error {
	if ok, _ := opts.Bool("inspect-token"); ok {
		return inspectToken(opts, stdout, now)
	}

	if ok, _ := opts.Bool("tokens"); ok {
		return listTokens(opts, stdout, now)
	}

	if ok, _ := opts.Bool("forget"); ok {
		return forget(opts, stdout)
	}

	if ok, _ := opts.Bool("hash-key"); ok {
		return hashKey(opts, stdin, stdout)
	}

	return fmt.Errorf("no command given")
}

type tokenReport struct {
	Kind        string                       `json:"kind"`
	IssuedAt    time.Time                    `json:"issued_at"`
	ExpiresAt   time.Time                    `json:"expires_at"`
	Expired     bool                         `json:"expired"`
	RoomID      string                       `json:"room_id,omitempty"`
	Scopes      []auth.Permission            `json:"scopes,omitempty"`
	ProjectID   string                       `json:"project_id,omitempty"`
	UserID      string                       `json:"user_id,omitempty"`
	Perms       map[string][]auth.Permission `json:"perms,omitempty"`
	GroupIDs    []string                     `json:"group_ids,omitempty"`
	Permissions []auth.Permission            `json:"permissions,omitempty"`
}

func inspectToken(opts docopt.Opts, stdout io.Writer, now time.Time) error {
	raw, _ := opts.String("<token>")

	tok, err := auth.ParseToken(strings.TrimSpace(raw))
	if err != nil {
		return err
	}

	report := tokenReport{
		Kind:      string(tok.Kind),
		IssuedAt:  tok.IssuedAt.UTC(),
		ExpiresAt: tok.ExpiresAt.UTC(),
		Expired:   auth.IsExpired(tok, now),
		RoomID:    tok.RoomID,
		Scopes:    tok.Scopes,
		ProjectID: tok.ProjectID,
		UserID:    tok.UserID,
		Perms:     tok.Perms,
		GroupIDs:  tok.GroupIDs,
	}

	if room, _ := opts.String("--room"); room != "" {
		report.Permissions = tok.Permissions(room)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(report)
}

func openCache(opts docopt.Opts) (*state.State, error) {
	if path, _ := opts.String("--cache"); path != "" {
		return state.LoadAt(path)
	}

	return state.Load()
}

func listTokens(opts docopt.Opts, stdout io.Writer, now time.Time) error {
	cache, err := openCache(opts)
	if err != nil {
		return err
	}
	defer cache.Close()

	tokens, err := cache.Tokens()
	if err != nil {
		return err
	}

	if len(tokens) == 0 {
		fmt.Fprintln(stdout, "no cached tokens")
		return nil
	}

	for _, ct := range tokens {
		status := "valid"

		tok, err := auth.ParseToken(ct.Raw)
		switch {
		case err != nil:
			status = "malformed"
		case auth.IsExpired(tok, now):
			status = "expired"
		}

		fmt.Fprintf(stdout, "%s\t%s\tstored %s\n", ct.RoomID, status, ct.StoredAt.UTC().Format(time.RFC3339))
	}

	return nil
}

func forget(opts docopt.Opts, stdout io.Writer) error {
	room, _ := opts.String("<room>")

	cache, err := openCache(opts)
	if err != nil {
		return err
	}
	defer cache.Close()

	if err := cache.DeleteToken(room); err != nil {
		return fmt.Errorf("forgetting token: %w", err)
	}

	fmt.Fprintf(stdout, "forgot token for %s\n", room)

	return nil
}

// hashKey prints the bcrypt hash for MCP_API_KEY_HASH. With --generate it
// mints a fresh key and prints it first.
func hashKey(opts docopt.Opts, stdin io.Reader, stdout io.Writer) error {
	var key string

	if gen, _ := opts.Bool("--generate"); gen {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generating key: %w", err)
		}

		key = server.APIKeyPrefix + hex.EncodeToString(buf)
		fmt.Fprintf(stdout, "key:  %s\n", key)
	} else {
		scanner := bufio.NewScanner(stdin)
		if !scanner.Scan() {
			return fmt.Errorf("no input")
		}

		key = strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(key, server.APIKeyPrefix) {
			return fmt.Errorf("API key must start with %q", server.APIKeyPrefix)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing key: %w", err)
	}

	fmt.Fprintf(stdout, "hash: %s\n", hash)

	return nil
}
