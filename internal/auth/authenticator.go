package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/fsnotify/fsnotify"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Authenticator obtains a raw token for a room.
type Authenticator interface {
	Authenticate(ctx context.Context, roomID string) (string, error)
}

// AuthFunc adapts a plain function to Authenticator.
type AuthFunc func(ctx context.Context, roomID string) (string, error)

func (f AuthFunc) Authenticate(ctx context.Context, roomID string) (string, error) {
	return f(ctx, roomID)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout applies when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAuthResponseBytes caps response body reads.
	maxAuthResponseBytes = 64 * 1024
)

// HTTPAuthenticator POSTs the room id to an auth endpoint and expects
// {"token": "..."} back.
type HTTPAuthenticator struct {
	httpClient *http.Client
	endpoint   string
	publicKey  string
}

type authRequest struct {
	Room         string `json:"room"`
	PublicAPIKey string `json:"publicApiKey,omitempty"`
}

type authResponse struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the public key never leaks to a
// third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPAuthenticator creates an authenticator for endpoint. If
// httpClient is nil, a client with a 30-second timeout and same-host
// redirect policy is created.
func NewHTTPAuthenticator(endpoint, publicKey string, httpClient *http.Client) *HTTPAuthenticator {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &HTTPAuthenticator{
		httpClient: httpClient,
		endpoint:   endpoint,
		publicKey:  publicKey,
	}
}

// Authenticate requests a token for roomID.
func (a *HTTPAuthenticator) Authenticate(ctx context.Context, roomID string) (string, error) {
	payload, err := json.Marshal(authRequest{Room: roomID, PublicAPIKey: a.publicKey})
	if err != nil {
		return "", fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return "", &TransientError{Err: fmt.Errorf("sending auth request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAuthResponseBytes))
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("reading auth response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("auth endpoint returned status %d: %s", resp.StatusCode, sanitizeResponseBody(body))
		if isTransientStatus(resp.StatusCode) {
			return "", &TransientError{Err: err}
		}

		return "", fmt.Errorf("%w: %v", apperrors.ErrAuthRejected, err)
	}

	var ar authResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return "", fmt.Errorf("%w: decoding auth response: %v", apperrors.ErrMalformedToken, err)
	}

	if ar.Error != "" {
		return "", fmt.Errorf("%w: %s", apperrors.ErrAuthRejected, sanitizeResponseBody([]byte(ar.Error)))
	}

	if ar.Token == "" {
		return "", fmt.Errorf("%w: auth response has no token", apperrors.ErrMalformedToken)
	}

	return ar.Token, nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sanitizeResponseBody truncates a response body to 256 bytes and
// replaces invalid UTF-8 and control characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// FileAuthenticator reads a raw token from a file. The same token is
// returned for every room.
type FileAuthenticator struct {
	path   string
	logger *slog.Logger
}

// NewFileAuthenticator creates an authenticator reading path.
func NewFileAuthenticator(path string, logger *slog.Logger) *FileAuthenticator {
	return &FileAuthenticator{path: path, logger: logger}
}

// Authenticate returns the trimmed file contents. A missing or empty file
// is transient: it may be mid-rotation.
func (a *FileAuthenticator) Authenticate(_ context.Context, _ string) (string, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("reading token file: %w", err)}
	}

	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return "", &TransientError{Err: fmt.Errorf("token file %s is empty", a.path)}
	}

	return raw, nil
}

// Watch calls onChange whenever the token file is written, created or
// renamed into place. It blocks until ctx is cancelled. The parent
// directory is watched so atomic replace-by-rename is seen.
func (a *FileAuthenticator) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(a.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching token dir: %w", err)
	}

	a.logger.Info("token file watcher started", slog.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				a.logger.Debug("token file changed", slog.String("op", event.Op.String()))
				onChange()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			a.logger.Warn("token file watcher error", slog.String("error", err.Error()))
		}
	}
}
