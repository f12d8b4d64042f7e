// Package auth parses room tokens, tracks their expiry and caches them
// per room. Signatures are never verified here: the backend checks them.
// Token metadata only gates optimistic local mutations.
package auth

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/value"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/text/unicode/norm"
)

// ClockSkew is tolerated on both ends of a token's validity window.
const ClockSkew = 300 * time.Second

// Kind discriminates the three token payload shapes.
type Kind string

const (
	KindLegacy   Kind = "sec-legacy"
	KindAccess   Kind = "acc"
	KindIdentity Kind = "id"
)

func (k Kind) valid() bool {
	switch k {
	case KindLegacy, KindAccess, KindIdentity:
		return true
	}

	return false
}

// Permission is a room capability granted by a token.
type Permission string

const (
	PermRead          Permission = "room:read"
	PermWrite         Permission = "room:write"
	PermPresenceWrite Permission = "room:presence:write"
	PermCommentsRead  Permission = "comments:read"
	PermCommentsWrite Permission = "comments:write"
)

// Token is the decoded payload of a room token.
type Token struct {
	Raw       string
	Kind      Kind
	IssuedAt  time.Time
	ExpiresAt time.Time

	// Legacy tokens.
	RoomID string
	Scopes []Permission
	Actor  int

	// Access and identity tokens.
	ProjectID string
	UserID    string
	Perms     map[string][]Permission
	GroupIDs  []string

	Info value.Value
}

var parser = jwt.NewParser(jwt.WithPaddingAllowed())

// ParseToken decodes the payload of a three-part token. The header and
// signature segments are not inspected. Any shape problem is reported as
// ErrMalformedToken.
func ParseToken(raw string) (*Token, error) {
	raw = strings.TrimSpace(raw)

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", apperrors.ErrMalformedToken, len(parts))
	}

	payload, err := parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %v", apperrors.ErrMalformedToken, err)
	}

	var claims jwt.MapClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object: %v", apperrors.ErrMalformedToken, err)
	}

	iat, ok := claims["iat"].(float64)
	if !ok {
		return nil, fmt.Errorf("%w: missing numeric iat", apperrors.ErrMalformedToken)
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return nil, fmt.Errorf("%w: missing numeric exp", apperrors.ErrMalformedToken)
	}

	kind, _ := claims["k"].(string)
	if !Kind(kind).valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", apperrors.ErrMalformedToken, kind)
	}

	t := &Token{
		Raw:       raw,
		Kind:      Kind(kind),
		IssuedAt:  unixSeconds(iat),
		ExpiresAt: unixSeconds(exp),
	}

	switch t.Kind {
	case KindLegacy:
		t.RoomID, _ = claims["roomId"].(string)
		t.UserID, _ = claims["id"].(string)
		if actor, ok := claims["actor"].(float64); ok {
			t.Actor = int(actor)
		}

		t.Scopes, err = permissionList(claims["scopes"])
		if err != nil {
			return nil, err
		}

		t.Info, err = optionalValue(claims["info"])
	case KindAccess:
		t.ProjectID, _ = claims["pid"].(string)
		t.UserID, _ = claims["uid"].(string)

		t.Perms, err = permissionMap(claims["perms"])
		if err != nil {
			return nil, err
		}

		t.Info, err = optionalValue(claims["ui"])
	case KindIdentity:
		t.ProjectID, _ = claims["pid"].(string)
		t.UserID, _ = claims["uid"].(string)

		t.GroupIDs, err = stringList(claims["gids"])
		if err != nil {
			return nil, err
		}

		t.Info, err = optionalValue(claims["ui"])
	}

	if err != nil {
		return nil, err
	}

	return t, nil
}

// IsExpired reports whether now falls outside [iat-skew, exp+skew).
// Exactly exp+skew is expired.
func IsExpired(t *Token, now time.Time) bool {
	if t == nil {
		return true
	}

	if now.Before(t.IssuedAt.Add(-ClockSkew)) {
		return true
	}

	return !now.Before(t.ExpiresAt.Add(ClockSkew))
}

// Permissions returns the permissions the token grants for roomID.
// Identity tokens carry none: the server's auth response decides.
func (t *Token) Permissions(roomID string) []Permission {
	room := norm.NFC.String(roomID)

	switch t.Kind {
	case KindLegacy:
		if norm.NFC.String(t.RoomID) != room {
			return nil
		}

		return append([]Permission(nil), t.Scopes...)
	case KindAccess:
		var out []Permission

		seen := make(map[Permission]bool)

		for pattern, perms := range t.Perms {
			if !matchRoom(norm.NFC.String(pattern), room) {
				continue
			}

			for _, p := range perms {
				if !seen[p] {
					seen[p] = true
					out = append(out, p)
				}
			}
		}

		return out
	}

	return nil
}

// Can reports whether the token grants perm for roomID.
func (t *Token) Can(roomID string, perm Permission) bool {
	return Allows(t.Permissions(roomID), perm)
}

// Allows reports whether perms includes perm. Write access implies
// presence write access.
func Allows(perms []Permission, perm Permission) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}

		if perm == PermPresenceWrite && p == PermWrite {
			return true
		}
	}

	return false
}

// matchRoom accepts an exact room id or a prefix pattern ending in "*".
func matchRoom(pattern, room string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(room, strings.TrimSuffix(pattern, "*"))
	}

	return pattern == room
}

func unixSeconds(f float64) time.Time {
	sec, frac := math.Modf(f)

	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}

func stringList(x any) ([]string, error) {
	if x == nil {
		return nil, nil
	}

	items, ok := x.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a list of strings", apperrors.ErrMalformedToken)
	}

	out := make([]string, 0, len(items))

	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected a list of strings", apperrors.ErrMalformedToken)
		}

		out = append(out, s)
	}

	return out, nil
}

func permissionList(x any) ([]Permission, error) {
	items, err := stringList(x)
	if err != nil {
		return nil, err
	}

	out := make([]Permission, len(items))
	for i, s := range items {
		out[i] = Permission(s)
	}

	return out, nil
}

func permissionMap(x any) (map[string][]Permission, error) {
	if x == nil {
		return map[string][]Permission{}, nil
	}

	m, ok := x.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: perms must be an object", apperrors.ErrMalformedToken)
	}

	out := make(map[string][]Permission, len(m))

	for pattern, list := range m {
		perms, err := permissionList(list)
		if err != nil {
			return nil, err
		}

		out[pattern] = perms
	}

	return out, nil
}

func optionalValue(x any) (value.Value, error) {
	v, err := value.FromAny(x)
	if err != nil {
		return value.Value{}, fmt.Errorf("%w: user info: %v", apperrors.ErrMalformedToken, err)
	}

	return v, nil
}
