// Package pagination implements opaque cursor tokens for keyset-paginated
// Firestore listings. Tokens carry the StartAfter values of the last document
// on the previous page and are safe to hand to clients verbatim.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultPageSize is applied when the caller omits or zeroes the page size.
	DefaultPageSize = 50
	// MaxPageSize caps a single page to keep listing queries bounded.
	MaxPageSize = 100
)

// ErrInvalidPageToken reports a token that is not one this service issued.
var ErrInvalidPageToken = errors.New("pagination: invalid page token")

// Cursor holds the ordered values passed to Firestore's StartAfter clause.
// The value order must match the query's OrderBy clauses exactly.
type Cursor struct {
	StartAfter []any `json:"after,omitempty"`
}

// ClampPageSize normalises a requested page size into the [1, MaxPageSize]
// range, substituting DefaultPageSize for non-positive input.
func ClampPageSize(size int) int {
	if size <= 0 {
		return DefaultPageSize
	}
	if size > MaxPageSize {
		return MaxPageSize
	}
	return size
}

// EncodeToken serialises a cursor into a URL-safe page token. An empty cursor
// yields an empty token, meaning there are no further pages.
func EncodeToken(cursor Cursor) (string, error) {
	if len(cursor.StartAfter) == 0 {
		return "", nil
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a token produced by EncodeToken. Blank tokens decode to
// the zero cursor so callers can pass the query parameter through unchecked.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if len(cursor.StartAfter) == 0 {
		return Cursor{}, ErrInvalidPageToken
	}
	return cursor, nil
}
