// Package pagination implements keyset cursors over (created_at, id) ordering.
//
// Trade listings sort by created_at DESC with id as the tie-breaker, so a
// cursor carries both fields. Cursors are opaque to clients; the encoding
// may change between releases and clients must not parse them.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned by Decode for any malformed cursor string.
// Handlers map it to a 400 without exposing the encoding details.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last row of a previously returned page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode serializes a page position into an opaque token.
func Encode(createdAt time.Time, id string) string {
	return Cursor{CreatedAt: createdAt, ID: id}.String()
}

// String returns the wire form of the cursor.
func (c Cursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor token. An empty token decodes to nil, meaning
// the first page.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		// Accept padded tokens from older clients.
		raw, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			return nil, ErrInvalidCursor
		}
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims an over-fetched result set down to the requested limit.
// Callers query limit+1 rows; the extra row, if present, proves another page
// exists. extractKey reads the sort key from the last retained item.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := extractKey(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
