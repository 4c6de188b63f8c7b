// Package pagination implements opaque cursors for time-ordered feeds.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor marks a position in a feed ordered newest first. The next page
// starts strictly before this position.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// Encode packs a timestamp and ID into an opaque cursor token.
func Encode(ts time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", ts.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor token. An empty token decodes to nil, meaning the
// first page.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	sep := strings.IndexByte(string(raw), '|')
	if sep < 0 {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanos, err := strconv.ParseInt(string(raw[:sep]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{
		Timestamp: time.Unix(0, nanos).UTC(),
		ID:        string(raw[sep+1:]),
	}, nil
}

// ComputePage trims a limit+1 fetch down to one page. key extracts the sort
// key from an item; when more items remain, the returned cursor points at
// the last item of the page.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	ts, id := key(items[len(items)-1])
	return items, Encode(ts, id), true
}
