// Package pagination implements keyset page tokens over rows ordered by
// (created_at DESC, id DESC).
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 250
)

var ErrInvalidPageToken = errors.New("invalid_page_token")

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

// Size clamps a requested page size to MaxPageSize. Zero or negative sizes
// fall back to def.
func Size(requested, def int) int {
	if requested <= 0 {
		requested = def
	}
	if requested <= 0 {
		requested = DefaultPageSize
	}
	if requested > MaxPageSize {
		requested = MaxPageSize
	}
	return requested
}

// Cursor is the position of the last row of a page.
type Cursor struct {
	ID        string `json:"id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

func NewCursor(id snowflake.ID, createdAt time.Time) Cursor {
	return Cursor{ID: id.String(), CreatedAt: createdAt.UTC().Format(time.RFC3339Nano)}
}

// Position parses the cursor back into the keyset columns.
func (c Cursor) Position() (snowflake.ID, time.Time, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.ID))
	if err != nil || id <= 0 {
		return 0, time.Time{}, ErrInvalidPageToken
	}
	createdAt, err := time.Parse(time.RFC3339Nano, c.CreatedAt)
	if err != nil {
		return 0, time.Time{}, ErrInvalidPageToken
	}
	return id, createdAt, nil
}

type PageInfo struct {
	NextPageToken     string `json:"next_page_token"`
	PreviousPageToken string `json:"previous_page_token"`
	HasMore           bool   `json:"has_more"`
}

// EncodeCursor renders a URL-safe token.
func EncodeCursor(cursor Cursor) (string, error) {
	b, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("encode page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(token string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return &cursor, nil
}

// DecodePosition decodes a token straight into its keyset columns.
func DecodePosition(token string) (snowflake.ID, time.Time, error) {
	cursor, err := DecodeCursor(token)
	if err != nil {
		return 0, time.Time{}, err
	}
	return cursor.Position()
}

// Page trims items fetched with limit+1 rows down to limit and builds the
// page info. The next token is only set when another page exists.
func Page[T any](items []*T, limit int, cursorOf func(*T) Cursor) ([]*T, PageInfo, error) {
	if limit <= 0 || len(items) <= limit {
		return items, PageInfo{}, nil
	}

	items = items[:limit]
	token, err := EncodeCursor(cursorOf(items[len(items)-1]))
	if err != nil {
		return nil, PageInfo{}, err
	}
	return items, PageInfo{NextPageToken: token, HasMore: true}, nil
}
