// Package pagination encodes the opaque page tokens of ledger listings.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	apperrors "github.com/oggyb/match-credits/internal/errors"
)

// Cursor continues a newest-first listing. LastID is the smallest entry id
// already returned; the next page starts strictly below it.
type Cursor struct {
	LastID uint64 `json:"last_id"`
}

// IsZero reports whether c is the first page.
func (c Cursor) IsZero() bool { return c.LastID == 0 }

// Encode renders c as unpadded URL-safe base64 JSON.
func Encode(c Cursor) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Decode parses a token produced by Encode. An empty token is the first
// page; anything unreadable is a validation error on page_token.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}

	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, apperrors.Invalid("page_token", "malformed token")
	}

	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil || c.IsZero() {
		return Cursor{}, apperrors.Invalid("page_token", "malformed token")
	}
	return c, nil
}
