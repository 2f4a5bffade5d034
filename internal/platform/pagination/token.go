package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// cursor is the payload carried by a page token.
type cursor struct {
	AfterID int64 `json:"afterId"`
}

// EncodeToken serialises a keyset position into a base64 URL-safe page token.
func EncodeToken(afterID int64) string {
	if afterID <= 0 {
		return ""
	}
	data, _ := json.Marshal(cursor{AfterID: afterID})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeToken parses a token produced by EncodeToken. An empty token decodes to 0.
func DecodeToken(token string) (int64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var c cursor
	if err := json.Unmarshal(decoded, &c); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if c.AfterID <= 0 {
		return 0, fmt.Errorf("%w: missing position", ErrInvalidPageToken)
	}
	return c.AfterID, nil
}
