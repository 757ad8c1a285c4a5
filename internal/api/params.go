package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/devtrail/devtrail/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 250
)

var errInvalidCursor = errors.New("Invalid cursor")

// encodeCursor packs a keyset position into an opaque URL-safe token.
func encodeCursor(k *store.Keyset) string {
	if k == nil {
		return ""
	}
	data, _ := json.Marshal(k)
	return base64.URLEncoding.EncodeToString(data)
}

// decodeCursor unpacks a cursor token. Empty input means no cursor.
func decodeCursor(raw string) (*store.Keyset, error) {
	if raw == "" {
		return nil, nil
	}
	data, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return nil, errInvalidCursor
	}
	var k store.Keyset
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, errInvalidCursor
	}
	return &k, nil
}

// parseLimit reads the limit query parameter: default 50, valid range 1..250.
func parseLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxLimit {
		return 0, errors.New("limit must be between 1 and 250")
	}
	return limit, nil
}

// pageParams reads limit and cursor together, answering 400 itself on bad
// input. The bool reports whether the caller should continue.
func pageParams(c *gin.Context) (int, *store.Keyset, bool) {
	limit, err := parseLimit(c)
	if err != nil {
		badRequest(c, err.Error())
		return 0, nil, false
	}
	cursor, err := decodeCursor(c.Query("cursor"))
	if err != nil {
		badRequest(c, err.Error())
		return 0, nil, false
	}
	return limit, cursor, true
}
