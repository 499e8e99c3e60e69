// Package hookdedup implements the bounded LRU that makes every hook
// route idempotent under retries (spec.md §4.2: "A bounded LRU (default
// 4096 entries) holds recent keys; duplicates return a success response
// with empty context"). It is grounded on the dagu-org-dagu and
// kadirpekel-hector example repos, both of which reach for
// hashicorp/golang-lru for exactly this bounded-recency-cache role
// rather than hand-rolling one.
package hookdedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache tracks the most recent dedup keys seen across hook requests.
type Cache struct {
	inner *lru.Cache[string, struct{}]
}

// New builds a Cache holding at most size keys.
func New(size int) (*Cache, error) {
	if size <= 0 {
		size = 4096
	}
	inner, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("hookdedup: %w", err)
	}
	return &Cache{inner: inner}, nil
}

// SeenOrMark reports whether key was already recorded; if not, it marks
// the key as seen and returns false.
func (c *Cache) SeenOrMark(key string) bool {
	if _, ok := c.inner.Get(key); ok {
		return true
	}
	c.inner.Add(key, struct{}{})
	return false
}

// Key builds the dedup key spec.md §4.2 describes:
// (event, session_id, dedupe_parts).
func Key(event, sessionID, dedupeParts string) string {
	sum := sha256.Sum256([]byte(event + "\x00" + sessionID + "\x00" + dedupeParts))
	return event + ":" + sessionID + ":" + hex.EncodeToString(sum[:16])
}
