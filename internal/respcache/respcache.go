// Package respcache caches final answers to repeated identical text
// messages for a short time, skipping the model entirely on a hit.
package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/suvfin/internal/kvstore"
)

// DefaultTTL applies when Cache.TTL is zero.
const DefaultTTL = 5 * time.Minute

// Cache is a (phone, normalized text) → answer cache. Store failures
// behave as misses.
type Cache struct {
	Store  kvstore.Store
	TTL    time.Duration
	Logger *slog.Logger
}

// Key returns llmcache:{phone}:{sha256 of the trimmed, lower-cased text}.
func Key(phone, text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	return "llmcache:" + phone + ":" + hex.EncodeToString(sum[:])
}

func (c *Cache) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Get returns the cached answer, if any.
func (c *Cache) Get(ctx context.Context, phone, text string) (string, bool) {
	v, err := c.Store.Get(ctx, Key(phone, text))
	if err != nil {
		if !errors.Is(err, kvstore.ErrNil) {
			c.logger().Warn("response cache read failed", "phone", phone, "error", err)
		}
		return "", false
	}
	return v, true
}

// Put stores answer. Empty answers are not cached.
func (c *Cache) Put(ctx context.Context, phone, text, answer string) {
	if answer == "" {
		return
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := c.Store.SetWithTTL(ctx, Key(phone, text), answer, ttl); err != nil {
		c.logger().Warn("response cache write failed", "phone", phone, "error", err)
	}
}
