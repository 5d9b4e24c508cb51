package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/devopscentral/gateway/internal/cache"
	"github.com/devopscentral/gateway/internal/logging"
)

const respCachePrefix = "gw:resp:"

// Entry is one cached upstream response.
type Entry struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	Body      []byte      `json:"body"`
	StoredAt  time.Time   `json:"stored_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// expired reports whether the entry has outlived its route TTL. Local LRU
// entries carry their own deadline because the LRU's eviction TTL is shared.
func (e *Entry) expired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Age returns the entry age in whole seconds, for the Age response header.
func (e *Entry) Age() int {
	return int(time.Since(e.StoredAt).Seconds())
}

// Cache is a two-tier response cache: an in-process LRU in front of the
// shared Redis tier, so one gateway's cache fill serves the whole fleet
// while repeat hits stay off the network.
type Cache struct {
	local   *expirable.LRU[string, *Entry]
	shared  *cache.Cache
	maxBody int
}

// New creates a response cache. shared may be nil, leaving only the local
// tier. defaultTTL bounds how long local entries survive at most.
func New(shared *cache.Cache, localSize int, defaultTTL time.Duration, maxBody int) *Cache {
	if localSize <= 0 {
		localSize = 1024
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Cache{
		local:   expirable.NewLRU[string, *Entry](localSize, nil, defaultTTL),
		shared:  shared,
		maxBody: maxBody,
	}
}

// Get returns the cached response for key, or nil on a miss. Shared-tier
// hits are promoted into the local tier.
func (c *Cache) Get(ctx context.Context, key string) *Entry {
	if entry, ok := c.local.Get(key); ok {
		if !entry.expired() {
			return entry
		}
		c.local.Remove(key)
	}

	if c.shared == nil {
		return nil
	}
	val, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		logging.Debug("response cache read failed", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil || entry.expired() {
		return nil
	}
	c.local.Add(key, &entry)
	return &entry
}

// Put stores a response under key for ttl. Oversized bodies and non-2xx
// responses are the caller's concern; Put only enforces the size cap.
func (c *Cache) Put(ctx context.Context, key string, entry *Entry, ttl time.Duration) {
	if len(entry.Body) > c.maxBody || ttl <= 0 {
		return
	}
	entry.StoredAt = time.Now()
	entry.ExpiresAt = entry.StoredAt.Add(ttl)

	c.local.Add(key, entry)

	if c.shared == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.shared.Set(ctx, key, string(raw), ttl); err != nil {
		logging.Debug("response cache write failed", zap.Error(err))
	}
}

// Invalidate drops a key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.local.Remove(key)
	if c.shared != nil {
		if err := c.shared.Delete(ctx, key); err != nil {
			logging.Debug("response cache invalidate failed", zap.Error(err))
		}
	}
}

// Cacheable reports whether a response qualifies for caching: GET only,
// 2xx only, and not explicitly opted out by the upstream. Cache-Control is
// parsed per directive, so "no-store, max-age=0" opts out the same as a
// bare "no-store".
func Cacheable(method string, status int, header http.Header) bool {
	if method != http.MethodGet {
		return false
	}
	if status < 200 || status > 299 {
		return false
	}
	for _, directive := range strings.Split(header.Get("Cache-Control"), ",") {
		switch strings.ToLower(strings.TrimSpace(directive)) {
		case "no-store", "no-cache", "private":
			return false
		}
	}
	return true
}

// BuildKey derives the cache identity of a request. The caller subject is
// part of the key so authenticated responses never leak across users.
func BuildKey(routeID int64, method, path, rawQuery, subject string) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(routeID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(rawQuery))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	return respCachePrefix + hex.EncodeToString(h.Sum(nil))
}
