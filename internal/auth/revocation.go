package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devopscentral/gateway/internal/cache"
	"github.com/devopscentral/gateway/internal/logging"
)

const revokePrefix = "blacklisted_token:"

// RevocationSet tracks revoked token IDs in the shared cache. Entries expire
// with the token itself, so the set never outgrows the live token population.
type RevocationSet struct {
	cache *cache.Cache
}

// NewRevocationSet creates a revocation set over the shared cache.
func NewRevocationSet(c *cache.Cache) *RevocationSet {
	return &RevocationSet{cache: c}
}

// Revoke marks a token ID revoked until the token's own expiry. Tokens
// already past expiry need no entry.
func (rs *RevocationSet) Revoke(ctx context.Context, jti string, expires time.Time) error {
	ttl := time.Until(expires)
	if ttl <= 0 {
		return nil
	}
	return rs.cache.Set(ctx, revokePrefix+jti, "1", ttl)
}

// IsRevoked reports whether a token ID has been revoked. A cache outage
// fails open: the token is treated as live and the outage is logged.
func (rs *RevocationSet) IsRevoked(ctx context.Context, jti string) bool {
	if jti == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	revoked, err := rs.cache.Exists(ctx, revokePrefix+jti)
	if err != nil {
		logging.Warn("revocation check unavailable, treating token as live",
			zap.String("jti", jti), zap.Error(err))
		return false
	}
	return revoked
}
