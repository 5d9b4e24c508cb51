package authz

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/devopscentral/gateway/internal/auth"
	"github.com/devopscentral/gateway/internal/cache"
	"github.com/devopscentral/gateway/internal/errors"
	"github.com/devopscentral/gateway/internal/logging"
	"github.com/devopscentral/gateway/internal/store"
)

const permCachePrefix = "auth:user:"

// Source resolves the permission codes granted to a caller.
type Source interface {
	Permissions(ctx context.Context, id *auth.Identity) ([]string, error)
}

// StoreSource resolves permissions from the role-permission tables.
type StoreSource struct {
	Store *store.Store
}

var _ Source = (*StoreSource)(nil)

// Permissions returns the codes granted to the caller's role.
func (s *StoreSource) Permissions(ctx context.Context, id *auth.Identity) ([]string, error) {
	return s.Store.RolePermissions(ctx, id.Role)
}

// Checker evaluates route permission policies against a caller's granted
// set. Grants are cached per user; a source failure denies the request.
type Checker struct {
	source   Source
	cache    *cache.Cache
	cacheTTL time.Duration
}

// NewChecker creates a permission checker. c may be nil, disabling the
// grant cache.
func NewChecker(source Source, c *cache.Cache, cacheTTL time.Duration) *Checker {
	return &Checker{source: source, cache: c, cacheTTL: cacheTTL}
}

// Check evaluates the route policy. An empty required set always passes.
// Strategy "all" demands every code; anything else demands at least one.
func (c *Checker) Check(ctx context.Context, id *auth.Identity, required []string, strategy string) error {
	if len(required) == 0 {
		return nil
	}
	if id == nil {
		return errors.ErrForbidden
	}

	granted, err := c.granted(ctx, id)
	if err != nil {
		logging.Warn("permission lookup failed, denying",
			zap.String("user_id", id.UserID), zap.Error(err))
		return errors.ErrForbidden
	}

	set := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		set[g] = struct{}{}
	}

	if strategy == store.PermissionAll {
		for _, req := range required {
			if _, ok := set[req]; !ok {
				return errors.ErrForbidden
			}
		}
		return nil
	}

	for _, req := range required {
		if _, ok := set[req]; ok {
			return nil
		}
	}
	return errors.ErrForbidden
}

// Invalidate drops a user's cached grants. Called when role assignments
// change through the admin API.
func (c *Checker) Invalidate(ctx context.Context, userID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx, permCachePrefix+userID); err != nil {
		logging.Debug("permission cache invalidate failed", zap.Error(err))
	}
}

func (c *Checker) granted(ctx context.Context, id *auth.Identity) ([]string, error) {
	key := permCachePrefix + id.UserID

	if c.cache != nil {
		if val, ok, err := c.cache.Get(ctx, key); err == nil && ok {
			var perms []string
			if json.Unmarshal([]byte(val), &perms) == nil {
				return perms, nil
			}
		}
	}

	perms, err := c.source.Permissions(ctx, id)
	if err != nil {
		return nil, err
	}

	if c.cache != nil && c.cacheTTL > 0 {
		if raw, err := json.Marshal(perms); err == nil {
			if err := c.cache.Set(ctx, key, string(raw), c.cacheTTL); err != nil {
				logging.Debug("permission cache write failed", zap.Error(err))
			}
		}
	}
	return perms, nil
}
