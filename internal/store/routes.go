package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Route statuses.
const (
	RouteStatusActive  = "active"
	RouteStatusDeleted = "deleted"
)

// Load-balance strategies.
const (
	StrategyRoundRobin = "round_robin"
	StrategyWeighted   = "weighted"
	StrategyLeastConn  = "least_connections"
)

// Permission strategies.
const (
	PermissionAny = "any"
	PermissionAll = "all"
)

// MethodAny matches every HTTP method.
const MethodAny = "ANY"

// Route is a declarative binding of (path_pattern, method) to a target
// service plus its policy bundle.
type Route struct {
	ID                    int64      `db:"id" json:"id"`
	ServiceName           string     `db:"service_name" json:"service_name"`
	PathPattern           string     `db:"path_pattern" json:"path_pattern"`
	Method                string     `db:"method" json:"method"`
	Version               string     `db:"version" json:"version"`
	IsActive              bool       `db:"is_active" json:"is_active"`
	RequiresAuth          bool       `db:"requires_auth" json:"requires_auth"`
	RequiredPermissions   StringList `db:"required_permissions" json:"required_permissions"`
	PermissionStrategy    string     `db:"permission_strategy" json:"permission_strategy"`
	RateLimitRPM          int        `db:"rate_limit_rpm" json:"rate_limit_rpm"`
	TimeoutSeconds        int        `db:"timeout_seconds" json:"timeout_seconds"`
	RetryCount            int        `db:"retry_count" json:"retry_count"`
	CircuitBreakerEnabled bool       `db:"circuit_breaker_enabled" json:"circuit_breaker_enabled"`
	CacheEnabled          bool       `db:"cache_enabled" json:"cache_enabled"`
	CacheTTLSeconds       int        `db:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	LoadBalanceStrategy   string     `db:"load_balance_strategy" json:"load_balance_strategy"`
	Priority              int        `db:"priority" json:"priority"`
	Status                string     `db:"status" json:"status"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// Timeout returns the per-route upstream deadline.
func (r *Route) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// CacheTTL returns the per-route response cache TTL.
func (r *Route) CacheTTL() time.Duration {
	return time.Duration(r.CacheTTLSeconds) * time.Second
}

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a unique constraint is violated.
var ErrConflict = errors.New("store: conflict")

const routeColumns = `id, service_name, path_pattern, method, version, is_active,
	requires_auth, required_permissions, permission_strategy, rate_limit_rpm,
	timeout_seconds, retry_count, circuit_breaker_enabled, cache_enabled,
	cache_ttl_seconds, load_balance_strategy, priority, status, created_at, updated_at`

// ListActiveRoutes returns every active route ordered by insertion; the
// matcher builds its index from this snapshot.
func (s *Store) ListActiveRoutes(ctx context.Context) ([]Route, error) {
	var routes []Route
	query := fmt.Sprintf(`SELECT %s FROM api_routes WHERE status = $1 AND is_active ORDER BY id`, routeColumns)
	if err := s.db.SelectContext(ctx, &routes, query, RouteStatusActive); err != nil {
		return nil, fmt.Errorf("list active routes: %w", err)
	}
	return routes, nil
}

// ListRoutes returns routes (any status) with pagination.
func (s *Store) ListRoutes(ctx context.Context, limit, offset int) ([]Route, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var routes []Route
	query := fmt.Sprintf(`SELECT %s FROM api_routes ORDER BY id LIMIT $1 OFFSET $2`, routeColumns)
	if err := s.db.SelectContext(ctx, &routes, query, limit, offset); err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	return routes, nil
}

// GetRoute fetches a route by id.
func (s *Store) GetRoute(ctx context.Context, id int64) (*Route, error) {
	var route Route
	query := fmt.Sprintf(`SELECT %s FROM api_routes WHERE id = $1`, routeColumns)
	if err := s.db.GetContext(ctx, &route, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get route %d: %w", id, err)
	}
	return &route, nil
}

// CreateRoute inserts a route and returns it with the generated id.
func (s *Store) CreateRoute(ctx context.Context, r *Route) (*Route, error) {
	if r.Method == "" {
		r.Method = MethodAny
	}
	if r.PermissionStrategy == "" {
		r.PermissionStrategy = PermissionAny
	}
	if r.LoadBalanceStrategy == "" {
		r.LoadBalanceStrategy = StrategyRoundRobin
	}
	query := `INSERT INTO api_routes (
			service_name, path_pattern, method, version, is_active, requires_auth,
			required_permissions, permission_strategy, rate_limit_rpm, timeout_seconds,
			retry_count, circuit_breaker_enabled, cache_enabled, cache_ttl_seconds,
			load_balance_strategy, priority, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING ` + routeColumns
	var created Route
	err := s.db.GetContext(ctx, &created, query,
		r.ServiceName, r.PathPattern, r.Method, r.Version, r.IsActive, r.RequiresAuth,
		r.RequiredPermissions, r.PermissionStrategy, r.RateLimitRPM, r.TimeoutSeconds,
		r.RetryCount, r.CircuitBreakerEnabled, r.CacheEnabled, r.CacheTTLSeconds,
		r.LoadBalanceStrategy, r.Priority, RouteStatusActive,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create route: %w", err)
	}
	return &created, nil
}

// UpdateRoute updates all mutable fields of a route.
func (s *Store) UpdateRoute(ctx context.Context, r *Route) (*Route, error) {
	query := `UPDATE api_routes SET
			service_name = $2, path_pattern = $3, method = $4, version = $5,
			is_active = $6, requires_auth = $7, required_permissions = $8,
			permission_strategy = $9, rate_limit_rpm = $10, timeout_seconds = $11,
			retry_count = $12, circuit_breaker_enabled = $13, cache_enabled = $14,
			cache_ttl_seconds = $15, load_balance_strategy = $16, priority = $17,
			updated_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING ` + routeColumns
	var updated Route
	err := s.db.GetContext(ctx, &updated, query,
		r.ID, r.ServiceName, r.PathPattern, r.Method, r.Version,
		r.IsActive, r.RequiresAuth, r.RequiredPermissions,
		r.PermissionStrategy, r.RateLimitRPM, r.TimeoutSeconds,
		r.RetryCount, r.CircuitBreakerEnabled, r.CacheEnabled,
		r.CacheTTLSeconds, r.LoadBalanceStrategy, r.Priority,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("update route %d: %w", r.ID, err)
	}
	return &updated, nil
}

// DeleteRoute soft-deletes a route. The row stays for audit purposes.
func (s *Store) DeleteRoute(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_routes SET status = $2, is_active = FALSE, updated_at = NOW() WHERE id = $1 AND status = $3`,
		id, RouteStatusDeleted, RouteStatusActive,
	)
	if err != nil {
		return fmt.Errorf("delete route %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveRoutes is used by the health endpoint.
func (s *Store) CountActiveRoutes(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM api_routes WHERE status = $1 AND is_active`, RouteStatusActive)
	return n, err
}

// isUniqueViolation detects PostgreSQL unique-constraint errors (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	type sqlStater interface{ SQLState() string }
	var st sqlStater
	if errors.As(err, &st) {
		return st.SQLState() == "23505"
	}
	return false
}
