package gateway

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devopscentral/gateway/internal/auth"
	"github.com/devopscentral/gateway/internal/authz"
	"github.com/devopscentral/gateway/internal/cache"
	"github.com/devopscentral/gateway/internal/calllog"
	"github.com/devopscentral/gateway/internal/circuitbreaker"
	"github.com/devopscentral/gateway/internal/config"
	"github.com/devopscentral/gateway/internal/errors"
	"github.com/devopscentral/gateway/internal/loadbalancer"
	"github.com/devopscentral/gateway/internal/logging"
	"github.com/devopscentral/gateway/internal/metrics"
	"github.com/devopscentral/gateway/internal/middleware"
	"github.com/devopscentral/gateway/internal/proxy"
	"github.com/devopscentral/gateway/internal/ratelimit"
	"github.com/devopscentral/gateway/internal/registry"
	"github.com/devopscentral/gateway/internal/respcache"
	"github.com/devopscentral/gateway/internal/router"
	"github.com/devopscentral/gateway/internal/store"
)

// Gateway is the ingress pipeline: route match, auth, permissions, rate
// limit, response cache, then the proxy engine. It also owns the background
// machinery around the pipeline: route refresh, health checking, breaker and
// instance state persistence, call logging and metrics.
type Gateway struct {
	cfg   *config.Config
	store *store.Store
	cache *cache.Cache

	table      *router.Table
	registry   *registry.Registry
	health     *registry.Checker
	breakers   *circuitbreaker.Manager
	engine     *proxy.Engine
	limiter    *ratelimit.Limiter
	validator  *auth.Validator
	authorizer *authz.Checker
	respCache  *respcache.Cache
	callLogs   *calllog.Writer
	metrics    *metrics.Metrics

	routes atomic.Value // []store.Route, for the OpenAPI document

	refreshCh     chan struct{}
	stopCh        chan struct{}
	loopDone      chan struct{}
	droppedLogged int64
}

// New wires the pipeline. Nothing starts running until Start.
func New(cfg *config.Config, s *store.Store, c *cache.Cache) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		store:     s,
		cache:     c,
		table:     router.NewTable(),
		metrics:   metrics.New(),
		refreshCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	g.routes.Store([]store.Route(nil))

	g.registry = registry.New(g.onInstanceStateChange)
	g.health = registry.NewChecker(g.registry, registry.CheckerConfig{
		Timeout:            cfg.HealthCheckTimeout,
		UnhealthyThreshold: cfg.UnhealthyThreshold,
	})
	g.breakers = circuitbreaker.NewManager(
		cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout, c, g.onBreakerStateChange)
	g.engine = proxy.New(loadbalancer.NewSelector(g.registry), g.breakers, cfg.RequestTimeout)
	g.limiter = ratelimit.New(c)
	g.validator = auth.NewValidator(cfg.JWTSecretKey, auth.NewRevocationSet(c), c, cfg.TokenCacheTTL)
	g.authorizer = authz.NewChecker(&authz.StoreSource{Store: s}, c, cfg.UserCacheTTL)
	g.respCache = respcache.New(c, 1024, cfg.ResponseCacheDefaultTTL, int(cfg.ResponseCacheMaxBody))
	g.callLogs = calllog.New(s, cfg.CallLogQueueSize)
	return g
}

// Start loads persisted state and launches the background loops.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.reloadRoutes(ctx); err != nil {
		return err
	}

	instances, err := g.store.ListInstances(ctx, "")
	if err != nil {
		return err
	}
	g.registry.Load(instances)
	for _, inst := range instances {
		g.metrics.SetHealthyInstances(inst.ServiceName, len(g.registry.ListHealthy(inst.ServiceName)))
	}

	// Warm-start breakers so a restart does not forget an open circuit.
	if rows, err := g.store.ListBreakerStates(ctx); err != nil {
		logging.Warn("breaker state restore skipped", zap.Error(err))
	} else {
		g.breakers.Restore(rows)
		for _, snap := range g.breakers.Snapshots() {
			g.metrics.SetBreakerState(snap.Service, breakerStateValue(snap.State))
		}
	}

	g.callLogs.Start()
	g.health.Start()
	go g.refreshLoop()

	logging.Info("gateway started",
		zap.Int("routes", g.table.Len()),
		zap.Int("instances", len(instances)))
	return nil
}

// Stop halts the background loops and flushes pending call logs.
func (g *Gateway) Stop() {
	g.health.Stop()
	close(g.stopCh)
	<-g.loopDone
	g.callLogs.Stop()
}

// RefreshRoutes schedules an immediate route reload. Called by the admin API
// after mutations; coalesces with any reload already pending.
func (g *Gateway) RefreshRoutes() {
	select {
	case g.refreshCh <- struct{}{}:
	default:
	}
}

// Handler returns the public entrypoint with the ambient middleware applied.
func (g *Gateway) Handler() http.Handler {
	return middleware.NewChain(
		middleware.Recover(func(r *http.Request, v interface{}) {
			logging.Error("panic while handling request",
				zap.String("path", r.URL.Path), zap.Any("panic", v))
		}),
		middleware.RequestID(),
		middleware.ResponseTime(),
		middleware.SecurityHeaders(),
		middleware.CORS(g.cfg.CORSOrigins),
	).Then(http.HandlerFunc(g.serve))
}

// serve runs one request through the pipeline.
func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	finish := g.metrics.RequestStarted()
	defer finish()

	ctx := r.Context()

	match := g.table.Match(r.Method, r.URL.Path)
	if match == nil {
		errors.ErrRouteNotFound.WriteJSON(w)
		g.observe(r, "", nil, sql.NullBool{}, &proxy.Result{
			Status:       errors.ErrRouteNotFound.HTTPStatus,
			ErrorMessage: "no route matched",
		}, started)
		return
	}
	route := match.Route

	var id *auth.Identity
	permissionOK := sql.NullBool{}
	if route.RequiresAuth {
		ident, err := g.validator.Validate(ctx, auth.ExtractToken(r))
		if err != nil {
			gwErr := asGatewayError(err, errors.ErrUnauthorized)
			gwErr.WriteJSON(w)
			g.observe(r, route.ServiceName, nil, permissionOK, &proxy.Result{
				Status: gwErr.HTTPStatus, Service: route.ServiceName, ErrorMessage: gwErr.Msg,
			}, started)
			return
		}
		id = ident

		if len(route.RequiredPermissions) > 0 {
			if err := g.authorizer.Check(ctx, id, route.RequiredPermissions, route.PermissionStrategy); err != nil {
				permissionOK = sql.NullBool{Bool: false, Valid: true}
				gwErr := asGatewayError(err, errors.ErrForbidden)
				gwErr.WriteJSON(w)
				g.observe(r, route.ServiceName, id, permissionOK, &proxy.Result{
					Status: gwErr.HTTPStatus, Service: route.ServiceName, ErrorMessage: gwErr.Msg,
				}, started)
				return
			}
			permissionOK = sql.NullBool{Bool: true, Valid: true}
		}
	}

	if !g.admitRate(w, r, route, id, permissionOK, started) {
		return
	}

	var cacheKey string
	if route.CacheEnabled && r.Method == http.MethodGet {
		cacheKey = respcache.BuildKey(route.ID, r.Method, r.URL.Path, r.URL.RawQuery, cacheSubject(id))
		if entry := g.respCache.Get(ctx, cacheKey); entry != nil {
			g.metrics.RecordCacheHit(route.ServiceName)
			g.serveCached(w, r, route, entry, id, permissionOK, started)
			return
		}
		g.metrics.RecordCacheMiss(route.ServiceName)
		w.Header().Set("X-Cache", "MISS")
	}

	out := w
	var rec *responseRecorder
	if cacheKey != "" {
		rec = newResponseRecorder(w, int(g.cfg.ResponseCacheMaxBody))
		out = rec
	}

	res := g.engine.Forward(out, r, route)

	if res.BreakerRejected {
		g.metrics.RecordBreakerRejected(route.ServiceName)
	}
	for i := 0; i < res.Retries; i++ {
		g.metrics.RecordRetry(route.ServiceName)
	}

	if rec != nil && !rec.overflowed && respcache.Cacheable(r.Method, res.Status, rec.Header()) {
		ttl := route.CacheTTL()
		if ttl <= 0 {
			ttl = g.cfg.ResponseCacheDefaultTTL
		}
		g.respCache.Put(ctx, cacheKey, &respcache.Entry{
			Status: res.Status,
			Header: storableHeaders(rec.Header()),
			Body:   rec.body,
		}, ttl)
	}

	g.observe(r, route.ServiceName, id, permissionOK, res, started)
}

// admitRate applies the route's rate limit. Returns false when the request
// was rejected and the response already written.
func (g *Gateway) admitRate(w http.ResponseWriter, r *http.Request, route *store.Route, id *auth.Identity, permissionOK sql.NullBool, started time.Time) bool {
	limit := route.RateLimitRPM
	if limit == 0 {
		limit = g.cfg.DefaultRateLimitRPM
	}
	if limit <= 0 {
		return true
	}

	// The window is keyed on the route pattern, not the raw path, so every
	// value of a path parameter debits the same budget.
	subject := rateSubject(id, r)
	dec := g.limiter.Allow(r.Context(), ratelimit.Key(subject, route.PathPattern), limit, g.cfg.DefaultRateLimitWindow)
	if !dec.FailedOpen {
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
		remaining := dec.Remaining
		if remaining < 0 {
			remaining = 0
		}
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !dec.Reset.IsZero() {
			h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.Reset.Unix(), 10))
		}
	}
	if dec.Allowed {
		return true
	}

	g.metrics.RecordRateLimited(route.ServiceName)
	if retryAfter := int(time.Until(dec.Reset).Seconds()); retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	errors.ErrRateLimited.WriteJSON(w)

	// Audit row, off the request path.
	go func(subject, path string) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := g.store.RecordRateLimitRejection(ctx, subject, path); err != nil {
			logging.Warn("rate limit audit write failed", zap.Error(err))
		}
	}(subject, r.URL.Path)

	g.observe(r, route.ServiceName, id, permissionOK, &proxy.Result{
		Status: errors.ErrRateLimited.HTTPStatus, Service: route.ServiceName,
		ErrorMessage: "rate limit exceeded",
	}, started)
	return false
}

// serveCached writes a cache hit.
func (g *Gateway) serveCached(w http.ResponseWriter, r *http.Request, route *store.Route, entry *respcache.Entry, id *auth.Identity, permissionOK sql.NullBool, started time.Time) {
	h := w.Header()
	for k, vv := range entry.Header {
		h[k] = vv
	}
	h.Set("X-Cache", "HIT")
	h.Set("Age", strconv.Itoa(entry.Age()))
	w.WriteHeader(entry.Status)
	n, _ := w.Write(entry.Body)

	g.observe(r, route.ServiceName, id, permissionOK, &proxy.Result{
		Status: entry.Status, BytesWritten: int64(n), Service: route.ServiceName,
	}, started)
}

// observe settles per-request metrics and enqueues the call log record.
func (g *Gateway) observe(r *http.Request, serviceName string, id *auth.Identity, permissionOK sql.NullBool, res *proxy.Result, started time.Time) {
	elapsed := time.Since(started)

	label := serviceName
	if label == "" {
		label = "unmatched"
	}
	g.metrics.RecordRequest(label, r.Method, res.Status, elapsed)

	rec := &store.CallLog{
		RequestID:      middleware.RequestIDFromContext(r.Context()),
		Method:         r.Method,
		Path:           r.URL.Path,
		QueryParams:    r.URL.RawQuery,
		Headers:        logHeaders(r.Header),
		ClientIP:       proxy.ClientIP(r),
		UserAgent:      r.UserAgent(),
		TargetService:  serviceName,
		ResponseStatus: res.Status,
		ResponseSize:   res.BytesWritten,
		ResponseTimeMS: elapsed.Milliseconds(),
		ErrorMessage:   res.ErrorMessage,
		PermissionOK:   permissionOK,
		StartedAt:      started,
		CompletedAt:    started.Add(elapsed),
	}
	if id != nil {
		rec.UserID = sql.NullString{String: id.UserID, Valid: true}
	}
	g.callLogs.Record(rec)
}

// refreshLoop periodically rebuilds the route table and bridges queue-drop
// counts into metrics. Admin mutations trigger an immediate pass.
func (g *Gateway) refreshLoop() {
	defer close(g.loopDone)

	interval := g.cfg.RouteRefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-g.refreshCh:
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := g.reloadRoutes(ctx); err != nil {
			logging.Error("route refresh failed", zap.Error(err))
		}
		cancel()

		if dropped := g.callLogs.Dropped(); dropped > g.droppedLogged {
			g.metrics.RecordCallLogDropped(dropped - g.droppedLogged)
			g.droppedLogged = dropped
		}
	}
}

// reloadRoutes replaces the route table from the store. The previous table
// keeps serving until the swap.
func (g *Gateway) reloadRoutes(ctx context.Context) error {
	routes, err := g.store.ListActiveRoutes(ctx)
	if err != nil {
		return err
	}
	g.table.Rebuild(routes)
	g.routes.Store(routes)
	logging.Debug("route table rebuilt", zap.Int("routes", len(routes)))
	return nil
}

// onInstanceStateChange persists health transitions and refreshes the
// per-service healthy gauge.
func (g *Gateway) onInstanceStateChange(ev registry.StateChange) {
	g.metrics.SetHealthyInstances(ev.Instance.ServiceName,
		len(g.registry.ListHealthy(ev.Instance.ServiceName)))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := g.store.UpdateInstanceStatus(ctx, ev.Instance.ID, ev.To); err != nil {
			logging.Warn("instance status persist failed",
				zap.Int64("id", ev.Instance.ID), zap.String("to", ev.To), zap.Error(err))
		}
	}()
}

// onBreakerStateChange persists breaker transitions and publishes the state
// gauge.
func (g *Gateway) onBreakerStateChange(snap circuitbreaker.Snapshot) {
	g.metrics.SetBreakerState(snap.Service, breakerStateValue(snap.State))
	logging.Warn("circuit breaker transition",
		zap.String("service", snap.Service),
		zap.String("state", snap.State),
		zap.Int("failures", snap.FailureCount))

	rec := &store.BreakerRecord{
		ServiceName:      snap.Service,
		State:            snap.State,
		FailureCount:     snap.FailureCount,
		SuccessCount:     int(snap.TotalSuccesses),
		FailureThreshold: snap.Threshold,
		TimeoutSeconds:   int(g.cfg.CircuitBreakerTimeout.Seconds()),
	}
	if !snap.LastFailure.IsZero() {
		rec.LastFailureAt = sql.NullTime{Time: snap.LastFailure, Valid: true}
	}
	if snap.State == "open" && !snap.OpenedAt.IsZero() {
		rec.NextAttemptAt = sql.NullTime{
			Time: snap.OpenedAt.Add(g.cfg.CircuitBreakerTimeout), Valid: true,
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := g.store.UpsertBreakerState(ctx, rec); err != nil {
			logging.Warn("breaker state persist failed",
				zap.String("service", rec.ServiceName), zap.Error(err))
		}
	}()
}

func breakerStateValue(state string) int {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

// rateSubject identifies the caller for rate limiting: the authenticated
// user when known, otherwise the client address.
func rateSubject(id *auth.Identity, r *http.Request) string {
	if id != nil {
		return "user:" + id.UserID
	}
	return "ip:" + proxy.ClientIP(r)
}

// cacheSubject partitions cached responses per user on authenticated routes
// so one caller never sees another's payload.
func cacheSubject(id *auth.Identity) string {
	if id != nil {
		return id.UserID
	}
	return ""
}

// asGatewayError narrows err to the envelope taxonomy, falling back to base.
func asGatewayError(err error, base *errors.GatewayError) *errors.GatewayError {
	if gwErr, ok := errors.AsGatewayError(err); ok {
		return gwErr
	}
	return base
}

// logHeaders selects request headers worth persisting. Credentials never
// reach the log table.
func logHeaders(h http.Header) store.JSONMap {
	out := make(store.JSONMap, len(h))
	for k, vv := range h {
		switch k {
		case "Authorization", "Cookie", "Proxy-Authorization":
			continue
		}
		if len(vv) > 0 {
			out[k] = vv[0]
		}
	}
	return out
}

// storableHeaders clones response headers for the cache, minus the
// per-request markers that would be stale on replay.
func storableHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		out[k] = append([]string(nil), vv...)
	}
	out.Del("X-Cache")
	out.Del("Age")
	out.Del("X-Request-Id")
	return out
}

// responseRecorder tees the upstream response into a bounded buffer so a
// cacheable body can be stored after it is relayed.
type responseRecorder struct {
	http.ResponseWriter
	status     int
	body       []byte
	limit      int
	overflowed bool
}

func newResponseRecorder(w http.ResponseWriter, limit int) *responseRecorder {
	if limit <= 0 {
		limit = 1 << 20
	}
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK, limit: limit}
}

func (rec *responseRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *responseRecorder) Write(p []byte) (int, error) {
	if !rec.overflowed {
		if len(rec.body)+len(p) <= rec.limit {
			rec.body = append(rec.body, p...)
		} else {
			rec.overflowed = true
			rec.body = nil
		}
	}
	return rec.ResponseWriter.Write(p)
}
