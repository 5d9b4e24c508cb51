package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/devopscentral/gateway/internal/errors"
	"github.com/devopscentral/gateway/internal/store"
)

// routeRequest is the admin input for creating or replacing a route.
type routeRequest struct {
	ServiceName           string   `json:"service_name" validate:"required,max=128"`
	PathPattern           string   `json:"path_pattern" validate:"required,startswith=/,max=512"`
	Method                string   `json:"method" validate:"omitempty,oneof=GET POST PUT DELETE PATCH HEAD OPTIONS ANY"`
	Version               string   `json:"version" validate:"max=32"`
	IsActive              *bool    `json:"is_active"`
	RequiresAuth          bool     `json:"requires_auth"`
	RequiredPermissions   []string `json:"required_permissions" validate:"dive,required,max=128"`
	PermissionStrategy    string   `json:"permission_strategy" validate:"omitempty,oneof=any all"`
	RateLimitRPM          int      `json:"rate_limit_rpm" validate:"gte=0"`
	TimeoutSeconds        int      `json:"timeout_seconds" validate:"gte=0,lte=300"`
	RetryCount            int      `json:"retry_count" validate:"gte=0,lte=5"`
	CircuitBreakerEnabled bool     `json:"circuit_breaker_enabled"`
	CacheEnabled          bool     `json:"cache_enabled"`
	CacheTTLSeconds       int      `json:"cache_ttl_seconds" validate:"gte=0,lte=86400"`
	LoadBalanceStrategy   string   `json:"load_balance_strategy" validate:"omitempty,oneof=round_robin weighted least_connections"`
	Priority              int      `json:"priority"`
}

func (req *routeRequest) toRoute() *store.Route {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return &store.Route{
		ServiceName:           req.ServiceName,
		PathPattern:           req.PathPattern,
		Method:                req.Method,
		Version:               req.Version,
		IsActive:              active,
		RequiresAuth:          req.RequiresAuth,
		RequiredPermissions:   store.StringList(req.RequiredPermissions),
		PermissionStrategy:    req.PermissionStrategy,
		RateLimitRPM:          req.RateLimitRPM,
		TimeoutSeconds:        req.TimeoutSeconds,
		RetryCount:            req.RetryCount,
		CircuitBreakerEnabled: req.CircuitBreakerEnabled,
		CacheEnabled:          req.CacheEnabled,
		CacheTTLSeconds:       req.CacheTTLSeconds,
		LoadBalanceStrategy:   req.LoadBalanceStrategy,
		Priority:              req.Priority,
	}
}

// pageParams reads ?page and ?page_size with sane bounds.
func pageParams(r *http.Request) (limit, offset, page int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	if limit < 1 || limit > 500 {
		limit = 50
	}
	return limit, (page - 1) * limit, page
}

func (a *API) listRoutes(w http.ResponseWriter, r *http.Request) {
	limit, offset, page := pageParams(r)
	routes, err := a.store.ListRoutes(r.Context(), limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	errors.WriteOK(w, map[string]interface{}{
		"items":     routes,
		"page":      page,
		"page_size": limit,
	})
}

func (a *API) getRoute(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		errors.WriteValidation(w, "invalid route id")
		return
	}
	route, err := a.store.GetRoute(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	errors.WriteOK(w, route)
}

func (a *API) createRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteValidation(w, "malformed JSON body")
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		errors.WriteValidation(w, firstValidationError(err))
		return
	}

	created, err := a.store.CreateRoute(r.Context(), req.toRoute())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	audit(r, "route created", zap.Int64("id", created.ID), zap.String("pattern", created.PathPattern))
	a.routesChanged()
	errors.WriteOK(w, created)
}

func (a *API) updateRoute(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		errors.WriteValidation(w, "invalid route id")
		return
	}
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteValidation(w, "malformed JSON body")
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		errors.WriteValidation(w, firstValidationError(err))
		return
	}

	route := req.toRoute()
	route.ID = id
	updated, err := a.store.UpdateRoute(r.Context(), route)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	audit(r, "route updated", zap.Int64("id", updated.ID), zap.String("pattern", updated.PathPattern))
	a.routesChanged()
	errors.WriteOK(w, updated)
}

func (a *API) deleteRoute(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		errors.WriteValidation(w, "invalid route id")
		return
	}
	if err := a.store.DeleteRoute(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	audit(r, "route deleted", zap.Int64("id", id))
	a.routesChanged()
	errors.WriteOK(w, map[string]int64{"id": id})
}

// batchResult reports the outcome for one entry of a batch create.
type batchResult struct {
	Index int          `json:"index"`
	Route *store.Route `json:"route,omitempty"`
	Error string       `json:"error,omitempty"`
}

// batchCreateRoutes creates routes independently: one bad entry does not
// abort the rest, and each entry's outcome is reported positionally.
func (a *API) batchCreateRoutes(w http.ResponseWriter, r *http.Request) {
	var reqs []routeRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		errors.WriteValidation(w, "malformed JSON body")
		return
	}
	if len(reqs) == 0 || len(reqs) > 100 {
		errors.WriteValidation(w, "batch size must be between 1 and 100")
		return
	}

	results := make([]batchResult, len(reqs))
	created := 0
	for i := range reqs {
		results[i].Index = i
		if err := a.validate.Struct(&reqs[i]); err != nil {
			results[i].Error = firstValidationError(err)
			continue
		}
		route, err := a.store.CreateRoute(r.Context(), reqs[i].toRoute())
		if err != nil {
			switch err {
			case store.ErrConflict:
				results[i].Error = "duplicate resource"
			default:
				results[i].Error = "create failed"
			}
			continue
		}
		results[i].Route = route
		created++
	}
	if created > 0 {
		audit(r, "routes batch created", zap.Int("created", created), zap.Int("requested", len(reqs)))
		a.routesChanged()
	}
	errors.WriteOK(w, map[string]interface{}{
		"created": created,
		"results": results,
	})
}
