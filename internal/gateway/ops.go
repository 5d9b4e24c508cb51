package gateway

import (
	"context"
	_ "embed"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devopscentral/gateway/internal/auth"
	"github.com/devopscentral/gateway/internal/errors"
	"github.com/devopscentral/gateway/internal/logging"
	"github.com/devopscentral/gateway/internal/store"
)

//go:embed swagger.html
var swaggerHTML []byte

// handleHealth reports gateway liveness and dependency reachability. The
// database is load-bearing, so its failure degrades the whole check; Redis
// outages are reported but the gateway keeps serving (fail-open paths).
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	type component struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	body := struct {
		Status            string               `json:"status"`
		Components        map[string]component `json:"components"`
		Routes            int                  `json:"routes"`
		HealthyInstances  int                  `json:"healthy_instances"`
		PersistedRoutes   int                  `json:"persisted_routes"`
		DrainingInstances int                  `json:"draining_instances"`
	}{
		Status:           "ok",
		Components:       make(map[string]component, 2),
		Routes:           g.table.Len(),
		HealthyInstances: g.registry.HealthyCount(),
	}

	status := http.StatusOK
	if err := g.store.Ping(ctx); err != nil {
		body.Components["database"] = component{Status: "down", Error: err.Error()}
		body.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		body.Components["database"] = component{Status: "up"}
		// Persisted counts let operators spot drift between the store and
		// the in-memory table between refresh ticks.
		if n, err := g.store.CountActiveRoutes(ctx); err == nil {
			body.PersistedRoutes = n
		}
		if n, err := g.store.CountInstancesByStatus(ctx, store.InstanceDraining); err == nil {
			body.DrainingInstances = n
		}
	}
	if err := g.cache.Ping(ctx); err != nil {
		body.Components["redis"] = component{Status: "down", Error: err.Error()}
		if body.Status == "ok" {
			body.Status = "degraded"
		}
	} else {
		body.Components["redis"] = component{Status: "up"}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// handleLogout revokes the presented token. Subsequent requests carrying it
// are rejected even if a validation result is still cached.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id, err := g.validator.Validate(r.Context(), auth.ExtractToken(r))
	if err != nil {
		asGatewayError(err, errors.ErrUnauthorized).WriteJSON(w)
		return
	}
	if err := g.validator.Revoke(r.Context(), id); err != nil {
		logging.Error("token revocation failed", zap.String("jti", id.JTI), zap.Error(err))
		errors.ErrInternal.WriteJSON(w)
		return
	}
	errors.WriteOK(w, map[string]interface{}{"revoked": true, "jti": id.JTI})
}

// handleSwaggerUI serves the embedded API browser page.
func (g *Gateway) handleSwaggerUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(swaggerHTML)
}

// handleOpenAPI renders an OpenAPI 3 document generated from the active
// route table, consumed by the swagger page.
func (g *Gateway) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	routes, _ := g.routes.Load().([]store.Route)

	paths := make(map[string]map[string]interface{}, len(routes))
	for i := range routes {
		route := &routes[i]
		path := openapiPath(route.PathPattern)
		ops, ok := paths[path]
		if !ok {
			ops = make(map[string]interface{}, 2)
			paths[path] = ops
		}
		for _, method := range openapiMethods(route.Method) {
			ops[method] = map[string]interface{}{
				"summary": route.ServiceName,
				"tags":    []string{route.ServiceName},
				"responses": map[string]interface{}{
					"200": map[string]interface{}{"description": "upstream response"},
				},
			}
		}
	}

	doc := map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   "DevOps Central Gateway",
			"version": "1.0",
		},
		"paths": paths,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

// openapiPath converts :param segments to the {param} OpenAPI form.
func openapiPath(pattern string) string {
	segments := strings.Split(pattern, "/")
	for i, seg := range segments {
		if strings.HasPrefix(seg, ":") {
			segments[i] = "{" + seg[1:] + "}"
		}
	}
	return strings.Join(segments, "/")
}

func openapiMethods(method string) []string {
	if method == store.MethodAny {
		return []string{"get", "post", "put", "delete", "patch"}
	}
	return []string{strings.ToLower(method)}
}
