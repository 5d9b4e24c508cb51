package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/devopscentral/gateway/internal/auth"
	"github.com/devopscentral/gateway/internal/circuitbreaker"
	"github.com/devopscentral/gateway/internal/errors"
	"github.com/devopscentral/gateway/internal/logging"
	"github.com/devopscentral/gateway/internal/registry"
	"github.com/devopscentral/gateway/internal/store"
)

// API is the management surface: route and instance CRUD, breaker
// inspection and reset. All responses use the standard envelope.
type API struct {
	store     *store.Store
	registry  *registry.Registry
	breakers  *circuitbreaker.Manager
	validator *auth.Validator
	validate  *validator.Validate

	// onRoutesChanged is invoked after any mutation of the route set so
	// the gateway can rebuild its matcher without waiting for the timer.
	onRoutesChanged func()
}

// New creates the admin API.
func New(s *store.Store, reg *registry.Registry, breakers *circuitbreaker.Manager, v *auth.Validator, onRoutesChanged func()) *API {
	return &API{
		store:           s,
		registry:        reg,
		breakers:        breakers,
		validator:       v,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		onRoutesChanged: onRoutesChanged,
	}
}

// Router mounts the admin endpoints. Every route sits behind the admin
// token guard.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.requireAdmin)

	r.Route("/routes", func(r chi.Router) {
		r.Get("/", a.listRoutes)
		r.Post("/", a.createRoute)
		r.Get("/{id}", a.getRoute)
		r.Put("/{id}", a.updateRoute)
		r.Delete("/{id}", a.deleteRoute)
	})

	r.Route("/batch", func(r chi.Router) {
		r.Post("/routes", a.batchCreateRoutes)
		r.Post("/services", a.batchRegisterInstances)
	})

	r.Route("/services", func(r chi.Router) {
		r.Get("/", a.listInstances)
		r.Post("/", a.registerInstance)
		r.Delete("/{id}", a.deregisterInstance)
		r.Put("/{id}/drain", a.drainInstance)
	})

	r.Route("/breakers", func(r chi.Router) {
		r.Get("/", a.listBreakers)
		r.Post("/{service}/reset", a.resetBreaker)
	})

	r.Route("/permissions", func(r chi.Router) {
		r.Get("/", a.listPermissions)
		r.Post("/", a.createPermission)
	})

	return r
}

// requireAdmin admits only callers presenting a valid token with the admin
// role.
func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.validator.Validate(r.Context(), auth.ExtractToken(r))
		if err != nil {
			if gwErr, ok := errors.AsGatewayError(err); ok {
				gwErr.WriteJSON(w)
			} else {
				errors.ErrUnauthorized.WriteJSON(w)
			}
			return
		}
		if id.Role != "admin" {
			errors.ErrForbidden.WriteJSON(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// writeStoreError maps storage failures onto the envelope taxonomy.
// Conflicts and not-found are client-addressable and use the validation
// code; everything else is an internal error.
func writeStoreError(w http.ResponseWriter, err error) {
	switch err {
	case store.ErrNotFound:
		errors.WriteValidation(w, "resource not found")
	case store.ErrConflict:
		errors.WriteValidation(w, "duplicate resource")
	default:
		logging.Error("admin store operation failed", zap.Error(err))
		errors.ErrInternal.WriteJSON(w)
	}
}

// firstValidationError renders one field-level message from a validator
// error, keeping admin responses short and stable.
func firstValidationError(err error) string {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return "invalid field " + fe.Field() + ": failed " + fe.Tag()
	}
	return "invalid request body"
}

func (a *API) routesChanged() {
	if a.onRoutesChanged != nil {
		a.onRoutesChanged()
	}
}

// audit logs a mutation with the admin who performed it.
func audit(r *http.Request, action string, fields ...zap.Field) {
	actor := "unknown"
	if id := auth.IdentityFrom(r.Context()); id != nil {
		actor = id.UserID
	}
	logging.Info(action, append([]zap.Field{zap.String("actor", actor)}, fields...)...)
}
