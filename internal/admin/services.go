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

// instanceRequest is the admin input for registering a service instance.
// Weight is a pointer so an explicit zero (take the instance out of weighted
// rotation) is distinguishable from an omitted field (defaults to 1).
type instanceRequest struct {
	ServiceName     string            `json:"service_name" validate:"required,max=128"`
	InstanceID      string            `json:"instance_id" validate:"required,max=128"`
	Host            string            `json:"host" validate:"required,max=255"`
	Port            int               `json:"port" validate:"required,gte=1,lte=65535"`
	Protocol        string            `json:"protocol" validate:"omitempty,oneof=http https"`
	Weight          *int              `json:"weight" validate:"omitempty,gte=0,lte=1000"`
	HealthCheckURL  string            `json:"health_check_url" validate:"omitempty,startswith=/,max=255"`
	HealthIntervalS int               `json:"health_interval_s" validate:"gte=0,lte=3600"`
	Metadata        map[string]string `json:"metadata"`
}

func (req *instanceRequest) toInstance() *store.ServiceInstance {
	weight := 1
	if req.Weight != nil {
		weight = *req.Weight
	}
	return &store.ServiceInstance{
		ServiceName:     req.ServiceName,
		InstanceID:      req.InstanceID,
		Host:            req.Host,
		Port:            req.Port,
		Protocol:        req.Protocol,
		Weight:          weight,
		HealthCheckURL:  req.HealthCheckURL,
		HealthIntervalS: req.HealthIntervalS,
		Metadata:        store.JSONMap(req.Metadata),
	}
}

func (a *API) listInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := a.store.ListInstances(r.Context(), r.URL.Query().Get("service_name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	errors.WriteOK(w, map[string]interface{}{"items": instances})
}

func (a *API) registerInstance(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteValidation(w, "malformed JSON body")
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		errors.WriteValidation(w, firstValidationError(err))
		return
	}

	created, err := a.store.RegisterInstance(r.Context(), req.toInstance())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	a.registry.Register(created)
	audit(r, "instance registered",
		zap.String("service", created.ServiceName), zap.String("instance", created.InstanceID))
	errors.WriteOK(w, created)
}

// instanceBatchResult reports the outcome for one entry of a batch
// registration.
type instanceBatchResult struct {
	Index    int                    `json:"index"`
	Instance *store.ServiceInstance `json:"instance,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// batchRegisterInstances registers instances independently: one bad entry
// does not abort the rest, and each entry's outcome is reported
// positionally.
func (a *API) batchRegisterInstances(w http.ResponseWriter, r *http.Request) {
	var reqs []instanceRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		errors.WriteValidation(w, "malformed JSON body")
		return
	}
	if len(reqs) == 0 || len(reqs) > 100 {
		errors.WriteValidation(w, "batch size must be between 1 and 100")
		return
	}

	results := make([]instanceBatchResult, len(reqs))
	created := 0
	for i := range reqs {
		results[i].Index = i
		if err := a.validate.Struct(&reqs[i]); err != nil {
			results[i].Error = firstValidationError(err)
			continue
		}
		inst, err := a.store.RegisterInstance(r.Context(), reqs[i].toInstance())
		if err != nil {
			switch err {
			case store.ErrConflict:
				results[i].Error = "duplicate resource"
			default:
				results[i].Error = "register failed"
			}
			continue
		}
		a.registry.Register(inst)
		results[i].Instance = inst
		created++
	}
	if created > 0 {
		audit(r, "instances batch registered", zap.Int("created", created), zap.Int("requested", len(reqs)))
	}
	errors.WriteOK(w, map[string]interface{}{
		"created": created,
		"results": results,
	})
}

func (a *API) deregisterInstance(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		errors.WriteValidation(w, "invalid instance id")
		return
	}
	if err := a.store.DeregisterInstance(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	a.registry.Deregister(id)
	audit(r, "instance deregistered", zap.Int64("id", id))
	errors.WriteOK(w, map[string]int64{"id": id})
}

// drainInstance takes an instance out of rotation without dropping its
// in-flight requests.
func (a *API) drainInstance(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		errors.WriteValidation(w, "invalid instance id")
		return
	}
	if err := a.store.UpdateInstanceStatus(r.Context(), id, store.InstanceDraining); err != nil {
		writeStoreError(w, err)
		return
	}
	a.registry.Drain(id)
	audit(r, "instance draining", zap.Int64("id", id))
	errors.WriteOK(w, map[string]interface{}{"id": id, "status": store.InstanceDraining})
}

func (a *API) listBreakers(w http.ResponseWriter, r *http.Request) {
	errors.WriteOK(w, map[string]interface{}{"items": a.breakers.Snapshots()})
}

func (a *API) resetBreaker(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if !a.breakers.Reset(r.Context(), service) {
		errors.WriteValidation(w, "no breaker for service")
		return
	}
	audit(r, "breaker reset", zap.String("service", service))
	errors.WriteOK(w, map[string]string{"service_name": service, "state": "closed"})
}

// permissionRequest is the admin input for defining a permission code.
type permissionRequest struct {
	Code        string `json:"code" validate:"required,max=128"`
	Description string `json:"description" validate:"max=512"`
}

func (a *API) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.store.ListPermissions(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	errors.WriteOK(w, map[string]interface{}{"items": perms})
}

func (a *API) createPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteValidation(w, "malformed JSON body")
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		errors.WriteValidation(w, firstValidationError(err))
		return
	}
	created, err := a.store.CreatePermission(r.Context(), req.Code, req.Description)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	errors.WriteOK(w, created)
}
