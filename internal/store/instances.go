package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Instance states.
const (
	InstanceHealthy   = "healthy"
	InstanceUnhealthy = "unhealthy"
	InstanceDraining  = "draining"
)

// ServiceInstance is a concrete network address serving a named service.
type ServiceInstance struct {
	ID              int64        `db:"id" json:"id"`
	ServiceName     string       `db:"service_name" json:"service_name"`
	InstanceID      string       `db:"instance_id" json:"instance_id"`
	Host            string       `db:"host" json:"host"`
	Port            int          `db:"port" json:"port"`
	Protocol        string       `db:"protocol" json:"protocol"`
	Weight          int          `db:"weight" json:"weight"`
	Status          string       `db:"instance_status" json:"status"`
	LastHealthCheck sql.NullTime `db:"last_health_check" json:"-"`
	HealthCheckURL  string       `db:"health_check_url" json:"health_check_url"`
	HealthIntervalS int          `db:"health_interval_s" json:"health_interval_s"`
	Metadata        JSONMap      `db:"metadata" json:"metadata"`
	RegisteredAt    time.Time    `db:"registered_at" json:"registered_at"`
}

// BaseURL returns the address requests are forwarded to.
func (i *ServiceInstance) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", i.Protocol, i.Host, i.Port)
}

// HealthInterval returns the per-instance health-check period.
func (i *ServiceInstance) HealthInterval() time.Duration {
	return time.Duration(i.HealthIntervalS) * time.Second
}

const instanceColumns = `id, service_name, instance_id, host, port, protocol, weight,
	instance_status, last_health_check, health_check_url, health_interval_s,
	metadata, registered_at`

// ListInstances returns all registered instances, optionally filtered by service.
func (s *Store) ListInstances(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	var instances []ServiceInstance
	var err error
	if serviceName == "" {
		query := fmt.Sprintf(`SELECT %s FROM service_instances ORDER BY service_name, instance_id`, instanceColumns)
		err = s.db.SelectContext(ctx, &instances, query)
	} else {
		query := fmt.Sprintf(`SELECT %s FROM service_instances WHERE service_name = $1 ORDER BY instance_id`, instanceColumns)
		err = s.db.SelectContext(ctx, &instances, query, serviceName)
	}
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return instances, nil
}

// RegisterInstance inserts an instance, or re-registers it if the
// (service_name, instance_id) pair already exists.
func (s *Store) RegisterInstance(ctx context.Context, inst *ServiceInstance) (*ServiceInstance, error) {
	if inst.Protocol == "" {
		inst.Protocol = "http"
	}
	// Weight is stored as given: zero is a deliberate "no traffic" setting,
	// not a default to paper over.
	if inst.Weight < 0 {
		inst.Weight = 0
	}
	if inst.HealthCheckURL == "" {
		inst.HealthCheckURL = "/health"
	}
	if inst.HealthIntervalS <= 0 {
		inst.HealthIntervalS = 30
	}
	query := `INSERT INTO service_instances (
			service_name, instance_id, host, port, protocol, weight,
			instance_status, health_check_url, health_interval_s, metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (service_name, instance_id) DO UPDATE SET
			host = EXCLUDED.host, port = EXCLUDED.port, protocol = EXCLUDED.protocol,
			weight = EXCLUDED.weight, instance_status = EXCLUDED.instance_status,
			health_check_url = EXCLUDED.health_check_url,
			health_interval_s = EXCLUDED.health_interval_s,
			metadata = EXCLUDED.metadata
		RETURNING ` + instanceColumns
	var created ServiceInstance
	err := s.db.GetContext(ctx, &created, query,
		inst.ServiceName, inst.InstanceID, inst.Host, inst.Port, inst.Protocol,
		inst.Weight, InstanceHealthy, inst.HealthCheckURL, inst.HealthIntervalS,
		inst.Metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("register instance: %w", err)
	}
	return &created, nil
}

// DeregisterInstance removes an instance by row id.
func (s *Store) DeregisterInstance(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM service_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deregister instance %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateInstanceStatus records a state transition and the check timestamp.
func (s *Store) UpdateInstanceStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE service_instances SET instance_status = $2, last_health_check = NOW() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("update instance %d status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountInstancesByStatus is used by the health endpoint.
func (s *Store) CountInstancesByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM service_instances WHERE instance_status = $1`, status)
	return n, err
}

// ValidInstanceStatus reports whether s is a known instance state.
func ValidInstanceStatus(s string) bool {
	switch s {
	case InstanceHealthy, InstanceUnhealthy, InstanceDraining:
		return true
	}
	return false
}
