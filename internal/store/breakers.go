package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BreakerRecord mirrors one circuit_breaker_states row. The in-memory
// breaker is authoritative at runtime; rows exist for observability and for
// warm starts.
type BreakerRecord struct {
	ServiceName      string       `db:"service_name" json:"service_name"`
	State            string       `db:"state" json:"state"`
	FailureCount     int          `db:"failure_count" json:"failure_count"`
	SuccessCount     int          `db:"success_count" json:"success_count"`
	LastFailureAt    sql.NullTime `db:"last_failure_at" json:"-"`
	NextAttemptAt    sql.NullTime `db:"next_attempt_at" json:"-"`
	FailureThreshold int          `db:"failure_threshold" json:"failure_threshold"`
	TimeoutSeconds   int          `db:"timeout_seconds" json:"timeout_seconds"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updated_at"`
}

// UpsertBreakerState persists a breaker transition.
func (s *Store) UpsertBreakerState(ctx context.Context, rec *BreakerRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO circuit_breaker_states (
			service_name, state, failure_count, success_count, last_failure_at,
			next_attempt_at, failure_threshold, timeout_seconds, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		ON CONFLICT (service_name) DO UPDATE SET
			state = EXCLUDED.state,
			failure_count = EXCLUDED.failure_count,
			success_count = EXCLUDED.success_count,
			last_failure_at = EXCLUDED.last_failure_at,
			next_attempt_at = EXCLUDED.next_attempt_at,
			failure_threshold = EXCLUDED.failure_threshold,
			timeout_seconds = EXCLUDED.timeout_seconds,
			updated_at = NOW()`,
		rec.ServiceName, rec.State, rec.FailureCount, rec.SuccessCount,
		rec.LastFailureAt, rec.NextAttemptAt, rec.FailureThreshold, rec.TimeoutSeconds,
	)
	if err != nil {
		return fmt.Errorf("upsert breaker state for %s: %w", rec.ServiceName, err)
	}
	return nil
}

// ListBreakerStates returns all persisted breaker rows.
func (s *Store) ListBreakerStates(ctx context.Context) ([]BreakerRecord, error) {
	var recs []BreakerRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT service_name, state, failure_count, success_count, last_failure_at,
			next_attempt_at, failure_threshold, timeout_seconds, updated_at
		FROM circuit_breaker_states ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("list breaker states: %w", err)
	}
	return recs, nil
}
