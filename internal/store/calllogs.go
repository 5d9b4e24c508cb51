package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CallLog is one completed-request record. Written asynchronously by the
// call logger; never on the request path.
type CallLog struct {
	RequestID      string         `db:"request_id"`
	UserID         sql.NullString `db:"user_id"`
	Method         string         `db:"method"`
	Path           string         `db:"path"`
	QueryParams    string         `db:"query_params"`
	Headers        JSONMap        `db:"headers"`
	ClientIP       string         `db:"client_ip"`
	UserAgent      string         `db:"user_agent"`
	TargetService  string         `db:"target_service"`
	ResponseStatus int            `db:"response_status"`
	ResponseSize   int64          `db:"response_size"`
	ResponseTimeMS int64          `db:"response_time_ms"`
	ErrorMessage   string         `db:"error_message"`
	PermissionOK   sql.NullBool   `db:"permission_ok"`
	StartedAt      time.Time      `db:"started_at"`
	CompletedAt    time.Time      `db:"completed_at"`
}

// InsertCallLogs writes a batch of call logs in one statement.
func (s *Store) InsertCallLogs(ctx context.Context, logs []CallLog) error {
	if len(logs) == 0 {
		return nil
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO api_call_logs (
			request_id, user_id, method, path, query_params, headers, client_ip,
			user_agent, target_service, response_status, response_size,
			response_time_ms, error_message, permission_ok, started_at, completed_at
		) VALUES (
			:request_id, :user_id, :method, :path, :query_params, :headers, :client_ip,
			:user_agent, :target_service, :response_status, :response_size,
			:response_time_ms, :error_message, :permission_ok, :started_at, :completed_at
		)`, logs)
	if err != nil {
		return fmt.Errorf("insert %d call logs: %w", len(logs), err)
	}
	return nil
}

// RecordRateLimitRejection writes an audit row for a rejected request.
// Best effort; admission decisions never depend on this table.
func (s *Store) RecordRateLimitRejection(ctx context.Context, identifier, endpoint string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_records (identifier, endpoint) VALUES ($1, $2)`,
		identifier, endpoint)
	return err
}
