package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MigoXLab/lmeterx/pkg/models"
)

// rawTaskRow mirrors the all_tasks view's column shape; JSON and
// duration columns are scanned raw and converted in toTask, since
// models.Task keeps those fields tagged db:"-" (sqlx can't unmarshal
// JSONB or integer-seconds directly into them).
type rawTaskRow struct {
	ID        string `db:"id"`
	Kind      string `db:"kind"`
	Name      string `db:"name"`
	CreatedBy string `db:"created_by"`

	TargetHost string         `db:"target_host"`
	APIPath    string         `db:"api_path"`
	Method     string         `db:"method"`
	Headers    []byte         `db:"headers"`
	Cookies    []byte         `db:"cookies"`
	CertConfig sql.NullString `db:"cert_config"`

	APIType        sql.NullString `db:"api_type"`
	Model          sql.NullString `db:"model"`
	StreamMode     bool           `db:"stream_mode"`
	ChatType       sql.NullString `db:"chat_type"`
	RequestPayload []byte         `db:"request_payload"`
	FieldMapping   []byte         `db:"field_mapping"`

	DatasetID   sql.NullString `db:"dataset_id"`
	DatasetPath sql.NullString `db:"dataset_path"`

	ConcurrentUsers       int     `db:"concurrent_users"`
	SpawnRate             float64 `db:"spawn_rate"`
	DurationSeconds       int     `db:"duration_seconds"`
	WarmupEnabled         bool    `db:"warmup_enabled"`
	WarmupDurationSeconds int     `db:"warmup_duration_seconds"`

	LoadMode                   string `db:"load_mode"`
	StepStartUsers             int    `db:"step_start_users"`
	StepIncrement              int    `db:"step_increment"`
	StepDurationSeconds        int    `db:"step_duration_seconds"`
	StepMaxUsers               int    `db:"step_max_users"`
	StepSustainDurationSeconds int    `db:"step_sustain_duration_seconds"`

	Status       string       `db:"status"`
	IsDeleted    int          `db:"is_deleted"`
	CreatedAt    time.Time    `db:"created_at"`
	LockedBy     sql.NullString `db:"locked_by"`
	LockedAt     sql.NullTime   `db:"locked_at"`
	StartedAt    sql.NullTime   `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
	ErrorMessage string       `db:"error_message"`
}

func (r *rawTaskRow) toTask() (*models.Task, error) {
	t := &models.Task{
		ID:         r.ID,
		Kind:       models.Kind(r.Kind),
		Name:       r.Name,
		CreatedBy:  r.CreatedBy,
		TargetHost: r.TargetHost,
		APIPath:    r.APIPath,
		Method:     r.Method,
		APIType:    models.APIType(r.APIType.String),
		Model:      r.Model.String,
		StreamMode: r.StreamMode,
		ChatType:   models.ChatType(r.ChatType.String),

		Status:       models.Status(r.Status),
		IsDeleted:    r.IsDeleted != 0,
		CreatedAt:    r.CreatedAt,
		ErrorMessage: r.ErrorMessage,

		LoadProfile: models.LoadProfile{
			ConcurrentUsers:     r.ConcurrentUsers,
			SpawnRate:           r.SpawnRate,
			Duration:            time.Duration(r.DurationSeconds) * time.Second,
			WarmupEnabled:       r.WarmupEnabled,
			WarmupDuration:      time.Duration(r.WarmupDurationSeconds) * time.Second,
			LoadMode:            models.LoadMode(r.LoadMode),
			StepStartUsers:      r.StepStartUsers,
			StepIncrement:       r.StepIncrement,
			StepDuration:        time.Duration(r.StepDurationSeconds) * time.Second,
			StepMaxUsers:        r.StepMaxUsers,
			StepSustainDuration: time.Duration(r.StepSustainDurationSeconds) * time.Second,
		},
	}

	if r.DatasetID.Valid {
		id := r.DatasetID.String
		t.DatasetID = &id
	}
	if r.DatasetPath.Valid {
		p := r.DatasetPath.String
		t.DatasetPath = &p
	}
	if r.LockedBy.Valid {
		v := r.LockedBy.String
		t.LockedBy = &v
	}
	if r.LockedAt.Valid {
		t.LockedAt = &r.LockedAt.Time
	}
	if r.StartedAt.Valid {
		t.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		t.CompletedAt = &r.CompletedAt.Time
	}

	if len(r.Headers) > 0 {
		if err := json.Unmarshal(r.Headers, &t.Headers); err != nil {
			return nil, fmt.Errorf("decoding headers: %w", err)
		}
	}
	if len(r.Cookies) > 0 {
		if err := json.Unmarshal(r.Cookies, &t.Cookies); err != nil {
			return nil, fmt.Errorf("decoding cookies: %w", err)
		}
	}
	if r.CertConfig.Valid && r.CertConfig.String != "" {
		var cc models.CertConfig
		if err := json.Unmarshal([]byte(r.CertConfig.String), &cc); err != nil {
			return nil, fmt.Errorf("decoding cert_config: %w", err)
		}
		t.CertConfig = &cc
	}
	if len(r.RequestPayload) > 0 {
		t.RequestPayload = json.RawMessage(r.RequestPayload)
	}
	if len(r.FieldMapping) > 0 {
		if err := json.Unmarshal(r.FieldMapping, &t.FieldMapping); err != nil {
			return nil, fmt.Errorf("decoding field_mapping: %w", err)
		}
	}

	return t, nil
}

const taskColumns = `id, kind, name, created_by, target_host, api_path, method, headers, cookies, cert_config,
	api_type, model, stream_mode, chat_type, request_payload, field_mapping,
	dataset_id, dataset_path,
	concurrent_users, spawn_rate, duration_seconds, warmup_enabled, warmup_duration_seconds,
	load_mode, step_start_users, step_increment, step_duration_seconds, step_max_users, step_sustain_duration_seconds,
	status, is_deleted, created_at, locked_by, locked_at, started_at, completed_at, error_message`

// GetTask loads one task row by id from the unified all_tasks view,
// regardless of which concrete table it lives in.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var row rawTaskRow
	query := `SELECT ` + taskColumns + ` FROM all_tasks WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying task %s: %w", id, err)
	}
	return row.toTask()
}

// ClaimNextTask atomically claims the oldest CREATED, non-deleted row of
// tasks or, when tasks has none, of common_tasks, tagging it with a fencing token
// (dispatcherID + claim timestamp) and advancing it to LOCKED. Returns
// ErrNoTasksAvailable if neither table has a claimable row.
func (s *Store) ClaimNextTask(ctx context.Context, dispatcherID string) (*models.Task, error) {
	for _, table := range taskTables {
		task, err := s.claimFromTable(ctx, table, dispatcherID)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, ErrNoTasksAvailable) {
			return nil, err
		}
	}
	return nil, ErrNoTasksAvailable
}

func (s *Store) claimFromTable(ctx context.Context, table, dispatcherID string) (*models.Task, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	selectQuery := fmt.Sprintf(
		`SELECT id FROM %s WHERE status = 'CREATED' AND is_deleted = 0
		 ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`, table)
	if err := tx.GetContext(ctx, &id, selectQuery); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoTasksAvailable
		}
		return nil, fmt.Errorf("selecting claimable row from %s: %w", table, err)
	}

	updateQuery := fmt.Sprintf(
		`UPDATE %s SET status = 'LOCKED', locked_by = $1, locked_at = now() WHERE id = $2`, table)
	if _, err := tx.ExecContext(ctx, updateQuery, dispatcherID, id); err != nil {
		return nil, fmt.Errorf("claiming row in %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	return s.GetTask(ctx, id)
}

// UpdateTaskStatus advances task's row to next, recording started_at on
// the RUNNING transition and completed_at + errMsg on any terminal
// transition. Callers are responsible for checking
// Status.CanTransitionTo(next) before calling this.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, kind models.Kind, next models.Status, errMsg string) error {
	table := tableFor(string(kind))

	setClauses := "status = $1, error_message = $2"
	args := []interface{}{string(next), errMsg}
	if next == models.StatusRunning {
		setClauses += ", started_at = now()"
	}
	if next.IsTerminal() {
		setClauses += ", completed_at = now()"
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $3`, table, setClauses)
	args = append(args, taskID)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating task %s status to %s: %w", taskID, next, err)
	}
	return nil
}

// RecoverStaleTasks resets every LOCKED or RUNNING row to FAILED with
// DISPATCHER_RESTART, regardless of which dispatcher previously claimed
// it. Called once at Dispatcher startup (spec §4.7 step 5), where a
// fresh process has no PID registry surviving its own crash: any row
// still LOCKED/RUNNING at this point necessarily has no live PID,
// because whichever dispatcher instance claimed it is the one now
// restarting and its in-memory process table was lost with it.
// Filtering by locked_by would only ever match this process's own
// brand-new fencing token (generated after the crash, so it can never
// equal a pre-crash claim), silently turning this into a no-op — this
// is grounded on the teacher's queue.CleanupStartupOrphans(ctx, client,
// podID), generalized to span every dispatcher identity instead of one
// pod's own.
func (s *Store) RecoverStaleTasks(ctx context.Context) (int64, error) {
	var total int64
	for _, table := range taskTables {
		query := fmt.Sprintf(
			`UPDATE %s SET status = 'FAILED', error_message = 'DISPATCHER_RESTART', completed_at = now()
			 WHERE status IN ('LOCKED', 'RUNNING')`, table)
		res, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return total, fmt.Errorf("recovering stale rows in %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// LastRealtimeAt returns the timestamp of the most recent real-time row
// written for taskID, used by the Dispatcher's heartbeat-timeout
// watcher. The second return value is false if no row has been written
// yet.
func (s *Store) LastRealtimeAt(ctx context.Context, taskID string) (time.Time, bool, error) {
	var ts sql.NullTime
	query := `SELECT MAX(timestamp) FROM common_task_realtime_metrics WHERE task_id = $1`
	if err := s.db.GetContext(ctx, &ts, query, taskID); err != nil {
		return time.Time{}, false, fmt.Errorf("querying last realtime row for %s: %w", taskID, err)
	}
	return ts.Time, ts.Valid, nil
}
