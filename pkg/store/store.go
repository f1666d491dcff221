// Package store is the hand-written SQL repository the engine's claim
// loop, Task Runners, and Aggregators use to read task rows and write
// result/realtime rows. Grounded on pkg/queue/worker.go's
// claimNextSession (Tx + FOR UPDATE SKIP LOCKED + conditional UPDATE) in
// the teacher, translated from ent's query builder to raw SQL via sqlx
// since this engine drops entgo.io/ent (see DESIGN.md).
package store

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// ErrNoTasksAvailable indicates no CREATED, non-deleted task row exists
// to claim, mirroring the teacher's queue.ErrNoSessionsAvailable.
var ErrNoTasksAvailable = errors.New("store: no tasks available")

// ErrNotFound indicates a lookup by id matched no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps a *sqlx.DB with the handful of operations the Load-
// Generation Engine needs against tasks/common_tasks, task_results/
// common_task_results, and common_task_realtime_metrics.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-open, already-migrated *sql.DB (see
// pkg/database.Open) in a Store. The pgx stdlib driver name must match
// what pkg/database registered.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx")}
}

// taskTables lists the two concrete tables a Task's Kind maps to; claim
// and recovery operations try both since a Dispatcher does not know in
// advance which kind the next pending row will be.
var taskTables = []string{"tasks", "common_tasks"}

func tableFor(kind string) string {
	if kind == "GENERIC" {
		return "common_tasks"
	}
	return "tasks"
}
