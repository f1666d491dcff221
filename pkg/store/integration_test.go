//go:build integration

package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/golang-migrate/migrate/v4"
	mpostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/file"

	"github.com/MigoXLab/lmeterx/pkg/models"
	"github.com/MigoXLab/lmeterx/pkg/store"
)

// newTestDB spins up a disposable Postgres container, applies the
// engine's embedded migrations from disk, and returns a ready *sql.DB.
// Grounded on the teacher's test/database/client.go testcontainers setup,
// adapted from Ent schema creation to golang-migrate (this engine drops
// ent — see DESIGN.md).
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("lmeterx_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(pgContainer)
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	driver, err := mpostgres.WithInstance(db, &mpostgres.Config{})
	require.NoError(t, err)

	sourceDriver, err := (&file.File{}).Open("file://../database/migrations")
	require.NoError(t, err)

	m, err := migrate.NewWithInstance("file", sourceDriver, "lmeterx_test", driver)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	return db
}

func TestClaimNextTask_FencingUnderConcurrency(t *testing.T) {
	db := newTestDB(t)
	s := store.New(db)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, name, target_host, status, concurrent_users, duration_seconds)
		VALUES ('t1', 'LLM', 'test', 'http://example.com', 'CREATED', 1, 1)`)
	require.NoError(t, err)

	type result struct {
		task *models.Task
		err  error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		dispatcherID := "dispatcher-a"
		if i == 1 {
			dispatcherID = "dispatcher-b"
		}
		go func(id string) {
			task, err := s.ClaimNextTask(ctx, id)
			results <- result{task, err}
		}(dispatcherID)
	}

	claimed := 0
	notAvailable := 0
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			claimed++
		} else if r.err == store.ErrNoTasksAvailable {
			notAvailable++
		}
	}
	require.Equal(t, 1, claimed)
	require.Equal(t, 1, notAvailable)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, models.StatusLocked, task.Status)
}

func TestWriteFinalSummary_Upsert(t *testing.T) {
	db := newTestDB(t)
	s := store.New(db)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, name, target_host, status, concurrent_users, duration_seconds)
		VALUES ('t2', 'LLM', 'test', 'http://example.com', 'COMPLETED', 1, 1)`)
	require.NoError(t, err)

	summary := models.FinalSummary{TaskID: "t2", TotalRequests: 10, FailuresByKind: models.FailureBreakdown{}}
	require.NoError(t, s.WriteFinalSummary(ctx, summary, models.KindLLM))

	summary.TotalRequests = 20
	require.NoError(t, s.WriteFinalSummary(ctx, summary, models.KindLLM))

	var total int64
	require.NoError(t, db.QueryRowContext(ctx, `SELECT total_requests FROM task_results WHERE task_id = 't2'`).Scan(&total))
	require.Equal(t, int64(20), total)
}
