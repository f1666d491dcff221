package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MigoXLab/lmeterx/pkg/config"
	"github.com/MigoXLab/lmeterx/pkg/models"
)

type fakeStore struct {
	mu sync.Mutex

	queue     []*models.Task
	claimed   map[string]string // taskID -> dispatcherID
	tasks     map[string]*models.Task
	realtime  map[string]time.Time
	recovered int64
	statuses  []models.Status
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		claimed:  make(map[string]string),
		tasks:    make(map[string]*models.Task),
		realtime: make(map[string]time.Time),
	}
}

func (f *fakeStore) ClaimNextTask(_ context.Context, dispatcherID string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, ErrNoTasksAvailable
	}
	task := f.queue[0]
	f.queue = f.queue[1:]
	f.claimed[task.ID] = dispatcherID
	task.Status = models.StatusLocked
	return task, nil
}

func (f *fakeStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, sqlNotFound{}
	}
	cp := *task
	return &cp, nil
}

func (f *fakeStore) UpdateTaskStatus(_ context.Context, taskID string, _ models.Kind, next models.Status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, next)
	if t, ok := f.tasks[taskID]; ok {
		t.Status = next
	}
	return nil
}

func (f *fakeStore) RecoverStaleTasks(_ context.Context) (int64, error) {
	return f.recovered, nil
}

func (f *fakeStore) LastRealtimeAt(_ context.Context, taskID string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.realtime[taskID]
	return t, ok, nil
}

type sqlNotFound struct{}

func (sqlNotFound) Error() string { return "not found" }

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	stopped  map[string]bool
	doneCh   map[string]chan error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{stopped: make(map[string]bool), doneCh: make(map[string]chan error)}
}

func (l *fakeLauncher) Launch(_ context.Context, task *models.Task) (RunningTask, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, task.ID)
	done := make(chan error, 1)
	close(done) // the fake "subprocess" exits immediately, cleanly
	l.doneCh[task.ID] = done
	taskID := task.ID
	return RunningTask{
		TaskID: taskID,
		PID:    1,
		Done:   done,
		Stop: func() error {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.stopped[taskID] = true
			return nil
		},
	}, nil
}

func TestDispatcher_ClaimsAndLaunches(t *testing.T) {
	st := newFakeStore()
	task := &models.Task{ID: "t1", Kind: models.KindGeneric, Status: models.StatusCreated}
	st.queue = append(st.queue, task)
	st.tasks["t1"] = task

	launcher := newFakeLauncher()
	cfg := &config.Config{PollInterval: 5 * time.Millisecond, HeartbeatTimeout: time.Second}
	d := New(cfg, st, launcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	require.Eventually(t, func() bool {
		launcher.mu.Lock()
		defer launcher.mu.Unlock()
		return len(launcher.launched) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_RecoversOrphansOnStart(t *testing.T) {
	st := newFakeStore()
	st.recovered = 2
	launcher := newFakeLauncher()
	cfg := &config.Config{PollInterval: 50 * time.Millisecond, HeartbeatTimeout: time.Second}
	d := New(cfg, st, launcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	d.Stop()
}

func TestCheckHeartbeats_StopsStaleTask(t *testing.T) {
	st := newFakeStore()
	task := &models.Task{ID: "t2", Kind: models.KindGeneric, Status: models.StatusRunning}
	st.tasks["t2"] = task
	st.realtime["t2"] = time.Now().Add(-time.Hour)

	launcher := newFakeLauncher()
	cfg := &config.Config{PollInterval: time.Second, HeartbeatTimeout: time.Minute}
	d := New(cfg, st, launcher)

	stopped := false
	d.running["t2"] = RunningTask{
		TaskID: "t2",
		Stop:   func() error { stopped = true; return nil },
	}

	d.checkHeartbeats(context.Background())

	require.True(t, stopped)
	st.mu.Lock()
	defer st.mu.Unlock()
	require.Contains(t, st.statuses, models.StatusFailed)
}

func TestCheckStopRequests_ForwardsStop(t *testing.T) {
	st := newFakeStore()
	task := &models.Task{ID: "t3", Kind: models.KindGeneric, Status: models.StatusStopping}
	st.tasks["t3"] = task

	launcher := newFakeLauncher()
	cfg := &config.Config{PollInterval: time.Second}
	d := New(cfg, st, launcher)

	stopped := false
	d.running["t3"] = RunningTask{
		TaskID: "t3",
		Stop:   func() error { stopped = true; return nil },
	}

	d.checkStopRequests(context.Background(), make(map[string]bool))

	require.True(t, stopped)
}
