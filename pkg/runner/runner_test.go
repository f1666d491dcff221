package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MigoXLab/lmeterx/pkg/config"
	"github.com/MigoXLab/lmeterx/pkg/models"
)

type fakeStore struct {
	mu         sync.Mutex
	statuses   []models.Status
	realtime   []models.RealtimeRow
	final      *models.FinalSummary
}

func (f *fakeStore) UpdateTaskStatus(_ context.Context, _ string, _ models.Kind, next models.Status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, next)
	return nil
}

func (f *fakeStore) InsertRealtimeRow(_ context.Context, row models.RealtimeRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.realtime = append(f.realtime, row)
	return nil
}

func (f *fakeStore) WriteFinalSummary(_ context.Context, summary models.FinalSummary, _ models.Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := summary
	f.final = &s
	return nil
}

func writeDataset(t *testing.T, lines []string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dataset.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunTask_SingleProcessNonStreamHappyPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": "hello back"}},
			},
			"usage": map[string]interface{}{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	datasetPath := writeDataset(t, []string{`{"id":"1","prompt":"hi there"}`})

	task := &models.Task{
		ID:         "task-1",
		Kind:       models.KindLLM,
		TargetHost: server.URL,
		APIPath:    "/v1/chat/completions",
		Method:     http.MethodPost,
		APIType:    models.APITypeOpenAIChat,
		ChatType:   models.ChatTypeText,
		RequestPayload: json.RawMessage(`{"model":"x","messages":[{"role":"user","content":""}]}`),
		DatasetPath: strPtr(datasetPath),
		LoadProfile: models.LoadProfile{
			ConcurrentUsers: 2,
			SpawnRate:       1000,
			Duration:        150 * time.Millisecond,
		},
		Status: models.StatusLocked,
	}

	cfg := &config.Config{
		ConnectTimeout:        time.Second,
		ReadTimeout:           time.Second,
		TotalTimeout:          2 * time.Second,
		DrainTimeout:          time.Second,
		MultiprocessThreshold: 10_000,
		MinUsersPerProcess:    500,
	}

	st := &fakeStore{}
	r := New(cfg, st)

	err := r.RunTask(context.Background(), task)
	require.NoError(t, err)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Contains(t, st.statuses, models.StatusRunning)
	last := st.statuses[len(st.statuses)-1]
	require.True(t, last == models.StatusCompleted || last == models.StatusFailedRequests)
	require.NotNil(t, st.final)
	require.Greater(t, st.final.TotalRequests, int64(0))
}

func TestRunTask_DatasetMissingFailsTask(t *testing.T) {
	task := &models.Task{
		ID:          "task-2",
		Kind:        models.KindGeneric,
		DatasetPath: strPtr("/nonexistent/path.jsonl"),
		LoadProfile: models.LoadProfile{ConcurrentUsers: 1, Duration: time.Millisecond},
	}
	cfg := &config.Config{MultiprocessThreshold: 1000, MinUsersPerProcess: 500}
	st := &fakeStore{}
	r := New(cfg, st)

	err := r.RunTask(context.Background(), task)
	require.Error(t, err)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Contains(t, st.statuses, models.StatusFailed)
}

func strPtr(s string) *string { return &s }
