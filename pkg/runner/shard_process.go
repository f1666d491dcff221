package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/MigoXLab/lmeterx/pkg/models"
)

// ShardIndexFlag and ShardCountFlag name the flags cmd/runner registers
// to detect shard-subprocess mode; kept here so the parent's exec.Command
// call sites and the child's flag.Parse call sites never drift apart.
const (
	ShardIndexFlag = "shard-index"
	ShardCountFlag = "shard-count"
	TaskIDFlag     = "task-id"
)

// runSharded re-execs this binary (os.Args[0]) once per shard, each with
// a distinct -shard-index/-shard-count pair and the parent's full
// environment (so DB_*/UPLOAD_DIR/etc reach the child unchanged). Each
// child streams newline-delimited JSON shard messages on stdout; this
// process is the only one that ever talks to Store, merging the
// per-shard real-time rows as they arrive and the per-shard final
// summaries once every child exits. Grounded on pkg/queue/pool.go's
// WorkerPool.Start, generalized from goroutine workers to child
// processes.
func (r *Runner) runSharded(ctx context.Context, task *models.Task, shardCount int) (models.FinalSummary, error) {
	log := slog.With("task_id", task.ID, "shard_count", shardCount)
	log.Info("running task across shard processes")

	var mu sync.Mutex
	latest := make([]models.RealtimeRow, shardCount)
	have := make([]bool, shardCount)
	finals := make([]models.FinalSummary, shardCount)
	haveFinal := make([]bool, shardCount)

	publish := func() {
		mu.Lock()
		rows := make([]models.RealtimeRow, 0, shardCount)
		for i, ok := range have {
			if ok {
				rows = append(rows, latest[i])
			}
		}
		mu.Unlock()
		if len(rows) == 0 {
			return
		}
		merged := mergeRealtime(task.ID, rows)
		if err := r.Store.InsertRealtimeRow(ctx, merged); err != nil {
			log.Warn("writing merged realtime row failed", "error", err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, shardCount)

	for i := 0; i < shardCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = r.runOneShard(ctx, task, idx, shardCount, func(row models.RealtimeRow) {
				mu.Lock()
				latest[idx] = row
				have[idx] = true
				mu.Unlock()
				publish()
			}, func(summary models.FinalSummary) {
				mu.Lock()
				finals[idx] = summary
				haveFinal[idx] = true
				mu.Unlock()
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return models.FinalSummary{}, fmt.Errorf("shard %d: %w", i, err)
		}
	}

	complete := make([]models.FinalSummary, 0, shardCount)
	for i, ok := range haveFinal {
		if ok {
			complete = append(complete, finals[i])
		}
	}
	return mergeFinal(task.ID, complete), nil
}

func (r *Runner) runOneShard(ctx context.Context, task *models.Task, idx, shardCount int, onRow func(models.RealtimeRow), onFinal func(models.FinalSummary)) error {
	cmd := exec.CommandContext(ctx, os.Args[0],
		"-"+ShardIndexFlag, strconv.Itoa(idx),
		"-"+ShardCountFlag, strconv.Itoa(shardCount),
		"-"+TaskIDFlag, task.ID,
	)
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening shard %d stdout: %w", idx, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting shard %d: %w", idx, err)
	}

	readErr := readShardStream(stdout, onRow, onFinal)

	waitErr := cmd.Wait()
	if waitErr != nil {
		return fmt.Errorf("shard %d exited: %w (stderr: %s)", idx, waitErr, stderr.String())
	}
	if readErr != nil && readErr != io.EOF {
		return fmt.Errorf("reading shard %d output: %w", idx, readErr)
	}
	return nil
}

// RunShard is the child-process entrypoint cmd/runner calls when invoked
// with -shard-index set. It loads the task and dataset independently
// (each process owns its own DB pool and file handles), runs its slice
// of the load profile, and writes every real-time row and its final
// summary to stdout instead of to Store.
func RunShard(ctx context.Context, rnr *Runner, taskID string, shardIndex, shardCount int, stdout io.Writer) error {
	task, err := fetchTask(ctx, rnr, taskID)
	if err != nil {
		return err
	}

	ds, err := rnr.loadDataset(task)
	if err != nil {
		return err
	}

	shares := splitUsers(task.ConcurrentUsers, shardCount)
	myUsers := shares[shardIndex]

	entriesPerShard := uint64(0)
	if ds.Len() > 0 {
		entriesPerShard = uint64(ds.Len()) / uint64(shardCount)
	}
	cursorStart := uint64(shardIndex) * entriesPerShard

	writer := &ipcRealtimeWriter{w: stdout}
	summary, _, err := runPipeline(ctx, pipelineArgs{
		cfg:         rnr.Cfg,
		task:        task,
		ds:          ds,
		cursorStart: cursorStart,
		concurrency: myUsers,
		writer:      writer,
	})
	if err != nil {
		return err
	}
	return writeShardFinal(stdout, summary)
}

// fetchTask loads the task this shard runs against. Shard children share
// the parent's Runner.Store only in-process tests; in production each
// child process builds its own *store.Store over its own DB connection
// in cmd/runner/main.go before calling RunShard.
func fetchTask(ctx context.Context, rnr *Runner, taskID string) (*models.Task, error) {
	getter, ok := rnr.Store.(interface {
		GetTask(ctx context.Context, id string) (*models.Task, error)
	})
	if !ok {
		return nil, fmt.Errorf("store does not support GetTask")
	}
	return getter.GetTask(ctx, taskID)
}
