// Command runner executes exactly one claimed task to a terminal status.
// Invoked by the dispatcher with -task-id; re-invokes itself with
// -shard-index/-shard-count set when pkg/runner decides the task needs
// multi-process sharding (see pkg/runner/shard_process.go).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/MigoXLab/lmeterx/pkg/config"
	"github.com/MigoXLab/lmeterx/pkg/database"
	"github.com/MigoXLab/lmeterx/pkg/runner"
	"github.com/MigoXLab/lmeterx/pkg/store"
)

func main() {
	taskID := flag.String(runner.TaskIDFlag, "", "ID of the task row to run")
	shardIndex := flag.Int(runner.ShardIndexFlag, -1, "this process's shard index (shard-subprocess mode only)")
	shardCount := flag.Int(runner.ShardCountFlag, 0, "total number of shards (shard-subprocess mode only)")
	flag.Parse()

	if *taskID == "" {
		log.Fatal("-task-id is required")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	st := store.New(db)
	rnr := runner.New(cfg, st)

	if *shardIndex >= 0 {
		if err := runner.RunShard(ctx, rnr, *taskID, *shardIndex, *shardCount, os.Stdout); err != nil {
			log.Fatalf("shard %d/%d failed: %v", *shardIndex, *shardCount, err)
		}
		return
	}

	task, err := st.GetTask(ctx, *taskID)
	if err != nil {
		log.Fatalf("fetching task %s: %v", *taskID, err)
	}

	if err := rnr.RunTask(ctx, task); err != nil {
		log.Fatalf("task %s failed: %v", *taskID, err)
	}
}
