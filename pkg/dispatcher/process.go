package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/MigoXLab/lmeterx/pkg/config"
	"github.com/MigoXLab/lmeterx/pkg/models"
	"github.com/MigoXLab/lmeterx/pkg/runner"
)

// osProcessLauncher launches one cmd/runner subprocess per claimed task,
// passing the task's ID and letting the Runner itself re-fetch the task
// row and its own config from the environment. Mirrors the teacher's
// in-process SessionExecutor, generalized from a goroutine call to a
// child process so a Task Runner crash can never take the Dispatcher
// down with it.
type osProcessLauncher struct {
	cfg *config.Config
}

// NewOSProcessLauncher builds a RunnerLauncher that execs cfg.RunnerBinaryPath.
func NewOSProcessLauncher(cfg *config.Config) RunnerLauncher {
	return &osProcessLauncher{cfg: cfg}
}

func (l *osProcessLauncher) Launch(ctx context.Context, task *models.Task) (RunningTask, error) {
	cmd := exec.Command(l.cfg.RunnerBinaryPath, "-"+runner.TaskIDFlag, task.ID)
	cmd.Env = os.Environ()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr

	if err := cmd.Start(); err != nil {
		return RunningTask{}, fmt.Errorf("starting runner subprocess for task %s: %w", task.ID, err)
	}

	done := make(chan error, 1)
	go func() {
		waitErr := cmd.Wait()
		if waitErr != nil {
			done <- fmt.Errorf("runner subprocess for task %s exited: %w (stderr: %s)", task.ID, waitErr, stderr.String())
		} else {
			done <- nil
		}
		close(done)
	}()

	pid := cmd.Process.Pid
	return RunningTask{
		TaskID: task.ID,
		PID:    pid,
		Done:   done,
		Stop: func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Signal(syscall.SIGTERM)
		},
	}, nil
}
