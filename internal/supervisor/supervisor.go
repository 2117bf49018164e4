// Package supervisor owns one task's end-to-end lifecycle: write the
// lease, run the worker, heartbeat while it runs, report the outcome,
// and always release the lease on the way out.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ericroliver/tinyscheduler/internal/lease"
	"github.com/ericroliver/tinyscheduler/internal/logging"
	"github.com/ericroliver/tinyscheduler/internal/model"
	"github.com/ericroliver/tinyscheduler/internal/tinytask"
	"github.com/ericroliver/tinyscheduler/internal/validate"
)

// Exit codes. A lease conflict has its own code so "someone else owns
// this task" can be told apart from a real failure. The reconciler's
// spawner reaps supervisors without reading their exit codes.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitLeaseConflict = 2
)

// Options carries everything a supervisor needs, received as validated
// argv from the reconciler and re-validated here.
type Options struct {
	TaskID            string
	Agent             string
	LeaseDir          string
	LogDir            string
	RecipePath        string
	Endpoint          string
	Hostname          string
	WorkerBin         string
	HeartbeatInterval time.Duration
	GracePeriod       time.Duration
}

// Supervisor runs one worker subprocess under a lease.
type Supervisor struct {
	opts   Options
	store  *lease.Store
	client tinytask.TaskService
	logger *logging.Logger
	runID  string

	// mu serializes heartbeat writes against the terminal-state write.
	mu       sync.Mutex
	lease    model.Lease
	terminal bool
}

// New validates the options (defense in depth: the reconciler validated
// them once already) and prepares a Supervisor.
func New(opts Options, client tinytask.TaskService, logger *logging.Logger) (*Supervisor, error) {
	if _, err := validate.TaskID(opts.TaskID); err != nil {
		return nil, err
	}
	if _, err := validate.AgentName(opts.Agent); err != nil {
		return nil, err
	}
	if _, err := validate.Hostname(opts.Hostname); err != nil {
		return nil, err
	}
	if _, err := validate.Endpoint(opts.Endpoint); err != nil {
		return nil, err
	}
	if opts.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive: %v", opts.HeartbeatInterval)
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Second
	}
	if _, err := os.Stat(opts.RecipePath); err != nil {
		return nil, fmt.Errorf("recipe not readable: %w", err)
	}

	store, err := lease.NewStore(opts.LeaseDir, opts.HeartbeatInterval, 0, logger)
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		opts:   opts,
		store:  store,
		client: client,
		logger: logger,
		runID:  uuid.NewString(),
	}, nil
}

// Run executes the full lifecycle and returns the process exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	s.logger.Infof("supervisor starting task=%s agent=%s run_id=%s pid=%d",
		s.opts.TaskID, s.opts.Agent, s.runID, os.Getpid())

	// Advisory: task metadata improves logs but its absence never aborts.
	if task, err := s.client.GetTask(ctx, s.opts.TaskID); err != nil {
		s.logger.Warnf("fetch task metadata: %v", err)
	} else if task != nil {
		s.logger.Infof("task %s queue=%s priority=%d", task.ID, task.QueueName, task.Priority)
	}

	s.lease = model.NewLease(s.opts.TaskID, s.opts.Agent, os.Getpid(),
		filepath.Base(s.opts.RecipePath), s.opts.Hostname)
	s.lease.Metadata = map[string]any{"run_id": s.runID}

	if err := s.store.Create(s.lease); err != nil {
		if errors.Is(err, lease.ErrLeaseConflict) {
			s.logger.Errorf("lease conflict: another supervisor owns task %s", s.opts.TaskID)
			return ExitLeaseConflict
		}
		s.logger.Errorf("create lease: %v", err)
		return ExitFailure
	}

	s.client.UpdateState(ctx, s.opts.TaskID, model.UpdateStateWorking,
		map[string]any{"run_id": s.runID, "host": s.opts.Hostname})

	exitCode, spawnErr := s.runWorker(ctx)
	if spawnErr != nil {
		s.logger.Errorf("start worker: %v", spawnErr)
		s.finish(ctx, model.UpdateStateFailed, -1)
		return ExitFailure
	}

	outcome := model.UpdateStateCompleted
	if exitCode != 0 {
		outcome = model.UpdateStateFailed
	}
	s.finish(ctx, outcome, exitCode)
	return ExitOK
}

// runWorker starts the worker, heartbeats until it exits, and returns
// its exit code. The returned error is non-nil only when the worker
// never started.
func (s *Supervisor) runWorker(ctx context.Context) (int, error) {
	logPath := filepath.Join(s.opts.LogDir, fmt.Sprintf("task_%s.log", s.opts.TaskID))
	if err := os.MkdirAll(s.opts.LogDir, 0755); err != nil {
		return -1, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return -1, fmt.Errorf("open worker log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(s.opts.WorkerBin,
		"--task-id", s.opts.TaskID,
		"--agent", s.opts.Agent,
		"--recipe", s.opts.RecipePath,
		"--endpoint", s.opts.Endpoint,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Worker gets its own process group so signals reach its whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return -1, err
	}
	s.logger.Infof("worker started pid=%d bin=%s", cmd.Process.Pid, s.opts.WorkerBin)

	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()

	g, gctx := errgroup.WithContext(waitCtx)
	g.Go(func() error {
		s.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.forwardSignals(gctx, cmd.Process.Pid)
		return nil
	})

	waitErr := cmd.Wait()
	cancelWait()
	_ = g.Wait()

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	s.logger.Infof("worker exited code=%d", exitCode)
	return exitCode, nil
}

// heartbeatLoop updates the lease heartbeat until ctx is canceled.
// Heartbeats are skipped once the terminal write has happened.
func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.terminal {
				s.mu.Unlock()
				return
			}
			s.lease.Heartbeat = time.Now().UTC().Truncate(time.Second)
			if err := s.store.Update(s.lease); err != nil {
				s.logger.Warnf("heartbeat update: %v", err)
			}
			s.mu.Unlock()
		}
	}
}

// forwardSignals relays SIGTERM/SIGINT to the worker's process group,
// escalating to SIGKILL after the grace period.
func (s *Supervisor) forwardSignals(ctx context.Context, workerPID int) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return
	case sig := <-sigCh:
		s.logger.Infof("received signal=%s, forwarding to worker pid=%d", sig, workerPID)
		_ = syscall.Kill(-workerPID, syscall.SIGTERM)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.GracePeriod):
			s.logger.Warnf("worker did not exit within %s, killing", s.opts.GracePeriod)
			_ = syscall.Kill(-workerPID, syscall.SIGKILL)
		}
	}
}

// finish executes the guaranteed cleanup order: terminal lease state,
// task-service update, lease delete. Failures along the way are logged
// and never stop the deletion, which is the act that releases the task.
func (s *Supervisor) finish(ctx context.Context, outcome model.UpdateState, exitCode int) {
	duration := time.Now().UTC().Sub(s.lease.StartedAt)

	s.mu.Lock()
	s.terminal = true
	if outcome == model.UpdateStateCompleted {
		s.lease.State = model.LeaseStateCompleted
	} else {
		s.lease.State = model.LeaseStateFailed
	}
	if err := s.store.Update(s.lease); err != nil {
		s.logger.Warnf("terminal lease update: %v", err)
	}
	s.mu.Unlock()

	if !s.client.UpdateState(ctx, s.opts.TaskID, outcome, map[string]any{
		"exit_code":    exitCode,
		"duration_sec": int(duration.Seconds()),
		"run_id":       s.runID,
		"host":         s.opts.Hostname,
	}) {
		s.logger.Errorf("report outcome %s for task %s failed", outcome, s.opts.TaskID)
	}

	if err := s.store.Delete(s.opts.TaskID); err != nil {
		s.logger.Errorf("delete lease: %v", err)
		return
	}
	s.logger.Infof("lease released task=%s outcome=%s exit_code=%d duration=%s",
		s.opts.TaskID, outcome, exitCode, duration)
}
