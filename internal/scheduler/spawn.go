package scheduler

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/ericroliver/tinyscheduler/internal/config"
	"github.com/ericroliver/tinyscheduler/internal/logging"
	"github.com/ericroliver/tinyscheduler/internal/model"
	"github.com/ericroliver/tinyscheduler/internal/validate"
)

// execSpawner launches supervisors by re-executing this binary with the
// supervise subcommand. Arguments travel as an argv vector, never a
// shell string, and every identifier is validated before it lands there.
type execSpawner struct {
	cfg    *config.Config
	logger *logging.Logger
}

func (s *execSpawner) Spawn(task model.Task, agent, recipePath string) error {
	taskID, err := validate.TaskID(task.ID)
	if err != nil {
		return err
	}
	agentName, err := validate.AgentName(agent)
	if err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own executable: %w", err)
	}

	args := []string{
		"supervise",
		"--task-id", taskID,
		"--agent", agentName,
		"--lease-dir", s.cfg.RunningDir,
		"--log-dir", s.cfg.LogDir,
		"--recipe", recipePath,
		"--endpoint", s.cfg.Endpoint,
		"--heartbeat-interval", strconv.Itoa(int(s.cfg.HeartbeatInterval.Seconds())),
		"--hostname", s.cfg.Hostname,
		"--worker-bin", s.cfg.WorkerBin,
	}

	cmd := exec.Command(exe, args...)
	cmd.Dir = s.cfg.BasePath
	// Own process group: the supervisor outlives this reconciler.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start supervisor for task %s: %w", taskID, err)
	}
	s.logger.Debugf("spawned supervisor pid=%d task=%s agent=%s", cmd.Process.Pid, taskID, agentName)

	// Reap the child when it exits so a long-lived daemon never
	// accumulates zombies.
	go func() { _ = cmd.Wait() }()

	return nil
}
