package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ericroliver/tinyscheduler/internal/logging"
	"github.com/ericroliver/tinyscheduler/internal/supervisor"
	"github.com/ericroliver/tinyscheduler/internal/tinytask"
)

var superviseOpts struct {
	taskID            string
	agent             string
	leaseDir          string
	logDir            string
	recipe            string
	endpoint          string
	hostname          string
	workerBin         string
	heartbeatInterval int
	requestTimeout    int
}

// superviseCmd is the reconciler's spawn target, not a user-facing
// command.
var superviseCmd = &cobra.Command{
	Use:    "supervise",
	Short:  "Supervise one task's worker process",
	Hidden: true,
	RunE:   runSupervise,
}

func init() {
	f := superviseCmd.Flags()
	f.StringVar(&superviseOpts.taskID, "task-id", "", "task identifier")
	f.StringVar(&superviseOpts.agent, "agent", "", "agent name")
	f.StringVar(&superviseOpts.leaseDir, "lease-dir", "", "lease directory")
	f.StringVar(&superviseOpts.logDir, "log-dir", "", "log directory")
	f.StringVar(&superviseOpts.recipe, "recipe", "", "resolved recipe path")
	f.StringVar(&superviseOpts.endpoint, "endpoint", "", "task service endpoint")
	f.StringVar(&superviseOpts.hostname, "hostname", "", "host identifier")
	f.StringVar(&superviseOpts.workerBin, "worker-bin", "", "worker executable path")
	f.IntVar(&superviseOpts.heartbeatInterval, "heartbeat-interval", 15, "heartbeat interval in seconds")
	f.IntVar(&superviseOpts.requestTimeout, "request-timeout", 30, "task service request timeout in seconds")

	for _, required := range []string{"task-id", "agent", "lease-dir", "log-dir", "recipe", "endpoint", "hostname", "worker-bin"} {
		_ = superviseCmd.MarkFlagRequired(required)
	}
}

func runSupervise(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if flagLogLevel != "" {
		level = logging.ParseLevel(flagLogLevel)
	}
	logger, err := logging.NewWithFile(superviseOpts.logDir, "supervisor", level)
	if err != nil {
		return err
	}

	client := tinytask.NewClient(superviseOpts.endpoint,
		time.Duration(superviseOpts.requestTimeout)*time.Second,
		logger.WithComponent("tinytask"))

	s, err := supervisor.New(supervisor.Options{
		TaskID:            superviseOpts.taskID,
		Agent:             superviseOpts.agent,
		LeaseDir:          superviseOpts.leaseDir,
		LogDir:            superviseOpts.logDir,
		RecipePath:        superviseOpts.recipe,
		Endpoint:          superviseOpts.endpoint,
		Hostname:          superviseOpts.hostname,
		WorkerBin:         superviseOpts.workerBin,
		HeartbeatInterval: time.Duration(superviseOpts.heartbeatInterval) * time.Second,
	}, client, logger)
	if err != nil {
		logger.Close()
		return err
	}

	code := s.Run(context.Background())
	logger.Close()
	if code != supervisor.ExitOK {
		os.Exit(code)
	}
	return nil
}
