package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ericroliver/tinyscheduler/internal/config"
	"github.com/ericroliver/tinyscheduler/internal/lease"
	"github.com/ericroliver/tinyscheduler/internal/lock"
	"github.com/ericroliver/tinyscheduler/internal/logging"
	"github.com/ericroliver/tinyscheduler/internal/registry"
	"github.com/ericroliver/tinyscheduler/internal/scheduler"
	"github.com/ericroliver/tinyscheduler/internal/tinytask"
)

var (
	flagOnce            bool
	flagDaemon          bool
	flagDryRun          bool
	flagDisableBlocking bool
	flagLoopInterval    int
	flagAgentLimits     []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler (one pass or daemon loop)",
	RunE:  runScheduler,
}

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "run one reconciliation pass and exit")
	runCmd.Flags().BoolVar(&flagDaemon, "daemon", false, "run the perpetual reconciliation loop")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "log intended actions without mutating anything")
	runCmd.Flags().BoolVar(&flagDisableBlocking, "disable-blocking", false, "bypass the blocking filter and sort entirely")
	runCmd.Flags().IntVar(&flagLoopInterval, "loop-interval", 0, "daemon loop interval in seconds")
	runCmd.Flags().StringArrayVar(&flagAgentLimits, "agent-limit", nil, "agent concurrency override, e.g. --agent-limit vaela=2 (repeatable)")
}

// loadConfig builds the effective configuration from environment plus
// CLI overrides and validates it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromEnv(flagEnvFile)
	if err != nil {
		return nil, err
	}

	if flagDryRun {
		cfg.DryRun = true
	}
	if flagDisableBlocking {
		cfg.DisableBlocking = true
	}
	if flagLoopInterval > 0 {
		cfg.LoopInterval = time.Duration(flagLoopInterval) * time.Second
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	for _, spec := range flagAgentLimits {
		if err := cfg.SetAgentLimit(spec); err != nil {
			return nil, err
		}
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("configuration invalid:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// loadRegistry loads the agent control file. An absent file drops the
// scheduler into legacy mode; a malformed file is a fatal
// configuration error.
func loadRegistry(cfg *config.Config, logger *logging.Logger) (*registry.Registry, error) {
	reg, err := registry.Load(cfg.AgentControlFile, logger.WithComponent("registry"))
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warnf("agent control file not found: %s", cfg.AgentControlFile)
			logger.Warnf("queue-based processing disabled, using legacy agent limits only")
			return registry.Empty(), nil
		}
		return nil, fmt.Errorf("load agent registry: %w", err)
	}
	logger.Infof("loaded agent registry: agents=%v queues=%v", reg.AgentNames(), reg.Queues())
	return reg, nil
}

func runScheduler(cmd *cobra.Command, args []string) error {
	if flagOnce == flagDaemon {
		return fmt.Errorf("exactly one of --once or --daemon is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := logging.NewWithFile(cfg.LogDir, "scheduler", logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer logger.Close()

	reg, err := loadRegistry(cfg, logger)
	if err != nil {
		return err
	}

	store, err := lease.NewStore(cfg.RunningDir, cfg.HeartbeatInterval, cfg.MaxRuntime, logger.WithComponent("lease"))
	if err != nil {
		return err
	}

	client := tinytask.NewClient(cfg.Endpoint, cfg.RequestTimeout, logger.WithComponent("tinytask"))
	rec := scheduler.New(cfg, store, client, reg, logger)

	// Overlapping invocations skip cleanly: contention is a warning and
	// a zero exit, not a failure.
	fileLock := lock.NewFileLock(cfg.LockFile)
	if err := fileLock.TryLock(); err != nil {
		logger.Warnf("scheduler lock held, skipping: %v", err)
		return nil
	}
	defer fileLock.Unlock()

	ctx := context.Background()
	if flagDaemon {
		return scheduler.NewDaemon(cfg, rec, logger).Run(ctx)
	}

	stats, err := rec.Reconcile(ctx)
	if err != nil {
		return err
	}
	if stats.Errors > 0 {
		logger.Warnf("pass finished with %d task-level errors", stats.Errors)
	}
	return nil
}
