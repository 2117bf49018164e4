package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ericroliver/tinyscheduler/internal/config"
	"github.com/ericroliver/tinyscheduler/internal/logging"
	"github.com/ericroliver/tinyscheduler/internal/registry"
	"github.com/ericroliver/tinyscheduler/internal/setup"
)

var flagFix bool

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Check paths, limits, and the agent registry",
	RunE:  runValidateConfig,
}

func init() {
	validateConfigCmd.Flags().BoolVar(&flagFix, "fix", false, "create missing directories and a default agent control file")
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv(flagEnvFile)
	if err != nil {
		return err
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel), "validate-config")

	if flagFix {
		if err := setup.Fix(cfg, logger); err != nil {
			return err
		}
	}

	errs := cfg.Validate()

	if _, statErr := os.Stat(cfg.AgentControlFile); statErr == nil {
		if _, loadErr := registry.Load(cfg.AgentControlFile, logger); loadErr != nil {
			errs = append(errs, fmt.Sprintf("agent control file: %v", loadErr))
		}
	} else {
		logger.Warnf("agent control file not found: %s (scheduler will run in legacy mode)", cfg.AgentControlFile)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration invalid:\n  %s", strings.Join(errs, "\n  "))
	}

	printConfig(cfg)
	fmt.Println("configuration OK")
	return nil
}

func printConfig(cfg *config.Config) {
	limits := make([]string, 0, len(cfg.AgentLimits))
	for agent, slots := range cfg.AgentLimits {
		limits = append(limits, fmt.Sprintf("%s=%d", agent, slots))
	}
	sort.Strings(limits)

	fmt.Printf("base path:          %s\n", cfg.BasePath)
	fmt.Printf("lease dir:          %s\n", cfg.RunningDir)
	fmt.Printf("log dir:            %s\n", cfg.LogDir)
	fmt.Printf("recipes dir:        %s\n", cfg.RecipesDir)
	fmt.Printf("agent control file: %s\n", cfg.AgentControlFile)
	fmt.Printf("worker executable:  %s\n", cfg.WorkerBin)
	fmt.Printf("endpoint:           %s\n", cfg.Endpoint)
	fmt.Printf("agent limits:       %s\n", strings.Join(limits, ", "))
	fmt.Printf("loop interval:      %s\n", cfg.LoopInterval)
	fmt.Printf("heartbeat interval: %s\n", cfg.HeartbeatInterval)
	fmt.Printf("max runtime:        %s\n", cfg.MaxRuntime)
	fmt.Printf("hostname:           %s\n", cfg.Hostname)
}
