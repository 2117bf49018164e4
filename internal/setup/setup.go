// Package setup bootstraps the on-disk layout for validate-config --fix.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ericroliver/tinyscheduler/internal/config"
	"github.com/ericroliver/tinyscheduler/internal/logging"
)

// Fix creates the directories the scheduler needs and, when absent, a
// default (empty) agent control file. An empty registry keeps the
// scheduler in legacy mode until agents are declared.
func Fix(cfg *config.Config, logger *logging.Logger) error {
	dirs := []string{
		cfg.RunningDir,
		cfg.LogDir,
		cfg.RecipesDir,
		filepath.Dir(cfg.LockFile),
		filepath.Dir(cfg.AgentControlFile),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
		logger.Debugf("ensured directory %s", dir)
	}

	if _, err := os.Stat(cfg.AgentControlFile); os.IsNotExist(err) {
		if err := os.WriteFile(cfg.AgentControlFile, []byte("[]\n"), 0644); err != nil {
			return fmt.Errorf("write default agent control file: %w", err)
		}
		logger.Infof("created default agent control file %s", cfg.AgentControlFile)
	} else if err != nil {
		return fmt.Errorf("stat agent control file: %w", err)
	}

	return nil
}
