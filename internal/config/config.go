// Package config loads and validates the process-wide scheduler
// configuration from environment variables, an optional .env file, and
// CLI overrides. The configuration is immutable after startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ericroliver/tinyscheduler/internal/validate"
)

// Config holds every knob the scheduler and supervisors read.
type Config struct {
	BasePath         string
	RunningDir       string // lease files
	LogDir           string
	RecipesDir       string
	LockFile         string
	AgentControlFile string

	AgentLimits map[string]int

	WorkerBin string
	Endpoint  string

	LoopInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxRuntime        time.Duration
	RequestTimeout    time.Duration

	DryRun          bool
	DisableBlocking bool
	LogLevel        string
	Hostname        string
}

// FromEnv builds a Config from TINYSCHEDULER_* environment variables,
// loading envFile first when given.
func FromEnv(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		// Best effort: a .env in the working directory is optional.
		_ = godotenv.Load()
	}

	basePath, err := filepath.Abs(envOr("TINYSCHEDULER_BASE_PATH", "."))
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}

	limits, err := ParseAgentLimits(envOr("TINYSCHEDULER_AGENT_LIMITS", `{"dispatcher": 1}`))
	if err != nil {
		return nil, err
	}

	loopInterval, err := envSeconds("TINYSCHEDULER_LOOP_INTERVAL_SEC", 60)
	if err != nil {
		return nil, err
	}
	heartbeat, err := envSeconds("TINYSCHEDULER_HEARTBEAT_SEC", 15)
	if err != nil {
		return nil, err
	}
	maxRuntime, err := envSeconds("TINYSCHEDULER_MAX_RUNTIME_SEC", 3600)
	if err != nil {
		return nil, err
	}
	requestTimeout, err := envSeconds("TINYSCHEDULER_REQUEST_TIMEOUT_SEC", 30)
	if err != nil {
		return nil, err
	}

	hostname := os.Getenv("TINYSCHEDULER_HOSTNAME")
	if hostname == "" {
		hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("determine hostname: %w", err)
		}
	}

	cfg := &Config{
		BasePath:          basePath,
		RunningDir:        envPath("TINYSCHEDULER_RUNNING_DIR", basePath, filepath.Join("state", "running")),
		LogDir:            envPath("TINYSCHEDULER_LOG_DIR", basePath, filepath.Join("state", "logs")),
		RecipesDir:        envPath("TINYSCHEDULER_RECIPES_DIR", basePath, "recipes"),
		LockFile:          envPath("TINYSCHEDULER_LOCK_FILE", basePath, filepath.Join("state", "tinyscheduler.lock")),
		AgentControlFile:  envPath("TINYSCHEDULER_AGENT_CONTROL_FILE", basePath, "agent-control.json"),
		AgentLimits:       limits,
		WorkerBin:         envOr("TINYSCHEDULER_WORKER_BIN", "/usr/local/bin/taskworker"),
		Endpoint:          envOr("TINYSCHEDULER_ENDPOINT", "http://localhost:3000"),
		LoopInterval:      loopInterval,
		HeartbeatInterval: heartbeat,
		MaxRuntime:        maxRuntime,
		RequestTimeout:    requestTimeout,
		DryRun:            envBool("TINYSCHEDULER_DRY_RUN"),
		DisableBlocking:   envBool("TINYSCHEDULER_DISABLE_BLOCKING"),
		LogLevel:          envOr("TINYSCHEDULER_LOG_LEVEL", "info"),
		Hostname:          hostname,
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envPath(key, base, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return filepath.Join(base, def)
	}
	if filepath.IsAbs(v) {
		return v
	}
	return filepath.Join(base, v)
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

func envSeconds(key string, def int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * time.Second, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}

// ParseAgentLimits parses either JSON ({"vaela": 3}) or the simple
// "vaela:3,damien:2" format.
func ParseAgentLimits(s string) (map[string]int, error) {
	s = strings.TrimSpace(s)
	limits := make(map[string]int)

	if strings.HasPrefix(s, "{") {
		raw := make(map[string]int)
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in agent limits: %w", err)
		}
		for agent, slots := range raw {
			if slots < 0 {
				return nil, fmt.Errorf("invalid slot count for agent %q: %d", agent, slots)
			}
			limits[agent] = slots
		}
		return limits, nil
	}

	if s == "" {
		return limits, nil
	}
	for _, spec := range strings.Split(s, ",") {
		spec = strings.TrimSpace(spec)
		agent, slotsStr, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("invalid agent limit (expected 'agent:slots'): %q", spec)
		}
		slots, err := strconv.Atoi(strings.TrimSpace(slotsStr))
		if err != nil || slots < 0 {
			return nil, fmt.Errorf("invalid slot count for agent %q: %q", agent, slotsStr)
		}
		limits[strings.TrimSpace(agent)] = slots
	}
	return limits, nil
}

// SetAgentLimit applies one "agent=slots" CLI override.
func (c *Config) SetAgentLimit(spec string) error {
	agent, slotsStr, ok := strings.Cut(spec, "=")
	if !ok {
		return fmt.Errorf("invalid agent limit specification: %q", spec)
	}
	slots, err := strconv.Atoi(strings.TrimSpace(slotsStr))
	if err != nil || slots < 0 {
		return fmt.Errorf("invalid slot count in %q", spec)
	}
	c.AgentLimits[strings.TrimSpace(agent)] = slots
	return nil
}

// Validate returns every configuration problem found; an empty slice
// means the scheduler may start.
func (c *Config) Validate() []string {
	var errs []string

	if info, err := os.Stat(c.BasePath); err != nil {
		errs = append(errs, fmt.Sprintf("base path does not exist: %s", c.BasePath))
	} else if !info.IsDir() {
		errs = append(errs, fmt.Sprintf("base path is not a directory: %s", c.BasePath))
	}

	if info, err := os.Stat(c.RecipesDir); err != nil {
		errs = append(errs, fmt.Sprintf("recipes directory does not exist: %s", c.RecipesDir))
	} else if !info.IsDir() {
		errs = append(errs, fmt.Sprintf("recipes path is not a directory: %s", c.RecipesDir))
	}

	if info, err := os.Stat(c.WorkerBin); err != nil {
		errs = append(errs, fmt.Sprintf("worker executable not found: %s", c.WorkerBin))
	} else if info.Mode()&0111 == 0 {
		errs = append(errs, fmt.Sprintf("worker executable is not executable: %s", c.WorkerBin))
	}

	if len(c.AgentLimits) == 0 {
		errs = append(errs, "at least one agent limit must be configured")
	}
	for agent := range c.AgentLimits {
		if _, err := validate.AgentName(agent); err != nil {
			errs = append(errs, fmt.Sprintf("invalid agent name in limits: %v", err))
		}
	}

	if c.LoopInterval <= 0 {
		errs = append(errs, fmt.Sprintf("loop interval must be positive: %v", c.LoopInterval))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Sprintf("heartbeat interval must be positive: %v", c.HeartbeatInterval))
	}
	if c.MaxRuntime <= 0 {
		errs = append(errs, fmt.Sprintf("max runtime must be positive: %v", c.MaxRuntime))
	}

	if _, err := validate.Endpoint(c.Endpoint); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := validate.Hostname(c.Hostname); err != nil {
		errs = append(errs, fmt.Sprintf("invalid hostname: %v", err))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log level: %s", c.LogLevel))
	}

	return errs
}

// EnsureDirectories creates the runtime directories the scheduler writes to.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.RunningDir, c.LogDir, filepath.Dir(c.LockFile)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
