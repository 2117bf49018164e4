package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseAgentLimitsJSON(t *testing.T) {
	limits, err := ParseAgentLimits(`{"vaela": 3, "damien": 2}`)
	if err != nil {
		t.Fatalf("ParseAgentLimits: %v", err)
	}
	if limits["vaela"] != 3 || limits["damien"] != 2 {
		t.Errorf("limits = %v", limits)
	}
}

func TestParseAgentLimitsSimple(t *testing.T) {
	limits, err := ParseAgentLimits("vaela:3, damien:2")
	if err != nil {
		t.Fatalf("ParseAgentLimits: %v", err)
	}
	if limits["vaela"] != 3 || limits["damien"] != 2 {
		t.Errorf("limits = %v", limits)
	}
}

func TestParseAgentLimitsRejections(t *testing.T) {
	for _, s := range []string{`{"vaela": -1}`, `{"vaela": }`, "vaela", "vaela:x", "vaela:-2"} {
		if _, err := ParseAgentLimits(s); err == nil {
			t.Errorf("ParseAgentLimits(%q) should fail", s)
		}
	}
}

func TestParseAgentLimitsZeroAllowed(t *testing.T) {
	// Zero is a valid limit: it disables spawns for that agent.
	limits, err := ParseAgentLimits(`{"vaela": 0}`)
	if err != nil {
		t.Fatalf("ParseAgentLimits: %v", err)
	}
	if limits["vaela"] != 0 {
		t.Errorf("limits = %v", limits)
	}
}

func TestSetAgentLimit(t *testing.T) {
	c := &Config{AgentLimits: map[string]int{}}
	if err := c.SetAgentLimit("vaela=4"); err != nil {
		t.Fatalf("SetAgentLimit: %v", err)
	}
	if c.AgentLimits["vaela"] != 4 {
		t.Errorf("limits = %v", c.AgentLimits)
	}
	if err := c.SetAgentLimit("bad"); err == nil {
		t.Error("SetAgentLimit(bad) should fail")
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	base := t.TempDir()
	recipes := filepath.Join(base, "recipes")
	if err := os.MkdirAll(recipes, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	worker := filepath.Join(base, "taskworker")
	if err := os.WriteFile(worker, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatalf("write worker: %v", err)
	}
	return &Config{
		BasePath:          base,
		RunningDir:        filepath.Join(base, "state", "running"),
		LogDir:            filepath.Join(base, "state", "logs"),
		RecipesDir:        recipes,
		LockFile:          filepath.Join(base, "state", "tinyscheduler.lock"),
		AgentControlFile:  filepath.Join(base, "agent-control.json"),
		AgentLimits:       map[string]int{"vaela": 1},
		WorkerBin:         worker,
		Endpoint:          "http://localhost:3000",
		LoopInterval:      time.Minute,
		HeartbeatInterval: 15 * time.Second,
		MaxRuntime:        time.Hour,
		RequestTimeout:    30 * time.Second,
		LogLevel:          "info",
		Hostname:          "example-01",
	}
}

func TestValidateOK(t *testing.T) {
	c := validConfig(t)
	if errs := c.Validate(); len(errs) != 0 {
		t.Fatalf("Validate() = %v", errs)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	c := validConfig(t)
	c.RecipesDir = filepath.Join(c.BasePath, "nope")
	c.WorkerBin = filepath.Join(c.BasePath, "missing")
	c.AgentLimits = map[string]int{}
	c.LoopInterval = 0
	c.Endpoint = "ftp://example.com"
	c.Hostname = "bad host!"
	c.LogLevel = "loud"

	errs := c.Validate()
	if len(errs) < 6 {
		t.Fatalf("expected every problem reported, got %d: %v", len(errs), errs)
	}
}

func TestEnsureDirectories(t *testing.T) {
	c := validConfig(t)
	if err := c.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{c.RunningDir, c.LogDir, filepath.Dir(c.LockFile)} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("directory %s not created", dir)
		}
	}
}

func TestFromEnv(t *testing.T) {
	base := t.TempDir()
	t.Setenv("TINYSCHEDULER_BASE_PATH", base)
	t.Setenv("TINYSCHEDULER_AGENT_LIMITS", "vaela:2")
	t.Setenv("TINYSCHEDULER_HEARTBEAT_SEC", "5")
	t.Setenv("TINYSCHEDULER_DRY_RUN", "true")
	t.Setenv("TINYSCHEDULER_HOSTNAME", "example-01")
	t.Setenv("TINYSCHEDULER_RUNNING_DIR", "")
	t.Setenv("TINYSCHEDULER_ENDPOINT", "http://localhost:9000")

	c, err := FromEnv("")
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.BasePath != base {
		t.Errorf("BasePath = %s", c.BasePath)
	}
	if c.RunningDir != filepath.Join(base, "state", "running") {
		t.Errorf("RunningDir = %s", c.RunningDir)
	}
	if c.AgentLimits["vaela"] != 2 {
		t.Errorf("AgentLimits = %v", c.AgentLimits)
	}
	if c.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v", c.HeartbeatInterval)
	}
	if !c.DryRun {
		t.Error("DryRun should be true")
	}
	if c.Hostname != "example-01" {
		t.Errorf("Hostname = %s", c.Hostname)
	}
	if c.Endpoint != "http://localhost:9000" {
		t.Errorf("Endpoint = %s", c.Endpoint)
	}
}

func TestFromEnvFile(t *testing.T) {
	base := t.TempDir()
	envFile := filepath.Join(base, "tinyscheduler.env")
	content := "TINYSCHEDULER_BASE_PATH=" + base + "\nTINYSCHEDULER_AGENT_LIMITS=oscar:1\n"
	if err := os.WriteFile(envFile, []byte(content), 0644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	// godotenv does not override variables already present.
	os.Unsetenv("TINYSCHEDULER_BASE_PATH")
	os.Unsetenv("TINYSCHEDULER_AGENT_LIMITS")

	c, err := FromEnv(envFile)
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.AgentLimits["oscar"] != 1 {
		t.Errorf("AgentLimits = %v", c.AgentLimits)
	}
}
