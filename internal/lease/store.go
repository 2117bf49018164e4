// Package lease owns the directory of per-task lease files: atomic
// persistence, enumeration, and staleness classification.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ericroliver/tinyscheduler/internal/logging"
	"github.com/ericroliver/tinyscheduler/internal/model"
	"github.com/ericroliver/tinyscheduler/internal/validate"
)

// ErrLeaseConflict is returned by Create when a lease for the task
// already exists on this host.
var ErrLeaseConflict = errors.New("lease already exists")

// ErrLeaseNotFound is returned by Update when no lease exists for the task.
var ErrLeaseNotFound = errors.New("lease does not exist")

// ErrMalformedLease is returned by Get when the lease file cannot be parsed.
var ErrMalformedLease = errors.New("malformed lease file")

// Classification of a lease against the host OS and the clock.
type Classification string

const (
	ClassHealthy        Classification = "healthy"
	ClassDeadProcess    Classification = "dead_process"
	ClassStaleHeartbeat Classification = "stale_heartbeat"
	ClassOverMaxRuntime Classification = "over_max_runtime"
)

// minStaleHeartbeat floors the heartbeat staleness threshold so short
// heartbeat intervals do not cause spurious reclaims.
const minStaleHeartbeat = 60 * time.Second

const leasePrefix = "task_"
const leaseSuffix = ".json"

// Store manages lease files under a single directory.
type Store struct {
	dir               string
	heartbeatInterval time.Duration
	maxRuntime        time.Duration
	logger            *logging.Logger
}

// NewStore creates the lease directory if needed and returns a Store.
func NewStore(dir string, heartbeatInterval, maxRuntime time.Duration, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lease dir: %w", err)
	}
	return &Store{
		dir:               dir,
		heartbeatInterval: heartbeatInterval,
		maxRuntime:        maxRuntime,
		logger:            logger,
	}, nil
}

// Path validates taskID and returns the lease file path, verified to
// resolve strictly inside the lease directory.
func (s *Store) Path(taskID string) (string, error) {
	id, err := validate.TaskID(taskID)
	if err != nil {
		return "", err
	}
	return validate.WithinDir(filepath.Join(s.dir, leasePrefix+id+leaseSuffix), s.dir)
}

// Create writes a new lease. Fails with ErrLeaseConflict when a lease for
// the task already exists.
func (s *Store) Create(l model.Lease) error {
	path, err := s.Path(l.TaskID)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("%w for task %s", ErrLeaseConflict, l.TaskID)
	}
	return s.write(path, l)
}

// Update overwrites an existing lease (heartbeats and terminal states).
func (s *Store) Update(l model.Lease) error {
	path, err := s.Path(l.TaskID)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(path); err != nil {
		return fmt.Errorf("%w for task %s", ErrLeaseNotFound, l.TaskID)
	}
	return s.write(path, l)
}

// write serializes the lease and lands it atomically: unique temp file in
// the lease dir, fsync, chmod 0600, rename. A concurrent reader sees the
// previous or the new contents, never a partial write.
func (s *Store) write(path string, l model.Lease) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal lease for task %s: %w", l.TaskID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tinyscheduler-tmp-*"+leaseSuffix)
	if err != nil {
		return fmt.Errorf("create temp lease file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp lease file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp lease file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		return fmt.Errorf("chmod temp lease file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp lease file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename lease into place: %w", err)
	}
	return nil
}

// Delete removes the lease file. An already-absent lease is not an error.
func (s *Store) Delete(taskID string) error {
	path, err := s.Path(taskID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete lease for task %s: %w", taskID, err)
	}
	return nil
}

// Get reads the lease for a task. Returns (nil, nil) when no lease
// exists; a file that exists but cannot be parsed surfaces as
// ErrMalformedLease.
func (s *Store) Get(taskID string) (*model.Lease, error) {
	path, err := s.Path(taskID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lease for task %s: %w", taskID, err)
	}
	var l model.Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: task %s: %v", ErrMalformedLease, taskID, err)
	}
	return &l, nil
}

// List enumerates all leases, skipping malformed files with a warning.
func (s *Store) List() ([]model.Lease, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read lease dir: %w", err)
	}

	var leases []model.Lease
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, leasePrefix) || !strings.HasSuffix(name, leaseSuffix) {
			continue
		}
		taskID := strings.TrimSuffix(strings.TrimPrefix(name, leasePrefix), leaseSuffix)
		if _, err := validate.TaskID(taskID); err != nil {
			s.logger.Warnf("skipping lease file with invalid name %s: %v", name, err)
			continue
		}
		l, err := s.Get(taskID)
		if err != nil {
			s.logger.Warnf("skipping unreadable lease %s: %v", name, err)
			continue
		}
		if l == nil {
			continue
		}
		if l.TaskID != taskID {
			s.logger.Warnf("skipping lease %s: task_id %q does not match filename", name, l.TaskID)
			continue
		}
		leases = append(leases, *l)
	}
	return leases, nil
}

// CountByAgent counts running leases owned by agent.
func (s *Store) CountByAgent(agent string) (int, error) {
	counts, err := s.CountActiveByAgent()
	if err != nil {
		return 0, err
	}
	return counts[agent], nil
}

// CountActiveByAgent counts running leases grouped by agent.
func (s *Store) CountActiveByAgent() (map[string]int, error) {
	leases, err := s.List()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, l := range leases {
		if l.State == model.LeaseStateRunning {
			counts[l.Agent]++
		}
	}
	return counts, nil
}

// Classify judges a lease against the clock and the host process table.
// When multiple conditions apply the most severe wins:
// dead_process > over_max_runtime > stale_heartbeat.
func (s *Store) Classify(l model.Lease, now time.Time) Classification {
	if !ProcessAlive(l.PID) {
		return ClassDeadProcess
	}
	if l.Age(now) > s.maxRuntime {
		return ClassOverMaxRuntime
	}
	threshold := 3 * s.heartbeatInterval
	if threshold < minStaleHeartbeat {
		threshold = minStaleHeartbeat
	}
	if l.HeartbeatAge(now) > threshold {
		return ClassStaleHeartbeat
	}
	return ClassHealthy
}

// ProcessAlive reports whether pid exists on this host. kill(pid, 0)
// with EPERM means the process exists but belongs to someone else, so it
// still counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
