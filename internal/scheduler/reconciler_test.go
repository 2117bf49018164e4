package scheduler

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericroliver/tinyscheduler/internal/config"
	"github.com/ericroliver/tinyscheduler/internal/lease"
	"github.com/ericroliver/tinyscheduler/internal/logging"
	"github.com/ericroliver/tinyscheduler/internal/model"
	"github.com/ericroliver/tinyscheduler/internal/registry"
)

// fakeService implements tinytask.TaskService in memory.
type fakeService struct {
	idleByAgent       map[string][]model.Task
	unassignedByQueue map[string][]model.Task
	assignFails       bool

	assigns []string // "taskID->agent"
	updates []string // "taskID:state"
}

func (f *fakeService) ListIdleTasks(_ context.Context, agent string, limit int) ([]model.Task, error) {
	tasks := f.idleByAgent[agent]
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (f *fakeService) GetUnassignedInQueue(_ context.Context, queue string, _ int) ([]model.Task, error) {
	// Services may ignore the limit hint; the reconciler's slot
	// accounting is what actually bounds spawns.
	return f.unassignedByQueue[queue], nil
}

func (f *fakeService) Assign(_ context.Context, taskID, agent string) bool {
	if f.assignFails {
		return false
	}
	f.assigns = append(f.assigns, taskID+"->"+agent)
	return true
}

func (f *fakeService) UpdateState(_ context.Context, taskID string, state model.UpdateState, _ map[string]any) bool {
	f.updates = append(f.updates, taskID+":"+string(state))
	return true
}

func (f *fakeService) GetTask(_ context.Context, _ string) (*model.Task, error) {
	return nil, nil
}

// fakeSpawner records spawn decisions without forking.
type fakeSpawner struct {
	spawns []string // "taskID@agent"
	fail   bool
}

func (f *fakeSpawner) Spawn(task model.Task, agent, _ string) error {
	if f.fail {
		return os.ErrPermission
	}
	f.spawns = append(f.spawns, task.ID+"@"+agent)
	return nil
}

type fixture struct {
	cfg     *config.Config
	store   *lease.Store
	service *fakeService
	spawner *fakeSpawner
	rec     *Reconciler
}

func newFixture(t *testing.T, limits map[string]int, reg *registry.Registry, agents ...string) *fixture {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{
		BasePath:          base,
		RunningDir:        filepath.Join(base, "state", "running"),
		LogDir:            filepath.Join(base, "state", "logs"),
		RecipesDir:        filepath.Join(base, "recipes"),
		LockFile:          filepath.Join(base, "state", "tinyscheduler.lock"),
		AgentLimits:       limits,
		Endpoint:          "http://localhost:3000",
		LoopInterval:      time.Minute,
		HeartbeatInterval: 15 * time.Second,
		MaxRuntime:        time.Hour,
		Hostname:          "test-host",
		LogLevel:          "error",
	}
	require.NoError(t, os.MkdirAll(cfg.RecipesDir, 0755))
	for _, agent := range agents {
		recipePath := filepath.Join(cfg.RecipesDir, agent+".yaml")
		require.NoError(t, os.WriteFile(recipePath, []byte("instructions: work\n"), 0644))
	}

	logger := logging.New(io.Discard, logging.LevelError, "scheduler")
	store, err := lease.NewStore(cfg.RunningDir, cfg.HeartbeatInterval, cfg.MaxRuntime, logger)
	require.NoError(t, err)

	service := &fakeService{
		idleByAgent:       map[string][]model.Task{},
		unassignedByQueue: map[string][]model.Task{},
	}
	spawner := &fakeSpawner{}

	if reg == nil {
		reg = registry.Empty()
	}
	rec := New(cfg, store, service, reg, logger)
	rec.SetSpawner(spawner)

	return &fixture{cfg: cfg, store: store, service: service, spawner: spawner, rec: rec}
}

func loadRegistry(t *testing.T, entries string) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent-control.json")
	require.NoError(t, os.WriteFile(path, []byte(entries), 0644))
	reg, err := registry.Load(path, logging.New(io.Discard, logging.LevelError, "registry"))
	require.NoError(t, err)
	return reg
}

func TestUnassignedDispatch(t *testing.T) {
	reg := loadRegistry(t, `[
		{"agentName":"vaela","agentType":"dev"},
		{"agentName":"damien","agentType":"dev"}
	]`)
	fx := newFixture(t, map[string]int{"vaela": 3, "damien": 2}, reg, "vaela", "damien")
	fx.service.unassignedByQueue["dev"] = []model.Task{
		{ID: "101", Status: model.TaskStatusIdle},
		{ID: "102", Status: model.TaskStatusIdle},
		{ID: "103", Status: model.TaskStatusIdle},
	}

	stats, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)

	// argmax free slots, ties to the lexicographically smaller name:
	// vaela(3) -> tie at 2/2 goes to damien -> vaela(2).
	assert.Equal(t, []string{"101->vaela", "102->damien", "103->vaela"}, fx.service.assigns)
	assert.Equal(t, []string{"101@vaela", "102@damien", "103@vaela"}, fx.spawner.spawns)
	assert.Equal(t, 3, stats.TasksSpawned)
	assert.Equal(t, 3, stats.UnassignedMatched)
	assert.Zero(t, stats.Errors)
}

func TestBlockerPrioritization(t *testing.T) {
	reg := loadRegistry(t, `[{"agentName":"vaela","agentType":"dev"}]`)
	fx := newFixture(t, map[string]int{"vaela": 1}, reg, "vaela")
	fx.service.unassignedByQueue["dev"] = []model.Task{
		{ID: "1", Priority: 0},
		{ID: "2", Priority: 10, BlockedByTaskID: intp(1), IsCurrentlyBlocked: true},
		{ID: "3", Priority: 5},
	}

	stats, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)

	// Task 2 is filtered; task 1 blocks it so 1 outranks 3's priority.
	assert.Equal(t, []string{"1@vaela"}, fx.spawner.spawns)
	assert.Equal(t, 1, stats.TasksBlocked)
	assert.Equal(t, 1, stats.TasksSpawned)
}

func TestStaleHeartbeatReclaim(t *testing.T) {
	fx := newFixture(t, map[string]int{"oscar": 1}, nil, "oscar")

	l := model.NewLease("77", "oscar", os.Getpid(), "oscar.yaml", "test-host")
	l.StartedAt = l.StartedAt.Add(-15 * time.Minute)
	l.Heartbeat = l.Heartbeat.Add(-15 * time.Minute)
	require.NoError(t, fx.store.Create(l))

	stats, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.LeasesScanned)
	assert.Equal(t, 1, stats.LeasesReclaimed)
	assert.Contains(t, fx.service.updates, "77:idle")

	got, err := fx.store.Get("77")
	require.NoError(t, err)
	assert.Nil(t, got, "reclaimed lease must be deleted")
}

func TestDeadProcessReclaim(t *testing.T) {
	fx := newFixture(t, map[string]int{"oscar": 1}, nil, "oscar")

	l := model.NewLease("88", "oscar", -1, "oscar.yaml", "test-host")
	require.NoError(t, fx.store.Create(l))

	stats, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.LeasesReclaimed)
	assert.Contains(t, fx.service.updates, "88:idle")
}

func TestOverMaxRuntimeReportsFailed(t *testing.T) {
	fx := newFixture(t, map[string]int{"oscar": 1}, nil, "oscar")

	l := model.NewLease("99", "oscar", os.Getpid(), "oscar.yaml", "test-host")
	l.StartedAt = l.StartedAt.Add(-2 * time.Hour)
	require.NoError(t, fx.store.Create(l))

	stats, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.LeasesReclaimed)
	assert.Contains(t, fx.service.updates, "99:failed")
}

func TestEmptyLeaseDirNoReclaimWork(t *testing.T) {
	fx := newFixture(t, map[string]int{"vaela": 1}, nil, "vaela")

	stats, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Zero(t, stats.LeasesScanned)
	assert.Zero(t, stats.LeasesReclaimed)
	assert.Empty(t, fx.service.updates)
}

func TestZeroLimitPreventsSpawns(t *testing.T) {
	fx := newFixture(t, map[string]int{"vaela": 0}, nil, "vaela")
	fx.service.idleByAgent["vaela"] = []model.Task{{ID: "1"}}

	stats, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Empty(t, fx.spawner.spawns)
	assert.Zero(t, stats.TasksSpawned)
}

func TestLegacyModeSpawns(t *testing.T) {
	fx := newFixture(t, map[string]int{"vaela": 2}, nil, "vaela")
	fx.service.idleByAgent["vaela"] = []model.Task{
		{ID: "1", Priority: 1},
		{ID: "2", Priority: 5},
	}

	stats, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)

	// Legacy mode still applies the blocking sort: higher priority first.
	assert.Equal(t, []string{"2@vaela", "1@vaela"}, fx.spawner.spawns)
	assert.Equal(t, 2, stats.TasksSpawned)
	assert.Zero(t, stats.AssignedSpawned, "legacy spawns count only in tasks_spawned")
}

func TestLegacyModeCapacityAccountsExistingLeases(t *testing.T) {
	fx := newFixture(t, map[string]int{"vaela": 2}, nil, "vaela")
	require.NoError(t, fx.store.Create(model.NewLease("running1", "vaela", os.Getpid(), "vaela.yaml", "test-host")))
	fx.service.idleByAgent["vaela"] = []model.Task{{ID: "1"}, {ID: "2"}}

	stats, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.TasksSpawned, "one slot is occupied by the live lease")
}

func TestAssignedTasksQueueMode(t *testing.T) {
	reg := loadRegistry(t, `[{"agentName":"oscar","agentType":"qa"}]`)
	fx := newFixture(t, map[string]int{"oscar": 2}, reg, "oscar")
	fx.service.idleByAgent["oscar"] = []model.Task{
		{ID: "5"},
		{ID: "6", IsCurrentlyBlocked: true},
	}

	stats, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"5@oscar"}, fx.spawner.spawns)
	assert.Equal(t, 1, stats.AssignedSpawned)
	assert.Equal(t, 1, stats.TasksBlocked)
	assert.Empty(t, fx.service.assigns, "already-assigned tasks are not reassigned")
}

func TestDryRunMakesNoMutations(t *testing.T) {
	reg := loadRegistry(t, `[{"agentName":"vaela","agentType":"dev"}]`)
	fx := newFixture(t, map[string]int{"vaela": 1}, reg, "vaela")
	fx.cfg.DryRun = true

	stale := model.NewLease("77", "vaela", -1, "vaela.yaml", "test-host")
	require.NoError(t, fx.store.Create(stale))
	fx.service.unassignedByQueue["dev"] = []model.Task{{ID: "1"}}

	stats, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Empty(t, fx.spawner.spawns)
	assert.Empty(t, fx.service.assigns)
	assert.Empty(t, fx.service.updates)
	assert.Zero(t, stats.LeasesReclaimed)

	got, err := fx.store.Get("77")
	require.NoError(t, err)
	assert.NotNil(t, got, "dry run must not delete leases")
}

func TestKillSwitchPreservesServiceOrder(t *testing.T) {
	fx := newFixture(t, map[string]int{"vaela": 3}, nil, "vaela")
	fx.cfg.DisableBlocking = true
	fx.service.idleByAgent["vaela"] = []model.Task{
		{ID: "3", Priority: 1},
		{ID: "2", Priority: 9, IsCurrentlyBlocked: true},
		{ID: "1", BlockedByTaskID: intp(3)},
	}

	stats, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"3@vaela", "2@vaela", "1@vaela"}, fx.spawner.spawns)
	assert.Zero(t, stats.TasksBlocked)
}

func TestAssignFailureSkipsSpawn(t *testing.T) {
	reg := loadRegistry(t, `[{"agentName":"vaela","agentType":"dev"}]`)
	fx := newFixture(t, map[string]int{"vaela": 1}, reg, "vaela")
	fx.service.assignFails = true
	fx.service.unassignedByQueue["dev"] = []model.Task{{ID: "1"}}

	stats, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Empty(t, fx.spawner.spawns)
	assert.Equal(t, 1, stats.Errors)
}

func TestSpawnFailureCountedAndPassContinues(t *testing.T) {
	fx := newFixture(t, map[string]int{"vaela": 2}, nil, "vaela")
	fx.spawner.fail = true
	fx.service.idleByAgent["vaela"] = []model.Task{{ID: "1"}, {ID: "2"}}

	stats, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Errors)
	assert.Zero(t, stats.TasksSpawned)
}

func TestMissingRecipeSkipsWithoutError(t *testing.T) {
	// No recipe file written for agent "ghost".
	fx := newFixture(t, map[string]int{"ghost": 1}, nil)
	fx.service.idleByAgent["ghost"] = []model.Task{{ID: "1"}}

	stats, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Empty(t, fx.spawner.spawns)
	assert.Zero(t, stats.Errors, "recipe problems are skips, not errors")
}

func TestInvalidTaskIDFromServiceSkipped(t *testing.T) {
	fx := newFixture(t, map[string]int{"vaela": 1}, nil, "vaela")
	fx.service.idleByAgent["vaela"] = []model.Task{{ID: "../../etc/passwd"}}

	_, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fx.spawner.spawns)
}

func TestTaskRecipeHintUsed(t *testing.T) {
	fx := newFixture(t, map[string]int{"vaela": 1}, nil, "vaela")
	custom := filepath.Join(fx.cfg.RecipesDir, "special.yaml")
	require.NoError(t, os.WriteFile(custom, []byte("mode: special\n"), 0644))
	fx.service.idleByAgent["vaela"] = []model.Task{{ID: "1", Recipe: "special.yaml"}}

	var gotPath string
	fx.rec.SetSpawner(spawnFunc(func(task model.Task, agent, recipePath string) error {
		gotPath = recipePath
		return nil
	}))

	_, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "special.yaml", filepath.Base(gotPath))
}

type spawnFunc func(task model.Task, agent, recipePath string) error

func (f spawnFunc) Spawn(task model.Task, agent, recipePath string) error {
	return f(task, agent, recipePath)
}

func TestSecondPassAfterQuiesceIsNoop(t *testing.T) {
	// Pass idempotence: with no external change (service drained), a
	// second pass performs no reclaims and no spawns.
	fx := newFixture(t, map[string]int{"vaela": 1}, nil, "vaela")
	fx.service.idleByAgent["vaela"] = []model.Task{{ID: "1"}}

	first, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.TasksSpawned)

	fx.service.idleByAgent["vaela"] = nil
	second, err := fx.rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.TasksSpawned)
	assert.Zero(t, second.LeasesReclaimed)
	assert.Zero(t, second.Errors)
}
