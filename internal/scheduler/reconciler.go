// Package scheduler implements the reconciliation engine: scan leases,
// reclaim stale ones, match ready tasks to agents with free slots, and
// spawn one supervisor per selected task.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ericroliver/tinyscheduler/internal/config"
	"github.com/ericroliver/tinyscheduler/internal/lease"
	"github.com/ericroliver/tinyscheduler/internal/logging"
	"github.com/ericroliver/tinyscheduler/internal/model"
	"github.com/ericroliver/tinyscheduler/internal/recipe"
	"github.com/ericroliver/tinyscheduler/internal/registry"
	"github.com/ericroliver/tinyscheduler/internal/tinytask"
	"github.com/ericroliver/tinyscheduler/internal/validate"
)

// Spawner launches one supervisor process for a task. Injectable so
// tests can observe spawn decisions without forking.
type Spawner interface {
	Spawn(task model.Task, agent, recipePath string) error
}

// Reconciler performs idempotent reconciliation passes. Each pass
// re-derives the world from the lease store and the task service, so a
// missed pass is harmless.
type Reconciler struct {
	cfg      *config.Config
	store    *lease.Store
	client   tinytask.TaskService
	registry *registry.Registry
	logger   *logging.Logger
	spawner  Spawner
}

// New creates a Reconciler with the default exec-based spawner.
func New(cfg *config.Config, store *lease.Store, client tinytask.TaskService, reg *registry.Registry, logger *logging.Logger) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		store:    store,
		client:   client,
		registry: reg,
		logger:   logger,
		spawner:  &execSpawner{cfg: cfg, logger: logger},
	}
}

// SetSpawner overrides the supervisor spawner for testing.
func (r *Reconciler) SetSpawner(s Spawner) {
	r.spawner = s
}

// Reconcile runs one pass: scan & reclaim, then task selection and
// spawning in queue or legacy mode. Task-level failures are counted and
// skipped; only a pass-level invariant failure (unreadable lease dir)
// returns an error.
func (r *Reconciler) Reconcile(ctx context.Context) (model.PassStats, error) {
	var stats model.PassStats

	r.logger.Infof("starting reconciliation pass host=%s dry_run=%v", r.cfg.Hostname, r.cfg.DryRun)

	if err := r.scanAndReclaim(ctx, &stats); err != nil {
		return stats, err
	}

	if !r.registry.IsEmpty() {
		r.processUnassigned(ctx, &stats)
		r.processAssigned(ctx, &stats)
	} else {
		r.processLegacy(ctx, &stats)
	}

	r.logger.Infof("pass complete leases_scanned=%d leases_reclaimed=%d tasks_spawned=%d assigned_spawned=%d unassigned_matched=%d tasks_blocked=%d errors=%d",
		stats.LeasesScanned, stats.LeasesReclaimed, stats.TasksSpawned,
		stats.AssignedSpawned, stats.UnassignedMatched, stats.TasksBlocked, stats.Errors)

	return stats, nil
}

// scanAndReclaim classifies every lease and reclaims the stale ones.
// Reclamation happens strictly before any spawn decision, so spawns
// never race reclaims for the same task.
func (r *Reconciler) scanAndReclaim(ctx context.Context, stats *model.PassStats) error {
	leases, err := r.store.List()
	if err != nil {
		return fmt.Errorf("scan leases: %w", err)
	}
	stats.LeasesScanned = len(leases)

	now := time.Now().UTC()
	for _, l := range leases {
		class := r.store.Classify(l, now)
		if class == lease.ClassHealthy {
			continue
		}

		r.logger.Warnf("stale lease detected task=%s agent=%s pid=%d reason=%s",
			l.TaskID, l.Agent, l.PID, class)

		if r.cfg.DryRun {
			r.logger.Infof("[dry run] would reclaim lease for task %s (%s)", l.TaskID, class)
			continue
		}

		if err := r.store.Delete(l.TaskID); err != nil {
			r.logger.Errorf("reclaim task %s: %v", l.TaskID, err)
			stats.Errors++
			continue
		}

		// Runtime overruns failed; dead processes and stale heartbeats
		// requeue for another attempt.
		state := model.UpdateStateIdle
		if class == lease.ClassOverMaxRuntime {
			state = model.UpdateStateFailed
		}
		if !r.client.UpdateState(ctx, l.TaskID, state, map[string]any{"reclaim_reason": string(class)}) {
			r.logger.Errorf("reclaimed lease for task %s but state update to %s failed", l.TaskID, state)
			stats.Errors++
		}
		stats.LeasesReclaimed++
	}
	return nil
}

// limitFor returns an agent's concurrency limit. Registry agents
// without an explicit limit default to 1.
func (r *Reconciler) limitFor(agent string) int {
	if limit, ok := r.cfg.AgentLimits[agent]; ok {
		return limit
	}
	return 1
}

// freeSlots computes max(0, limit - running leases) for one agent.
func (r *Reconciler) freeSlots(agent string, limit int) (int, error) {
	active, err := r.store.CountByAgent(agent)
	if err != nil {
		return 0, err
	}
	free := limit - active
	if free < 0 {
		free = 0
	}
	return free, nil
}

// bestAgent picks the agent with the most free slots, ties broken by
// lexicographically smallest name. Returns "" when no slot is free.
func bestAgent(free map[string]int) string {
	best := ""
	bestSlots := 0
	names := make([]string, 0, len(free))
	for name := range free {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if free[name] > bestSlots {
			best = name
			bestSlots = free[name]
		}
	}
	return best
}

// processUnassigned matches unassigned tasks per queue to the agent
// pool with free capacity (queue mode step 3).
func (r *Reconciler) processUnassigned(ctx context.Context, stats *model.PassStats) {
	for _, queue := range r.registry.Queues() {
		pool := r.registry.AgentsByQueue(queue)
		if len(pool) == 0 {
			continue
		}

		free := make(map[string]int, len(pool))
		total := 0
		for _, agent := range pool {
			slots, err := r.freeSlots(agent, r.limitFor(agent))
			if err != nil {
				r.logger.Errorf("count leases for agent %s: %v", agent, err)
				stats.Errors++
				continue
			}
			free[agent] = slots
			total += slots
		}
		if total <= 0 {
			r.logger.Debugf("no free slots for queue %s", queue)
			continue
		}

		tasks, err := r.client.GetUnassignedInQueue(ctx, queue, total)
		if err != nil {
			r.logger.Errorf("query unassigned tasks for queue %s: %v", queue, err)
			stats.Errors++
			continue
		}
		r.logger.Infof("queue %s: %d unassigned tasks, %d free slots", queue, len(tasks), total)

		candidates, blocked := SelectCandidates(tasks, r.cfg.DisableBlocking)
		stats.TasksBlocked += blocked

		for _, task := range candidates {
			agent := bestAgent(free)
			if agent == "" {
				break
			}

			path, ok := r.resolveRecipe(task, agent)
			if !ok {
				continue
			}

			if r.cfg.DryRun {
				r.logger.Infof("[dry run] would assign task %s to agent %s", task.ID, agent)
				free[agent]--
				stats.UnassignedMatched++
				continue
			}

			if !r.client.Assign(ctx, task.ID, agent) {
				r.logger.Errorf("assign task %s to agent %s failed", task.ID, agent)
				stats.Errors++
				continue
			}
			if err := r.spawner.Spawn(task, agent, path); err != nil {
				r.logger.Errorf("spawn supervisor for task %s: %v", task.ID, err)
				stats.Errors++
				continue
			}
			free[agent]--
			stats.UnassignedMatched++
			stats.TasksSpawned++
			r.logger.Infof("assigned and spawned task %s for agent %s", task.ID, agent)
		}
	}
}

// processAssigned spawns supervisors for idle tasks already assigned to
// registry agents (queue mode step 4).
func (r *Reconciler) processAssigned(ctx context.Context, stats *model.PassStats) {
	for _, agent := range r.registry.AgentNames() {
		r.spawnIdleForAgent(ctx, agent, r.limitFor(agent), stats, false)
	}
}

// processLegacy is the registry-less path: the agent-limits map alone
// drives spawning.
func (r *Reconciler) processLegacy(ctx context.Context, stats *model.PassStats) {
	agents := make([]string, 0, len(r.cfg.AgentLimits))
	for agent := range r.cfg.AgentLimits {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	for _, agent := range agents {
		r.spawnIdleForAgent(ctx, agent, r.cfg.AgentLimits[agent], stats, true)
	}
}

// spawnIdleForAgent fetches up to the agent's free slots of idle tasks
// and spawns supervisors for them.
func (r *Reconciler) spawnIdleForAgent(ctx context.Context, agent string, limit int, stats *model.PassStats, legacy bool) {
	free, err := r.freeSlots(agent, limit)
	if err != nil {
		r.logger.Errorf("count leases for agent %s: %v", agent, err)
		stats.Errors++
		return
	}
	if free <= 0 {
		r.logger.Debugf("no free slots for agent %s", agent)
		return
	}

	tasks, err := r.client.ListIdleTasks(ctx, agent, free)
	if err != nil {
		r.logger.Errorf("query idle tasks for agent %s: %v", agent, err)
		stats.Errors++
		return
	}
	r.logger.Infof("agent %s: %d idle tasks, %d free slots", agent, len(tasks), free)

	candidates, blocked := SelectCandidates(tasks, r.cfg.DisableBlocking)
	stats.TasksBlocked += blocked

	spawned := 0
	for _, task := range candidates {
		if spawned >= free {
			break
		}

		path, ok := r.resolveRecipe(task, agent)
		if !ok {
			continue
		}

		if r.cfg.DryRun {
			r.logger.Infof("[dry run] would spawn task %s for agent %s", task.ID, agent)
			spawned++
			if legacy {
				stats.TasksSpawned++
			} else {
				stats.AssignedSpawned++
			}
			continue
		}

		if err := r.spawner.Spawn(task, agent, path); err != nil {
			r.logger.Errorf("spawn supervisor for task %s: %v", task.ID, err)
			stats.Errors++
			continue
		}
		spawned++
		stats.TasksSpawned++
		if !legacy {
			stats.AssignedSpawned++
		}
		r.logger.Infof("spawned task %s for agent %s", task.ID, agent)
	}
}

// resolveRecipe validates the task id and resolves the recipe path.
// Failures log a warning and skip the task without counting an error.
func (r *Reconciler) resolveRecipe(task model.Task, agent string) (string, bool) {
	if _, err := validate.TaskID(task.ID); err != nil {
		r.logger.Warnf("skipping task with invalid id %q: %v", task.ID, err)
		return "", false
	}

	name := recipe.NameFor(task.Recipe, agent)
	path, err := recipe.Resolve(name, r.cfg.RecipesDir)
	if err != nil {
		r.logger.Warnf("skipping task %s: recipe %q: %v", task.ID, name, err)
		return "", false
	}
	if err := recipe.Check(path); err != nil {
		r.logger.Warnf("skipping task %s: recipe %s: %v", task.ID, name, err)
		return "", false
	}
	return path, true
}
