package scheduler

import (
	"sort"
	"strconv"

	"github.com/ericroliver/tinyscheduler/internal/model"
)

// createdAtSentinel sorts after any real RFC3339 timestamp, so tasks
// without created_at lose FIFO ties to tasks that have one.
const createdAtSentinel = "~"

// FilterBlocked removes tasks the task service marks currently blocked
// and returns the removal count.
func FilterBlocked(tasks []model.Task) ([]model.Task, int) {
	unblocked := make([]model.Task, 0, len(tasks))
	blocked := 0
	for _, t := range tasks {
		if t.IsCurrentlyBlocked {
			blocked++
			continue
		}
		unblocked = append(unblocked, t)
	}
	return unblocked, blocked
}

// CountBlockers builds the blocker multiset over a candidate set: how
// many candidates each task id is blocking. Blockers outside the set
// contribute nothing.
func CountBlockers(tasks []model.Task) map[string]int {
	inSet := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inSet[t.ID] = true
	}

	counts := make(map[string]int)
	for _, t := range tasks {
		if t.BlockedByTaskID == nil {
			continue
		}
		blocker := strconv.Itoa(*t.BlockedByTaskID)
		if inSet[blocker] {
			counts[blocker]++
		}
	}
	return counts
}

// sortableTask carries the precomputed composite key for one candidate.
type sortableTask struct {
	index    int
	blockers int
	priority int
	created  string
}

// SortByBlockingPriority orders candidates most-blocking first, then
// highest priority, then oldest created_at (missing timestamps last).
func SortByBlockingPriority(tasks []model.Task, blockers map[string]int) []model.Task {
	entries := make([]sortableTask, len(tasks))
	for i, t := range tasks {
		created := t.CreatedAt
		if created == "" {
			created = createdAtSentinel
		}
		entries[i] = sortableTask{
			index:    i,
			blockers: blockers[t.ID],
			priority: t.Priority,
			created:  created,
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].blockers != entries[j].blockers {
			return entries[i].blockers > entries[j].blockers
		}
		if entries[i].priority != entries[j].priority {
			return entries[i].priority > entries[j].priority
		}
		return entries[i].created < entries[j].created
	})

	sorted := make([]model.Task, len(tasks))
	for i, e := range entries {
		sorted[i] = tasks[e.index]
	}
	return sorted
}

// SelectCandidates applies the blocking filter and priority sort to a
// candidate list. With disableBlocking set, the input passes through
// untouched: no filtering, no blocker counting, no reordering.
func SelectCandidates(tasks []model.Task, disableBlocking bool) ([]model.Task, int) {
	if disableBlocking {
		return tasks, 0
	}
	unblocked, blocked := FilterBlocked(tasks)
	return SortByBlockingPriority(unblocked, CountBlockers(tasks)), blocked
}
