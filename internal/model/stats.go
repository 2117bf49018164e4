package model

// PassStats accumulates per-pass reconciliation counters. One summary
// line per pass is logged from these.
type PassStats struct {
	LeasesScanned     int
	LeasesReclaimed   int
	TasksSpawned      int
	AssignedSpawned   int
	UnassignedMatched int
	TasksBlocked      int
	Errors            int
}
