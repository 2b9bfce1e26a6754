package store

import "time"

// Run statuses recorded in sync_runs.
const (
	RunCompleted = "completed"
	RunAborted   = "aborted"
)

// Run is one row of the sync_runs log.
type Run struct {
	ID         string
	Entity     string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Fetched    int
	Invalid    int
	Inserted   int
	Updated    int
	Failed     int

	// Details carries free-form run context such as failed batch keys or the
	// abort reason.
	Details map[string]any
}
