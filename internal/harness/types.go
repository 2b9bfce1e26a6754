package harness

// TraceEvent records one sync run.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Entity string         `json:"entity"`
	RunID  string         `json:"run_id"`
	Status string         `json:"status"`
	Counts map[string]int `json:"counts"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every run in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddRun appends a run to the trace.
func (r *Result) AddRun(entity, runID, status string, counts map[string]int) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    int64(len(r.Trace) + 1),
		Entity: entity,
		RunID:  runID,
		Status: status,
		Counts: counts,
	})
}
