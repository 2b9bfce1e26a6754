package record

import "time"

// Allocation table and column names.
const (
	TableAllocations = "allocations"
	ColSUUsed        = "su_used"
)

// AllocationRequired lists the allocation columns that must be set before a
// row may be written.
var AllocationRequired = []string{"project_id", "status", "resource"}

// Allocation is one row of the allocations table.
//
// Allocations carry no stable source identifier, so every mapped column except
// the usage counter forms the natural key. A changed status or date therefore
// produces a new row rather than an update.
type Allocation struct {
	ID              int64
	ProjectID       int64
	Status          string
	Resource        string
	Justification   string
	DecisionSummary string
	StartDate       *time.Time
	EndDate         *time.Time
	DateRequested   *time.Time
	DateReviewed    *time.Time
	SURequested     float64
	SUAllocated     float64
	SUUsed          float64
	RequestorID     *int64
	ReviewerID      *int64
}

func (a Allocation) Table() string  { return TableAllocations }
func (a Allocation) LocalID() int64 { return a.ID }

// Columns returns the allocation columns in table order.
func (a Allocation) Columns() []Column {
	return []Column{
		{"project_id", a.ProjectID},
		{"status", a.Status},
		{"resource", a.Resource},
		{"justification", a.Justification},
		{"decision_summary", a.DecisionSummary},
		{"start_date", Value(a.StartDate)},
		{"end_date", Value(a.EndDate)},
		{"date_requested", Value(a.DateRequested)},
		{"date_reviewed", Value(a.DateReviewed)},
		{"su_requested", a.SURequested},
		{"su_allocated", a.SUAllocated},
		{ColSUUsed, a.SUUsed},
		{"requestor_id", Value(a.RequestorID)},
		{"reviewer_id", Value(a.ReviewerID)},
	}
}

// identityColumns is Columns without the usage counter.
func (a Allocation) identityColumns() []Column {
	cols := a.Columns()
	out := cols[:0]
	for _, c := range cols {
		if c.Name != ColSUUsed {
			out = append(out, c)
		}
	}
	return out
}

// NaturalKey renders every identity column canonically.
func (a Allocation) NaturalKey() string {
	return CanonicalKey(a.identityColumns())
}

func (a Allocation) Missing() []string {
	return missingOf(a.Columns(), AllocationRequired)
}
