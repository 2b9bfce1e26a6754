// Package record defines the Local Store row shapes that a sync run produces.
//
// Each entity type (Allocation, Project, Publication) is an explicit struct with
// an ordered column list. The column list is the single source of truth for
// three things:
//   - comparison: the Differ walks Columns() pairwise
//   - persistence: the store builds INSERT/UPDATE statements from column names
//   - identity: NaturalKey() renders the identifying columns canonically
//
// # Column Values
//
// Column values are restricted to a small set of comparable Go types:
// nil, string, int64, float64, bool and time.Time. Optional foreign keys are
// stored as *int64 on the struct and surface as nil or int64 in Columns().
package record
