// Package reconcile computes the insert and update sets that bring the Local
// Store in line with normalized TAS records.
package reconcile

import (
	"slices"

	"github.com/chameleoncloud/portalsync/internal/record"
)

// Policy says how rows of one entity are compared.
type Policy struct {
	// Exclude lists columns left out of the equality check.
	Exclude []string

	// PositiveOnly lists excluded columns that still get a targeted update
	// when the source value differs and is strictly greater than zero. TAS
	// reports aggregate usage as zero transiently; a zero never overwrites a
	// stored value.
	PositiveOnly []string
}

// Entity policies.
var (
	AllocationPolicy  = Policy{Exclude: []string{record.ColSUUsed}, PositiveOnly: []string{record.ColSUUsed}}
	ProjectPolicy     = Policy{}
	PublicationPolicy = Policy{}
)

// Snapshot indexes the Local Store rows of one table by natural key.
type Snapshot[T record.Row] struct {
	byKey map[string]T
}

// NewSnapshot indexes rows. When several rows share a natural key the first
// one wins.
func NewSnapshot[T record.Row](rows []T) Snapshot[T] {
	s := Snapshot[T]{byKey: make(map[string]T, len(rows))}
	for _, r := range rows {
		if _, dup := s.byKey[r.NaturalKey()]; !dup {
			s.byKey[r.NaturalKey()] = r
		}
	}
	return s
}

// Get returns the local row with the given natural key.
func (s Snapshot[T]) Get(key string) (T, bool) {
	r, ok := s.byKey[key]
	return r, ok
}

// Len returns the number of indexed rows.
func (s Snapshot[T]) Len() int { return len(s.byKey) }

// Update rewrites Columns of the local row ID.
type Update[T record.Row] struct {
	ID      int64
	Key     string
	Changed []string
	Columns []record.Column
	Record  T
}

// Result is the outcome of one diff.
type Result[T record.Row] struct {
	Inserts []T
	Updates []Update[T]

	// Unchanged counts records that matched their local row.
	Unchanged int

	// Duplicates holds natural keys seen more than once in the input.
	// Only the first record with a key is reconciled.
	Duplicates []string
}

// Empty reports whether the result writes nothing.
func (r Result[T]) Empty() bool {
	return len(r.Inserts) == 0 && len(r.Updates) == 0
}

// Diff matches records against snapshot by natural key. Records missing from
// the snapshot are inserted; records that differ are updated. Output order
// follows input order.
func Diff[T record.Row](records []T, snapshot Snapshot[T], policy Policy) Result[T] {
	result := Result[T]{Inserts: []T{}, Updates: []Update[T]{}}
	seen := make(map[string]bool, len(records))

	for _, rec := range records {
		key := rec.NaturalKey()
		if seen[key] {
			result.Duplicates = append(result.Duplicates, key)
			continue
		}
		seen[key] = true

		local, found := snapshot.Get(key)
		if !found {
			result.Inserts = append(result.Inserts, rec)
			continue
		}

		if u, ok := compare(rec, local, policy); ok {
			u.Key = key
			result.Updates = append(result.Updates, u)
			continue
		}
		result.Unchanged++
	}

	return result
}

// compare returns the update needed to turn local into src, if any.
func compare[T record.Row](src, local T, policy Policy) (Update[T], bool) {
	srcCols := src.Columns()
	localCols := local.Columns()

	var changed []string
	for _, c := range srcCols {
		if slices.Contains(policy.Exclude, c.Name) {
			continue
		}
		lv, _ := record.Lookup(localCols, c.Name)
		if !record.Equal(c.Value, lv) {
			changed = append(changed, c.Name)
		}
	}
	if len(changed) > 0 {
		// Any compared difference rewrites every mapped column.
		return Update[T]{ID: local.LocalID(), Changed: changed, Columns: srcCols, Record: src}, true
	}

	var targeted []record.Column
	for _, name := range policy.PositiveOnly {
		sv, _ := record.Lookup(srcCols, name)
		lv, _ := record.Lookup(localCols, name)
		if !record.Equal(sv, lv) && positive(sv) {
			targeted = append(targeted, record.Column{Name: name, Value: sv})
		}
	}
	if len(targeted) > 0 {
		return Update[T]{ID: local.LocalID(), Changed: record.ColumnNames(targeted), Columns: targeted, Record: src}, true
	}
	return Update[T]{}, false
}

func positive(v any) bool {
	switch n := record.Value(v).(type) {
	case float64:
		return n > 0
	case int64:
		return n > 0
	default:
		return false
	}
}
