// Package apply writes a reconciliation result to the Local Store in
// fixed-size batches, one transaction per batch.
package apply

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chameleoncloud/portalsync/internal/reconcile"
	"github.com/chameleoncloud/portalsync/internal/record"
	"github.com/chameleoncloud/portalsync/internal/store"
)

// DefaultBatchSize is used when an Applier is built with a non-positive size.
const DefaultBatchSize = 500

// Store is the subset of the Local Store the Applier writes through.
type Store interface {
	Ping(ctx context.Context) error
	InsertRows(ctx context.Context, rows []record.Row) error
	UpdateRows(ctx context.Context, updates []store.RowUpdate) error
}

// Plan is an entity-independent view of a reconciliation result.
type Plan struct {
	Inserts    []record.Row
	Updates    []store.RowUpdate
	UpdateKeys []string
}

// PlanOf flattens a typed reconciliation result into a Plan.
func PlanOf[T record.Row](result reconcile.Result[T]) Plan {
	plan := Plan{
		Inserts:    make([]record.Row, 0, len(result.Inserts)),
		Updates:    make([]store.RowUpdate, 0, len(result.Updates)),
		UpdateKeys: make([]string, 0, len(result.Updates)),
	}
	for _, r := range result.Inserts {
		plan.Inserts = append(plan.Inserts, r)
	}
	for _, u := range result.Updates {
		plan.Updates = append(plan.Updates, store.RowUpdate{
			Table:   u.Record.Table(),
			ID:      u.ID,
			Columns: u.Columns,
		})
		plan.UpdateKeys = append(plan.UpdateKeys, u.Key)
	}
	return plan
}

// Batch kinds.
const (
	KindInsert = "insert"
	KindUpdate = "update"
)

// BatchFailure describes one batch that was rolled back.
type BatchFailure struct {
	Kind  string
	Index int
	Keys  []string
	Err   error
}

// Report summarizes an Apply call. Rows counted in Inserted and Updated are
// committed.
type Report struct {
	Inserted int
	Updated  int
	Failed   []BatchFailure
}

// FailedRows returns the number of rows in failed batches.
func (r Report) FailedRows() int {
	n := 0
	for _, f := range r.Failed {
		n += len(f.Keys)
	}
	return n
}

// FailedKeys returns the natural keys of every row that was not written.
func (r Report) FailedKeys() []string {
	keys := []string{}
	for _, f := range r.Failed {
		keys = append(keys, f.Keys...)
	}
	return keys
}

// Applier writes plans through a Store.
type Applier struct {
	store     Store
	batchSize int
	logger    *slog.Logger
}

// New returns an Applier writing batches of at most batchSize rows.
func New(s Store, batchSize int, logger *slog.Logger) *Applier {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{store: s, batchSize: batchSize, logger: logger}
}

// Apply writes inserts first, then updates. Each batch commits or rolls back
// on its own; a failed batch is recorded in the report and later batches still
// run. An error is returned only when the store is unreachable before writing
// or the context is cancelled.
func (a *Applier) Apply(ctx context.Context, plan Plan) (Report, error) {
	var report Report
	if len(plan.Inserts) == 0 && len(plan.Updates) == 0 {
		return report, nil
	}
	if err := a.store.Ping(ctx); err != nil {
		return report, fmt.Errorf("apply: %w", err)
	}

	for i, start := 0, 0; start < len(plan.Inserts); i, start = i+1, start+a.batchSize {
		batch := plan.Inserts[start:min(start+a.batchSize, len(plan.Inserts))]
		if err := a.store.InsertRows(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return report, fmt.Errorf("apply: %w", ctx.Err())
			}
			keys := make([]string, len(batch))
			for j, r := range batch {
				keys[j] = r.NaturalKey()
			}
			a.fail(&report, BatchFailure{Kind: KindInsert, Index: i, Keys: keys, Err: err})
			continue
		}
		report.Inserted += len(batch)
	}

	for i, start := 0, 0; start < len(plan.Updates); i, start = i+1, start+a.batchSize {
		end := min(start+a.batchSize, len(plan.Updates))
		batch := plan.Updates[start:end]
		if err := a.store.UpdateRows(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return report, fmt.Errorf("apply: %w", ctx.Err())
			}
			keys := make([]string, 0, len(batch))
			if len(plan.UpdateKeys) == len(plan.Updates) {
				keys = append(keys, plan.UpdateKeys[start:end]...)
			} else {
				for _, u := range batch {
					keys = append(keys, fmt.Sprintf("%s#%d", u.Table, u.ID))
				}
			}
			a.fail(&report, BatchFailure{Kind: KindUpdate, Index: i, Keys: keys, Err: err})
			continue
		}
		report.Updated += len(batch)
	}

	return report, nil
}

func (a *Applier) fail(report *Report, f BatchFailure) {
	a.logger.Error("batch rolled back", "kind", f.Kind, "batch", f.Index, "rows", len(f.Keys), "error", f.Err)
	report.Failed = append(report.Failed, f)
}
