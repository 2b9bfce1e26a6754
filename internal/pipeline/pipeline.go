// Package pipeline runs one synchronization of TAS data into the Local Store.
//
// A run fetches the TAS projects of the configured group once, snapshots the
// target table once, normalizes and diffs the records and applies the result
// in batches. Every run gets a fresh lookup cache and a time-ordered run id
// and leaves one row in sync_runs. Connectivity failures abort the run with a
// ConnectivityError; per-record problems only show up in the Summary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/chameleoncloud/portalsync/internal/apply"
	"github.com/chameleoncloud/portalsync/internal/lookup"
	"github.com/chameleoncloud/portalsync/internal/metrics"
	"github.com/chameleoncloud/portalsync/internal/normalize"
	"github.com/chameleoncloud/portalsync/internal/reconcile"
	"github.com/chameleoncloud/portalsync/internal/record"
	"github.com/chameleoncloud/portalsync/internal/store"
	"github.com/chameleoncloud/portalsync/internal/tas"
)

// Entities a run can target.
const (
	EntityProjects     = "projects"
	EntityAllocations  = "allocations"
	EntityPublications = "publications"
	EntityGroups       = "groups"
)

// Source is the TAS API as used by sync runs.
type Source interface {
	ProjectsForGroup(ctx context.Context, group string) ([]tas.Record, error)
	GetUser(ctx context.Context, id int64) (tas.User, error)
	ProjectUsers(ctx context.Context, projectID int64) ([]tas.User, error)
	Fields(ctx context.Context) ([]tas.Field, error)
}

// Store is the Local Store as used by sync runs.
type Store interface {
	apply.Store
	normalize.TaxonomyStore
	lookup.UserStore
	ProjectSnapshot(ctx context.Context) ([]record.Project, error)
	AllocationSnapshot(ctx context.Context) ([]record.Allocation, error)
	PublicationSnapshot(ctx context.Context) ([]record.Publication, error)
	WriteRun(ctx context.Context, run store.Run) error
}

// Options configures a Runner.
type Options struct {
	Source    Source
	Store     Store
	Directory Directory
	Group     string
	BatchSize int
	Metrics   *metrics.Collector
	IDs       IDGenerator
	Clock     Clock
	Logger    *slog.Logger
}

// Runner executes sync runs. Runs must not overlap.
type Runner struct {
	source    Source
	store     Store
	directory Directory
	group     string
	batchSize int
	metrics   *metrics.Collector
	ids       IDGenerator
	clock     Clock
	logger    *slog.Logger
}

// New returns a Runner.
func New(opts Options) *Runner {
	r := &Runner{
		source:    opts.Source,
		store:     opts.Store,
		directory: opts.Directory,
		group:     opts.Group,
		batchSize: opts.BatchSize,
		metrics:   opts.Metrics,
		ids:       opts.IDs,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
	if r.ids == nil {
		r.ids = UUIDv7Generator{}
	}
	if r.clock == nil {
		r.clock = SystemClock{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Summary reports the outcome of one run.
type Summary struct {
	RunID    string
	Entity   string
	Status   string
	Started  time.Time
	Finished time.Time

	Fetched     int
	Invalid     int
	Duplicates  int
	Inserted    int
	Updated     int
	Unchanged   int
	Failed      int
	TaxaCreated int

	// FailedKeys are the natural keys of rows in rolled-back batches.
	FailedKeys []string

	// Err is the abort reason of an aborted run.
	Err error
}

// run carries the per-run state shared by the entity syncs.
type run struct {
	*Summary
	projects []tas.Record
	cache    *lookup.Cache
	logger   *slog.Logger
}

// begin starts a run: it checks the store, fetches the group's projects and
// creates the run's lookup cache. Nothing is written before begin returns.
func (r *Runner) begin(ctx context.Context, entity string) (*run, error) {
	s := &Summary{RunID: r.ids.Generate(), Entity: entity, Started: r.clock.Now()}
	rn := &run{Summary: s, logger: r.logger.With("run_id", s.RunID, "entity", entity)}
	rn.logger.Info("sync started", "group", r.group)

	if err := r.store.Ping(ctx); err != nil {
		return rn, connectivity(SystemStore, "ping", err)
	}
	projects, err := r.source.ProjectsForGroup(ctx, r.group)
	if err != nil {
		return rn, connectivity(SystemTAS, "list projects", err)
	}
	rn.projects = projects
	rn.cache = lookup.New(r.source, r.store, rn.logger)
	return rn, nil
}

// SyncProjects reconciles the projects table.
func (r *Runner) SyncProjects(ctx context.Context) (Summary, error) {
	rn, err := r.begin(ctx, EntityProjects)
	if err != nil {
		return r.abort(ctx, rn, err)
	}

	fields, err := r.source.Fields(ctx)
	if err != nil {
		return r.abort(ctx, rn, connectivity(SystemTAS, "list fields", err))
	}
	local, err := r.store.ProjectSnapshot(ctx)
	if err != nil {
		return r.abort(ctx, rn, connectivity(SystemStore, "snapshot projects", err))
	}

	taxonomy, created, err := normalize.TaxonomyPrepass(ctx, r.store, rn.projects, tas.Flatten(fields), rn.logger)
	if err != nil {
		return r.abort(ctx, rn, connectivity(SystemStore, "taxonomy prepass", err))
	}
	rn.TaxaCreated = created.Created()

	nicknames := make(map[int64]string, len(local))
	for _, p := range local {
		if p.TASID != 0 && p.Nickname != "" {
			nicknames[p.TASID] = p.Nickname
		}
	}
	n := normalize.New(normalize.Options{
		Users:     rn.cache,
		Taxonomy:  taxonomy,
		Nicknames: nicknames,
		Logger:    rn.logger,
	})

	valid, err := normalizeAll(ctx, rn, rn.projects, n.Project)
	if err != nil {
		return r.abort(ctx, rn, err)
	}
	result := reconcile.Diff(valid, reconcile.NewSnapshot(local), reconcile.ProjectPolicy)
	return r.finish(ctx, rn, result.Unchanged, result.Duplicates, apply.PlanOf(result))
}

// SyncAllocations reconciles the allocations table. Allocations of projects
// that are not yet in the Local Store are invalid.
func (r *Runner) SyncAllocations(ctx context.Context) (Summary, error) {
	rn, err := r.begin(ctx, EntityAllocations)
	if err != nil {
		return r.abort(ctx, rn, err)
	}

	index, err := r.projectIndex(ctx)
	if err != nil {
		return r.abort(ctx, rn, err)
	}
	local, err := r.store.AllocationSnapshot(ctx)
	if err != nil {
		return r.abort(ctx, rn, connectivity(SystemStore, "snapshot allocations", err))
	}

	n := normalize.New(normalize.Options{Users: rn.cache, Projects: index, Logger: rn.logger})
	valid, err := normalizeAll(ctx, rn, nested(rn.projects, "allocations"), n.Allocation)
	if err != nil {
		return r.abort(ctx, rn, err)
	}
	result := reconcile.Diff(valid, reconcile.NewSnapshot(local), reconcile.AllocationPolicy)
	return r.finish(ctx, rn, result.Unchanged, result.Duplicates, apply.PlanOf(result))
}

// SyncPublications reconciles the publications table.
func (r *Runner) SyncPublications(ctx context.Context) (Summary, error) {
	rn, err := r.begin(ctx, EntityPublications)
	if err != nil {
		return r.abort(ctx, rn, err)
	}

	index, err := r.projectIndex(ctx)
	if err != nil {
		return r.abort(ctx, rn, err)
	}
	local, err := r.store.PublicationSnapshot(ctx)
	if err != nil {
		return r.abort(ctx, rn, connectivity(SystemStore, "snapshot publications", err))
	}

	n := normalize.New(normalize.Options{Users: rn.cache, Projects: index, Logger: rn.logger})
	valid, err := normalizeAll(ctx, rn, nested(rn.projects, "publications"), n.Publication)
	if err != nil {
		return r.abort(ctx, rn, err)
	}
	result := reconcile.Diff(valid, reconcile.NewSnapshot(local), reconcile.PublicationPolicy)
	return r.finish(ctx, rn, result.Unchanged, result.Duplicates, apply.PlanOf(result))
}

// SyncAll runs projects, allocations and publications in that order so that
// later entities see the projects created by the first run. It stops at the
// first aborted run.
func (r *Runner) SyncAll(ctx context.Context) ([]Summary, error) {
	var summaries []Summary
	for _, sync := range []func(context.Context) (Summary, error){r.SyncProjects, r.SyncAllocations, r.SyncPublications} {
		s, err := sync(ctx)
		summaries = append(summaries, s)
		if err != nil {
			return summaries, err
		}
	}
	return summaries, nil
}

// Sync dispatches to the sync for entity ("all" runs every entity).
func (r *Runner) Sync(ctx context.Context, entity string) ([]Summary, error) {
	var sync func(context.Context) (Summary, error)
	switch entity {
	case "all":
		return r.SyncAll(ctx)
	case EntityProjects:
		sync = r.SyncProjects
	case EntityAllocations:
		sync = r.SyncAllocations
	case EntityPublications:
		sync = r.SyncPublications
	default:
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
	s, err := sync(ctx)
	return []Summary{s}, err
}

// projectIndex maps local charge codes to project ids.
func (r *Runner) projectIndex(ctx context.Context) (map[string]int64, error) {
	projects, err := r.store.ProjectSnapshot(ctx)
	if err != nil {
		return nil, connectivity(SystemStore, "snapshot projects", err)
	}
	index := make(map[string]int64, len(projects))
	for _, p := range projects {
		index[p.NaturalKey()] = p.ID
	}
	return index, nil
}

// normalizeAll normalizes records in order and keeps the valid ones.
func normalizeAll[T record.Row](ctx context.Context, rn *run, records []tas.Record, fn func(context.Context, tas.Record) (T, normalize.Outcome, error)) ([]T, error) {
	rn.Fetched = len(records)
	valid := make([]T, 0, len(records))
	for _, src := range records {
		rec, outcome, err := fn(ctx, src)
		if err != nil {
			return nil, connectivity(systemOf(err), "resolve users", err)
		}
		if !outcome.Valid() {
			rn.Invalid++
			continue
		}
		valid = append(valid, rec)
	}
	return valid, nil
}

// nested returns the child records under key of every project, each stamped
// with its parent's TAS id ("projectId") and charge code ("project") unless
// the child carries them already.
func nested(projects []tas.Record, key string) []tas.Record {
	var out []tas.Record
	for _, p := range projects {
		id, hasID := p.Int("id")
		code, hasCode := p.String("chargeCode")
		for _, child := range p.Records(key) {
			c := make(tas.Record, len(child)+2)
			for k, v := range child {
				c[k] = v
			}
			if _, ok := c["projectId"]; !ok && hasID {
				c["projectId"] = id
			}
			if _, ok := c["project"]; !ok && hasCode {
				c["project"] = code
			}
			out = append(out, c)
		}
	}
	return out
}

// finish applies plan, records the run and logs its summary.
func (r *Runner) finish(ctx context.Context, rn *run, unchanged int, duplicates []string, plan apply.Plan) (Summary, error) {
	rn.Unchanged = unchanged
	rn.Duplicates = len(duplicates)
	for _, key := range duplicates {
		rn.logger.Warn("skipping duplicate natural key", "key", key)
	}

	report, err := apply.New(r.store, r.batchSize, rn.logger).Apply(ctx, plan)
	rn.Inserted, rn.Updated = report.Inserted, report.Updated
	if err != nil {
		return r.abort(ctx, rn, connectivity(SystemStore, "apply", err))
	}
	rn.Failed = report.FailedRows()
	rn.FailedKeys = report.FailedKeys()

	rn.Status = store.RunCompleted
	rn.Finished = r.clock.Now()
	r.record(ctx, rn, map[string]any{"failed_keys": stringsToAny(rn.FailedKeys)})

	rn.logger.Info("sync finished",
		"fetched", rn.Fetched,
		"invalid", rn.Invalid,
		"duplicates", rn.Duplicates,
		"inserted", rn.Inserted,
		"updated", rn.Updated,
		"unchanged", rn.Unchanged,
		"failed", rn.Failed,
		"taxa_created", rn.TaxaCreated,
	)
	if r.metrics != nil {
		stats := rn.cache.Stats()
		r.metrics.ObserveLookups(stats.Hits, stats.Misses, stats.SourceQueries)
	}
	return *rn.Summary, nil
}

// abort ends a run early. The run is still recorded when the store is not
// the failing system.
func (r *Runner) abort(ctx context.Context, rn *run, err error) (Summary, error) {
	rn.Status = store.RunAborted
	rn.Finished = r.clock.Now()
	rn.Err = err
	rn.logger.Error("sync aborted", "error", err)

	var ce *ConnectivityError
	if !errors.As(err, &ce) || ce.System != SystemStore {
		r.record(ctx, rn, map[string]any{"error": err.Error()})
	}
	return *rn.Summary, err
}

// record writes the sync_runs row and updates metrics. Failures are logged.
func (r *Runner) record(ctx context.Context, rn *run, details map[string]any) {
	err := r.store.WriteRun(ctx, store.Run{
		ID:         rn.RunID,
		Entity:     rn.Entity,
		StartedAt:  rn.Started,
		FinishedAt: rn.Finished,
		Status:     rn.Status,
		Fetched:    rn.Fetched,
		Invalid:    rn.Invalid,
		Inserted:   rn.Inserted,
		Updated:    rn.Updated,
		Failed:     rn.Failed,
		Details:    details,
	})
	if err != nil {
		rn.logger.Error("failed to record sync run", "error", err)
	}

	if r.metrics != nil {
		r.metrics.ObserveRun(metrics.Run{
			Entity: rn.Entity,
			Status: rn.Status,
			Counts: map[string]int{
				metrics.OutcomeFetched:   rn.Fetched,
				metrics.OutcomeInvalid:   rn.Invalid,
				metrics.OutcomeInserted:  rn.Inserted,
				metrics.OutcomeUpdated:   rn.Updated,
				metrics.OutcomeUnchanged: rn.Unchanged,
				metrics.OutcomeFailed:    rn.Failed,
			},
			Duration: rn.Finished.Sub(rn.Started),
			Finished: rn.Finished,
		}, rn.Status == store.RunCompleted)
	}
}

// systemOf guesses which system a lookup error came from.
func systemOf(err error) string {
	var apiErr *tas.APIError
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &apiErr) || errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return SystemTAS
	}
	return SystemStore
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
