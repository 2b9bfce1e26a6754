package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chameleoncloud/portalsync/internal/metrics"
	"github.com/chameleoncloud/portalsync/internal/pipeline"
)

// SyncEntities are the accepted first arguments of the sync command.
var SyncEntities = []string{pipeline.EntityProjects, pipeline.EntityAllocations, pipeline.EntityPublications, "all"}

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions

	// IDs overrides the run id generator (for testing).
	// If nil, the pipeline uses UUIDv7 ids.
	IDs pipeline.IDGenerator

	// Clock overrides the wall clock (for testing).
	Clock pipeline.Clock
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <projects|allocations|publications|all> <config-file> [database-name]",
		Short: "Reconcile TAS data into the Local Store",
		Long: `Fetch the configured TAS group's projects and reconcile one entity into
the Local Store. "all" syncs projects, then allocations, then publications.

Invalid TAS records are skipped and reported; they do not fail the run.
The exit status is 1 when a source system is unreachable.

Example:
  portalsync sync projects ./portalsync.yaml
  portalsync sync all ./portalsync.yaml portal_staging --format json`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbName := ""
			if len(args) == 3 {
				dbName = args[2]
			}
			return runSync(opts, cmd, args[0], args[1], dbName)
		},
	}

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command, entity, configPath, dbName string) error {
	if !slices.Contains(SyncEntities, entity) {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown entity %q: must be one of %v", entity, SyncEntities))
	}

	e, err := loadEnv(opts.RootOptions, cmd, configPath, dbName)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd, e.logger)
	defer stop()

	st, err := e.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(st, e.logger)

	collector := metrics.NewCollector()
	runner := pipeline.New(pipeline.Options{
		Source:    e.tasClient(),
		Store:     st,
		Group:     e.cfg.TAS.Group,
		BatchSize: e.cfg.Sync.BatchSize,
		Metrics:   collector,
		IDs:       opts.IDs,
		Clock:     opts.Clock,
		Logger:    e.logger,
	})

	summaries, runErr := runner.Sync(ctx, entity)
	e.pushMetrics(ctx, collector)

	views := make([]SummaryView, len(summaries))
	for i, s := range summaries {
		views[i] = NewSummaryView(s)
	}
	if runErr != nil {
		_ = e.out.Error(errorCode(runErr), runErr.Error(), views)
		return WrapExitError(ExitFailure, "sync aborted", runErr)
	}
	return e.out.Success(SummaryList(views))
}

// pushMetrics pushes c when a Pushgateway is configured. Push failures are
// logged only.
func (e *env) pushMetrics(ctx context.Context, c *metrics.Collector) {
	url := e.cfg.Metrics.Pushgateway
	if url == "" {
		return
	}
	if err := metrics.Push(ctx, url, e.cfg.Metrics.Job, c); err != nil {
		e.logger.Warn("failed to push metrics", "pushgateway", url, "error", err)
	}
}

// SummaryView is the printable form of a pipeline.Summary.
type SummaryView struct {
	RunID       string   `json:"run_id"`
	Entity      string   `json:"entity"`
	Status      string   `json:"status"`
	Started     string   `json:"started"`
	Finished    string   `json:"finished"`
	Fetched     int      `json:"fetched"`
	Invalid     int      `json:"invalid"`
	Duplicates  int      `json:"duplicates"`
	Inserted    int      `json:"inserted"`
	Updated     int      `json:"updated"`
	Unchanged   int      `json:"unchanged"`
	Failed      int      `json:"failed"`
	TaxaCreated int      `json:"taxa_created,omitempty"`
	FailedKeys  []string `json:"failed_keys,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// NewSummaryView converts s.
func NewSummaryView(s pipeline.Summary) SummaryView {
	v := SummaryView{
		RunID:       s.RunID,
		Entity:      s.Entity,
		Status:      s.Status,
		Started:     s.Started.UTC().Format(time.RFC3339),
		Finished:    s.Finished.UTC().Format(time.RFC3339),
		Fetched:     s.Fetched,
		Invalid:     s.Invalid,
		Duplicates:  s.Duplicates,
		Inserted:    s.Inserted,
		Updated:     s.Updated,
		Unchanged:   s.Unchanged,
		Failed:      s.Failed,
		TaxaCreated: s.TaxaCreated,
		FailedKeys:  s.FailedKeys,
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return v
}

func (v SummaryView) String() string {
	line := fmt.Sprintf("%s %s %s: fetched=%d invalid=%d duplicates=%d inserted=%d updated=%d unchanged=%d failed=%d",
		v.Entity, v.RunID, v.Status, v.Fetched, v.Invalid, v.Duplicates, v.Inserted, v.Updated, v.Unchanged, v.Failed)
	if v.TaxaCreated > 0 {
		line += fmt.Sprintf(" taxa_created=%d", v.TaxaCreated)
	}
	return line
}

// SummaryList prints one summary per line.
type SummaryList []SummaryView

func (l SummaryList) String() string {
	lines := make([]string, len(l))
	for i, v := range l {
		lines[i] = v.String()
	}
	return strings.Join(lines, "\n")
}
