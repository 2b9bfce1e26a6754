package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chameleoncloud/portalsync/internal/metrics"
	"github.com/chameleoncloud/portalsync/internal/pipeline"
)

// NewGroupsCommand creates the groups command.
func NewGroupsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "groups <config-file> [database-name]",
		Short: "Ensure LDAP groups for projects with active allocations",
		Long: `Create the LDAP group of every TAS project with an active allocation,
add the PI and the project's users as members, and make the PI the
occupant of the project's "<charge-code>-pi" role.

Requires an ldap section in the config file.

Example:
  portalsync groups ./portalsync.yaml`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbName := ""
			if len(args) == 2 {
				dbName = args[1]
			}
			return runGroups(opts, cmd, args[0], dbName)
		},
	}

	return cmd
}

func runGroups(opts *SyncOptions, cmd *cobra.Command, configPath, dbName string) error {
	e, err := loadEnv(opts.RootOptions, cmd, configPath, dbName)
	if err != nil {
		return err
	}
	if e.cfg.LDAP == nil {
		return NewExitError(ExitCommandError, "config has no ldap section")
	}
	ctx, stop := signalContext(cmd, e.logger)
	defer stop()

	st, err := e.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(st, e.logger)

	dir, err := e.dialDirectory()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := dir.Close(); closeErr != nil {
			e.logger.Error("error closing ldap connection", "error", closeErr)
		}
	}()

	collector := metrics.NewCollector()
	runner := pipeline.New(pipeline.Options{
		Source:    e.tasClient(),
		Store:     st,
		Directory: dir,
		Group:     e.cfg.TAS.Group,
		Metrics:   collector,
		IDs:       opts.IDs,
		Clock:     opts.Clock,
		Logger:    e.logger,
	})

	gs, runErr := runner.SyncGroups(ctx)
	e.pushMetrics(ctx, collector)
	view := GroupView(gs)
	if runErr != nil {
		_ = e.out.Error(errorCode(runErr), runErr.Error(), view)
		return WrapExitError(ExitFailure, "group sync aborted", runErr)
	}
	return e.out.Success(view)
}

// GroupView is the printable form of a pipeline.GroupSummary.
type GroupView struct {
	RunID          string `json:"run_id"`
	Projects       int    `json:"projects"`
	Skipped        int    `json:"skipped"`
	GroupsCreated  int    `json:"groups_created"`
	MembersAdded   int    `json:"members_added"`
	OccupantsAdded int    `json:"occupants_added"`
}

func (v GroupView) String() string {
	return fmt.Sprintf("groups %s: projects=%d skipped=%d groups_created=%d members_added=%d occupants_added=%d",
		v.RunID, v.Projects, v.Skipped, v.GroupsCreated, v.MembersAdded, v.OccupantsAdded)
}
