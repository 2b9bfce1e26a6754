package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chameleoncloud/portalsync/internal/tas"
)

// InspectTargets are the accepted first arguments of the inspect command.
var InspectTargets = []string{"projects", "users", "institutions", "fields"}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <projects|users|institutions|fields> <config-file> [username...]",
		Short: "Show what TAS returns, without writing anything",
		Long: `Query TAS read-only and print the result.

  projects      the configured group's projects with allocation counts
  users         the named users in TAS and in the Local Store
  institutions  the TAS institution list
  fields        the science field hierarchy, flattened

Example:
  portalsync inspect projects ./portalsync.yaml
  portalsync inspect users ./portalsync.yaml alice bob`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, cmd, args[0], args[1], args[2:])
		},
	}

	return cmd
}

func runInspect(opts *RootOptions, cmd *cobra.Command, target, configPath string, usernames []string) error {
	if !slices.Contains(InspectTargets, target) {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown target %q: must be one of %v", target, InspectTargets))
	}
	if target == "users" && len(usernames) == 0 {
		return NewExitError(ExitCommandError, "inspect users needs at least one username")
	}

	e, err := loadEnv(opts, cmd, configPath, "")
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd, e.logger)
	defer stop()

	client := e.tasClient()
	var data any
	switch target {
	case "projects":
		data, err = inspectProjects(ctx, client, e.cfg.TAS.Group)
	case "institutions":
		data, err = inspectInstitutions(ctx, client)
	case "fields":
		data, err = inspectFields(ctx, client)
	case "users":
		data, err = e.inspectUsers(ctx, client, usernames)
	}
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr
		}
		_ = e.out.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitFailure, "inspect "+target+" failed", err)
	}
	return e.out.Success(data)
}

// ProjectLine summarizes one TAS project.
type ProjectLine struct {
	ID           int64  `json:"id"`
	ChargeCode   string `json:"charge_code"`
	Title        string `json:"title"`
	Type         string `json:"type,omitempty"`
	Field        string `json:"field,omitempty"`
	Allocations  int    `json:"allocations"`
	Publications int    `json:"publications"`
}

// ProjectList prints one project per line.
type ProjectList []ProjectLine

func (l ProjectList) String() string {
	var b strings.Builder
	for _, p := range l {
		fmt.Fprintf(&b, "%s\t%d\t%s\t%s\tallocations=%d publications=%d\n",
			p.ChargeCode, p.ID, p.Title, p.Type, p.Allocations, p.Publications)
	}
	return strings.TrimRight(b.String(), "\n")
}

func inspectProjects(ctx context.Context, client *tas.Client, group string) (ProjectList, error) {
	projects, err := client.ProjectsForGroup(ctx, group)
	if err != nil {
		return nil, err
	}
	out := make(ProjectList, 0, len(projects))
	for _, p := range projects {
		line := ProjectLine{
			Allocations:  len(p.Records("allocations")),
			Publications: len(p.Records("publications")),
		}
		line.ID, _ = p.Int("id")
		line.ChargeCode, _ = p.String("chargeCode")
		line.Title, _ = p.String("title")
		line.Type, _ = p.String("type")
		line.Field, _ = p.String("field")
		out = append(out, line)
	}
	return out, nil
}

// NameList prints one name per line.
type NameList []string

func (l NameList) String() string { return strings.Join(l, "\n") }

func inspectInstitutions(ctx context.Context, client *tas.Client) (NameList, error) {
	insts, err := client.Institutions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(NameList, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Name)
	}
	return out, nil
}

func inspectFields(ctx context.Context, client *tas.Client) (NameList, error) {
	fields, err := client.Fields(ctx)
	if err != nil {
		return nil, err
	}
	return NameList(tas.Flatten(fields)), nil
}

// UserLine shows where a username resolves.
type UserLine struct {
	Username string `json:"username"`
	TASID    int64  `json:"tas_id,omitempty"`
	LocalID  int64  `json:"local_id,omitempty"`
}

// UserList prints one user per line.
type UserList []UserLine

func (l UserList) String() string {
	lines := make([]string, len(l))
	for i, u := range l {
		tasID, localID := "-", "-"
		if u.TASID != 0 {
			tasID = fmt.Sprint(u.TASID)
		}
		if u.LocalID != 0 {
			localID = fmt.Sprint(u.LocalID)
		}
		lines[i] = fmt.Sprintf("%s\ttas=%s\tlocal=%s", u.Username, tasID, localID)
	}
	return strings.Join(lines, "\n")
}

func (e *env) inspectUsers(ctx context.Context, client *tas.Client, usernames []string) (UserList, error) {
	st, err := e.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer closeStore(st, e.logger)

	out := make(UserList, 0, len(usernames))
	for _, name := range usernames {
		line := UserLine{Username: name}
		u, err := client.GetUserByUsername(ctx, name)
		switch {
		case err == nil:
			line.TASID = u.ID
		case !errors.Is(err, tas.ErrNotFound):
			return nil, err
		}
		id, found, err := st.UserIDByUsername(ctx, name)
		if err != nil {
			return nil, err
		}
		if found {
			line.LocalID = id
		}
		out = append(out, line)
	}
	return out, nil
}
