package pipeline

import (
	"context"
	"errors"

	"github.com/chameleoncloud/portalsync/internal/record"
	"github.com/chameleoncloud/portalsync/internal/store"
	"github.com/chameleoncloud/portalsync/internal/tas"
)

// Directory is the LDAP directory as used by group sync.
type Directory interface {
	EnsureGroup(ctx context.Context, name string, gid int64) (bool, error)
	AddMembers(ctx context.Context, name string, usernames []string) ([]string, error)
	EnsureRoleOccupants(ctx context.Context, role string, usernames []string) ([]string, error)
}

// ErrNoDirectory is returned by SyncGroups when no LDAP directory is configured.
var ErrNoDirectory = errors.New("ldap directory not configured")

// GroupSummary reports the outcome of a group sync.
type GroupSummary struct {
	RunID          string
	Projects       int
	Skipped        int
	GroupsCreated  int
	MembersAdded   int
	OccupantsAdded int
}

// SyncGroups makes sure every project with an active allocation has an LDAP
// group named after its charge code holding the PI and the project's users,
// and a "<charge code>-pi" role occupied by the PI.
func (r *Runner) SyncGroups(ctx context.Context) (GroupSummary, error) {
	if r.directory == nil {
		return GroupSummary{}, ErrNoDirectory
	}

	rn, err := r.begin(ctx, EntityGroups)
	if err != nil {
		s, err := r.abort(ctx, rn, err)
		return GroupSummary{RunID: s.RunID}, err
	}
	gs := GroupSummary{RunID: rn.RunID}
	rn.Fetched = len(rn.projects)

	for _, p := range rn.projects {
		code, _ := p.String("chargeCode")
		projectID, _ := p.Int("id")
		gid, hasGID := p.Int("gid")
		if code == "" || !hasGID || !hasActiveAllocation(p) {
			gs.Skipped++
			continue
		}
		gs.Projects++

		var pi string
		if piID, ok := p.Int("piId"); ok && piID > 0 {
			res, err := rn.cache.Resolve(ctx, piID)
			if err != nil {
				return r.abortGroups(ctx, rn, gs, connectivity(systemOf(err), "resolve pi", err))
			}
			pi = res.Username
		}
		users, err := r.source.ProjectUsers(ctx, projectID)
		if err != nil {
			return r.abortGroups(ctx, rn, gs, connectivity(SystemTAS, "list project users", err))
		}

		members := make([]string, 0, len(users)+1)
		seen := make(map[string]bool, len(users)+1)
		for _, name := range append([]string{pi}, usernames(users)...) {
			if name != "" && !seen[name] {
				seen[name] = true
				members = append(members, name)
			}
		}

		created, err := r.directory.EnsureGroup(ctx, code, gid)
		if err != nil {
			return r.abortGroups(ctx, rn, gs, connectivity(SystemLDAP, "ensure group", err))
		}
		if created {
			gs.GroupsCreated++
		}
		added, err := r.directory.AddMembers(ctx, code, members)
		if err != nil {
			return r.abortGroups(ctx, rn, gs, connectivity(SystemLDAP, "add members", err))
		}
		gs.MembersAdded += len(added)

		if pi != "" {
			occupants, err := r.directory.EnsureRoleOccupants(ctx, code+"-pi", []string{pi})
			if err != nil {
				return r.abortGroups(ctx, rn, gs, connectivity(SystemLDAP, "ensure pi role", err))
			}
			gs.OccupantsAdded += len(occupants)
		}
	}

	rn.Inserted = gs.GroupsCreated
	rn.Updated = gs.MembersAdded + gs.OccupantsAdded
	rn.Unchanged = gs.Skipped
	rn.Status = store.RunCompleted
	rn.Finished = r.clock.Now()
	r.record(ctx, rn, map[string]any{
		"projects":        int64(gs.Projects),
		"groups_created":  int64(gs.GroupsCreated),
		"members_added":   int64(gs.MembersAdded),
		"occupants_added": int64(gs.OccupantsAdded),
	})
	rn.logger.Info("group sync finished",
		"projects", gs.Projects,
		"skipped", gs.Skipped,
		"groups_created", gs.GroupsCreated,
		"members_added", gs.MembersAdded,
		"occupants_added", gs.OccupantsAdded,
	)
	return gs, nil
}

func (r *Runner) abortGroups(ctx context.Context, rn *run, gs GroupSummary, err error) (GroupSummary, error) {
	rn.Inserted = gs.GroupsCreated
	rn.Updated = gs.MembersAdded + gs.OccupantsAdded
	_, err = r.abort(ctx, rn, err)
	return gs, err
}

func hasActiveAllocation(p tas.Record) bool {
	for _, a := range p.Records("allocations") {
		if status, ok := a.String("status"); ok && record.Lower(status) == "active" {
			return true
		}
	}
	return false
}

func usernames(users []tas.User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Username
	}
	return out
}
