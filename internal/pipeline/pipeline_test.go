package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chameleoncloud/portalsync/internal/metrics"
	"github.com/chameleoncloud/portalsync/internal/record"
	"github.com/chameleoncloud/portalsync/internal/store"
	"github.com/chameleoncloud/portalsync/internal/tas"
	tu "github.com/chameleoncloud/portalsync/internal/testutil"
)

type fixture struct {
	source *tu.FakeTAS
	store  *store.Store
	runner *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "portal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.WriteUser(context.Background(), "alice")
	require.NoError(t, err)

	source := tu.NewFakeTAS()
	source.Users[100] = tas.User{ID: 100, Username: "alice"}
	source.FieldTree = []tas.Field{{ID: 1, Name: "Computer Science", Children: []tas.Field{{ID: 2, Name: "Networking"}}}}
	source.Projects = []tas.Record{ch1()}

	runner := New(Options{
		Source:    source,
		Store:     s,
		Group:     "Chameleon",
		BatchSize: 2,
		IDs:       tu.NewSequentialIDs(""),
		Clock:     tu.NewFixedClock(time.Time{}, time.Second),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &fixture{source: source, store: s, runner: runner}
}

func ch1() tas.Record {
	return tas.Record{
		"id":         json.Number("42"),
		"chargeCode": "CH-1",
		"title":      "Chameleon Testbed",
		"piId":       json.Number("100"),
		"gid":        json.Number("800042"),
		"type":       "Research",
		"field":      "networking",
		"allocations": []any{
			map[string]any{
				"id":               json.Number("1"),
				"status":           "Active",
				"resource":         "Chameleon",
				"start":            "2024-01-01T00:00:00Z",
				"end":              "2025-01-01T00:00:00Z",
				"computeAllocated": json.Number("20000"),
				"computeUsed":      json.Number("0"),
				"requestorId":      json.Number("100"),
				"reviewerId":       json.Number("0"),
			},
		},
		"publications": []any{
			map[string]any{
				"id":     json.Number("7"),
				"bibtex": `@article{k, title={Lessons}, author={Alice}, year={2023}, journal={ACM}, publisher={ACM Press}, month={Mar}}`,
			},
		},
	}
}

func count(t *testing.T, s *store.Store, table string) int {
	t.Helper()
	n, err := s.CountRows(context.Background(), table)
	require.NoError(t, err)
	return n
}

// CH-1 with an unknown type creates one taxonomy row and one project; the
// second identical run writes nothing.
func TestSyncProjects_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.runner.SyncProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, first.Status)
	assert.Equal(t, 1, first.Fetched)
	assert.Equal(t, 1, first.Inserted)
	assert.Equal(t, 2, first.TaxaCreated, "one type and one field")
	assert.Equal(t, 1, count(t, f.store, record.TableProjectTypes))
	assert.Equal(t, 1, count(t, f.store, record.TableProjects))

	fields, err := f.store.Taxa(ctx, record.TableFields)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "Networking", fields[0].Name, "field spelling follows TAS")

	second, err := f.runner.SyncProjects(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Zero(t, second.Updated)
	assert.Zero(t, second.TaxaCreated)
	assert.Equal(t, 1, second.Unchanged)
	assert.Equal(t, 1, count(t, f.store, record.TableProjectTypes))
	assert.Equal(t, 1, count(t, f.store, record.TableProjects))

	runs, err := f.store.Runs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestSyncProjects_LookupOncePerRun(t *testing.T) {
	f := newFixture(t)
	other := ch1()
	other["id"] = json.Number("43")
	other["chargeCode"] = "CH-2"
	f.source.Projects = append(f.source.Projects, other)

	_, err := f.runner.SyncProjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.source.Calls("GetUser"))

	_, err = f.runner.SyncProjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.source.Calls("GetUser"), "the cache does not outlive a run")
}

func TestSyncProjects_InvalidRecordDropped(t *testing.T) {
	f := newFixture(t)
	broken := ch1()
	broken["chargeCode"] = "CH-2"
	delete(broken, "title")
	f.source.Projects = append(f.source.Projects, broken)

	s, err := f.runner.SyncProjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Fetched)
	assert.Equal(t, 1, s.Invalid)
	assert.Equal(t, 1, s.Inserted)
}

func TestSyncProjects_IntegralFloatIDs(t *testing.T) {
	f := newFixture(t)
	p := ch1()
	p["piId"] = json.Number("100.0")
	f.source.Projects = []tas.Record{p}

	s, err := f.runner.SyncProjects(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.Invalid)
	assert.Equal(t, 1, s.Inserted)
}

func TestSyncProjects_TitleChangeUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.runner.SyncProjects(ctx)
	require.NoError(t, err)

	f.source.Projects[0]["title"] = "Renamed"
	s, err := f.runner.SyncProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Updated)

	projects, err := f.store.ProjectSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", projects[0].Title)
}

func TestSyncAllocations_SUUsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	summaries, err := f.runner.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	assert.Equal(t, EntityProjects, summaries[0].Entity)
	assert.Equal(t, EntityAllocations, summaries[1].Entity)
	assert.Equal(t, 1, summaries[1].Inserted)

	alloc := f.source.Projects[0].Records("allocations")[0]

	// Usage grows: targeted update.
	alloc["computeUsed"] = json.Number("5")
	s, err := f.runner.SyncAllocations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Updated)
	assert.Zero(t, s.Inserted)

	// Usage transiently reported as zero: nothing written.
	alloc["computeUsed"] = json.Number("0")
	s, err = f.runner.SyncAllocations(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.Updated)

	allocs, err := f.store.AllocationSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, 5.0, allocs[0].SUUsed)
	assert.Equal(t, "active", allocs[0].Status)
	require.NotNil(t, allocs[0].RequestorID)
	assert.Nil(t, allocs[0].ReviewerID)
}

func TestSyncAllocations_UnknownProjectInvalid(t *testing.T) {
	f := newFixture(t)

	// Projects were never synced, so the allocation has no local parent.
	s, err := f.runner.SyncAllocations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Invalid)
	assert.Zero(t, count(t, f.store, record.TableAllocations))
}

func TestSyncPublications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.runner.SyncAll(ctx)
	require.NoError(t, err)

	pubs, err := f.store.PublicationSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, int64(42), pubs[0].TASProjectID)
	require.NotNil(t, pubs[0].ProjectID)
	assert.Equal(t, "article", pubs[0].PublicationType)
	assert.Equal(t, "ACM,ACM Press", pubs[0].Forum)
	require.NotNil(t, pubs[0].Month)
	assert.Equal(t, int64(3), *pubs[0].Month)

	s, err := f.runner.SyncPublications(ctx)
	require.NoError(t, err)
	assert.True(t, s.Inserted == 0 && s.Updated == 0, "second run is a no-op")
}

func TestSync_ConnectivityAbortsBeforeWrites(t *testing.T) {
	f := newFixture(t)
	f.source.Errs["ProjectsForGroup"] = &tas.APIError{StatusCode: 503, Message: "maintenance", Path: "/v1/projects/group/Chameleon"}

	s, err := f.runner.SyncProjects(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectivity(err))

	var ce *ConnectivityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, SystemTAS, ce.System)
	assert.Equal(t, store.RunAborted, s.Status)
	assert.Zero(t, count(t, f.store, record.TableProjects))
	assert.Zero(t, count(t, f.store, record.TableProjectTypes))

	runs, err := f.store.Runs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunAborted, runs[0].Status)
}

func TestSync_UserLookupFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.source.Errs["GetUser"] = &tas.APIError{StatusCode: 500, Message: "boom", Path: "/v1/users/100"}

	_, err := f.runner.SyncProjects(context.Background())
	var ce *ConnectivityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, SystemTAS, ce.System)
	assert.Zero(t, count(t, f.store, record.TableProjects))
}

func TestSyncAll_StopsAtFirstAbort(t *testing.T) {
	f := newFixture(t)
	f.source.Errs["Fields"] = errors.New("connection reset")

	summaries, err := f.runner.SyncAll(context.Background())
	require.Error(t, err)
	assert.Len(t, summaries, 1)
}

func TestSync_UnknownEntity(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Sync(context.Background(), "users")
	assert.Error(t, err)
}

func TestSync_Metrics(t *testing.T) {
	f := newFixture(t)
	c := metrics.NewCollector()
	f.runner.metrics = c

	_, err := f.runner.SyncProjects(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, testutil.CollectAndCount(c, "portalsync_runs_total"))
}

// fakeDirectory records group state in memory.
type fakeDirectory struct {
	groups    map[string][]string
	occupants map[string][]string
}

func (d *fakeDirectory) EnsureGroup(_ context.Context, name string, _ int64) (bool, error) {
	if _, ok := d.groups[name]; ok {
		return false, nil
	}
	d.groups[name] = []string{}
	return true, nil
}

func (d *fakeDirectory) AddMembers(_ context.Context, name string, usernames []string) ([]string, error) {
	added := []string{}
	for _, u := range usernames {
		found := false
		for _, m := range d.groups[name] {
			found = found || m == u
		}
		if !found {
			d.groups[name] = append(d.groups[name], u)
			added = append(added, u)
		}
	}
	return added, nil
}

func (d *fakeDirectory) EnsureRoleOccupants(_ context.Context, role string, usernames []string) ([]string, error) {
	if len(d.occupants[role]) > 0 {
		return []string{}, nil
	}
	d.occupants[role] = usernames
	return usernames, nil
}

func TestSyncGroups(t *testing.T) {
	f := newFixture(t)
	dir := &fakeDirectory{groups: map[string][]string{}, occupants: map[string][]string{}}
	f.runner.directory = dir
	f.source.Members[42] = []tas.User{{ID: 100, Username: "alice"}, {ID: 101, Username: "bob"}}

	inactive := ch1()
	inactive["chargeCode"] = "CH-OLD"
	inactive["allocations"] = []any{map[string]any{"status": "Expired"}}
	f.source.Projects = append(f.source.Projects, inactive)

	gs, err := f.runner.SyncGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, gs.Projects)
	assert.Equal(t, 1, gs.Skipped)
	assert.Equal(t, 1, gs.GroupsCreated)
	assert.Equal(t, 2, gs.MembersAdded)
	assert.Equal(t, 1, gs.OccupantsAdded)
	assert.Equal(t, []string{"alice", "bob"}, dir.groups["CH-1"])
	assert.Equal(t, []string{"alice"}, dir.occupants["CH-1-pi"])

	again, err := f.runner.SyncGroups(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.GroupsCreated)
	assert.Zero(t, again.MembersAdded)
}

func TestSyncGroups_PILookedUpOncePerRun(t *testing.T) {
	f := newFixture(t)
	dir := &fakeDirectory{groups: map[string][]string{}, occupants: map[string][]string{}}
	f.runner.directory = dir
	f.source.Users[200] = tas.User{ID: 200, Username: "carol"}

	f.source.Projects = nil
	for i, code := range []string{"CH-1", "CH-2", "CH-3"} {
		p := ch1()
		p["id"] = json.Number(fmt.Sprint(42 + i))
		p["chargeCode"] = code
		f.source.Projects = append(f.source.Projects, p)
	}
	remote := ch1()
	remote["id"] = json.Number("50")
	remote["chargeCode"] = "CH-4"
	remote["piId"] = json.Number("200")
	f.source.Projects = append(f.source.Projects, remote)

	gs, err := f.runner.SyncGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, gs.Projects)
	assert.Equal(t, 2, f.source.Calls("GetUser"))
	assert.Equal(t, []string{"alice"}, dir.occupants["CH-3-pi"])
	// carol has no local account and is still added.
	assert.Equal(t, []string{"carol"}, dir.groups["CH-4"])
	assert.Equal(t, []string{"carol"}, dir.occupants["CH-4-pi"])
}

func TestSyncGroups_NoDirectory(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.SyncGroups(context.Background())
	assert.ErrorIs(t, err, ErrNoDirectory)
}

func TestNested_StampsParent(t *testing.T) {
	children := nested([]tas.Record{ch1()}, "allocations")
	require.Len(t, children, 1)
	code, _ := children[0].String("project")
	assert.Equal(t, "CH-1", code)
	id, _ := children[0].Int("projectId")
	assert.Equal(t, int64(42), id)
}
