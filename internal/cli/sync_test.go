package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chameleoncloud/portalsync/internal/record"
	"github.com/chameleoncloud/portalsync/internal/store"
)

const tasProjects = `[{
	"id": 42,
	"chargeCode": "CH-1",
	"title": "Chameleon Testbed",
	"piId": 100,
	"gid": 800042,
	"type": "Research",
	"allocations": [{"status": "Active", "resource": "Chameleon", "computeAllocated": 20000, "computeUsed": 0, "requestorId": 100}],
	"publications": []
}]`

// newTASServer serves a one-project TAS. When down is set every request
// fails with 503.
func newTASServer(t *testing.T, down bool) *httptest.Server {
	t.Helper()
	results := map[string]string{
		"/v1/projects/group/Chameleon": tasProjects,
		"/v1/users/100":                `{"id": 100, "username": "alice"}`,
		"/v1/users/username/alice":     `{"id": 100, "username": "alice"}`,
		"/v1/fields":                   `[{"id": 1, "name": "Computer Science", "children": [{"id": 2, "name": "Networking"}]}]`,
		"/v1/institutions":             `[{"id": 1, "name": "University of Chicago"}]`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		result, ok := results[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status": "success", "message": null, "result": %s}`, result)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig writes a config pointing at tasURL and a sqlite database in
// dir, and seeds the local user alice.
func writeConfig(t *testing.T, dir, tasURL string) string {
	t.Helper()
	cfg := fmt.Sprintf(`database:
  driver: sqlite3
  dsn: %q
tas:
  url: %s
  group: Chameleon
  timeout: 5s
`, filepath.Join(dir, "{name}.db"), tasURL)
	path := filepath.Join(dir, "portalsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	st, err := store.Open(filepath.Join(dir, "portal.db"))
	require.NoError(t, err)
	_, err = st.WriteUser(context.Background(), "alice")
	require.NoError(t, err)
	require.NoError(t, st.Close())
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestSyncCommand_ProjectsTwice(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, newTASServer(t, false).URL)

	out, _, err := execute(t, "--format", "json", "sync", "projects", path)
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   []SummaryView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "completed", resp.Data[0].Status)
	assert.Equal(t, 1, resp.Data[0].Inserted)
	assert.Equal(t, 1, resp.Data[0].TaxaCreated)

	out, _, err = execute(t, "--format", "json", "sync", "projects", path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Zero(t, resp.Data[0].Inserted)
	assert.Zero(t, resp.Data[0].Updated)
	assert.Equal(t, 1, resp.Data[0].Unchanged)
}

func TestSyncCommand_All(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, newTASServer(t, false).URL)

	out, _, err := execute(t, "sync", "all", path)
	require.NoError(t, err)
	assert.Contains(t, out, "projects ")
	assert.Contains(t, out, "allocations ")
	assert.Contains(t, out, "publications ")

	st, err := store.Open(filepath.Join(dir, "portal.db"))
	require.NoError(t, err)
	defer st.Close()
	n, err := st.CountRows(context.Background(), record.TableAllocations)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncCommand_DatabaseName(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, newTASServer(t, false).URL)

	// The staging database has no users, so the project is invalid there.
	out, _, err := execute(t, "sync", "projects", path, "staging")
	require.NoError(t, err)
	assert.Contains(t, out, "invalid=1")
	assert.FileExists(t, filepath.Join(dir, "staging.db"))
}

func TestSyncCommand_TASDown(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, newTASServer(t, true).URL)

	_, errOut, err := execute(t, "sync", "projects", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, errOut, "Error [E002]")
}

func TestSyncCommand_UnknownEntity(t *testing.T) {
	_, _, err := execute(t, "sync", "users", "portalsync.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSyncCommand_MissingConfig(t *testing.T) {
	_, _, err := execute(t, "sync", "projects", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestSyncCommand_ArgCount(t *testing.T) {
	_, _, err := execute(t, "sync", "projects")
	require.Error(t, err)
}

func TestGroupsCommand_RequiresLDAP(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, newTASServer(t, false).URL)

	_, _, err := execute(t, "groups", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "ldap")
}

func TestInspectCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, newTASServer(t, false).URL)

	out, _, err := execute(t, "inspect", "fields", path)
	require.NoError(t, err)
	assert.Equal(t, "Computer Science\nNetworking\n", out)

	out, _, err = execute(t, "inspect", "institutions", path)
	require.NoError(t, err)
	assert.Equal(t, "University of Chicago\n", out)

	out, _, err = execute(t, "inspect", "projects", path)
	require.NoError(t, err)
	assert.Contains(t, out, "CH-1\t42\tChameleon Testbed")

	out, _, err = execute(t, "--format", "json", "inspect", "users", path, "alice", "mallory")
	require.NoError(t, err)
	var resp struct {
		Data []UserLine `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, int64(100), resp.Data[0].TASID)
	assert.NotZero(t, resp.Data[0].LocalID)
	assert.Equal(t, UserLine{Username: "mallory"}, resp.Data[1])
}

func TestInspectCommand_BadTarget(t *testing.T) {
	_, _, err := execute(t, "inspect", "groups", "portalsync.yaml")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, _, err = execute(t, "inspect", "users", "portalsync.yaml")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
