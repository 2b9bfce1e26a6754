package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/chameleoncloud/portalsync/internal/pipeline"
	"github.com/chameleoncloud/portalsync/internal/store"
	"github.com/chameleoncloud/portalsync/internal/tas"
	"github.com/chameleoncloud/portalsync/internal/testutil"
)

// DefaultGroup is the TAS group synced when a scenario names none.
const DefaultGroup = "Chameleon"

// Harness runs one scenario against a fresh store.
type Harness struct {
	store     *store.Store
	source    *testutil.FakeTAS
	directory *memDirectory
	runner    *pipeline.Runner
	logger    *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with a fixed clock and
// sequential run ids, so traces are reproducible.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with the pipeline logging to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	for _, username := range scenario.Users {
		if _, err := st.WriteUser(ctx, username); err != nil {
			return nil, fmt.Errorf("seed user %q: %w", username, err)
		}
	}

	source, err := newSource(scenario.TAS)
	if err != nil {
		return nil, err
	}
	group := scenario.TAS.Group
	if group == "" {
		group = DefaultGroup
	}

	h := &Harness{
		store:     st,
		source:    source,
		directory: newMemDirectory(),
		logger:    logger,
	}
	h.runner = pipeline.New(pipeline.Options{
		Source:    source,
		Store:     st,
		Directory: h.directory,
		Group:     group,
		BatchSize: 100,
		IDs:       testutil.NewSequentialIDs(""),
		Clock:     testutil.NewFixedClock(time.Time{}, time.Second),
		Logger:    logger,
	})

	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{Store: st, Directory: h.directory, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// executeFlow runs every step and checks its expect clause. Aborted runs
// are part of the trace, not harness errors.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		if step.Projects != nil {
			projects, err := toRecords(step.Projects)
			if err != nil {
				return fmt.Errorf("flow step %d: %w", i, err)
			}
			h.source.Projects = projects
		}
		clear(h.source.Errs)
		if step.Fail != "" {
			h.source.Errs[step.Fail] = &tas.APIError{StatusCode: 503, Message: "unavailable", Path: step.Fail}
		}

		if step.Sync == pipeline.EntityGroups {
			gs, err := h.runner.SyncGroups(ctx)
			status := store.RunCompleted
			if err != nil {
				if !pipeline.IsConnectivity(err) {
					return fmt.Errorf("flow step %d: %w", i, err)
				}
				status = store.RunAborted
			}
			result.AddRun(step.Sync, gs.RunID, status, groupCounts(gs))
		} else {
			summaries, err := h.runner.Sync(ctx, step.Sync)
			if err != nil && !pipeline.IsConnectivity(err) {
				return fmt.Errorf("flow step %d: %w", i, err)
			}
			for _, s := range summaries {
				result.AddRun(s.Entity, s.RunID, s.Status, runCounts(s))
			}
		}
		last := result.Trace[len(result.Trace)-1]

		h.logger.Info("flow step completed", "step", i, "sync", step.Sync, "run_id", last.RunID, "status", last.Status)
		if step.Expect != nil {
			for _, msg := range checkExpect(i, step, last) {
				result.AddError(msg)
			}
		}
	}
	return nil
}

func checkExpect(index int, step FlowStep, ev TraceEvent) []string {
	var errs []string
	if ev.Status != step.Expect.Status {
		errs = append(errs, fmt.Sprintf("flow[%d] %s: status = %q, expected %q", index, step.Sync, ev.Status, step.Expect.Status))
	}
	for _, key := range sortedKeys(step.Expect.Counts) {
		want := step.Expect.Counts[key]
		got, ok := ev.Counts[key]
		if !ok {
			errs = append(errs, fmt.Sprintf("flow[%d] %s: unknown count %q", index, step.Sync, key))
		} else if got != want {
			errs = append(errs, fmt.Sprintf("flow[%d] %s: %s = %d, expected %d", index, step.Sync, key, got, want))
		}
	}
	return errs
}

func runCounts(s pipeline.Summary) map[string]int {
	return map[string]int{
		"fetched":      s.Fetched,
		"invalid":      s.Invalid,
		"duplicates":   s.Duplicates,
		"inserted":     s.Inserted,
		"updated":      s.Updated,
		"unchanged":    s.Unchanged,
		"failed":       s.Failed,
		"taxa_created": s.TaxaCreated,
	}
}

func groupCounts(gs pipeline.GroupSummary) map[string]int {
	return map[string]int{
		"projects":        gs.Projects,
		"skipped":         gs.Skipped,
		"groups_created":  gs.GroupsCreated,
		"members_added":   gs.MembersAdded,
		"occupants_added": gs.OccupantsAdded,
	}
}

// newSource builds the fake TAS. Usernames get their TAS user id; members
// unknown to Users get ids above every configured one.
func newSource(data TASData) (*testutil.FakeTAS, error) {
	source := testutil.NewFakeTAS()
	var maxID int64
	for id, name := range data.Users {
		source.Users[id] = tas.User{ID: id, Username: name}
		maxID = max(maxID, id)
	}
	for projectID, names := range data.Members {
		users := make([]tas.User, 0, len(names))
		for _, name := range names {
			u, ok := userByName(source.Users, name)
			if !ok {
				maxID++
				u = tas.User{ID: maxID, Username: name}
			}
			users = append(users, u)
		}
		source.Members[projectID] = users
	}
	for _, name := range data.Fields {
		source.FieldTree = append(source.FieldTree, tas.Field{Name: name})
	}

	projects, err := toRecords(data.Projects)
	if err != nil {
		return nil, err
	}
	source.Projects = projects
	return source, nil
}

func userByName(users map[int64]tas.User, name string) (tas.User, bool) {
	for _, u := range users {
		if u.Username == name {
			return u, true
		}
	}
	return tas.User{}, false
}

// toRecords converts YAML-decoded projects into TAS records as the TAS
// client would decode them: numbers become json.Number.
func toRecords(raw []map[string]any) ([]tas.Record, error) {
	out := make([]tas.Record, 0, len(raw))
	for i, m := range raw {
		v, err := toTASValue(m)
		if err != nil {
			return nil, fmt.Errorf("projects[%d]: %w", i, err)
		}
		out = append(out, tas.Record(v.(map[string]any)))
	}
	return out, nil
}

func toTASValue(val any) (any, error) {
	switch v := val.(type) {
	case nil, string, bool:
		return v, nil
	case int:
		return json.Number(strconv.Itoa(v)), nil
	case int64:
		return json.Number(strconv.FormatInt(v, 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(v, 10)), nil
	case float64:
		return json.Number(strconv.FormatFloat(v, 'f', -1, 64)), nil
	case time.Time:
		return v.UTC().Format(time.RFC3339), nil
	case []any:
		arr := make([]any, len(v))
		for i, elem := range v {
			conv, err := toTASValue(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		obj := make(map[string]any, len(v))
		for key, elem := range v {
			conv, err := toTASValue(elem)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			obj[key] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", val)
	}
}
