package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/chameleoncloud/portalsync/internal/pipeline"
)

// Scenario defines an end-to-end sync scenario.
// A scenario seeds the Local Store and a fake TAS, runs a sequence of syncs
// and asserts on the resulting run trace and final tables.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Users are the usernames present in the Local Store before the first run.
	Users []string `yaml:"users,omitempty"`

	// TAS is the fake TAS the runs read from.
	TAS TASData `yaml:"tas"`

	// Flow contains the runs, in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state,
	// group_members
	Assertions []Assertion `yaml:"assertions"`
}

// TASData is the content of the fake TAS.
type TASData struct {
	// Group is the TAS group synced. Defaults to "Chameleon".
	Group string `yaml:"group,omitempty"`

	// Users maps TAS user ids to usernames.
	Users map[int64]string `yaml:"users,omitempty"`

	// Fields is the flat list of science field names.
	Fields []string `yaml:"fields,omitempty"`

	// Members maps TAS project ids to member usernames.
	Members map[int64][]string `yaml:"members,omitempty"`

	// Projects are raw TAS project records with nested allocations and
	// publications.
	Projects []map[string]any `yaml:"projects"`
}

// FlowStep is one run.
type FlowStep struct {
	// Sync is the entity synced: projects, allocations, publications, all or
	// groups.
	Sync string `yaml:"sync"`

	// Projects, when set, replaces the TAS project list before the run.
	Projects []map[string]any `yaml:"projects,omitempty"`

	// Fail makes the named TAS method fail during this run.
	Fail string `yaml:"fail,omitempty"`

	// Expect is the expected run status ("completed" or "aborted") and a
	// subset of its counts. With "all", counts apply to the last run.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a run.
type ExpectClause struct {
	Status string         `yaml:"status"`
	Counts map[string]int `yaml:"counts,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a run of Entity with the given counts exists
	// - "trace_order": runs of Entities appear in order
	// - "trace_count": Entity was run exactly Count times
	// - "final_state": query Table and verify expected values
	// - "group_members": LDAP group Group has exactly Members
	Type string `yaml:"type"`

	// Entity is the sync entity (trace_contains, trace_count).
	Entity string `yaml:"entity,omitempty"`

	// Counts are expected run counts (trace_contains). Subset match.
	Counts map[string]int `yaml:"counts,omitempty"`

	// Entities is the expected run order (trace_order).
	Entities []string `yaml:"entities,omitempty"`

	// Count is the expected number of runs (trace_count) or rows
	// (final_state with no Expect).
	Count int `yaml:"count,omitempty"`

	// Table is the Local Store table (final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (final_state). All fields must match.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected column values (final_state). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Group and Members are the LDAP group and its expected members
	// (group_members).
	Group   string   `yaml:"group,omitempty"`
	Members []string `yaml:"members,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertGroupMembers  = "group_members"
)

// Entities accepted by FlowStep.Sync.
var flowEntities = []string{
	pipeline.EntityProjects,
	pipeline.EntityAllocations,
	pipeline.EntityPublications,
	pipeline.EntityGroups,
	"all",
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if !slices.Contains(flowEntities, step.Sync) {
			return fmt.Errorf("flow[%d]: unknown sync entity %q", i, step.Sync)
		}
		if step.Expect != nil && step.Expect.Status == "" {
			return fmt.Errorf("flow[%d].expect: status is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Entities) == 0 {
			return fmt.Errorf("assertions[%d]: entities list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
	case AssertGroupMembers:
		if a.Group == "" {
			return fmt.Errorf("assertions[%d]: group is required for group_members", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
