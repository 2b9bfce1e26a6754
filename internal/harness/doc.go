// Package harness runs end-to-end sync scenarios.
//
// A scenario seeds an in-memory Local Store and a fake TAS, runs a sequence
// of syncs through the real pipeline and validates the run trace and the
// final tables. Run ids and timestamps are deterministic, so a scenario's
// trace can be compared against a golden file.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: ch1_first_sync
//	description: "What this scenario validates"
//	users: [alice]
//	tas:
//	  users: {100: alice}
//	  fields: [Networking]
//	  members: {42: [bob]}
//	  projects:
//	    - {id: 42, chargeCode: CH-1, title: Testbed, piId: 100, type: Research}
//	flow:
//	  - sync: projects
//	    expect:
//	      status: completed
//	      counts: {inserted: 1, taxa_created: 1}
//	  - sync: projects
//	    projects: [...]     # optional: replaces the TAS projects first
//	    fail: Fields        # optional: the named TAS call fails in this run
//	assertions:
//	  - type: trace_contains
//	    entity: projects
//	    counts: {inserted: 1}
//	  - type: final_state
//	    table: projects
//	    where: {charge_code: CH-1}
//	    expect: {title: Testbed}
//
// # Assertion Types
//
//   - trace_contains: a run of the entity with matching counts exists
//   - trace_order: runs of the entities appear in the given order
//   - trace_count: the entity was run exactly N times
//   - final_state: a Local Store row holds the expected values, or a
//     table holds exactly count matching rows
//   - group_members: an LDAP group holds exactly the listed members
//
// # Golden Files
//
// RunWithGolden compares the canonical JSON of the trace with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
