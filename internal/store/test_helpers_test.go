package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chameleoncloud/portalsync/internal/record"
)

// createTestStore creates a new on-disk store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedProject writes a PI, a project type and a project, returning the
// project's local id.
func seedProject(t *testing.T, s *Store, chargeCode string) int64 {
	t.Helper()
	ctx := context.Background()

	pi, err := s.WriteUser(ctx, "pi-"+chargeCode)
	if err != nil {
		t.Fatalf("WriteUser() failed: %v", err)
	}
	typeID, _, err := s.EnsureTaxon(ctx, record.TableProjectTypes, "Research")
	if err != nil {
		t.Fatalf("EnsureTaxon() failed: %v", err)
	}

	p := record.Project{
		TASID:      1,
		ChargeCode: chargeCode,
		Title:      "Project " + chargeCode,
		PIID:       &pi,
		TypeID:     &typeID,
	}
	if err := s.InsertRows(ctx, []record.Row{p}); err != nil {
		t.Fatalf("InsertRows() failed: %v", err)
	}

	projects, err := s.ProjectSnapshot(ctx)
	if err != nil {
		t.Fatalf("ProjectSnapshot() failed: %v", err)
	}
	for _, got := range projects {
		if got.ChargeCode == chargeCode {
			return got.ID
		}
	}
	t.Fatalf("project %q not found after insert", chargeCode)
	return 0
}
