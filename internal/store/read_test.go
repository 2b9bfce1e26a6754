package store

import (
	"context"
	"testing"

	"github.com/chameleoncloud/portalsync/internal/record"
)

func TestSnapshots_EmptyNotNil(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	projects, err := s.ProjectSnapshot(ctx)
	if err != nil {
		t.Fatalf("ProjectSnapshot() failed: %v", err)
	}
	if projects == nil {
		t.Error("ProjectSnapshot() returned nil, want empty slice")
	}

	allocations, err := s.AllocationSnapshot(ctx)
	if err != nil {
		t.Fatalf("AllocationSnapshot() failed: %v", err)
	}
	if allocations == nil {
		t.Error("AllocationSnapshot() returned nil, want empty slice")
	}

	publications, err := s.PublicationSnapshot(ctx)
	if err != nil {
		t.Fatalf("PublicationSnapshot() failed: %v", err)
	}
	if publications == nil {
		t.Error("PublicationSnapshot() returned nil, want empty slice")
	}
}

func TestUserIDByUsername_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, found, err := s.UserIDByUsername(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("UserIDByUsername() failed: %v", err)
	}
	if found {
		t.Error("UserIDByUsername() found a user in an empty store")
	}
}

func TestPublicationSnapshot_NullableColumns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	month := int64(3)
	rows := []record.Row{
		record.Publication{TASProjectID: 7, Title: "With Month", Author: "A", Year: "2023", PublicationType: "article", Month: &month},
		record.Publication{TASProjectID: 7, Title: "Without Month", Author: "B", Year: "2023", PublicationType: "article"},
	}
	if err := s.InsertRows(ctx, rows); err != nil {
		t.Fatalf("InsertRows() failed: %v", err)
	}

	got, err := s.PublicationSnapshot(ctx)
	if err != nil {
		t.Fatalf("PublicationSnapshot() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("PublicationSnapshot() returned %d rows, want 2", len(got))
	}
	if got[0].Month == nil || *got[0].Month != 3 {
		t.Errorf("month = %v, want 3", got[0].Month)
	}
	if got[1].Month != nil {
		t.Errorf("month = %v, want nil", *got[1].Month)
	}
	if got[0].ProjectID != nil {
		t.Errorf("project_id = %v, want nil", *got[0].ProjectID)
	}
}

func TestCountRows_UnknownTable(t *testing.T) {
	s := createTestStore(t)

	if _, err := s.CountRows(context.Background(), "sqlite_master"); err == nil {
		t.Fatal("expected error for unknown table")
	}
}

func TestTaxa_RejectsOtherTables(t *testing.T) {
	s := createTestStore(t)

	if _, err := s.Taxa(context.Background(), "projects"); err == nil {
		t.Fatal("expected error for non-taxonomy table")
	}
}
