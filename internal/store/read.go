package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chameleoncloud/portalsync/internal/record"
)

// UserIDByUsername returns the local user id for username.
// found is false when no such user exists.
func (s *Store) UserIDByUsername(ctx context.Context, username string) (id int64, found bool, err error) {
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM users WHERE username = ?`), username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query user %q: %w", username, err)
	}
	return id, true, nil
}

// ProjectSnapshot returns every project row ordered by id.
// Returns an empty slice (not nil) if the table is empty.
func (s *Store) ProjectSnapshot(ctx context.Context) ([]record.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tas_project_id, charge_code, title, description, nickname, pi_id, type_id, field_id
		FROM projects
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	projects := []record.Project{}
	for rows.Next() {
		var p record.Project
		var pi, typ, field sql.NullInt64
		if err := rows.Scan(&p.ID, &p.TASID, &p.ChargeCode, &p.Title, &p.Description, &p.Nickname, &pi, &typ, &field); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.PIID, p.TypeID, p.FieldID = nullID(pi), nullID(typ), nullID(field)
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}

// AllocationSnapshot returns every allocation row ordered by id.
func (s *Store) AllocationSnapshot(ctx context.Context) ([]record.Allocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, status, resource, justification, decision_summary,
		       start_date, end_date, date_requested, date_reviewed,
		       su_requested, su_allocated, su_used, requestor_id, reviewer_id
		FROM allocations
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	allocations := []record.Allocation{}
	for rows.Next() {
		var a record.Allocation
		var start, end, requested, reviewed sql.NullTime
		var requestor, reviewer sql.NullInt64
		if err := rows.Scan(
			&a.ID, &a.ProjectID, &a.Status, &a.Resource, &a.Justification, &a.DecisionSummary,
			&start, &end, &requested, &reviewed,
			&a.SURequested, &a.SUAllocated, &a.SUUsed, &requestor, &reviewer,
		); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		a.StartDate, a.EndDate = nullTime(start), nullTime(end)
		a.DateRequested, a.DateReviewed = nullTime(requested), nullTime(reviewed)
		a.RequestorID, a.ReviewerID = nullID(requestor), nullID(reviewer)
		allocations = append(allocations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocations: %w", err)
	}
	return allocations, nil
}

// PublicationSnapshot returns every publication row ordered by id.
func (s *Store) PublicationSnapshot(ctx context.Context) ([]record.Publication, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tas_project_id, project_id, title, author, year, publication_type, month, forum, link, bibtex
		FROM publications
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query publications: %w", err)
	}
	defer rows.Close()

	publications := []record.Publication{}
	for rows.Next() {
		var p record.Publication
		var project, month sql.NullInt64
		if err := rows.Scan(
			&p.ID, &p.TASProjectID, &project, &p.Title, &p.Author, &p.Year,
			&p.PublicationType, &month, &p.Forum, &p.Link, &p.Bibtex,
		); err != nil {
			return nil, fmt.Errorf("scan publication: %w", err)
		}
		p.ProjectID = nullID(project)
		if month.Valid {
			m := month.Int64
			p.Month = &m
		}
		publications = append(publications, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publications: %w", err)
	}
	return publications, nil
}

// Taxa returns every row of a taxonomy table (project_types or project_fields).
func (s *Store) Taxa(ctx context.Context, table string) ([]record.Taxon, error) {
	if err := checkTaxonomyTable(table); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, name FROM %s ORDER BY id ASC`, table))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	taxa := []record.Taxon{}
	for rows.Next() {
		var t record.Taxon
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		taxa = append(taxa, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return taxa, nil
}

// Runs returns the most recent sync runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, entity, started_at, finished_at, status, fetched, invalid, inserted, updated, failed, details
		FROM sync_runs
		ORDER BY started_at DESC, id ASC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("query sync runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		var details string
		if err := rows.Scan(
			&r.ID, &r.Entity, &r.StartedAt, &r.FinishedAt, &r.Status,
			&r.Fetched, &r.Invalid, &r.Inserted, &r.Updated, &r.Failed, &details,
		); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		if r.Details, err = unmarshalDetails(details); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync runs: %w", err)
	}
	return runs, nil
}

// CountRows returns the number of rows in one of the Local Store tables.
func (s *Store) CountRows(ctx context.Context, table string) (int, error) {
	if !knownTables[table] {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func nullID(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
