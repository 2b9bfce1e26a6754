package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/chameleoncloud/portalsync/internal/record"
)

// knownTables guards identifier interpolation into SQL.
var knownTables = map[string]bool{
	"users":                  true,
	record.TableProjects:     true,
	record.TableProjectTypes: true,
	record.TableFields:       true,
	record.TableAllocations:  true,
	record.TablePublications: true,
	"sync_runs":              true,
}

func checkTaxonomyTable(table string) error {
	if table != record.TableProjectTypes && table != record.TableFields {
		return fmt.Errorf("not a taxonomy table: %q", table)
	}
	return nil
}

// WriteUser inserts a local user and returns its id. An existing username
// returns the existing id.
func (s *Store) WriteUser(ctx context.Context, username string) (int64, error) {
	id, _, err := s.insertOrSelect(ctx, "users", "username", username)
	if err != nil {
		return 0, fmt.Errorf("write user: %w", err)
	}
	return id, nil
}

// EnsureTaxon returns the id of the named taxonomy row, inserting it when
// absent. created reports whether a new row was written.
func (s *Store) EnsureTaxon(ctx context.Context, table, name string) (id int64, created bool, err error) {
	if err := checkTaxonomyTable(table); err != nil {
		return 0, false, err
	}
	id, created, err = s.insertOrSelect(ctx, table, "name", name)
	if err != nil {
		return 0, false, fmt.Errorf("ensure %s %q: %w", table, name, err)
	}
	return id, created, nil
}

// insertOrSelect inserts value into a single-unique-column table, or selects
// the existing row's id on conflict, inside one transaction.
func (s *Store) insertOrSelect(ctx context.Context, table, column, value string) (id int64, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	err = tx.QueryRowContext(ctx, s.rebind(fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (?) ON CONFLICT(%s) DO NOTHING RETURNING id`,
		table, column, column,
	)), value).Scan(&id)
	switch {
	case err == nil:
		created = true
	case errors.Is(err, sql.ErrNoRows):
		// Conflict - row already exists, fetch the existing ID
		err = tx.QueryRowContext(ctx, s.rebind(fmt.Sprintf(
			`SELECT id FROM %s WHERE %s = ?`, table, column,
		)), value).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("select existing: %w", err)
		}
	default:
		return 0, false, fmt.Errorf("insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return id, created, nil
}

// InsertRows writes rows with one multi-row INSERT statement in one
// transaction. All rows must belong to the same table.
func (s *Store) InsertRows(ctx context.Context, rows []record.Row) error {
	if len(rows) == 0 {
		return nil
	}
	table := rows[0].Table()
	if !knownTables[table] {
		return fmt.Errorf("insert rows: unknown table %q", table)
	}

	names := record.ColumnNames(rows[0].Columns())
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ") + ")"

	var query strings.Builder
	fmt.Fprintf(&query, "INSERT INTO %s (%s) VALUES ", table, strings.Join(names, ", "))
	args := make([]any, 0, len(rows)*len(names))
	for i, row := range rows {
		if row.Table() != table {
			return fmt.Errorf("insert rows: mixed tables %q and %q", table, row.Table())
		}
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteString(placeholder)
		for _, c := range row.Columns() {
			args = append(args, c.Value)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert rows: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(query.String()), args...); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert %s: commit: %w", table, err)
	}
	return nil
}

// RowUpdate sets Columns on the row with the given primary key.
type RowUpdate struct {
	Table   string
	ID      int64
	Columns []record.Column
}

// shape identifies updates that can share one prepared statement.
func (u RowUpdate) shape() string {
	return u.Table + ":" + strings.Join(record.ColumnNames(u.Columns), ",")
}

// UpdateRows applies updates in one transaction. Updates with the same table
// and column set share one prepared statement.
func (s *Store) UpdateRows(ctx context.Context, updates []RowUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update rows: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmts := make(map[string]*sql.Stmt)
	defer func() {
		for _, stmt := range stmts {
			stmt.Close()
		}
	}()

	for _, u := range updates {
		if !knownTables[u.Table] {
			return fmt.Errorf("update rows: unknown table %q", u.Table)
		}
		stmt, ok := stmts[u.shape()]
		if !ok {
			sets := make([]string, len(u.Columns))
			for i, c := range u.Columns {
				sets[i] = c.Name + " = ?"
			}
			query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, u.Table, strings.Join(sets, ", "))
			stmt, err = tx.PrepareContext(ctx, s.rebind(query))
			if err != nil {
				return fmt.Errorf("update %s: prepare: %w", u.Table, err)
			}
			stmts[u.shape()] = stmt
		}

		args := make([]any, 0, len(u.Columns)+1)
		for _, c := range u.Columns {
			args = append(args, c.Value)
		}
		args = append(args, u.ID)

		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return fmt.Errorf("update %s id=%d: %w", u.Table, u.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("update %s id=%d: no such row", u.Table, u.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update rows: commit: %w", err)
	}
	return nil
}

// WriteRun records a finished sync run.
func (s *Store) WriteRun(ctx context.Context, run Run) error {
	details, err := marshalDetails(run.Details)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sync_runs
		(id, entity, started_at, finished_at, status, fetched, invalid, inserted, updated, failed, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`),
		run.ID,
		run.Entity,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
		run.Status,
		run.Fetched,
		run.Invalid,
		run.Inserted,
		run.Updated,
		run.Failed,
		details,
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}
