package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"sevtrack/internal/domain"
)

// Store is the append-only audit log. Entries are never mutated or deleted;
// the AUTOINCREMENT id gives insertion order, which is what callers should
// sort on (timestamps are wall-clock and may tie or go backwards).
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry holds the caller-supplied parts of an audit record. ID and timestamp
// are assigned on append.
type Entry struct {
	User            string
	Department      string
	Action          string
	System          string
	Environment     string
	ValidationID    string
	ResultingStatus string
	Details         string
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Append records an entry within tx so the audit write commits or rolls back
// with the mutation it describes.
func (s Store) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if e.Action == "" {
		return fmt.Errorf("audit append: action required")
	}
	ts := s.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_logs(ts,user,department,action,system,environment,validation_id,resulting_status,details)
VALUES (?,?,?,?,?,?,?,?,?)`,
		ts, e.User, e.Department, e.Action, nullable(e.System), nullable(e.Environment),
		nullable(e.ValidationID), nullable(e.ResultingStatus), nullable(e.Details))
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// AppendStandalone records an entry in its own transaction, for events that
// are not part of a larger mutation (login, logout, history queries).
func (s Store) AppendStandalone(ctx context.Context, e Entry) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Append(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

// Filters are AND-combined; a zero value matches everything on that
// dimension. User and Department match case-insensitive substrings; System,
// Environment and Action match exactly; DateEnd is end-of-day inclusive.
type Filters struct {
	User        string
	Department  string
	DateStart   *time.Time
	DateEnd     *time.Time
	System      string
	Environment string
	Action      string
}

// Query returns matching entries in insertion order. An empty store yields
// an empty slice; a corrupt row is an error.
func (s Store) Query(ctx context.Context, f Filters) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.User != "" {
		clauses = append(clauses, "instr(lower(user), lower(?)) > 0")
		args = append(args, f.User)
	}
	if f.Department != "" {
		clauses = append(clauses, "instr(lower(department), lower(?)) > 0")
		args = append(args, f.Department)
	}
	if f.DateStart != nil {
		clauses = append(clauses, "ts >= ?")
		args = append(args, f.DateStart.UTC().Format(time.RFC3339))
	}
	if f.DateEnd != nil {
		endOfDay := time.Date(f.DateEnd.Year(), f.DateEnd.Month(), f.DateEnd.Day(), 23, 59, 59, int(999*time.Millisecond), f.DateEnd.Location())
		clauses = append(clauses, "ts <= ?")
		args = append(args, endOfDay.UTC().Format(time.RFC3339))
	}
	if f.System != "" {
		clauses = append(clauses, "system=?")
		args = append(args, f.System)
	}
	if f.Environment != "" {
		clauses = append(clauses, "environment=?")
		args = append(args, f.Environment)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,ts,user,department,action,system,environment,validation_id,resulting_status,details FROM audit_logs ` + where + ` ORDER BY id ASC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()
	entries := []domain.AuditEntry{}
	for rows.Next() {
		var e domain.AuditEntry
		var system, environment, validationID, resultingStatus, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.User, &e.Department, &e.Action, &system, &environment, &validationID, &resultingStatus, &details); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.System = system.String
		e.Environment = environment.String
		e.ValidationID = validationID.String
		e.ResultingStatus = resultingStatus.String
		e.Details = details.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return entries, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
