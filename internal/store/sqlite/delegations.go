package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/store"
)

// DelegationStore keeps delegation history for the admin surface.
type DelegationStore struct {
	db *sql.DB
}

func NewDelegationStore(db *sql.DB) *DelegationStore {
	return &DelegationStore{db: db}
}

func (s *DelegationStore) SaveDelegation(ctx context.Context, rec store.DelegationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	var completed any
	if rec.CompletedAt != nil {
		completed = rec.CompletedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delegations (delegation_id, from_agent_id, to_agent_id, task, status, output, error, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (delegation_id) DO NOTHING`,
		rec.DelegationID, rec.FromAgentID, rec.ToAgentID, rec.Task, rec.Status,
		nullable(rec.Output), nullable(rec.Error), rec.CreatedAt.UnixMilli(), completed)
	return err
}

func (s *DelegationStore) UpdateDelegation(ctx context.Context, delegationID, status, output, errMsg string, completedAt time.Time) error {
	var completed any
	if !completedAt.IsZero() {
		completed = completedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE delegations SET status = ?, output = ?, error = ?, completed_at = ?
		 WHERE delegation_id = ?`,
		status, nullable(output), nullable(errMsg), completed, delegationID)
	return err
}

func (s *DelegationStore) GetDelegation(ctx context.Context, delegationID string) (*store.DelegationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT delegation_id, from_agent_id, to_agent_id, task, status, output, error, created_at, completed_at
		 FROM delegations WHERE delegation_id = ?`, delegationID)
	rec, err := scanDelegation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *DelegationStore) ListDelegations(ctx context.Context, opts store.DelegationListOpts) ([]store.DelegationRecord, error) {
	query := `SELECT delegation_id, from_agent_id, to_agent_id, task, status, output, error, created_at, completed_at
		 FROM delegations WHERE 1=1`
	var args []any
	if opts.FromAgentID != "" {
		query += ` AND from_agent_id = ?`
		args = append(args, opts.FromAgentID)
	}
	if opts.ToAgentID != "" {
		query += ` AND to_agent_id = ?`
		args = append(args, opts.ToAgentID)
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, opts.Status)
	}
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []store.DelegationRecord
	for rows.Next() {
		rec, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelegation(row rowScanner) (*store.DelegationRecord, error) {
	var rec store.DelegationRecord
	var output, errStr sql.NullString
	var created int64
	var completed sql.NullInt64
	if err := row.Scan(&rec.DelegationID, &rec.FromAgentID, &rec.ToAgentID,
		&rec.Task, &rec.Status, &output, &errStr, &created, &completed); err != nil {
		return nil, err
	}
	rec.Output = output.String
	rec.Error = errStr.String
	rec.CreatedAt = time.UnixMilli(created)
	if completed.Valid {
		t := time.UnixMilli(completed.Int64)
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// nullable maps "" to NULL so empty output and error columns stay NULL
// instead of empty strings.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
