package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/store"
)

// PGDelegationStore keeps delegation history in Postgres.
type PGDelegationStore struct {
	db *sql.DB
}

func NewPGDelegationStore(db *sql.DB) *PGDelegationStore {
	return &PGDelegationStore{db: db}
}

func (s *PGDelegationStore) SaveDelegation(ctx context.Context, rec store.DelegationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delegations (delegation_id, from_agent_id, to_agent_id, task, status, output, error, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (delegation_id) DO NOTHING`,
		rec.DelegationID, rec.FromAgentID, rec.ToAgentID, rec.Task, rec.Status,
		nullString(rec.Output), nullString(rec.Error), rec.CreatedAt, rec.CompletedAt)
	return err
}

func (s *PGDelegationStore) UpdateDelegation(ctx context.Context, delegationID, status, output, errMsg string, completedAt time.Time) error {
	var completed any
	if !completedAt.IsZero() {
		completed = completedAt
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE delegations SET status = $1, output = $2, error = $3, completed_at = $4
		 WHERE delegation_id = $5`,
		status, nullString(output), nullString(errMsg), completed, delegationID)
	return err
}

func (s *PGDelegationStore) GetDelegation(ctx context.Context, delegationID string) (*store.DelegationRecord, error) {
	var rec store.DelegationRecord
	var output, errStr sql.NullString
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT delegation_id, from_agent_id, to_agent_id, task, status, output, error, created_at, completed_at
		 FROM delegations WHERE delegation_id = $1`, delegationID).Scan(
		&rec.DelegationID, &rec.FromAgentID, &rec.ToAgentID, &rec.Task, &rec.Status,
		&output, &errStr, &rec.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Output = output.String
	rec.Error = errStr.String
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return &rec, nil
}

func (s *PGDelegationStore) ListDelegations(ctx context.Context, opts store.DelegationListOpts) ([]store.DelegationRecord, error) {
	where := "WHERE 1=1"
	var args []any
	nextArg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.FromAgentID != "" {
		where += " AND from_agent_id = " + nextArg(opts.FromAgentID)
	}
	if opts.ToAgentID != "" {
		where += " AND to_agent_id = " + nextArg(opts.ToAgentID)
	}
	if opts.Status != "" {
		where += " AND status = " + nextArg(opts.Status)
	}
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := fmt.Sprintf(
		`SELECT delegation_id, from_agent_id, to_agent_id, task, status, output, error, created_at, completed_at
		 FROM delegations %s ORDER BY created_at DESC LIMIT %s`,
		where, nextArg(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []store.DelegationRecord
	for rows.Next() {
		var rec store.DelegationRecord
		var output, errStr sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.DelegationID, &rec.FromAgentID, &rec.ToAgentID,
			&rec.Task, &rec.Status, &output, &errStr, &rec.CreatedAt, &completed); err != nil {
			return nil, err
		}
		rec.Output = output.String
		rec.Error = errStr.String
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
