package metering

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists vendor call records.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes calls in one multi-row INSERT. Empty input is a no-op.
func (s *Store) BatchInsert(ctx context.Context, calls []Call) error {
	if len(calls) == 0 {
		return nil
	}

	const cols = 8
	args := make([]any, 0, len(calls)*cols)
	rows := make([]string, 0, len(calls))

	for i, c := range calls {
		base := i * cols
		rows = append(rows, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		args = append(args,
			c.ServiceID,
			c.RecordID,
			c.Op,
			c.Timestamp,
			c.StatusCode,
			c.LatencyMs,
			c.Outcome,
			c.Error,
		)
	}

	query := `INSERT INTO remote_calls
		(service_id, record_id, op, timestamp, status_code, latency_ms, outcome, error)
		VALUES ` + strings.Join(rows, ", ")

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting remote calls: %w", err)
	}
	return nil
}

// Summary aggregates the calls matching q.
func (s *Store) Summary(ctx context.Context, q CallQuery) (*CallSummary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN outcome IN ('ok', 'pending') THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN outcome NOT IN ('ok', 'pending') THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(latency_ms), 0)
	FROM remote_calls` + where

	var sum CallSummary
	if err := s.pool.QueryRow(ctx, query, args...).Scan(
		&sum.TotalCalls,
		&sum.OKCount,
		&sum.ErrorCount,
		&sum.AvgLatencyMs,
	); err != nil {
		return nil, fmt.Errorf("querying call summary: %w", err)
	}
	return &sum, nil
}

// buildWhereClause returns " WHERE ..." (or "") and its positional args.
func buildWhereClause(q CallQuery) (string, []any) {
	var conditions []string
	var args []any

	if q.ServiceID != "" {
		args = append(args, q.ServiceID)
		conditions = append(conditions, fmt.Sprintf("service_id = $%d", len(args)))
	}
	if q.RecordID != "" {
		args = append(args, q.RecordID)
		conditions = append(conditions, fmt.Sprintf("record_id = $%d", len(args)))
	}
	if q.Op != "" {
		args = append(args, q.Op)
		conditions = append(conditions, fmt.Sprintf("op = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
