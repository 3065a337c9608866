package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peyvandtel/broker/internal/pagination"
)

// Store is the Postgres Repository and the audit read side of the ledger.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const entryColumns = `id, user_id, type, type_name, is_increase, amount, resulting_balance, description, created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	if err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.Type,
		&e.TypeName,
		&e.IsIncrease,
		&e.Amount,
		&e.ResultingBalance,
		&e.Description,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

// LockAccount takes the row lock that serializes postings for one user.
func (s *Store) LockAccount(ctx context.Context, tx pgx.Tx, userID string) (*Account, error) {
	acct := Account{UserID: userID}
	err := tx.QueryRow(ctx,
		`SELECT credit, credit_threshold FROM users WHERE id = $1 FOR UPDATE`, userID,
	).Scan(&acct.Credit, &acct.Threshold)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("locking account: %w", err)
	}
	return &acct, nil
}

func (s *Store) UpdateBalance(ctx context.Context, tx pgx.Tx, userID string, credit int64) error {
	_, err := tx.Exec(ctx, `UPDATE users SET credit = $1, updated_at = now() WHERE id = $2`, credit, userID)
	return err
}

// InsertEntry appends e and fills its id and timestamp. The bigserial id is
// assigned under the account lock, so id order is application order per user.
func (s *Store) InsertEntry(ctx context.Context, tx pgx.Tx, e *Entry) error {
	return tx.QueryRow(ctx,
		`INSERT INTO credit_entries
			(user_id, type, type_name, is_increase, amount, resulting_balance, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, clock_timestamp())
		 RETURNING id, created_at`,
		e.UserID, e.Type, e.TypeName, e.IsIncrease, e.Amount, e.ResultingBalance, e.Description,
	).Scan(&e.ID, &e.CreatedAt)
}

// List returns a page of a user's entries, newest first.
func (s *Store) List(ctx context.Context, params ListParams) ([]*Entry, string, error) {
	limit := pagination.Limit(params.Limit, 15, 100)

	args := []interface{}{params.UserID}
	argIdx := 2
	where := []string{"user_id = $1"}

	if params.From != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *params.From)
		argIdx++
	}
	if params.To != nil {
		where = append(where, fmt.Sprintf("created_at <= $%d", argIdx))
		args = append(args, *params.To)
		argIdx++
	}
	if params.Cursor != "" {
		_, rawID, err := pagination.Decode(params.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", pagination.ErrInvalidCursor)
		}
		where = append(where, fmt.Sprintf("id < $%d", argIdx))
		args = append(args, id)
		argIdx++
	}

	query := fmt.Sprintf(`SELECT %s FROM credit_entries WHERE %s ORDER BY id DESC LIMIT $%d`,
		entryColumns, strings.Join(where, " AND "), argIdx)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating entries: %w", err)
	}

	var next string
	if len(entries) > limit {
		last := entries[limit-1]
		next = pagination.Encode(last.CreatedAt, strconv.FormatInt(last.ID, 10))
		entries = entries[:limit]
	}
	return entries, next, nil
}

// Balance reads the user's current balance without locking it.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var credit int64
	err := s.pool.QueryRow(ctx, `SELECT credit FROM users WHERE id = $1`, userID).Scan(&credit)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reading balance: %w", err)
	}
	return credit, nil
}

// BalanceAt reconstructs the user's balance as of t from the ledger alone.
func (s *Store) BalanceAt(ctx context.Context, userID string, t time.Time) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT resulting_balance FROM credit_entries
		 WHERE user_id = $1 AND created_at <= $2
		 ORDER BY id DESC LIMIT 1`,
		userID, t,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading balance at %s: %w", t.Format(time.RFC3339), err)
	}
	return balance, nil
}

// Verify replays the user's full ledger against the stored balance inside a
// repeatable-read snapshot.
func (s *Store) Verify(ctx context.Context, userID string) (*Report, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("beginning verify snapshot: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var stored int64
	if err := tx.QueryRow(ctx, `SELECT credit FROM users WHERE id = $1`, userID).Scan(&stored); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("reading stored balance: %w", err)
	}

	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM credit_entries WHERE user_id = $1 ORDER BY id ASC`, entryColumns), userID)
	if err != nil {
		return nil, fmt.Errorf("reading entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}

	return Replay(userID, entries, stored), nil
}

// UserIDs lists every user with a balance row, for bulk verification.
func (s *Store) UserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
