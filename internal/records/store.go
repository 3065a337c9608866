package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peyvandtel/broker/internal/pagination"
)

var (
	ErrNotFound       = errors.New("service record not found")
	ErrNotClaimable   = errors.New("service record is already dispatched or finished")
	ErrNotTransitions = errors.New("service record is already in a terminal state")
)

// Store persists service records. Status changes are conditional updates,
// so each transition happens at most once no matter how many workers race.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const recordColumns = `id, service_id, user_id, status, used_credit, file, file_length,
	payload, result, failure_reason, poll_attempts, dispatched_at, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var payload, result []byte
	var status string
	err := row.Scan(
		&r.ID,
		&r.ServiceID,
		&r.UserID,
		&status,
		&r.UsedCredit,
		&r.File,
		&r.FileLength,
		&payload,
		&result,
		&r.FailureReason,
		&r.PollAttempts,
		&r.DispatchedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Payload = map[string]string{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, fmt.Errorf("unmarshalling payload: %w", err)
		}
	}
	if len(result) > 0 {
		r.Result = json.RawMessage(result)
	}
	return &r, nil
}

func scanOne(row pgx.Row) (*Record, error) {
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Insert creates r in status waiting inside the caller's transaction.
func (s *Store) Insert(ctx context.Context, tx pgx.Tx, r *Record) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}
	r.Status = StatusWaiting
	return tx.QueryRow(ctx,
		`INSERT INTO service_records (id, service_id, user_id, status, used_credit, file, file_length, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at, updated_at`,
		r.ID, r.ServiceID, r.UserID, string(r.Status), r.UsedCredit, r.File, r.FileLength, payload,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanOne(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM service_records WHERE id = $1`, recordColumns), id))
}

// GetForUser returns the record only when userID owns it.
func (s *Store) GetForUser(ctx context.Context, serviceID, userID string, id uuid.UUID) (*Record, error) {
	return scanOne(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM service_records WHERE id = $1 AND service_id = $2 AND user_id = $3`, recordColumns),
		id, serviceID, userID))
}

// Claim marks a waiting record as dispatched. Only one caller ever wins the
// claim; the rest get ErrNotClaimable.
func (s *Store) Claim(ctx context.Context, id uuid.UUID) (*Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE service_records SET dispatched_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'waiting' AND dispatched_at IS NULL
		 RETURNING %s`, recordColumns), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotClaimable
	}
	return r, err
}

// MarkProcessing stores the remote job token on a waiting record.
func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID, token string) error {
	result, err := json.Marshal(tokenResult{Token: token})
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE service_records SET status = 'processing', result = $2, updated_at = now()
		 WHERE id = $1 AND status = 'waiting'`, id, result)
	if err != nil {
		return fmt.Errorf("marking record processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotTransitions
	}
	return nil
}

// MarkSuccessful stores the final result on a non-terminal record.
func (s *Store) MarkSuccessful(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	if len(result) == 0 {
		return errors.New("successful record requires a result")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE service_records SET status = 'successful', result = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('waiting', 'processing')`, id, []byte(result))
	if err != nil {
		return fmt.Errorf("marking record successful: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotTransitions
	}
	return nil
}

// MarkFailed moves a non-terminal record to failed inside tx and returns it.
// It returns ErrNotTransitions when the record was already terminal.
func (s *Store) MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (*Record, error) {
	r, err := scanRecord(tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE service_records
		 SET status = 'failed', result = NULL, failure_reason = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('waiting', 'processing')
		 RETURNING %s`, recordColumns), id, reason))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotTransitions
	}
	if err != nil {
		return nil, fmt.Errorf("marking record failed: %w", err)
	}
	return r, nil
}

// TouchPoll counts one poll that left the record pending.
func (s *Store) TouchPoll(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE service_records SET poll_attempts = poll_attempts + 1, last_polled_at = now()
		 WHERE id = $1 AND status = 'processing'`, id)
	return err
}

// ListProcessing returns processing records that carry a token, oldest
// updated first, strictly after the (AfterUpdated, AfterID) key.
func (s *Store) ListProcessing(ctx context.Context, p ScanParams) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM service_records
		 WHERE service_id = $1 AND status = 'processing' AND result ? 'token'
		   AND (updated_at, id) > ($2, $3)
		 ORDER BY updated_at ASC, id ASC
		 LIMIT $4`, recordColumns),
		p.ServiceID, p.AfterUpdated, p.AfterID, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("listing processing records: %w", err)
	}
	return collect(rows)
}

// ListStaleWaiting returns waiting records created before olderThan. These
// are records whose dispatch never completed.
func (s *Store) ListStaleWaiting(ctx context.Context, serviceID string, olderThan time.Time, limit int) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM service_records
		 WHERE service_id = $1 AND status = 'waiting' AND created_at < $2
		 ORDER BY created_at ASC LIMIT $3`, recordColumns),
		serviceID, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale records: %w", err)
	}
	return collect(rows)
}

// ListByUser returns a page of the user's records for one service, newest first.
func (s *Store) ListByUser(ctx context.Context, p ListParams) ([]*Record, string, error) {
	limit := pagination.Limit(p.Limit, 15, 100)

	args := []interface{}{p.ServiceID, p.UserID}
	argIdx := 3
	where := []string{"service_id = $1", "user_id = $2"}

	if p.Payload != "" {
		where = append(where, fmt.Sprintf("payload::text ILIKE $%d", argIdx))
		args = append(args, "%"+escapeLike(p.Payload)+"%")
		argIdx++
	}
	if p.Since != nil {
		where = append(where, fmt.Sprintf("updated_at >= $%d", argIdx))
		args = append(args, *p.Since)
		argIdx++
	}
	if p.Cursor != "" {
		at, rawID, err := pagination.Decode(p.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", pagination.ErrInvalidCursor)
		}
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", argIdx, argIdx+1))
		args = append(args, at, id)
		argIdx += 2
	}

	query := fmt.Sprintf(`SELECT %s FROM service_records WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		recordColumns, strings.Join(where, " AND "), argIdx)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing records: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, "", err
	}

	var next string
	if len(out) > limit {
		last := out[limit-1]
		next = pagination.Encode(last.CreatedAt, last.ID.String())
		out = out[:limit]
	}
	return out, next, nil
}

func collect(rows pgx.Rows) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
