package records

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Repository is the record storage a service binding executes against.
// *Store satisfies it.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, r *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	Claim(ctx context.Context, id uuid.UUID) (*Record, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, token string) error
	MarkSuccessful(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (*Record, error)
	TouchPoll(ctx context.Context, id uuid.UUID) error
	ListProcessing(ctx context.Context, p ScanParams) ([]*Record, error)
	ListStaleWaiting(ctx context.Context, serviceID string, olderThan time.Time, limit int) ([]*Record, error)
}

var _ Repository = (*Store)(nil)
