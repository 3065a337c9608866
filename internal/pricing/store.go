package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists one active price per service.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get returns the service's price, or ErrNoPriceConfigured when none is stored.
func (s *Store) Get(ctx context.Context, serviceID string) (*PriceDefinition, error) {
	var def PriceDefinition
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT service_id, amount, settings, updated_at FROM service_prices WHERE service_id = $1`,
		serviceID,
	).Scan(&def.ServiceID, &def.Amount, &raw, &def.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoPriceConfigured
		}
		return nil, fmt.Errorf("getting price: %w", err)
	}
	if err := json.Unmarshal(raw, &def.Settings); err != nil {
		return nil, fmt.Errorf("unmarshalling settings: %w", err)
	}
	return &def, nil
}

// Upsert stores def as the service's active price.
func (s *Store) Upsert(ctx context.Context, def *PriceDefinition) (*PriceDefinition, error) {
	raw, err := json.Marshal(def.Settings)
	if err != nil {
		return nil, fmt.Errorf("marshalling settings: %w", err)
	}

	out := *def
	err = s.pool.QueryRow(ctx,
		`INSERT INTO service_prices (service_id, amount, settings)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (service_id) DO UPDATE
		   SET amount = EXCLUDED.amount, settings = EXCLUDED.settings, updated_at = now()
		 RETURNING updated_at`,
		def.ServiceID, def.Amount, raw,
	).Scan(&out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upserting price: %w", err)
	}
	return &out, nil
}

// Delete removes the service's price. It returns pgx.ErrNoRows when none existed.
func (s *Store) Delete(ctx context.Context, serviceID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM service_prices WHERE service_id = $1`, serviceID)
	if err != nil {
		return fmt.Errorf("deleting price: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
