package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists service definitions.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const serviceColumns = `id, name, active, credential, created_at, updated_at`

func scanDefinition(row pgx.Row) (*ServiceDefinition, error) {
	var d ServiceDefinition
	if err := row.Scan(&d.ID, &d.Name, &d.Active, &d.Credential, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) Get(ctx context.Context, id string) (*ServiceDefinition, error) {
	d, err := scanDefinition(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM services WHERE id = $1`, serviceColumns), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrServiceNotFound
	}
	return d, err
}

func (s *Store) List(ctx context.Context) ([]*ServiceDefinition, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM services ORDER BY id`, serviceColumns))
	if err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}
	defer rows.Close()

	var out []*ServiceDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning service: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Ensure inserts the definition if it does not exist yet. Existing rows keep
// their activation flag and credential.
func (s *Store) Ensure(ctx context.Context, id, name string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO services (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, id, name)
	if err != nil {
		return fmt.Errorf("ensuring service %s: %w", id, err)
	}
	return nil
}

func (s *Store) SetCredential(ctx context.Context, id, sealed string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE services SET credential = $2, updated_at = now() WHERE id = $1`, id, sealed)
	if err != nil {
		return fmt.Errorf("setting credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrServiceNotFound
	}
	return nil
}

// ToggleActive flips the active flag and returns the updated definition.
func (s *Store) ToggleActive(ctx context.Context, id string) (*ServiceDefinition, error) {
	d, err := scanDefinition(s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE services SET active = NOT active, updated_at = now() WHERE id = $1 RETURNING %s`, serviceColumns), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrServiceNotFound
	}
	return d, err
}
