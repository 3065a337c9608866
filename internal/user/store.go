package user

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peyvandtel/broker/internal/auth"
)

var ErrNotFound = errors.New("user not found")

// Store provides database operations for users.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new user store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const userColumns = `id, name, mobile, credit, credit_threshold, rate_limit, api_key_hash, api_key_prefix, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Name, &u.Mobile, &u.Credit, &u.CreditThreshold, &u.RateLimit,
		&u.APIKeyHash, &u.APIKeyPrefix, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Create inserts a new user with a zero balance and a fresh API key. The
// plaintext key is returned once and only its hash is stored.
func (s *Store) Create(ctx context.Context, in CreateUserInput) (*CreateUserResult, error) {
	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, err
	}

	u, err := scanUser(s.pool.QueryRow(ctx,
		`INSERT INTO users (name, mobile, credit_threshold, rate_limit, api_key_hash, api_key_prefix)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+userColumns,
		in.Name, in.Mobile, in.CreditThreshold, in.RateLimit, key.Hash, key.Prefix,
	))
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return &CreateUserResult{User: u, APIKey: plaintext}, nil
}

// GetByID retrieves a user by primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("getting user by id: %w", err)
	}
	return u, nil
}

// GetByKeyHash implements auth.UserLookup.
func (s *Store) GetByKeyHash(ctx context.Context, hash string) (*auth.Principal, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE api_key_hash = $1`, hash))
	if err != nil {
		return nil, fmt.Errorf("getting user by key hash: %w", err)
	}
	return &auth.Principal{UserID: u.ID, Name: u.Name, RateLimit: u.RateLimit}, nil
}

// Contact returns who to alert about a user's balance.
func (s *Store) Contact(ctx context.Context, userID string) (string, string, error) {
	var name, mobile string
	err := s.pool.QueryRow(ctx, `SELECT name, mobile FROM users WHERE id = $1`, userID).Scan(&name, &mobile)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("getting user contact: %w", err)
	}
	return name, mobile, nil
}

// List returns all users ordered by created_at DESC.
func (s *Store) List(ctx context.Context) ([]*User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Update performs a partial update on the user with the given id. Balance
// is not updatable here; it only moves through the ledger.
func (s *Store) Update(ctx context.Context, id string, in UpdateUserInput) (*User, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	if in.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argIdx))
		args = append(args, *in.Name)
		argIdx++
	}
	if in.Mobile != nil {
		setClauses = append(setClauses, fmt.Sprintf("mobile = $%d", argIdx))
		args = append(args, *in.Mobile)
		argIdx++
	}
	if in.CreditThreshold != nil {
		setClauses = append(setClauses, fmt.Sprintf("credit_threshold = $%d", argIdx))
		args = append(args, *in.CreditThreshold)
		argIdx++
	}
	if in.RateLimit != nil {
		setClauses = append(setClauses, fmt.Sprintf("rate_limit = $%d", argIdx))
		args = append(args, *in.RateLimit)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetByID(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = now()")
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE users SET %s WHERE id = $%d RETURNING `+userColumns,
		strings.Join(setClauses, ", "), argIdx)

	u, err := scanUser(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("updating user: %w", err)
	}
	return u, nil
}

// RotateKey replaces the user's API key and returns the new plaintext.
func (s *Store) RotateKey(ctx context.Context, id string) (string, error) {
	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return "", err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET api_key_hash = $1, api_key_prefix = $2, updated_at = now() WHERE id = $3`,
		key.Hash, key.Prefix, id)
	if err != nil {
		return "", fmt.Errorf("rotating key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrNotFound
	}
	return plaintext, nil
}
