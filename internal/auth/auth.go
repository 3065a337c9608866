package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// keyPrefix marks broker API keys so they are recognizable in logs and
// secret scanners.
const keyPrefix = "pvb_"

// Principal is the authenticated end user of a request.
type Principal struct {
	UserID    string
	Name      string
	RateLimit int // requests per window, 0 means the configured default
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 12 characters of the plaintext key
}

// UserLookup retrieves principals by the hash of their API key.
type UserLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Principal, error)
}

// Service provides authentication operations backed by a user store.
type Service struct {
	store    UserLookup
	adminKey string
	metrics  MetricsRecorder
}

// MetricsRecorder is an optional interface for authentication counters.
type MetricsRecorder interface {
	IncAuthFailure(authType string)
	IncAuthSuccess(authType string)
}

// NewService creates an authentication service. An empty adminKey disables
// the admin API.
func NewService(store UserLookup, adminKey string) *Service {
	return &Service{store: store, adminKey: adminKey}
}

// SetMetrics sets the optional metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// Authenticate resolves a plaintext API key.
func (s *Service) Authenticate(ctx context.Context, plaintext string) (*Principal, error) {
	p, err := s.store.GetByKeyHash(ctx, HashKey(plaintext))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("no user for key")
	}
	return p, nil
}

// IsAdminKey reports whether key matches the configured admin key, in
// constant time.
func (s *Service) IsAdminKey(key string) bool {
	if s.adminKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.adminKey)) == 1
}

func (s *Service) record(authType string, ok bool) {
	if s.metrics == nil {
		return
	}
	if ok {
		s.metrics.IncAuthSuccess(authType)
	} else {
		s.metrics.IncAuthFailure(authType)
	}
}

// GenerateAPIKey creates a new API key with the "pvb_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing the
// hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := keyPrefix + base64.RawURLEncoding.EncodeToString(b)

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:12],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
