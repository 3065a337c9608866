package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/peyvandtel/broker/internal/ledger"
	"github.com/peyvandtel/broker/internal/user"
)

// UserStore is the user persistence the admin API needs.
// *user.Store satisfies it.
type UserStore interface {
	Create(ctx context.Context, in user.CreateUserInput) (*user.CreateUserResult, error)
	GetByID(ctx context.Context, id string) (*user.User, error)
	List(ctx context.Context) ([]*user.User, error)
	Update(ctx context.Context, id string, in user.UpdateUserInput) (*user.User, error)
	RotateKey(ctx context.Context, id string) (string, error)
}

// CreditAdjuster posts admin credit changes. *user.Service satisfies it.
type CreditAdjuster interface {
	Adjust(ctx context.Context, userID string, adj user.Adjustment) (*ledger.Entry, error)
}

// usersHandler groups admin user-management handlers.
type usersHandler struct {
	store  UserStore
	credit CreditAdjuster
	ledger LedgerReader
}

// userID reads and checks the {id} path param. A malformed id cannot name
// a user, so it is reported as not found.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return "", false
	}
	return id, true
}

func writeUserError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, user.ErrNotFound) || errors.Is(err, ledger.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
}

// CreateUser handles POST /api/v1/admin/users.
// The plaintext API key is only returned here.
func (h *usersHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var in user.CreateUserInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	in.Mobile = strings.TrimSpace(in.Mobile)
	if in.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name is required")
		return
	}
	if in.CreditThreshold < 0 || in.RateLimit < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "credit_threshold and rate_limit must not be negative")
		return
	}

	res, err := h.store.Create(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create user")
		return
	}

	auditLog(r, "create", "user", res.User.ID, "name", res.User.Name)
	writeJSON(w, http.StatusCreated, res)
}

// ListUsers handles GET /api/v1/admin/users.
func (h *usersHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list users")
		return
	}
	if users == nil {
		users = []*user.User{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

// GetUser handles GET /api/v1/admin/users/{id}.
func (h *usersHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	u, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		writeUserError(w, err, "get user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// UpdateUser handles PUT /api/v1/admin/users/{id}. The balance cannot be
// set here; it only moves through credit adjustments.
func (h *usersHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var in user.UpdateUserInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name must not be empty")
		return
	}
	if (in.CreditThreshold != nil && *in.CreditThreshold < 0) || (in.RateLimit != nil && *in.RateLimit < 0) {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "credit_threshold and rate_limit must not be negative")
		return
	}

	u, err := h.store.Update(r.Context(), id, in)
	if err != nil {
		writeUserError(w, err, "update user")
		return
	}
	auditLog(r, "update", "user", id)
	writeJSON(w, http.StatusOK, u)
}

// thresholdRequest is the body of a threshold change.
type thresholdRequest struct {
	CreditThreshold *int64 `json:"credit_threshold"`
}

// SetThreshold handles PUT /api/v1/admin/users/{id}/threshold.
func (h *usersHandler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var req thresholdRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.CreditThreshold == nil || *req.CreditThreshold < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "credit_threshold must be a non-negative integer")
		return
	}

	u, err := h.store.Update(r.Context(), id, user.UpdateUserInput{CreditThreshold: req.CreditThreshold})
	if err != nil {
		writeUserError(w, err, "update threshold")
		return
	}
	auditLog(r, "set_threshold", "user", id, "credit_threshold", *req.CreditThreshold)
	writeJSON(w, http.StatusOK, u)
}

// AdjustCredit handles POST /api/v1/admin/users/{id}/credit.
func (h *usersHandler) AdjustCredit(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var adj user.Adjustment
	if err := readJSON(r, &adj); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	entry, err := h.credit.Adjust(r.Context(), id, adj)
	if err != nil {
		var insufficient *ledger.InsufficientCreditError
		switch {
		case errors.Is(err, user.ErrInvalidAdjustment):
			writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		case errors.As(err, &insufficient):
			writeError(w, http.StatusUnprocessableEntity, "insufficient_credit", "the decrease is larger than the balance")
		default:
			writeUserError(w, err, "adjust credit")
		}
		return
	}

	auditLog(r, "adjust_credit", "user", id, "amount", entry.Signed(), "balance", entry.ResultingBalance)
	writeJSON(w, http.StatusCreated, entry)
}

// RotateKey handles POST /api/v1/admin/users/{id}/rotate-key.
func (h *usersHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	key, err := h.store.RotateKey(r.Context(), id)
	if err != nil {
		writeUserError(w, err, "rotate key")
		return
	}
	auditLog(r, "rotate_key", "user", id)
	writeJSON(w, http.StatusOK, map[string]string{"api_key": key})
}

// VerifyLedger handles GET /api/v1/admin/users/{id}/ledger/verify.
func (h *usersHandler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	report, err := h.ledger.Verify(r.Context(), id)
	if err != nil {
		writeUserError(w, err, "verify ledger")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"report":     report,
		"consistent": report.Consistent(),
	})
}
