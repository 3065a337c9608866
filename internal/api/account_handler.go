package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/peyvandtel/broker/internal/auth"
	"github.com/peyvandtel/broker/internal/ledger"
	"github.com/peyvandtel/broker/internal/pagination"
	"github.com/peyvandtel/broker/internal/user"
)

// LedgerReader reads ledger history. *ledger.Store satisfies it.
type LedgerReader interface {
	List(ctx context.Context, params ledger.ListParams) ([]*ledger.Entry, string, error)
	Verify(ctx context.Context, userID string) (*ledger.Report, error)
}

// accountHandler serves the authenticated user's own profile and ledger.
type accountHandler struct {
	users  UserStore
	ledger LedgerReader
}

// Me handles GET /api/v1/me.
func (h *accountHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated user")
		return
	}
	u, err := h.users.GetByID(r.Context(), p.UserID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// CreditHistory handles GET /api/v1/credit-history. The to bound is
// inclusive of the whole day when a plain date is given, and a future
// bound is ignored.
func (h *accountHandler) CreditHistory(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated user")
		return
	}

	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from", "from must be a date or RFC3339 timestamp")
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_to", "to must be a date or RFC3339 timestamp")
		return
	}
	if to != nil {
		if to.After(time.Now()) {
			to = nil
		} else if isMidnight(*to) {
			end := to.Add(24*time.Hour - time.Nanosecond)
			to = &end
		}
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	entries, next, err := h.ledger.List(r.Context(), ledger.ListParams{
		UserID: p.UserID,
		From:   from,
		To:     to,
		Cursor: q.Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "invalid_cursor", "invalid cursor")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list credit history")
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	paged(w, "entries", entries, next)
}

func isMidnight(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}
