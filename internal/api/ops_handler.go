package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/peyvandtel/broker/internal/broker"
	"github.com/peyvandtel/broker/internal/metering"
)

// Pinger checks database connectivity. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReconcileRunner runs one reconciliation pass. *broker.Reconciler satisfies it.
type ReconcileRunner interface {
	RunOnce(ctx context.Context) (broker.Summary, error)
}

// CallSummarizer aggregates the vendor call audit trail.
// *metering.Store satisfies it.
type CallSummarizer interface {
	Summary(ctx context.Context, q metering.CallQuery) (*metering.CallSummary, error)
}

// opsHandler groups health and admin operations handlers.
type opsHandler struct {
	db         Pinger
	reconciler ReconcileRunner
	calls      CallSummarizer
}

// Health handles GET /health.
func (h *opsHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		slog.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
}

// Reconcile handles POST /api/v1/admin/reconcile by running a pass now.
func (h *opsHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	sum, err := h.reconciler.RunOnce(r.Context())
	if err != nil {
		slog.Error("manual reconcile failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "reconcile failed")
		return
	}
	auditLog(r, "reconcile", "records", "",
		"scanned", sum.Scanned, "completed", sum.Completed, "failed", sum.Failed)
	writeJSON(w, http.StatusOK, sum)
}

// RemoteCalls handles GET /api/v1/admin/remote-calls/summary.
func (h *opsHandler) RemoteCalls(w http.ResponseWriter, r *http.Request) {
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

	cq := metering.CallQuery{
		ServiceID: q.Get("service_id"),
		RecordID:  q.Get("record_id"),
		Op:        q.Get("op"),
	}
	if from != nil {
		cq.From = *from
	}
	if to != nil {
		cq.To = *to
	}

	sum, err := h.calls.Summary(r.Context(), cq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to summarize remote calls")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
