package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/peyvandtel/broker/internal/auth"
	"github.com/peyvandtel/broker/internal/broker"
	"github.com/peyvandtel/broker/internal/pagination"
	"github.com/peyvandtel/broker/internal/ratelimit"
	"github.com/peyvandtel/broker/internal/records"
)

// multipartMemory is how much of a multipart body is kept in memory before
// parts spill to temporary files.
const multipartMemory = 8 << 20

// Executor runs a service request. *broker.Pipeline satisfies it.
type Executor interface {
	Execute(ctx context.Context, d *broker.Descriptor) (*broker.Outcome, error)
}

// RecordReader reads a user's service records. *records.Store satisfies it.
type RecordReader interface {
	ListByUser(ctx context.Context, p records.ListParams) ([]*records.Record, string, error)
	GetForUser(ctx context.Context, serviceID, userID string, id uuid.UUID) (*records.Record, error)
}

// ServiceLookup reports whether a service id is registered.
// *broker.Registry satisfies it.
type ServiceLookup interface {
	Lookup(serviceID string) (broker.Binding, error)
}

// requestsHandler serves the end-user service request endpoints.
type requestsHandler struct {
	pipeline  Executor
	records   RecordReader
	services  ServiceLookup
	limiter   *ratelimit.ServiceLimiter
	maxUpload int64
	onLimited func(scope string)
}

// requestResponse is the body of an accepted request.
type requestResponse struct {
	ID         uuid.UUID       `json:"id"`
	Status     records.Status  `json:"status"`
	UsedCredit int64           `json:"used_credit"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Create handles POST /api/v1/requests. The form carries serviceId, any
// number of payload fields and the attachments files.
func (h *requestsHandler) Create(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated user")
		return
	}

	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "the upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	serviceID := strings.TrimSpace(r.FormValue("serviceId"))
	if serviceID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "serviceId is required")
		return
	}

	if h.limiter != nil {
		d, scope := h.limiter.Check(serviceID, p.UserID)
		ratelimit.SetHeaders(w, d)
		if !d.Allowed {
			if h.onLimited != nil {
				h.onLimited(scope)
			}
			ratelimit.WriteLimited(w, "Too many requests for this service. Try again later.")
			return
		}
	}

	d := broker.NewDescriptor(serviceID, p.UserID,
		payloadFields(r.MultipartForm.Value),
		attachmentsOf(r.MultipartForm.File))

	out, err := h.pipeline.Execute(r.Context(), d)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, requestResponse{
		ID:         out.Record.ID,
		Status:     out.Status,
		UsedCredit: out.Record.UsedCredit,
		Result:     out.Result,
	})
}

// List handles GET /api/v1/services/{serviceID}/requests.
func (h *requestsHandler) List(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated user")
		return
	}
	serviceID := chi.URLParam(r, "serviceID")
	if _, err := h.services.Lookup(serviceID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	q := r.URL.Query()
	sinceParam := q.Get("since")
	if sinceParam == "" {
		sinceParam = q.Get("from")
	}
	since, err := parseTimeParam(sinceParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_since", "since must be a date or RFC3339 timestamp")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	list, next, err := h.records.ListByUser(r.Context(), records.ListParams{
		ServiceID: serviceID,
		UserID:    p.UserID,
		Payload:   q.Get("payload"),
		Since:     since,
		Cursor:    q.Get("cursor"),
		Limit:     limit,
	})
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "invalid_cursor", "invalid cursor")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list requests")
		return
	}

	items := make([]*records.Record, 0, len(list))
	for _, rec := range list {
		items = append(items, rec.Public())
	}
	w.Header().Set("X-Last-Fetch", time.Now().UTC().Format(time.RFC3339))
	paged(w, "requests", items, next)
}

// Get handles GET /api/v1/services/{serviceID}/requests/{id}.
func (h *requestsHandler) Get(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated user")
		return
	}
	serviceID := chi.URLParam(r, "serviceID")
	if _, err := h.services.Lookup(serviceID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "request not found")
		return
	}

	rec, err := h.records.GetForUser(r.Context(), serviceID, p.UserID, id)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "request not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get request")
		return
	}
	writeJSON(w, http.StatusOK, rec.Public())
}

// payloadFields collects every form field except serviceId. Fields sent as
// payload[key] are stored under key.
func payloadFields(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, vs := range values {
		if k == "serviceId" || len(vs) == 0 {
			continue
		}
		if strings.HasPrefix(k, "payload[") && strings.HasSuffix(k, "]") {
			k = k[len("payload[") : len(k)-1]
		}
		if k == "" {
			continue
		}
		out[k] = vs[len(vs)-1]
	}
	return out
}

// attachmentsOf wraps the uploaded files. Both attachments and
// attachments[] field names are accepted.
func attachmentsOf(files map[string][]*multipart.FileHeader) []broker.Attachment {
	var out []broker.Attachment
	for _, field := range []string{"attachments", "attachments[]"} {
		for _, fh := range files[field] {
			fh := fh
			out = append(out, broker.Attachment{
				Filename:    filepath.Base(fh.Filename),
				ContentType: fh.Header.Get("Content-Type"),
				Size:        fh.Size,
				Open: func() (io.ReadSeekCloser, error) {
					return fh.Open()
				},
			})
		}
	}
	return out
}
