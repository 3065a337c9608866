package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/peyvandtel/broker/internal/catalog"
	"github.com/peyvandtel/broker/internal/pricing"
)

// CatalogAdmin manages service definitions and prices.
// *catalog.Service satisfies it.
type CatalogAdmin interface {
	List(ctx context.Context) ([]catalog.AdminView, error)
	SetCredential(ctx context.Context, id string, cred catalog.Credential) error
	ToggleActive(ctx context.Context, id string) (*catalog.ServiceDefinition, error)
	Price(ctx context.Context, id string) (*pricing.PriceDefinition, error)
	SetPrice(ctx context.Context, def *pricing.PriceDefinition) (*pricing.PriceDefinition, error)
	DeletePrice(ctx context.Context, id string) error
}

// servicesHandler groups admin service and price handlers.
type servicesHandler struct {
	catalog CatalogAdmin
}

func writeCatalogError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, catalog.ErrServiceNotFound):
		writeError(w, http.StatusNotFound, "not_found", "service not found")
	case errors.Is(err, catalog.ErrUnregistered):
		writeError(w, http.StatusConflict, "unregistered", err.Error())
	case errors.Is(err, pricing.ErrNoPriceConfigured), errors.Is(err, pgx.ErrNoRows):
		writeError(w, http.StatusNotFound, "no_price", pricing.ErrNoPriceConfigured.Error())
	case errors.Is(err, pricing.ErrInvalidSetting):
		writeError(w, http.StatusUnprocessableEntity, "invalid_price_setting", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

// ListServices handles GET /api/v1/admin/services.
func (h *servicesHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	views, err := h.catalog.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list services")
		return
	}
	if views == nil {
		views = []catalog.AdminView{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"services": views})
}

// SetCredential handles PUT /api/v1/admin/services/{id}/credential. The body
// carries either a token or a username and password.
func (h *servicesHandler) SetCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var cred catalog.Credential
	if err := readJSON(r, &cred); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if err := h.catalog.SetCredential(r.Context(), id, cred); err != nil {
		if errors.Is(err, catalog.ErrCredentialEmpty) {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
			return
		}
		writeCatalogError(w, err, "set credential")
		return
	}

	kind := "token"
	if cred.Token == "" {
		kind = "username_password"
	}
	auditLog(r, "set_credential", "service", id, "kind", kind)
	w.WriteHeader(http.StatusNoContent)
}

// ToggleActive handles POST /api/v1/admin/services/{id}/toggle.
func (h *servicesHandler) ToggleActive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	def, err := h.catalog.ToggleActive(r.Context(), id)
	if err != nil {
		writeCatalogError(w, err, "toggle service")
		return
	}
	auditLog(r, "toggle", "service", id, "active", def.Active)
	writeJSON(w, http.StatusOK, def)
}

// GetPrice handles GET /api/v1/admin/services/{id}/price.
func (h *servicesHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := h.catalog.Price(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeCatalogError(w, err, "get price")
		return
	}
	writeJSON(w, http.StatusOK, price)
}

// priceRequest is the body of a price change. Settings are checked against
// the settings schema before the service's own validator runs.
type priceRequest struct {
	Amount   int64           `json:"amount"`
	Settings json.RawMessage `json:"settings"`
}

// SetPrice handles PUT /api/v1/admin/services/{id}/price.
func (h *servicesHandler) SetPrice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req priceRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Amount < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "amount must not be negative")
		return
	}
	settings, err := pricing.ParseSettings(req.Settings)
	if err != nil {
		writeCatalogError(w, err, "set price")
		return
	}

	price, err := h.catalog.SetPrice(r.Context(), &pricing.PriceDefinition{
		ServiceID: id,
		Amount:    req.Amount,
		Settings:  settings,
	})
	if err != nil {
		writeCatalogError(w, err, "set price")
		return
	}
	auditLog(r, "set_price", "service", id, "amount", price.Amount)
	writeJSON(w, http.StatusOK, price)
}

// DeletePrice handles DELETE /api/v1/admin/services/{id}/price.
func (h *servicesHandler) DeletePrice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.catalog.DeletePrice(r.Context(), id); err != nil {
		writeCatalogError(w, err, "delete price")
		return
	}
	auditLog(r, "delete_price", "service", id)
	w.WriteHeader(http.StatusNoContent)
}
