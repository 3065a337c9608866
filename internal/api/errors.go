package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/peyvandtel/broker/internal/broker"
	"github.com/peyvandtel/broker/internal/catalog"
	"github.com/peyvandtel/broker/internal/ledger"
	"github.com/peyvandtel/broker/internal/pricing"
	"github.com/peyvandtel/broker/internal/remote"
)

// maxBodySize is the maximum allowed JSON request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v interface{}) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

// writeServiceError maps a pipeline or catalog error to its HTTP response.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation   *broker.ValidationError
		insufficient *ledger.InsufficientCreditError
		remoteErr    *remote.RemoteError
		setting      *pricing.InvalidSettingError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusUnprocessableEntity, "validation_error", validation.Error())
	case errors.As(err, &insufficient):
		writeError(w, http.StatusPaymentRequired, "insufficient_credit", "your credit is not sufficient")
	case errors.Is(err, broker.ErrUnknownService):
		writeError(w, http.StatusNotFound, "unknown_service", err.Error())
	case errors.Is(err, catalog.ErrServiceInactive), errors.Is(err, catalog.ErrServiceNotFound):
		writeError(w, http.StatusConflict, "service_inactive", catalog.ErrServiceInactive.Error())
	case errors.Is(err, pricing.ErrNoPriceConfigured):
		writeError(w, http.StatusConflict, "no_price", err.Error())
	case errors.As(err, &setting):
		writeError(w, http.StatusUnprocessableEntity, "invalid_price_setting", setting.Error())
	case errors.Is(err, pricing.ErrInvalidSetting),
		errors.Is(err, pricing.ErrInvalidQuantity),
		errors.Is(err, pricing.ErrChargeOverflow):
		writeError(w, http.StatusUnprocessableEntity, "invalid_price_setting", err.Error())
	case errors.As(err, &remoteErr):
		slog.Warn("remote service failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusBadGateway, "remote_error", "the service provider could not process the request")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "the request took too long")
	default:
		slog.Error("request failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
