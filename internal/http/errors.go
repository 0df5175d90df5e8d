package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/example/carpool-ledger/internal/chat"
	"github.com/example/carpool-ledger/internal/ledger"
	"github.com/example/carpool-ledger/internal/lifecycle"
	"github.com/example/carpool-ledger/internal/models"
	"github.com/example/carpool-ledger/internal/session"
	"github.com/example/carpool-ledger/internal/storage"
)

type errorBody struct {
	Error  string    `json:"error"`
	Code   string    `json:"code"`
	TxHash string    `json:"tx_hash,omitempty"`
	Ride   *rideView `json:"ride,omitempty"`
}

// classify maps an error to its HTTP status and a stable code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrNotLoggedIn):
		return http.StatusUnauthorized, "no_session"
	case errors.Is(err, session.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, session.ErrWalletMismatch):
		return http.StatusForbidden, "wallet_mismatch"
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, session.ErrEmailTaken):
		return http.StatusConflict, "email_taken"
	case errors.Is(err, models.ErrStillPending):
		return http.StatusAccepted, "pending"
	case errors.Is(err, models.ErrPrecondition):
		return http.StatusConflict, "not_available"
	case errors.Is(err, models.ErrNotFound), errors.Is(err, storage.ErrUnknownReconciliation):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, models.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "provider_unavailable"
	case errors.Is(err, models.ErrConnectivity), errors.Is(err, ledger.ErrRejected):
		return http.StatusBadGateway, "ledger_unavailable"
	case errors.Is(err, models.ErrEventDecode):
		return http.StatusInternalServerError, "decode_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "canceled"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	body := errorBody{Error: err.Error(), Code: code}
	switch code {
	case "not_available":
		body.Error = models.ErrPrecondition.Error()
	case "internal":
		body.Error = "internal error"
	}
	if tx, ok := ledger.TxHash(err); ok {
		body.TxHash = tx.Hex()
	}
	var lost *lifecycle.RaceLostError
	if errors.As(err, &lost) && lost.Refreshed {
		v := s.rideView(lost.Ride)
		body.Ride = &v
	}

	level := s.logger.Info
	switch {
	case status >= 500:
		level = s.logger.Error
	case code == "pending":
		level = s.logger.Warn
	}
	level("request failed", "route", routeTemplate(r), "status", status, "code", code,
		"error", err, "request_id", requestIDFromContext(r.Context()))
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(models.ErrInvalidInput, err)
	}
	return nil
}
