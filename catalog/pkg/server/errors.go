package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"github.com/malbeclabs/retail/catalog/pkg/product"
	"github.com/malbeclabs/retail/catalog/pkg/sales"
)

// Error kinds reported to clients.
const (
	KindInvalidAttributeValue = "invalid_attribute_value"
	KindStoreUnavailable      = "store_unavailable"
	KindPartialTransition     = "partial_transition"
	KindInvariantViolation    = "invariant_violation"
	KindUnsupportedDimension  = "unsupported_dimension"
	KindBadRequest            = "bad_request"
	KindInternal              = "internal"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	// Pending is set for partial transitions; POST it to the complete endpoint to finish.
	Pending *product.PendingTransition `json:"pending,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Kind: KindBadRequest})
}

// writeError maps an engine error to a status code and a message telling the client what to
// do next. Full errors are logged; only sanitized text leaves the process.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	var (
		partial   *product.PartialTransitionError
		violation *product.InvariantViolationError
	)
	switch {
	case errors.Is(err, product.ErrInvalidAttributeValue):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: SanitizeError(err) + "; correct the input and retry",
			Kind:  KindInvalidAttributeValue,
		})

	case errors.As(err, &partial):
		s.log.Error(operation, "error", err)
		pending := partial.Pending
		state := "the previous version was closed but the new version was not installed"
		if pending.ExpireUncertain {
			state = "closing the previous version timed out and may or may not have applied"
		}
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   state + "; POST the pending transition to the complete endpoint to finish",
			Kind:    KindPartialTransition,
			Pending: &pending,
		})

	case errors.As(err, &violation):
		s.log.Error(operation, "error", err)
		s.reportViolation(r, violation)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: SanitizeError(err) + "; the history needs manual repair",
			Kind:  KindInvariantViolation,
		})

	case errors.Is(err, product.ErrStoreUnavailable), errors.Is(err, sales.ErrStoreUnavailable):
		s.log.Warn(operation, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: operation + ": the warehouse is unavailable, retry later",
			Kind:  KindStoreUnavailable,
		})

	case errors.Is(err, sales.ErrUnsupportedDimension):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: SanitizeError(err), Kind: KindUnsupportedDimension})

	default:
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: internalError(s.log, operation, err), Kind: KindInternal})
	}
}

func (s *Server) reportViolation(r *http.Request, v *product.InvariantViolationError) {
	if !s.cfg.SentryEnabled {
		return
	}
	hub := sentry.GetHubFromContext(r.Context())
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetTag("natural_key", v.NaturalKey)
		scope.SetTag("kind", KindInvariantViolation)
		hub.CaptureException(v)
	})
}

// internalError logs the full error and returns a user-safe message.
func internalError(log *slog.Logger, operation string, err error) string {
	log.Error(operation, "error", err)
	return operation
}

// SanitizeError removes credentials and query strings from error messages.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	if idx := strings.Index(msg, "://"); idx != -1 {
		if atIdx := strings.Index(msg[idx:], "@"); atIdx != -1 {
			endOfProto := idx + 3
			msg = msg[:endOfProto] + "***@" + msg[idx+atIdx+1:]
		}
	}

	if idx := strings.Index(msg, "?"); idx != -1 {
		endIdx := len(msg)
		for _, delim := range []string{" ", "'", "\""} {
			if i := strings.Index(msg[idx:], delim); i != -1 && idx+i < endIdx {
				endIdx = idx + i
			}
		}
		msg = msg[:idx] + "?..." + msg[endIdx:]
	}

	return msg
}
