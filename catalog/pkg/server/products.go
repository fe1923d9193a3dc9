package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/malbeclabs/retail/catalog/pkg/product"
)

const maxBodyBytes = 1 << 20

type HistoryResponse struct {
	NaturalKey string            `json:"natural_key"`
	Versions   []product.Version `json:"versions"`
}

type ApplyVersionRequest struct {
	Price       decimal.Decimal `json:"price"`
	Description string          `json:"description"`
	Category    *string         `json:"category,omitempty"`
}

// VersionResponse carries the written version and the product's history as read back after
// the write. Versions is omitted when the read-back failed.
type VersionResponse struct {
	Version  *product.Version  `json:"version"`
	Versions []product.Version `json:"versions,omitempty"`
}

func productName(r *http.Request) (string, bool) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		return "", false
	}
	name = strings.TrimSpace(name)
	return name, name != ""
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		badRequest(w, "invalid request body: "+SanitizeError(err))
		return false
	}
	return true
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	name, ok := productName(r)
	if !ok {
		badRequest(w, "product name is required")
		return
	}
	versions, err := s.cfg.Reader.GetHistory(r.Context(), name)
	if err != nil {
		s.writeError(w, r, "failed to read product history", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{NaturalKey: name, Versions: versions})
}

func (s *Server) handleApplyVersion(w http.ResponseWriter, r *http.Request) {
	name, ok := productName(r)
	if !ok {
		badRequest(w, "product name is required")
		return
	}
	var req ApplyVersionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	v, err := s.cfg.Writer.ApplyVersion(r.Context(), name, product.NewAttributes{
		Price:       req.Price,
		Description: req.Description,
		Category:    req.Category,
	})
	if err != nil {
		s.writeError(w, r, "failed to apply product version", err)
		return
	}
	s.writeVersion(w, r, http.StatusCreated, v)
}

func (s *Server) handleCompleteTransition(w http.ResponseWriter, r *http.Request) {
	name, ok := productName(r)
	if !ok {
		badRequest(w, "product name is required")
		return
	}
	var pending product.PendingTransition
	if !decodeBody(w, r, &pending) {
		return
	}
	if pending.Version.NaturalKey != name {
		badRequest(w, "pending transition does not belong to this product")
		return
	}

	v, err := s.cfg.Writer.CompleteTransition(r.Context(), pending)
	if err != nil {
		s.writeError(w, r, "failed to complete product transition", err)
		return
	}
	s.writeVersion(w, r, http.StatusOK, v)
}

// writeVersion re-reads the product's history to confirm a write. The write itself already
// succeeded, so a failed read-back is logged and the version returned alone; a broken history
// is still reported as an invariant violation.
func (s *Server) writeVersion(w http.ResponseWriter, r *http.Request, status int, v *product.Version) {
	versions, err := s.cfg.Reader.GetHistory(r.Context(), v.NaturalKey)
	switch {
	case errors.Is(err, product.ErrInvariantViolation):
		s.writeError(w, r, "product history is inconsistent after write", err)
		return
	case err != nil:
		s.log.Warn("server: history read-back after write failed", "natural_key", v.NaturalKey, "error", err)
		versions = nil
	}
	writeJSON(w, status, VersionResponse{Version: v, Versions: versions})
}
