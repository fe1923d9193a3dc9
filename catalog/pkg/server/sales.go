package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/retail/catalog/pkg/sales"
)

// parseFilter reads repeated or comma-separated city, customer_category and season values.
func parseFilter(r *http.Request) sales.Filter {
	q := r.URL.Query()
	values := func(key string) []string {
		var out []string
		for _, raw := range q[key] {
			for _, v := range strings.Split(raw, ",") {
				if v = strings.TrimSpace(v); v != "" {
					out = append(out, v)
				}
			}
		}
		return out
	}
	return sales.Filter{
		Cities:             values("city"),
		CustomerCategories: values("customer_category"),
		Seasons:            values("season"),
	}
}

func parseLimit(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) handleSalesDashboard(w http.ResponseWriter, r *http.Request) {
	top, ok := parseLimit(r, "top", sales.DefaultTopProducts)
	if !ok {
		badRequest(w, "top must be a non-negative integer")
		return
	}
	d, err := s.cfg.Sales.Dashboard(r.Context(), parseFilter(r), top)
	if err != nil {
		s.writeError(w, r, "failed to load sales dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleSalesSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cfg.Sales.Summary(r.Context(), parseFilter(r))
	if err != nil {
		s.writeError(w, r, "failed to load sales summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSalesRevenue(w http.ResponseWriter, r *http.Request) {
	dim, err := sales.ParseDimension(chi.URLParam(r, "dimension"))
	if err != nil {
		s.writeError(w, r, "failed to load revenue", err)
		return
	}
	limit, ok := parseLimit(r, "limit", 0)
	if !ok {
		badRequest(w, "limit must be a non-negative integer")
		return
	}
	groups, err := s.cfg.Sales.RevenueBy(r.Context(), dim, parseFilter(r), limit)
	if err != nil {
		s.writeError(w, r, "failed to load revenue", err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleSalesDiscountImpact(w http.ResponseWriter, r *http.Request) {
	impact, err := s.cfg.Sales.AverageRevenueByDiscount(r.Context(), parseFilter(r))
	if err != nil {
		s.writeError(w, r, "failed to load discount impact", err)
		return
	}
	writeJSON(w, http.StatusOK, impact)
}

func (s *Server) handleSalesFilters(w http.ResponseWriter, r *http.Request) {
	opts, err := s.cfg.Sales.FilterOptions(r.Context())
	if err != nil {
		s.writeError(w, r, "failed to load filter options", err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}
