package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/retail/catalog/pkg/product"
	"github.com/malbeclabs/retail/catalog/pkg/sales"
	retailtesting "github.com/malbeclabs/retail/utils/pkg/testing"
)

type fakeReader struct {
	versions map[string][]product.Version
	err      error
}

func (f *fakeReader) GetHistory(_ context.Context, naturalKey string) ([]product.Version, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.versions[naturalKey]; ok {
		return v, nil
	}
	return []product.Version{}, nil
}

type fakeWriter struct {
	mu        sync.Mutex
	applyErr  error
	completed []product.PendingTransition
	applied   []string
}

func (f *fakeWriter) ApplyVersion(_ context.Context, naturalKey string, attrs product.NewAttributes) (*product.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, naturalKey)
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	category := product.UnknownCategory
	if attrs.Category != nil {
		category = *attrs.Category
	}
	return &product.Version{
		NaturalKey: naturalKey,
		Attributes: product.Attributes{Category: category, Price: attrs.Price, Description: attrs.Description},
		ValidFrom:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		ValidTo:    product.OpenValidTo,
		IsCurrent:  true,
		OpID:       uuid.New(),
	}, nil
}

func (f *fakeWriter) CompleteTransition(_ context.Context, pending product.PendingTransition) (*product.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, pending)
	v := pending.Version
	return &v, nil
}

type fakeSales struct {
	lastFilter sales.Filter
	lastLimit  int
	err        error
}

func (f *fakeSales) Summary(_ context.Context, flt sales.Filter) (*sales.Summary, error) {
	f.lastFilter = flt
	return &sales.Summary{Transactions: 3, Revenue: 42}, f.err
}

func (f *fakeSales) RevenueBy(_ context.Context, dim sales.Dimension, flt sales.Filter, limit int) ([]sales.Group, error) {
	f.lastFilter, f.lastLimit = flt, limit
	if f.err != nil {
		return nil, f.err
	}
	return []sales.Group{{Key: string(dim), Revenue: 1}}, nil
}

func (f *fakeSales) AverageRevenueByDiscount(_ context.Context, flt sales.Filter) ([]sales.DiscountImpact, error) {
	f.lastFilter = flt
	return []sales.DiscountImpact{{Label: sales.LabelDiscountApplied, Discounted: true, AverageRevenue: 2, Transactions: 1}}, f.err
}

func (f *fakeSales) FilterOptions(context.Context) (*sales.FilterOptions, error) {
	return &sales.FilterOptions{Cities: []string{"Boston"}}, f.err
}

func (f *fakeSales) Dashboard(_ context.Context, flt sales.Filter, top int) (*sales.Dashboard, error) {
	f.lastFilter, f.lastLimit = flt, top
	if f.err != nil {
		return nil, f.err
	}
	return &sales.Dashboard{Filter: flt, Summary: &sales.Summary{Transactions: 1}}, nil
}

type fixture struct {
	reader *fakeReader
	writer *fakeWriter
	sales  *fakeSales
	srv    *Server
}

func newFixture(t *testing.T, ready func(context.Context) error) *fixture {
	t.Helper()
	fx := &fixture{
		reader: &fakeReader{versions: map[string][]product.Version{}},
		writer: &fakeWriter{},
		sales:  &fakeSales{},
	}
	srv, err := New(Config{
		Logger: retailtesting.NewLogger(),
		Reader: fx.reader,
		Writer: fx.writer,
		Sales:  fx.sales,
		Ready:  ready,
	})
	require.NoError(t, err)
	fx.srv = srv
	return fx
}

func (fx *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	fx.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestRetail_Server_Config_Validate(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")
	_, err = New(Config{Logger: retailtesting.NewLogger()})
	require.ErrorContains(t, err, "reader is required")
	_, err = New(Config{Logger: retailtesting.NewLogger(), Reader: &fakeReader{}})
	require.ErrorContains(t, err, "writer is required")
}

func TestRetail_Server_Health(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	require.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/readyz", nil).Code)

	fx = newFixture(t, func(context.Context) error { return errors.New("dial tcp: refused") })
	rr := fx.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Contains(t, rr.Body.String(), "refused")
}

func TestRetail_Server_Products(t *testing.T) {
	t.Parallel()

	t.Run("history", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		opID := uuid.New()
		fx.reader.versions["Blue Widget"] = []product.Version{{
			NaturalKey: "Blue Widget",
			Attributes: product.Attributes{Category: "Gadgets", Price: decimal.RequireFromString("12.50")},
			ValidTo:    product.OpenValidTo,
			IsCurrent:  true,
			OpID:       opID,
		}}

		rr := fx.do(t, http.MethodGet, "/api/products/Blue%20Widget/history", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decode[HistoryResponse](t, rr)
		require.Equal(t, "Blue Widget", resp.NaturalKey)
		require.Len(t, resp.Versions, 1)
		require.Equal(t, opID, resp.Versions[0].OpID)
		require.True(t, resp.Versions[0].Price.Equal(decimal.RequireFromString("12.50")))
	})

	t.Run("empty history", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		rr := fx.do(t, http.MethodGet, "/api/products/Nothing/history", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		require.JSONEq(t, `{"natural_key":"Nothing","versions":[]}`, rr.Body.String())
	})

	t.Run("history store unavailable", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		fx.reader.err = &product.StoreError{Op: "read history", Err: errors.New("dial tcp clickhouse://default:pw@ch:9000: refused")}
		rr := fx.do(t, http.MethodGet, "/api/products/Widget/history", nil)
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		resp := decode[ErrorResponse](t, rr)
		require.Equal(t, KindStoreUnavailable, resp.Kind)
		require.NotContains(t, resp.Error, "pw")
	})

	t.Run("apply version", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		rr := fx.do(t, http.MethodPost, "/api/products/Widget/versions", `{"price": "12.50", "description": "v2", "category": "Gadgets"}`)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		resp := decode[VersionResponse](t, rr)
		require.Equal(t, "Gadgets", resp.Version.Category)
		require.True(t, resp.Version.Price.Equal(decimal.RequireFromString("12.50")))
		require.Equal(t, []string{"Widget"}, fx.writer.applied)
	})

	t.Run("history with an invariant violation is an alert", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		fx.reader.err = &product.InvariantViolationError{NaturalKey: "Widget", CurrentCount: 2, Detail: "2 current versions"}
		rr := fx.do(t, http.MethodGet, "/api/products/Widget/history", nil)
		require.Equal(t, http.StatusInternalServerError, rr.Code)
		resp := decode[ErrorResponse](t, rr)
		require.Equal(t, KindInvariantViolation, resp.Kind)
		require.Contains(t, resp.Error, "2 current versions")
	})

	t.Run("apply version returns the refreshed history", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		prior := uuid.New()
		fx.reader.versions["Widget"] = []product.Version{
			{NaturalKey: "Widget", ValidTo: product.OpenValidTo, IsCurrent: true, OpID: uuid.New()},
			{NaturalKey: "Widget", OpID: prior},
		}
		rr := fx.do(t, http.MethodPost, "/api/products/Widget/versions", `{"price": "12.50", "description": "v2"}`)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		resp := decode[VersionResponse](t, rr)
		require.NotNil(t, resp.Version)
		require.Len(t, resp.Versions, 2)
		require.Equal(t, prior, resp.Versions[1].OpID)
	})

	t.Run("apply version with a failed read-back still succeeds", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		fx.reader.err = &product.StoreError{Op: "read history", Err: errors.New("timeout")}
		rr := fx.do(t, http.MethodPost, "/api/products/Widget/versions", `{"price": "12.50", "description": "v2"}`)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		resp := decode[VersionResponse](t, rr)
		require.NotNil(t, resp.Version)
		require.Empty(t, resp.Versions)
	})

	t.Run("apply version reports a violation found on read-back", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		fx.reader.err = &product.InvariantViolationError{NaturalKey: "Widget", Detail: "versions a and b overlap"}
		rr := fx.do(t, http.MethodPost, "/api/products/Widget/versions", `{"price": "12.50", "description": "v2"}`)
		require.Equal(t, http.StatusInternalServerError, rr.Code)
		require.Equal(t, KindInvariantViolation, decode[ErrorResponse](t, rr).Kind)
		require.Equal(t, []string{"Widget"}, fx.writer.applied)
	})

	t.Run("apply version accepts numeric price", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		rr := fx.do(t, http.MethodPost, "/api/products/Widget/versions", `{"price": 9.99, "description": "v1"}`)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	})

	t.Run("malformed body", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		rr := fx.do(t, http.MethodPost, "/api/products/Widget/versions", `{"price": "abc"}`)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		rr = fx.do(t, http.MethodPost, "/api/products/Widget/versions", `{"price": 1, "colour": "red"}`)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		require.Empty(t, fx.writer.applied)
	})

	errorCases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"invalid attribute", fmt.Errorf("%w: price must be greater than zero, got -1", product.ErrInvalidAttributeValue), http.StatusBadRequest, KindInvalidAttributeValue},
		{"store unavailable", &product.StoreError{Op: "read history", Err: errors.New("timeout")}, http.StatusServiceUnavailable, KindStoreUnavailable},
		{"invariant violation", &product.InvariantViolationError{NaturalKey: "Widget", CurrentCount: 2, Detail: "2 current versions"}, http.StatusInternalServerError, KindInvariantViolation},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, KindInternal},
	}
	for _, tc := range errorCases {
		t.Run("apply version "+tc.name, func(t *testing.T) {
			t.Parallel()
			fx := newFixture(t, nil)
			fx.writer.applyErr = tc.err
			rr := fx.do(t, http.MethodPost, "/api/products/Widget/versions", `{"price": "-1", "description": "bad"}`)
			require.Equal(t, tc.status, rr.Code)
			resp := decode[ErrorResponse](t, rr)
			require.Equal(t, tc.kind, resp.Kind)
			require.NotEmpty(t, resp.Error)
			require.Nil(t, resp.Pending)
		})
	}

	t.Run("partial transition round trip", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		priorOpID := uuid.New()
		pending := product.PendingTransition{
			OpID:      uuid.New(),
			PriorOpID: &priorOpID,
			Version: product.Version{
				NaturalKey: "Widget",
				Attributes: product.Attributes{Category: "Gadgets", Price: decimal.RequireFromString("12.50"), Description: "v2"},
				ValidFrom:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
				ValidTo:    product.OpenValidTo,
				IsCurrent:  true,
			},
		}
		pending.Version.OpID = pending.OpID
		fx.writer.applyErr = &product.PartialTransitionError{Pending: pending, Err: errors.New("connection reset")}

		rr := fx.do(t, http.MethodPost, "/api/products/Widget/versions", `{"price": "12.50", "description": "v2"}`)
		require.Equal(t, http.StatusConflict, rr.Code)
		resp := decode[ErrorResponse](t, rr)
		require.Equal(t, KindPartialTransition, resp.Kind)
		require.NotNil(t, resp.Pending)
		require.Equal(t, pending.OpID, resp.Pending.OpID)

		rr = fx.do(t, http.MethodPost, "/api/products/Widget/versions/complete", resp.Pending)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		require.Len(t, fx.writer.completed, 1)
		got := fx.writer.completed[0]
		require.Equal(t, pending.OpID, got.OpID)
		require.Equal(t, priorOpID, *got.PriorOpID)
		require.True(t, pending.Version.ValidFrom.Equal(got.Version.ValidFrom))
		require.True(t, pending.Version.Price.Equal(got.Version.Price))

		rr = fx.do(t, http.MethodPost, "/api/products/Gizmo/versions/complete", resp.Pending)
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestRetail_Server_Sales(t *testing.T) {
	t.Parallel()

	t.Run("dashboard parses filters", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		rr := fx.do(t, http.MethodGet, "/api/sales/dashboard?city=Boston,Seattle&city=Austin&season=Winter&top=5", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		require.Equal(t, sales.Filter{Cities: []string{"Boston", "Seattle", "Austin"}, Seasons: []string{"Winter"}}, fx.sales.lastFilter)
		require.Equal(t, 5, fx.sales.lastLimit)
	})

	t.Run("dashboard default top", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		require.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/api/sales/dashboard", nil).Code)
		require.Equal(t, sales.DefaultTopProducts, fx.sales.lastLimit)
		require.Equal(t, http.StatusBadRequest, fx.do(t, http.MethodGet, "/api/sales/dashboard?top=-3", nil).Code)
	})

	t.Run("revenue by dimension", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		rr := fx.do(t, http.MethodGet, "/api/sales/revenue/payment_method?limit=3", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		require.JSONEq(t, `[{"key":"payment_method","revenue":1}]`, rr.Body.String())
		require.Equal(t, 3, fx.sales.lastLimit)

		rr = fx.do(t, http.MethodGet, "/api/sales/revenue/promotion", nil)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		require.Equal(t, KindUnsupportedDimension, decode[ErrorResponse](t, rr).Kind)
	})

	t.Run("other panels", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		require.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/api/sales/summary?customer_category=Student", nil).Code)
		require.Equal(t, []string{"Student"}, fx.sales.lastFilter.CustomerCategories)
		require.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/api/sales/discount-impact", nil).Code)

		rr := fx.do(t, http.MethodGet, "/api/sales/filters", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		require.Equal(t, []string{"Boston"}, decode[sales.FilterOptions](t, rr).Cities)
	})

	t.Run("query failure is sanitized", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		fx.sales.err = errors.New("code: 60, message: Table default.retail_silver does not exist")
		rr := fx.do(t, http.MethodGet, "/api/sales/dashboard", nil)
		require.Equal(t, http.StatusInternalServerError, rr.Code)
		resp := decode[ErrorResponse](t, rr)
		require.Equal(t, "failed to load sales dashboard", resp.Error)
	})

	t.Run("unreachable warehouse is retryable", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, nil)
		fx.sales.err = fmt.Errorf("%w: revenue by city: %w", sales.ErrStoreUnavailable, errors.New("dial tcp: connection refused"))
		rr := fx.do(t, http.MethodGet, "/api/sales/dashboard", nil)
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		resp := decode[ErrorResponse](t, rr)
		require.Equal(t, KindStoreUnavailable, resp.Kind)
		require.NotContains(t, resp.Error, "connection refused")
	})

	t.Run("not mounted without sales", func(t *testing.T) {
		t.Parallel()
		srv, err := New(Config{Logger: retailtesting.NewLogger(), Reader: &fakeReader{}, Writer: &fakeWriter{}})
		require.NoError(t, err)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/sales/summary", nil))
		require.Equal(t, http.StatusNotFound, rr.Code)
	})
}
