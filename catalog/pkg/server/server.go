package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/malbeclabs/retail/catalog/pkg/metrics"
	"github.com/malbeclabs/retail/catalog/pkg/product"
	"github.com/malbeclabs/retail/catalog/pkg/sales"
)

const (
	defaultRequestTimeout  = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

type HistoryReader interface {
	GetHistory(ctx context.Context, naturalKey string) ([]product.Version, error)
}

type VersionWriter interface {
	ApplyVersion(ctx context.Context, naturalKey string, attrs product.NewAttributes) (*product.Version, error)
	CompleteTransition(ctx context.Context, pending product.PendingTransition) (*product.Version, error)
}

type SalesQuerier interface {
	Summary(ctx context.Context, f sales.Filter) (*sales.Summary, error)
	RevenueBy(ctx context.Context, dim sales.Dimension, f sales.Filter, limit int) ([]sales.Group, error)
	AverageRevenueByDiscount(ctx context.Context, f sales.Filter) ([]sales.DiscountImpact, error)
	FilterOptions(ctx context.Context) (*sales.FilterOptions, error)
	Dashboard(ctx context.Context, f sales.Filter, topProducts int) (*sales.Dashboard, error)
}

type Config struct {
	Logger *slog.Logger
	Reader HistoryReader
	Writer VersionWriter
	// Sales is optional; sales routes are not mounted without it.
	Sales SalesQuerier
	// Ready reports whether the warehouse is reachable.
	Ready func(ctx context.Context) error

	CORSOrigins    []string
	SentryEnabled  bool
	RequestTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Reader == nil {
		return errors.New("reader is required")
	}
	if cfg.Writer == nil {
		return errors.New("writer is required")
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return nil
}

type Server struct {
	log          *slog.Logger
	cfg          Config
	handler      http.Handler
	shuttingDown atomic.Bool
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	if s.cfg.SentryEnabled {
		sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
		r.Use(sentryHandler.Handle)
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r)
				if txn := sentry.TransactionFromContext(r.Context()); txn != nil {
					if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
						txn.Name = r.Method + " " + rctx.RoutePattern()
					}
				}
			})
		})
	}

	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))

		r.Get("/products/{name}/history", s.handleGetHistory)
		r.Post("/products/{name}/versions", s.handleApplyVersion)
		r.Post("/products/{name}/versions/complete", s.handleCompleteTransition)

		if s.cfg.Sales != nil {
			r.Get("/sales/dashboard", s.handleSalesDashboard)
			r.Get("/sales/summary", s.handleSalesSummary)
			r.Get("/sales/revenue/{dimension}", s.handleSalesRevenue)
			r.Get("/sales/discount-impact", s.handleSalesDiscountImpact)
			r.Get("/sales/filters", s.handleSalesFilters)
		}
	})

	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.cfg.Ready(ctx); err != nil {
			s.log.Warn("server: readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("warehouse connection failed: " + SanitizeError(err)))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Run serves on listener until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.shuttingDown.Store(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	s.log.Info("server: stopped")
	return nil
}
