package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const idleTimeout = 120 * time.Second

// Server exposes the award engine over HTTP.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer wires middleware and every route onto a fresh chi router.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	h := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(
		CORSMiddleware,
		RecoverMiddleware,
		TracingMiddleware,
		LoggingMiddleware(h.logger),
		MetricsMiddleware,
		middleware.RealIP,
		middleware.Compress(5),
	)

	router.Get("/health", h.Health)
	router.Get("/ready", h.Ready)
	router.Handle("/metrics", promhttp.Handler())
	router.Post("/points/calculate", h.CalculatePoints)

	router.Route("/rules", h.ruleRoutes)
	router.Route("/transactions", h.transactionRoutes)
	router.Route("/ledger/{customerId}", h.ledgerRoutes)

	return &Server{router: router, handler: h, config: cfg}
}

func (h *Handler) ruleRoutes(r chi.Router) {
	r.Get("/", h.ListRules)
	r.Post("/", h.CreateRule)
	r.Post("/applicable", h.ApplicableRules)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.GetRule)
		r.Put("/", h.UpdateRule)
		r.Delete("/", h.DeactivateRule)
	})
}

func (h *Handler) transactionRoutes(r chi.Router) {
	r.Post("/", h.RecordTransaction)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.GetTransaction)
		r.Put("/", h.RecalculateTransaction)
		r.Post("/finalize", h.FinalizeTransaction)
	})
}

func (h *Handler) ledgerRoutes(r chi.Router) {
	r.Post("/transfer", h.TransferPoints)
	r.Route("/{merchantId}", func(r chi.Router) {
		r.Get("/", h.GetBalance)
		r.Post("/spend", h.SpendPoints)
	})
}

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  idleTimeout,
		ErrorLog:     slog.NewLogLogger(s.handler.logger.Handler(), slog.LevelError),
	}

	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the mux so tests can drive it with httptest.
func (s *Server) Router() *chi.Mux {
	return s.router
}
