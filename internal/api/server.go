package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/keelguard/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. metrics is mounted at metricsPath when
// not nil.
func NewServer(cfg domain.ServerConfig, deps Deps, metrics http.Handler, metricsPath string) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if metrics != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		router.Method(http.MethodGet, metricsPath, metrics)
	}

	// Event ingestion and scoring
	router.Post("/booking-events", handler.IngestEvent)
	router.Post("/analyze-fraud", handler.AnalyzeFraud)

	// Fraud profiles
	router.Get("/fraud-profile/{userId}", handler.GetProfile)
	router.Post("/fraud-profile/{userId}/rebuild", handler.RebuildProfile)
	router.Get("/fraud-profiles", handler.ListProfiles)
	router.Get("/flagged-users", handler.FlaggedUsers)
	router.Get("/fraud-statistics", handler.FraudStatistics)
	router.Get("/assessments/{userId}", handler.ListAssessments)

	// Learned model
	router.Get("/python-service-status", handler.ModelStatus)

	// Baseline comparison
	router.Get("/compare-with-hotel", handler.CompareWithHotel)
	router.Get("/compare-with-hotel/{userId}", handler.CompareWithHotel)
	router.Get("/baseline", handler.GetBaseline)
	router.Put("/baseline", handler.ReplaceBaseline)

	// Cancellation reasons
	router.Get("/cancellation-reason-analysis", handler.ReasonAnalysis)
	router.Get("/cancellation-reason-analysis/{userId}", handler.ReasonAnalysis)

	// Custom rules
	router.Get("/rules", handler.ListRules)
	router.Post("/rules", handler.CreateRule)
	router.Post("/rules/reload", handler.ReloadRules)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
