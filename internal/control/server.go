// Package control is the local HTTP surface for inspecting and steering the
// proxy: recent events, domain and approval management, chain verification,
// stats and Prometheus metrics.
package control

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardgate/wardgate/internal/approval"
	"github.com/wardgate/wardgate/internal/domain"
	"github.com/wardgate/wardgate/internal/intercept"
	"github.com/wardgate/wardgate/internal/policy"
	"github.com/wardgate/wardgate/internal/storage"
)

// Server is the control API HTTP server.
type Server struct {
	router      *mux.Router
	logger      *slog.Logger
	addr        string
	policies    *policy.Store
	domains     *domain.Ledger
	approvals   *approval.Queue
	interceptor *intercept.Interceptor
	dao         storage.DAO
}

// NewServer wires the control API routes.
func NewServer(
	addr string,
	policies *policy.Store,
	domains *domain.Ledger,
	approvals *approval.Queue,
	interceptor *intercept.Interceptor,
	dao storage.DAO,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:      mux.NewRouter(),
		logger:      logger,
		addr:        addr,
		policies:    policies,
		domains:     domains,
		approvals:   approvals,
		interceptor: interceptor,
		dao:         dao,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/requests", s.handleRequests).Methods(http.MethodGet)
	api.HandleFunc("/agents", s.handleAgents).Methods(http.MethodGet)
	api.HandleFunc("/domains", s.handleDomains).Methods(http.MethodGet)
	api.HandleFunc("/domains/{domain}/approve", s.handleDomainApprove).Methods(http.MethodPost)
	api.HandleFunc("/domains/{domain}/deny", s.handleDomainDeny).Methods(http.MethodPost)
	api.HandleFunc("/approvals", s.handleApprovals).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}/approve", s.handleApprovalApprove).Methods(http.MethodPost)
	api.HandleFunc("/approvals/{id}/deny", s.handleApprovalDeny).Methods(http.MethodPost)
	api.HandleFunc("/policies", s.handlePolicies).Methods(http.MethodGet)
	api.HandleFunc("/verify", s.handleVerify).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// ListenAndServe starts the control server and shuts it down when the
// context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting control api", "addr", s.addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the HTTP handler for embedding in tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
