// Package server exposes deposits, stats and the orchestrator event stream over HTTP.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"darkpool/internal/chain"
	"darkpool/internal/config"
	"darkpool/internal/deposit"
	"darkpool/internal/hmacauth"
	"darkpool/internal/journal"
	"darkpool/internal/stats"
	"darkpool/internal/vault"
)

// Dependencies are the components the server exposes. All are required.
type Dependencies struct {
	Config       *config.AppConfig
	Chain        chain.Client
	Reader       *vault.Reader
	Orchestrator *deposit.Orchestrator
	Stats        *stats.ViewModel
	Journal      journal.Store
	Logger       *zap.Logger
}

type Server struct {
	cfg          *config.AppConfig
	chain        chain.Client
	reader       *vault.Reader
	orchestrator *deposit.Orchestrator
	stats        *stats.ViewModel
	journal      journal.Store
	logger       *zap.Logger

	hmac        *hmacauth.Verifier
	metrics     *metricsRegistry
	events      *eventHub
	router      *mux.Router
	httpServer  *http.Server
	unsubscribe []func()
}

func NewServer(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("server")

	metrics := newMetricsRegistry(deps.Stats.Stale)
	s := &Server{
		cfg:          deps.Config,
		chain:        deps.Chain,
		reader:       deps.Reader,
		orchestrator: deps.Orchestrator,
		stats:        deps.Stats,
		journal:      deps.Journal,
		logger:       logger,
		hmac: &hmacauth.Verifier{
			Secret:  deps.Config.Service.HMACSecret,
			MaxSkew: deps.Config.Service.HMACClockSkew,
			Logger:  logger,
		},
		metrics: metrics,
		events:  newEventHub(deps.Config.Token.Decimals, metrics, logger.Named("events")),
	}

	s.unsubscribe = append(s.unsubscribe,
		s.orchestrator.Subscribe(metrics.HandleEvent),
		s.orchestrator.Subscribe(s.events.HandleEvent),
	)

	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(deps.Config.Service.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(s.logger))
	router.Use(corsMiddleware())
	router.Use(recoveryMiddleware(s.logger))

	api := router.PathPrefix("/api/v1").Subrouter()

	signed := api.NewRoute().Subrouter()
	signed.Use(s.hmac.Middleware)
	signed.HandleFunc("/deposits", s.handleCreateDeposit).Methods(http.MethodPost)
	signed.HandleFunc("/network", s.handleSwitchNetwork).Methods(http.MethodPost)

	api.HandleFunc("/deposits/{id}", s.handleGetDeposit).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/deposits", s.handleListDeposits).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/state", s.handleAccountState).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/stats", s.handleAccountStats).Methods(http.MethodGet)
	api.HandleFunc("/vault", s.handleVault).Methods(http.MethodGet)
	api.HandleFunc("/network", s.handleNetwork).Methods(http.MethodGet)
	api.HandleFunc("/events", s.events.serveWS).Methods(http.MethodGet)
	api.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	return router
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, closes event streams and detaches from the orchestrator.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	return multierr.Combine(
		s.events.Close(),
		s.httpServer.Shutdown(ctx),
	)
}
