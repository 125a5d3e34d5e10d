package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"aegis/dispatch"
	"aegis/feeds"
	"aegis/ingest"
	"aegis/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	Auth           AuthConfig
	RequestLimit   RequestLimiterConfig
}

// Server exposes the REST and websocket API
type Server struct {
	config        ServerConfig
	gateway       *ingest.Gateway
	threats       storage.ThreatStorageInterface
	subscriptions storage.SubscriptionStorageInterface
	deliveries    storage.DeliveryStorageInterface
	matcher       *dispatch.Matcher
	inbox         *dispatch.Inbox
	feedManager   *feeds.Manager
	hub           *StreamHub
	logger        *zap.SugaredLogger

	requestLimiter *requestLimiter
	httpServer     *http.Server
}

// NewServer creates the API server. feedManager may be nil when feeds are
// disabled; the source endpoints then return 404.
func NewServer(
	config ServerConfig,
	gateway *ingest.Gateway,
	threats storage.ThreatStorageInterface,
	subscriptions storage.SubscriptionStorageInterface,
	deliveries storage.DeliveryStorageInterface,
	matcher *dispatch.Matcher,
	inbox *dispatch.Inbox,
	feedManager *feeds.Manager,
	hub *StreamHub,
	logger *zap.SugaredLogger,
) *Server {
	server := &Server{
		config:        config,
		gateway:       gateway,
		threats:       threats,
		subscriptions: subscriptions,
		deliveries:    deliveries,
		matcher:       matcher,
		inbox:         inbox,
		feedManager:   feedManager,
		hub:           hub,
		logger:        logger,
	}
	if config.RequestLimit.PerMinute > 0 {
		server.requestLimiter = newRequestLimiter(config.RequestLimit, logger)
	}
	return server
}

// Router builds the full route table
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(recoveryMiddleware(s.logger))
	router.Use(loggingMiddleware(s.logger))
	router.Use(corsMiddleware(s.config.AllowedOrigins))
	if s.requestLimiter != nil {
		router.Use(rateLimitMiddleware(s.requestLimiter))
	}
	router.Use(authMiddleware(s.config.Auth, s.logger))

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Threats
	v1.HandleFunc("/threats", s.handleSubmitThreat).Methods(http.MethodPost)
	v1.HandleFunc("/threats", s.handleListThreats).Methods(http.MethodGet)
	v1.HandleFunc("/threats/search", s.handleSearchThreats).Methods(http.MethodGet)
	v1.HandleFunc("/threats/{id}", s.handleGetThreat).Methods(http.MethodGet)
	v1.HandleFunc("/threats/{id}/status", requireAdmin(s.logger, s.handleUpdateThreatStatus)).Methods(http.MethodPut)

	// Subscriptions
	v1.HandleFunc("/subscriptions", s.handleCreateSubscription).Methods(http.MethodPost)
	v1.HandleFunc("/subscriptions", s.handleListSubscriptions).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/{id}", s.handleGetSubscription).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/{id}", s.handleUpdateSubscription).Methods(http.MethodPut)
	v1.HandleFunc("/subscriptions/{id}", s.handleDeleteSubscription).Methods(http.MethodDelete)
	v1.HandleFunc("/subscriptions/{id}/deliveries", s.handleListDeliveries).Methods(http.MethodGet)

	// In-app notifications
	v1.HandleFunc("/notifications", s.handleListNotifications).Methods(http.MethodGet)
	v1.HandleFunc("/notifications/{id}/read", s.handleMarkNotificationRead).Methods(http.MethodPost)

	// Real-time stream
	v1.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	// Admin
	v1.HandleFunc("/admin/broadcast", requireAdmin(s.logger, s.handleBroadcast)).Methods(http.MethodPost)
	v1.HandleFunc("/admin/sources", requireAdmin(s.logger, s.handleListSources)).Methods(http.MethodGet)
	v1.HandleFunc("/admin/sources/{name}/fetch", requireAdmin(s.logger, s.handleFetchSource)).Methods(http.MethodPost)

	return router
}

// Start begins serving; blocks until the listener fails or shuts down
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Infow("API server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.requestLimiter != nil {
		s.requestLimiter.stop()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}
