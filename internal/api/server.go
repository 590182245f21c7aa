package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string
	Port         int
	TokenSecret  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
}

// Server is the HTTP API surface of the service
type Server struct {
	logger      *logrus.Logger
	router      *mux.Router
	httpServer  *http.Server
	handlers    *Handlers
	tokenSecret string
}

// NewServer creates the API server and wires its routes
func NewServer(cfg ServerConfig, handlers *Handlers, logger *logrus.Logger) *Server {
	cfg.applyDefaults()

	s := &Server{
		logger:      logger,
		router:      mux.NewRouter(),
		handlers:    handlers,
		tokenSecret: cfg.TokenSecret,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Liveness endpoint, no auth
	api.HandleFunc("/health", s.handlers.HealthCheck).Methods("GET")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(s.authMiddleware)

	// Device management
	protected.HandleFunc("/devices", s.handlers.ListDevices).Methods("GET")
	protected.HandleFunc("/devices", s.handlers.RegisterDevice).Methods("POST")
	protected.HandleFunc("/devices/{deviceId}", s.handlers.GetDevice).Methods("GET")
	protected.HandleFunc("/devices/{deviceId}", s.handlers.DeleteDevice).Methods("DELETE")
	protected.HandleFunc("/devices/{deviceId}/probe", s.handlers.ProbeDevice).Methods("POST")
	protected.HandleFunc("/devices/{deviceId}/info", s.handlers.DeviceInfo).Methods("GET")
	protected.HandleFunc("/devices/{deviceId}/sync", s.handlers.SyncDevice).Methods("POST")
	protected.HandleFunc("/devices/{deviceId}/push-templates", s.handlers.PushTemplates).Methods("POST")

	// Enrollment sessions
	protected.HandleFunc("/enrollments", s.handlers.StartEnrollment).Methods("POST")
	protected.HandleFunc("/enrollments/{id}", s.handlers.GetEnrollment).Methods("GET")
	protected.HandleFunc("/enrollments/{id}", s.handlers.CancelEnrollment).Methods("DELETE")

	// Per-student fingerprint state
	protected.HandleFunc("/students/{studentId}/devices/{deviceId}/fingers", s.handlers.ListFingers).Methods("GET")
	protected.HandleFunc("/students/{studentId}/devices/{deviceId}/fingers/{finger}", s.handlers.DeleteFinger).Methods("DELETE")

	// Event stream
	protected.HandleFunc("/ws", s.handlers.WebSocketHandler).Methods("GET")
}

// Start runs the server until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		return s.Shutdown()
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown stops the server, letting in-flight requests finish
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Error during server shutdown")
		return err
	}

	s.logger.Info("API server shutdown complete")
	return nil
}
