package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/EliRibble/stalwart-mail-server/internal/config"
	"github.com/EliRibble/stalwart-mail-server/internal/directory"
	"github.com/EliRibble/stalwart-mail-server/internal/metrics"
	"github.com/EliRibble/stalwart-mail-server/internal/middleware"
	"github.com/EliRibble/stalwart-mail-server/internal/stores"
)

// Server is the admin HTTP surface of the storage core. It reports health,
// exposes metrics and answers lookup queries.
type Server struct {
	config         *config.Config
	httpServer     *http.Server
	stores         *stores.Stores
	directory      *directory.LookupDirectory
	metricsManager metrics.Manager
	purgeWorker    *stores.PurgeWorker
	logger         *logrus.Logger
	startTime      time.Time
}

// New creates a server over already opened stores. The server takes
// ownership of st and closes it on shutdown.
func New(cfg *config.Config, st *stores.Stores, m metrics.Manager, logger *logrus.Logger) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if m == nil {
		m = metrics.Noop()
	}

	dir, err := directory.NewFromConfig(cfg, st, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := st.Store("")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data store: %w", err)
	}
	blobs, err := st.BlobStore("")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob store: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	server := &Server{
		config:         cfg,
		httpServer:     httpServer,
		stores:         st,
		directory:      dir,
		metricsManager: m,
		purgeWorker:    stores.NewPurgeWorker(data, blobs, m, logger).WithLookupStores(st.LookupStores),
		logger:         logger,
		startTime:      time.Now(),
	}
	server.setupRoutes()
	return server, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// PurgeWorker returns the blob purge worker.
func (s *Server) PurgeWorker() *stores.PurgeWorker {
	return s.purgeWorker
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"address":  s.config.Listen,
		"data_dir": s.config.DataDir,
	}).Info("Starting storage admin server")

	s.purgeWorker.Start(ctx, s.config.Blob.PurgeInterval)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		s.logger.WithError(err).Error("Admin server error")
		s.shutdown()
		return fmt.Errorf("admin server failed: %w", err)
	}
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down storage admin server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown admin server")
	}

	s.purgeWorker.Stop()

	if err := s.stores.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close stores")
		return err
	}
	return nil
}

func (s *Server) setupRoutes() {
	router := mux.NewRouter()
	router.Use(middleware.Logging(s.logger))

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	if s.metricsManager.IsEnabled() {
		router.Handle(s.config.Metrics.Path, s.metricsManager.Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/lookup/{store}/{key}", s.handleLookupGet).Methods(http.MethodGet)
	api.HandleFunc("/directory/domains/{domain}", s.handleDomain).Methods(http.MethodGet)
	api.HandleFunc("/directory/recipients/{address}", s.handleRecipient).Methods(http.MethodGet)
	api.HandleFunc("/blobs/purge", s.handlePurge).Methods(http.MethodPost)

	s.httpServer.Handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.logger),
		handlers.PrintRecoveryStack(false),
	)(router)
}
