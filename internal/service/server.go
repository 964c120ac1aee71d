package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kristerhedfors/funcall/pkg/auth"
	"github.com/kristerhedfors/funcall/pkg/dispatch"
	"github.com/kristerhedfors/funcall/pkg/kv"
	"github.com/kristerhedfors/funcall/pkg/registry"
	"github.com/kristerhedfors/funcall/pkg/sandbox"
)

// Server is the top-level funcalld server that owns all subsystems.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      *registry.Store
	hub        *ConnectorHub
	logger     *slog.Logger
}

// NewServer creates a fully wired server from configuration.
//
// Architecture:
//   - The registry persists through Redis (or stays in-memory without it)
//   - The sandbox executor and the connector hub are the two execution paths
//   - The dispatch processor classifies each tool call between them
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	// --- Persistence ---
	var persist kv.Store
	if cfg.RedisURL != "" {
		rdb, err := kv.DialRedis(ctx, cfg.RedisURL, cfg.KVPrefix)
		if err != nil {
			return nil, fmt.Errorf("connecting to Redis: %w", err)
		}
		persist = rdb
		logger.Info("persisting through redis", "prefix", cfg.KVPrefix)
	} else {
		persist = kv.NewMemory()
		logger.Warn("FUNCALL_REDIS_URL not set, definitions will not survive restarts")
	}

	// --- Registry ---
	store := registry.New(persist, logger.With("component", "registry"))
	seedDefaults(store, logger)

	// --- Auth ---
	verifier := auth.NewVerifier(cfg.APIKeyHash, cfg.ConnectorKeyHash, cfg.AuthCacheTTL)

	// --- Execution paths ---
	exec := sandbox.NewExecutor(store, sandbox.Config{
		Timeout:       cfg.ExecTimeout,
		FetchMaxBytes: cfg.FetchMaxBytes,
		Logger:        logger.With("component", "sandbox"),
	})
	hub := NewConnectorHub(verifier, store, cfg.ConnectorJobTimeout, logger.With("component", "hub"))
	processor := dispatch.New(store, exec, hub, logger.With("component", "dispatch"))

	// --- Handlers ---
	api := NewAPIHandler(verifier, store, processor, hub, logger.With("component", "api"))

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/health", api)
	mux.Handle("/v1/", api)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "endpoint not found")
	})

	listenAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      store,
		hub:        hub,
		logger:     logger,
	}, nil
}

// seedDefaults installs the bundled default functions, enabled, without
// overwriting a persisted user definition of the same name.
func seedDefaults(store *registry.Store, logger *slog.Logger) {
	meta := &registry.CollectionMetadata{
		Name:      "Bundled defaults",
		CreatedAt: time.Now().UTC(),
		Source:    "builtin",
	}
	seeded := 0
	for _, def := range sandbox.DefaultDefinitions() {
		if store.Get(def.Name) != nil {
			continue
		}
		if store.Add(def, meta) {
			store.Enable(def.Name)
			seeded++
		}
	}
	if seeded > 0 {
		logger.Info("seeded bundled functions", "count", seeded)
	}
}

// Start begins serving HTTP connections. It blocks until the context is
// cancelled or the server encounters an error.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("funcalld starting",
		"addr", s.httpServer.Addr,
		"functions", len(s.store.List()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}
