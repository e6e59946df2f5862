// ABOUTME: Gateway orchestrator that wires store, bridge, events, and the HTTP server
// ABOUTME: Manages component lifecycle from startup through graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/myroxas/support-gateway/internal/api"
	"github.com/myroxas/support-gateway/internal/auth"
	"github.com/myroxas/support-gateway/internal/bridge"
	"github.com/myroxas/support-gateway/internal/config"
	"github.com/myroxas/support-gateway/internal/events"
	"github.com/myroxas/support-gateway/internal/queue"
	"github.com/myroxas/support-gateway/internal/store"
)

// Gateway orchestrates the support-gateway server components.
type Gateway struct {
	config     *config.Config
	store      store.Store
	bridge     bridge.Bridge
	publisher  events.Publisher
	service    *queue.Service
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("MYROXAS_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initPublisher creates the event publisher, or a no-op one when event
// publishing is disabled.
func initPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	if !cfg.Events.Enabled {
		logger.Info("event publishing disabled")
		return events.NopPublisher{}, nil
	}

	pub, err := events.NewRabbitPublisher(cfg.Events.URL, cfg.Events.Exchange, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}
	return pub, nil
}

// New creates a Gateway with all components wired together.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	matrixBridge, err := bridge.NewMatrixBridge(cfg.Matrix, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating matrix bridge: %w", err)
	}

	publisher, err := initPublisher(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	broadcaster := queue.NewBroadcaster(logger.With("component", "broadcaster"))
	service := queue.New(s, matrixBridge, publisher, broadcaster, logger)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	gw := &Gateway{
		config:    cfg,
		store:     s,
		bridge:    matrixBridge,
		publisher: publisher,
		service:   service,
		logger:    logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /healthz", gw.handleHealth)
	mux.HandleFunc("GET /healthz/ready", gw.handleReady)

	apiHandlers := api.New(service, logger)
	apiHandlers.Register(mux, verifier)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the HTTP server and blocks until the context is canceled or
// the server fails. Shutdown is always attempted before returning.
func (g *Gateway) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", listener.Addr().String())
		if err := g.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and closes the publisher and store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down")

	var firstErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		g.logger.Error("HTTP server shutdown", "error", err)
		firstErr = err
	}

	if err := g.publisher.Close(); err != nil {
		g.logger.Error("closing publisher", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if err := g.store.Close(); err != nil {
		g.logger.Error("closing store", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReady also checks the database connection.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Error("readiness check failed", "error", err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
