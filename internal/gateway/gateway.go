// ABOUTME: Gateway orchestrator that wires the relay core to HTTP and gRPC servers
// ABOUTME: Owns the store, token manager, dedupe cache, and server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/directline"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/token"
)

// Gateway orchestrates the coven-relay server components.
type Gateway struct {
	config     *config.Config
	store      *store.SQLiteStore
	relay      *relay.Service
	tokens     *token.Manager
	replies    *dedupe.Cache
	verifier   *auth.JWTVerifier // nil when reply auth is disabled
	httpServer *http.Server
	grpcServer *grpc.Server // served only when server.grpc_addr is set
	health     *health.Server
	logger     *slog.Logger

	// requestCtx parents every HTTP request context; Shutdown cancels it so
	// waits in flight end before the store closes.
	requestCtx    context.Context
	cancelRequest context.CancelFunc
}

// initStore opens the SQLite store and configures secret sealing.
// COVEN_RELAY_DB_PATH overrides database.path.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	if cfg.Database.SecretKey == "" {
		logger.Warn("database.secret_key not set - agent secrets are stored in plaintext")
		return s, nil
	}

	sealer, err := store.NewSecretSealer(cfg.Database.SecretKey)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating secret sealer: %w", err)
	}
	s.SetSecretSealer(sealer)
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	client := directline.NewClient(directline.Options{
		BaseURL:   cfg.Upstream.BaseURL,
		Timeout:   cfg.Upstream.RequestTimeout,
		RateLimit: cfg.Upstream.RateLimit,
		RateBurst: cfg.Upstream.RateBurst,
		Logger:    logger,
	})

	tokens := token.NewManager(client, s, token.Options{
		Lease:        cfg.Tokens.Lease,
		SafetyMargin: cfg.Tokens.SafetyMargin,
		Logger:       logger,
	})

	replies := dedupe.New(dedupe.Options{
		TTL:        cfg.Dedupe.TTL,
		MaxEntries: cfg.Dedupe.MaxEntries,
	})

	poller := relay.NewPoller(client, relay.PollerOptions{
		InitialInterval: cfg.Polling.InitialInterval,
		MaxInterval:     cfg.Polling.MaxInterval,
		Credentials:     tokens,
		Logger:          logger,
	})

	svc := relay.New(s, tokens, client, relay.Options{
		ParentID:    cfg.Upstream.ParentID,
		DefaultWait: cfg.Polling.DefaultWait,
		MaxWait:     cfg.Polling.MaxWait,
		Poller:      poller,
		Replies:     replies,
		Logger:      logger,
	})

	gw := &Gateway{
		config:  cfg,
		store:   s,
		relay:   svc,
		tokens:  tokens,
		replies: replies,
		logger:  logger.With("component", "gateway"),
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			replies.Close()
			_ = s.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	} else {
		gw.logger.Warn("reply auth disabled - no jwt_secret configured")
	}

	gw.grpcServer, gw.health = newGRPCServer()

	gw.requestCtx, gw.cancelRequest = context.WithCancel(context.Background())
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gw.requestCtx },
	}

	setServing(gw.health, true)
	return gw, nil
}

// Relay returns the relay service.
func (g *Gateway) Relay() *relay.Service {
	return g.relay
}

// Handler returns the HTTP handler with every route registered.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("POST /api/agents", g.handleRegisterAgent)
	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", g.handleGetAgent)
	mux.HandleFunc("GET /api/agents/capability/{capability}", g.handleFindAgent)
	mux.HandleFunc("POST /api/messages", g.handleSendMessage)
	mux.HandleFunc("GET /api/turns/latest", g.handleLatestTurn)
	mux.HandleFunc("GET /api/conversations/{id}/turns", g.handleConversationTurns)

	// Child reply pushes - auth required if JWT secret is configured
	var verifier auth.TokenVerifier
	if g.verifier != nil {
		verifier = g.verifier
	}
	requireAgent := auth.RequireAgent(verifier, func(r *http.Request) string { return r.PathValue("id") })
	mux.Handle("POST /api/agents/{id}/replies", requireAgent(http.HandlerFunc(g.handleChildReply)))

	return mux
}

// setupListeners creates TCP listeners for HTTP and, when configured, gRPC.
func (g *Gateway) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting relay",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr == "" {
		return httpLn, nil, nil
	}

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

// Run starts the servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners()
	if err != nil {
		return err
	}
	return g.Serve(ctx, httpLn, grpcLn)
}

// Serve runs the servers on the given listeners until ctx is canceled.
// grpcLn may be nil to skip the gRPC health endpoint.
func (g *Gateway) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	errCh := g.startServers(httpLn, grpcLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down relay")
	setServing(g.health, false)

	// Pending waits end as timed out and their responses drain below.
	g.cancelRequest()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	g.replies.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store is reachable and at least one agent is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Error("store not reachable", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}

	agents, err := g.relay.ListAgents(r.Context())
	if err != nil || len(agents) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(agents))
}
