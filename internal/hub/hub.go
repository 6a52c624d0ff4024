// ABOUTME: Hub orchestrator that coordinates the agent pool with gRPC and HTTP servers
// ABOUTME: Manages listeners (TCP or tsnet), the event ledger, metrics and the sweeper lifecycle

package hub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/gridhub/internal/agent"
	"github.com/2389/gridhub/internal/auth"
	"github.com/2389/gridhub/internal/config"
	"github.com/2389/gridhub/internal/metrics"
	"github.com/2389/gridhub/internal/pool"
	"github.com/2389/gridhub/internal/store"
)

// Hub owns the agent pool and every surface that exposes it.
type Hub struct {
	config   *config.Config
	registry *pool.Registry
	store    store.Store
	ledger   *ledger
	metrics  *metrics.Metrics
	prober   agent.Prober
	verifier auth.TokenVerifier
	sweeper  *Sweeper
	logger   *slog.Logger

	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	handler     http.Handler
}

// initStore opens the SQLite ledger. GRIDHUB_DB_PATH overrides database.path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("GRIDHUB_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Hub backed by the SQLite ledger and an HTTP liveness prober.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	prober := agent.NewHTTPProber(&http.Client{}, cfg.Health.ProbeTimeout)
	h, err := newHub(cfg, s, prober, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return h, nil
}

// newHub wires a Hub around the given store and prober.
func newHub(cfg *config.Config, s store.Store, prober agent.Prober, logger *slog.Logger) (*Hub, error) {
	registry := pool.NewRegistry(pool.Options{
		WaitInterval: cfg.Pool.WaitInterval,
		MaxWakeups:   cfg.Pool.MaxWakeups,
		Logger:       logger,
	})

	h := &Hub{
		config:   cfg,
		registry: registry,
		store:    s,
		ledger:   newLedger(s, logger),
		metrics:  metrics.New(registry),
		prober:   prober,
		logger:   logger.With("component", "hub"),
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		h.verifier = verifier
	}

	h.grpcServer, h.health = newGRPCServer(h.logger)
	h.updateHealth()

	h.sweeper = NewSweeper(SweeperConfig{
		Registry:         registry,
		Prober:           prober,
		Ledger:           h.ledger,
		Metrics:          h.metrics,
		Store:            s,
		Interval:         cfg.Health.ProbeInterval,
		IdleTimeout:      cfg.Health.SessionIdleTimeout,
		ProbeConcurrency: cfg.Health.ProbeConcurrency,
		Retention:        cfg.Database.Retention,
		OnChange:         h.updateHealth,
		Logger:           logger,
	})

	h.handler = h.routes()
	h.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           h.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return h, nil
}

// Registry exposes the pool.
func (h *Hub) Registry() *pool.Registry {
	return h.registry
}

// Handler returns the HTTP handler serving the API, console and health endpoints.
func (h *Hub) Handler() http.Handler {
	return h.handler
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (h *Hub) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	h.logger.Info("starting hub",
		"grpc_addr", h.config.Server.GRPCAddr,
		"http_addr", h.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", h.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", h.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (h *Hub) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if h.config.Tailscale.Enabled {
		if h.config.Server.GRPCAddr != "" || h.config.Server.HTTPAddr != "" {
			h.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return h.setupTailscaleListeners(ctx)
	}
	return h.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (h *Hub) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		h.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := h.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		h.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := h.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts the servers and the sweeper and blocks until ctx is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (h *Hub) Run(ctx context.Context) error {
	grpcLn, httpLn, err := h.setupListeners(ctx)
	if err != nil {
		return err
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		h.sweeper.Run(sweepCtx)
	}()

	errCh := h.startServers(grpcLn, httpLn)

	var serverErr error
	select {
	case <-ctx.Done():
		h.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		h.logger.Error("server error", "error", serverErr)
	}

	stopSweeper()
	<-sweepDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := h.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens on :50051 for gRPC
// and :80, :443 or Funnel for HTTP.
func (h *Hub) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := h.config.Tailscale

	stateDir, err := filepath.Abs(tsCfg.StateDir)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving tailscale state dir: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	h.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	h.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := h.tsnetServer.Up(ctx)
	if err != nil {
		_ = h.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	h.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = h.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = h.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = h.tailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		_ = h.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

func (h *Hub) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		h.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	h.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

func (h *Hub) tailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		h.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := h.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		h.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := h.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := h.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := h.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (h *Hub) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		h.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		h.grpcServer.Stop()
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
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("shutting down hub")

	h.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", h.httpServer.Shutdown(ctx))

	h.shutdownGRPCServer(ctx)

	if h.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", h.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", h.store.Close())

	return errors.Join(errs...)
}
