// ABOUTME: Fake remote control for exercising a hub without real browsers
// ABOUTME: Usage: fake-rc [-hub http://localhost:4444] [-port 5555] [-env "*firefox,*iexplore"]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/2389/gridhub/internal/client"
)

// remoteControl registers environments with a hub, answers liveness probes
// and keeps its registration alive.
type remoteControl struct {
	hub          *client.Client
	host         string
	port         int
	environments []string
	heartbeat    time.Duration
	logger       *slog.Logger
}

func main() {
	hubURL := flag.String("hub", "http://localhost:4444", "hub base URL")
	host := flag.String("host", "localhost", "host the hub should reach this remote control on")
	port := flag.Int("port", 5555, "port to listen on")
	envs := flag.String("env", "*firefox", "comma separated environments")
	heartbeat := flag.Duration("heartbeat", 10*time.Second, "registration check interval")
	token := flag.String("token", os.Getenv("GRIDHUB_TOKEN"), "agent bearer token")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "fake-rc")

	var environments []string
	for _, e := range strings.Split(*envs, ",") {
		if e = strings.TrimSpace(e); e != "" {
			environments = append(environments, e)
		}
	}

	rc := &remoteControl{
		hub:          client.New(*hubURL, client.WithToken(*token)),
		host:         *host,
		port:         *port,
		environments: environments,
		heartbeat:    *heartbeat,
		logger:       logger,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(*port)))
	if err != nil {
		logger.Error("listen failed", "error", err)
		os.Exit(1)
	}
	if err := rc.run(ctx, ln); err != nil {
		logger.Error("fake-rc stopped", "error", err)
		os.Exit(1)
	}
}

// driverHandler answers the hub's liveness probe and any driver command.
func driverHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/selenium-server/driver/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

func (rc *remoteControl) specs() []client.AgentSpec {
	out := make([]client.AgentSpec, 0, len(rc.environments))
	for _, env := range rc.environments {
		out = append(out, client.AgentSpec{Host: rc.host, Port: rc.port, Environment: env})
	}
	return out
}

func (rc *remoteControl) register(ctx context.Context) error {
	for _, spec := range rc.specs() {
		if _, err := rc.hub.Register(ctx, spec); err != nil {
			return fmt.Errorf("registering %s: %w", spec.Environment, err)
		}
		rc.logger.Info("registered", "environment", spec.Environment, "hub", rc.hub.BaseURL())
	}
	return nil
}

func (rc *remoteControl) unregister(ctx context.Context) {
	for _, spec := range rc.specs() {
		if _, err := rc.hub.Unregister(ctx, spec); err != nil {
			rc.logger.Warn("unregister failed", "environment", spec.Environment, "error", err)
		}
	}
}

// checkRegistration re-registers when the hub no longer knows this endpoint.
func (rc *remoteControl) checkRegistration(ctx context.Context) error {
	registered, err := rc.hub.Heartbeat(ctx, rc.host, rc.port)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if registered {
		return nil
	}
	rc.logger.Warn("hub forgot this remote control, registering again")
	return rc.register(ctx)
}

// run serves on ln, registers, heartbeats until ctx ends, then unregisters.
func (rc *remoteControl) run(ctx context.Context, ln net.Listener) error {
	if len(rc.environments) == 0 {
		return errors.New("no environments to register")
	}

	srv := &http.Server{Handler: driverHandler(), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := rc.register(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(rc.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			unregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			rc.unregister(unregisterCtx)
			rc.logger.Info("unregistered, exiting")
			return nil
		case err := <-serveErr:
			return fmt.Errorf("serving driver endpoint: %w", err)
		case <-ticker.C:
			if err := rc.checkRegistration(ctx); err != nil {
				rc.logger.Warn("registration check failed", "error", err)
			}
		}
	}
}
