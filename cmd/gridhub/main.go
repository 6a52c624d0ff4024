// ABOUTME: Entry point for the gridhub agent pool server
// ABOUTME: serve, init, token, health and agents subcommands

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/2389/gridhub/internal/auth"
	"github.com/2389/gridhub/internal/client"
	"github.com/2389/gridhub/internal/config"
	"github.com/2389/gridhub/internal/hub"
)

// Version is set at build time.
var version = "dev"

const banner = `
            _     _ _           _
  __ _ _ __(_) __| | |__  _   _| |__
 / _' | '__| |/ _' | '_ \| | | | '_ \
| (_| | |  | | (_| | | | | |_| | |_) |
 \__, |_|  |_|\__,_|_| |_|\__,_|_.__/
 |___/
`

// getDataPath returns the gridhub data directory.
// Priority: XDG_DATA_HOME/gridhub > ~/.local/share/gridhub
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "gridhub")
}

func printUsage() {
	fmt.Println("Usage: gridhub <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                Start the hub")
	fmt.Println("  init [--force]                       Write a starter config with a fresh JWT secret")
	fmt.Println("  token --role ROLE --subject NAME     Mint an API token (roles: agent, client, admin)")
	fmt.Println("        [--ttl 720h]")
	fmt.Println("  health [--addr host:port]            Query the gRPC health service")
	fmt.Println("  agents                               List registered agents")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx, os.Args[2:])
	case "agents":
		err = runAgents(ctx)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags reads "--name value" and "--name=value" pairs. Names listed in
// boolFlags take no value.
func parseFlags(args []string, valueFlags, boolFlags []string) (map[string]string, error) {
	known := func(list []string, name string) bool {
		for _, n := range list {
			if n == name {
				return true
			}
		}
		return false
	}

	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		switch {
		case known(boolFlags, name):
			out[name] = "true"
		case known(valueFlags, name):
			if !hasValue {
				if i+1 >= len(args) {
					return nil, fmt.Errorf("--%s requires a value", name)
				}
				value = args[i+1]
				i++
			}
			out[name] = value
		default:
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}
	return out, nil
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		} else if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Pool:      wait %s x%d", cfg.Pool.WaitInterval, cfg.Pool.MaxWakeups)
	if cfg.Auth.JWTSecret == "" {
		yellow.Print(" [no auth]")
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting gridhub",
		"config", configPath,
		"version", version,
	)

	h, err := hub.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}
	return h.Run(ctx)
}

func runInit(args []string) error {
	flags, err := parseFlags(args, nil, []string{"force"})
	if err != nil {
		return err
	}

	configPath := config.DefaultPath()
	if _, err := os.Stat(configPath); err == nil && flags["force"] == "" {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	dbPath := filepath.Join(getDataPath(), "gridhub.db")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(config.Template(dbPath, jwtSecret)), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	green.Printf("  ✓ Database:       %s\n", dbPath)
	fmt.Println()
	fmt.Println("  Next:")
	fmt.Println("    gridhub token --role admin --subject $USER   # mint an operator token")
	fmt.Println("    gridhub serve")
	return nil
}

func runToken(args []string) error {
	flags, err := parseFlags(args, []string{"role", "subject", "ttl"}, nil)
	if err != nil {
		return err
	}

	role := auth.Role(flags["role"])
	if !role.Valid() {
		return fmt.Errorf("--role must be one of agent, client, admin")
	}
	subject := strings.TrimSpace(flags["subject"])
	if subject == "" {
		return errors.New("--subject is required")
	}
	ttl := 30 * 24 * time.Hour
	if v := flags["ttl"]; v != "" {
		ttl, err = time.ParseDuration(v)
		if err != nil || ttl <= 0 {
			return fmt.Errorf("invalid --ttl %q", v)
		}
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(subject, role, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// dialAddr turns a listen address into one a local client can reach.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// hubURL returns GRIDHUB_URL or the configured HTTP address.
func hubURL(cfg *config.Config) (string, error) {
	if u := os.Getenv("GRIDHUB_URL"); u != "" {
		return u, nil
	}
	if cfg.Server.HTTPAddr == "" {
		return "", errors.New("server.http_addr is empty; set GRIDHUB_URL")
	}
	return "http://" + dialAddr(cfg.Server.HTTPAddr), nil
}

func runHealth(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, []string{"addr"}, nil)
	if err != nil {
		return err
	}

	addr := flags["addr"]
	if addr == "" {
		cfg, err := config.Load(config.DefaultPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		addr = dialAddr(cfg.Server.GRPCAddr)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: hub.PoolServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	fmt.Println(string(out))

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("pool not serving: %s", resp.GetStatus())
	}
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	baseURL, err := hubURL(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, client.DefaultTimeout)
	defer cancel()

	c := client.New(baseURL, client.WithToken(os.Getenv("GRIDHUB_TOKEN")))
	agents, err := c.ListAgents(ctx, "")
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	if len(agents) == 0 {
		fmt.Println("No agents registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tENVIRONMENT\tSTATE\tSESSION")
	for _, a := range agents {
		state := "free"
		if a.Reserved {
			state = "reserved"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", net.JoinHostPort(a.Host, fmt.Sprint(a.Port)), a.Environment, state, a.SessionID)
	}
	return w.Flush()
}
