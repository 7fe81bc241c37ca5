// ABOUTME: Entry point for coven-relay, the parent-to-child Direct Line relay
// ABOUTME: Provides serve, init, health, agents, and token commands

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                  _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// defaultTokenTTL is the lifetime of tokens minted by the token command.
const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the relay config file.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

func usage() {
	fmt.Println("Usage: coven-relay <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                     Start the relay server")
	fmt.Println("  init                      Write a starter config with fresh secrets")
	fmt.Println("  health                    Check relay health")
	fmt.Println("  agents                    List registered agents")
	fmt.Println("  token --agent ID [--ttl]  Mint a reply-push token for an agent")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

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
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Upstream:  %s", cfg.Upstream.BaseURL)
	gray.Printf(" as %s\n", cfg.Upstream.ParentID)
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Reply pushes are unauthenticated (no auth.jwt_secret)")
	}
	fmt.Println()

	logger.Info("starting coven-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"upstream", cfg.Upstream.BaseURL,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	return gw.Run(ctx)
}

func getJSON(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	status, _, err := getJSON(ctx, fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	status, body, err := getJSON(ctx, fmt.Sprintf("http://%s/api/agents", cfg.Server.HTTPAddr))
	if err != nil {
		return fmt.Errorf("listing agents failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing agents: status %d: %s", status, strings.TrimSpace(string(body)))
	}

	var agents []gateway.AgentResponse
	if err := json.Unmarshal(body, &agents); err != nil {
		return fmt.Errorf("decoding agents: %w", err)
	}

	if len(agents) == 0 {
		fmt.Println("no agents registered")
		return nil
	}

	cyan := color.New(color.FgCyan)
	for _, a := range agents {
		cyan.Printf("%-20s", a.ID)
		fmt.Printf(" %-24s %s\n", a.Name, strings.Join(a.Capabilities, ","))
	}
	return nil
}

// tokenArgs holds the parsed arguments of the token command.
type tokenArgs struct {
	agentID string
	ttl     time.Duration
}

// parseTokenArgs supports both "--flag value" and "--flag=value" forms.
func parseTokenArgs(args []string) (tokenArgs, error) {
	parsed := tokenArgs{ttl: defaultTokenTTL}

	value := func(i *int, name string) (string, error) {
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		*i++
		return args[*i], nil
	}

	var ttlRaw string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		var err error
		switch {
		case arg == "--agent" || arg == "-a":
			parsed.agentID, err = value(&i, "--agent")
		case strings.HasPrefix(arg, "--agent="):
			parsed.agentID = strings.TrimPrefix(arg, "--agent=")
		case arg == "--ttl":
			ttlRaw, err = value(&i, "--ttl")
		case strings.HasPrefix(arg, "--ttl="):
			ttlRaw = strings.TrimPrefix(arg, "--ttl=")
		case strings.HasPrefix(arg, "-"):
			return parsed, fmt.Errorf("unknown flag: %s", arg)
		default:
			return parsed, fmt.Errorf("unexpected argument: %s", arg)
		}
		if err != nil {
			return parsed, err
		}
	}

	parsed.agentID = strings.TrimSpace(parsed.agentID)
	if parsed.agentID == "" {
		return parsed, errors.New("--agent flag is required")
	}

	if ttlRaw != "" {
		ttl, err := time.ParseDuration(ttlRaw)
		if err != nil {
			return parsed, fmt.Errorf("invalid --ttl: %w", err)
		}
		if ttl <= 0 {
			return parsed, errors.New("--ttl must be positive")
		}
		parsed.ttl = ttl
	}
	return parsed, nil
}

// runToken mints an HS256 token that authorizes reply pushes for one agent.
func runToken(args []string, out io.Writer) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured; reply pushes are unauthenticated")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	token, err := verifier.Generate(parsed.agentID, parsed.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	_, err = fmt.Fprintln(out, token)
	return err
}

// randomSecret returns 32 random bytes, base64 encoded.
func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// starterConfig renders a config file with the given secrets.
func starterConfig(dbPath, jwtSecret, secretKey string) string {
	return fmt.Sprintf(`# coven-relay configuration
# Generated by coven-relay init

server:
  http_addr: "127.0.0.1:8090"
  # grpc_addr: "127.0.0.1:50052"  # grpc.health.v1 endpoint

database:
  path: %q
  secret_key: %q

auth:
  jwt_secret: %q

upstream:
  base_url: "https://directline.botframework.com/v3/directline"
  parent_id: "parentBot"
  request_timeout: "15s"
  rate_limit: 20
  rate_burst: 40

tokens:
  lease: "25m"
  safety_margin: "1m"

polling:
  initial_interval: "250ms"
  max_interval: "2s"
  default_wait: "30s"
  max_wait: "2m"

dedupe:
  ttl: "10m"
  max_entries: 10000

logging:
  level: "info"
  format: "text"
`, dbPath, secretKey, jwtSecret)
}

// runInit writes a starter config with freshly generated secrets.
// An existing config is never overwritten.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	jwtSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	secretKey, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating secret key: %w", err)
	}

	dbPath := config.DefaultDatabasePath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(starterConfig(dbPath, jwtSecret, secretKey)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Printf("  Database: %s\n", dbPath)
	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Println("    coven-relay serve")
	return nil
}
