// ABOUTME: Entry point for the toolhub server and its operator commands
// ABOUTME: serve runs the hub; init, token, health and status help operate it

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
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

	"github.com/2389/toolhub/internal/auth"
	"github.com/2389/toolhub/internal/config"
	"github.com/2389/toolhub/internal/hub"
)

// Version is set at build time.
var version = "dev"

const banner = `
 _              _ _           _
| |_ ___   ___ | | |__  _   _| |__
| __/ _ \ / _ \| | '_ \| | | | '_ \
| || (_) | (_) | | | | | |_| | |_) |
 \__\___/ \___/|_|_| |_|\__,_|_.__/
`

const defaultTokenTTL = 30 * 24 * time.Hour

// getDataPath returns the path to the toolhub data directory.
// Priority: XDG_DATA_HOME/toolhub > ~/.local/share/toolhub
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "toolhub")
}

func usage() {
	fmt.Println("Usage: toolhub <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                   Start the hub")
	fmt.Println("  init                    Create a new config file interactively")
	fmt.Println("  token --agent ID [--ttl DURATION]")
	fmt.Println("                          Issue a handshake token for an agent or client")
	fmt.Println("  health                  Check hub liveness")
	fmt.Println("  status                  Show connections, tools and pending invocations")
	fmt.Println("  version                 Print the version")
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
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runProbe(ctx, "/health")
	case "status":
		err = runProbe(ctx, "/health/ready")
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.ResolvePath()

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
	fmt.Printf("WebSocket: ws://%s%s\n", cfg.Server.Addr(), cfg.Server.Path)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   http://%s%s\n", cfg.Server.Addr(), cfg.Metrics.Path)
	}
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("History:   %s\n", cfg.Database.Path)
	}
	if cfg.Auth.Enabled {
		green.Print("    ▶ ")
		fmt.Println("Auth:      bearer tokens required")
	} else {
		yellow.Print("    ▶ ")
		fmt.Println("Auth:      disabled")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting toolhub",
		"config", configPath,
		"addr", cfg.Server.Addr(),
		"path", cfg.Server.Path,
	)

	h, err := hub.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}

	return h.Run(ctx)
}

// runProbe hits one of the hub's HTTP health endpoints and prints the body.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	url := fmt.Sprintf("http://%s:%d%s", host, cfg.Server.Port, path)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// runToken issues a JWT whose subject becomes the connection's principal.
// Supports both "--agent value" and "--agent=value" forms.
func runToken(args []string) error {
	var agentID string
	ttl := defaultTokenTTL

	for i := 0; i < len(args); i++ {
		arg := args[i]
		var name, value string
		switch {
		case arg == "--agent" || arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", arg)
			}
			name, value = arg, args[i+1]
			i++
		case strings.HasPrefix(arg, "--agent="), strings.HasPrefix(arg, "--ttl="):
			name, value, _ = strings.Cut(arg, "=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}

		switch name {
		case "--agent":
			agentID = strings.TrimSpace(value)
		case "--ttl":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid --ttl %q", value)
			}
			ttl = d
		}
	}

	if agentID == "" {
		return fmt.Errorf("--agent flag is required")
	}

	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(agentID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if !cfg.Auth.Enabled {
		color.New(color.FgYellow).Fprintln(os.Stderr, "warning: auth.enabled is false; the hub will ignore this token")
	}
	fmt.Println(token)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("toolhub configuration setup")
	fmt.Println("===========================")
	fmt.Println()

	defaultDBPath := filepath.Join(getDataPath(), "history.db")

	outputFile := prompt(reader, "Config file path", config.ResolvePath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	host := prompt(reader, "Listen host", "0.0.0.0")
	port := prompt(reader, "Listen port", "8080")
	path := prompt(reader, "WebSocket path", "/ws")

	fmt.Println("\n--- Authentication ---")
	authEnabled := yes(prompt(reader, "Require bearer tokens?", "yes"))
	var jwtSecret string
	if authEnabled {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	fmt.Println("\n--- Invocation History ---")
	dbPath := ""
	if yes(prompt(reader, "Record invocation history?", "yes")) {
		dbPath = prompt(reader, "SQLite database path", defaultDBPath)
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "toolhub")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# toolhub configuration\n")
	cfg.WriteString("# Generated by toolhub init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  host: %q\n", host)
	fmt.Fprintf(&cfg, "  port: %s\n", port)
	fmt.Fprintf(&cfg, "  path: %q\n", path)
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", authEnabled)
	if authEnabled {
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n", jwtSecret)
	}
	cfg.WriteString("\n")

	cfg.WriteString("connections:\n")
	cfg.WriteString("  heartbeat_interval: \"30s\"\n")
	cfg.WriteString("  write_timeout: \"10s\"\n")
	cfg.WriteString("  rate_limit: 0\n")
	cfg.WriteString("\n")

	cfg.WriteString("invocations:\n")
	cfg.WriteString("  timeout: \"30s\"\n")
	cfg.WriteString("  expired_id_ttl: \"10m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString("  reconnect_grace_period: \"1m\"\n")
	cfg.WriteString("\n")

	if dbPath != "" {
		cfg.WriteString("database:\n")
		fmt.Fprintf(&cfg, "  path: %q\n", dbPath)
		cfg.WriteString("  retention: \"168h\"\n")
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	// Catch typos in answers before anything hits disk.
	if _, err := config.Parse([]byte(cfg.String()), "yaml"); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  toolhub serve")
	if authEnabled {
		fmt.Println("\nTo issue a token for an agent:")
		fmt.Println("  toolhub token --agent my-agent")
	}

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}
