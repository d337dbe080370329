// ABOUTME: Entry point for the wabridge WhatsApp HTTP/WebSocket bridge
// ABOUTME: Provides serve, init, token, status, health and version commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/wabridge/internal/auth"
	"github.com/2389/wabridge/internal/backend/whatsapp"
	"github.com/2389/wabridge/internal/config"
	"github.com/2389/wabridge/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
              _          _     _
 __      ____ _| |__  _ __(_) __| | __ _  ___
 \ \ /\ / / _' | '_ \| '__| |/ _' |/ _' |/ _ \
  \ V  V / (_| | |_) | |  | | (_| | (_| |  __/
   \_/\_/ \__,_|_.__/|_|  |_|\__,_|\__, |\___|
                                   |___/
`

func usage() {
	fmt.Println("Usage: wabridge <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                         Start the bridge")
	fmt.Println("  init                          Create a new config file interactively")
	fmt.Println("  token --subject NAME          Mint an API bearer token")
	fmt.Println("  status                        Show the session status of a running bridge")
	fmt.Println("  health                        Check bridge health")
	fmt.Println("  version                       Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "token":
		err = runToken(args)
	case "status":
		err = runStatus(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set with the shared --config flag registered.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", config.DefaultPath(), "path to the config file (YAML or TOML)")
	return flagSet, configPath
}

// loadConfig reads the config file. A missing file at the default location
// falls back to built-in defaults; an explicitly named file must exist.
func loadConfig(flagSet *pflag.FlagSet, path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || flagSet.Changed("config") {
		return nil, false, fmt.Errorf("loading config: %w", err)
	}

	cfg = config.Default(config.DataDir())
	if err := cfg.Validate(); err != nil {
		return nil, false, fmt.Errorf("validating default config: %w", err)
	}
	return cfg, false, nil
}

func runServe(ctx context.Context, args []string) error {
	flagSet, configPath := newFlagSet("serve")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, fromFile, err := loadConfig(flagSet, *configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	if fromFile {
		fmt.Printf("Config:    %s\n", *configPath)
	} else {
		fmt.Print("Config:    ")
		yellow.Println("built-in defaults")
	}
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("WebSocket: %s\n", cfg.Server.WSAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Session:   %s\n", cfg.Session.CredentialDir)
	green.Print("    ▶ ")
	fmt.Printf("Uploads:   up to %s\n", humanize.IBytes(uint64(cfg.Dispatch.MaxUploadBytes)))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret != "" {
		green.Print("    ▶ ")
		fmt.Println("API auth:  bearer token required")
	}

	fmt.Println()

	logger.Info("starting wabridge",
		"http_addr", cfg.Server.HTTPAddr,
		"ws_addr", cfg.Server.WSAddr,
		"allowed", cfg.Access.Allowed,
	)

	gw, err := gateway.New(cfg, whatsapp.New(logger), logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, level: level}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output. Derived handlers share the
// root's mutex so lines never interleave.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runInit(args []string) error {
	flagSet, configPath := newFlagSet("init")
	withSecret := flagSet.Bool("jwt", false, "generate a jwt_secret so /api/* requires a bearer token")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)
	defaults := config.Default(config.DataDir())

	fmt.Println("wabridge configuration setup")
	fmt.Println("============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", *configPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", defaults.Server.HTTPAddr)
	wsAddr := prompt(reader, "WebSocket address", defaults.Server.WSAddr)

	fmt.Println("\n--- Access Configuration ---")
	allowed := prompt(reader, "Allowed addresses/CIDRs (comma separated)", strings.Join(defaults.Access.Allowed, ","))

	fmt.Println("\n--- Storage Configuration ---")
	credDir := prompt(reader, "Session credential directory", defaults.Session.CredentialDir)
	dbPath := prompt(reader, "SQLite database path", defaults.Database.Path)

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "wabridge")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", defaults.Logging.Level)
	logFormat := prompt(reader, "Log format (text/json)", defaults.Logging.Format)

	var jwtSecret string
	if *withSecret {
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		jwtSecret = secret
	}

	var cfg strings.Builder
	cfg.WriteString("# wabridge configuration\n")
	cfg.WriteString("# Generated by wabridge init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	fmt.Fprintf(&cfg, "  ws_addr: %q\n", wsAddr)
	cfg.WriteString("\n")

	cfg.WriteString("access:\n")
	cfg.WriteString("  allowed:\n")
	for _, entry := range strings.Split(allowed, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			fmt.Fprintf(&cfg, "    - %q\n", entry)
		}
	}
	cfg.WriteString("  trust_forwarded: true\n")
	cfg.WriteString("\n")

	cfg.WriteString("session:\n")
	fmt.Fprintf(&cfg, "  credential_dir: %q\n", credDir)
	cfg.WriteString("  settle_delay: \"5s\"\n")
	cfg.WriteString("  logout_retries: 2\n")
	cfg.WriteString("\n")

	cfg.WriteString("dispatch:\n")
	cfg.WriteString("  send_timeout: \"20s\"\n")
	cfg.WriteString("  send_interval: \"5s\"\n")
	cfg.WriteString("  media_timeout: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n", dbPath)
	cfg.WriteString("\n")

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n", jwtSecret)
		cfg.WriteString("\n")
	}

	cfg.WriteString("autoreply:\n")
	cfg.WriteString("  ping: true\n")
	cfg.WriteString("  reject_calls: true\n")
	cfg.WriteString("\n")

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
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file may hold a jwt secret or a tailscale auth key.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the bridge:")
	fmt.Printf("  wabridge serve --config %s\n", outputFile)
	if jwtSecret != "" {
		fmt.Println("\nTo mint an API token:")
		fmt.Printf("  wabridge token --config %s --subject operator\n", outputFile)
	}

	return nil
}

func runToken(args []string) error {
	flagSet, configPath := newFlagSet("token")
	subject := flagSet.StringP("subject", "s", "", "token subject (who the token is for)")
	ttl := flagSet.Duration("ttl", 30*24*time.Hour, "token lifetime")
	save := flagSet.Bool("save", true, "save the token next to the config file for the status command")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	name := strings.TrimSpace(*subject)
	if name == "" {
		return fmt.Errorf("--subject flag is required")
	}
	if *ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", *configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(name, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if *save {
		tokenPath := tokenFilePath(*configPath)
		if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Saved token: %s\n", tokenPath)
	}

	expiresAt := time.Now().Add(*ttl).UTC()
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "  subject %s, expires %s\n", name, expiresAt.Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	flagSet, configPath := newFlagSet("status")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(flagSet, *configPath)
	if err != nil {
		return err
	}

	body, status, err := get(ctx, cfg.Server.HTTPAddr, "/api/status", readToken(*configPath))
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}

	fmt.Println(strings.TrimSpace(string(body)))
	if status != http.StatusOK {
		return fmt.Errorf("status %d", status)
	}
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	flagSet, configPath := newFlagSet("health")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(flagSet, *configPath)
	if err != nil {
		return err
	}

	body, status, err := get(ctx, cfg.Server.HTTPAddr, "/health/ready", "")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: %s", strings.TrimSpace(string(body)))
	}

	fmt.Println("healthy")
	return nil
}

// get issues a GET against a locally running bridge.
func get(ctx context.Context, addr, path, token string) ([]byte, int, error) {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func tokenFilePath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "token")
}

// readToken returns the saved API token, preferring WABRIDGE_TOKEN.
func readToken(configPath string) string {
	if token := os.Getenv("WABRIDGE_TOKEN"); token != "" {
		return token
	}
	data, err := os.ReadFile(tokenFilePath(configPath))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func randomSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func isYes(answer string) bool {
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
