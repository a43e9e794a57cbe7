// ABOUTME: Entry point for convo-studio, a conversation workbench for chat-completion models
// ABOUTME: Runs the local credential-holding proxy and the client commands that edit agents

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/convo-studio/internal/config"
	"github.com/2389/convo-studio/internal/gateway"
	"github.com/2389/convo-studio/internal/relay"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                            _             _ _
  ___ ___  _ ____   _____         ___| |_ _   _  __| (_) ___
 / __/ _ \| '_ \ \ / / _ \ _____ / __| __| | | |/ _' | |/ _ \
| (_| (_) | | | \ V / (_) |_____|\__ \ |_| |_| | (_| | | (_) |
 \___\___/|_| |_|\_/ \___/       |___/\__|\__,_|\__,_|_|\___/
`

// errUsage marks argument errors; main prints usage alongside them.
var errUsage = errors.New("usage")

func usage() {
	fmt.Println("Usage: convo-studio <command>")
	fmt.Println()
	fmt.Println("Server:")
	fmt.Println("  serve                          Start the local proxy")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  health                         Check proxy health")
	fmt.Println("  models                         List models offered by the proxy")
	fmt.Println()
	fmt.Println("Agents:")
	fmt.Println("  agents [list]                  List agents (* marks the current one)")
	fmt.Println("  agents new [NAME]              Create an agent and make it current")
	fmt.Println("  agents use AGENT               Switch the current agent")
	fmt.Println("  agents rename AGENT NAME       Rename an agent")
	fmt.Println("  agents rm AGENT                Delete an agent")
	fmt.Println("  agents dup AGENT               Duplicate an agent")
	fmt.Println("  system [TEXT|-]                Show or set the system prompt")
	fmt.Println("  model [NAME]                   Show or set the model")
	fmt.Println()
	fmt.Println("Transcript (N is 1-based):")
	fmt.Println("  msg add user|assistant TEXT|-  Append a message")
	fmt.Println("  msg insert N user|assistant TEXT  Insert a message before N")
	fmt.Println("  msg edit N TEXT|-              Replace a message's text")
	fmt.Println("  msg rm N                       Delete a message")
	fmt.Println("  msg mv FROM TO                 Move a message")
	fmt.Println("  msg role N                     Toggle user/assistant")
	fmt.Println("  msg image N FILE|URL           Attach an image")
	fmt.Println("  msg unimage N IMG              Remove an attached image")
	fmt.Println("  show                           Print the current transcript")
	fmt.Println("  generate                       Stream a reply from the model")
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
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "models":
		err = runModels(ctx)
	case "agents":
		err = runAgents(ctx, args)
	case "system":
		err = runSystem(ctx, args)
	case "model":
		err = runModel(ctx, args)
	case "msg":
		err = runMsg(ctx, args)
	case "show":
		err = runShow(ctx)
	case "generate":
		err = runGenerate(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr)
			usage()
		}
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when there is none.
func loadConfig() (*config.Config, string, error) {
	configPath := config.Path()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Upstream:  %s\n", cfg.Upstream.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("API key:   ")
	if cfg.Upstream.APIKey != "" {
		green.Println("configured")
	} else {
		yellow.Println("none (clients must send their own)")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting convo-studio proxy",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"default_model", cfg.Upstream.DefaultModel,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Client.ServerURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runModels(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	info, err := relay.FetchServerInfo(ctx, nil, cfg.Client.ServerURL)
	if err != nil {
		yellow := color.New(color.FgYellow)
		yellow.Fprintf(os.Stderr, "proxy unreachable (%v); showing configured models\n", err)
		info = &relay.ServerInfo{
			DefaultModel: cfg.Upstream.DefaultModel,
			Models:       cfg.Upstream.Models,
			HasAPIKey:    cfg.Upstream.APIKey != "",
		}
	}

	for _, m := range info.Models {
		if m == info.DefaultModel {
			fmt.Printf("* %s\n", m)
		} else {
			fmt.Printf("  %s\n", m)
		}
	}
	if !info.HasAPIKey {
		color.New(color.FgHiBlack).Println("(no server-side API key: generate runs in direct mode)")
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("convo-studio configuration setup")
	fmt.Println("================================")
	fmt.Println()

	defaultConfigPath := config.Path()
	defaultDbPath := filepath.Join(config.DataDir(), "studio.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Proxy Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)

	fmt.Println("\n--- Upstream Configuration ---")
	baseURL := prompt(reader, "Provider base URL", config.DefaultUpstreamURL)
	apiKey := prompt(reader, "API key (or ${ENV_VAR})", "${OPENROUTER_API_KEY}")
	defaultModel := prompt(reader, "Default model", config.DefaultModel)
	models := prompt(reader, "Models offered (comma separated)", defaultModel)

	fmt.Println("\n--- Storage Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "convo-studio")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# convo-studio configuration\n")
	cfg.WriteString("# Generated by convo-studio init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("upstream:\n")
	cfg.WriteString(fmt.Sprintf("  base_url: %q\n", baseURL))
	cfg.WriteString(fmt.Sprintf("  api_key: %q\n", apiKey))
	cfg.WriteString(fmt.Sprintf("  default_model: %q\n", defaultModel))
	cfg.WriteString("  models:\n")
	for _, m := range strings.Split(models, ",") {
		if m = strings.TrimSpace(m); m != "" {
			cfg.WriteString(fmt.Sprintf("    - %q\n", m))
		}
	}
	cfg.WriteString(fmt.Sprintf("  rate_limit: %g\n", config.DefaultRateLimit))
	cfg.WriteString(fmt.Sprintf("  rate_burst: %d\n", config.DefaultRateBurst))
	cfg.WriteString("\n")

	cfg.WriteString("storage:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString(fmt.Sprintf("  debounce: %q\n", config.DefaultDebounce.String()))
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	// Refuse to write something Load would reject
	if _, err := config.Parse([]byte(cfg.String()), false); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file may hold an API key
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the proxy:")
	fmt.Printf("  convo-studio serve\n")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
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
