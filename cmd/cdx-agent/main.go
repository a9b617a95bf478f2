// ABOUTME: Entry point for the cdx-agent control surface server
// ABOUTME: Serves signed administrative operations and offers config and audit helpers

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/codix/cdx-agent/internal/auth"
	"github.com/codix/cdx-agent/internal/config"
	"github.com/codix/cdx-agent/internal/logging"
	"github.com/codix/cdx-agent/internal/server"
	"github.com/codix/cdx-agent/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
          _                                    _
  ___  __| |_  __       __ _  __ _  ___ _ __ | |_
 / __|/ _' \ \/ /_____ / _' |/ _' |/ _ \ '_ \| __|
| (__| (_| |>  <_____| (_| | (_| |  __/ | | | |_
 \___|\__,_/_/\_\     \__,_|\__, |\___|_| |_|\__|
                            |___/
`

func usage() {
	fmt.Println("Usage: cdx-agent <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the agent server")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  check-config                   Load and validate the config file")
	fmt.Println("  health                         Call the local health operation with a signed request")
	fmt.Println("  failures [--reason R] [-n N]   List recent authentication failures")
	fmt.Println("  version                        Print the agent version")
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
		err = runInit(os.Stdin, os.Stdout)
	case "check-config":
		err = runCheckConfig()
	case "health":
		err = runHealth(ctx)
	case "failures":
		err = runFailures(ctx, os.Args[2:])
	case "version", "--version", "-v":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
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

	logger, closer := logging.New(cfg.Logging, os.Stdout)
	defer closer.Close()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Prefix:    /%s\n", cfg.Agent.RoutePrefix)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.ResolvePath(cfg.Database.Path))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	if cfg.Agent.Secret == "" {
		red.Print("    ✗ ")
		fmt.Println("agent.secret is not set; requests will be rejected")
	}

	fmt.Println()

	logger.Info("starting cdx-agent",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}

func runCheckConfig() error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("✓ ")
	fmt.Printf("%s is valid\n", configPath)
	fmt.Printf("  route prefix:        /%s\n", cfg.Agent.RoutePrefix)
	fmt.Printf("  timestamp tolerance: %ds\n", cfg.Agent.TimestampTolerance)
	fmt.Printf("  rate limit:          %d/min\n", cfg.Agent.RateLimit)
	fmt.Printf("  max body:            %s\n", humanize.IBytes(uint64(cfg.Agent.MaxBodyBytes)))
	fmt.Printf("  allowed commands:    %d\n", len(cfg.Commands.Allowed))
	if cfg.Agent.Secret == "" {
		yellow.Print("! ")
		fmt.Println("agent.secret is empty; every request will fail with 500 until it is set")
	}
	return nil
}

// runHealth calls the running agent's health operation with a signed request.
func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/%s/health", cfg.Server.HTTPAddr, cfg.Agent.RoutePrefix)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if err := auth.SignRequest(req, cfg.Agent.Secret, time.Now()); err != nil {
		return fmt.Errorf("signing request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
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

type failuresArgs struct {
	reason string
	limit  int
	since  time.Duration
}

func parseFailuresArgs(args []string) (failuresArgs, error) {
	out := failuresArgs{limit: 20}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		value := func() (string, error) {
			if _, v, ok := strings.Cut(arg, "="); ok {
				return v, nil
			}
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", arg)
			}
			i++
			return args[i], nil
		}

		name, _, _ := strings.Cut(arg, "=")
		switch name {
		case "--reason", "-r":
			v, err := value()
			if err != nil {
				return out, err
			}
			out.reason = v
		case "--limit", "-n":
			v, err := value()
			if err != nil {
				return out, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return out, fmt.Errorf("invalid limit %q", v)
			}
			out.limit = n
		case "--since":
			v, err := value()
			if err != nil {
				return out, err
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return out, fmt.Errorf("invalid duration %q: %w", v, err)
			}
			out.since = d
		default:
			return out, fmt.Errorf("unknown flag: %s", arg)
		}
	}
	return out, nil
}

// runFailures prints recorded authentication failures from the agent database.
func runFailures(ctx context.Context, args []string) error {
	opts, err := parseFailuresArgs(args)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := store.NewSQLiteStore(cfg.ResolvePath(cfg.Database.Path))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	filter := store.AuthFailureFilter{Limit: opts.limit}
	if opts.reason != "" {
		filter.Reason = &opts.reason
	}
	if opts.since > 0 {
		since := time.Now().Add(-opts.since)
		filter.Since = &since
	}

	failures, err := s.ListAuthFailures(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing failures: %w", err)
	}
	return printFailures(os.Stdout, failures)
}

func printFailures(out io.Writer, failures []store.AuthFailure) error {
	if len(failures) == 0 {
		fmt.Fprintln(out, "No authentication failures recorded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tREASON\tREMOTE\tMETHOD\tPATH")
	for _, f := range failures {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(f.OccurredAt), f.Reason, f.RemoteAddress, f.Method, f.Path)
	}
	return w.Flush()
}

// generateSecret returns 32 random bytes, hex encoded.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

type initAnswers struct {
	httpAddr      string
	secret        string
	appName       string
	basePath      string
	dbPath        string
	logLevel      string
	logFormat     string
	logFile       string
	tailscale     bool
	tsHostname    string
	enableMetrics bool
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# cdx-agent configuration\n")
	cfg.WriteString("# Generated by cdx-agent init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("agent:\n")
	cfg.WriteString(fmt.Sprintf("  secret: %q\n", a.secret))
	cfg.WriteString("  timestamp_tolerance: 60\n")
	cfg.WriteString("  log_failed_attempts: true\n")
	cfg.WriteString("\n")

	cfg.WriteString("app:\n")
	cfg.WriteString(fmt.Sprintf("  name: %q\n", a.appName))
	cfg.WriteString(fmt.Sprintf("  base_path: %q\n", a.basePath))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", a.dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.tailscale))
	if a.tailscale {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", a.tsHostname))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.logFormat))
	if a.logFile != "" {
		cfg.WriteString(fmt.Sprintf("  file: %q\n", a.logFile))
	}
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.enableMetrics))
	cfg.WriteString("  path: \"/metrics\"\n")
	return cfg.String()
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "cdx-agent configuration setup")
	fmt.Fprintln(out, "=============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a := initAnswers{secret: secret}
	a.httpAddr = prompt(reader, out, "HTTP address", "127.0.0.1:8787")

	fmt.Fprintln(out, "\n--- Application ---")
	a.appName = prompt(reader, out, "Application name", "app")
	a.basePath = prompt(reader, out, "Application base path", "/var/www/app")
	a.dbPath = prompt(reader, out, "SQLite database path", "database/database.sqlite")

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.tailscale = isYes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.tailscale {
		a.tsHostname = prompt(reader, out, "Tailscale hostname", "cdx-agent")
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.logLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.logFormat = prompt(reader, out, "Log format (text/json)", "text")
	a.logFile = prompt(reader, out, "Log file (enables the logs operation, empty to skip)", "")
	a.enableMetrics = isYes(prompt(reader, out, "Expose Prometheus metrics?", "no"))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nShared secret for the control center:")
	color.New(color.FgYellow).Fprintf(out, "  %s\n", secret)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  cdx-agent serve")
	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
