// ABOUTME: Control-center CLI that drives a cdx-agent over signed HTTP requests
// ABOUTME: Maps subcommands onto agent operations and pretty-prints the JSON envelope

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/tidwall/pretty"
)

const banner = `
          _                  _   _
  ___  __| |_  __      ___ | |_| |
 / __|/ _' \ \/ /____ / __|| __| |
| (__| (_| |>  <_____| (__ | |_| |
 \___|\__,_/_/\_\     \___| \__|_|
`

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: cdx-ctl <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  health                          Application health")
	fmt.Println("  maintenance on [--secret S]     Enable maintenance mode")
	fmt.Println("  maintenance off                 Disable maintenance mode")
	fmt.Println("  clear-caches                    Clear configured caches")
	fmt.Println("  queue                           Queue backlog and recent failures")
	fmt.Println("  logs [--lines N] [--level L]    Tail the agent log")
	fmt.Println("  database                        Database health and table sizes")
	fmt.Println("  scheduler                       Scheduled tasks")
	fmt.Println("  run <command> [params...]       Run a whitelisted command")
	fmt.Println("  commands                        List whitelisted commands")
	fmt.Println("  backup                          Backup status")
	fmt.Println("  alerts                          Notification channels")
	fmt.Println("  alert-test [channel] [message]  Send a test notification")
	fmt.Println("  version                         Agent version")
	fmt.Println("  update                          Run the agent self-update")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  CDX_AGENT_URL      Agent base URL including route prefix (default: http://127.0.0.1:8787/cdx-agent)")
	fmt.Println("  CDX_AGENT_SECRET   Shared signing secret (required)")
	fmt.Println("  CDX_CTL_TIMEOUT    Request timeout (default: 130s)")
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	if cmd := os.Args[1]; cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}

	timeout, err := time.ParseDuration(getEnv("CDX_CTL_TIMEOUT", "130s"))
	if err != nil {
		color.Red("Error: invalid CDX_CTL_TIMEOUT: %v", err)
		os.Exit(1)
	}
	client, err := NewClient(getEnv("CDX_AGENT_URL", "http://127.0.0.1:8787/cdx-agent"), os.Getenv("CDX_AGENT_SECRET"), timeout)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	req, err := buildCall(os.Args[1], os.Args[2:])
	if err != nil {
		color.Red("Error: %v", err)
		printUsage()
		os.Exit(1)
	}

	resp, err := client.Do(ctx, req.method, req.op, req.query, req.payload)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	if !render(os.Stdout, resp, !color.NoColor) {
		os.Exit(1)
	}
}

// call is one resolved operation request.
type call struct {
	method  string
	op      string
	query   url.Values
	payload any
}

// buildCall maps a subcommand and its arguments onto an operation request.
func buildCall(cmd string, args []string) (call, error) {
	get := func(op string) (call, error) { return call{method: http.MethodGet, op: op}, nil }
	post := func(op string, payload any) (call, error) {
		return call{method: http.MethodPost, op: op, payload: payload}, nil
	}

	switch cmd {
	case "health", "queue", "database", "scheduler", "backup", "alerts", "version":
		return get(cmd)
	case "commands":
		return get("commands/list")
	case "clear-caches":
		return post("clear-caches", nil)
	case "update":
		return post("update", nil)
	case "maintenance":
		return maintenanceCall(args)
	case "logs":
		return logsCall(args)
	case "run":
		if len(args) == 0 {
			return call{}, fmt.Errorf("run requires a command name")
		}
		params := args[1:]
		if params == nil {
			params = []string{}
		}
		return post("commands", map[string]any{"command": args[0], "parameters": params})
	case "alert-test":
		payload := map[string]string{}
		if len(args) > 0 {
			payload["channel"] = args[0]
		}
		if len(args) > 1 {
			payload["message"] = strings.Join(args[1:], " ")
		}
		return post("alerts/test", payload)
	default:
		return call{}, fmt.Errorf("unknown command: %s", cmd)
	}
}

func maintenanceCall(args []string) (call, error) {
	if len(args) == 0 {
		return call{}, fmt.Errorf("maintenance requires on or off")
	}
	payload := map[string]any{}
	switch args[0] {
	case "on":
		payload["enabled"] = true
	case "off":
		payload["enabled"] = false
	default:
		return call{}, fmt.Errorf("maintenance requires on or off, got %q", args[0])
	}

	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch {
		case rest[i] == "--secret" && i+1 < len(rest):
			payload["secret_message"] = rest[i+1]
			i++
		case strings.HasPrefix(rest[i], "--secret="):
			payload["secret_message"] = strings.TrimPrefix(rest[i], "--secret=")
		default:
			return call{}, fmt.Errorf("unexpected argument: %s", rest[i])
		}
	}
	return call{method: http.MethodPost, op: "maintenance", payload: payload}, nil
}

func logsCall(args []string) (call, error) {
	q := url.Values{}
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		if !hasValue {
			if i+1 >= len(args) {
				return call{}, fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		switch name {
		case "--lines", "-n":
			if n, err := strconv.Atoi(value); err != nil || n <= 0 {
				return call{}, fmt.Errorf("invalid line count %q", value)
			}
			q.Set("lines", value)
		case "--level":
			q.Set("level", value)
		default:
			return call{}, fmt.Errorf("unknown flag: %s", name)
		}
	}
	return call{method: http.MethodGet, op: "logs", query: q}, nil
}

// render prints the response and reports whether the operation succeeded.
func render(out io.Writer, resp *Response, colorize bool) bool {
	ok := resp.OK()
	status := color.New(color.FgGreen)
	mark := "✓"
	if !ok {
		status = color.New(color.FgRed)
		mark = "✗"
	}
	status.Fprintf(out, "%s %s", mark, resp.Message())
	color.New(color.FgHiBlack).Fprintf(out, " (HTTP %d, request %s)\n", resp.StatusCode, resp.RequestID)

	body := pretty.Pretty(resp.Body)
	if colorize {
		body = pretty.Color(body, nil)
	}
	_, _ = out.Write(body)
	return ok
}
