// ABOUTME: Whitelisted command execution and the command list operation
// ABOUTME: Resolves a command name to an argv and runs it with a timeout

package ops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/codix/cdx-agent/internal/config"
)

// ErrCommandTimeout is returned when a command outlives its deadline.
var ErrCommandTimeout = errors.New("command timed out")

// CommandResult is the outcome of a finished process.
type CommandResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// CommandRunner executes an argv in dir.
type CommandRunner interface {
	Run(ctx context.Context, dir string, argv []string) (CommandResult, error)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct{}

// Run executes argv and captures combined output. A non-zero exit status is
// reported in the result, not as an error.
func (ExecRunner) Run(ctx context.Context, dir string, argv []string) (CommandResult, error) {
	if len(argv) == 0 {
		return CommandResult{}, errors.New("empty command")
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	res := CommandResult{Output: out.String(), Duration: time.Since(start)}

	if ctx.Err() != nil {
		return res, ErrCommandTimeout
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("running %s: %w", argv[0], err)
	}
	return res, nil
}

type commandRequest struct {
	Command    string   `json:"command"`
	Parameters []string `json:"parameters"`
}

// resolveCommand maps a whitelisted command line onto the argv to execute.
func (h *Handler) resolveCommand(command string, params []string) ([]string, error) {
	fields := strings.Fields(command)
	name := fields[0]

	var argv []string
	if def, ok := h.cfg.Commands.Definitions[name]; ok {
		argv = append(argv, def...)
		argv = append(argv, fields[1:]...)
	} else {
		if len(h.cfg.Commands.Runner) == 0 {
			return nil, fmt.Errorf("no runner or definition for %q", name)
		}
		argv = append(argv, h.cfg.Commands.Runner...)
		argv = append(argv, fields...)
	}
	return append(argv, params...), nil
}

// handleRunCommand handles POST /commands.
func (h *Handler) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		h.sendJSONError(w, http.StatusBadRequest, "Command is required", "")
		return
	}
	if req.Parameters == nil {
		req.Parameters = []string{}
	}

	name := strings.Fields(req.Command)[0]
	if !slices.Contains(h.cfg.Commands.Allowed, name) {
		h.logger.Warn("command rejected", "command", name)
		writeJSON(w, http.StatusForbidden, errorResponse{
			OK:      false,
			Message: "Command not allowed",
			Error:   "Command not allowed",
			Data:    map[string]any{"allowed_commands": h.allowedCommands()},
		})
		return
	}

	argv, err := h.resolveCommand(req.Command, req.Parameters)
	if err != nil {
		h.sendJSONError(w, http.StatusInternalServerError, "Command failed", err.Error())
		return
	}

	timeout := h.cfg.Commands.Timeout
	if timeout <= 0 {
		timeout = config.DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	h.logger.Info("running command", "command", name)
	res, err := h.runner.Run(ctx, h.cfg.ResolvePath(h.cfg.Commands.Dir), argv)
	executedAt := h.timestamp()
	if err != nil {
		h.logger.Error("command failed", "command", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			OK:      false,
			Message: "Command failed",
			Error:   err.Error(),
			Data: map[string]any{
				"command":     req.Command,
				"executed_at": executedAt,
			},
		})
		return
	}

	h.sendSuccess(w, "Command executed", map[string]any{
		"success":           res.ExitCode == 0,
		"command":           req.Command,
		"parameters":        req.Parameters,
		"exit_code":         res.ExitCode,
		"output":            strings.TrimSpace(res.Output),
		"execution_time_ms": math.Round(float64(res.Duration.Microseconds())/10) / 100,
		"executed_at":       executedAt,
	})
}

func (h *Handler) allowedCommands() []string {
	if h.cfg.Commands.Allowed == nil {
		return []string{}
	}
	return h.cfg.Commands.Allowed
}

// handleListCommands handles GET /commands/list.
func (h *Handler) handleListCommands(w http.ResponseWriter, r *http.Request) {
	allowed := h.allowedCommands()
	h.sendSuccess(w, "Allowed commands", map[string]any{
		"allowed_commands": allowed,
		"total":            len(allowed),
	})
}
