package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/taskforge/taskforge/internal/tools"
)

const defaultCommandTimeout = 120 * time.Second

// RunCommand executes a shell command inside the workspace. Always risky.
type RunCommand struct{}

func (RunCommand) Name() string { return "run_command" }

func (RunCommand) Description() string {
	return "Run a shell command with the task workspace as working directory."
}

func (RunCommand) Group() tools.Group { return tools.GroupShell }

func (RunCommand) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command line"},
			"timeout_seconds": {"type": "integer", "description": "Optional timeout, default 120"}
		},
		"required": ["command"]
	}`)
}

func (RunCommand) RiskLevel(json.RawMessage) tools.RiskLevel { return tools.RiskRisky }

type commandArgs struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (RunCommand) CanExecute(args json.RawMessage, _ *tools.Context) error {
	var a commandArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(a.Command) == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}

func (RunCommand) Execute(ctx context.Context, args json.RawMessage, tctx *tools.Context) (*tools.Result, error) {
	var a commandArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tools.ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	timeout := defaultCommandTimeout
	if a.TimeoutSeconds > 0 {
		timeout = time.Duration(a.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", a.Command)
	cmd.Dir = tctx.Workspace.Root()
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return tools.ErrorResult(fmt.Sprintf("command timed out after %s\n%s", timeout, output)), nil
		}
		return tools.ErrorResult(fmt.Sprintf("%v\n%s", err, output)), nil
	}
	return &tools.Result{Content: output}, nil
}
