// Package builtin provides the stock tool set: workspace file access and
// shell execution.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskforge/taskforge/internal/tools"
)

// ReadFile returns a workspace file's contents. Safe.
type ReadFile struct{}

func (ReadFile) Name() string        { return "read_file" }
func (ReadFile) Description() string { return "Read a file from the task workspace." }
func (ReadFile) Group() tools.Group  { return tools.GroupFilesystem }

func (ReadFile) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Workspace-relative file path"}
		},
		"required": ["path"]
	}`)
}

func (ReadFile) RiskLevel(json.RawMessage) tools.RiskLevel { return tools.RiskSafe }

type pathArgs struct {
	Path string `json:"path"`
}

func (ReadFile) Execute(_ context.Context, args json.RawMessage, tctx *tools.Context) (*tools.Result, error) {
	var a pathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tools.ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	data, err := tctx.Workspace.Read(a.Path)
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	return &tools.Result{Content: string(data)}, nil
}

// WriteFile writes a workspace file. Risky: it mutates the workspace, so the
// user confirms each write.
type WriteFile struct{}

func (WriteFile) Name() string        { return "write_file" }
func (WriteFile) Description() string { return "Write a file into the task workspace." }
func (WriteFile) Group() tools.Group  { return tools.GroupFilesystem }

func (WriteFile) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Workspace-relative file path"},
			"content": {"type": "string", "description": "Full file contents"}
		},
		"required": ["path", "content"]
	}`)
}

func (WriteFile) RiskLevel(json.RawMessage) tools.RiskLevel { return tools.RiskRisky }

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (WriteFile) CanExecute(args json.RawMessage, _ *tools.Context) error {
	var a writeArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(a.Path) == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

func (WriteFile) Execute(_ context.Context, args json.RawMessage, tctx *tools.Context) (*tools.Result, error) {
	var a writeArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tools.ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if err := tctx.Workspace.Write(a.Path, []byte(a.Content)); err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	return &tools.Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(a.Content), a.Path)}, nil
}

// ListDir lists a workspace directory. Safe.
type ListDir struct{}

func (ListDir) Name() string        { return "list_dir" }
func (ListDir) Description() string { return "List entries of a workspace directory." }
func (ListDir) Group() tools.Group  { return tools.GroupFilesystem }

func (ListDir) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Workspace-relative directory; empty for the root"}
		}
	}`)
}

func (ListDir) RiskLevel(json.RawMessage) tools.RiskLevel { return tools.RiskSafe }

func (ListDir) Execute(_ context.Context, args json.RawMessage, tctx *tools.Context) (*tools.Result, error) {
	var a pathArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return tools.ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
	}
	entries, err := tctx.Workspace.List(a.Path)
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&b, "%s/\n", e.Path)
		} else {
			fmt.Fprintf(&b, "%s (%d bytes)\n", e.Path, e.Size)
		}
	}
	return &tools.Result{Content: b.String()}, nil
}
