package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quarry-lab/conductor/internal/sandbox"
)

// Sandbox tools wrap one session's binding. The binding serializes its own
// operations; tools here just translate parameters and shape ok=false
// payloads into textual results.

type executeCodeInput struct {
	Code    string `json:"code" jsonschema:"required" jsonschema_description:"Python code to execute in the persistent sandbox"`
	Timeout int    `json:"timeout,omitempty" jsonschema_description:"Optional timeout in seconds"`
}

// ExecuteCodeTool runs Python in the session sandbox.
type ExecuteCodeTool struct {
	Binding *sandbox.Binding
}

func (t *ExecuteCodeTool) Name() string { return "execute_code" }
func (t *ExecuteCodeTool) Description() string {
	return "Execute Python code in the persistent sandbox. State (variables, files, installed packages) survives between calls."
}
func (t *ExecuteCodeTool) Schema() json.RawMessage { return GenerateSchema[executeCodeInput]() }

func (t *ExecuteCodeTool) Invoke(ctx context.Context, params Params) (string, error) {
	code := params.String("code")
	if code == "" {
		code = params.String("input")
	}
	var timeout time.Duration
	if secs, ok := params.Int("timeout"); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	return resultText(t.Binding.ExecuteCode(ctx, code, timeout)), nil
}

type pipInstallInput struct {
	Packages []string `json:"packages" jsonschema:"required" jsonschema_description:"Package names to install, pip requirement syntax"`
}

// PipInstallTool installs Python packages into the sandbox.
type PipInstallTool struct {
	Binding *sandbox.Binding
}

func (t *PipInstallTool) Name() string        { return "pip_install" }
func (t *PipInstallTool) Description() string { return "Install Python packages with pip." }
func (t *PipInstallTool) Schema() json.RawMessage {
	return GenerateSchema[pipInstallInput]()
}

func (t *PipInstallTool) Invoke(ctx context.Context, params Params) (string, error) {
	pkgs := params.StringSlice("packages")
	if len(pkgs) == 0 {
		pkgs = params.StringSlice("input")
	}
	return resultText(t.Binding.PipInstall(ctx, pkgs)), nil
}

type pathInput struct {
	Path string `json:"path,omitempty" jsonschema_description:"Path inside the sandbox; defaults to the working directory"`
}

// ListFilesTool lists one sandbox directory.
type ListFilesTool struct {
	Binding *sandbox.Binding
}

func (t *ListFilesTool) Name() string            { return "list_files" }
func (t *ListFilesTool) Description() string     { return "List files in a sandbox directory." }
func (t *ListFilesTool) Schema() json.RawMessage { return GenerateSchema[pathInput]() }

func (t *ListFilesTool) Invoke(ctx context.Context, params Params) (string, error) {
	dir := params.String("path")
	if dir == "" {
		dir = params.String("input")
	}
	return resultText(t.Binding.ListFiles(ctx, dir)), nil
}

type filePathInput struct {
	Path string `json:"path" jsonschema:"required" jsonschema_description:"File path inside the sandbox"`
}

// ReadFileTool reads one sandbox file.
type ReadFileTool struct {
	Binding *sandbox.Binding
}

func (t *ReadFileTool) Name() string            { return "read_file" }
func (t *ReadFileTool) Description() string     { return "Read a file from the sandbox." }
func (t *ReadFileTool) Schema() json.RawMessage { return GenerateSchema[filePathInput]() }

func (t *ReadFileTool) Invoke(ctx context.Context, params Params) (string, error) {
	path := params.String("path")
	if path == "" {
		path = params.String("input")
	}
	return resultText(t.Binding.ReadFile(ctx, path)), nil
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"required" jsonschema_description:"File path inside the sandbox"`
	Content string `json:"content" jsonschema:"required" jsonschema_description:"Full file contents to write"`
}

// WriteFileTool writes one sandbox file.
type WriteFileTool struct {
	Binding *sandbox.Binding
}

func (t *WriteFileTool) Name() string            { return "write_file" }
func (t *WriteFileTool) Description() string     { return "Write a file into the sandbox, replacing any existing contents." }
func (t *WriteFileTool) Schema() json.RawMessage { return GenerateSchema[writeFileInput]() }

func (t *WriteFileTool) Invoke(ctx context.Context, params Params) (string, error) {
	return resultText(t.Binding.WriteFile(ctx, params.String("path"), params.String("content"))), nil
}

// AllFilesTool lists every file under a directory recursively.
type AllFilesTool struct {
	Binding *sandbox.Binding
}

func (t *AllFilesTool) Name() string            { return "get_all_files" }
func (t *AllFilesTool) Description() string     { return "Recursively list every file under a sandbox directory." }
func (t *AllFilesTool) Schema() json.RawMessage { return GenerateSchema[pathInput]() }

func (t *AllFilesTool) Invoke(ctx context.Context, params Params) (string, error) {
	dir := params.String("path")
	if dir == "" {
		dir = params.String("input")
	}
	return resultText(t.Binding.GetAllFilesRecursive(ctx, dir)), nil
}

// DescribeDataTool profiles a CSV file.
type DescribeDataTool struct {
	Binding *sandbox.Binding
}

func (t *DescribeDataTool) Name() string { return "describe_data" }
func (t *DescribeDataTool) Description() string {
	return "Profile a CSV file: shape, columns, dtypes, null counts, and the first rows."
}
func (t *DescribeDataTool) Schema() json.RawMessage { return GenerateSchema[filePathInput]() }

func (t *DescribeDataTool) Invoke(ctx context.Context, params Params) (string, error) {
	path := params.String("path")
	if path == "" {
		path = params.String("input")
	}
	return resultText(t.Binding.DescribeData(ctx, path)), nil
}

type shellInput struct {
	Cmd string `json:"cmd" jsonschema:"required" jsonschema_description:"Shell command to run (git, ls, etc.)"`
}

// ShellTool runs a shell command in the sandbox.
type ShellTool struct {
	Binding *sandbox.Binding
}

func (t *ShellTool) Name() string            { return "shell" }
func (t *ShellTool) Description() string     { return "Run a shell command in the sandbox (git and friends)." }
func (t *ShellTool) Schema() json.RawMessage { return GenerateSchema[shellInput]() }

func (t *ShellTool) Invoke(ctx context.Context, params Params) (string, error) {
	cmd := params.String("cmd")
	if cmd == "" {
		cmd = params.String("input")
	}
	return resultText(t.Binding.Exec(ctx, cmd)), nil
}

// resultText folds the sandbox (ok, payload) shape into text. Failures stay
// in-band: the agent reads the diagnostic and decides what to do.
func resultText(res sandbox.Result) string {
	if res.OK {
		return res.Payload
	}
	return "ERROR: " + res.Payload
}

// RegisterSandboxTools adds the full sandbox tool surface for one binding.
func RegisterSandboxTools(r *Registry, b *sandbox.Binding) {
	r.Register(&ExecuteCodeTool{Binding: b})
	r.Register(&PipInstallTool{Binding: b})
	r.Register(&ListFilesTool{Binding: b})
	r.Register(&ReadFileTool{Binding: b})
	r.Register(&WriteFileTool{Binding: b})
	r.Register(&AllFilesTool{Binding: b})
	r.Register(&DescribeDataTool{Binding: b})
	r.Register(&ShellTool{Binding: b})
}
