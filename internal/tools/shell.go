package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

const maxShellOutput = 64 * 1024

// ShellRunner executes whitelisted binaries with an argv list. There is
// never a shell interpreter between the argv and the kernel: the binary is
// resolved and exec'd directly, so user-supplied strings cannot be
// interpolated into a command line.
type ShellRunner struct {
	workdir   string
	whitelist map[string]bool
}

// NewShellRunner builds a runner over workdir accepting only the listed
// argv[0] values.
func NewShellRunner(workdir string, whitelist []string) *ShellRunner {
	wl := make(map[string]bool, len(whitelist))
	for _, w := range whitelist {
		wl[w] = true
	}
	return &ShellRunner{workdir: workdir, whitelist: wl}
}

// Workdir returns the runner's working directory.
func (r *ShellRunner) Workdir() string { return r.workdir }

// Allowed reports whether argv[0] passes the whitelist.
func (r *ShellRunner) Allowed(bin string) bool {
	return r.whitelist[filepath.Base(bin)]
}

// Run executes argv and returns combined output. Output is truncated to a
// bounded size; a non-zero exit is an intrinsic tool failure, not a system
// error.
func (r *ShellRunner) Run(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty argv")
	}
	if !r.Allowed(argv[0]) {
		return "", fmt.Errorf("binary %q is not whitelisted", argv[0])
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.workdir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := buf.String()
	if len(out) > maxShellOutput {
		out = out[:maxShellOutput] + "\n... (output truncated)"
	}
	return out, err
}

// RunShellTool exposes the runner to agents.
type RunShellTool struct {
	runner *ShellRunner
}

func NewRunShellTool(runner *ShellRunner) *RunShellTool { return &RunShellTool{runner: runner} }

func (t *RunShellTool) Name() string { return "run_shell" }
func (t *RunShellTool) Description() string {
	return "Run a whitelisted binary with an argument list (no shell interpretation)"
}
func (t *RunShellTool) Capability() Capability { return CapRunShell }
func (t *RunShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"argv": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"minItems":    1,
				"description": "Command and arguments as a list; argv[0] must be whitelisted",
			},
		},
		"required": []string{"argv"},
	}
}

func (t *RunShellTool) Execute(ctx context.Context, args map[string]any) *Result {
	argv := stringSlice(args["argv"])
	if len(argv) == 0 {
		return ErrorResult("argv is required")
	}
	if !t.runner.Allowed(argv[0]) {
		return DeniedResult(fmt.Sprintf("binary %q is not whitelisted", argv[0]))
	}

	out, err := t.runner.Run(ctx, argv)
	target := strings.Join(argv, " ")
	if err != nil {
		if out == "" {
			out = err.Error()
		}
		return ErrorResult(out).withTarget(target)
	}
	return NewResult(out).withTarget(target)
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil
		}
		out = append(out, s)
	}
	return out
}
