package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// gitTool is the shared base for the git surface. All subcommands go
// through the ShellRunner's direct-exec path; mutating ones are audited by
// the registry via their capability tag.
type gitTool struct {
	runner *ShellRunner
}

func (g *gitTool) git(ctx context.Context, args ...string) (string, error) {
	return g.runner.Run(ctx, append([]string{"git"}, args...))
}

// ensureRepo initializes the repository when .git is absent.
func (g *gitTool) ensureRepo(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(g.runner.Workdir(), ".git")); err == nil {
		return nil
	}
	if out, err := g.git(ctx, "init"); err != nil {
		return fmt.Errorf("git init: %v: %s", err, out)
	}
	return nil
}

// GitCommitTool stages everything and commits.
type GitCommitTool struct{ gitTool }

func NewGitCommitTool(runner *ShellRunner) *GitCommitTool {
	return &GitCommitTool{gitTool{runner: runner}}
}

func (t *GitCommitTool) Name() string           { return "git_commit" }
func (t *GitCommitTool) Description() string    { return "Stage all changes and create a commit" }
func (t *GitCommitTool) Capability() Capability { return CapGitMutate }
func (t *GitCommitTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Commit message",
			},
		},
		"required": []string{"message"},
	}
}

func (t *GitCommitTool) Execute(ctx context.Context, args map[string]any) *Result {
	message, _ := args["message"].(string)
	if err := t.ensureRepo(ctx); err != nil {
		return ErrorResult(err.Error())
	}
	if out, err := t.git(ctx, "add", "-A"); err != nil {
		return ErrorResult(fmt.Sprintf("git add: %v: %s", err, out))
	}
	out, err := t.git(ctx, "commit", "-m", message)
	if err != nil {
		return ErrorResult(fmt.Sprintf("git commit: %v: %s", err, out))
	}
	hash, herr := t.git(ctx, "rev-parse", "--short", "HEAD")
	if herr == nil {
		hash = strings.TrimSpace(hash)
	}
	return NewResult(out).withTarget("commit " + hash)
}

// GitCreateBranchTool creates and switches to a branch.
type GitCreateBranchTool struct{ gitTool }

func NewGitCreateBranchTool(runner *ShellRunner) *GitCreateBranchTool {
	return &GitCreateBranchTool{gitTool{runner: runner}}
}

func (t *GitCreateBranchTool) Name() string           { return "git_create_branch" }
func (t *GitCreateBranchTool) Description() string    { return "Create and switch to a new branch" }
func (t *GitCreateBranchTool) Capability() Capability { return CapGitMutate }
func (t *GitCreateBranchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Branch name",
			},
		},
		"required": []string{"name"},
	}
}

func (t *GitCreateBranchTool) Execute(ctx context.Context, args map[string]any) *Result {
	name, _ := args["name"].(string)
	out, err := t.git(ctx, "checkout", "-b", name)
	if err != nil {
		return ErrorResult(fmt.Sprintf("git checkout -b: %v: %s", err, out))
	}
	return NewResult(out).withTarget("branch " + name)
}

// GitStatusTool shows the working tree status.
type GitStatusTool struct{ gitTool }

func NewGitStatusTool(runner *ShellRunner) *GitStatusTool {
	return &GitStatusTool{gitTool{runner: runner}}
}

func (t *GitStatusTool) Name() string               { return "git_status" }
func (t *GitStatusTool) Description() string        { return "Show working tree status" }
func (t *GitStatusTool) Capability() Capability     { return CapReadFS }
func (t *GitStatusTool) Parameters() map[string]any { return emptyObjectSchema() }

func (t *GitStatusTool) Execute(ctx context.Context, args map[string]any) *Result {
	out, err := t.git(ctx, "status", "--short", "--branch")
	if err != nil {
		return ErrorResult(fmt.Sprintf("git status: %v: %s", err, out))
	}
	return NewResult(out)
}

// GitDiffTool shows the unstaged diff.
type GitDiffTool struct{ gitTool }

func NewGitDiffTool(runner *ShellRunner) *GitDiffTool {
	return &GitDiffTool{gitTool{runner: runner}}
}

func (t *GitDiffTool) Name() string               { return "git_diff" }
func (t *GitDiffTool) Description() string        { return "Show uncommitted changes as a unified diff" }
func (t *GitDiffTool) Capability() Capability     { return CapReadFS }
func (t *GitDiffTool) Parameters() map[string]any { return emptyObjectSchema() }

func (t *GitDiffTool) Execute(ctx context.Context, args map[string]any) *Result {
	out, err := t.git(ctx, "diff")
	if err != nil {
		return ErrorResult(fmt.Sprintf("git diff: %v: %s", err, out))
	}
	return NewResult(out)
}

// GitLogTool shows recent history.
type GitLogTool struct{ gitTool }

func NewGitLogTool(runner *ShellRunner) *GitLogTool {
	return &GitLogTool{gitTool{runner: runner}}
}

func (t *GitLogTool) Name() string           { return "git_log" }
func (t *GitLogTool) Description() string    { return "Show the last n commits" }
func (t *GitLogTool) Capability() Capability { return CapReadFS }
func (t *GitLogTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"n": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     100,
				"description": "Number of commits (default 10)",
			},
		},
	}
}

func (t *GitLogTool) Execute(ctx context.Context, args map[string]any) *Result {
	n := 10
	if raw, ok := args["n"].(float64); ok && raw > 0 {
		n = int(raw)
	}
	out, err := t.git(ctx, "log", "--oneline", "-n", strconv.Itoa(n))
	if err != nil {
		return ErrorResult(fmt.Sprintf("git log: %v: %s", err, out))
	}
	return NewResult(out)
}

// GitBranchesTool lists branches.
type GitBranchesTool struct{ gitTool }

func NewGitBranchesTool(runner *ShellRunner) *GitBranchesTool {
	return &GitBranchesTool{gitTool{runner: runner}}
}

func (t *GitBranchesTool) Name() string               { return "git_branches" }
func (t *GitBranchesTool) Description() string        { return "List local branches" }
func (t *GitBranchesTool) Capability() Capability     { return CapReadFS }
func (t *GitBranchesTool) Parameters() map[string]any { return emptyObjectSchema() }

func (t *GitBranchesTool) Execute(ctx context.Context, args map[string]any) *Result {
	out, err := t.git(ctx, "branch", "--list")
	if err != nil {
		return ErrorResult(fmt.Sprintf("git branch: %v: %s", err, out))
	}
	return NewResult(out)
}

func emptyObjectSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
