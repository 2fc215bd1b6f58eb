// Package roles defines the closed set of agent personas. A role is plain
// configuration over the shared execution loop: system instruction, tool
// whitelist, and sampling profile. There is no role hierarchy; the
// orchestrator composes roles, it does not subclass them.
package roles

import (
	"fmt"

	"github.com/devforgehq/forged/internal/config"
)

// Profile is a role's sampling configuration.
type Profile struct {
	Temperature float64
	MaxTokens   int
}

// Role is one persona record.
type Role struct {
	Name    string
	System  string
	Tools   []string // tool whitelist; nil = every registered tool, empty = none
	Profile Profile
}

// Role names.
const (
	Planner       = "planner"
	Coder         = "coder"
	Reviewer      = "reviewer"
	PRReviewer    = "pr-reviewer"
	TestGenerator = "test-generator"
	Completer     = "completer"
	Developer     = "developer"
)

var readOnlyTools = []string{"read_file", "list_files", "git_status", "git_diff", "git_log", "git_branches"}

var codingTools = append([]string{
	"write_file", "run_python", "run_shell",
	"git_commit", "git_create_branch",
}, readOnlyTools...)

var builtin = map[string]Role{
	Planner: {
		Name: Planner,
		System: "You are a planning agent for a software project. Break the " +
			"request into a short, concrete plan: affected files, risks, and " +
			"the order of changes. Do not write code; produce a diagnosis and " +
			"a numbered plan.",
		Tools:   readOnlyTools,
		Profile: Profile{Temperature: 0.3, MaxTokens: 1000},
	},
	Coder: {
		Name: Coder,
		System: "You are a coding agent. Implement the requested change with " +
			"minimal, focused edits. Prefer reading the relevant files before " +
			"editing. When asked for a patch, reply with a unified diff only.",
		Tools:   codingTools,
		Profile: Profile{Temperature: 0.1, MaxTokens: 2000},
	},
	Reviewer: {
		Name: Reviewer,
		System: "You are a code review agent. Check the proposed change for " +
			"correctness, regressions, and style drift. Point at concrete " +
			"lines; approve only when you would merge it yourself.",
		Tools:   readOnlyTools,
		Profile: Profile{Temperature: 0.2, MaxTokens: 1500},
	},
	PRReviewer: {
		Name: PRReviewer,
		System: "You are reviewing a pull request. Summarize the intent, flag " +
			"risky hunks, and produce actionable review comments grouped by " +
			"file.",
		Tools:   readOnlyTools,
		Profile: Profile{Temperature: 0.2, MaxTokens: 1500},
	},
	TestGenerator: {
		Name: TestGenerator,
		System: "You are a test-generation agent. Read the code under test and " +
			"produce focused tests for the observable behavior, including the " +
			"edge cases the implementation hints at.",
		Tools:   codingTools,
		Profile: Profile{Temperature: 0.1, MaxTokens: 1500},
	},
	Completer: {
		Name: Completer,
		System: "You complete code at a cursor position. Reply with the " +
			"completion text only: no prose, no markdown fences.",
		Tools:   []string{},
		Profile: Profile{Temperature: 0.1, MaxTokens: 500},
	},
	Developer: {
		Name: Developer,
		System: "You are a software development assistant with access to the " +
			"user's workspace. Answer questions, make edits, and run tools as " +
			"needed. Be direct and concrete.",
		Tools:   codingTools,
		Profile: Profile{Temperature: 0.2, MaxTokens: 2000},
	},
}

// Get returns a role by name.
func Get(name string) (Role, error) {
	r, ok := builtin[name]
	if !ok {
		return Role{}, fmt.Errorf("unknown role %q", name)
	}
	return r, nil
}

// Names lists the closed role set.
func Names() []string {
	return []string{Planner, Coder, Reviewer, PRReviewer, TestGenerator, Completer, Developer}
}

// WithOverrides returns the role with config profile overrides applied.
func WithOverrides(name string, cfg config.RolesConfig) (Role, error) {
	r, err := Get(name)
	if err != nil {
		return Role{}, err
	}
	if ov, ok := cfg.Profiles[name]; ok {
		if ov.Temperature != nil {
			r.Profile.Temperature = *ov.Temperature
		}
		if ov.MaxTokens != nil {
			r.Profile.MaxTokens = *ov.MaxTokens
		}
	}
	return r, nil
}
