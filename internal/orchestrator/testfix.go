package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devforgehq/forged/internal/agent"
	"github.com/devforgehq/forged/internal/roles"
	"github.com/devforgehq/forged/internal/tools"
)

// TestRunner runs the configured test command and reports pass/fail plus
// output. The default implementation shells out through the whitelisted
// runner; tests substitute their own.
type TestRunner interface {
	RunTests(ctx context.Context, path string) (passed bool, output string, err error)
}

// ShellTestRunner executes the configured test argv via run_shell.
type ShellTestRunner struct {
	Registry *tools.Registry
	Argv     []string
	Actor    string
}

func (r *ShellTestRunner) RunTests(ctx context.Context, path string) (bool, string, error) {
	argv := append([]string{}, r.Argv...)
	if path != "" {
		argv = append(argv, path)
	}
	anyArgs := make([]any, len(argv))
	for i, a := range argv {
		anyArgs[i] = a
	}
	res := r.Registry.Invoke(ctx, tools.Invocation{
		Tool:  "run_shell",
		Args:  map[string]any{"argv": anyArgs},
		Actor: r.Actor,
	})
	if res.Err != nil {
		return false, res.ForLLM, res.Err
	}
	return !res.IsError, res.ForLLM, nil
}

// FixOptions configures one test-and-fix task.
type FixOptions struct {
	SessionID  string
	Path       string // optional path hint passed to the runner
	Runner     TestRunner
	AutoCommit bool // opt-in; overrides the config default when true
}

// TestAndFix repeats run-tests → coder-patch → apply until the suite passes
// or the iteration cap is spent. Exhaustion terminates with outcome
// "unfixed" and the latest failing output as the final message.
func (o *Orchestrator) TestAndFix(ctx context.Context, opts FixOptions) (*TaskResult, error) {
	task := &TaskResult{TaskID: uuid.NewString(), Mode: "test_and_fix"}

	ctx, span := o.tracer.Start(ctx, "task.test_and_fix")
	defer span.End()

	maxIter := o.cfg.FixIterations
	if maxIter <= 0 {
		maxIter = 5
	}
	runner := opts.Runner
	if runner == nil {
		return nil, fmt.Errorf("test-and-fix: no test runner configured")
	}

	coder, err := roles.WithOverrides(roles.Coder, o.rolesCfg)
	if err != nil {
		return nil, err
	}

	var lastOutput string
	for iteration := 1; iteration <= maxIter; iteration++ {
		if err := ctx.Err(); err != nil {
			task.Outcome = "failed"
			o.metrics.TaskOutcome.WithLabelValues("test_and_fix", "failed").Inc()
			return task, err
		}

		passed, output, err := runner.RunTests(ctx, opts.Path)
		if err != nil {
			task.Outcome = "failed"
			task.Final = output
			o.metrics.TaskOutcome.WithLabelValues("test_and_fix", "failed").Inc()
			return task, err
		}
		lastOutput = output

		if passed {
			task.Outcome = "ok"
			task.Final = fmt.Sprintf("tests passing after %d iteration(s)\n%s", iteration-1, output)
			if opts.AutoCommit || o.cfg.AutoCommit {
				o.autoCommit(ctx, opts.SessionID, iteration-1)
			}
			o.metrics.TaskOutcome.WithLabelValues("test_and_fix", "ok").Inc()
			return task, nil
		}

		start := time.Now()
		res, err := o.loop.Run(ctx, agent.Request{
			Role:      coder,
			SessionID: opts.SessionID,
			Input: "The test suite is failing. Produce a unified diff that fixes " +
				"the code under test (not the tests). Reply with the diff only.\n\n" +
				"Failing output:\n" + clipOutput(output, 6000),
		})
		if err != nil {
			task.Outcome = "failed"
			task.Final = lastOutput
			o.metrics.TaskOutcome.WithLabelValues("test_and_fix", "failed").Inc()
			return task, err
		}
		o.metrics.ObserveRole(roles.Coder, res.Elapsed)
		task.Usage.Add(&res.Usage)
		task.Messages = append(task.Messages, RoleMessage{
			Role: roles.Coder, Content: res.Content,
			Start: start, End: time.Now(), Elapsed: res.Elapsed,
		})

		if err := o.applyPatch(ctx, opts.SessionID, res.Content); err != nil {
			// A bad patch is data for the next round, not a task failure.
			lastOutput = fmt.Sprintf("patch did not apply: %v\n%s", err, lastOutput)
		}
	}

	task.Outcome = "unfixed"
	task.Final = lastOutput
	o.metrics.TaskOutcome.WithLabelValues("test_and_fix", "unfixed").Inc()
	return task, nil
}

var diffFence = regexp.MustCompile("(?s)```(?:diff|patch)?\\n(.*?)```")

// ExtractDiff pulls a unified diff out of a model reply, tolerating fenced
// blocks and leading prose.
func ExtractDiff(reply string) string {
	if m := diffFence.FindStringSubmatch(reply); m != nil {
		reply = m[1]
	}
	if idx := strings.Index(reply, "diff --git"); idx >= 0 {
		return strings.TrimSpace(reply[idx:])
	}
	if idx := strings.Index(reply, "--- "); idx >= 0 {
		return strings.TrimSpace(reply[idx:])
	}
	return ""
}

// applyPatch writes the diff to a scratch file and applies it via the
// whitelisted git path.
func (o *Orchestrator) applyPatch(ctx context.Context, actor, reply string) error {
	diff := ExtractDiff(reply)
	if diff == "" {
		return fmt.Errorf("reply contains no unified diff")
	}
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}

	tmp, err := os.CreateTemp("", "forged-patch-*.diff")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(diff); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	res := o.registry.Invoke(ctx, tools.Invocation{
		Tool:  "run_shell",
		Args:  map[string]any{"argv": []any{"git", "apply", "--whitespace=nowarn", filepath.Clean(tmp.Name())}},
		Actor: actor,
	})
	if res.IsError {
		return fmt.Errorf("git apply: %s", res.ForLLM)
	}
	return nil
}

func (o *Orchestrator) autoCommit(ctx context.Context, actor string, iterations int) {
	o.registry.Invoke(ctx, tools.Invocation{
		Tool:  "git_commit",
		Args:  map[string]any{"message": fmt.Sprintf("Fix failing tests (%d repair iterations)", iterations)},
		Actor: actor,
	})
}

func clipOutput(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
