package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devforgehq/forged/internal/fault"
	"github.com/devforgehq/forged/internal/orchestrator"
	"github.com/devforgehq/forged/internal/store"
	"github.com/devforgehq/forged/internal/tools"
	"github.com/devforgehq/forged/pkg/protocol"
)

// handleSlashCommand routes a /command straight to the tool layer. The LLM
// is never involved: a stubbed-out model must not break /git_status.
func (c *Client) handleSlashCommand(content string) {
	cmd, args := splitCommand(content)

	c.enqueue(protocol.NewStartFrame(c.session.ID))

	var output string
	var failed bool
	switch cmd {
	case protocol.CmdHelp:
		output = protocol.HelpText

	case protocol.CmdGitStatus:
		output, failed = c.invokeTool("git_status", nil)

	case protocol.CmdGitCommit:
		msg := strings.Trim(strings.Join(args, " "), `"`)
		if msg == "" {
			output, failed = "usage: /git_commit \"message\"", true
			break
		}
		output, failed = c.invokeTool("git_commit", map[string]any{"message": msg})

	case protocol.CmdGitBranch:
		if len(args) != 1 {
			output, failed = "usage: /git_create_branch name", true
			break
		}
		output, failed = c.invokeTool("git_create_branch", map[string]any{"name": args[0]})

	case protocol.CmdTest:
		runner := c.testRunner()
		passed, out, err := runner.RunTests(c.session.Context(), strings.Join(args, " "))
		output = out
		failed = err != nil || !passed

	case protocol.CmdAutofix:
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		task, err := c.server.orch.TestAndFix(c.session.Context(), orchestrator.FixOptions{
			SessionID: c.session.ID,
			Path:      path,
			Runner:    c.testRunner(),
		})
		switch {
		case err != nil:
			output, failed = fmt.Sprintf("autofix failed: %v", err), true
		case task.Outcome == "ok":
			output = task.Final
		default:
			output, failed = fmt.Sprintf("autofix exhausted (%s):\n%s", task.Outcome, task.Final), true
		}

	default:
		c.enqueue(protocol.NewErrorFrame(string(fault.KindInvalidInput), "unknown command: "+cmd))
		return
	}

	if failed && output == "" {
		output = "command failed"
	}
	c.enqueue(protocol.NewChunkFrame(output))

	idx := c.session.NextTurnIndex()
	argsJSON, _ := json.Marshal(args)
	c.persistTurn(store.Turn{
		Session:    c.session.ID,
		Role:       "tool",
		Content:    output,
		Index:      idx,
		ToolName:   strings.TrimPrefix(cmd, "/"),
		ToolArgs:   string(argsJSON),
		ToolDigest: digest(output),
	})

	c.enqueue(protocol.NewEndFrame(c.session.ID, idx))
}

func (c *Client) invokeTool(name string, args map[string]any) (string, bool) {
	c.session.CountTool()
	res := c.server.registry.Invoke(c.session.Context(), tools.Invocation{
		Tool:  name,
		Args:  args,
		Actor: c.session.ID,
	})
	return res.ForLLM, res.IsError
}

func (c *Client) testRunner() *orchestrator.ShellTestRunner {
	return &orchestrator.ShellTestRunner{
		Registry: c.server.registry,
		Argv:     c.server.cfg.Tools.TestRunner,
		Actor:    c.session.ID,
	}
}

// splitCommand parses "/cmd arg1 arg2" honoring double quotes around a
// single argument.
func splitCommand(content string) (string, []string) {
	fields := splitQuoted(content)
	if len(fields) == 0 {
		return content, nil
	}
	return fields[0], fields[1:]
}

func splitQuoted(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// digest summarizes tool output for the persisted tool-call record.
func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
