package protocol

// Slash commands recognized by the gateway. A message whose trimmed content
// starts with "/" is parsed as "command [arg...]" and routed to the tool
// layer directly, bypassing the LLM.
const (
	CmdHelp         = "/help"
	CmdAutofix      = "/autofix"
	CmdTest         = "/test"
	CmdGitCommit    = "/git_commit"
	CmdGitBranch    = "/git_create_branch"
	CmdGitStatus    = "/git_status"
)

// HelpText is streamed back for /help.
const HelpText = `Commands:
  /help                    show this help
  /autofix [path]          run the test-and-fix loop on the workspace
  /test [args...]          run the test runner
  /git_commit "msg"        commit staged and unstaged changes
  /git_create_branch name  create and switch to a branch
  /git_status              show working tree status`
