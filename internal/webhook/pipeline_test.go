package webhook

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devforgehq/forged/internal/audit"
	"github.com/devforgehq/forged/internal/config"
	"github.com/devforgehq/forged/internal/embedder"
	"github.com/devforgehq/forged/internal/llm"
	"github.com/devforgehq/forged/internal/metrics"
)

// scriptedLLM replies in order: first call planner, second call coder.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	i       int
}

func (s *scriptedLLM) Name() string         { return "scripted" }
func (s *scriptedLLM) DefaultModel() string { return "scripted" }

func (s *scriptedLLM) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.i >= len(s.replies) {
		return ""
	}
	r := s.replies[s.i]
	s.i++
	return r
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: s.next(), FinishReason: "stop"}, nil
}

func (s *scriptedLLM) Stream(ctx context.Context, req llm.Request, onChunk func(llm.Chunk)) (*llm.Response, error) {
	content := s.next()
	onChunk(llm.Chunk{Content: content, Done: false})
	onChunk(llm.Chunk{Done: true})
	return &llm.Response{Content: content, FinishReason: "stop"}, nil
}

func gitAvailable(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// makeOriginRepo builds a local repository the pipeline can clone.
func makeOriginRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		cmd.Env = append(cmd.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@example.com",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "%v: %s", args, out)
	}
	require.NoError(t, writeTestFile(filepath.Join(dir, "calc.py"), "def f(a, b):\n    return a - b\n"))
	run("git", "init")
	run("git", "add", "-A")
	run("git", "commit", "-m", "initial")
	return dir
}

func newPipelineFixture(t *testing.T, provider llm.Provider) (*Pipeline, *JobStore, string) {
	t.Helper()
	dataDir := t.TempDir()

	cfg := config.Default()
	cfg.Workspace.DataDir = dataDir
	cfg.Webhook.JobDeadline = config.Duration(time.Minute)

	auditPath := filepath.Join(dataDir, "audit.log")
	log, err := audit.Open(auditPath)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	jobs, err := NewJobStore(filepath.Join(dataDir, "jobs"))
	require.NoError(t, err)

	chain := llm.NewChain(provider)
	p := NewPipeline(cfg, chain, embedder.NewLocal(64), jobs, log, metrics.New(), nil)
	return p, jobs, auditPath
}

func TestPipelineGuardrailRejectsSensitivePatch(t *testing.T) {
	gitAvailable(t)
	origin := makeOriginRepo(t)

	// Planner diagnoses; coder proposes a patch that rewrites .env.
	provider := &scriptedLLM{replies: []string{
		"The configuration is wrong.\nfile: .env",
		"--- a/.env\n+++ b/.env\n@@ -0,0 +1 @@\n+API_KEY=stolen\n",
	}}
	p, jobs, auditPath := newPipelineFixture(t, provider)

	job := &Job{
		DeliveryID: "dlv-guardrail",
		Event:      "pull_request",
		Repository: "local/origin",
		CloneURL:   origin,
		Status:     StatusReceived,
		Created:    time.Now().UTC(),
		Title:      "update config",
	}
	require.NoError(t, jobs.Save(job))

	p.Run(job)

	final, ok := jobs.Get("dlv-guardrail")
	require.True(t, ok)
	assert.Equal(t, StatusRejected, final.Status)
	assert.Equal(t, string(ReasonSensitivePath), final.Outcome)
	assert.False(t, final.Completed.IsZero())

	// Audit trail: analyzing → patching → rejected, with the reason.
	entries := readAudit(t, auditPath)
	var actions []string
	var sawReason bool
	for _, e := range entries {
		actions = append(actions, e.Action)
		if e.Action == "guardrail_rejected" && e.Outcome == "rejected" &&
			strings.Contains(e.Detail, "sensitive_path") {
			sawReason = true
		}
	}
	assert.Contains(t, actions, "pipeline_analyzing")
	assert.Contains(t, actions, "pipeline_patching")
	assert.Contains(t, actions, "guardrail_rejected")
	assert.True(t, sawReason, "rejected audit entry must carry reason sensitive_path")
}

func TestPipelineFailsWithoutPatch(t *testing.T) {
	gitAvailable(t)
	origin := makeOriginRepo(t)

	provider := &scriptedLLM{replies: []string{
		"Diagnosis without files.",
		"I am unable to produce a patch.",
	}}
	p, jobs, _ := newPipelineFixture(t, provider)

	job := &Job{
		DeliveryID: "dlv-nopatch",
		Event:      "issue",
		Repository: "local/origin",
		CloneURL:   origin,
		Status:     StatusReceived,
		Created:    time.Now().UTC(),
	}
	require.NoError(t, jobs.Save(job))

	p.Run(job)

	final, ok := jobs.Get("dlv-nopatch")
	require.True(t, ok)
	assert.Equal(t, StatusRejected, final.Status, "an empty patch is vetoed by the guardrail")
	assert.Equal(t, string(ReasonEmptyPatch), final.Outcome)
}

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
