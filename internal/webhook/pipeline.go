package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devforgehq/forged/internal/agent"
	"github.com/devforgehq/forged/internal/audit"
	"github.com/devforgehq/forged/internal/config"
	"github.com/devforgehq/forged/internal/embedder"
	"github.com/devforgehq/forged/internal/llm"
	"github.com/devforgehq/forged/internal/metrics"
	"github.com/devforgehq/forged/internal/orchestrator"
	"github.com/devforgehq/forged/internal/rag"
	"github.com/devforgehq/forged/internal/roles"
	"github.com/devforgehq/forged/internal/tools"
	"github.com/devforgehq/forged/internal/vector"
)

// PRCreator opens the draft pull request once the patch survives the
// guardrails and the test loop. The PR is always a draft; nothing in this
// system merges.
type PRCreator interface {
	CreateDraftPR(ctx context.Context, repo, branch, title, body string) (url string, err error)
}

// Pipeline runs the autonomous clone-analyze-patch-test-PR flow.
type Pipeline struct {
	cfg      *config.Config
	chain    *llm.Chain
	embed    embedder.Embedder
	jobs     *JobStore
	auditLog *audit.Log
	metrics  *metrics.Metrics
	creator  PRCreator

	workRoot string
}

// NewPipeline wires the pipeline. creator may be nil; jobs then fail at the
// posting step with a clear reason instead of silently skipping the PR.
func NewPipeline(cfg *config.Config, chain *llm.Chain, embed embedder.Embedder, jobs *JobStore, auditLog *audit.Log, m *metrics.Metrics, creator PRCreator) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		chain:    chain,
		embed:    embed,
		jobs:     jobs,
		auditLog: auditLog,
		metrics:  m,
		creator:  creator,
		workRoot: filepath.Join(cfg.Workspace.DataDir, "work"),
	}
}

// Run executes one job to a terminal status. Implements the ingress Runner
// contract; always called off the ack path.
func (p *Pipeline) Run(job *Job) {
	deadline := p.cfg.Webhook.JobDeadline.Std()
	if deadline <= 0 {
		deadline = 15 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	workDir := filepath.Join(p.workRoot, uuid.NewString())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		p.fail(job, fmt.Sprintf("create scratch dir: %v", err))
		return
	}
	// Scratch is removed on every exit path.
	defer os.RemoveAll(workDir)

	if err := p.run(ctx, job, workDir); err != nil {
		if job.Status != StatusFailed && job.Status != StatusRejected {
			p.fail(job, err.Error())
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job *Job, workDir string) error {
	// 1. Clone.
	p.transition(job, StatusAnalyzing, "")
	checkout := filepath.Join(workDir, "checkout")
	cloneRunner := tools.NewShellRunner(workDir, []string{"git"})
	if out, err := cloneRunner.Run(ctx, []string{"git", "clone", "--depth", "1", job.CloneURL, checkout}); err != nil {
		return fmt.Errorf("clone %s: %v: %s", job.Repository, err, out)
	}

	// 2. Codebase index over the checkout.
	indexDir := filepath.Join(workDir, "index")
	store, err := vector.Open(indexDir, "codebase", p.embed.Dimension(), p.embed.Provenance())
	if err != nil {
		return fmt.Errorf("open job index: %w", err)
	}
	indexer := rag.NewIndexer(checkout, indexDir, store, p.embed, p.cfg.Retrieval)
	if err := indexer.Index(ctx, false); err != nil {
		return fmt.Errorf("index checkout: %w", err)
	}

	// Per-job tool surface: a registry scoped to the checkout.
	registry, runner, err := p.jobRegistry(checkout)
	if err != nil {
		return err
	}
	loop := agent.New(agent.Config{
		Provider:     p.chain,
		Registry:     registry,
		Indexer:      indexer,
		MaxToolCalls: p.cfg.Roles.MaxToolCalls,
		CodebaseK:    p.cfg.Retrieval.CodebaseK,
		RecentTurns:  p.cfg.Roles.RecentTurns,
	})
	orch := orchestrator.New(loop, registry, p.metrics, p.cfg.Pipeline, p.cfg.Roles)

	// 3. Planner diagnosis.
	plannerRole, _ := roles.WithOverrides(roles.Planner, p.cfg.Roles)
	diagnosis, err := loop.Run(ctx, agent.Request{
		Role:      plannerRole,
		SessionID: job.DeliveryID,
		Input: fmt.Sprintf(
			"A %s event arrived for %s.\nTitle: %s\n\n%s\n\n"+
				"Diagnose the problem and list the files that need to change, one per line, prefixed with 'file: '.",
			job.Event, job.Repository, job.Title, job.Body),
	})
	if err != nil {
		return fmt.Errorf("planner: %w", err)
	}

	// 4. Coder patch.
	p.transition(job, StatusPatching, "")
	coderRole, _ := roles.WithOverrides(roles.Coder, p.cfg.Roles)
	patchReply, err := loop.Run(ctx, agent.Request{
		Role:      coderRole,
		SessionID: job.DeliveryID,
		Input: "Based on this diagnosis, produce a unified diff implementing the fix. " +
			"Reply with the diff only.\n\n" + diagnosis.Content,
	})
	if err != nil {
		return fmt.Errorf("coder: %w", err)
	}
	diff := orchestrator.ExtractDiff(patchReply.Content)

	// 5. Guardrails.
	guard := &Guardrail{
		Sensitive: p.cfg.Tools.SensitivePaths,
		MaxBytes:  p.cfg.Webhook.PatchMaxBytes,
		Scope:     declaredScope(diagnosis.Content),
	}
	if reason, err := guard.Check(diff); err != nil {
		p.reject(job, reason, err.Error())
		return nil
	}

	// 6. Apply and test.
	if err := applyDiff(ctx, runner, checkout, diff); err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}
	p.transition(job, StatusTesting, "")
	fix, err := orch.TestAndFix(ctx, orchestrator.FixOptions{
		SessionID: job.DeliveryID,
		Runner: &orchestrator.ShellTestRunner{
			Registry: registry,
			Argv:     p.cfg.Tools.TestRunner,
			Actor:    job.DeliveryID,
		},
	})
	if err != nil {
		return fmt.Errorf("test loop: %w", err)
	}
	if fix.Outcome != "ok" {
		p.fail(job, "test-and-fix exhausted: "+clip(fix.Final, 500))
		return nil
	}

	// 7. Draft PR.
	p.transition(job, StatusPosting, "")
	branch := "forged/autofix-" + job.DeliveryID
	if out, err := runner.Run(ctx, []string{"git", "checkout", "-b", branch}); err != nil {
		return fmt.Errorf("create branch: %v: %s", err, out)
	}
	if out, err := runner.Run(ctx, []string{"git", "add", "-A"}); err != nil {
		return fmt.Errorf("stage: %v: %s", err, out)
	}
	if out, err := runner.Run(ctx, []string{"git", "commit", "-m", "Automated fix for " + job.Title}); err != nil {
		return fmt.Errorf("commit: %v: %s", err, out)
	}
	if p.creator == nil {
		p.fail(job, "no pull-request credentials configured")
		return nil
	}
	prBody := fmt.Sprintf("## Diagnosis\n\n%s\n\n## Test transcript\n\n```\n%s\n```", diagnosis.Content, clip(fix.Final, 4000))
	url, err := p.creator.CreateDraftPR(ctx, job.Repository, branch, "Automated fix: "+job.Title, prBody)
	if err != nil {
		return fmt.Errorf("create draft PR: %w", err)
	}

	// 8. Done.
	job.Outcome = url
	p.transition(job, StatusDone, url)
	p.metrics.WebhookOutcome.WithLabelValues(job.Event, string(StatusDone)).Inc()
	return nil
}

func (p *Pipeline) jobRegistry(checkout string) (*tools.Registry, *tools.ShellRunner, error) {
	registry := tools.NewRegistry(tools.RegistryConfig{
		Audit:          p.auditLog,
		MaxInflight:    p.cfg.Gateway.MaxToolInflight,
		DefaultTimeout: p.cfg.Tools.Timeout.Std(),
		MaxTimeout:     p.cfg.Tools.MaxTimeout.Std(),
	})
	policy := tools.NewPathPolicy(checkout, p.cfg.Tools.SensitivePaths)
	runner := tools.NewShellRunner(checkout, p.cfg.Tools.ShellWhitelist)

	for _, t := range []tools.Tool{
		tools.NewReadFileTool(policy),
		tools.NewWriteFileTool(policy),
		tools.NewListFilesTool(policy),
		tools.NewRunShellTool(runner),
		tools.NewGitStatusTool(runner),
		tools.NewGitDiffTool(runner),
	} {
		if err := registry.Register(t); err != nil {
			return nil, nil, err
		}
	}
	registry.Freeze()
	return registry, runner, nil
}

func applyDiff(ctx context.Context, runner *tools.ShellRunner, checkout, diff string) error {
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}
	patchFile, err := filepath.Abs(filepath.Join(checkout, "..", "patch.diff"))
	if err != nil {
		return err
	}
	if err := os.WriteFile(patchFile, []byte(diff), 0o644); err != nil {
		return err
	}
	defer os.Remove(patchFile)
	if out, err := runner.Run(ctx, []string{"git", "apply", "--whitespace=nowarn", patchFile}); err != nil {
		return fmt.Errorf("%v: %s", err, out)
	}
	return nil
}

// declaredScope extracts the planner's "file: path" lines.
func declaredScope(diagnosis string) []string {
	var scope []string
	for _, line := range strings.Split(diagnosis, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "file: "); ok {
			if rest = strings.TrimSpace(rest); rest != "" {
				scope = append(scope, rest)
			}
		}
	}
	return scope
}

func (p *Pipeline) transition(job *Job, status Status, detail string) {
	job.Status = status
	if status == StatusDone {
		job.Completed = time.Now().UTC()
	}
	if err := p.jobs.Save(job); err != nil {
		slog.Warn("job snapshot save failed", "delivery", job.DeliveryID, "error", err)
	}
	p.auditLog.Record(job.DeliveryID, "pipeline_"+string(status), job.Repository, string(status), detail)
}

func (p *Pipeline) fail(job *Job, reason string) {
	job.Status = StatusFailed
	job.Outcome = reason
	job.Completed = time.Now().UTC()
	if err := p.jobs.Save(job); err != nil {
		slog.Warn("job snapshot save failed", "delivery", job.DeliveryID, "error", err)
	}
	p.auditLog.Record(job.DeliveryID, "pipeline_failed", job.Repository, "failed", reason)
	p.metrics.WebhookOutcome.WithLabelValues(job.Event, string(StatusFailed)).Inc()
	slog.Warn("autonomous job failed", "delivery", job.DeliveryID, "reason", reason)
}

func (p *Pipeline) reject(job *Job, reason RejectionReason, detail string) {
	job.Status = StatusRejected
	job.Outcome = string(reason)
	job.Completed = time.Now().UTC()
	if err := p.jobs.Save(job); err != nil {
		slog.Warn("job snapshot save failed", "delivery", job.DeliveryID, "error", err)
	}
	p.auditLog.Record(job.DeliveryID, "guardrail_rejected", job.Repository, "rejected", string(reason)+": "+detail)
	p.metrics.WebhookOutcome.WithLabelValues(job.Event, string(StatusRejected)).Inc()
	slog.Warn("autonomous job rejected", "delivery", job.DeliveryID, "reason", reason)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
