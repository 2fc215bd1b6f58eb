// Package orchestrator composes role agents into tasks: a single role for
// interactive chat, the planner→coder→reviewer pipeline, and the
// test-and-fix loop. It owns the pipeline definition and the budgets, not
// the role instances.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/devforgehq/forged/internal/agent"
	"github.com/devforgehq/forged/internal/config"
	"github.com/devforgehq/forged/internal/fault"
	"github.com/devforgehq/forged/internal/llm"
	"github.com/devforgehq/forged/internal/metrics"
	"github.com/devforgehq/forged/internal/roles"
	"github.com/devforgehq/forged/internal/tools"
)

// RoleMessage records one executed role step.
type RoleMessage struct {
	Role    string        `json:"role"`
	Content string        `json:"content"`
	Start   time.Time     `json:"start"`
	End     time.Time     `json:"end"`
	Partial bool          `json:"partial,omitempty"` // hard deadline hit
	Elapsed time.Duration `json:"elapsed"`
}

// TaskResult is the outcome of one orchestrated task.
type TaskResult struct {
	TaskID   string        `json:"task_id"`
	Mode     string        `json:"mode"` // "single", "pipeline", "test_and_fix"
	Messages []RoleMessage `json:"messages"`
	Final    string        `json:"final"`
	Degraded bool          `json:"degraded"`
	Outcome  string        `json:"outcome"` // "ok", "degraded", "unfixed", "failed"
	Usage    llm.Usage     `json:"usage"`
}

// Orchestrator runs tasks over the shared role loop.
type Orchestrator struct {
	loop     *agent.Loop
	registry *tools.Registry
	metrics  *metrics.Metrics
	cfg      config.PipelineConfig
	rolesCfg config.RolesConfig
	tracer   oteltrace.Tracer
}

// New wires the orchestrator.
func New(loop *agent.Loop, registry *tools.Registry, m *metrics.Metrics, cfg config.PipelineConfig, rolesCfg config.RolesConfig) *Orchestrator {
	return &Orchestrator{
		loop:     loop,
		registry: registry,
		metrics:  m,
		cfg:      cfg,
		rolesCfg: rolesCfg,
		tracer:   otel.Tracer("forged/orchestrator"),
	}
}

// Single runs one role with the interactive deadline. Streaming is passed
// through to the caller's OnChunk.
func (o *Orchestrator) Single(ctx context.Context, roleName string, req agent.Request) (*TaskResult, error) {
	role, err := roles.WithOverrides(roleName, o.rolesCfg)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidInput, "resolve role", err)
	}
	req.Role = role

	deadline := o.cfg.SingleDeadline.Std()
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	runCtx, span := o.tracer.Start(runCtx, "task.single",
		oteltrace.WithAttributes(attribute.String("role", roleName)))
	defer span.End()

	task := &TaskResult{TaskID: uuid.NewString(), Mode: "single"}
	start := time.Now()
	res, err := o.loop.Run(runCtx, req)
	if err != nil {
		o.metrics.TaskOutcome.WithLabelValues("single", "failed").Inc()
		return nil, err
	}
	o.metrics.ObserveRole(roleName, res.Elapsed)
	o.metrics.TaskOutcome.WithLabelValues("single", "ok").Inc()

	task.Messages = append(task.Messages, RoleMessage{
		Role: roleName, Content: res.Content,
		Start: start, End: time.Now(), Elapsed: res.Elapsed,
	})
	task.Final = res.Content
	task.Outcome = "ok"
	task.Usage = res.Usage
	return task, nil
}

// pipelineRoles is the fixed pipeline definition.
var pipelineRoles = []string{roles.Planner, roles.Coder, roles.Reviewer}

// Pipeline runs planner → coder → reviewer. Each role sees the previous
// role's final message as its input. A role past the soft deadline logs a
// warning and continues; past the hard deadline it is cancelled and the
// task advances with whatever output had streamed, marked degraded.
func (o *Orchestrator) Pipeline(ctx context.Context, sessionID, input string, history []llm.Message) (*TaskResult, error) {
	task := &TaskResult{TaskID: uuid.NewString(), Mode: "pipeline", Outcome: "ok"}

	ctx, span := o.tracer.Start(ctx, "task.pipeline",
		oteltrace.WithAttributes(attribute.String("session", sessionID)))
	defer span.End()

	soft := o.cfg.SoftDeadline.Std()
	hard := o.cfg.HardDeadline.Std()
	if soft <= 0 {
		soft = 5 * time.Second
	}
	if hard <= 0 {
		hard = 15 * time.Second
	}

	roleInput := input
	for _, roleName := range pipelineRoles {
		if err := ctx.Err(); err != nil {
			task.Outcome = "failed"
			o.metrics.TaskOutcome.WithLabelValues("pipeline", "failed").Inc()
			return task, fault.Wrap(fault.KindTimeout, "pipeline cancelled", err)
		}

		msg, err := o.runPipelineRole(ctx, roleName, sessionID, roleInput, history, soft, hard)
		if err != nil {
			task.Outcome = "failed"
			o.metrics.TaskOutcome.WithLabelValues("pipeline", "failed").Inc()
			return task, err
		}
		task.Messages = append(task.Messages, *msg)
		if msg.Partial {
			task.Degraded = true
		}
		if msg.Content != "" {
			roleInput = msg.Content
		}
	}

	task.Final = task.Messages[len(task.Messages)-1].Content
	if task.Degraded {
		task.Outcome = "degraded"
	}
	o.metrics.TaskOutcome.WithLabelValues("pipeline", task.Outcome).Inc()
	return task, nil
}

func (o *Orchestrator) runPipelineRole(ctx context.Context, roleName, sessionID, input string, history []llm.Message, soft, hard time.Duration) (*RoleMessage, error) {
	role, err := roles.WithOverrides(roleName, o.rolesCfg)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "resolve pipeline role", err)
	}

	roleCtx, cancel := context.WithTimeout(ctx, hard)
	defer cancel()

	roleCtx, span := o.tracer.Start(roleCtx, "role."+roleName)
	defer span.End()

	// Stream into an accumulator so a hard-deadline cancellation still
	// leaves best-effort partial output to advance with.
	var partial string
	start := time.Now()
	res, err := o.loop.Run(roleCtx, agent.Request{
		Role:      role,
		SessionID: sessionID,
		Input:     input,
		History:   history,
		Stream:    true,
		OnChunk:   func(s string) { partial += s },
	})
	elapsed := time.Since(start)
	o.metrics.ObserveRole(roleName, elapsed)

	msg := &RoleMessage{Role: roleName, Start: start, End: time.Now(), Elapsed: elapsed}
	switch {
	case err == nil:
		msg.Content = res.Content
	case roleCtx.Err() != nil && ctx.Err() == nil:
		// Hard deadline: advance with the partial output, degraded.
		slog.Warn("pipeline role hit hard deadline",
			"role", roleName, "session", sessionID, "elapsed", elapsed)
		msg.Content = partial
		msg.Partial = true
	default:
		return nil, err
	}

	if elapsed > soft && !msg.Partial {
		slog.Warn("pipeline role exceeded soft deadline",
			"role", roleName, "session", sessionID, "elapsed", elapsed, "soft", soft)
	}
	return msg, nil
}
