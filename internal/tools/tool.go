// Package tools implements the whitelisted, sandboxed side effects available
// to role agents: file I/O inside the workspace, a git surface, an isolated
// python runner, direct binary execution from a whitelist, and bounded
// outbound HTTP. Argument validation happens before any side effect; every
// mutating invocation lands in the audit log.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/semaphore"

	"github.com/devforgehq/forged/internal/audit"
	"github.com/devforgehq/forged/internal/fault"
)

// Capability tags what a tool is allowed to touch.
type Capability string

const (
	CapReadFS    Capability = "read_fs"
	CapWriteFS   Capability = "write_fs"
	CapRunCode   Capability = "run_code"
	CapRunShell  Capability = "run_shell"
	CapGitMutate Capability = "git_mutate"
	CapHTTPOut   Capability = "http_out"
)

// mutating capabilities always produce an audit line.
func (c Capability) mutating() bool {
	switch c {
	case CapWriteFS, CapRunShell, CapGitMutate, CapHTTPOut:
		return true
	}
	return false
}

// Tool is a named, typed operation.
type Tool interface {
	Name() string
	Description() string
	Capability() Capability
	// Parameters returns the JSON schema for the arguments object.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`  // content sent to the model
	IsError bool   `json:"is_error"` // tool ran but failed intrinsically
	Target  string `json:"-"`        // side-effect descriptor for the audit line
	Err     error  `json:"-"`        // policy/system error (not serialized)
}

// NewResult wraps successful tool output.
func NewResult(forLLM string) *Result { return &Result{ForLLM: forLLM} }

// ErrorResult marks an intrinsic tool failure; the message is data for the
// model, not a system error.
func ErrorResult(message string) *Result { return &Result{ForLLM: message, IsError: true} }

// DeniedResult marks a policy violation.
func DeniedResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true, Err: fault.New(fault.KindNotPermitted, message)}
}

func (r *Result) withTarget(t string) *Result {
	r.Target = t
	return r
}

// Registry holds the process-wide tool set. Read-only after startup.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	schemas  map[string]*jsonschema.Schema
	auditLog *audit.Log

	sem        *semaphore.Weighted
	defTimeout time.Duration
	maxTimeout time.Duration
	timeouts   map[string]time.Duration
	observe    func(tool, outcome string)
	frozen     bool
}

// RegistryConfig sizes the registry.
type RegistryConfig struct {
	Audit          *audit.Log
	MaxInflight    int64
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// Observe, when set, receives (tool, outcome) for every invocation;
	// the gateway hangs its per-tool outcome counter here.
	Observe func(tool, outcome string)
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 16
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 60 * time.Second
	}
	return &Registry{
		tools:      make(map[string]Tool),
		schemas:    make(map[string]*jsonschema.Schema),
		auditLog:   cfg.Audit,
		sem:        semaphore.NewWeighted(cfg.MaxInflight),
		defTimeout: cfg.DefaultTimeout,
		maxTimeout: cfg.MaxTimeout,
		timeouts:   make(map[string]time.Duration),
		observe:    cfg.Observe,
	}
}

// Register adds a tool and compiles its argument schema. Must happen before
// Freeze; duplicate names are a programming error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("tools: registry frozen, cannot register %s", t.Name())
	}
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tools: duplicate tool %s", t.Name())
	}

	schemaJSON, err := json.Marshal(t.Parameters())
	if err != nil {
		return fmt.Errorf("tools: marshal schema for %s: %w", t.Name(), err)
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + t.Name() + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(schemaJSON))); err != nil {
		return fmt.Errorf("tools: add schema for %s: %w", t.Name(), err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("tools: compile schema for %s: %w", t.Name(), err)
	}

	r.tools[t.Name()] = t
	r.schemas[t.Name()] = schema
	return nil
}

// SetTimeout overrides the per-tool deadline, clamped to the ceiling.
func (r *Registry) SetTimeout(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > r.maxTimeout {
		d = r.maxTimeout
	}
	if d > 0 {
		r.timeouts[name] = d
	}
}

// Freeze marks startup complete; the registry is read-only afterwards.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the model-facing definitions for a whitelist (nil =
// all tools).
func (r *Registry) Definitions(whitelist []string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allowed := func(name string) bool {
		if whitelist == nil {
			return true
		}
		for _, w := range whitelist {
			if w == name {
				return true
			}
		}
		return false
	}

	var defs []Definition
	for _, name := range r.sortedNames() {
		if !allowed(name) {
			continue
		}
		t := r.tools[name]
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definition is the provider-neutral tool description.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Invocation describes one call for Invoke.
type Invocation struct {
	Tool      string
	Args      map[string]any
	Actor     string   // session/job id for the audit trail
	Whitelist []string // role's allowed tools; nil = unrestricted
}

// Invoke validates and executes one tool call under the global tool
// semaphore and the per-tool deadline. Whitelist misses and argument schema
// violations never reach Execute. Mutating calls append exactly one audit
// line whose outcome matches the invocation's outcome.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) *Result {
	r.mu.RLock()
	tool, ok := r.tools[inv.Tool]
	schema := r.schemas[inv.Tool]
	timeout, hasTimeout := r.timeouts[inv.Tool]
	r.mu.RUnlock()

	if !ok {
		return &Result{
			ForLLM:  fmt.Sprintf("unknown tool: %s", inv.Tool),
			IsError: true,
			Err:     fault.Newf(fault.KindInvalidInput, "unknown tool %s", inv.Tool),
		}
	}

	if inv.Whitelist != nil && !contains(inv.Whitelist, inv.Tool) {
		res := DeniedResult(fmt.Sprintf("tool %s is not permitted for this role", inv.Tool))
		r.auditResult(inv, tool, res)
		return res
	}

	if inv.Args == nil {
		inv.Args = map[string]any{}
	}
	if err := schema.Validate(normalizeArgs(inv.Args)); err != nil {
		return &Result{
			ForLLM:  fmt.Sprintf("invalid arguments for %s: %v", inv.Tool, err),
			IsError: true,
			Err:     fault.Wrap(fault.KindInvalidInput, "tool arguments", err),
		}
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return &Result{
			ForLLM:  "tool execution cancelled",
			IsError: true,
			Err:     fault.Wrap(fault.KindTimeout, "tool semaphore", err),
		}
	}
	defer r.sem.Release(1)

	if !hasTimeout {
		timeout = r.defTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := tool.Execute(execCtx, inv.Args)
	elapsed := time.Since(start)

	if execCtx.Err() != nil && ctx.Err() == nil {
		res = &Result{
			ForLLM:  fmt.Sprintf("tool %s timed out after %s", inv.Tool, timeout),
			IsError: true,
			Err:     fault.Wrap(fault.KindTimeout, "tool deadline", execCtx.Err()),
		}
	}

	slog.Debug("tool invoked",
		"tool", inv.Tool, "actor", inv.Actor,
		"ok", !res.IsError, "elapsed", elapsed.Round(time.Millisecond))

	r.auditResult(inv, tool, res)
	return res
}

func (r *Registry) auditResult(inv Invocation, tool Tool, res *Result) {
	outcome := "ok"
	switch {
	case res.Err != nil && fault.Is(res.Err, fault.KindNotPermitted):
		outcome = "denied"
	case res.IsError:
		outcome = "error"
	}
	if r.observe != nil {
		r.observe(inv.Tool, outcome)
	}
	if r.auditLog == nil || !tool.Capability().mutating() {
		return
	}
	r.auditLog.Record(inv.Actor, inv.Tool, res.Target, outcome, truncateDetail(res.ForLLM))
}

func truncateDetail(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// normalizeArgs round-trips args through encoding/json so schema validation
// sees canonical JSON types regardless of how the caller built the map.
func normalizeArgs(args map[string]any) any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}
