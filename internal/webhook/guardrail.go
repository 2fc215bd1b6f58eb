package webhook

import (
	"fmt"
	"strings"
)

// Guardrail vetoes a proposed patch before any mutation is applied. A patch
// is rejected when it touches the sensitive set, exceeds the size cap, or
// modifies files outside the declared scope.
type Guardrail struct {
	Sensitive []string // path-segment patterns, same scheme as the tool layer
	MaxBytes  int64
	Scope     []string // declared file scope; empty = no scope restriction
}

// RejectionReason is machine-readable for the audit trail.
type RejectionReason string

const (
	ReasonSensitivePath RejectionReason = "sensitive_path"
	ReasonPatchTooLarge RejectionReason = "patch_too_large"
	ReasonOutOfScope    RejectionReason = "out_of_scope"
	ReasonEmptyPatch    RejectionReason = "empty_patch"
)

// Check validates a unified diff. A nil error means the patch may be
// applied.
func (g *Guardrail) Check(diff string) (RejectionReason, error) {
	if strings.TrimSpace(diff) == "" {
		return ReasonEmptyPatch, fmt.Errorf("patch is empty")
	}
	if g.MaxBytes > 0 && int64(len(diff)) > g.MaxBytes {
		return ReasonPatchTooLarge, fmt.Errorf("patch is %d bytes, cap is %d", len(diff), g.MaxBytes)
	}

	paths := PatchPaths(diff)
	if len(paths) == 0 {
		return ReasonEmptyPatch, fmt.Errorf("patch names no files")
	}
	for _, p := range paths {
		if g.isSensitive(p) {
			return ReasonSensitivePath, fmt.Errorf("patch touches protected path %s", p)
		}
		if len(g.Scope) > 0 && !g.inScope(p) {
			return ReasonOutOfScope, fmt.Errorf("patch touches %s outside the declared scope", p)
		}
	}
	return "", nil
}

func (g *Guardrail) isSensitive(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		for _, pat := range g.Sensitive {
			if seg == pat || strings.HasPrefix(seg, pat+".") {
				return true
			}
		}
	}
	return false
}

func (g *Guardrail) inScope(path string) bool {
	for _, s := range g.Scope {
		if path == s || strings.HasPrefix(path, strings.TrimSuffix(s, "/")+"/") {
			return true
		}
	}
	return false
}

// PatchPaths extracts the file paths a unified diff modifies.
func PatchPaths(diff string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, line := range strings.Split(diff, "\n") {
		var p string
		switch {
		case strings.HasPrefix(line, "+++ b/"):
			p = strings.TrimPrefix(line, "+++ b/")
		case strings.HasPrefix(line, "--- a/"):
			p = strings.TrimPrefix(line, "--- a/")
		case strings.HasPrefix(line, "diff --git a/"):
			rest := strings.TrimPrefix(line, "diff --git a/")
			if idx := strings.Index(rest, " b/"); idx > 0 {
				p = rest[:idx]
			}
		}
		p = strings.TrimSpace(p)
		if p == "" || p == "/dev/null" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
