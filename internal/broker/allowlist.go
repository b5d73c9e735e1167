package broker

import "sort"

// Allowlist is the immutable set of tool names the UI may invoke.
// Consulted after origin verification and before any idempotency lookup
// or execution.
type Allowlist struct {
	tools map[string]struct{}
	names []string
}

// NewAllowlist builds an allowlist from tool names. Nil or empty means
// nothing is permitted.
func NewAllowlist(tools []string) *Allowlist {
	set := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		set[t] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for t := range set {
		names = append(names, t)
	}
	sort.Strings(names)
	return &Allowlist{tools: set, names: names}
}

// Allowed is a pure membership check.
func (a *Allowlist) Allowed(tool string) bool {
	_, ok := a.tools[tool]
	return ok
}

// Names returns the permitted set, sorted. The allowlist is not secret;
// denial errors disclose it so the UI can give actionable feedback.
func (a *Allowlist) Names() []string {
	return a.names
}
