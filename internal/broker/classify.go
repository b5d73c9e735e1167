package broker

import "strings"

// Classifier decides whether a tool is dispatched as a long-running
// job. Supplied at construction; the broker has no built-in policy.
type Classifier func(tool string) bool

// DefaultLongRunningPatterns mirror the naming convention of generated
// bulk-style operations. Overridable per deployment.
var DefaultLongRunningPatterns = []string{"bulk", "export", "import", "batch"}

// SubstringClassifier classifies a tool as long-running when its
// lowercased name contains any of the patterns. Nil patterns use
// DefaultLongRunningPatterns.
func SubstringClassifier(patterns []string) Classifier {
	if patterns == nil {
		patterns = DefaultLongRunningPatterns
	}
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return func(tool string) bool {
		name := strings.ToLower(tool)
		for _, p := range lowered {
			if p != "" && strings.Contains(name, p) {
				return true
			}
		}
		return false
	}
}
