package enrich

import (
	"regexp"
	"strings"

	"github.com/codeindex/codeindex/internal/store"
)

// decisionPointPattern matches the decision-point keywords/operators spec
// §4.1 defines cyclomatic complexity over: if, for, while, do-while, case,
// ternary, catch. "else if" is counted once per "if" it contains.
var decisionPointPattern = regexp.MustCompile(`\bif\b|\bfor\b|\bwhile\b|\bcatch\b|\bcase\b|\?`)

// Metrics computes the metric summary appended to combined_text. Missing
// body text yields the zero value; enrichment continues without metrics
// rather than failing (spec §4.1 error semantics).
func Metrics(bodyText string) store.SymbolMetrics {
	if strings.TrimSpace(bodyText) == "" {
		return store.SymbolMetrics{}
	}

	return store.SymbolMetrics{
		LOC:               countLines(bodyText),
		CyclomaticComplex: cyclomaticComplexity(bodyText),
		NestingDepth:      maxNestingDepth(bodyText),
	}
}

func countLines(body string) int {
	lines := strings.Split(body, "\n")
	n := 0
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			n++
		}
	}
	return n
}

// cyclomaticComplexity is 1 + the number of decision points. Each case arm
// inside a switch contributes exactly +1 (Open Question decision, see
// DESIGN.md): it is not double-counted against an implicit comparison.
func cyclomaticComplexity(body string) int {
	return 1 + len(decisionPointPattern.FindAllString(body, -1))
}

// maxNestingDepth is the deepest lexical block depth, approximated by
// brace/bracket nesting since no AST is available at this layer (the
// authoritative parser is an external collaborator; see spec §1).
func maxNestingDepth(body string) int {
	depth, max := 0, 0
	for _, r := range body {
		switch r {
		case '{', '(', '[':
			depth++
			if depth > max {
				max = depth
			}
		case '}', ')', ']':
			if depth > 0 {
				depth--
			}
		}
	}
	return max
}

// astPathLimit bounds the number of sampled AST-path lines embedded in
// combined_text (spec §4.1: "bounded to 50 most-diverse, sampled at
// uniform stride").
const astPathLimit = 50

// astPaths approximates AST-path sampling over body text in the absence of
// an in-process AST (the real parser lives upstream; see spec §1): each
// non-blank trimmed line stands in for one path, sampled at a uniform
// stride when the body exceeds the limit so the selection spans the whole
// body rather than clustering at the start.
func astPaths(body string) []string {
	var lines []string
	for _, l := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(l)
		if trimmed != "" {
			lines = append(lines, trimmed)
		}
	}

	if len(lines) <= astPathLimit {
		return lines
	}

	stride := float64(len(lines)) / float64(astPathLimit)
	sampled := make([]string, 0, astPathLimit)
	for i := 0; i < astPathLimit; i++ {
		idx := int(float64(i) * stride)
		if idx >= len(lines) {
			idx = len(lines) - 1
		}
		sampled = append(sampled, lines[idx])
	}
	return sampled
}
