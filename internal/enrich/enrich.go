// Package enrich turns an incoming CodeSymbol plus its body text into the
// lexical fields, enriched text blob, and relation record consumed by the
// Name, Semantic, and Structural indices.
package enrich

import (
	"fmt"
	"strings"

	"github.com/codeindex/codeindex/internal/store"
)

// stopWords mirrors store.DefaultCodeStopWords; kept local so the enricher
// does not need a Name-Index-shaped dependency for a plain word list.
var stopWords = store.BuildStopWordMap(store.DefaultCodeStopWords)

// Enrich derives an EnrichedContent from a CodeSymbol. Missing body text
// degrades metrics to the zero value rather than failing; missing metadata
// fields are simply omitted from combined_text (never written as
// "Field: <nil>"). No error is ever returned for a Valid symbol.
func Enrich(sym *store.CodeSymbol) (*store.EnrichedContent, error) {
	if err := sym.Valid(); err != nil {
		return nil, fmt.Errorf("enrich: %w", err)
	}

	tokens := Tokenize(sym)
	metrics := Metrics(sym.BodyText)
	metrics.ParamCount = len(sym.Metadata.ParameterTypes)
	metrics.CallCount = len(sym.Metadata.CalledIDs)
	text := buildCombinedText(sym, tokens, metrics)

	return &store.EnrichedContent{
		ID:           sym.ID,
		CombinedText: text,
		Tokens:       tokens,
		Metrics:      metrics,
	}, nil
}

// Tokenize splits the symbol's id, signature, and doc comment into the
// lexical token stream the Name Index writes as name_tokens: split on dot,
// '#', colon, whitespace, underscore and camelCase boundaries, lowercased,
// stop-worded, with tokens of length <= 2 dropped (the single-letter-generic
// exception applies only to the raw signature field, never to this token
// stream). store.TokenizeCode already performs the dot/colon/hash/
// underscore/camelCase split, since its identifier regex only keeps
// letter/digit/underscore runs and naturally treats everything else as a
// separator.
func Tokenize(sym *store.CodeSymbol) []string {
	raw := strings.Join([]string{sym.ID, sym.Signature, sym.Metadata.DocComment}, " ")
	tokens := store.TokenizeCode(raw)
	filtered := store.FilterStopWords(tokens, stopWords)

	out := filtered[:0:0]
	seen := make(map[string]struct{}, len(filtered))
	for _, t := range filtered {
		if len(t) <= 2 {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// buildCombinedText assembles the deterministic, line-structured
// representation fed to the embedder. Field order is fixed so identical
// symbols always produce byte-identical text.
func buildCombinedText(sym *store.CodeSymbol, tokens []string, metrics store.SymbolMetrics) string {
	var b strings.Builder

	b.WriteString(sym.Signature)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Type: %s\n", sym.Kind)
	fmt.Fprintf(&b, "ID: %s\n\n", sym.ID)

	writeField(&b, "Documentation", sym.Metadata.DocComment)
	writeField(&b, "Package", sym.Metadata.Package)
	writeField(&b, "Class", sym.Metadata.ContainingType)
	writeField(&b, "Extends", sym.Metadata.Extends)
	writeField(&b, "Implements", strings.Join(sym.Metadata.Implements, ", "))
	writeField(&b, "Returns", sym.Metadata.ReturnType)
	writeField(&b, "Parameters", strings.Join(sym.Metadata.ParameterTypes, ", "))
	writeField(&b, "Calls", strings.Join(sym.Metadata.CalledIDs, ", "))
	writeField(&b, "Tokens", strings.Join(tokens, " "))

	paths := astPaths(sym.BodyText)
	if len(paths) > 0 {
		b.WriteString("AST Patterns:\n")
		for _, p := range paths {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}

	fmt.Fprintf(&b, "Metrics: LOC=%d CC=%d Params=%d\n",
		metrics.LOC, metrics.CyclomaticComplex, metrics.ParamCount)

	return b.String()
}

// writeField emits "<label>: <value>\n" only when value is non-empty,
// matching the spec's "never null-in-text" rule for missing metadata.
func writeField(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, value)
}
