package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/codeindex/codeindex/internal/config"
	"github.com/codeindex/codeindex/internal/store"
)

// PatternContextGenerator builds a context sentence deterministically from
// a symbol's own metadata, with no model call. It is the fallback used when
// no LLM is configured or reachable.
type PatternContextGenerator struct {
	cfg *config.Config
}

// NewPatternContextGenerator builds a generator honoring cfg.Contextual's
// gates. cfg may be nil, in which case every symbol is described.
func NewPatternContextGenerator(cfg *config.Config) *PatternContextGenerator {
	return &PatternContextGenerator{cfg: cfg}
}

// GenerateContext describes sym's place in its file. When cfg.Contextual
// .CodeChunks is false (the default), pure code symbols produce no context:
// measurements showed prefixing every function/method with a boilerplate
// "Defines: method Foo" line hurt semantic search precision more than the
// context line helped, so the default only contextualizes symbols carrying
// real documentation.
func (p *PatternContextGenerator) GenerateContext(ctx context.Context, sym *store.CodeSymbol, docContext string) (string, error) {
	if p.cfg != nil && !p.cfg.Contextual.CodeChunks && sym.Metadata.DocComment == "" {
		return "", nil
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("From file: %s", sym.FilePath))
	parts = append(parts, fmt.Sprintf("Defines: %s %s", sym.Kind, sym.ID))
	if doc := extractFirstSentence(sym.Metadata.DocComment); doc != "" {
		parts = append(parts, fmt.Sprintf("Purpose: %s", doc))
	}
	if sym.Metadata.Package != "" {
		parts = append(parts, fmt.Sprintf("Package: %s", sym.Metadata.Package))
	}

	return strings.Join(parts, ". ") + ".", nil
}

// GenerateBatch generates per-symbol context, failing fast on the first
// error since pattern generation has no external dependency to be
// tolerant of.
func (p *PatternContextGenerator) GenerateBatch(ctx context.Context, symbols []*store.CodeSymbol, docContext string) ([]string, error) {
	out := make([]string, len(symbols))
	for i, sym := range symbols {
		text, err := p.GenerateContext(ctx, sym, docContext)
		if err != nil {
			return nil, err
		}
		out[i] = text
	}
	return out, nil
}

// Available is always true; pattern generation has no external dependency.
func (p *PatternContextGenerator) Available(ctx context.Context) bool { return true }

// ModelName identifies this generator in logs and combined_text diagnostics.
func (p *PatternContextGenerator) ModelName() string { return "pattern-based" }

// Close is a no-op.
func (p *PatternContextGenerator) Close() error { return nil }

func extractFirstSentence(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "/*")
	text = strings.TrimSuffix(text, "*/")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "//"))
	}
	text = strings.TrimSpace(strings.Join(lines, " "))
	if text == "" {
		return ""
	}

	if idx := strings.IndexAny(text, ".\n"); idx >= 0 {
		return strings.TrimSpace(text[:idx+1])
	}
	if len(text) > 100 {
		return text[:100] + "..."
	}
	return text
}

// HybridContextGenerator tries an LLM generator first and falls back to a
// PatternContextGenerator whenever the LLM is unavailable, errors, or
// returns nothing.
type HybridContextGenerator struct {
	llm     ContextGenerator
	pattern *PatternContextGenerator
	cfg     *config.Config
}

// NewHybridContextGenerator builds a hybrid generator. llm may be nil, in
// which case the hybrid always falls through to the pattern generator.
func NewHybridContextGenerator(llm ContextGenerator, cfg *config.Config) *HybridContextGenerator {
	return &HybridContextGenerator{
		llm:     llm,
		pattern: NewPatternContextGenerator(cfg),
		cfg:     cfg,
	}
}

// GenerateContext tries the LLM generator first, falling back to the
// pattern generator on any error or empty result.
func (h *HybridContextGenerator) GenerateContext(ctx context.Context, sym *store.CodeSymbol, docContext string) (string, error) {
	if h.cfg != nil && !h.cfg.Contextual.CodeChunks && sym.Metadata.DocComment == "" {
		return "", nil
	}

	if h.llm != nil && (h.cfg == nil || !h.cfg.Contextual.FallbackOnly) && h.llm.Available(ctx) {
		if text, err := h.llm.GenerateContext(ctx, sym, docContext); err == nil && strings.TrimSpace(text) != "" {
			return text, nil
		}
	}
	return h.pattern.GenerateContext(ctx, sym, docContext)
}

// GenerateBatch applies the same LLM-then-pattern fallback per symbol.
func (h *HybridContextGenerator) GenerateBatch(ctx context.Context, symbols []*store.CodeSymbol, docContext string) ([]string, error) {
	if h.llm != nil && (h.cfg == nil || !h.cfg.Contextual.FallbackOnly) && h.llm.Available(ctx) {
		if texts, err := h.llm.GenerateBatch(ctx, symbols, docContext); err == nil {
			for i, t := range texts {
				if strings.TrimSpace(t) == "" {
					fallback, ferr := h.pattern.GenerateContext(ctx, symbols[i], docContext)
					if ferr == nil {
						texts[i] = fallback
					}
				}
			}
			return texts, nil
		}
	}
	return h.pattern.GenerateBatch(ctx, symbols, docContext)
}

// Available reports whether either the pattern or LLM generator can serve
// a request; the pattern generator is always available, so this is always
// true, but kept as a distinct method to satisfy ContextGenerator.
func (h *HybridContextGenerator) Available(ctx context.Context) bool {
	return h.pattern.Available(ctx) || (h.llm != nil && h.llm.Available(ctx))
}

// ModelName reports the composed model identity.
func (h *HybridContextGenerator) ModelName() string {
	if h.llm != nil {
		return h.llm.ModelName() + "+pattern"
	}
	return h.pattern.ModelName()
}

// Close closes the LLM generator, if any.
func (h *HybridContextGenerator) Close() error {
	if h.llm != nil {
		return h.llm.Close()
	}
	return nil
}
