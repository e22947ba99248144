// Contextual retrieval (CR-1): a short, LLM- or pattern-generated sentence
// describing where a symbol sits in its file, prepended to combined_text
// before embedding so the vector captures context the symbol text alone
// does not carry. It is strictly additive: when disabled or unavailable,
// combined_text is exactly what buildCombinedText produced.
package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/codeindex/codeindex/internal/store"
)

// ContextGenerator produces a one- or two-sentence description of a
// symbol's surrounding document, used to prefix combined_text.
type ContextGenerator interface {
	GenerateContext(ctx context.Context, sym *store.CodeSymbol, docContext string) (string, error)
	GenerateBatch(ctx context.Context, symbols []*store.CodeSymbol, docContext string) ([]string, error)
	Available(ctx context.Context) bool
	ModelName() string
	Close() error
}

// ContextGeneratorConfig mirrors internal/config.ContextualConfig; callers
// typically build one from the loaded Config rather than constructing it
// directly.
type ContextGeneratorConfig struct {
	OllamaHost   string
	Model        string
	Timeout      string
	BatchSize    int
	FallbackOnly bool
}

// DefaultContextGeneratorConfig returns the fallback defaults used when no
// host/model override is configured.
func DefaultContextGeneratorConfig() ContextGeneratorConfig {
	return ContextGeneratorConfig{
		OllamaHost: DefaultContextHost,
		Model:      DefaultContextModel,
		Timeout:    "5s",
		BatchSize:  8,
	}
}

// ExtractDocumentContext builds the parent-document summary passed to a
// ContextGenerator as docContext: the file path plus, for files with more
// than one symbol, a short outline of the other top-level symbols defined
// alongside it.
func ExtractDocumentContext(symbols []*store.CodeSymbol) string {
	if len(symbols) == 0 {
		return ""
	}
	path := symbols[0].FilePath
	if len(symbols) == 1 {
		return fmt.Sprintf("File: %s", path)
	}

	var names []string
	for _, s := range symbols {
		if s.Kind == store.KindFreeFunc || s.Kind == store.KindMethod {
			names = append(names, s.ID)
		}
		if len(names) >= 5 {
			names = append(names, "...")
			break
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("File: %s", path)
	}
	return fmt.Sprintf("File: %s\nDefines: %s", path, strings.Join(names, ", "))
}

// GroupSymbolsByFile partitions symbols by FilePath, preserving the
// per-file order they were parsed in.
func GroupSymbolsByFile(symbols []*store.CodeSymbol) map[string][]*store.CodeSymbol {
	grouped := make(map[string][]*store.CodeSymbol)
	for _, s := range symbols {
		grouped[s.FilePath] = append(grouped[s.FilePath], s)
	}
	return grouped
}

// ApplyContext prepends gen's generated context to an already-built
// EnrichedContent as a leading "Context: " line. It never touches the
// deterministic fields buildCombinedText wrote; a nil generator, an error,
// or an empty result all leave CombinedText untouched, so determinism holds
// whether or not contextual generation is enabled.
func ApplyContext(ctx context.Context, enriched *store.EnrichedContent, sym *store.CodeSymbol, gen ContextGenerator, docContext string) {
	if gen == nil {
		return
	}
	generated, err := gen.GenerateContext(ctx, sym, docContext)
	if err != nil || strings.TrimSpace(generated) == "" {
		return
	}
	enriched.CombinedText = "Context: " + strings.TrimSpace(generated) + "\n\n" + enriched.CombinedText
}
