package search

import (
	"context"
	"log/slog"
	"strings"

	"github.com/codeindex/codeindex/internal/embed"
	"github.com/codeindex/codeindex/internal/store"
)

// HybridRetriever implements spec §4.6 end to end: query analysis, broad
// dual-stream candidate retrieval, multi-tier re-ranking, contextual
// expansion, and near-duplicate removal. It also implements the fast path
// (spec §4.6.5) for latency-constrained callers.
type HybridRetriever struct {
	analyzer   *Analyzer
	candidates *candidateSource
	expander   *contextExpander
	symbols    store.SymbolStore
	embedder   embed.Embedder
	semantic   store.SemanticIndex
	logger     *slog.Logger
}

// RetrieverConfig wires the Hybrid Retriever's collaborators.
type RetrieverConfig struct {
	Name         store.NameIndex
	Semantic     store.SemanticIndex
	Symbols      store.SymbolStore
	Embedder     embed.Embedder
	Classifier   Classifier
	KeywordLLM   KeywordExtractor
	FileCacheLen int
	Logger       *slog.Logger
}

// NewHybridRetriever constructs a HybridRetriever from its collaborators.
func NewHybridRetriever(cfg RetrieverConfig) *HybridRetriever {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HybridRetriever{
		analyzer: NewAnalyzer(cfg.Classifier, cfg.KeywordLLM),
		candidates: &candidateSource{
			name:     cfg.Name,
			semantic: cfg.Semantic,
			symbols:  cfg.Symbols,
			embedder: cfg.Embedder,
		},
		expander: newContextExpander(newFileCache(cfg.FileCacheLen, DefaultFileCacheTTL)),
		symbols:  cfg.Symbols,
		embedder: cfg.Embedder,
		semantic: cfg.Semantic,
		logger:   logger,
	}
}

var _ Retriever = (*HybridRetriever)(nil)

// Search runs the full (or fast) retrieval pipeline for query and returns
// up to opts.TopK results.
func (r *HybridRetriever) Search(ctx context.Context, query string, opts SearchOptions) ([]*store.SearchResult, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeFull
		if opts.LatencyBudget > 0 && opts.LatencyBudget < FastPathLatencyBudget {
			mode = ModeFast
		}
	}

	if mode == ModeFast {
		return r.searchFast(ctx, query, topK, opts)
	}
	return r.searchFull(ctx, query, topK, opts)
}

func (r *HybridRetriever) searchFull(ctx context.Context, query string, topK int, opts SearchOptions) ([]*store.SearchResult, error) {
	qa := r.analyzer.Analyze(ctx, query)
	if opts.Weights != nil {
		qa.Weights = *opts.Weights
	}

	filter := store.NameFilter{}
	if len(qa.EntityTypes) == 1 {
		filter.Type = entityTypeToSymbolKind(qa.EntityTypes[0])
	}

	cands, err := r.candidates.fetch(ctx, qa, filter, topK)
	if err != nil {
		return nil, err
	}

	if len(opts.FileTypeFilter) > 0 {
		cands = filterByFileType(cands, opts.FileTypeFilter)
	}

	results := rerank(cands, qa, opts.Explain)

	recByID := make(map[string]*store.SymbolRecord, len(cands))
	for _, c := range cands {
		if c.rec != nil {
			recByID[c.id] = c.rec
		}
	}
	for _, res := range results {
		r.expander.expand(res, recByID[res.ID])
	}

	results = deduplicate(results)

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// searchFast implements spec §4.6.5: no query analysis, a single semantic
// pass, and a simple additive keyword boost capped at 0.3.
func (r *HybridRetriever) searchFast(ctx context.Context, query string, topK int, opts SearchOptions) ([]*store.SearchResult, error) {
	if r.embedder == nil || !r.embedder.Available(ctx) {
		r.logger.Warn("fast path requested but embedder unavailable", "query", query)
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := r.semantic.Search(ctx, vec, topK, MinSemanticScore, nil)
	if err != nil {
		return nil, err
	}

	keyTerms := dedupLower(tokenizeKeyTerms(query))
	results := make([]*store.SearchResult, 0, len(hits))
	for i := range hits {
		h := hits[i]
		boost := keywordBoost(keyTerms, h.Text)
		score := h.Score*100 + boost*100
		if score > 100 {
			score = 100
		}
		res := &store.SearchResult{
			ID:         h.ID,
			Content:    h.Text,
			FilePath:   h.Metadata["file_path"],
			FinalScore: score,
			Tier:       store.TierSemanticMatch,
		}
		if r.symbols != nil {
			if rec, ok, recErr := r.symbols.Get(ctx, h.ID); recErr == nil && ok {
				res.Line = rec.StartLine
				r.expander.expand(res, rec)
			}
		}
		results = append(results, res)
	}

	sortResultsDescending(results)
	results = deduplicate(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func keywordBoost(keyTerms []string, text string) float64 {
	if len(keyTerms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, term := range keyTerms {
		if containsWholeWord(lower, term) {
			hits++
		}
	}
	boost := 0.1 * float64(hits)
	if boost > 0.3 {
		boost = 0.3
	}
	return boost
}

func entityTypeToSymbolKind(et EntityType) store.SymbolKind {
	switch et {
	case EntityClass:
		return store.KindClass
	case EntityInterface:
		return store.KindInterface
	case EntityEnum:
		return store.KindEnum
	case EntityMethod:
		return store.KindMethod
	case EntityConstructor:
		return store.KindConstructor
	case EntityFunction:
		return store.KindFreeFunc
	default:
		return ""
	}
}

func filterByFileType(cands []*candidate, types []string) []*candidate {
	out := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		if matchesFileType(candidateFilePath(c), types) {
			out = append(out, c)
		}
	}
	return out
}
