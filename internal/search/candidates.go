package search

import (
	"context"
	"sort"

	"github.com/codeindex/codeindex/internal/embed"
	"github.com/codeindex/codeindex/internal/store"
)

// MinSemanticScore is the Semantic Index floor used for broad retrieval and
// the fast path (spec §4.6.2, §4.6.5).
const MinSemanticScore = 0.3

// MaxCandidates caps the number of candidates carried into re-ranking
// regardless of top_k (spec §4.6.2).
const MaxCandidates = 100

// candidate is an intermediate record threading id through retrieval,
// provisional scoring, and hydration before re-ranking.
type candidate struct {
	id          string
	lexical     *store.NameHit
	semantic    *store.SemanticHit
	provisional float64
	rec         *store.SymbolRecord
}

// candidateSource pulls broad lexical and semantic candidates for a query
// (spec §4.6.2).
type candidateSource struct {
	name     store.NameIndex
	semantic store.SemanticIndex
	symbols  store.SymbolStore
	embedder embed.Embedder
}

// fetch runs the dual-stream broad retrieval and returns up to
// min(5*topK, MaxCandidates) hydrated candidates, ranked by provisional
// hybrid score descending.
func (s *candidateSource) fetch(ctx context.Context, qa QueryAnalysis, filter store.NameFilter, topK int) ([]*candidate, error) {
	byID := make(map[string]*candidate)

	lexHits, err := s.name.Search(ctx, qa.Original, filter, 3*topK)
	if err != nil {
		return nil, err
	}
	for i := range lexHits {
		h := lexHits[i]
		byID[h.ID] = &candidate{id: h.ID, lexical: &h}
	}

	if s.embedder != nil && s.embedder.Available(ctx) {
		vec, embedErr := s.embedder.Embed(ctx, qa.Original)
		if embedErr == nil {
			semHits, searchErr := s.semantic.Search(ctx, vec, 3*topK, MinSemanticScore, nil)
			if searchErr == nil {
				for i := range semHits {
					h := semHits[i]
					if c, ok := byID[h.ID]; ok {
						c.semantic = &h
					} else {
						byID[h.ID] = &candidate{id: h.ID, semantic: &h}
					}
				}
			}
		}
	}

	hasKeywordMatch := len(qa.KeyTerms) > 0
	out := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		c.provisional = provisionalScore(c, hasKeywordMatch)
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].provisional != out[j].provisional {
			return out[i].provisional > out[j].provisional
		}
		return out[i].id < out[j].id
	})

	limit := 5 * topK
	if limit > MaxCandidates {
		limit = MaxCandidates
	}
	if limit < 1 {
		limit = 1
	}
	if len(out) > limit {
		out = out[:limit]
	}

	for _, c := range out {
		if s.symbols == nil {
			continue
		}
		if rec, ok, recErr := s.symbols.Get(ctx, c.id); recErr == nil && ok {
			c.rec = rec
		}
	}

	return out, nil
}

// provisionalScore implements spec §4.6.2's provisional hybrid score.
func provisionalScore(c *candidate, hasKeywordMatch bool) float64 {
	vectorScore := 0.0
	if c.semantic != nil {
		vectorScore = c.semantic.Score
	}

	if hasKeywordMatch {
		keywordScore := 0.0
		if c.lexical != nil {
			keywordScore = c.lexical.LexicalScore
		}
		base := vectorScore
		if base < 0.8 {
			base = 0.8
		}
		return base + 0.3*keywordScore
	}

	if vectorScore >= MinSemanticScore {
		return vectorScore
	}
	return 0
}

func candidateText(c *candidate) string {
	if c.rec != nil {
		return c.rec.CombinedText
	}
	if c.semantic != nil {
		return c.semantic.Text
	}
	return ""
}

func candidateFilePath(c *candidate) string {
	if c.rec != nil {
		return c.rec.FilePath
	}
	if c.semantic != nil {
		return c.semantic.Metadata["file_path"]
	}
	return ""
}
