package search

import "github.com/codeindex/codeindex/internal/store"

// MaxDedupSimilarity is spec §4.6.6's near-duplicate removal threshold.
const MaxDedupSimilarity = 0.85

// deduplicate drops any result whose tokenized content has Jaccard
// similarity above MaxDedupSimilarity with an earlier-ranked (higher-score)
// result. results must already be sorted descending by FinalScore.
func deduplicate(results []*store.SearchResult) []*store.SearchResult {
	kept := make([]*store.SearchResult, 0, len(results))
	keptTokens := make([][]string, 0, len(results))

	for _, res := range results {
		tokens := tokenize(res.Content)
		isDup := false
		for _, prev := range keptTokens {
			if jaccardOfTokenSets(tokens, prev) > MaxDedupSimilarity {
				isDup = true
				break
			}
		}
		if !isDup {
			kept = append(kept, res)
			keptTokens = append(keptTokens, tokens)
		}
	}
	return kept
}
