package search

import (
	"sort"
	"strings"

	"github.com/codeindex/codeindex/internal/store"
)

// subScores holds the eight sub-scores computed for one candidate during
// re-ranking (spec §4.6.3).
type subScores struct {
	exact    float64
	phrase   float64
	lexical  float64
	semantic float64
	context  float64
	metadata float64
	length   float64
	position float64
}

func (s subScores) asMap() map[string]float64 {
	return map[string]float64{
		"exact":    s.exact,
		"phrase":   s.phrase,
		"lexical":  s.lexical,
		"semantic": s.semantic,
		"context":  s.context,
		"metadata": s.metadata,
		"length":   s.length,
		"position": s.position,
	}
}

// scoreCandidate computes the eight sub-scores for a candidate (spec
// §4.6.3's scoring table).
func scoreCandidate(c *candidate, qa QueryAnalysis) subScores {
	text := candidateText(c)
	filePath := candidateFilePath(c)
	lowerText := strings.ToLower(text)
	lowerQuery := strings.ToLower(qa.Original)

	startLine := 0
	if c.rec != nil {
		startLine = c.rec.StartLine
	}

	return subScores{
		exact:    exactScore(qa.KeyTerms, lowerText, strings.ToLower(filePath)),
		phrase:   phraseScore(lowerQuery, lowerText),
		lexical:  jaccardScore(lowerQuery, lowerText),
		semantic: semanticScore(c),
		context:  contextScore(qa, lowerQuery, lowerText, filePath),
		metadata: metadataScore(qa, filePath),
		length:   lengthScore(len(text)),
		position: positionScore(startLine),
	}
}

// exactScore is the share of key_terms appearing as a whole-word match in
// the candidate's text or file path.
func exactScore(keyTerms []string, lowerText, lowerFilePath string) float64 {
	if len(keyTerms) == 0 {
		return 0
	}
	hits := 0
	for _, term := range keyTerms {
		if containsWholeWord(lowerText, term) || containsWholeWord(lowerFilePath, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(keyTerms))
}

func containsWholeWord(haystack, word string) bool {
	if word == "" {
		return false
	}
	for _, tok := range tokenize(haystack) {
		if strings.ToLower(tok) == word {
			return true
		}
	}
	return false
}

// phraseScore is 1.0 if the whole lower-cased query appears contiguously in
// text, else the longest contiguous query-word sub-sequence found over the
// total query word count.
func phraseScore(lowerQuery, lowerText string) float64 {
	if lowerQuery == "" {
		return 0
	}
	if strings.Contains(lowerText, lowerQuery) {
		return 1.0
	}

	queryWords := strings.Fields(lowerQuery)
	if len(queryWords) == 0 {
		return 0
	}
	textWords := strings.Fields(lowerText)

	best := 0
	for start := 0; start < len(queryWords); start++ {
		for length := len(queryWords) - start; length > 0; length-- {
			if containsSubsequence(textWords, queryWords[start:start+length]) {
				if length > best {
					best = length
				}
				break
			}
		}
	}
	return float64(best) / float64(len(queryWords))
}

func containsSubsequence(haystack, needle []string) bool {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// jaccardScore is the Jaccard similarity of tokenized query vs. tokenized
// text.
func jaccardScore(lowerQuery, lowerText string) float64 {
	return jaccardOfTokenSets(tokenize(lowerQuery), tokenize(lowerText))
}

func jaccardOfTokenSets(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func toSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[strings.ToLower(t)] = struct{}{}
	}
	return set
}

func semanticScore(c *candidate) float64 {
	if c.semantic == nil {
		return 0
	}
	if c.semantic.Score < 0 {
		return 0
	}
	if c.semantic.Score > 1 {
		return 1
	}
	return c.semantic.Score
}

// contextScore implements spec §4.6.3's context sub-score: verbatim-query
// bonus, code-relatedness bonus, key-term proximity bonus, file-type hint
// bonus, capped at 1.0.
func contextScore(qa QueryAnalysis, lowerQuery, lowerText, filePath string) float64 {
	var score float64

	if lowerQuery != "" && strings.Contains(lowerText, lowerQuery) {
		score += 0.5
	}

	if looksCodeRelated(lowerQuery) && looksCodeRelated(lowerText) {
		score += 0.3
	}

	score += proximityBonus(qa.KeyTerms, tokenize(lowerText))

	if len(qa.PreferredFileTypes) > 0 && matchesFileType(filePath, qa.PreferredFileTypes) {
		score += 0.2
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

func looksCodeRelated(s string) bool {
	for _, ch := range s {
		if ch == '(' || ch == ')' || ch == '{' || ch == '}' || ch == ';' || ch == '_' {
			return true
		}
	}
	return strings.Contains(s, "func ") || strings.Contains(s, "class ") || strings.Contains(s, "interface ")
}

// proximityBonus rewards at least two key terms occurring close together,
// with the reward shrinking as the required window grows.
func proximityBonus(keyTerms []string, textTokens []string) float64 {
	if len(keyTerms) < 2 {
		return 0
	}
	positions := make(map[string][]int)
	for i, tok := range textTokens {
		lower := strings.ToLower(tok)
		positions[lower] = append(positions[lower], i)
	}

	windows := []struct {
		size  int
		bonus float64
	}{
		{3, 0.5},
		{10, 0.3},
		{20, 0.15},
	}

	for _, w := range windows {
		if anyPairWithin(keyTerms, positions, w.size) {
			return w.bonus
		}
	}
	return 0
}

func anyPairWithin(keyTerms []string, positions map[string][]int, window int) bool {
	for i := 0; i < len(keyTerms); i++ {
		for j := i + 1; j < len(keyTerms); j++ {
			for _, pi := range positions[keyTerms[i]] {
				for _, pj := range positions[keyTerms[j]] {
					d := pi - pj
					if d < 0 {
						d = -d
					}
					if d <= window {
						return true
					}
				}
			}
		}
	}
	return false
}

func matchesFileType(filePath string, preferred []string) bool {
	ext := fileExtOf(filePath)
	for _, p := range preferred {
		if strings.EqualFold(ext, p) {
			return true
		}
	}
	return false
}

func fileExtOf(filePath string) string {
	idx := strings.LastIndex(filePath, ".")
	if idx < 0 || idx == len(filePath)-1 {
		return ""
	}
	return filePath[idx+1:]
}

// metadataScore rewards key terms appearing in the file path and a matching
// file-type hint, capped at 1.0 (spec §4.6.3).
func metadataScore(qa QueryAnalysis, filePath string) float64 {
	var score float64
	lowerPath := strings.ToLower(filePath)
	for _, term := range qa.KeyTerms {
		if term != "" && strings.Contains(lowerPath, term) {
			score += 0.3
		}
	}
	if matchesFileType(filePath, qa.PreferredFileTypes) {
		score += 0.2
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// lengthScore rewards candidates whose text length falls in a "useful
// snippet" range (spec §4.6.3).
func lengthScore(chars int) float64 {
	switch {
	case chars < 50:
		return 0.3
	case chars < 200:
		return 0.7
	case chars < 1000:
		return 1.0
	case chars < 3000:
		return 0.8
	default:
		return 0.5
	}
}

// positionScore rewards candidates that start near the top of their file
// (spec §4.6.3).
func positionScore(startLine int) float64 {
	switch {
	case startLine <= 10:
		return 1.0
	case startLine <= 50:
		return 0.8
	case startLine <= 100:
		return 0.6
	default:
		return 0.4
	}
}

// tierAndScore implements spec §4.6.3's hierarchical interval tier
// assignment and final score. The non-overlapping base intervals guarantee
// a candidate matching an earlier rule can never be overtaken by the
// additional weighted terms alone.
func tierAndScore(s subScores) (store.Tier, float64) {
	var tier store.Tier
	var score float64

	switch {
	case s.exact > 0.7:
		tier = store.TierExactMatch
		score = 90 + s.exact*8 + s.phrase*1.5 + s.context*0.5
	case s.exact > 0.4:
		tier = store.TierKeywordMatch
		score = 70 + s.exact*15 + s.phrase*3 + s.context*1
	case s.phrase > 0.5:
		tier = store.TierPhraseMatch
		score = 50 + s.phrase*15 + s.exact*2 + s.lexical*2
	case s.lexical > 0.4:
		tier = store.TierLexicalMatch
		score = 30 + s.lexical*15 + s.exact*2 + s.semantic*2
	case s.semantic > 0.5:
		tier = store.TierSemanticMatch
		score = 15 + s.semantic*12 + s.context*2 + s.metadata*1
	default:
		tier = store.TierWeakMatch
		score = s.semantic*10 + s.context*2 + s.lexical*1.5 + s.metadata*0.5
	}

	score += s.length*2 + s.position*1.5 + s.metadata*3

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return tier, score
}

// rerank computes sub-scores, tier, and final score for every candidate and
// returns results sorted descending by final score, tied-broken ascending
// by id (spec §4.6.3).
func rerank(candidates []*candidate, qa QueryAnalysis, explain bool) []*store.SearchResult {
	results := make([]*store.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		s := scoreCandidate(c, qa)
		tier, score := tierAndScore(s)

		res := &store.SearchResult{
			ID:         c.id,
			Content:    candidateText(c),
			FilePath:   candidateFilePath(c),
			FinalScore: score,
			Tier:       tier,
		}
		if c.rec != nil {
			res.Line = c.rec.StartLine
		}
		if explain {
			res.SubScores = s.asMap()
		}
		results = append(results, res)
	}

	sortResultsDescending(results)
	return results
}

func sortResultsDescending(results []*store.SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].FinalScore != results[j].FinalScore {
			return results[i].FinalScore > results[j].FinalScore
		}
		return results[i].ID < results[j].ID
	})
}
