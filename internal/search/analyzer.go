package search

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/codeindex/codeindex/internal/store"
)

// DefaultKeywordExtractionTimeout is spec §4.6.1's default hard timeout for
// LLM-assisted keyword extraction.
const DefaultKeywordExtractionTimeout = 3 * time.Second

// MaxRuleBasedKeywords caps the rule-based keyword extractor's fallback
// output.
const MaxRuleBasedKeywords = 15

var (
	conceptualWords = map[string]struct{}{
		"similar": {}, "like": {}, "related": {}, "concept": {},
	}

	fileExtensionPattern = regexp.MustCompile(`\.([a-zA-Z][a-zA-Z0-9]{0,8})\b`)

	entityWords = map[string]EntityType{
		"class": EntityClass, "classes": EntityClass,
		"method": EntityMethod, "methods": EntityMethod,
		"function": EntityFunction, "functions": EntityFunction, "func": EntityFunction,
		"interface": EntityInterface, "interfaces": EntityInterface,
		"enum": EntityEnum, "enums": EntityEnum,
		"constructor": EntityConstructor, "constructors": EntityConstructor,
	}

	identifierShapedPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]{2,}`)
)

// KeywordExtractor produces key_terms from a raw query. HybridClassifier
// satisfies the LLM-assisted half of this contract via its own
// Classify/fallback chain; RuleBasedKeywordExtractor is the pure fallback.
type KeywordExtractor interface {
	ExtractKeywords(ctx context.Context, query string) ([]string, error)
}

// RuleBasedKeywordExtractor harvests identifier-shaped substrings and
// camelCase words, capped at MaxRuleBasedKeywords (spec §4.6.1).
type RuleBasedKeywordExtractor struct{}

func (RuleBasedKeywordExtractor) ExtractKeywords(_ context.Context, query string) ([]string, error) {
	return ruleBasedKeywords(query), nil
}

func ruleBasedKeywords(query string) []string {
	seen := make(map[string]struct{})
	var out []string

	for _, match := range identifierShapedPattern.FindAllString(query, -1) {
		for _, word := range splitCamelSnake(match) {
			lower := strings.ToLower(word)
			if len(lower) <= 2 {
				continue
			}
			if _, dup := seen[lower]; dup {
				continue
			}
			seen[lower] = struct{}{}
			out = append(out, lower)
			if len(out) >= MaxRuleBasedKeywords {
				return out
			}
		}
	}
	return out
}

// Analyzer implements spec §4.6.1's query analysis stage.
type Analyzer struct {
	classifier     Classifier
	llmKeywords    KeywordExtractor
	keywordTimeout time.Duration
}

// NewAnalyzer constructs an Analyzer. classifier and llmKeywords may be nil,
// in which case weighting defaults to MIXED and keyword extraction is
// purely rule-based.
func NewAnalyzer(classifier Classifier, llmKeywords KeywordExtractor) *Analyzer {
	return &Analyzer{
		classifier:     classifier,
		llmKeywords:    llmKeywords,
		keywordTimeout: DefaultKeywordExtractionTimeout,
	}
}

// Analyze produces a QueryAnalysis for the raw query string.
func (a *Analyzer) Analyze(ctx context.Context, query string) QueryAnalysis {
	qa := QueryAnalysis{
		Original:           query,
		Intent:             classifyIntent(query),
		PreferredFileTypes: extractFileTypes(query),
		EntityTypes:        extractEntityTypes(query),
	}

	qa.KeyTerms = a.extractKeywords(ctx, query)

	qa.Type, qa.Weights = QueryTypeMixed, DefaultWeights()
	if a.classifier != nil {
		if qt, w, err := a.classifier.Classify(ctx, query); err == nil {
			qa.Type, qa.Weights = qt, w
		}
	}

	return qa
}

func (a *Analyzer) extractKeywords(ctx context.Context, query string) []string {
	if a.llmKeywords != nil {
		tctx, cancel := context.WithTimeout(ctx, a.keywordTimeout)
		defer cancel()

		type result struct {
			kw  []string
			err error
		}
		ch := make(chan result, 1)
		go func() {
			kw, err := a.llmKeywords.ExtractKeywords(tctx, query)
			ch <- result{kw, err}
		}()

		select {
		case r := <-ch:
			if r.err == nil && len(r.kw) > 0 {
				return dedupLower(r.kw)
			}
		case <-tctx.Done():
		}
	}

	return dedupLower(tokenizeKeyTerms(query))
}

// tokenizeKeyTerms is the base rule-based path: tokenize, stop-word,
// lower-case, dedup (spec §4.6.1's "key_terms" definition, distinct from
// ruleBasedKeywords which is specifically the LLM-fallback harvester).
func tokenizeKeyTerms(query string) []string {
	tokens := store.TokenizeCode(query)
	filtered := store.FilterStopWords(tokens, searchStopWords)
	return filtered
}

var searchStopWords = store.BuildStopWordMap(store.DefaultCodeStopWords)

func dedupLower(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		lower := strings.ToLower(t)
		if lower == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		out = append(out, lower)
	}
	return out
}

func classifyIntent(query string) Intent {
	if strings.Contains(query, `"`) || strings.Contains(strings.ToLower(query), "exact") {
		return IntentExactMatch
	}
	lower := strings.ToLower(query)
	for word := range conceptualWords {
		if strings.Contains(lower, word) {
			return IntentConceptual
		}
	}
	return IntentMixed
}

func extractFileTypes(query string) []string {
	matches := fileExtensionPattern.FindAllStringSubmatch(query, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		ext := strings.ToLower(m[1])
		if _, dup := seen[ext]; dup {
			continue
		}
		seen[ext] = struct{}{}
		out = append(out, ext)
	}
	return out
}

func extractEntityTypes(query string) []EntityType {
	lower := strings.ToLower(query)
	seen := make(map[EntityType]struct{})
	var out []EntityType
	for _, word := range strings.Fields(lower) {
		word = strings.Trim(word, ".,!?;:()\"'")
		if et, ok := entityWords[word]; ok {
			if _, dup := seen[et]; dup {
				continue
			}
			seen[et] = struct{}{}
			out = append(out, et)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
