// Package search implements the Hybrid Retriever: query analysis, broad
// dual-stream candidate retrieval, multi-tier re-ranking, and contextual
// expansion of the top results (spec §4.6).
package search

import (
	"context"
	"time"

	"github.com/codeindex/codeindex/internal/store"
)

// QueryType biases the candidate-retrieval weighting toward lexical or
// semantic recall. Distinct from Intent: QueryType is an internal scoring
// hint, Intent is the query-analysis output field a caller can inspect.
type QueryType string

const (
	QueryTypeLexical  QueryType = "LEXICAL"
	QueryTypeSemantic QueryType = "SEMANTIC"
	QueryTypeMixed    QueryType = "MIXED"
)

// Weights biases candidate-retrieval scoring between lexical and semantic
// signal, and is what QueryType ultimately resolves to.
type Weights struct {
	BM25     float64
	Semantic float64
}

// DefaultWeights is the MIXED default.
func DefaultWeights() Weights {
	return Weights{BM25: 0.35, Semantic: 0.65}
}

// WeightsForQueryType returns the predefined weights for a query type.
func WeightsForQueryType(qt QueryType) Weights {
	switch qt {
	case QueryTypeLexical:
		return Weights{BM25: 0.85, Semantic: 0.15}
	case QueryTypeSemantic:
		return Weights{BM25: 0.20, Semantic: 0.80}
	default:
		return DefaultWeights()
	}
}

// Classifier determines optimal retrieval weights for a query. Implemented
// by HybridClassifier (LLM-assisted, falls back to PatternClassifier).
type Classifier interface {
	Classify(ctx context.Context, query string) (QueryType, Weights, error)
}

// Intent is the spec's coarse query classification (§4.6.1).
type Intent string

const (
	IntentExactMatch Intent = "EXACT_MATCH"
	IntentConceptual Intent = "CONCEPTUAL"
	IntentMixed      Intent = "MIXED"
)

// EntityType is one of the symbol kinds a query may explicitly mention.
type EntityType string

const (
	EntityClass       EntityType = "class"
	EntityMethod      EntityType = "method"
	EntityFunction    EntityType = "function"
	EntityInterface   EntityType = "interface"
	EntityEnum        EntityType = "enum"
	EntityConstructor EntityType = "constructor"
)

// QueryAnalysis is the query-analysis stage's output (spec §4.6.1).
type QueryAnalysis struct {
	Original           string
	Intent             Intent
	PreferredFileTypes []string
	EntityTypes        []EntityType
	KeyTerms           []string
	Type               QueryType
	Weights            Weights
}

// Mode selects between the full tier-scoring pipeline and the fast path
// (spec §4.6.5).
type Mode string

const (
	ModeFull Mode = "full"
	ModeFast Mode = "fast"
)

// SearchOptions configures one Retriever.Search call.
type SearchOptions struct {
	// TopK is the number of results to return (default 10).
	TopK int

	// Mode forces "full" or "fast"; empty means auto-select from
	// LatencyBudget (< 500ms selects fast, per spec §4.6.5).
	Mode Mode

	// LatencyBudget informs auto Mode selection; zero means no preference
	// (full pipeline).
	LatencyBudget time.Duration

	// FileTypeFilter restricts results to these file extensions (without
	// the dot), empty means no filter.
	FileTypeFilter []string

	// Weights overrides query-analysis-derived weights when non-nil.
	Weights *Weights

	// Explain requests SubScores be populated on every result rather than
	// discarded after tier assignment.
	Explain bool
}

// DefaultTopK is used when SearchOptions.TopK is unset or non-positive.
const DefaultTopK = 10

// FastPathLatencyBudget is the spec's "< 500ms" fast-path threshold.
const FastPathLatencyBudget = 500 * time.Millisecond

// Retriever is the Hybrid Retriever's public contract.
type Retriever interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]*store.SearchResult, error)
}
