package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeindex/codeindex/internal/config"
	"github.com/codeindex/codeindex/internal/store"
)

func docSymbol() *store.CodeSymbol {
	sym := sampleSymbol()
	sym.Metadata.DocComment = "Fetches a user by id."
	return sym
}

func TestPatternContextGenerator_SkipsUndocumentedCodeByDefault(t *testing.T) {
	gen := NewPatternContextGenerator(nil)
	sym := sampleSymbol()
	sym.Metadata.DocComment = ""

	text, err := gen.GenerateContext(context.Background(), sym, "File: Widget.java")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestPatternContextGenerator_DescribesDocumentedSymbol(t *testing.T) {
	gen := NewPatternContextGenerator(nil)
	sym := docSymbol()

	text, err := gen.GenerateContext(context.Background(), sym, "File: Widget.java")
	require.NoError(t, err)
	assert.Contains(t, text, "Widget.java")
	assert.Contains(t, text, string(sym.Kind))
	assert.Contains(t, text, "Fetches a user by id")
}

func TestPatternContextGenerator_CodeChunksEnabledDescribesEverything(t *testing.T) {
	cfg := &config.Config{Contextual: config.ContextualConfig{CodeChunks: true}}
	gen := NewPatternContextGenerator(cfg)
	sym := sampleSymbol()
	sym.Metadata.DocComment = ""

	text, err := gen.GenerateContext(context.Background(), sym, "")
	require.NoError(t, err)
	assert.NotEmpty(t, text)
}

func TestPatternContextGenerator_Available(t *testing.T) {
	gen := NewPatternContextGenerator(nil)
	assert.True(t, gen.Available(context.Background()))
}

type stubGenerator struct {
	text      string
	err       error
	available bool
}

func (s *stubGenerator) GenerateContext(ctx context.Context, sym *store.CodeSymbol, docContext string) (string, error) {
	return s.text, s.err
}
func (s *stubGenerator) GenerateBatch(ctx context.Context, symbols []*store.CodeSymbol, docContext string) ([]string, error) {
	out := make([]string, len(symbols))
	for i := range symbols {
		out[i] = s.text
	}
	return out, s.err
}
func (s *stubGenerator) Available(ctx context.Context) bool { return s.available }
func (s *stubGenerator) ModelName() string                  { return "stub" }
func (s *stubGenerator) Close() error                       { return nil }

func TestHybridContextGenerator_FallsBackWhenLLMEmpty(t *testing.T) {
	cfg := &config.Config{Contextual: config.ContextualConfig{CodeChunks: true}}
	hybrid := NewHybridContextGenerator(&stubGenerator{text: "", available: true}, cfg)

	text, err := hybrid.GenerateContext(context.Background(), sampleSymbol(), "")
	require.NoError(t, err)
	assert.Contains(t, text, "Defines:")
}

func TestHybridContextGenerator_UsesLLMWhenAvailable(t *testing.T) {
	cfg := &config.Config{Contextual: config.ContextualConfig{CodeChunks: true}}
	hybrid := NewHybridContextGenerator(&stubGenerator{text: "a helper used during checkout", available: true}, cfg)

	text, err := hybrid.GenerateContext(context.Background(), sampleSymbol(), "")
	require.NoError(t, err)
	assert.Equal(t, "a helper used during checkout", text)
}

func TestHybridContextGenerator_SkipsLLMWhenFallbackOnly(t *testing.T) {
	cfg := &config.Config{Contextual: config.ContextualConfig{CodeChunks: true, FallbackOnly: true}}
	hybrid := NewHybridContextGenerator(&stubGenerator{text: "from the llm", available: true}, cfg)

	text, err := hybrid.GenerateContext(context.Background(), sampleSymbol(), "")
	require.NoError(t, err)
	assert.NotEqual(t, "from the llm", text)
}

func TestLLMContextGenerator_GenerateContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"response":"Context: fetches a user record by its primary key.","done":true}`))
	}))
	defer server.Close()

	gen, err := NewLLMContextGenerator(ContextGeneratorConfig{OllamaHost: server.URL})
	require.NoError(t, err)

	text, err := gen.GenerateContext(context.Background(), sampleSymbol(), "File: Widget.java")
	require.NoError(t, err)
	assert.Equal(t, "fetches a user record by its primary key.", text)
}

func TestLLMContextGenerator_Available(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gen, err := NewLLMContextGenerator(ContextGeneratorConfig{OllamaHost: server.URL})
	require.NoError(t, err)
	assert.True(t, gen.Available(context.Background()))
}

func TestApplyContext_PrependsLineWithoutDisturbingDeterministicFields(t *testing.T) {
	sym := sampleSymbol()
	enriched, err := Enrich(sym)
	require.NoError(t, err)
	original := enriched.CombinedText

	ApplyContext(context.Background(), enriched, sym, &stubGenerator{text: "used by the checkout flow"}, "")
	assert.Contains(t, enriched.CombinedText, "Context: used by the checkout flow")
	assert.Contains(t, enriched.CombinedText, original)
}

func TestApplyContext_NilGeneratorLeavesTextUntouched(t *testing.T) {
	sym := sampleSymbol()
	enriched, err := Enrich(sym)
	require.NoError(t, err)
	original := enriched.CombinedText

	ApplyContext(context.Background(), enriched, sym, nil, "")
	assert.Equal(t, original, enriched.CombinedText)
}

func TestExtractDocumentContext_SingleSymbol(t *testing.T) {
	ctx := ExtractDocumentContext([]*store.CodeSymbol{sampleSymbol()})
	assert.Contains(t, ctx, "Widget.java")
}

func TestGroupSymbolsByFile(t *testing.T) {
	a := sampleSymbol()
	b := sampleSymbol()
	b.FilePath = "Other.java"
	grouped := GroupSymbolsByFile([]*store.CodeSymbol{a, b})
	assert.Len(t, grouped, 2)
	assert.Len(t, grouped["Widget.java"], 1)
}
