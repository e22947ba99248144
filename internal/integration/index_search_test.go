package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeindex/codeindex/internal/config"
	"github.com/codeindex/codeindex/internal/embed"
	"github.com/codeindex/codeindex/internal/search"
	"github.com/codeindex/codeindex/internal/store"
)

// Integration Tests - These test the full flow from indexing to search
// to verify components work together correctly.

// testEmbedder creates a static embedder for testing (fast, no model download)
func testEmbedder(t *testing.T) embed.Embedder {
	t.Helper()
	return embed.NewStaticEmbedder768()
}

// testNameIndex creates an in-memory-backed name index for testing.
func testNameIndex(t *testing.T) store.NameIndex {
	t.Helper()
	tmpDir := t.TempDir()
	name, err := store.NewNameIndexWithBackend(filepath.Join(tmpDir, "name"), store.NameIndexBackendSQLite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = name.Close() })
	return name
}

// testSemanticIndex creates a semantic index for testing, matching the
// static embedder's dimensions.
func testSemanticIndex(t *testing.T) store.SemanticIndex {
	t.Helper()
	semantic, err := store.NewHNSWSemanticIndex(768)
	require.NoError(t, err)
	t.Cleanup(func() { _ = semantic.Close() })
	return semantic
}

// testSymbolStore creates an in-memory symbol store for testing.
func testSymbolStore(t *testing.T) store.SymbolStore {
	t.Helper()
	symbols := store.NewMemorySymbolStore()
	t.Cleanup(func() { _ = symbols.Close() })
	return symbols
}

// indexSymbols embeds and writes every symbol record into both the name
// index and the semantic index, then commits the name index's write buffer
// so search sees it immediately.
func indexSymbols(t *testing.T, ctx context.Context, name store.NameIndex, semantic store.SemanticIndex, symbols store.SymbolStore, embedder embed.Embedder, recs []*store.SymbolRecord) {
	t.Helper()

	for _, rec := range recs {
		require.NoError(t, symbols.Put(ctx, rec))
		require.NoError(t, name.Write(ctx, &store.IndexEntry{
			ID:        rec.ID,
			Signature: rec.Signature,
			Type:      rec.Kind,
			FilePath:  rec.FilePath,
			Package:   rec.Package,
			Doc:       rec.Doc,
		}))

		vec, err := embedder.Embed(ctx, rec.CombinedText)
		require.NoError(t, err)
		require.NoError(t, semantic.Write(ctx, rec.ID, vec, rec.CombinedText, map[string]string{"file_path": rec.FilePath}))
	}
	require.NoError(t, name.Commit(ctx))
}

func newTestRetriever(t *testing.T, name store.NameIndex, semantic store.SemanticIndex, symbols store.SymbolStore, embedder embed.Embedder) *search.HybridRetriever {
	t.Helper()
	return search.NewHybridRetriever(search.RetrieverConfig{
		Name:     name,
		Semantic: semantic,
		Symbols:  symbols,
		Embedder: embedder,
	})
}

// TestIntegration_IndexAndSearch_FindsResults tests the complete flow:
// create symbols -> index -> search -> get results
func TestIntegration_IndexAndSearch_FindsResults(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Given: a project with some source files
	projectDir := t.TempDir()
	createTestProject(t, projectDir)

	// And: initialized stores
	embedder := testEmbedder(t)
	name := testNameIndex(t)
	semantic := testSemanticIndex(t)
	symbols := testSymbolStore(t)

	ctx := context.Background()
	recs := createTestSymbolRecords()
	indexSymbols(t, ctx, name, semantic, symbols, embedder, recs)

	retriever := newTestRetriever(t, name, semantic, symbols, embedder)

	// When: searching for known content
	results, err := retriever.Search(ctx, "HTTP handler function", search.SearchOptions{TopK: 10})

	// Then: results should be found
	require.NoError(t, err)
	assert.NotEmpty(t, results, "Search should find results")

	// Verify at least one result matches expected file
	foundHandler := false
	for _, r := range results {
		if r.FilePath == "main.go" {
			foundHandler = true
			break
		}
	}
	assert.True(t, foundHandler, "Should find main.go with handler function")
}

// TestIntegration_SearchAfterDelete_ExcludesDeleted tests that deleted
// content is no longer returned in search results.
func TestIntegration_SearchAfterDelete_ExcludesDeleted(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Given: indexed content
	projectDir := t.TempDir()
	createTestProject(t, projectDir)

	embedder := testEmbedder(t)
	name := testNameIndex(t)
	semantic := testSemanticIndex(t)
	symbols := testSymbolStore(t)

	ctx := context.Background()
	recs := createTestSymbolRecords()
	indexSymbols(t, ctx, name, semantic, symbols, embedder, recs)

	retriever := newTestRetriever(t, name, semantic, symbols, embedder)

	// When: deleting a symbol and searching
	idToDelete := recs[0].ID
	require.NoError(t, symbols.Delete(ctx, idToDelete))
	require.NoError(t, name.Delete(ctx, idToDelete))
	require.NoError(t, semantic.Delete(ctx, idToDelete))

	results, err := retriever.Search(ctx, "HTTP handler", search.SearchOptions{TopK: 10})
	require.NoError(t, err)

	// Then: deleted symbol should not appear in results
	for _, r := range results {
		assert.NotEqual(t, idToDelete, r.ID, "Deleted symbol should not appear in results")
	}
}

// TestIntegration_EmptyIndex_ReturnsNoResults tests that an empty index
// returns empty results without error.
func TestIntegration_EmptyIndex_ReturnsNoResults(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Given: an empty search engine
	embedder := testEmbedder(t)
	name := testNameIndex(t)
	semantic := testSemanticIndex(t)
	symbols := testSymbolStore(t)

	retriever := newTestRetriever(t, name, semantic, symbols, embedder)

	// When: searching empty index
	ctx := context.Background()
	results, err := retriever.Search(ctx, "any query", search.SearchOptions{TopK: 10})

	// Then: no error, empty results
	require.NoError(t, err)
	assert.Empty(t, results)
}

// TestIntegration_SearchWithFilters_FiltersResults tests that the
// FileTypeFilter filters results by file extension.
func TestIntegration_SearchWithFilters_FiltersResults(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Given: indexed content with different languages
	projectDir := t.TempDir()
	createMultiLangProject(t, projectDir)

	embedder := testEmbedder(t)
	name := testNameIndex(t)
	semantic := testSemanticIndex(t)
	symbols := testSymbolStore(t)

	ctx := context.Background()
	recs := createMultiLangSymbolRecords()
	indexSymbols(t, ctx, name, semantic, symbols, embedder, recs)

	retriever := newTestRetriever(t, name, semantic, symbols, embedder)

	// When: searching with a Go-only file type filter
	results, err := retriever.Search(ctx, "function", search.SearchOptions{
		TopK:           10,
		FileTypeFilter: []string{".go"},
	})
	require.NoError(t, err)

	// Then: only Go files should be in results
	for _, r := range results {
		ext := filepath.Ext(r.FilePath)
		assert.Equal(t, ".go", ext, "Filtered results should only contain Go files")
	}
}

// TestIntegration_ConcurrentSearches_NoRace tests that concurrent searches
// don't cause race conditions.
func TestIntegration_ConcurrentSearches_NoRace(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Given: indexed content
	projectDir := t.TempDir()
	createTestProject(t, projectDir)

	embedder := testEmbedder(t)
	name := testNameIndex(t)
	semantic := testSemanticIndex(t)
	symbols := testSymbolStore(t)

	ctx := context.Background()
	recs := createTestSymbolRecords()
	indexSymbols(t, ctx, name, semantic, symbols, embedder, recs)

	retriever := newTestRetriever(t, name, semantic, symbols, embedder)

	// When: running concurrent searches
	done := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		go func(query string) {
			_, err := retriever.Search(ctx, query, search.SearchOptions{TopK: 5})
			assert.NoError(t, err)
			done <- true
		}(fmt.Sprintf("test query %c", rune('a'+i%26)))
	}

	// Then: all searches complete without error
	timeout := time.After(10 * time.Second)
	for i := 0; i < 20; i++ {
		select {
		case <-done:
		case <-timeout:
			t.Fatal("Concurrent searches timed out")
		}
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// createTestProject creates a simple test project structure
func createTestProject(t *testing.T, dir string) {
	t.Helper()

	files := map[string]string{
		"main.go": `package main

import "net/http"

// handleRequest is the main HTTP handler function
func handleRequest(w http.ResponseWriter, r *http.Request) {
    w.Write([]byte("Hello, World!"))
}

func main() {
    http.HandleFunc("/", handleRequest)
    http.ListenAndServe(":8080", nil)
}
`,
		"util.go": `package main

// formatMessage formats a message with a prefix
func formatMessage(msg string) string {
    return "[APP] " + msg
}

// validateInput checks if input is valid
func validateInput(input string) bool {
    return len(input) > 0
}
`,
	}

	for name, content := range files {
		path := filepath.Join(dir, name)
		err := os.WriteFile(path, []byte(content), 0644)
		require.NoError(t, err)
	}
}

// createTestSymbolRecords creates symbol records matching createTestProject's
// source, with CombinedText set the way the Enricher would produce it.
func createTestSymbolRecords() []*store.SymbolRecord {
	return []*store.SymbolRecord{
		{
			ID:           "main.go#handleRequest",
			Kind:         store.KindFreeFunc,
			Signature:    "func handleRequest(w http.ResponseWriter, r *http.Request)",
			FilePath:     "main.go",
			Package:      "main",
			Doc:          "handleRequest is the main HTTP handler function",
			StartLine:    6,
			EndLine:      8,
			CombinedText: "handleRequest is the main HTTP handler function\nfunc handleRequest(w http.ResponseWriter, r *http.Request) {\n    w.Write([]byte(\"Hello, World!\"))\n}",
		},
		{
			ID:           "main.go#main",
			Kind:         store.KindFreeFunc,
			Signature:    "func main()",
			FilePath:     "main.go",
			Package:      "main",
			StartLine:    10,
			EndLine:      13,
			CombinedText: "func main() {\n    http.HandleFunc(\"/\", handleRequest)\n    http.ListenAndServe(\":8080\", nil)\n}",
		},
		{
			ID:           "util.go#formatMessage",
			Kind:         store.KindFreeFunc,
			Signature:    "func formatMessage(msg string) string",
			FilePath:     "util.go",
			Package:      "main",
			Doc:          "formatMessage formats a message with a prefix",
			StartLine:    3,
			EndLine:      6,
			CombinedText: "formatMessage formats a message with a prefix\nfunc formatMessage(msg string) string {\n    return \"[APP] \" + msg\n}",
		},
	}
}

// createMultiLangProject creates a project with multiple languages
func createMultiLangProject(t *testing.T, dir string) {
	t.Helper()

	files := map[string]string{
		"main.go": `package main

func main() {
    println("Hello from Go")
}
`,
		"index.js": `// JavaScript function
function greet(name) {
    console.log("Hello, " + name);
}
`,
		"script.py": `# Python function
def greet(name):
    print(f"Hello, {name}")
`,
	}

	for name, content := range files {
		path := filepath.Join(dir, name)
		err := os.WriteFile(path, []byte(content), 0644)
		require.NoError(t, err)
	}
}

// createMultiLangSymbolRecords creates symbol records for a multi-language
// project, one free function per language.
func createMultiLangSymbolRecords() []*store.SymbolRecord {
	return []*store.SymbolRecord{
		{
			ID:           "main.go#main",
			Kind:         store.KindFreeFunc,
			Signature:    "func main()",
			FilePath:     "main.go",
			Package:      "main",
			StartLine:    1,
			EndLine:      5,
			CombinedText: "package main\n\nfunc main() {\n    println(\"Hello from Go\")\n}",
		},
		{
			ID:           "index.js#greet",
			Kind:         store.KindFreeFunc,
			Signature:    "function greet(name)",
			FilePath:     "index.js",
			StartLine:    1,
			EndLine:      4,
			CombinedText: "JavaScript function\nfunction greet(name) {\n    console.log(\"Hello, \" + name);\n}",
		},
		{
			ID:           "script.py#greet",
			Kind:         store.KindFreeFunc,
			Signature:    "def greet(name)",
			FilePath:     "script.py",
			StartLine:    1,
			EndLine:      3,
			CombinedText: "Python function\ndef greet(name):\n    print(f\"Hello, {name}\")",
		},
	}
}

// =============================================================================
// Config Integration Tests
// =============================================================================

// TestIntegration_ConfigLoad_AppliesDefaults tests that config loading
// works end-to-end with defaults.
func TestIntegration_ConfigLoad_AppliesDefaults(t *testing.T) {
	// Given: a directory without config file
	tmpDir := t.TempDir()

	// When: loading config
	cfg, err := config.Load(tmpDir)

	// Then: defaults are applied (empty provider = auto-detect: MLX -> Ollama -> Static)
	require.NoError(t, err)
	assert.Equal(t, 0.65, cfg.Search.BM25Weight) // RCA-015: BM25 favored
	assert.Equal(t, 0.35, cfg.Search.SemanticWeight)
	assert.Equal(t, "", cfg.Embeddings.Provider) // Empty = auto-detect
}

// TestIntegration_ConfigLoad_WithFile_OverridesDefaults tests that
// config file values override defaults for YAML-accessible fields.
// Note: Search weights are internal-only (yaml:"-") - use env vars instead.
func TestIntegration_ConfigLoad_WithFile_OverridesDefaults(t *testing.T) {
	// Given: a directory with config file
	tmpDir := t.TempDir()
	configContent := `
version: 1
search:
  chunk_size: 2000
embeddings:
  provider: static
`
	err := os.WriteFile(filepath.Join(tmpDir, ".amanmcp.yaml"), []byte(configContent), 0644)
	require.NoError(t, err)

	// When: loading config
	cfg, err := config.Load(tmpDir)

	// Then: file values override defaults for YAML-accessible fields
	require.NoError(t, err)
	assert.Equal(t, 2000, cfg.Search.ChunkSize)
	assert.Equal(t, "static", cfg.Embeddings.Provider)
	// Weights use defaults (not overridable via YAML - RCA-015)
	assert.Equal(t, 0.65, cfg.Search.BM25Weight)
	assert.Equal(t, 0.35, cfg.Search.SemanticWeight)
}
