package search

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeindex/codeindex/internal/store"
)

func TestSentenceWindow_ExpandsAroundCandidate(t *testing.T) {
	file := "First sentence. Second sentence. Third sentence containing TARGET here. Fourth sentence. Fifth sentence."
	window := sentenceWindow(file, "Third sentence containing TARGET here. ", 1)
	assert.Contains(t, window, "Second sentence")
	assert.Contains(t, window, "TARGET")
	assert.Contains(t, window, "Fourth sentence")
}

func TestSentenceWindow_MissingCandidateReturnsCandidateVerbatim(t *testing.T) {
	window := sentenceWindow("some file content", "not present", 3)
	assert.Equal(t, "not present", window)
}

func TestParentDocument_FindsEnclosingClass(t *testing.T) {
	file := "package pkg\n\ntype Account struct {\n\tBalance int\n}\n\nfunc (a *Account) Deposit(amount int) {\n\ta.Balance += amount\n}\n"
	rec := &store.SymbolRecord{CombinedText: "func (a *Account) Deposit(amount int) {\n\ta.Balance += amount\n}"}
	parent := parentDocument(file, rec)
	assert.Contains(t, parent, "type Account struct")
	assert.Contains(t, parent, "Deposit")
}

func TestFileCache_ReadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	cache := newFileCache(DefaultFileCacheSize, DefaultFileCacheTTL)
	content, err := cache.read(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", content)

	require.NoError(t, os.WriteFile(path, []byte("changed"), 0644))
	cached, err := cache.read(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", cached, "second read within TTL must hit the cache, not the changed file")
}

func TestContextExpander_BuildsContextualizedContentWithHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	content := "package pkg\n\nfunc A() {}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	e := newContextExpander(newFileCache(DefaultFileCacheSize, DefaultFileCacheTTL))
	res := &store.SearchResult{ID: "pkg.A", Content: "func A() {}", FilePath: path, Line: 3}
	rec := &store.SymbolRecord{Kind: store.KindFreeFunc, FilePath: path, StartLine: 3, EndLine: 3, CombinedText: "func A() {}"}

	e.expand(res, rec)
	assert.Contains(t, res.ContextualizedContent, "// File: "+path)
	assert.Contains(t, res.ContextualizedContent, "func A() {}")
}
