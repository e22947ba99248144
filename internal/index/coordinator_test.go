package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeindex/codeindex/internal/graph"
	"github.com/codeindex/codeindex/internal/scanner"
	"github.com/codeindex/codeindex/internal/store"
)

// fakeParser returns a fixed symbol set per path, recording call counts.
type fakeParser struct {
	bySymbol map[string][]*store.CodeSymbol
	calls    int
	err      error
}

func (p *fakeParser) ParseFile(_ context.Context, path string) ([]*store.CodeSymbol, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.bySymbol[path], nil
}

func newTestCoordinator(t *testing.T, root string, parser SymbolParser) *Coordinator {
	t.Helper()

	name, err := store.NewSQLiteNameIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { name.Close() })

	semantic, err := store.NewHNSWSemanticIndex(2)
	require.NoError(t, err)
	t.Cleanup(func() { semantic.Close() })

	g := graph.New()
	files := store.NewMemoryFileRecordStore()
	symbols := store.NewMemorySymbolStore()
	sc, err := scanner.New()
	require.NoError(t, err)

	cfg := Config{
		RootPath:        root,
		WorkerCount:     2,
		PersistInterval: time.Hour,
	}
	c := New(cfg, name, semantic, 2, nil, parser, g, files, symbols, sc)
	t.Cleanup(func() { c.Dispose(context.Background()) })
	return c
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func sampleSymbol(id, path string) *store.CodeSymbol {
	return &store.CodeSymbol{
		ID:        id,
		Kind:      store.KindMethod,
		Signature: "func " + id + "()",
		FilePath:  path,
		StartLine: 1,
		EndLine:   3,
		Metadata:  store.SymbolMetadata{Package: "pkg"},
	}
}

func TestIndexFile_WritesToAllThreeIndices(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.go", "package pkg\nfunc A() {}\n")

	parser := &fakeParser{bySymbol: map[string][]*store.CodeSymbol{
		path: {sampleSymbol("pkg.A", path)},
	}}
	c := newTestCoordinator(t, dir, parser)

	ctx := context.Background()
	require.NoError(t, c.IndexFile(ctx, path))

	assert.Contains(t, c.name.AllIDs(), "pkg.A")
	assert.Contains(t, c.semantic.AllIDs(), "pkg.A")
	_, ok := c.graph.Get("pkg.A")
	assert.True(t, ok)

	rec, ok, err := c.symbols.Get(ctx, "pkg.A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, path, rec.FilePath)
	assert.NotEmpty(t, rec.CombinedText)
}

func TestIndexFile_SkipsUnchangedFileUnlessForced(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.go", "package pkg\nfunc A() {}\n")

	parser := &fakeParser{bySymbol: map[string][]*store.CodeSymbol{
		path: {sampleSymbol("pkg.A", path)},
	}}
	c := newTestCoordinator(t, dir, parser)

	ctx := context.Background()
	_, skipped, err := c.indexFile(ctx, path, false)
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Equal(t, 1, parser.calls)

	_, skipped, err = c.indexFile(ctx, path, false)
	require.NoError(t, err)
	assert.True(t, skipped)
	assert.Equal(t, 1, parser.calls, "unchanged mod stamp must not reparse")

	_, skipped, err = c.indexFile(ctx, path, true)
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Equal(t, 2, parser.calls, "force=true always reparses")
}

func TestIndexFile_RemovedSymbolIsDroppedOnReindex(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.go", "package pkg\nfunc A() {}\nfunc B() {}\n")

	parser := &fakeParser{bySymbol: map[string][]*store.CodeSymbol{
		path: {sampleSymbol("pkg.A", path), sampleSymbol("pkg.B", path)},
	}}
	c := newTestCoordinator(t, dir, parser)
	ctx := context.Background()
	require.NoError(t, c.IndexFile(ctx, path))
	assert.Contains(t, c.name.AllIDs(), "pkg.B")

	parser.bySymbol[path] = []*store.CodeSymbol{sampleSymbol("pkg.A", path)}
	require.NoError(t, os.Chtimes(path, time.Now().Add(time.Second), time.Now().Add(time.Second)))
	require.NoError(t, c.IndexFile(ctx, path))

	assert.Contains(t, c.name.AllIDs(), "pkg.A")
	assert.NotContains(t, c.name.AllIDs(), "pkg.B")
	_, ok := c.graph.Get("pkg.B")
	assert.False(t, ok)
}

func TestIndexFile_InvalidSymbolIsDroppedNotFatal(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.go", "package pkg\n")

	bad := sampleSymbol("", path) // empty id is invalid
	good := sampleSymbol("pkg.Good", path)
	parser := &fakeParser{bySymbol: map[string][]*store.CodeSymbol{
		path: {bad, good},
	}}
	c := newTestCoordinator(t, dir, parser)

	require.NoError(t, c.IndexFile(context.Background(), path))
	assert.Contains(t, c.name.AllIDs(), "pkg.Good")
}

func TestIndexFile_ParserFailureFailsWholeFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.go", "package pkg\n")

	parser := &fakeParser{err: assert.AnError}
	c := newTestCoordinator(t, dir, parser)

	err := c.IndexFile(context.Background(), path)
	assert.Error(t, err)
}

func TestDropFile_RemovesAllSymbolsForThatFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.go", "package pkg\nfunc A() {}\n")

	parser := &fakeParser{bySymbol: map[string][]*store.CodeSymbol{
		path: {sampleSymbol("pkg.A", path)},
	}}
	c := newTestCoordinator(t, dir, parser)
	ctx := context.Background()
	require.NoError(t, c.IndexFile(ctx, path))
	require.Contains(t, c.name.AllIDs(), "pkg.A")

	require.NoError(t, c.DropFile(ctx, path))
	assert.NotContains(t, c.name.AllIDs(), "pkg.A")
	_, ok := c.graph.Get("pkg.A")
	assert.False(t, ok)
}

func TestIndexAll_SecondCallWhileRunningReturnsSameFuture(t *testing.T) {
	dir := t.TempDir()
	pathA := writeTestFile(t, dir, "a.go", "package pkg\nfunc A() {}\n")
	pathB := writeTestFile(t, dir, "b.go", "package pkg\nfunc B() {}\n")

	parser := &fakeParser{bySymbol: map[string][]*store.CodeSymbol{
		pathA: {sampleSymbol("pkg.A", pathA)},
		pathB: {sampleSymbol("pkg.B", pathB)},
	}}
	c := newTestCoordinator(t, dir, parser)

	ctx := context.Background()
	f1, err := c.IndexAll(ctx, true)
	require.NoError(t, err)
	f2, err := c.IndexAll(ctx, true)
	require.NoError(t, err)
	assert.Same(t, f1, f2)

	summary, err := f1.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.FilesTotal)
	assert.False(t, c.Status().IsIndexing)
}

func TestClear_RemovesEverythingAcrossIndices(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.go", "package pkg\nfunc A() {}\n")

	parser := &fakeParser{bySymbol: map[string][]*store.CodeSymbol{
		path: {sampleSymbol("pkg.A", path)},
	}}
	c := newTestCoordinator(t, dir, parser)
	ctx := context.Background()
	require.NoError(t, c.IndexFile(ctx, path))

	require.NoError(t, c.Clear(ctx))
	assert.Empty(t, c.name.AllIDs())
	assert.Equal(t, 0, c.semantic.Count())
	assert.Equal(t, 0, c.graph.Count())
}
