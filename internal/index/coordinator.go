// Package index implements the Indexing Coordinator: it drives
// extraction -> enrichment -> fan-out-write into the Name, Semantic, and
// Structural indices, deduplicates by file modification stamp, and exposes
// full/incremental/single-file reindex plus scheduled persistence.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeindex/codeindex/internal/embed"
	"github.com/codeindex/codeindex/internal/enrich"
	"github.com/codeindex/codeindex/internal/graph"
	"github.com/codeindex/codeindex/internal/scanner"
	"github.com/codeindex/codeindex/internal/store"
)

// SymbolParser is the host IDE's source-of-truth AST/PSI walker. It is out
// of scope for this module (spec §1): the Coordinator consumes whatever
// stream of CodeSymbols it produces for a file and never retains them.
type SymbolParser interface {
	ParseFile(ctx context.Context, path string) ([]*store.CodeSymbol, error)
}

// DefaultPersistInterval is the default scheduled-commit period (spec §4.5).
const DefaultPersistInterval = 10 * time.Minute

// Config configures a Coordinator.
type Config struct {
	RootPath        string
	WorkerCount     int           // bounded pool size; 0 means runtime.NumCPU()
	PersistInterval time.Duration // 0 means DefaultPersistInterval
	ScanOptions     *scanner.ScanOptions

	// PersistHook is invoked on the persistence schedule and once more on
	// Dispose. A failure is logged and retried on the next tick; it never
	// loses data held by the in-memory indices (spec §4.5 failure
	// semantics).
	PersistHook func(ctx context.Context) error

	// Progress receives (files_total, files_done, current_path) during
	// index_all; it may be nil.
	Progress func(filesTotal, filesDone int, currentPath string)

	// ContextGen, when non-nil, prepends a CR-1 contextual-retrieval line to
	// each symbol's combined_text before it is embedded (spec §4.2). Left
	// nil, enrichment is exactly enrich.Enrich's deterministic output.
	ContextGen enrich.ContextGenerator

	Logger *slog.Logger
}

type state int32

const (
	stateIdle state = iota
	stateIndexing
)

// RunSummary is the outcome of one index_all run.
type RunSummary struct {
	FilesTotal     int
	FilesIndexed   int
	FilesFailed    int
	SymbolsIndexed int
	Failures       []FileFailure
}

// FileFailure records why a single file's indexing attempt failed.
type FileFailure struct {
	Path string
	Err  error
}

// Future is the handle returned by index_all; a second index_all call
// while one is already running returns the same Future rather than
// starting a new run (spec §4.5 state machine).
type Future struct {
	done   chan struct{}
	once   sync.Once
	result *RunSummary
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(result *RunSummary, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed when the run finishes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the run finishes or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (*RunSummary, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status is the Coordinator's status() result.
type Status struct {
	IsIndexing      bool
	FilesIndexed    int
	SymbolsIndexed  int
	InProgress      *Future
}

// Coordinator owns the three indices and the FileRecord map exclusively
// (spec §3 ownership). The Retriever holds only shared read-only access to
// the indices it is given.
type Coordinator struct {
	cfg      Config
	name     store.NameIndex
	semantic store.SemanticIndex
	dims     int
	embedder embed.Embedder
	parser   SymbolParser
	graph    *graph.Graph
	files    store.FileRecordStore
	symbols  store.SymbolStore
	scan     *scanner.Scanner
	logger   *slog.Logger

	mu         sync.Mutex // guards state + inProgress
	st         atomic.Int32
	inProgress *Future

	symMu       sync.Mutex
	fileSymbols map[string][]string // last-written symbol ids per file, for drop/reindex diffing

	filesIndexed   atomic.Int64
	symbolsIndexed atomic.Int64

	stopPersist chan struct{}
}

// New constructs a Coordinator over already-constructed indices. Disk-backed
// construction fallback (spec §4.5: "initialization failure -> fall back to
// in-memory, log a warning") is the responsibility of the index factories
// (see store.NewNameIndexWithBackend), not the Coordinator.
func New(cfg Config, name store.NameIndex, semantic store.SemanticIndex, dims int, embedder embed.Embedder, parser SymbolParser, g *graph.Graph, files store.FileRecordStore, symbols store.SymbolStore, sc *scanner.Scanner) *Coordinator {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = runtime.NumCPU()
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = DefaultPersistInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Coordinator{
		cfg:         cfg,
		name:        name,
		semantic:    semantic,
		dims:        dims,
		embedder:    embedder,
		parser:      parser,
		graph:       g,
		files:       files,
		symbols:     symbols,
		scan:        sc,
		logger:      cfg.Logger,
		fileSymbols: make(map[string][]string),
		stopPersist: make(chan struct{}),
	}

	go c.persistLoop()
	return c
}

func (c *Coordinator) persistLoop() {
	ticker := time.NewTicker(c.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.runPersistHook()
		case <-c.stopPersist:
			return
		}
	}
}

func (c *Coordinator) runPersistHook() {
	if c.cfg.PersistHook == nil {
		return
	}
	if err := c.cfg.PersistHook(context.Background()); err != nil {
		c.logger.Warn("scheduled persistence failed, retrying next tick", slog.String("error", err.Error()))
	}
}

// Dispose stops scheduled persistence and runs one final commit.
func (c *Coordinator) Dispose(ctx context.Context) error {
	close(c.stopPersist)
	if c.cfg.PersistHook == nil {
		return nil
	}
	return c.cfg.PersistHook(ctx)
}

// modStamp combines mtime and size into an opaque, comparable stamp.
func modStamp(info os.FileInfo) string {
	return fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size())
}

// IndexAll enumerates source files under cfg.RootPath and schedules
// per-file indexing across a bounded worker pool. A second call while a
// run is in progress returns the existing Future instead of starting a new
// one.
func (c *Coordinator) IndexAll(ctx context.Context, force bool) (*Future, error) {
	c.mu.Lock()
	if state(c.st.Load()) == stateIndexing {
		f := c.inProgress
		c.mu.Unlock()
		return f, nil
	}
	c.st.Store(int32(stateIndexing))
	future := newFuture()
	c.inProgress = future
	c.mu.Unlock()

	go func() {
		summary, err := c.runAll(ctx, force)
		c.mu.Lock()
		c.st.Store(int32(stateIdle))
		c.inProgress = nil
		c.mu.Unlock()
		future.complete(summary, err)
	}()

	return future, nil
}

func (c *Coordinator) runAll(ctx context.Context, force bool) (*RunSummary, error) {
	opts := c.cfg.ScanOptions
	if opts == nil {
		opts = &scanner.ScanOptions{RootDir: c.cfg.RootPath, RespectGitignore: true}
	}

	results, err := c.scan.Scan(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("index_all: scan failed: %w", err)
	}

	var paths []string
	for r := range results {
		if r.Error != nil {
			c.logger.Warn("scan error, skipping file", slog.String("error", r.Error.Error()))
			continue
		}
		paths = append(paths, r.File.AbsPath)
	}

	summary := &RunSummary{FilesTotal: len(paths)}
	var done atomic.Int64
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.WorkerCount)

	for _, path := range paths {
		path := path
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			n := done.Add(1)
			if c.cfg.Progress != nil {
				c.cfg.Progress(len(paths), int(n), path)
			}

			symCount, skipped, ferr := c.indexFile(gctx, path, force)
			mu.Lock()
			defer mu.Unlock()
			if ferr != nil {
				summary.FilesFailed++
				summary.Failures = append(summary.Failures, FileFailure{Path: path, Err: ferr})
				c.logger.Warn("file indexing failed, continuing with other files",
					slog.String("file_path", path), slog.String("error", ferr.Error()))
				return nil // a single file's parser failure never aborts the run
			}
			if !skipped {
				summary.FilesIndexed++
				summary.SymbolsIndexed += symCount
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err // context cancellation only; per-file errors are absorbed above
	}
	return summary, nil
}

// IndexFile indexes or reindexes one file outside the index_all state
// machine (used for single-file and watch-triggered reindex).
func (c *Coordinator) IndexFile(ctx context.Context, path string) error {
	_, _, err := c.indexFile(ctx, path, true)
	return err
}

// indexFile performs the skip check, parses, enriches, and fans out writes
// to all three indices. A parser failure fails the whole file; individual
// symbol write failures are tolerated and logged (spec §4.5 batching rule).
func (c *Coordinator) indexFile(ctx context.Context, path string, force bool) (symbolCount int, skipped bool, err error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return 0, false, fmt.Errorf("stat %s: %w", path, statErr)
	}
	current := modStamp(info)

	if !force {
		if rec, ok, _ := c.files.Get(ctx, path); ok && rec.ModStamp == current {
			return 0, true, nil
		}
	}

	symbols, err := c.parser.ParseFile(ctx, path)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", path, err)
	}

	docContext := enrich.ExtractDocumentContext(symbols)

	newIDs := make([]string, 0, len(symbols))
	written := 0
	for _, sym := range symbols {
		if err := sym.Valid(); err != nil {
			c.logger.Warn("dropping invalid symbol", slog.String("file_path", path), slog.String("error", err.Error()))
			continue
		}
		if err := c.writeSymbol(ctx, sym, docContext); err != nil {
			c.logger.Warn("symbol write failed, continuing with other symbols",
				slog.String("id", sym.ID), slog.String("error", err.Error()))
			continue
		}
		newIDs = append(newIDs, sym.ID)
		written++
	}

	c.dropStaleSymbols(ctx, path, newIDs)

	if err := c.files.Put(ctx, &store.FileRecord{FilePath: path, ModStamp: current, IndexedAt: time.Now()}); err != nil {
		c.logger.Warn("failed to persist file record", slog.String("file_path", path), slog.String("error", err.Error()))
	}

	c.filesIndexed.Add(1)
	c.symbolsIndexed.Add(int64(written))
	return written, false, nil
}

// writeSymbol enriches one symbol and fans the result out to all three
// indices.
func (c *Coordinator) writeSymbol(ctx context.Context, sym *store.CodeSymbol, docContext string) error {
	enriched, err := enrich.Enrich(sym)
	if err != nil {
		return fmt.Errorf("enrich: %w", err)
	}
	enrich.ApplyContext(ctx, enriched, sym, c.cfg.ContextGen, docContext)

	entry := &store.IndexEntry{
		ID:         sym.ID,
		Signature:  sym.Signature,
		NameTokens: enriched.Tokens,
		Type:       sym.Kind,
		FilePath:   sym.FilePath,
		Package:    sym.Metadata.Package,
		Doc:        sym.Metadata.DocComment,
	}
	if err := c.name.Write(ctx, entry); err != nil {
		return fmt.Errorf("name index write: %w", err)
	}

	if c.embedder != nil && c.embedder.Available(ctx) {
		vec, err := c.embedder.Embed(ctx, enriched.CombinedText)
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
		meta := map[string]string{"type": string(sym.Kind), "file_path": sym.FilePath, "package": sym.Metadata.Package}
		if err := c.semantic.Write(ctx, sym.ID, vec, enriched.CombinedText, meta); err != nil {
			return fmt.Errorf("semantic index write: %w", err)
		}
	}

	node := graph.ElementStructure{
		ID:           sym.ID,
		Kind:         sym.Kind,
		Extends:      sym.Metadata.Extends,
		Implements:   sym.Metadata.Implements,
		Calls:        sym.Metadata.CalledIDs,
		Instantiates: nil,
		UsesType:     nil,
	}
	if err := c.graph.Upsert(node); err != nil {
		return fmt.Errorf("structural index write: %w", err)
	}

	if c.symbols != nil {
		rec := &store.SymbolRecord{
			ID:           sym.ID,
			Kind:         sym.Kind,
			Signature:    sym.Signature,
			FilePath:     sym.FilePath,
			Package:      sym.Metadata.Package,
			Doc:          sym.Metadata.DocComment,
			StartLine:    sym.StartLine,
			EndLine:      sym.EndLine,
			CombinedText: enriched.CombinedText,
		}
		if err := c.symbols.Put(ctx, rec); err != nil {
			return fmt.Errorf("symbol store write: %w", err)
		}
	}

	c.symMu.Lock()
	c.fileSymbols[sym.FilePath] = append(c.fileSymbols[sym.FilePath], sym.ID)
	c.symMu.Unlock()

	return nil
}

// dropStaleSymbols removes ids that were written for path on a previous
// index pass but were not reproduced this time (renamed or deleted
// symbols within an otherwise-still-indexed file).
func (c *Coordinator) dropStaleSymbols(ctx context.Context, path string, newIDs []string) {
	c.symMu.Lock()
	old := c.fileSymbols[path]
	c.fileSymbols[path] = nil
	c.symMu.Unlock()

	keep := make(map[string]struct{}, len(newIDs))
	for _, id := range newIDs {
		keep[id] = struct{}{}
	}

	for _, id := range old {
		if _, ok := keep[id]; ok {
			continue
		}
		c.deleteSymbol(ctx, id)
	}
}

func (c *Coordinator) deleteSymbol(ctx context.Context, id string) {
	if err := c.name.Delete(ctx, id); err != nil {
		c.logger.Warn("name index delete failed", slog.String("id", id), slog.String("error", err.Error()))
	}
	if c.semantic != nil {
		if err := c.semantic.Delete(ctx, id); err != nil {
			c.logger.Warn("semantic index delete failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	if c.symbols != nil {
		if err := c.symbols.Delete(ctx, id); err != nil {
			c.logger.Warn("symbol store delete failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	c.graph.Remove(id)
}

// DropFile removes every symbol indexed for path from all three indices.
func (c *Coordinator) DropFile(ctx context.Context, path string) error {
	c.symMu.Lock()
	ids := c.fileSymbols[path]
	delete(c.fileSymbols, path)
	c.symMu.Unlock()

	for _, id := range ids {
		c.deleteSymbol(ctx, id)
	}

	return c.files.Delete(ctx, path)
}

// Status reports the Coordinator's current state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	inProgress := c.inProgress
	indexing := state(c.st.Load()) == stateIndexing
	c.mu.Unlock()

	return Status{
		IsIndexing:     indexing,
		FilesIndexed:   int(c.filesIndexed.Load()),
		SymbolsIndexed: int(c.symbolsIndexed.Load()),
		InProgress:     inProgress,
	}
}

// Clear drops all indexed state across all three indices and the
// FileRecord map.
func (c *Coordinator) Clear(ctx context.Context) error {
	if err := c.name.DeleteByFilter(ctx, func(*store.IndexEntry) bool { return true }); err != nil {
		return fmt.Errorf("clear name index: %w", err)
	}
	if c.semantic != nil {
		if err := c.semantic.Clear(ctx); err != nil {
			return fmt.Errorf("clear semantic index: %w", err)
		}
	}
	c.graph.Clear()

	if c.symbols != nil {
		symRecs, err := c.symbols.All(ctx)
		if err != nil {
			return fmt.Errorf("clear symbol store: %w", err)
		}
		for _, r := range symRecs {
			if err := c.symbols.Delete(ctx, r.ID); err != nil {
				c.logger.Warn("failed to delete symbol record during clear", slog.String("id", r.ID), slog.String("error", err.Error()))
			}
		}
	}

	recs, err := c.files.All(ctx)
	if err != nil {
		return fmt.Errorf("clear file records: %w", err)
	}
	for _, r := range recs {
		if err := c.files.Delete(ctx, r.FilePath); err != nil {
			c.logger.Warn("failed to delete file record during clear", slog.String("file_path", r.FilePath), slog.String("error", err.Error()))
		}
	}

	c.symMu.Lock()
	c.fileSymbols = make(map[string][]string)
	c.symMu.Unlock()

	c.filesIndexed.Store(0)
	c.symbolsIndexed.Store(0)
	return nil
}
