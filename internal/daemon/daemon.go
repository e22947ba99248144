package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codeindex/codeindex/internal/config"
	"github.com/codeindex/codeindex/internal/embed"
	"github.com/codeindex/codeindex/internal/search"
	"github.com/codeindex/codeindex/internal/store"
)

// Daemon keeps an embedder warm in memory and serves search requests for
// multiple projects over a Unix socket, avoiding the embedder's
// initialization cost on every CLI invocation.
type Daemon struct {
	config   Config
	embedder embed.Embedder
	started  time.Time

	mu       sync.RWMutex
	projects map[string]*projectState

	compaction *CompactionManager
}

// Option configures a Daemon at construction time.
type Option func(*Daemon)

// WithEmbedder overrides the embedder the daemon keeps loaded. Tests use
// this to inject a mock embedder and avoid starting a real model.
func WithEmbedder(e embed.Embedder) Option {
	return func(d *Daemon) {
		d.embedder = e
	}
}

// projectState holds a loaded project's open stores, kept warm until
// evicted by the daemon's LRU policy.
type projectState struct {
	rootPath string

	name    store.NameIndex
	symbols store.SymbolStore
	files   store.FileRecordStore
	vector  store.SemanticIndex

	loadedAt time.Time
	lastUsed time.Time
}

// Close releases every store the project state opened. Fields left nil
// (as in tests constructing a bare projectState) are skipped.
func (p *projectState) Close() error {
	var errs []error
	if p.name != nil {
		if err := p.name.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.symbols != nil {
		if err := p.symbols.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.files != nil {
		if err := p.files.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.vector != nil {
		if err := p.vector.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewDaemon validates cfg and constructs a Daemon. The embedder and any
// running state are only created once Start is called, unless overridden
// with WithEmbedder.
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		config:   cfg,
		projects: make(map[string]*projectState),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.compaction = NewCompactionManager(d, config.NewConfig().Compaction)

	return d, nil
}

// Start brings up the embedder (if not already injected), writes the PID
// file, and blocks serving search requests until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.config.EnsureDir(); err != nil {
		return err
	}

	if d.embedder == nil {
		embedCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		embedder, err := embed.NewEmbedder(embedCtx, embed.ParseProvider(""), "")
		cancel()
		if err != nil {
			return fmt.Errorf("embedder initialization failed: %w", err)
		}
		d.embedder = embedder
	}

	pidFile := NewPIDFile(d.config.PIDPath)
	if err := pidFile.Write(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	d.started = time.Now()

	d.compaction.Start(ctx)

	server, err := NewServer(d.config.SocketPath)
	if err != nil {
		_ = pidFile.Remove()
		return fmt.Errorf("failed to create server: %w", err)
	}
	server.SetHandler(d)

	defer func() {
		d.compaction.Stop()
		_ = pidFile.Remove()
		d.cleanup()
	}()

	return server.ListenAndServe(ctx)
}

// cleanup closes every loaded project and the embedder. Called when the
// daemon shuts down.
func (d *Daemon) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range d.projects {
		if err := p.Close(); err != nil {
			slog.Warn("project close failed", slog.String("project", p.rootPath), slog.String("error", err.Error()))
		}
	}
	d.projects = make(map[string]*projectState)

	if d.embedder != nil {
		_ = d.embedder.Close()
		d.embedder = nil
	}
}

// evictLRU closes and drops the least-recently-used project once the
// loaded count reaches MaxProjects, making room for a new one.
func (d *Daemon) evictLRU() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.projects) < d.config.MaxProjects {
		return
	}

	var oldestPath string
	var oldestTime time.Time
	for path, p := range d.projects {
		if oldestPath == "" || p.lastUsed.Before(oldestTime) {
			oldestPath = path
			oldestTime = p.lastUsed
		}
	}
	if oldestPath == "" {
		return
	}

	if p := d.projects[oldestPath]; p != nil {
		if err := p.Close(); err != nil {
			slog.Warn("evicted project close failed", slog.String("project", oldestPath), slog.String("error", err.Error()))
		}
	}
	delete(d.projects, oldestPath)
}

// getOrLoadProject returns the warm project state for rootPath, loading it
// from disk and evicting the LRU entry first if the daemon is at capacity.
func (d *Daemon) getOrLoadProject(ctx context.Context, rootPath string) (*projectState, error) {
	d.mu.Lock()
	if p, ok := d.projects[rootPath]; ok {
		p.lastUsed = time.Now()
		d.mu.Unlock()
		return p, nil
	}
	d.mu.Unlock()

	p, err := d.loadProject(ctx, rootPath)
	if err != nil {
		return nil, err
	}

	d.evictLRU()

	d.mu.Lock()
	d.projects[rootPath] = p
	d.mu.Unlock()

	return p, nil
}

// loadProject opens the on-disk index for rootPath without touching the
// daemon's shared embedder state.
func (d *Daemon) loadProject(ctx context.Context, rootPath string) (*projectState, error) {
	dataDir := filepath.Join(rootPath, ".amanmcp")
	namePath := filepath.Join(dataDir, "name")

	backend := store.DetectNameIndexBackend(namePath)
	if backend == "" {
		return nil, fmt.Errorf("no index found in %s", rootPath)
	}

	name, err := store.NewNameIndexWithBackend(namePath, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to open name index: %w", err)
	}

	symbols, err := store.NewSQLiteSymbolStore(filepath.Join(dataDir, "symbols.db"))
	if err != nil {
		_ = name.Close()
		return nil, fmt.Errorf("failed to open symbol store: %w", err)
	}

	files, err := store.NewSQLiteFileRecordStore(filepath.Join(dataDir, "files.db"))
	if err != nil {
		_ = symbols.Close()
		_ = name.Close()
		return nil, fmt.Errorf("failed to open file record store: %w", err)
	}

	dims := 768
	if d.embedder != nil {
		dims = d.embedder.Dimensions()
	}

	vector, err := store.NewHNSWSemanticIndex(dims)
	if err != nil {
		_ = files.Close()
		_ = symbols.Close()
		_ = name.Close()
		return nil, fmt.Errorf("failed to create semantic index: %w", err)
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Warn("vector_load_failed", slog.String("project", rootPath), slog.String("error", loadErr.Error()))
		}
	}

	now := time.Now()
	return &projectState{
		rootPath: rootPath,
		name:     name,
		symbols:  symbols,
		files:    files,
		vector:   vector,
		loadedAt: now,
		lastUsed: now,
	}, nil
}

// HandleSearch implements RequestHandler, serving a search request against
// a warm (or freshly loaded) project index.
func (d *Daemon) HandleSearch(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	d.compaction.InterruptCompaction(params.RootPath)

	project, err := d.getOrLoadProject(ctx, params.RootPath)
	if err != nil {
		return nil, err
	}

	retriever := search.NewHybridRetriever(search.RetrieverConfig{
		Name:     project.name,
		Semantic: project.vector,
		Symbols:  project.symbols,
		Embedder: d.embedder,
	})

	limit := params.Limit
	if limit <= 0 {
		limit = 10
	}

	var fileTypeFilter []string
	if params.Language != "" {
		fileTypeFilter = []string{"." + strings.TrimPrefix(params.Language, ".")}
	}

	searchOpts := search.SearchOptions{
		TopK:           limit,
		FileTypeFilter: fileTypeFilter,
		Explain:        params.Explain,
	}
	if params.BM25Only {
		searchOpts.Weights = &search.Weights{BM25: 1, Semantic: 0}
	}

	results, err := retriever.Search(ctx, params.Query, searchOpts)
	if err != nil {
		return nil, err
	}

	d.compaction.OnSearchComplete(params.RootPath)

	out := make([]SearchResult, len(results))
	for i, r := range results {
		sr := SearchResult{
			FilePath:  r.FilePath,
			StartLine: r.Line,
			Score:     r.FinalScore,
			Content:   r.Content,
		}
		if params.Explain {
			sr.BM25Score = r.SubScores["lexical"]
			sr.VecScore = r.SubScores["semantic"]
		}
		out[i] = sr
	}
	return out, nil
}

// GetStatus implements RequestHandler, reporting daemon health and the
// number of projects currently held warm.
func (d *Daemon) GetStatus() StatusResult {
	d.mu.RLock()
	loaded := len(d.projects)
	d.mu.RUnlock()

	status := StatusResult{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         time.Since(d.started).Round(time.Second).String(),
		EmbedderType:   "unavailable",
		EmbedderStatus: "unavailable",
		ProjectsLoaded: loaded,
	}

	if d.embedder != nil {
		status.EmbedderType = d.embedder.ModelName()
		status.EmbedderStatus = "ready"
	}

	return status
}
