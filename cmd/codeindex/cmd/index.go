package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeindex/codeindex/internal/config"
	"github.com/codeindex/codeindex/internal/embed"
	"github.com/codeindex/codeindex/internal/graph"
	"github.com/codeindex/codeindex/internal/index"
	"github.com/codeindex/codeindex/internal/logging"
	"github.com/codeindex/codeindex/internal/parse"
	"github.com/codeindex/codeindex/internal/scanner"
	"github.com/codeindex/codeindex/internal/store"
	"github.com/codeindex/codeindex/internal/ui"
)

func newIndexCmd() *cobra.Command {
	var (
		noTUI   bool
		resume  bool
		force   bool
		backend string
	)

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Index a directory for searching",
		Long: `Index a directory to enable hybrid search over its contents.

This scans files, chunks code and documents, generates embeddings,
and builds both BM25 and vector indices for fast retrieval.

Backend Selection:
  (default)          Auto-detect: MLX on Apple Silicon, Ollama otherwise
  --backend=mlx      Use MLX (Apple Silicon, ~1.7x faster)
  --backend=ollama   Use Ollama (cross-platform)

The Coordinator resumes automatically: without --force, a file whose
modification stamp (mtime + size) matches its last recorded indexing run
is skipped, so interrupting index and re-running it continues where it
left off without a separate checkpoint file. --resume is accepted as an
explicit alias for that default behavior. --force clears the on-disk
indices and reindexes every file from scratch.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Set up signal handling for Ctrl+C - this ensures context cancellation
			// propagates properly so GPU operations stop when user interrupts
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}

			// --force and --resume are mutually exclusive
			if force && resume {
				return fmt.Errorf("--force and --resume are mutually exclusive")
			}

			// Set backend via environment variable if flag provided
			// This ensures all downstream code respects the choice
			if backend != "" {
				os.Setenv("AMANMCP_EMBEDDER", backend)
			}

			return runIndex(ctx, cmd, path, false, noTUI, force)
		},
	}

	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "Disable TUI mode, use plain text output")
	cmd.Flags().BoolVar(&resume, "resume", false, "Resume an interrupted run (default behavior; kept for explicitness)")
	cmd.Flags().BoolVar(&force, "force", false, "Clear existing index and rebuild from scratch")
	cmd.Flags().StringVar(&backend, "backend", "", "Embedding backend: auto-detect (default), mlx, ollama, or static")

	// Add subcommands
	cmd.AddCommand(newIndexInfoCmd())

	return cmd
}

// clearIndexData removes all index-related files from the data directory.
// This preserves the .amanmcp.yaml config file (which is at project root, not in dataDir).
func clearIndexData(dataDir string) error {
	// Files/directories to remove
	indexFiles := []string{
		filepath.Join(dataDir, "name.db"),
		filepath.Join(dataDir, "name.db-shm"),
		filepath.Join(dataDir, "name.db-wal"),
		filepath.Join(dataDir, "name.bleve"), // BM25 index directory (Bleve backend)
		filepath.Join(dataDir, "symbols.db"),
		filepath.Join(dataDir, "symbols.db-shm"),
		filepath.Join(dataDir, "symbols.db-wal"),
		filepath.Join(dataDir, "files.db"),
		filepath.Join(dataDir, "files.db-shm"),
		filepath.Join(dataDir, "files.db-wal"),
		filepath.Join(dataDir, "vectors.hnsw"), // HNSW vector store
	}

	for _, path := range indexFiles {
		if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
		}
	}

	return nil
}

func runIndex(ctx context.Context, cmd *cobra.Command, path string, offline bool, noTUI bool, force bool) error {
	// Initialize logging for CLI observability (BUG-039)
	// Use file-only logging to avoid interfering with user-facing output
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if logger, cleanup, err := logging.Setup(logCfg); err == nil {
		slog.SetDefault(logger) // Set as default so slog.Info goes to file
		defer cleanup()
	}
	// Continue even if logging setup fails - not critical for CLI

	// Validate path exists first (needed for renderer header)
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("failed to access path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", absPath)
	}

	// Find project root (may be different from path if path is subdirectory)
	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		// Use the provided path as root if no project root found
		root = absPath
	}

	// Create renderer (auto-detects TTY/CI, respects --no-tui flag)
	// Pass project root path for header display
	uiCfg := ui.NewConfig(cmd.OutOrStdout(), ui.WithForcePlain(noTUI), ui.WithProjectDir(root))
	renderer := ui.NewRenderer(uiCfg)
	if err := renderer.Start(ctx); err != nil {
		// Fall back to basic output if renderer fails to start
		slog.Warn("failed to start progress renderer", slog.String("error", err.Error()))
	}
	defer func() { _ = renderer.Stop() }()

	// Load configuration
	cfg, err := config.Load(root)
	if err != nil {
		// Use default config if not found
		cfg = config.NewConfig()
	}

	// Create data directory
	dataDir := filepath.Join(root, ".amanmcp")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// BUG-040: Clean up stale serve.pid if process no longer exists
	servePidPath := filepath.Join(dataDir, "serve.pid")
	if pidData, err := os.ReadFile(servePidPath); err == nil {
		var pid int
		if _, scanErr := fmt.Sscanf(string(pidData), "%d", &pid); scanErr == nil && pid > 0 {
			// Check if process exists by sending signal 0
			if process, findErr := os.FindProcess(pid); findErr == nil {
				if sigErr := process.Signal(syscall.Signal(0)); sigErr != nil {
					// Process doesn't exist, remove stale PID file
					_ = os.Remove(servePidPath)
					slog.Debug("removed stale serve.pid", slog.Int("pid", pid))
				}
			}
		}
	}

	if force {
		if err := clearIndexData(dataDir); err != nil {
			return fmt.Errorf("failed to clear index data: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cleared existing index data, starting fresh...\n")
		slog.Info("index_force_clear", slog.String("data_dir", dataDir))
	}

	// Initialize the name index using factory (SQLite default for concurrent access)
	namePath := filepath.Join(dataDir, "name")
	backend := store.NameIndexBackend(cfg.Search.BM25Backend)
	if backend == "" {
		if detected := store.DetectNameIndexBackend(namePath); detected != "" {
			backend = detected
		} else {
			backend = store.NameIndexBackendSQLite
		}
	}
	name, err := store.NewNameIndexWithBackend(namePath, backend)
	if err != nil {
		return fmt.Errorf("failed to create name index: %w", err)
	}
	defer func() { _ = name.Close() }()

	symbols, err := store.NewSQLiteSymbolStore(filepath.Join(dataDir, "symbols.db"))
	if err != nil {
		return fmt.Errorf("failed to create symbol store: %w", err)
	}
	defer func() { _ = symbols.Close() }()

	files, err := store.NewSQLiteFileRecordStore(filepath.Join(dataDir, "files.db"))
	if err != nil {
		return fmt.Errorf("failed to create file record store: %w", err)
	}
	defer func() { _ = files.Close() }()

	// Check context before potentially blocking embedder init
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// BUG-052: Wire thermal config from config.yaml to embedder factory
	// This ensures timeout_progression and retry_timeout_multiplier are used
	thermalCfg := embed.ThermalConfig{
		TimeoutProgression:     cfg.Embeddings.TimeoutProgression,
		RetryTimeoutMultiplier: cfg.Embeddings.RetryTimeoutMultiplier,
	}
	// Parse inter_batch_delay string (e.g., "200ms") to duration
	if cfg.Embeddings.InterBatchDelay != "" {
		if delay, parseErr := time.ParseDuration(cfg.Embeddings.InterBatchDelay); parseErr == nil && delay > 0 {
			thermalCfg.InterBatchDelay = delay
		}
	}
	embed.SetThermalConfig(thermalCfg)

	// Wire MLX config from config.yaml to embedder factory
	// This ensures mlx_endpoint and mlx_model are used when MLX is selected
	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})

	// Initialize embedder first (to get correct dimensions)
	// BUG-040: Add timeout to prevent indefinite blocking on embedder init
	// BUG-073: No silent fallback - fail if embedder unavailable
	var embedder embed.Embedder
	if offline {
		embedder = embed.NewStaticEmbedder768()
	} else {
		provider := embed.ParseProvider(cfg.Embeddings.Provider)

		// Show progress with specific provider name
		renderer.UpdateProgress(ui.ProgressEvent{
			Stage:   ui.StageScanning,
			Message: fmt.Sprintf("Connecting to %s embedder...", provider),
		})

		// Use timeout context to prevent indefinite blocking (15s max for init)
		embedCtx, embedCancel := context.WithTimeout(ctx, 15*time.Second)
		embedder, err = embed.NewEmbedder(embedCtx, provider, cfg.Embeddings.Model)
		embedCancel()

		if err != nil {
			// BUG-073: No silent fallback - show clear error to user
			return fmt.Errorf("embedder initialization failed: %w", err)
		}
	}
	defer func() { _ = embedder.Close() }()

	// Initialize the semantic index with the embedder's dimensions and load
	// any vectors persisted by a previous run.
	dimensions := embedder.Dimensions()
	semantic, err := store.NewHNSWSemanticIndex(dimensions)
	if err != nil {
		return fmt.Errorf("failed to create semantic index: %w", err)
	}
	defer func() { _ = semantic.Close() }()

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if _, err := os.Stat(vectorPath); err == nil {
		if loadErr := semantic.Load(vectorPath); loadErr != nil {
			slog.Warn("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

	sc, err := scanner.New()
	if err != nil {
		return fmt.Errorf("failed to create scanner: %w", err)
	}

	parser := parse.NewTreeSitterParser(root)
	defer parser.Close()

	g := graph.New()

	// PersistHook flushes the name index's write buffer and snapshots the
	// semantic index to disk on the Coordinator's schedule and once more on
	// Dispose (spec §4.5).
	persistHook := func(ctx context.Context) error {
		if err := name.Commit(ctx); err != nil {
			return fmt.Errorf("commit name index: %w", err)
		}
		if err := semantic.Save(vectorPath); err != nil {
			return fmt.Errorf("save semantic index: %w", err)
		}
		return nil
	}

	renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageScanning, Message: "Scanning project files..."})

	coordinator := index.New(index.Config{
		RootPath:    root,
		ScanOptions: &scanner.ScanOptions{RootDir: root, RespectGitignore: true},
		PersistHook: persistHook,
		Progress: func(filesTotal, filesDone int, currentPath string) {
			renderer.UpdateProgress(ui.ProgressEvent{
				Stage:       ui.StageIndexing,
				Current:     filesDone,
				Total:       filesTotal,
				CurrentFile: currentPath,
			})
		},
		Logger: slog.Default(),
	}, name, semantic, dimensions, embedder, parser, g, files, symbols, sc)

	startTime := time.Now()
	future, err := coordinator.IndexAll(ctx, force)
	if err != nil {
		return fmt.Errorf("failed to start indexing: %w", err)
	}

	summary, err := future.Wait(ctx)
	disposeErr := coordinator.Dispose(context.Background())
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}
	if disposeErr != nil {
		return fmt.Errorf("failed to finalize index: %w", disposeErr)
	}

	renderer.Complete(ui.CompletionStats{
		Files:    summary.FilesIndexed,
		Chunks:   summary.SymbolsIndexed,
		Duration: time.Since(startTime),
		Errors:   summary.FilesFailed,
		Embedder: ui.EmbedderInfo{
			Backend:    string(embed.GetInfo(ctx, embedder).Provider),
			Model:      embedder.ModelName(),
			Dimensions: dimensions,
		},
	})

	for _, f := range summary.Failures {
		slog.Warn("index_file_failed", slog.String("path", f.Path), slog.String("error", f.Err.Error()))
	}

	return nil
}
