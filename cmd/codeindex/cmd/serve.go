package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/codeindex/codeindex/internal/config"
	"github.com/codeindex/codeindex/internal/embed"
	"github.com/codeindex/codeindex/internal/graph"
	"github.com/codeindex/codeindex/internal/logging"
	"github.com/codeindex/codeindex/internal/mcp"
	"github.com/codeindex/codeindex/internal/search"
	"github.com/codeindex/codeindex/internal/store"
	"github.com/codeindex/codeindex/internal/watcher"
)

func newServeCmd() *cobra.Command {
	var (
		debug     bool
		transport string
		session   string
	)

	cmd := &cobra.Command{
		Use:   "serve [path]",
		Short: "Run the MCP server",
		Long: `Serve exposes search, search_fast, related, and index_status as MCP tools.

stdio is the default and only fully supported transport. All logging is
redirected to a file (never stdout or stderr) so it cannot corrupt the
JSON-RPC stream a client reads from stdin/stdout.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}

			if transport == "stdio" {
				if err := verifyStdinForMCP(); err != nil {
					return err
				}
			}

			return runServeWithSession(cmd.Context(), path, transport, debug, session)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Enable verbose file-based logging")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "MCP transport: stdio (default) or sse")
	cmd.Flags().StringVar(&session, "session", "", "Session identifier recorded in log output")

	return cmd
}

// verifyStdinForMCP checks that stdin is a pipe, not an interactive
// terminal. MCP clients connect by piping stdin/stdout; a user running
// `amanmcp serve` directly from a shell would otherwise sit watching an
// unresponsive prompt with no indication why.
func verifyStdinForMCP() error {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return fmt.Errorf("stdin is a terminal, not a pipe: the MCP stdio transport expects a client to connect to stdin/stdout directly, not an interactive shell")
	}
	return nil
}

// runServeWithSession starts the MCP server against path, tagging log
// output with session when provided so multiple concurrent connections
// against the same project can be told apart in the log file.
func runServeWithSession(ctx context.Context, path, transport string, debug bool, session string) error {
	cleanup, err := setupServeLogging(debug)
	if err != nil {
		return err
	}
	defer cleanup()

	if session != "" {
		slog.Info("mcp_session_start", slog.String("session", session))
	}

	return serve(ctx, path, transport)
}

// runServe starts the MCP server against the current directory without
// session tagging. addr is reserved for the sse transport, which
// internal/mcp.Server.Serve does not yet implement; stdio ignores it.
func runServe(ctx context.Context, transport string, addr int) error {
	cleanup, err := setupServeLogging(false)
	if err != nil {
		return err
	}
	defer cleanup()

	_ = addr
	return serve(ctx, ".", transport)
}

// setupServeLogging always routes logs to file, never stdout/stderr: stdio
// is the JSON-RPC channel and any stray write corrupts the protocol stream.
func setupServeLogging(debug bool) (func(), error) {
	level := "info"
	if debug {
		level = "debug"
	}
	return logging.SetupMCPModeWithLevel(level)
}

func serve(ctx context.Context, path, transport string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	dataDir := filepath.Join(root, ".amanmcp")
	namePath := filepath.Join(dataDir, "name")
	backend := store.DetectNameIndexBackend(namePath)
	if backend == "" {
		return fmt.Errorf("no index found in %s\nRun 'amanmcp index' to create one", root)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	name, err := store.NewNameIndexWithBackend(namePath, backend)
	if err != nil {
		return fmt.Errorf("failed to open name index: %w", err)
	}
	defer func() { _ = name.Close() }()

	symbols, err := store.NewSQLiteSymbolStore(filepath.Join(dataDir, "symbols.db"))
	if err != nil {
		return fmt.Errorf("failed to open symbol store: %w", err)
	}
	defer func() { _ = symbols.Close() }()

	files, err := store.NewSQLiteFileRecordStore(filepath.Join(dataDir, "files.db"))
	if err != nil {
		return fmt.Errorf("failed to open file record store: %w", err)
	}
	defer func() { _ = files.Close() }()

	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})

	embedCtx, embedCancel := context.WithTimeout(ctx, 15*time.Second)
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedder, err := embed.NewEmbedder(embedCtx, provider, cfg.Embeddings.Model)
	embedCancel()
	if err != nil {
		return fmt.Errorf("embedder initialization failed: %w", err)
	}
	defer func() { _ = embedder.Close() }()

	semantic, err := store.NewHNSWSemanticIndex(embedder.Dimensions())
	if err != nil {
		return fmt.Errorf("failed to create semantic index: %w", err)
	}
	defer func() { _ = semantic.Close() }()

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := semantic.Load(vectorPath); loadErr != nil {
			slog.Warn("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

	g := graph.New()

	retriever := search.NewHybridRetriever(search.RetrieverConfig{
		Name:     name,
		Semantic: semantic,
		Symbols:  symbols,
		Embedder: embedder,
		Logger:   slog.Default(),
	})

	server, err := mcp.NewServer(retriever, symbols, files, g, embedder, cfg, root)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	// The file watcher initializes in the background so a slow filesystem
	// never delays the MCP handshake, which clients expect within ~500ms.
	startBackgroundWatcher(ctx, root)

	slog.Info("mcp_serve_start", slog.String("root", root), slog.String("transport", transport))
	return server.Serve(ctx, transport, "")
}

// startBackgroundWatcher launches file-change watching without blocking the
// caller. AMANMCP_WATCHER_STARTUP_TIMEOUT bounds how long the watcher's own
// initialization (fsnotify setup, recursive directory walk) is allowed to
// take before it's abandoned; it never delays serve's own startup.
func startBackgroundWatcher(ctx context.Context, root string) {
	timeout := 2 * time.Second
	if v := os.Getenv("AMANMCP_WATCHER_STARTUP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			timeout = d
		}
	}

	go func() {
		startCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		w, err := watcher.NewHybridWatcher(watcher.DefaultOptions())
		if err != nil {
			slog.Warn("watcher_init_failed", slog.String("error", err.Error()))
			return
		}

		if err := w.Start(startCtx, root); err != nil {
			slog.Warn("watcher_start_failed", slog.String("error", err.Error()))
			return
		}

		<-ctx.Done()
		_ = w.Stop()
	}()
}
