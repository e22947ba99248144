package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codeindex/codeindex/internal/config"
	"github.com/codeindex/codeindex/internal/embed"
	"github.com/codeindex/codeindex/internal/store"
)

// indexInfo summarizes an on-disk index's statistics and embedder
// compatibility, gathered from the name, symbol, and file-record stores
// rather than a single metadata database.
type indexInfo struct {
	Location    string
	ProjectRoot string

	FileCount   int
	SymbolCount int

	IndexSizeBytes  int64
	VectorSizeBytes int64

	CurrentModel      string
	CurrentBackend    string
	CurrentDimensions int
}

func newIndexInfoCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "info [path]",
		Short: "Show index configuration and statistics",
		Long: `Display detailed information about the search index including embedding
model, dimensions, and file/symbol counts.

This command helps you:
- Check which model the current embedder uses
- Verify index was built correctly after reindex
- Compare index configurations across projects`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}

			return runIndexInfo(cmd.Context(), cmd, path, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

func runIndexInfo(ctx context.Context, cmd *cobra.Command, path string, jsonOutput bool) error {
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
		return fmt.Errorf("no index found at %s\nRun 'amanmcp index %s' to create one", dataDir, path)
	}

	files, err := store.NewSQLiteFileRecordStore(filepath.Join(dataDir, "files.db"))
	if err != nil {
		return fmt.Errorf("failed to open file record store: %w", err)
	}
	defer func() { _ = files.Close() }()

	symbols, err := store.NewSQLiteSymbolStore(filepath.Join(dataDir, "symbols.db"))
	if err != nil {
		return fmt.Errorf("failed to open symbol store: %w", err)
	}
	defer func() { _ = symbols.Close() }()

	fileRecs, err := files.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to list files: %w", err)
	}
	symbolRecs, err := symbols.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to list symbols: %w", err)
	}

	info := &indexInfo{
		Location:        dataDir,
		ProjectRoot:     root,
		FileCount:       len(fileRecs),
		SymbolCount:     len(symbolRecs),
		IndexSizeBytes:  dirSize(filepath.Join(dataDir, "name.db")) + dirSize(filepath.Join(dataDir, "symbols.db")) + dirSize(filepath.Join(dataDir, "files.db")),
		VectorSizeBytes: dirSize(filepath.Join(dataDir, "vectors.hnsw")),
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})

	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	if embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model); err == nil {
		embedInfo := embed.GetInfo(ctx, embedder)
		info.CurrentModel = embedInfo.Model
		info.CurrentBackend = string(embedInfo.Provider)
		info.CurrentDimensions = embedInfo.Dimensions
		_ = embedder.Close()
	}

	if jsonOutput {
		return outputIndexInfoJSON(cmd, info)
	}
	return outputIndexInfoHuman(cmd, info)
}

// dirSize returns the size in bytes of a file or directory tree, or 0 if it
// does not exist.
func dirSize(path string) int64 {
	var total int64
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}
	_ = filepath.Walk(path, func(_ string, fi os.FileInfo, err error) error {
		if err == nil && !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total
}

func outputIndexInfoJSON(cmd *cobra.Command, info *indexInfo) error {
	output := map[string]interface{}{
		"location": info.Location,
		"project":  info.ProjectRoot,
		"statistics": map[string]interface{}{
			"files":             info.FileCount,
			"symbols":           info.SymbolCount,
			"index_size_bytes":  info.IndexSizeBytes,
			"vector_size_bytes": info.VectorSizeBytes,
		},
		"current_embedder": map[string]interface{}{
			"model":      info.CurrentModel,
			"backend":    info.CurrentBackend,
			"dimensions": info.CurrentDimensions,
		},
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func outputIndexInfoHuman(cmd *cobra.Command, info *indexInfo) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Index Information")
	fmt.Fprintln(out, "=================")
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Location:    %s\n", info.Location)
	fmt.Fprintf(out, "Project:     %s\n", info.ProjectRoot)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Index Statistics:")
	fmt.Fprintf(out, "  Files:       %d\n", info.FileCount)
	fmt.Fprintf(out, "  Symbols:     %d\n", info.SymbolCount)
	fmt.Fprintf(out, "  Index Size:  %s\n", formatBytes(info.IndexSizeBytes))
	fmt.Fprintf(out, "  Vector Size: %s\n", formatBytes(info.VectorSizeBytes))
	fmt.Fprintln(out)

	if info.CurrentModel != "" {
		fmt.Fprintln(out, "Current Embedder:")
		fmt.Fprintf(out, "  Model:       %s\n", info.CurrentModel)
		fmt.Fprintf(out, "  Backend:     %s\n", info.CurrentBackend)
		fmt.Fprintf(out, "  Dimensions:  %d\n", info.CurrentDimensions)
	}

	return nil
}

// formatBytes renders a byte count as a human-readable size.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for n/div >= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
