package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codeindex/codeindex/internal/config"
	"github.com/codeindex/codeindex/internal/store"
	"github.com/codeindex/codeindex/internal/ui"
)

// hashString returns SHA256 hash of a string (first 16 chars).
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index health and status",
		Long: `Display information about the current index including:
  - Number of indexed files and chunks
  - Last indexing time
  - Storage sizes (metadata, BM25, vectors)
  - Embedder type and model from configuration (status is reported as
    "ready" without contacting the embedder)
  - Watcher status (always "n/a"; a running watcher is not detected)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	// Find project root
	root, err := config.FindProjectRoot(".")
	if err != nil {
		cwd, _ := os.Getwd()
		root = cwd
	}

	dataDir := filepath.Join(root, ".amanmcp")

	// Check if index exists
	if store.DetectNameIndexBackend(filepath.Join(dataDir, "name")) == "" {
		return fmt.Errorf("no index found in %s\nRun 'amanmcp index' to create one", root)
	}

	// Collect status info
	info, err := collectStatus(ctx, root, dataDir)
	if err != nil {
		return fmt.Errorf("failed to collect status: %w", err)
	}

	// Render output
	noColor := ui.DetectNoColor()
	renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), noColor)

	if jsonOutput {
		return renderer.RenderJSON(info)
	}

	return renderer.Render(info)
}

func collectStatus(ctx context.Context, root, dataDir string) (ui.StatusInfo, error) {
	info := ui.StatusInfo{
		ProjectName: filepath.Base(root),
	}

	files, err := store.NewSQLiteFileRecordStore(filepath.Join(dataDir, "files.db"))
	if err != nil {
		return info, fmt.Errorf("failed to open file record store: %w", err)
	}
	defer func() { _ = files.Close() }()

	symbols, err := store.NewSQLiteSymbolStore(filepath.Join(dataDir, "symbols.db"))
	if err != nil {
		return info, fmt.Errorf("failed to open symbol store: %w", err)
	}
	defer func() { _ = symbols.Close() }()

	fileRecs, err := files.All(ctx)
	if err == nil {
		info.TotalFiles = len(fileRecs)
		for _, f := range fileRecs {
			if f.IndexedAt.After(info.LastIndexed) {
				info.LastIndexed = f.IndexedAt
			}
		}
	}

	symbolRecs, err := symbols.All(ctx)
	if err == nil {
		info.TotalChunks = len(symbolRecs)
	}

	// Get storage sizes
	info.MetadataSize = getFileSize(filepath.Join(dataDir, "files.db")) + getFileSize(filepath.Join(dataDir, "symbols.db"))

	// Check both name-index backends for size calculation
	nameSQLitePath := filepath.Join(dataDir, "name.db")
	nameBlevePath := filepath.Join(dataDir, "name.bleve")
	if size := getFileSize(nameSQLitePath); size > 0 {
		info.BM25Size = size
	} else {
		info.BM25Size = getDirSize(nameBlevePath)
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	info.VectorSize = getFileSize(vectorPath)

	info.TotalSize = info.MetadataSize + info.BM25Size + info.VectorSize

	// Detect embedder type
	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	info.EmbedderType = cfg.Embeddings.Provider
	if info.EmbedderType == "" {
		info.EmbedderType = "ollama" // Default
	}

	// Check embedder status
	info.EmbedderStatus = "ready"
	info.EmbedderModel = cfg.Embeddings.Model
	if info.EmbedderModel == "" {
		info.EmbedderModel = "qwen3-embedding:0.6b" // Default for ollama
	}

	// Watcher status - check if watcher process is running
	// For now, we don't have a way to check if watcher is running
	// So we'll just report "n/a"
	info.WatcherStatus = "n/a"

	return info, nil
}

// getFileSize returns the size of a file in bytes.
func getFileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// getDirSize returns the total size of all files in a directory.
func getDirSize(path string) int64 {
	var size int64

	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})

	return size
}
