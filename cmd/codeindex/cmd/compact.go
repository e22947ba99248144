package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeindex/codeindex/internal/config"
	"github.com/codeindex/codeindex/internal/logging"
	"github.com/codeindex/codeindex/internal/store"
)

func newCompactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact [path]",
		Short: "Compact the vector index by removing orphaned nodes",
		Long: `Rebuilds the HNSW vector index, dropping nodes orphaned by lazy
deletion during file updates.

The rebuild reuses the embeddings already stored alongside the live entries,
so no re-embedding is required.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runCompact(cmd.Context(), path)
		},
	}

	return cmd
}

func runCompact(ctx context.Context, path string) error {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if _, cleanup, err := logging.Setup(logCfg); err == nil {
		defer cleanup()
	}

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

	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	dataDir := filepath.Join(root, ".amanmcp")

	if store.DetectNameIndexBackend(filepath.Join(dataDir, "name")) == "" {
		return fmt.Errorf("no index found at %s - run 'amanmcp index' first", dataDir)
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if !fileExists(vectorPath) {
		return fmt.Errorf("no vector index found at %s - run 'amanmcp index' first", vectorPath)
	}

	fmt.Println("Compacting vector index...")
	startTime := time.Now()

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	dims := cfg.Embeddings.Dimensions
	if dims <= 0 {
		dims = 768
	}

	old, err := store.NewHNSWSemanticIndex(dims)
	if err != nil {
		return fmt.Errorf("failed to allocate vector store: %w", err)
	}
	if err := old.Load(vectorPath); err != nil {
		return fmt.Errorf("failed to load vector store: %w", err)
	}

	oldCount := old.Count()
	entries := old.LiveEntries()
	_ = old.Close()

	if len(entries) == 0 {
		return fmt.Errorf("no live vectors found - index may be empty or corrupted")
	}

	fmt.Printf("Creating fresh HNSW graph (dims=%d)...\n", dims)
	fresh, err := store.NewHNSWSemanticIndex(dims)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = fresh.Close() }()

	fmt.Printf("Adding %d vectors to new graph...\n", len(entries))
	if err := fresh.BatchWrite(ctx, entries); err != nil {
		return fmt.Errorf("failed to add vectors: %w", err)
	}

	newCount := fresh.Count()
	if orphansRemoved := oldCount - newCount; orphansRemoved > 0 {
		fmt.Printf("Orphaned nodes removed: %d\n", orphansRemoved)
	}

	fmt.Println("Saving compacted index...")
	if err := fresh.Save(vectorPath); err != nil {
		return fmt.Errorf("failed to save vector store: %w", err)
	}

	elapsed := time.Since(startTime)
	fmt.Printf("Compaction complete in %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Vector count: %d\n", newCount)

	return nil
}
