package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeindex/codeindex/internal/config"
	"github.com/codeindex/codeindex/internal/embed"
	"github.com/codeindex/codeindex/internal/store"
)

// DebugInfo gathers everything a user would need to paste into a bug report:
// index statistics, the language breakdown, and which embedder/backend the
// project is currently configured to use.
type DebugInfo struct {
	ProjectRoot string    `json:"project_root"`
	IndexPath   string    `json:"index_path"`
	FileCount   int       `json:"file_count"`
	ChunkCount  int       `json:"chunk_count"`
	LastIndexed time.Time `json:"last_indexed"`

	Languages map[string]float64 `json:"languages"`

	EmbedderProvider   string `json:"embedder_provider"`
	EmbedderModel      string `json:"embedder_model"`
	EmbedderDimensions int    `json:"embedder_dimensions"`
	EmbedderAvailable  bool   `json:"embedder_available"`

	BM25Backend   string `json:"bm25_backend"`
	BM25SizeBytes int64  `json:"bm25_size_bytes"`

	VectorCount     int   `json:"vector_count"`
	VectorSizeBytes int64 `json:"vector_size_bytes"`

	StorageSizeBytes int64 `json:"storage_size_bytes"`
}

func newDebugCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "debug [path]",
		Short: "Print diagnostic information for bug reports",
		Long: `Collects index statistics, language breakdown, embedder configuration,
and storage sizes into a single report suitable for attaching to a bug report.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runDebug(cmd.Context(), cmd, path, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runDebug(ctx context.Context, cmd *cobra.Command, path string, jsonOutput bool) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	dataDir := filepath.Join(root, ".amanmcp")
	if store.DetectNameIndexBackend(filepath.Join(dataDir, "name")) == "" {
		return fmt.Errorf("no index found in %s\nRun 'amanmcp index' to create one", root)
	}

	info, err := collectDebugInfo(ctx, root, dataDir)
	if err != nil {
		return fmt.Errorf("failed to collect debug info: %w", err)
	}

	if jsonOutput {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	}

	return renderDebugInfo(cmd, info)
}

func collectDebugInfo(ctx context.Context, root, dataDir string) (*DebugInfo, error) {
	info := &DebugInfo{
		ProjectRoot: root,
		IndexPath:   dataDir,
	}

	files, err := store.NewSQLiteFileRecordStore(filepath.Join(dataDir, "files.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open file record store: %w", err)
	}
	defer func() { _ = files.Close() }()

	symbols, err := store.NewSQLiteSymbolStore(filepath.Join(dataDir, "symbols.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open symbol store: %w", err)
	}
	defer func() { _ = symbols.Close() }()

	fileRecs, err := files.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	info.FileCount = len(fileRecs)

	langCounts := make(map[string]int)
	for _, f := range fileRecs {
		if f.IndexedAt.After(info.LastIndexed) {
			info.LastIndexed = f.IndexedAt
		}
		ext := strings.TrimPrefix(filepath.Ext(f.FilePath), ".")
		if ext == "" {
			continue
		}
		langCounts[normalizeExtension(ext)]++
	}
	info.Languages = make(map[string]float64, len(langCounts))
	if info.FileCount > 0 {
		for lang, count := range langCounts {
			info.Languages[lang] = float64(count) / float64(info.FileCount)
		}
	}

	symbolRecs, err := symbols.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	info.ChunkCount = len(symbolRecs)

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})

	info.EmbedderProvider = cfg.Embeddings.Provider
	info.EmbedderModel = cfg.Embeddings.Model
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	if embedder, embErr := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model); embErr == nil {
		embedInfo := embed.GetInfo(ctx, embedder)
		info.EmbedderProvider = string(embedInfo.Provider)
		info.EmbedderModel = embedInfo.Model
		info.EmbedderDimensions = embedInfo.Dimensions
		info.EmbedderAvailable = embedder.Available(ctx)
		_ = embedder.Close()
	}

	info.BM25Backend = string(store.DetectNameIndexBackend(filepath.Join(dataDir, "name")))
	nameSQLitePath := filepath.Join(dataDir, "name.db")
	if size := dirSize(nameSQLitePath); size > 0 {
		info.BM25SizeBytes = size
	} else {
		info.BM25SizeBytes = dirSize(filepath.Join(dataDir, "name.bleve"))
	}

	info.VectorSizeBytes = dirSize(filepath.Join(dataDir, "vectors.hnsw"))
	info.VectorCount = info.ChunkCount

	info.StorageSizeBytes = dirSize(filepath.Join(dataDir, "files.db")) +
		dirSize(filepath.Join(dataDir, "symbols.db")) +
		info.BM25SizeBytes + info.VectorSizeBytes

	return info, nil
}

func renderDebugInfo(cmd *cobra.Command, info *DebugInfo) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "AmanMCP Debug Info")
	fmt.Fprintln(out, "==================")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Project:  %s\n", info.ProjectRoot)
	fmt.Fprintf(out, "Index:    %s\n", info.IndexPath)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "FILES & CHUNKS")
	fmt.Fprintf(out, "  Files:        %s\n", formatNumber(info.FileCount))
	fmt.Fprintf(out, "  Chunks:       %s\n", formatNumber(info.ChunkCount))
	fmt.Fprintf(out, "  Last indexed: %s\n", formatAge(info.LastIndexed))
	fmt.Fprintf(out, "  Languages:    %s\n", formatLanguages(info.Languages))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "EMBEDDER")
	fmt.Fprintf(out, "  Provider:     %s\n", info.EmbedderProvider)
	fmt.Fprintf(out, "  Model:        %s\n", info.EmbedderModel)
	fmt.Fprintf(out, "  Dimensions:   %d\n", info.EmbedderDimensions)
	fmt.Fprintf(out, "  Available:    %v\n", info.EmbedderAvailable)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "BM25 INDEX")
	fmt.Fprintf(out, "  Backend:      %s\n", info.BM25Backend)
	fmt.Fprintf(out, "  Size:         %s\n", formatBytes(info.BM25SizeBytes))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "VECTOR STORE")
	fmt.Fprintf(out, "  Vectors:      %s\n", formatNumber(info.VectorCount))
	fmt.Fprintf(out, "  Size:         %s\n", formatBytes(info.VectorSizeBytes))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "STORAGE")
	fmt.Fprintf(out, "  Total:        %s\n", formatBytes(info.StorageSizeBytes))

	return nil
}

// formatAge renders a timestamp as a relative age string, the way a status
// report reads better than a raw RFC3339 stamp.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		mins := int(d / time.Minute)
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case d < 24*time.Hour:
		hours := int(d / time.Hour)
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

// formatNumber inserts thousands separators, e.g. 1234567 -> "1,234,567".
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)

	result := strings.Join(parts, ",")
	if neg {
		result = "-" + result
	}
	return result
}

// formatLanguages renders a per-language file-share map sorted by share
// descending, e.g. "go (50%), ts (30%), md (20%)".
func formatLanguages(langs map[string]float64) string {
	if len(langs) == 0 {
		return "none"
	}

	type entry struct {
		lang  string
		share float64
	}
	entries := make([]entry, 0, len(langs))
	for lang, share := range langs {
		entries = append(entries, entry{lang, share})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].share != entries[j].share {
			return entries[i].share > entries[j].share
		}
		return entries[i].lang < entries[j].lang
	})

	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s (%.0f%%)", e.lang, e.share*100)
	}
	return strings.Join(parts, ", ")
}

// normalizeExtension groups file-extension variants under a single display
// language, e.g. "tsx" and "ts" both report as "ts".
func normalizeExtension(ext string) string {
	switch ext {
	case "tsx":
		return "ts"
	case "jsx", "mjs":
		return "js"
	case "yml":
		return "yaml"
	case "htm":
		return "html"
	default:
		return ext
	}
}
