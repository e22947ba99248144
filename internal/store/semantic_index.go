package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// bruteForceThreshold is the corpus size below which Search falls back to
// an exact parallel scan instead of the HNSW graph (spec §4.3: brute force
// permitted for <= 10^5 entries; chosen here as the unconditional strategy
// below this size to guarantee recall 1.0 for small/medium projects, with
// the graph kept warm in parallel for the transition to ANN once a project
// crosses the threshold).
const bruteForceThreshold = 100_000

// HNSWSemanticIndex implements SemanticIndex using coder/hnsw, a pure Go
// HNSW implementation, avoiding CGO vector-search dependencies.
type HNSWSemanticIndex struct {
	mu         sync.RWMutex
	graph      *hnsw.Graph[uint64]
	dimensions int

	idMap   map[string]uint64 // symbol id -> internal key
	keyMap  map[uint64]string // internal key -> symbol id
	vectors map[uint64][]float32
	texts   map[string]string
	meta    map[string]map[string]string
	nextKey uint64

	closed bool
}

// semanticIndexMetadata is the gob-encoded sidecar persisted alongside the
// exported HNSW graph.
type semanticIndexMetadata struct {
	IDMap      map[string]uint64
	Vectors    map[uint64][]float32
	Texts      map[string]string
	Meta       map[string]map[string]string
	NextKey    uint64
	Dimensions int
}

// NewHNSWSemanticIndex creates an empty Semantic Index configured for the
// given embedding dimensionality.
func NewHNSWSemanticIndex(dimensions int) (*HNSWSemanticIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("semantic index: dimensions must be positive, got %d", dimensions)
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	return &HNSWSemanticIndex{
		graph:      graph,
		dimensions: dimensions,
		idMap:      make(map[string]uint64),
		keyMap:     make(map[uint64]string),
		vectors:    make(map[uint64][]float32),
		texts:      make(map[string]string),
		meta:       make(map[string]map[string]string),
	}, nil
}

// conformDimensions pads a short vector with zeros or truncates a long one
// to the index's configured dimensionality (types.go: ErrDimensionMismatch
// documents this as a degrade-rather-than-fail policy).
func (s *HNSWSemanticIndex) conformDimensions(v []float32) []float32 {
	out := make([]float32, s.dimensions)
	copy(out, v)
	return out
}

// Write inserts or replaces a vector entry by id.
func (s *HNSWSemanticIndex) Write(ctx context.Context, id string, embedding []float32, text string, metadata map[string]string) error {
	return s.BatchWrite(ctx, []*VectorEntry{{ID: id, Embedding: embedding, Text: text, Metadata: metadata}})
}

// BatchWrite inserts or replaces multiple vector entries.
func (s *HNSWSemanticIndex) BatchWrite(ctx context.Context, entries []*VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("semantic index is closed")
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		vec := s.conformDimensions(e.Embedding)
		normalizeVectorInPlace(vec)

		// Lazy-delete any prior node for this id. Removing the last node in
		// coder/hnsw's graph corrupts its level structure, so superseded
		// entries are orphaned rather than deleted outright.
		if oldKey, exists := s.idMap[e.ID]; exists {
			delete(s.keyMap, oldKey)
			delete(s.vectors, oldKey)
		}

		key := s.nextKey
		s.nextKey++

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[e.ID] = key
		s.keyMap[key] = e.ID
		s.vectors[key] = vec
		s.texts[e.ID] = e.Text
		s.meta[e.ID] = e.Metadata
	}

	return nil
}

// Search returns the top_k nearest neighbors by cosine similarity, filtered
// by min_score and an optional metadata equality conjunction.
func (s *HNSWSemanticIndex) Search(ctx context.Context, queryEmbedding []float32, topK int, minScore float64, filter map[string]string) ([]SemanticHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("semantic index is closed")
	}
	if topK <= 0 {
		return []SemanticHit{}, nil
	}

	query := s.conformDimensions(queryEmbedding)
	normalizeVectorInPlace(query)

	if len(s.idMap) == 0 {
		return []SemanticHit{}, nil
	}

	var candidates []SemanticHit
	if len(s.idMap) <= bruteForceThreshold {
		candidates = s.bruteForceSearch(query, topK, filter)
	} else {
		candidates = s.annSearch(query, topK, filter)
	}

	filtered := candidates[:0:0]
	for _, c := range candidates {
		if c.Score >= minScore {
			filtered = append(filtered, c)
		}
	}

	sortSemanticHits(filtered)
	if len(filtered) > topK {
		filtered = filtered[:topK]
	}
	return filtered, nil
}

func (s *HNSWSemanticIndex) matchesFilter(id string, filter map[string]string) bool {
	if len(filter) == 0 {
		return true
	}
	entryMeta := s.meta[id]
	for k, v := range filter {
		if entryMeta[k] != v {
			return false
		}
	}
	return true
}

// bruteForceSearch performs an exact parallel scan, used unconditionally
// below bruteForceThreshold and as the correctness baseline ANN recall is
// measured against above it.
func (s *HNSWSemanticIndex) bruteForceSearch(query []float32, topK int, filter map[string]string) []SemanticHit {
	type scored struct {
		id    string
		score float64
	}

	keys := make([]uint64, 0, len(s.keyMap))
	for k := range s.keyMap {
		keys = append(keys, k)
	}

	numWorkers := 4
	if numWorkers > len(keys) {
		numWorkers = len(keys)
	}
	if numWorkers == 0 {
		return nil
	}

	chunks := make([][]scored, numWorkers)
	var wg sync.WaitGroup
	chunkSize := (len(keys) + numWorkers - 1) / numWorkers
	for w := 0; w < numWorkers; w++ {
		start := w * chunkSize
		end := start + chunkSize
		if start >= len(keys) {
			break
		}
		if end > len(keys) {
			end = len(keys)
		}
		wg.Add(1)
		go func(w int, keySlice []uint64) {
			defer wg.Done()
			local := make([]scored, 0, len(keySlice))
			for _, key := range keySlice {
				entryID := s.keyMap[key]
				if !s.matchesFilter(entryID, filter) {
					continue
				}
				dist := s.graph.Distance(query, s.vectors[key])
				local = append(local, scored{id: entryID, score: cosineDistanceToScore(dist)})
			}
			chunks[w] = local
		}(w, keys[start:end])
	}
	wg.Wait()

	out := make([]SemanticHit, 0, len(keys))
	for _, chunk := range chunks {
		for _, c := range chunk {
			out = append(out, SemanticHit{
				ID:       c.id,
				Score:    c.score,
				Text:     s.texts[c.id],
				Metadata: s.meta[c.id],
			})
		}
	}
	return out
}

// annSearch queries the HNSW graph directly. Used once the corpus exceeds
// bruteForceThreshold, trading a small recall loss (target >= 0.95 at
// top-10 against brute force) for sublinear query time.
func (s *HNSWSemanticIndex) annSearch(query []float32, topK int, filter map[string]string) []SemanticHit {
	// Over-fetch to compensate for post-hoc metadata filtering and for
	// orphaned (lazily-deleted) nodes the graph may still surface.
	fetch := topK * 4
	if len(filter) > 0 {
		fetch = topK * 8
	}
	if fetch < topK {
		fetch = topK
	}

	nodes := s.graph.Search(query, fetch)
	out := make([]SemanticHit, 0, len(nodes))
	for _, node := range nodes {
		entryID, ok := s.keyMap[node.Key]
		if !ok {
			continue // orphaned by lazy deletion
		}
		if !s.matchesFilter(entryID, filter) {
			continue
		}
		dist := s.graph.Distance(query, node.Value)
		out = append(out, SemanticHit{
			ID:       entryID,
			Score:    cosineDistanceToScore(dist),
			Text:     s.texts[entryID],
			Metadata: s.meta[entryID],
		})
	}
	return out
}

// cosineDistanceToScore converts coder/hnsw's cosine distance (0 identical,
// 2 opposite) into the [0,1] cosine similarity the contract promises.
func cosineDistanceToScore(distance float32) float64 {
	score := 1.0 - float64(distance)/2.0
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// sortSemanticHits orders by descending score, breaking ties by ascending
// lexicographic id (spec §4.3 determinism requirement).
func sortSemanticHits(hits []SemanticHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

// Delete removes a single entry by id (lazy deletion; see BatchWrite).
func (s *HNSWSemanticIndex) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("semantic index is closed")
	}

	if key, exists := s.idMap[id]; exists {
		delete(s.keyMap, key)
		delete(s.vectors, key)
		delete(s.idMap, id)
	}
	delete(s.texts, id)
	delete(s.meta, id)

	return nil
}

// SemanticIndexStats reports live vs. orphaned graph node counts, used by
// background compaction to decide when a rebuild is worthwhile.
type SemanticIndexStats struct {
	LiveEntries int
	GraphNodes  int
	Orphans     int
}

// Stats reports the current live/orphan split. Orphans accumulate from
// lazy deletion in BatchWrite and Delete: every superseded or removed
// entry leaves its node in the graph until a full rebuild (LiveEntries +
// a fresh index) clears them out.
func (s *HNSWSemanticIndex) Stats() SemanticIndexStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := int(s.nextKey)
	live := len(s.idMap)
	orphans := total - live
	if orphans < 0 {
		orphans = 0
	}
	return SemanticIndexStats{LiveEntries: live, GraphNodes: total, Orphans: orphans}
}

// Clear drops all entries and rebuilds an empty graph.
func (s *HNSWSemanticIndex) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("semantic index is closed")
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	s.graph = graph
	s.idMap = make(map[string]uint64)
	s.keyMap = make(map[uint64]string)
	s.vectors = make(map[uint64][]float32)
	s.texts = make(map[string]string)
	s.meta = make(map[string]map[string]string)
	s.nextKey = 0

	return nil
}

// AllIDs returns every entry id currently indexed.
func (s *HNSWSemanticIndex) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}

	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live (non-orphaned) entries.
func (s *HNSWSemanticIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// LiveEntries returns the vector, text, and metadata for every live entry,
// skipping the orphaned nodes BatchWrite/Delete leave behind. Used to rebuild
// a compacted graph without orphans rather than to serve queries.
func (s *HNSWSemanticIndex) LiveEntries() []*VectorEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}

	out := make([]*VectorEntry, 0, len(s.idMap))
	for id, key := range s.idMap {
		out = append(out, &VectorEntry{
			ID:        id,
			Embedding: s.vectors[key],
			Text:      s.texts[id],
			Metadata:  s.meta[id],
		})
	}
	return out
}

// Save persists the index to disk: the HNSW graph via its native binary
// export format, and ids/vectors/text/metadata via gob, both written
// atomically (temp file + rename).
func (s *HNSWSemanticIndex) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("semantic index is closed")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpIndexPath := path + ".tmp"
	file, err := os.Create(tmpIndexPath)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpIndexPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpIndexPath)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmpIndexPath, path); err != nil {
		os.Remove(tmpIndexPath)
		return fmt.Errorf("rename index file: %w", err)
	}

	if err := s.saveMetadata(path + ".meta"); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

func (s *HNSWSemanticIndex) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	meta := semanticIndexMetadata{
		IDMap:      s.idMap,
		Vectors:    s.vectors,
		Texts:      s.texts,
		Meta:       s.meta,
		NextKey:    s.nextKey,
		Dimensions: s.dimensions,
	}

	encoder := gob.NewEncoder(file)
	if err := encoder.Encode(meta); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close temp metadata file during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load restores a previously Saved index from disk.
func (s *HNSWSemanticIndex) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("semantic index is closed")
	}

	if err := s.loadMetadata(path + ".meta"); err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	if err := s.graph.Import(reader); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}
	return nil
}

func (s *HNSWSemanticIndex) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close metadata file", slog.String("error", err.Error()))
		}
	}()

	var meta semanticIndexMetadata
	decoder := gob.NewDecoder(file)
	if err := decoder.Decode(&meta); err != nil {
		return fmt.Errorf("decode semantic index metadata: %w", err)
	}

	s.idMap = meta.IDMap
	s.vectors = meta.Vectors
	s.texts = meta.Texts
	s.meta = meta.Meta
	s.nextKey = meta.NextKey
	s.dimensions = meta.Dimensions
	s.keyMap = make(map[uint64]string, len(s.idMap))
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}
	return nil
}

// Close releases resources. The underlying graph is dropped for GC; coder/hnsw
// requires no explicit teardown.
func (s *HNSWSemanticIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

var _ SemanticIndex = (*HNSWSemanticIndex)(nil)
