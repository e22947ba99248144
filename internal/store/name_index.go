package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"
)

const (
	// codeTokenizerName is the name of our custom code tokenizer.
	codeTokenizerName = "code_tokenizer"
	// codeStopFilterName is the name of our custom stop word filter.
	codeStopFilterName = "code_stop"
	// codeAnalyzerName is the name of our custom code analyzer.
	codeAnalyzerName = "code_analyzer"
)

// Field weights for Name Index search: name_tokens >> signature > doc > file_path.
const (
	weightNameTokens = 4.0
	weightSignature  = 2.0
	weightDoc        = 1.0
	weightFilePath   = 0.5
)

func init() {
	_ = registry.RegisterTokenizer(codeTokenizerName, codeTokenizerConstructor)
	_ = registry.RegisterTokenFilter(codeStopFilterName, codeStopFilterConstructor)
}

// BleveNameIndex implements NameIndex over Bleve v2, giving the inverted
// full-text index its BM25-style scoring, a code-aware tokenizer, and
// per-field weighting across signature/name_tokens/doc/file_path.
type BleveNameIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// nameDocument is the document structure indexed into Bleve for each entry.
type nameDocument struct {
	Signature  string `json:"signature"`
	NameTokens string `json:"name_tokens"`
	Doc        string `json:"doc"`
	FilePath   string `json:"file_path"`
	Type       string `json:"type"`
	Package    string `json:"package"`
}

// NewBleveNameIndex creates a Name Index. An empty path creates an
// in-memory index; corruption on disk-backed indices is detected and the
// segment is rebuilt rather than aborting (spec §4.2 failure semantics).
func NewBleveNameIndex(path string) (*BleveNameIndex, error) {
	indexMapping, err := createNameIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		dir := filepath.Dir(path)
		if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, mkErr)
		}
		if validErr := validateNameIndexIntegrity(path); validErr != nil {
			slog.Warn("name_index_corrupted", slog.String("path", path), slog.String("error", validErr.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, fmt.Errorf("name index corrupted at %s and cannot remove: %w (original error: %v)", path, rmErr, validErr)
			}
			slog.Warn("name_index_rebuilding", slog.String("path", path))
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isNameIndexCorruptionError(err) {
			slog.Warn("name_index_open_failed", slog.String("path", path), slog.String("error", err.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, fmt.Errorf("name index corrupted, cannot clear: %w (original: %v)", rmErr, err)
			}
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open name index: %w", err)
	}

	return &BleveNameIndex{index: idx, path: path}, nil
}

func createNameIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(codeAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": codeTokenizerName,
		"token_filters": []string{
			lowercase.Name,
			codeStopFilterName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}
	indexMapping.DefaultAnalyzer = codeAnalyzerName

	docMapping := bleve.NewDocumentMapping()
	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = codeAnalyzerName
	for _, f := range []string{"signature", "name_tokens", "doc", "file_path", "package"} {
		docMapping.AddFieldMappingsAt(f, textField)
	}
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("type", keywordField)

	indexMapping.AddDocumentMapping("_default", docMapping)
	return indexMapping, nil
}

func entryToDocument(entry *IndexEntry) nameDocument {
	return nameDocument{
		Signature:  entry.Signature,
		NameTokens: strings.Join(entry.NameTokens, " "),
		Doc:        entry.Doc,
		FilePath:   entry.FilePath,
		Type:       string(entry.Type),
		Package:    entry.Package,
	}
}

// Write inserts or replaces an entry by ID; idempotent.
func (b *BleveNameIndex) Write(ctx context.Context, entry *IndexEntry) error {
	return b.WriteBatch(ctx, []*IndexEntry{entry})
}

// WriteBatch writes multiple entries atomically.
func (b *BleveNameIndex) WriteBatch(ctx context.Context, entries []*IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("name index is closed")
	}

	batch := b.index.NewBatch()
	for _, entry := range entries {
		if err := batch.Index(entry.ID, entryToDocument(entry)); err != nil {
			return fmt.Errorf("failed to index entry %s: %w", entry.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Delete removes a single entry by ID.
func (b *BleveNameIndex) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("name index is closed")
	}
	return b.index.Delete(id)
}

// DeleteByFilter removes every entry matching predicate. Bleve has no
// native predicate scan, so this walks AllIDs via a match-all query and
// re-fetches metadata to evaluate predicate, batching the deletes.
func (b *BleveNameIndex) DeleteByFilter(ctx context.Context, predicate func(*IndexEntry) bool) error {
	b.mu.RLock()
	q := bleve.NewMatchAllQuery()
	docCount, _ := b.index.DocCount()
	req := bleve.NewSearchRequest(q)
	req.Size = int(docCount)
	req.Fields = []string{"signature", "name_tokens", "doc", "file_path", "type", "package"}
	result, err := b.index.SearchInContext(ctx, req)
	b.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to scan for filter delete: %w", err)
	}

	var toDelete []string
	for _, hit := range result.Hits {
		entry := hitToEntry(hit.ID, hit.Fields)
		if predicate(entry) {
			toDelete = append(toDelete, hit.ID)
		}
	}
	if len(toDelete) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.index.NewBatch()
	for _, id := range toDelete {
		batch.Delete(id)
	}
	return b.index.Batch(batch)
}

func hitToEntry(id string, fields map[string]interface{}) *IndexEntry {
	get := func(k string) string {
		if v, ok := fields[k].(string); ok {
			return v
		}
		return ""
	}
	var tokens []string
	if nt := get("name_tokens"); nt != "" {
		tokens = strings.Fields(nt)
	}
	return &IndexEntry{
		ID:         id,
		Signature:  get("signature"),
		NameTokens: tokens,
		Type:       SymbolKind(get("type")),
		FilePath:   get("file_path"),
		Package:    get("package"),
		Doc:        get("doc"),
	}
}

// Commit flushes to durable storage when disk-backed; Bleve persists on
// every Batch call so this is a no-op, matching the teacher's behavior.
func (b *BleveNameIndex) Commit(ctx context.Context) error {
	return nil
}

// Search returns candidates ranked by normalized lexical score in [0,1].
// Boolean-OR of analyzed tokens across weighted fields; exact phrases
// quoted with "..." require adjacent token positions.
func (b *BleveNameIndex) Search(ctx context.Context, queryText string, filters NameFilter, topK int) ([]NameHit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("name index is closed")
	}
	if strings.TrimSpace(queryText) == "" {
		return []NameHit{}, nil
	}

	textQuery := buildWeightedQuery(queryText)

	var finalQuery query.Query = textQuery
	if filters.Type != "" || filters.FilePath != "" {
		conjunct := bleve.NewConjunctionQuery(textQuery)
		if filters.Type != "" {
			tq := bleve.NewTermQuery(string(filters.Type))
			tq.SetField("type")
			conjunct.AddQuery(tq)
		}
		if filters.FilePath != "" {
			pq := bleve.NewMatchPhraseQuery(filters.FilePath)
			pq.SetField("file_path")
			conjunct.AddQuery(pq)
		}
		finalQuery = conjunct
	}

	req := bleve.NewSearchRequest(finalQuery)
	req.Size = topK
	req.IncludeLocations = true
	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]NameHit, 0, len(result.Hits))
	maxScore := 0.0
	for _, h := range result.Hits {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}
	for _, h := range result.Hits {
		normalized := 0.0
		if maxScore > 0 {
			normalized = h.Score / maxScore
		}
		hits = append(hits, NameHit{
			ID:           h.ID,
			LexicalScore: normalized,
			HitFields:    extractNameMatchedFields(h),
		})
	}
	return hits, nil
}

// buildWeightedQuery constructs the boolean-OR, per-field-weighted query.
// An exactly-quoted phrase requires adjacent token positions (match phrase);
// otherwise each field gets an independently boosted match query.
func buildWeightedQuery(queryText string) *query.DisjunctionQuery {
	trimmed := strings.TrimSpace(queryText)
	isPhrase := len(trimmed) >= 2 && strings.HasPrefix(trimmed, `"`) && strings.HasSuffix(trimmed, `"`)
	body := trimmed
	if isPhrase {
		body = strings.Trim(trimmed, `"`)
	}

	mk := func(field string, boost float64) query.Query {
		if isPhrase {
			q := bleve.NewMatchPhraseQuery(body)
			q.SetField(field)
			q.SetBoost(boost)
			return q
		}
		q := bleve.NewMatchQuery(body)
		q.SetField(field)
		q.SetBoost(boost)
		return q
	}

	disjunct := bleve.NewDisjunctionQuery(
		mk("name_tokens", weightNameTokens),
		mk("signature", weightSignature),
		mk("doc", weightDoc),
		mk("file_path", weightFilePath),
	)
	disjunct.SetMin(0)
	return disjunct
}

// extractNameMatchedFields reports which indexed fields contributed a term
// match to this hit, sorted for deterministic output.
func extractNameMatchedFields(hit *search.DocumentMatch) []string {
	if len(hit.Locations) == 0 {
		return nil
	}
	fields := make([]string, 0, len(hit.Locations))
	for field := range hit.Locations {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// AllIDs returns every entry ID currently indexed.
func (b *BleveNameIndex) AllIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	q := bleve.NewMatchAllQuery()
	docCount, _ := b.index.DocCount()
	req := bleve.NewSearchRequest(q)
	req.Size = int(docCount)
	req.Fields = []string{}
	result, err := b.index.Search(req)
	if err != nil {
		return nil
	}
	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	return ids
}

// Stats reports index size for status/diagnostics.
func (b *BleveNameIndex) Stats() NameIndexStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return NameIndexStats{}
	}
	docCount, _ := b.index.DocCount()
	return NameIndexStats{EntryCount: int(docCount)}
}

// Close closes the index.
func (b *BleveNameIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}

var _ NameIndex = (*BleveNameIndex)(nil)

func validateNameIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func isNameIndexCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		strings.Contains(errStr, "no such file or directory") ||
		err == bleve.ErrorIndexMetaCorrupt
}

func codeTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &bleveCodeTokenizer{}, nil
}

type bleveCodeTokenizer struct{}

func (t *bleveCodeTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := TokenizeCode(text)

	result := make(analysis.TokenStream, 0, len(tokens))
	pos := 1
	offset := 0

	for _, token := range tokens {
		start := strings.Index(strings.ToLower(text[offset:]), strings.ToLower(token))
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(token)

		result = append(result, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}
	return result
}

func codeStopFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &bleveCodeStopFilter{stopWords: BuildStopWordMap(DefaultCodeStopWords)}, nil
}

type bleveCodeStopFilter struct {
	stopWords map[string]struct{}
}

func (f *bleveCodeStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		term := strings.ToLower(string(token.Term))
		if _, isStop := f.stopWords[term]; !isStop {
			result = append(result, token)
		}
	}
	return result
}
