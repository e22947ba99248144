package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure Go SQLite driver (no CGO)
)

// SQLiteNameIndex implements NameIndex using SQLite FTS5, giving concurrent
// multi-process access via WAL mode. It is the default Name Index backend
// (search.name_index_backend: "sqlite"); BleveNameIndex remains available
// as the legacy single-process backend.
type SQLiteNameIndex struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ NameIndex = (*SQLiteNameIndex)(nil)

func validateSQLiteNameIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='fts_entries'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("FTS5 table 'fts_entries' missing")
	}
	return nil
}

// NewSQLiteNameIndex creates a new SQLite FTS5-based Name Index. An empty
// path creates an in-memory index.
func NewSQLiteNameIndex(path string) (*SQLiteNameIndex, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		if validErr := validateSQLiteNameIndexIntegrity(path); validErr != nil {
			slog.Warn("name_index_corrupted", slog.String("path", path), slog.String("error", validErr.Error()))
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("name index corrupted at %s and cannot remove: %w (original error: %v)", path, rmErr, validErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
			slog.Warn("name_index_rebuilding", slog.String("path", path))
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	idx := &SQLiteNameIndex{db: db, path: path}
	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return idx, nil
}

func (s *SQLiteNameIndex) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

	-- columns ordered to match bm25() weight arguments in Search: see
	-- weightSignature/weightNameTokens/weightDoc/weightFilePath.
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_entries USING fts5(
		doc_id UNINDEXED,
		signature,
		name_tokens,
		doc,
		file_path,
		tokenize='unicode61'
	);

	CREATE TABLE IF NOT EXISTS entry_meta (
		doc_id TEXT PRIMARY KEY,
		type TEXT,
		package TEXT
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

func preprocessField(text string) string {
	tokens := TokenizeCode(text)
	tokens = FilterStopWords(tokens, BuildStopWordMap(DefaultCodeStopWords))
	return strings.Join(tokens, " ")
}

// Write inserts or replaces an entry by ID; idempotent.
func (s *SQLiteNameIndex) Write(ctx context.Context, entry *IndexEntry) error {
	return s.WriteBatch(ctx, []*IndexEntry{entry})
}

// WriteBatch writes multiple entries atomically.
func (s *SQLiteNameIndex) WriteBatch(ctx context.Context, entries []*IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("name index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleteStmt, err := tx.PrepareContext(ctx, `DELETE FROM fts_entries WHERE doc_id = ?`)
	if err != nil {
		return err
	}
	defer deleteStmt.Close()
	insertStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fts_entries(doc_id, signature, name_tokens, doc, file_path) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insertStmt.Close()
	metaStmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO entry_meta(doc_id, type, package) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer metaStmt.Close()

	for _, entry := range entries {
		if _, err := deleteStmt.ExecContext(ctx, entry.ID); err != nil {
			return fmt.Errorf("failed to delete existing entry %s: %w", entry.ID, err)
		}
		nameTokens := strings.Join(entry.NameTokens, " ")
		if _, err := insertStmt.ExecContext(ctx, entry.ID,
			preprocessField(entry.Signature), preprocessField(nameTokens),
			preprocessField(entry.Doc), preprocessField(entry.FilePath)); err != nil {
			return fmt.Errorf("failed to index entry %s: %w", entry.ID, err)
		}
		if _, err := metaStmt.ExecContext(ctx, entry.ID, string(entry.Type), entry.Package); err != nil {
			return fmt.Errorf("failed to store metadata for %s: %w", entry.ID, err)
		}
	}
	return tx.Commit()
}

// Delete removes a single entry by ID.
func (s *SQLiteNameIndex) Delete(ctx context.Context, id string) error {
	return s.deleteIDs(ctx, []string{id})
}

func (s *SQLiteNameIndex) deleteIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("name index is closed")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	in := strings.Join(placeholders, ",")
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM fts_entries WHERE doc_id IN (%s)", in), args...); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM entry_meta WHERE doc_id IN (%s)", in), args...); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteByFilter removes every entry matching predicate.
func (s *SQLiteNameIndex) DeleteByFilter(ctx context.Context, predicate func(*IndexEntry) bool) error {
	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.doc_id, f.signature, f.name_tokens, f.doc, f.file_path, m.type, m.package
		FROM fts_entries f LEFT JOIN entry_meta m ON f.doc_id = m.doc_id`)
	if err != nil {
		s.mu.RUnlock()
		return fmt.Errorf("failed to scan for filter delete: %w", err)
	}
	var toDelete []string
	for rows.Next() {
		var id, sig, nameTokens, doc, filePath string
		var kind, pkg sql.NullString
		if err := rows.Scan(&id, &sig, &nameTokens, &doc, &filePath, &kind, &pkg); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return err
		}
		entry := &IndexEntry{ID: id, Signature: sig, NameTokens: strings.Fields(nameTokens),
			Doc: doc, FilePath: filePath, Type: SymbolKind(kind.String), Package: pkg.String}
		if predicate(entry) {
			toDelete = append(toDelete, id)
		}
	}
	rows.Close()
	s.mu.RUnlock()
	return s.deleteIDs(ctx, toDelete)
}

// Commit forces a WAL checkpoint, ensuring durability.
func (s *SQLiteNameIndex) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("name index is closed")
	}
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Search returns candidates ranked by normalized lexical score in [0,1],
// using FTS5's per-column bm25() weights to realize
// name_tokens >> signature > doc > file_path.
func (s *SQLiteNameIndex) Search(ctx context.Context, queryText string, filters NameFilter, topK int) ([]NameHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("name index is closed")
	}
	trimmed := strings.TrimSpace(queryText)
	if trimmed == "" {
		return []NameHit{}, nil
	}

	isPhrase := len(trimmed) >= 2 && strings.HasPrefix(trimmed, `"`) && strings.HasSuffix(trimmed, `"`)
	var matchExpr string
	if isPhrase {
		body := strings.Trim(trimmed, `"`)
		matchExpr = fmt.Sprintf(`"%s"`, strings.ReplaceAll(preprocessField(body), `"`, ``))
	} else {
		tokens := TokenizeCode(trimmed)
		tokens = FilterStopWords(tokens, BuildStopWordMap(DefaultCodeStopWords))
		if len(tokens) == 0 {
			return []NameHit{}, nil
		}
		matchExpr = strings.Join(tokens, " OR ")
	}

	query := `
		SELECT f.doc_id, bm25(fts_entries, ?, ?, ?, ?) AS score
		FROM fts_entries f
		LEFT JOIN entry_meta m ON f.doc_id = m.doc_id
		WHERE fts_entries MATCH ?`
	args := []any{weightSignature, weightNameTokens, weightDoc, weightFilePath, matchExpr}
	if filters.Type != "" {
		query += " AND m.type = ?"
		args = append(args, string(filters.Type))
	}
	if filters.FilePath != "" {
		query += " AND f.file_path LIKE ?"
		args = append(args, "%"+preprocessField(filters.FilePath)+"%")
	}
	query += " ORDER BY score LIMIT ?"
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []NameHit{}, nil
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	type raw struct {
		id    string
		score float64
	}
	var results []raw
	maxScore := 0.0
	for rows.Next() {
		var r raw
		if err := rows.Scan(&r.id, &r.score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.score = -r.score // fts5 bm25() returns negative scores, lower is better
		if r.score > maxScore {
			maxScore = r.score
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hits := make([]NameHit, 0, len(results))
	for _, r := range results {
		normalized := 0.0
		if maxScore > 0 {
			normalized = r.score / maxScore
		}
		hits = append(hits, NameHit{ID: r.id, LexicalScore: normalized})
	}
	return hits, nil
}

// AllIDs returns every entry ID currently indexed.
func (s *SQLiteNameIndex) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	rows, err := s.db.Query(`SELECT doc_id FROM fts_entries ORDER BY doc_id`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Stats reports index size for status/diagnostics.
func (s *SQLiteNameIndex) Stats() NameIndexStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return NameIndexStats{}
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM fts_entries`).Scan(&count); err != nil {
		return NameIndexStats{}
	}
	return NameIndexStats{EntryCount: count}
}

// Close closes the index, checkpointing WAL first.
func (s *SQLiteNameIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}
