package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure Go SQLite driver (no CGO)
)

// SQLiteSymbolStore is the disk-backed SymbolStore, sharing the WAL-mode
// single-connection pattern used by SQLiteNameIndex and
// SQLiteFileRecordStore.
type SQLiteSymbolStore struct {
	db *sql.DB
}

var _ SymbolStore = (*SQLiteSymbolStore)(nil)

// NewSQLiteSymbolStore opens (creating if necessary) a disk-backed
// SymbolStore at path. An empty path opens an in-memory database.
func NewSQLiteSymbolStore(path string) (*SQLiteSymbolStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS symbol_records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		signature TEXT NOT NULL,
		file_path TEXT NOT NULL,
		package TEXT NOT NULL,
		doc TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		combined_text TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_symbol_records_file_path ON symbol_records(file_path)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return &SQLiteSymbolStore{db: db}, nil
}

func (s *SQLiteSymbolStore) Get(ctx context.Context, id string) (*SymbolRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, signature, file_path, package, doc, start_line, end_line, combined_text
		 FROM symbol_records WHERE id = ?`, id)

	var rec SymbolRecord
	var kind string
	if err := row.Scan(&rec.ID, &kind, &rec.Signature, &rec.FilePath, &rec.Package, &rec.Doc, &rec.StartLine, &rec.EndLine, &rec.CombinedText); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get symbol record: %w", err)
	}
	rec.Kind = SymbolKind(kind)
	return &rec, true, nil
}

func (s *SQLiteSymbolStore) Put(ctx context.Context, rec *SymbolRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO symbol_records (id, kind, signature, file_path, package, doc, start_line, end_line, combined_text)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   kind = excluded.kind, signature = excluded.signature, file_path = excluded.file_path,
		   package = excluded.package, doc = excluded.doc, start_line = excluded.start_line,
		   end_line = excluded.end_line, combined_text = excluded.combined_text`,
		rec.ID, string(rec.Kind), rec.Signature, rec.FilePath, rec.Package, rec.Doc, rec.StartLine, rec.EndLine, rec.CombinedText)
	if err != nil {
		return fmt.Errorf("put symbol record: %w", err)
	}
	return nil
}

func (s *SQLiteSymbolStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM symbol_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete symbol record: %w", err)
	}
	return nil
}

func (s *SQLiteSymbolStore) DeleteByFilePath(ctx context.Context, filePath string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM symbol_records WHERE file_path = ?`, filePath); err != nil {
		return fmt.Errorf("delete symbol records by file: %w", err)
	}
	return nil
}

func (s *SQLiteSymbolStore) All(ctx context.Context) ([]*SymbolRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, signature, file_path, package, doc, start_line, end_line, combined_text FROM symbol_records`)
	if err != nil {
		return nil, fmt.Errorf("list symbol records: %w", err)
	}
	defer rows.Close()

	var out []*SymbolRecord
	for rows.Next() {
		var rec SymbolRecord
		var kind string
		if err := rows.Scan(&rec.ID, &kind, &rec.Signature, &rec.FilePath, &rec.Package, &rec.Doc, &rec.StartLine, &rec.EndLine, &rec.CombinedText); err != nil {
			return nil, fmt.Errorf("scan symbol record: %w", err)
		}
		rec.Kind = SymbolKind(kind)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteSymbolStore) Close() error {
	return s.db.Close()
}
