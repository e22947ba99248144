package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver (no CGO)
)

// SQLiteFileRecordStore is the disk-backed FileRecordStore (spec §4.7). It
// shares the WAL-mode single-connection pattern used by SQLiteNameIndex so
// the two can safely live in the same project directory.
type SQLiteFileRecordStore struct {
	db *sql.DB
}

var _ FileRecordStore = (*SQLiteFileRecordStore)(nil)

// NewSQLiteFileRecordStore opens (creating if necessary) a disk-backed
// FileRecordStore at path. An empty path opens an in-memory database.
func NewSQLiteFileRecordStore(path string) (*SQLiteFileRecordStore, error) {
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

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS file_records (
		file_path TEXT PRIMARY KEY,
		mod_stamp TEXT NOT NULL,
		indexed_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteFileRecordStore{db: db}, nil
}

func (s *SQLiteFileRecordStore) Get(ctx context.Context, filePath string) (*FileRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT file_path, mod_stamp, indexed_at FROM file_records WHERE file_path = ?`, filePath)

	var rec FileRecord
	var indexedAtUnix int64
	if err := row.Scan(&rec.FilePath, &rec.ModStamp, &indexedAtUnix); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get file record: %w", err)
	}
	rec.IndexedAt = time.Unix(0, indexedAtUnix)
	return &rec, true, nil
}

func (s *SQLiteFileRecordStore) Put(ctx context.Context, rec *FileRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_records (file_path, mod_stamp, indexed_at) VALUES (?, ?, ?)
		 ON CONFLICT(file_path) DO UPDATE SET mod_stamp = excluded.mod_stamp, indexed_at = excluded.indexed_at`,
		rec.FilePath, rec.ModStamp, rec.IndexedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put file record: %w", err)
	}
	return nil
}

func (s *SQLiteFileRecordStore) Delete(ctx context.Context, filePath string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_records WHERE file_path = ?`, filePath); err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	return nil
}

func (s *SQLiteFileRecordStore) All(ctx context.Context) ([]*FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_path, mod_stamp, indexed_at FROM file_records`)
	if err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}
	defer rows.Close()

	var out []*FileRecord
	for rows.Next() {
		var rec FileRecord
		var indexedAtUnix int64
		if err := rows.Scan(&rec.FilePath, &rec.ModStamp, &indexedAtUnix); err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		rec.IndexedAt = time.Unix(0, indexedAtUnix)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteFileRecordStore) Close() error {
	return s.db.Close()
}
