package store

import (
	"fmt"
	"os"
)

// NameIndexBackend selects the Name Index storage engine.
type NameIndexBackend string

const (
	// NameIndexBackendSQLite uses SQLite FTS5 (default). WAL mode enables
	// concurrent multi-process access.
	NameIndexBackendSQLite NameIndexBackend = "sqlite"

	// NameIndexBackendBleve uses Bleve v2 (legacy, single-process due to
	// its BoltDB file lock).
	NameIndexBackendBleve NameIndexBackend = "bleve"
)

// NewNameIndexWithBackend creates a NameIndex using the configured backend.
// basePath is the path without extension; the extension is backend-specific
// (.db for sqlite, .bleve for bleve). An empty basePath creates an
// in-memory index.
func NewNameIndexWithBackend(basePath string, backend NameIndexBackend) (NameIndex, error) {
	switch backend {
	case NameIndexBackendSQLite, "":
		var path string
		if basePath != "" {
			path = basePath + ".db"
		}
		return NewSQLiteNameIndex(path)

	case NameIndexBackendBleve:
		var path string
		if basePath != "" {
			path = basePath + ".bleve"
		}
		return NewBleveNameIndex(path)

	default:
		return nil, fmt.Errorf("unknown name index backend: %s (valid options: sqlite, bleve)", backend)
	}
}

// DetectNameIndexBackend detects which backend an existing index on disk
// uses, based on file existence. Returns "" if neither exists.
func DetectNameIndexBackend(basePath string) NameIndexBackend {
	if fileExists(basePath + ".db") {
		return NameIndexBackendSQLite
	}
	if dirExists(basePath + ".bleve") {
		return NameIndexBackendBleve
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
