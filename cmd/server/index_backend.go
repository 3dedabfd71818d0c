package main

import (
	"os"
	"path/filepath"
	"strings"

	"loadwarden.ai/internal/persistence/indexdb"
)

// openIndex opens the sqlite read model under <data>/index. It returns nil
// when indexing is disabled by flag or LW_INDEX_BACKEND.
func openIndex(dataDir string, disableDB bool) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LW_INDEX_BACKEND"))) {
	case "none", "off", "disabled":
		return nil, nil
	}
	return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "loadwarden.sqlite"))
}
