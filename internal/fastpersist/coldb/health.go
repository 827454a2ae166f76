// Package coldb implements the embedded columnar durable store.
//
// Grounded on internal/dbsp/wal/sqlite_wal.go: a database/sql handle to
// go-sqlite3, PRAGMA tuning for many small writes, a prepared upsert
// statement, and batches executed inside one transaction. "ColDB" in
// SPEC_FULL.md is deliberately engine-agnostic; here it is backed by
// SQLite rather than an out-of-pack DuckDB driver (see SPEC_FULL.md
// §1.B) — SQLite's permissive column-type-affinity system accepts the
// spec's DuckDB-flavored type spellings verbatim.
package coldb

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

// CheckHealth runs the same probe original_source/collection_fast_persist.py's
// check_database_health performs: true if the file doesn't exist yet
// (nothing to corrupt), true if a COUNT(*) against table succeeds
// using either the given handle or a fresh read-only connection, false
// on any error.
func CheckHealth(path, table string, db *sql.DB) bool {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return true
	}

	if db != nil {
		return probe(db, table)
	}

	ro, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return false
	}
	defer ro.Close()
	return probe(ro, table)
}

func probe(db *sql.DB, table string) bool {
	var count int
	if err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
		return false
	}
	return true
}

func tunePragmas(db *sql.DB) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA foreign_keys=ON;`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma failed (%s): %w", p, err)
		}
	}
	return nil
}
