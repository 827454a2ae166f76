package coldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ariyn/fastpersist/internal/fastpersist/errs"
	"github.com/ariyn/fastpersist/internal/fastpersist/record"
	"github.com/ariyn/fastpersist/internal/fastpersist/schema"
	"github.com/ariyn/fastpersist/internal/fastpersist/timestamp"
)

const datedTable = "storage_data"

// DatedGateway is the ColDbGateway for dated mode: a single table keyed
// by (key, process_name).
type DatedGateway struct {
	db       *sql.DB
	path     string
	registry *schema.Registry
}

// OpenDated opens or creates the ColDB file at path and ensures the
// storage_data table exists with the declared extra columns. It runs
// the integrity probe first and fails with *errs.DbCorrupt if the file
// exists but is unreadable.
func OpenDated(path string, reg *schema.Registry) (*DatedGateway, error) {
	if !CheckHealth(path, datedTable, nil) {
		return nil, &errs.DbCorrupt{Path: path, Table: datedTable, Reason: fmt.Errorf("integrity probe failed on open")}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open coldb %s: %w", path, err)
	}
	g := &DatedGateway{db: db, path: path, registry: reg}
	if err := g.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return g, nil
}

func (g *DatedGateway) init() error {
	if err := tunePragmas(g.db); err != nil {
		return err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key VARCHAR NOT NULL,
	process_name VARCHAR NOT NULL DEFAULT '',
	data TEXT,
	timestamp TIMESTAMP,
	status VARCHAR,
	status_int INTEGER,
	username VARCHAR,
	updated_at TIMESTAMP,
	version INTEGER DEFAULT 1%s,
	UNIQUE(key, process_name)
);`, datedTable, g.registry.DDLFragment())
	if _, err := g.db.Exec(ddl); err != nil {
		return fmt.Errorf("create %s table: %w", datedTable, err)
	}
	return nil
}

func (g *DatedGateway) columnNames() []string {
	cols := []string{"key", "process_name", "data", "timestamp", "status", "status_int", "username", "updated_at", "version"}
	for _, c := range g.registry.Columns() {
		cols = append(cols, c.Name)
	}
	return cols
}

// UpsertBatch inserts or replaces every row in rows inside one
// transaction, matching the original's "BEGIN TRANSACTION ...
// executemany ... COMMIT" flush, rolling back entirely on failure so
// the caller can safely re-queue the whole batch.
func (g *DatedGateway) UpsertBatch(ctx context.Context, rows []record.Dated) error {
	if len(rows) == 0 {
		return nil
	}

	cols := g.columnNames()
	placeholders := strings.TrimRight(strings.Repeat("?,", len(cols)), ",")
	stmtText := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)", datedTable, strings.Join(cols, ","), placeholders)

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, stmtText)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		args, err := g.bindArgs(r)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert row key=%s process_name=%s: %w", r.Key, r.ProcessName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

func (g *DatedGateway) bindArgs(r record.Dated) ([]any, error) {
	dataJSON, err := json.Marshal(r.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal data for key=%s: %w", r.Key, err)
	}

	// process_name is NOT NULL DEFAULT '': SQLite treats every NULL as
	// distinct within a UNIQUE index, so binding NULL for an unspecified
	// process_name would defeat UNIQUE(key, process_name) and make every
	// flush insert a new row instead of replacing the prior one.
	args := []any{r.Key, r.ProcessName, string(dataJSON), optionalTime(r.Timestamp), optionalString(r.Status), optionalInt32(r.StatusInt), optionalString(r.Username), timestamp.FormatISO(r.UpdatedAt), r.Version}
	for _, c := range g.registry.Columns() {
		args = append(args, r.Extra[c.Name])
	}
	return args, nil
}

// ScanAll reads every row in storage_data, used to rebuild the
// in-memory cache at startup.
func (g *DatedGateway) ScanAll(ctx context.Context) ([]record.Dated, error) {
	cols := g.columnNames()
	rows, err := g.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ","), datedTable))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", datedTable, err)
	}
	defer rows.Close()

	var out []record.Dated
	for rows.Next() {
		r, err := g.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", datedTable, err)
	}
	return out, nil
}

func (g *DatedGateway) scanRow(rows *sql.Rows) (record.Dated, error) {
	var (
		key, processName, dataJSON, updatedAt string
		status, username, ts                  sql.NullString
		statusInt                              sql.NullInt64
		version                                int64
	)
	dest := []any{&key, &processName, &dataJSON, &ts, &status, &statusInt, &username, &updatedAt, &version}
	extraVals := make([]any, len(g.registry.Columns()))
	extraPtrs := make([]any, len(g.registry.Columns()))
	for i := range extraVals {
		extraPtrs[i] = &extraVals[i]
	}
	dest = append(dest, extraPtrs...)

	if err := rows.Scan(dest...); err != nil {
		return record.Dated{}, fmt.Errorf("scan %s row: %w", datedTable, err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return record.Dated{}, fmt.Errorf("unmarshal data for key=%s: %w", key, err)
	}

	r := record.Dated{
		Key:         key,
		ProcessName: processName,
		Data:        data,
		Version:     version,
		Extra:       map[string]any{},
	}
	if t, ok, _ := timestamp.Normalize(updatedAt); ok {
		r.UpdatedAt = t
	}
	if ts.Valid {
		if t, ok, _ := timestamp.Normalize(ts.String); ok {
			r.Timestamp = &t
		}
	}
	if status.Valid {
		s := status.String
		r.Status = &s
	}
	if statusInt.Valid {
		v := int32(statusInt.Int64)
		r.StatusInt = &v
	}
	if username.Valid {
		u := username.String
		r.Username = &u
	}
	for i, c := range g.registry.Columns() {
		r.Extra[c.Name] = extraVals[i]
	}
	return r, nil
}

// Snapshot copies the ColDB file byte-for-byte to destPath. The caller
// must quiesce writers (stop the flusher, this gateway should not be
// mid-write) before calling this.
func (g *DatedGateway) Snapshot(destPath string) error {
	src, err := os.Open(g.path)
	if err != nil {
		return fmt.Errorf("open %s for snapshot: %w", g.path, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open snapshot dest %s: %w", destPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy %s to %s: %w", g.path, destPath, err)
	}
	return dst.Sync()
}

func (g *DatedGateway) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}

func optionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timestamp.FormatISO(*t)
}

func optionalString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func optionalInt32(i *int32) any {
	if i == nil {
		return nil
	}
	return *i
}
