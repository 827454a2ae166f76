package coldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ariyn/fastpersist/internal/fastpersist/errs"
	"github.com/ariyn/fastpersist/internal/fastpersist/record"
	"github.com/ariyn/fastpersist/internal/fastpersist/schema"
	"github.com/ariyn/fastpersist/internal/fastpersist/timestamp"
)

const (
	historyTable = "storage_history"
	latestTable  = "storage_latest"
)

// CollectionGateway is the ColDbGateway for collection mode: two
// tables sharing one schema — an append-only storage_history and a
// primary-keyed storage_latest — both opened against their own ColDB
// file, per SPEC_FULL.md §4.E.
type CollectionGateway struct {
	historyDB *sql.DB
	latestDB  *sql.DB

	historyPath string
	latestPath  string
	registry    *schema.Registry
}

// OpenCollection opens or creates both ColDB files, running the
// integrity probe on each before touching it — matching
// original_source/collection_fast_persist.py's _init_duckdb, which
// health-checks both files up front so a single corrupt file doesn't
// leave the other half-initialized.
func OpenCollection(historyPath, latestPath string, reg *schema.Registry) (*CollectionGateway, error) {
	if !CheckHealth(historyPath, historyTable, nil) {
		return nil, &errs.DbCorrupt{Path: historyPath, Table: historyTable, Reason: fmt.Errorf("integrity probe failed on open")}
	}
	if !CheckHealth(latestPath, latestTable, nil) {
		return nil, &errs.DbCorrupt{Path: latestPath, Table: latestTable, Reason: fmt.Errorf("integrity probe failed on open")}
	}

	historyDB, err := sql.Open("sqlite3", historyPath)
	if err != nil {
		return nil, fmt.Errorf("open history db %s: %w", historyPath, err)
	}
	latestDB, err := sql.Open("sqlite3", latestPath)
	if err != nil {
		_ = historyDB.Close()
		return nil, fmt.Errorf("open latest db %s: %w", latestPath, err)
	}

	g := &CollectionGateway{
		historyDB: historyDB, latestDB: latestDB,
		historyPath: historyPath, latestPath: latestPath,
		registry: reg,
	}
	if err := g.init(); err != nil {
		_ = historyDB.Close()
		_ = latestDB.Close()
		return nil, err
	}
	return g, nil
}

func (g *CollectionGateway) ddl(table string, withPK bool) string {
	pk := ""
	if withPK {
		pk = ",\n\tPRIMARY KEY (key, collection_name, item_name)"
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key VARCHAR NOT NULL,
	collection_name VARCHAR NOT NULL DEFAULT '',
	item_name VARCHAR NOT NULL DEFAULT '',
	data TEXT,
	value_int BIGINT,
	value_float DOUBLE,
	value_string VARCHAR,
	timestamp TIMESTAMP,
	status VARCHAR,
	status_int INTEGER,
	username VARCHAR,
	updated_at TIMESTAMP,
	version INTEGER DEFAULT 1%s%s
);`, table, g.registry.DDLFragment(), pk)
}

func (g *CollectionGateway) init() error {
	if err := tunePragmas(g.historyDB); err != nil {
		return err
	}
	if err := tunePragmas(g.latestDB); err != nil {
		return err
	}
	if _, err := g.historyDB.Exec(g.ddl(historyTable, false)); err != nil {
		return fmt.Errorf("create %s table: %w", historyTable, err)
	}
	if _, err := g.latestDB.Exec(g.ddl(latestTable, true)); err != nil {
		return fmt.Errorf("create %s table: %w", latestTable, err)
	}
	return nil
}

func (g *CollectionGateway) columnNames() []string {
	cols := []string{"key", "collection_name", "item_name", "data", "value_int", "value_float", "value_string",
		"timestamp", "status", "status_int", "username", "updated_at", "version"}
	for _, c := range g.registry.Columns() {
		cols = append(cols, c.Name)
	}
	return cols
}

// AppendHistory inserts every row in rows into storage_history inside
// one transaction. storage_history is append-only: every write gets its
// own row, never replaced.
func (g *CollectionGateway) AppendHistory(ctx context.Context, rows []record.CollectionItem) error {
	if len(rows) == 0 {
		return nil
	}
	cols := g.columnNames()
	placeholders := strings.TrimRight(strings.Repeat("?,", len(cols)), ",")
	stmtText := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", historyTable, strings.Join(cols, ","), placeholders)

	tx, err := g.historyDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, stmtText)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare history insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		args, err := g.bindArgs(r, r.Version)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert history row key=%s collection=%s item=%s: %w", r.Key, r.CollectionName, r.ItemName, err)
		}
	}
	return tx.Commit()
}

// UpsertLatest replaces storage_latest rows for the given items, keeping
// each item's own version so the latest row matches the newest
// storage_history row for that identity. Grounded on
// _update_latest_table, which the ChangeTracker drives.
func (g *CollectionGateway) UpsertLatest(ctx context.Context, rows []record.CollectionItem) error {
	if len(rows) == 0 {
		return nil
	}
	cols := g.columnNames()
	placeholders := strings.TrimRight(strings.Repeat("?,", len(cols)), ",")
	stmtText := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)", latestTable, strings.Join(cols, ","), placeholders)

	tx, err := g.latestDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin latest tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, stmtText)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare latest upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		args, err := g.bindArgs(r, r.Version)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert latest row key=%s collection=%s item=%s: %w", r.Key, r.CollectionName, r.ItemName, err)
		}
	}
	return tx.Commit()
}

func (g *CollectionGateway) bindArgs(r record.CollectionItem, version int64) ([]any, error) {
	dataJSON, err := json.Marshal(r.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal data for key=%s: %w", r.Key, err)
	}

	var valInt, valFloat, valString any
	switch r.Value.Kind {
	case record.ValueInt:
		valInt = r.Value.Int
	case record.ValueFloat:
		valFloat = r.Value.Float
	case record.ValueString:
		valString = r.Value.String
	}

	args := []any{r.Key, r.CollectionName, r.ItemName, string(dataJSON), valInt, valFloat, valString,
		optionalTime(r.Timestamp), optionalString(r.Status), optionalInt32(r.StatusInt), optionalString(r.Username),
		timestamp.FormatISO(r.UpdatedAt), version}
	for _, c := range g.registry.Columns() {
		args = append(args, r.Extra[c.Name])
	}
	return args, nil
}

// LoadLatestForCollection reads every storage_latest row for
// (key, collectionName), for the lazy collection load path.
func (g *CollectionGateway) LoadLatestForCollection(ctx context.Context, key, collectionName string) ([]record.CollectionItem, error) {
	cols := g.columnNames()
	q := fmt.Sprintf("SELECT %s FROM %s WHERE key = ? AND collection_name = ?", strings.Join(cols, ","), latestTable)
	rows, err := g.latestDB.QueryContext(ctx, q, key, collectionName)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", latestTable, err)
	}
	defer rows.Close()
	return g.scanAll(rows)
}

// ScanLatestAll reads every row of storage_latest, used by get_stats()
// for the latest-table row count.
func (g *CollectionGateway) ScanLatestAll(ctx context.Context) ([]record.CollectionItem, error) {
	cols := g.columnNames()
	rows, err := g.latestDB.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ","), latestTable))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", latestTable, err)
	}
	defer rows.Close()
	return g.scanAll(rows)
}

// ScanHistoryLatestVersions reads, for every identity in storage_history,
// the row with the maximum version — the source data for
// rebuild_latest_from_history.
func (g *CollectionGateway) ScanHistoryLatestVersions(ctx context.Context) ([]record.CollectionItem, error) {
	cols := g.columnNames()
	qualified := make([]string, len(cols))
	for i, c := range cols {
		qualified[i] = "h." + c
	}
	q := fmt.Sprintf(`SELECT %s FROM %s h
JOIN (SELECT key, collection_name, item_name, MAX(version) AS max_version FROM %s GROUP BY key, collection_name, item_name) m
ON h.key = m.key AND h.collection_name = m.collection_name AND h.item_name = m.item_name AND h.version = m.max_version`,
		strings.Join(qualified, ","), historyTable, historyTable)
	rows, err := g.historyDB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("scan latest-per-identity from %s: %w", historyTable, err)
	}
	defer rows.Close()
	return g.scanAll(rows)
}

// MaxVersion returns the current maximum version for an identity in
// storage_history, or 0 if none exists yet.
func (g *CollectionGateway) MaxVersion(ctx context.Context, key, collectionName, itemName string) (int64, error) {
	var v sql.NullInt64
	err := g.historyDB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MAX(version) FROM %s WHERE key = ? AND collection_name = ? AND item_name = ?", historyTable),
		key, collectionName, itemName).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("max version query: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return v.Int64, nil
}

// TruncateLatest deletes every row of storage_latest, the first half of
// rebuild_latest_from_history's delete-then-reinsert idempotent rebuild.
func (g *CollectionGateway) TruncateLatest(ctx context.Context) error {
	_, err := g.latestDB.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", latestTable))
	if err != nil {
		return fmt.Errorf("truncate %s: %w", latestTable, err)
	}
	return nil
}

// CountHistory counts every row of storage_history, used by get_stats()
// for the history-table row count.
func (g *CollectionGateway) CountHistory(ctx context.Context) (int, error) {
	var n int
	if err := g.historyDB.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", historyTable)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", historyTable, err)
	}
	return n, nil
}

func (g *CollectionGateway) scanAll(rows *sql.Rows) ([]record.CollectionItem, error) {
	var out []record.CollectionItem
	for rows.Next() {
		r, err := g.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func (g *CollectionGateway) scanRow(rows *sql.Rows) (record.CollectionItem, error) {
	var (
		key, collectionName, itemName, dataJSON, updatedAt string
		valInt                                              sql.NullInt64
		valFloat                                             sql.NullFloat64
		valString, status, username, ts                     sql.NullString
		statusInt                                            sql.NullInt64
		version                                              int64
	)
	dest := []any{&key, &collectionName, &itemName, &dataJSON, &valInt, &valFloat, &valString,
		&ts, &status, &statusInt, &username, &updatedAt, &version}
	extraVals := make([]any, len(g.registry.Columns()))
	extraPtrs := make([]any, len(g.registry.Columns()))
	for i := range extraVals {
		extraPtrs[i] = &extraVals[i]
	}
	dest = append(dest, extraPtrs...)

	if err := rows.Scan(dest...); err != nil {
		return record.CollectionItem{}, fmt.Errorf("scan row: %w", err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return record.CollectionItem{}, fmt.Errorf("unmarshal data for key=%s: %w", key, err)
	}

	r := record.CollectionItem{
		Key:            key,
		CollectionName: collectionName,
		ItemName:       itemName,
		Data:           data,
		Version:        version,
		Extra:          map[string]any{},
	}
	switch {
	case valInt.Valid:
		r.Value = record.Value{Kind: record.ValueInt, Int: valInt.Int64}
	case valFloat.Valid:
		r.Value = record.Value{Kind: record.ValueFloat, Float: valFloat.Float64}
	case valString.Valid:
		r.Value = record.Value{Kind: record.ValueString, String: valString.String}
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

// HistoryPath returns the filesystem path of the history ColDB file.
func (g *CollectionGateway) HistoryPath() string { return g.historyPath }

// LatestPath returns the filesystem path of the latest ColDB file.
func (g *CollectionGateway) LatestPath() string { return g.latestPath }

// Close closes both underlying handles. Per the original's close()
// comment, this must happen before any file-level backup copy because
// some platforms lock files while they're open.
func (g *CollectionGateway) Close() error {
	var firstErr error
	if g.historyDB != nil {
		if err := g.historyDB.Close(); err != nil {
			firstErr = err
		}
	}
	if g.latestDB != nil {
		if err := g.latestDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
