package fastpersist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ariyn/fastpersist/internal/fastpersist/backup"
	"github.com/ariyn/fastpersist/internal/fastpersist/cache"
	"github.com/ariyn/fastpersist/internal/fastpersist/coldb"
	"github.com/ariyn/fastpersist/internal/fastpersist/config"
	"github.com/ariyn/fastpersist/internal/fastpersist/errs"
	"github.com/ariyn/fastpersist/internal/fastpersist/events"
	"github.com/ariyn/fastpersist/internal/fastpersist/flusher"
	"github.com/ariyn/fastpersist/internal/fastpersist/lock"
	"github.com/ariyn/fastpersist/internal/fastpersist/record"
	"github.com/ariyn/fastpersist/internal/fastpersist/schema"
	"github.com/ariyn/fastpersist/internal/fastpersist/timestamp"
	"github.com/ariyn/fastpersist/internal/fastpersist/tracker"
	"github.com/ariyn/fastpersist/internal/fastpersist/walio"
)

// CollectionStoreOptions carries the parameter overrides spec.md §6
// names for collection Store.
type CollectionStoreOptions struct {
	ItemName       *string
	CollectionName *string
	Value          any
	Timestamp      any
	Username       *string
}

// CollectionStats answers get_stats() for collection mode.
type CollectionStats struct {
	CacheSize       int
	PendingWrites   int
	CurrentWalSize  int64
	CurrentWalCount int
	WalFilesCount   int
	WalSequence     int
	HistoryRowCount int
	LatestRowCount  int
}

// CollectionStore is the Orchestrator for collection mode: a single
// history+latest ColDB pair shared across dates, fronted by a
// date-scoped WAL and instance lock so the session's backup/retention
// boundary still lines up with a calendar date.
type CollectionStore struct {
	dateStr string
	baseDir string
	dateDir string
	cfg     config.CollectionConfig
	sink    events.Sink

	registry *schema.Registry
	lck      *lock.Lock
	gw       *coldb.CollectionGateway
	cache    *cache.Collection
	tracked  *tracker.ChangeTracker
	wal      *walio.Writer
	fl       *flusher.Flusher[record.CollectionItem]

	writeMu sync.Mutex
	state   atomic.Int32

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewCollectionStore constructs the collection-mode Orchestrator,
// scoped to date for lock/WAL/backup purposes (SPEC_FULL.md §6's
// collection filesystem layout), against the shared, date-independent
// storage_history/storage_latest ColDB pair living directly under
// cfg.BaseDir. Per SPEC_FULL.md §4.K, no full-table scan happens here:
// collections populate the cache lazily on first read miss.
func NewCollectionStore(date time.Time, cfg config.CollectionConfig, sink events.Sink) (*CollectionStore, error) {
	if sink == nil {
		sink = events.Noop()
	}
	cfg = cfg.WithDefaults()

	dateStr := timestamp.FormatDateDir(date)
	dateDir := filepath.Join(cfg.BaseDir, dateStr)
	historyPath := filepath.Join(cfg.BaseDir, "storage_history.duckdb")
	latestPath := filepath.Join(cfg.BaseDir, "storage_latest.duckdb")

	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir %s: %w", cfg.BaseDir, err)
	}

	lck, err := lock.Acquire(filepath.Join(cfg.BaseDir, ".lock_"+dateStr))
	if err != nil {
		return nil, err
	}

	registry, err := schema.New(cfg.ExtraSchema, record.ReservedCollectionColumns)
	if err != nil {
		_ = lck.Release()
		return nil, err
	}

	gw, err := coldb.OpenCollection(historyPath, latestPath, registry)
	if err != nil {
		_ = lck.Release()
		return nil, err
	}

	wal, err := walio.Open(dateDir, cfg.MaxWalSize, 0, sink)
	if err != nil {
		_ = gw.Close()
		_ = lck.Release()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &CollectionStore{
		dateStr:  dateStr,
		baseDir:  cfg.BaseDir,
		dateDir:  dateDir,
		cfg:      cfg,
		sink:     sink,
		registry: registry,
		lck:      lck,
		gw:       gw,
		cache:    cache.NewCollection(),
		tracked:  tracker.New(),
		wal:      wal,
		cancel:   cancel,
	}
	s.state.Store(int32(stateRecovering))

	if err := s.recoverFromWAL(ctx); err != nil {
		_ = gw.Close()
		_ = lck.Release()
		cancel()
		return nil, err
	}

	s.fl = flusher.New(cfg.BatchSize, cfg.FlushInterval(), s.flushCycle, s.rotateIfNeeded, sink)
	s.fl.Start(ctx)

	s.state.Store(int32(stateReady))
	return s, nil
}

// recoverFromWAL replays this date's WAL segments, writes the
// recovered batch straight through to both storage_history and
// storage_latest, seeds the cache with the result, and marks every
// recovered collection loaded so a later GetKeyCollection does not
// re-query storage_latest and disturb what recovery just reconciled.
func (s *CollectionStore) recoverFromWAL(ctx context.Context) error {
	pending := make(map[record.ItemIdentity]record.CollectionItem)

	_, err := walio.ReplayAll(s.dateDir, s.sink, func(raw json.RawMessage) error {
		var line record.CollectionWALLine
		if err := json.Unmarshal(raw, &line); err != nil {
			s.sink.Warnf("collection: dropping malformed wal line: %v", err)
			return nil
		}
		item, err := collectionRecordFromLine(line)
		if err != nil {
			s.sink.Warnf("collection: dropping unrecoverable wal line for key=%s: %v", line.Key, err)
			return nil
		}
		id := record.ItemIdentity{Key: item.Key, CollectionName: item.CollectionName, ItemName: item.ItemName}
		pending[id] = item
		s.cache.Put(item)
		s.cache.ObserveVersion(id, item.Version)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay collection wal: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	batch := make([]record.CollectionItem, 0, len(pending))
	for _, item := range pending {
		batch = append(batch, item)
		s.cache.MarkCollectionLoaded(item.Key, item.CollectionName)
	}
	if err := s.gw.AppendHistory(ctx, batch); err != nil {
		s.sink.Warnf("collection: recovery history append failed, will re-replay next startup: %v", err)
		return nil
	}
	if err := s.gw.UpsertLatest(ctx, batch); err != nil {
		s.sink.Warnf("collection: recovery latest upsert failed, will re-replay next startup: %v", err)
		return nil
	}
	if err := walio.DeleteSegmentsExcept(s.dateDir, ""); err != nil {
		s.sink.Warnf("collection: failed to clean up recovered wal segments: %v", err)
	}
	return nil
}

func collectionRecordFromLine(line record.CollectionWALLine) (record.CollectionItem, error) {
	ts, _, err := timestamp.Normalize(derefOr(line.Timestamp))
	if err != nil {
		return record.CollectionItem{}, err
	}
	item := record.CollectionItem{
		Key:            line.Key,
		CollectionName: line.CollectionName,
		ItemName:       line.ItemName,
		Data:           line.Data,
		Value:          record.ValueOf(line.Value),
		Status:         line.Status,
		StatusInt:      line.StatusInt,
		Username:       line.Username,
		UpdatedAt:      time.Now().UTC(),
		Version:        line.Version,
		Extra:          line.Extras,
	}
	if line.Timestamp != nil {
		item.Timestamp = &ts
	}
	if item.Extra == nil {
		item.Extra = map[string]any{}
	}
	if item.Data == nil {
		item.Data = map[string]any{}
	}
	return item, nil
}

// Store implements store() for collection mode (SPEC_FULL.md §4.K, §6).
func (s *CollectionStore) Store(key string, data map[string]any, opts CollectionStoreOptions) (record.CollectionItem, error) {
	if state(s.state.Load()) != stateReady {
		return record.CollectionItem{}, &errs.ReadOnlyState{State: state(s.state.Load()).String()}
	}
	if key == "" {
		return record.CollectionItem{}, fmt.Errorf("store: key must not be empty")
	}
	if data == nil {
		data = map[string]any{}
	}
	if err := schema.ValidateValue(opts.Value); err != nil {
		return record.CollectionItem{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	dataCopy := cloneMap(data)
	timestamp.NormalizeInPlace(dataCopy)

	collectionName := ""
	if opts.CollectionName != nil {
		collectionName = *opts.CollectionName
	} else if v, ok := dataCopy["collection_name"].(string); ok {
		collectionName = v
	}
	itemName := ""
	if opts.ItemName != nil {
		itemName = *opts.ItemName
	} else if v, ok := dataCopy["item_name"].(string); ok {
		itemName = v
	}

	s.loadCollectionIfNeeded(key, collectionName)

	tsInput := opts.Timestamp
	if tsInput == nil {
		tsInput = dataCopy[record.FieldTimestamp]
	}
	ts, err := timestamp.NormalizeOrNow(tsInput)
	if err != nil {
		return record.CollectionItem{}, err
	}
	dataCopy[record.FieldTimestamp] = timestamp.FormatISO(ts)

	var username *string
	if opts.Username != nil {
		username = opts.Username
	} else {
		username = extractString(dataCopy, record.FieldUsername)
	}
	if username != nil {
		dataCopy[record.FieldUsername] = *username
	}

	status := extractString(dataCopy, record.FieldStatus)
	statusInt := extractInt32(dataCopy, record.FieldStatusInt)
	extra := s.registry.Extract(dataCopy)

	value := opts.Value
	if value == nil {
		value = extractValue(dataCopy, "value")
	}
	tagged := record.ValueOf(value)

	id := record.ItemIdentity{Key: key, CollectionName: collectionName, ItemName: itemName}
	version := s.cache.NextVersion(id)

	item := record.CollectionItem{
		Key:            key,
		CollectionName: collectionName,
		ItemName:       itemName,
		Data:           dataCopy,
		Value:          tagged,
		Status:         status,
		StatusInt:      statusInt,
		Username:       username,
		UpdatedAt:      time.Now().UTC(),
		Version:        version,
		Extra:          extra,
		Timestamp:      &ts,
	}

	line := record.CollectionWALLine{
		Op:             "put",
		Ts:             timestamp.FormatISO(time.Now().UTC()),
		Key:            key,
		CollectionName: collectionName,
		ItemName:       itemName,
		Data:           dataCopy,
		Value:          tagged.Native(),
		Timestamp:      ptrString(timestamp.FormatISO(ts)),
		Status:         status,
		StatusInt:      statusInt,
		Username:       username,
		Version:        version,
		Extras:         extra,
	}
	if err := s.wal.Append(line); err != nil {
		return record.CollectionItem{}, err
	}

	s.cache.Put(item)
	s.tracked.Mark(id)
	s.fl.Add(item)
	s.rotateIfNeeded()

	return item, nil
}

// loadCollectionIfNeeded performs the lazy-load path of SPEC_FULL.md
// §4.F/§9: on first touch of (key, collection) this session,
// storage_latest is read once and the result seeded into the cache
// before any write or read proceeds, so a fresh store() on an
// already-populated collection does not silently shadow older items.
// Callers must already hold writeMu.
func (s *CollectionStore) loadCollectionIfNeeded(key, collectionName string) {
	if s.cache.IsCollectionLoaded(key, collectionName) {
		return
	}
	items, err := s.gw.LoadLatestForCollection(context.Background(), key, collectionName)
	if err != nil {
		s.sink.Warnf("collection: lazy load of key=%s collection=%s failed: %v", key, collectionName, err)
	}
	for _, item := range items {
		s.cache.Put(item)
		id := record.ItemIdentity{Key: item.Key, CollectionName: item.CollectionName, ItemName: item.ItemName}
		s.cache.ObserveVersion(id, item.Version)
	}
	s.cache.MarkCollectionLoaded(key, collectionName)
}

func (s *CollectionStore) rotateIfNeeded() {
	if !s.wal.ShouldRotate() {
		return
	}
	if _, err := s.wal.Rotate(); err != nil {
		s.sink.Warnf("collection: wal rotate failed: %v", err)
	}
}

// flushCycle drains the flusher's pending batch into storage_history
// (append-only) and, for exactly the identities ChangeTracker has
// marked modified since the last materialization, upserts
// storage_latest. The tracker is marked by Store() and consumed by
// materializeLatest, both while holding writeMu.
func (s *CollectionStore) flushCycle(ctx context.Context, batch []record.CollectionItem) error {
	if err := s.gw.AppendHistory(ctx, batch); err != nil {
		return err
	}
	if err := s.materializeLatest(ctx); err != nil {
		return err
	}
	current := s.wal.CurrentPath()
	if err := walio.DeleteSegmentsExcept(s.dateDir, current); err != nil {
		s.sink.Warnf("collection: failed to clean up flushed wal segments: %v", err)
	}
	return nil
}

// materializeLatest runs on the background flusher goroutine (via
// flushCycle) as well as on Close, racing against concurrent Store()
// calls for the same identities. writeMu is held across the whole
// Snapshot -> cache-read -> UpsertLatest -> Clear sequence so a Store()
// landing mid-materialization either completes entirely before this
// runs (and its Mark is correctly cleared here) or is blocked until
// this finishes (and its Mark survives for the next cycle) — never
// interleaved, which would otherwise let Clear erase the dirty flag for
// a value UpsertLatest never saw.
func (s *CollectionStore) materializeLatest(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ids := s.tracked.Snapshot()
	if len(ids) == 0 {
		return nil
	}
	items := make([]record.CollectionItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := s.cache.GetItem(id.Key, id.CollectionName, id.ItemName); ok {
			items = append(items, *item)
		}
	}
	if err := s.gw.UpsertLatest(ctx, items); err != nil {
		return err
	}
	s.tracked.Clear(ids)
	return nil
}

// GetKey implements get_key(key) without a collection filter for
// collection mode; GetKeyCollection is the filtered form. It reads only
// the cache and does not trigger a lazy load.
func (s *CollectionStore) GetKey(key string) (map[string]map[string]*record.CollectionItem, bool) {
	return s.cache.GetKey(key)
}

// GetKeyCollection implements get_key(key, collection_name) restricted
// to a single collection, triggering a lazy load on first miss.
func (s *CollectionStore) GetKeyCollection(key, collectionName string) (map[string]*record.CollectionItem, bool) {
	s.writeMu.Lock()
	s.loadCollectionIfNeeded(key, collectionName)
	s.writeMu.Unlock()
	return s.cache.GetKeyCollection(key, collectionName)
}

// GetItem implements get_item(key, collection_name, item_name),
// triggering a lazy load on first miss for the collection.
func (s *CollectionStore) GetItem(key, collectionName, itemName string) (*record.CollectionItem, bool) {
	s.writeMu.Lock()
	s.loadCollectionIfNeeded(key, collectionName)
	s.writeMu.Unlock()
	return s.cache.GetItem(key, collectionName, itemName)
}

// CheckDatabaseHealth implements check_database_health(path, table). It
// always probes through a fresh read-only connection; it takes no
// existing handle.
func (s *CollectionStore) CheckDatabaseHealth(path, table string) bool {
	return coldb.CheckHealth(path, table, nil)
}

// RebuildHistoryFromWal implements rebuild_history_from_wal(date): replays
// the WAL segments under <base_dir>/<date> and appends every recovered
// record into storage_history, returning the count appended. Unlike
// startup recovery this does not touch storage_latest or delete
// segments — it is an explicit operator recovery tool for a
// corrupted-then-replaced storage_history file.
func (s *CollectionStore) RebuildHistoryFromWal(ctx context.Context, date time.Time) (int, error) {
	dateDir := filepath.Join(s.baseDir, timestamp.FormatDateDir(date))
	var batch []record.CollectionItem
	_, err := walio.ReplayAll(dateDir, s.sink, func(raw json.RawMessage) error {
		var line record.CollectionWALLine
		if err := json.Unmarshal(raw, &line); err != nil {
			s.sink.Warnf("collection: dropping malformed wal line during rebuild: %v", err)
			return nil
		}
		item, err := collectionRecordFromLine(line)
		if err != nil {
			s.sink.Warnf("collection: dropping unrecoverable wal line during rebuild for key=%s: %v", line.Key, err)
			return nil
		}
		batch = append(batch, item)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild history from wal %s: %w", dateDir, err)
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := s.gw.AppendHistory(ctx, batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// RebuildLatestFromHistory implements rebuild_latest_from_history():
// truncate storage_latest, then reinsert the max-version row per
// identity from storage_history. Idempotent given a fixed history.
func (s *CollectionStore) RebuildLatestFromHistory(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rows, err := s.gw.ScanHistoryLatestVersions(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.gw.TruncateLatest(ctx); err != nil {
		return 0, err
	}
	if err := s.gw.UpsertLatest(ctx, rows); err != nil {
		return 0, err
	}
	for _, r := range rows {
		s.cache.Put(r)
	}
	return len(rows), nil
}

// FlushDataToDuckdb implements flush_data_to_duckdb() for collection mode.
func (s *CollectionStore) FlushDataToDuckdb(ctx context.Context) {
	s.writeMu.Lock()
	s.rotateIfNeeded()
	s.writeMu.Unlock()
	s.fl.Flush(ctx)
}

// GetStats implements get_stats() for collection mode. HistoryRowCount
// and LatestRowCount come straight from storage_history/storage_latest
// rather than the cache, so they reflect what has actually been
// flushed, not what is still sitting in the write buffer.
func (s *CollectionStore) GetStats(ctx context.Context) CollectionStats {
	size, count, seq := s.wal.Stats()
	segs, _ := walio.ListSegments(s.dateDir)

	historyRows, err := s.gw.CountHistory(ctx)
	if err != nil {
		s.sink.Warnf("collection: count storage_history for stats failed: %v", err)
	}
	latestRows, err := s.gw.ScanLatestAll(ctx)
	if err != nil {
		s.sink.Warnf("collection: scan storage_latest for stats failed: %v", err)
	}

	return CollectionStats{
		CacheSize:       s.cache.Size(),
		PendingWrites:   s.fl.PendingLen(),
		CurrentWalSize:  size,
		CurrentWalCount: count,
		WalFilesCount:   len(segs),
		WalSequence:     seq,
		HistoryRowCount: historyRows,
		LatestRowCount:  len(latestRows),
	}
}

// ItemVersion reports the current maximum storage_history version for
// an identity, or 0 if it has never been stored. Unlike GetItem's
// cached Version field, this reads storage_history directly, so it
// reflects what has actually been flushed rather than what is still
// buffered in the flusher.
func (s *CollectionStore) ItemVersion(ctx context.Context, key, collectionName, itemName string) (int64, error) {
	return s.gw.MaxVersion(ctx, key, collectionName, itemName)
}

// Close implements close() for collection mode: flush to quiescence,
// materialize any remaining tracked changes into storage_latest, close
// the ColDB handles, snapshot both files into the date directory,
// prune expired date directories, and release the instance lock.
func (s *CollectionStore) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosing))

		s.writeMu.Lock()
		s.rotateIfNeeded()
		s.writeMu.Unlock()

		s.fl.Close(ctx)

		if err := s.materializeLatest(ctx); err != nil {
			s.sink.Warnf("collection: final latest materialization failed: %v", err)
		}

		if err := s.wal.Close(); err != nil {
			s.sink.Warnf("collection: failed to close wal segment: %v", err)
		}
		if err := walio.DeleteSegmentsExcept(s.dateDir, ""); err != nil {
			s.sink.Warnf("collection: failed to clean up wal segments on close: %v", err)
		}

		if err := s.gw.Close(); err != nil {
			s.closeErr = err
		}

		if s.closeErr == nil {
			if err := backup.SnapshotInto(s.dateDir, s.gw.HistoryPath(), s.gw.LatestPath()); err != nil {
				s.sink.Errorf("collection: backup snapshot failed: %v", err)
			}
		}

		today, parseErr := timestamp.ParseDateDir(s.dateStr)
		if parseErr != nil {
			today = time.Now().UTC()
		}
		if err := backup.PruneOlderThan(s.baseDir, today, s.cfg.RetainDays, s.sink); err != nil {
			s.sink.Warnf("collection: retention prune failed: %v", err)
		}

		if err := s.lck.Release(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		s.cancel()
		s.state.Store(int32(stateClosed))
	})
	return s.closeErr
}
