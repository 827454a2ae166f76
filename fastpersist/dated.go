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
	"github.com/ariyn/fastpersist/internal/fastpersist/walio"
)

// DatedStoreOptions carries the parameter overrides spec.md §6 names for
// dated Store: process_name/timestamp/username win over whatever data
// carries under the same key, which in turn wins over the store's own
// default (now(), for timestamp; absent otherwise).
type DatedStoreOptions struct {
	ProcessName *string
	Timestamp   any
	Username    *string
}

// DatedStats answers get_stats() for dated mode.
type DatedStats struct {
	CacheSize       int
	PendingWrites   int
	CurrentWalSize  int64
	CurrentWalCount int
	WalFilesCount   int
	WalSequence     int
}

// DatedStore is the Orchestrator (SPEC_FULL.md §4.K) for dated mode: one
// isolated WAL+ColDB tree per calendar date, records keyed by
// (key, process_name).
type DatedStore struct {
	dateStr string
	dateDir string
	dbPath  string
	cfg     config.WALConfig
	sink    events.Sink

	registry *schema.Registry
	lck      *lock.Lock
	gw       *coldb.DatedGateway
	cache    *cache.Dated
	wal      *walio.Writer
	fl       *flusher.Flusher[record.Dated]

	writeMu sync.Mutex
	state   atomic.Int32

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewDatedStore constructs the dated-mode Orchestrator for date, running
// the startup sequence InstanceLock -> ColDbGateway open & health-check
// -> full-table cache rebuild -> WalRecovery -> ColDbGateway upsert ->
// WAL cleanup. The cache is rebuilt from storage_data first so that
// records replayed from the WAL then overwrite it.
// dbPath follows spec.md §6: a relative path is placed inside the date
// directory; an absolute path is used verbatim (the documented
// date-isolation foot-gun).
func NewDatedStore(date time.Time, dbPath string, cfg config.WALConfig, sink events.Sink) (*DatedStore, error) {
	if sink == nil {
		sink = events.Noop()
	}
	cfg = cfg.WithDefaults()
	if dbPath == "" {
		dbPath = "data.duckdb"
	}

	dateStr := timestamp.FormatDateDir(date)
	dateDir := filepath.Join(cfg.BaseDir, dateStr)

	resolvedDBPath := dbPath
	if !filepath.IsAbs(dbPath) {
		resolvedDBPath = filepath.Join(dateDir, filepath.Base(dbPath))
	}

	if err := os.MkdirAll(dateDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir date dir %s: %w", dateDir, err)
	}

	lck, err := lock.Acquire(filepath.Join(dateDir, ".lock"))
	if err != nil {
		return nil, err
	}

	registry, err := schema.New(cfg.ExtraSchema, record.ReservedDatedColumns)
	if err != nil {
		_ = lck.Release()
		return nil, err
	}

	gw, err := coldb.OpenDated(resolvedDBPath, registry)
	if err != nil {
		_ = lck.Release()
		return nil, err
	}

	wal, err := walio.Open(dateDir, cfg.MaxWalSize, cfg.MaxAge(), sink)
	if err != nil {
		_ = gw.Close()
		_ = lck.Release()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &DatedStore{
		dateStr:  dateStr,
		dateDir:  dateDir,
		dbPath:   resolvedDBPath,
		cfg:      cfg,
		sink:     sink,
		registry: registry,
		lck:      lck,
		gw:       gw,
		cache:    cache.NewDated(),
		wal:      wal,
		cancel:   cancel,
	}
	s.state.Store(int32(stateRecovering))

	if err := s.rebuildCacheFromColDB(ctx); err != nil {
		_ = gw.Close()
		_ = lck.Release()
		cancel()
		return nil, err
	}
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

func (s *DatedStore) rebuildCacheFromColDB(ctx context.Context) error {
	rows, err := s.gw.ScanAll(ctx)
	if err != nil {
		return fmt.Errorf("rebuild dated cache from coldb: %w", err)
	}
	for _, r := range rows {
		s.cache.Put(r)
		s.cache.ObserveVersion(record.Identity{Key: r.Key, ProcessName: r.ProcessName}, r.Version)
	}
	return nil
}

func (s *DatedStore) recoverFromWAL(ctx context.Context) error {
	pending := make(map[record.Identity]record.Dated)

	processed, err := walio.ReplayAll(s.dateDir, s.sink, func(raw json.RawMessage) error {
		var line record.DatedWALLine
		if err := json.Unmarshal(raw, &line); err != nil {
			s.sink.Warnf("dated: dropping malformed wal line: %v", err)
			return nil
		}
		r, err := datedRecordFromLine(line)
		if err != nil {
			s.sink.Warnf("dated: dropping unrecoverable wal line for key=%s: %v", line.Key, err)
			return nil
		}
		id := record.Identity{Key: r.Key, ProcessName: r.ProcessName}
		pending[id] = r
		s.cache.Put(r)
		s.cache.ObserveVersion(id, r.Version)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay dated wal: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	batch := make([]record.Dated, 0, len(pending))
	for _, r := range pending {
		batch = append(batch, r)
	}
	if err := s.gw.UpsertBatch(ctx, batch); err != nil {
		s.sink.Warnf("dated: recovery upsert failed, will re-replay next startup: %v", err)
		return nil
	}
	if err := walio.DeleteSegmentsExcept(s.dateDir, ""); err != nil {
		s.sink.Warnf("dated: failed to clean up recovered wal segments %v: %v", processed, err)
	}
	return nil
}

func datedRecordFromLine(line record.DatedWALLine) (record.Dated, error) {
	ts, _, err := timestamp.Normalize(derefOr(line.Timestamp))
	if err != nil {
		return record.Dated{}, err
	}
	r := record.Dated{
		Key:         line.Key,
		ProcessName: line.ProcessName,
		Data:        line.Data,
		Status:      line.Status,
		StatusInt:   line.StatusInt,
		Username:    line.Username,
		UpdatedAt:   time.Now().UTC(),
		Version:     line.Version,
		Extra:       line.Extras,
	}
	if line.Timestamp != nil {
		r.Timestamp = &ts
	}
	if r.Extra == nil {
		r.Extra = map[string]any{}
	}
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	return r, nil
}

func derefOr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// Store implements store() for dated mode (SPEC_FULL.md §4.K, §6):
// normalize timestamps, extract special fields and extra-schema
// columns, assign the next monotonic version for (key, process_name),
// append a self-contained WAL line, and make the write visible in the
// cache before returning.
func (s *DatedStore) Store(key string, data map[string]any, opts DatedStoreOptions) (record.Dated, error) {
	if state(s.state.Load()) != stateReady {
		return record.Dated{}, &errs.ReadOnlyState{State: state(s.state.Load()).String()}
	}
	if key == "" {
		return record.Dated{}, fmt.Errorf("store: key must not be empty")
	}
	if data == nil {
		data = map[string]any{}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	dataCopy := cloneMap(data)
	timestamp.NormalizeInPlace(dataCopy)

	processName := ""
	if opts.ProcessName != nil {
		processName = *opts.ProcessName
	} else if v, ok := dataCopy[record.FieldProcessName].(string); ok {
		processName = v
	}
	dataCopy[record.FieldProcessName] = processName

	tsInput := opts.Timestamp
	if tsInput == nil {
		tsInput = dataCopy[record.FieldTimestamp]
	}
	ts, err := timestamp.NormalizeOrNow(tsInput)
	if err != nil {
		return record.Dated{}, err
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

	id := record.Identity{Key: key, ProcessName: processName}
	version := s.cache.NextVersion(id)

	r := record.Dated{
		Key:         key,
		ProcessName: processName,
		Data:        dataCopy,
		Timestamp:   &ts,
		Status:      status,
		StatusInt:   statusInt,
		Username:    username,
		UpdatedAt:   time.Now().UTC(),
		Version:     version,
		Extra:       extra,
	}

	line := record.DatedWALLine{
		Op:          "put",
		Ts:          timestamp.FormatISO(time.Now().UTC()),
		Key:         key,
		ProcessName: processName,
		Data:        dataCopy,
		Timestamp:   ptrString(timestamp.FormatISO(ts)),
		Status:      status,
		StatusInt:   statusInt,
		Username:    username,
		Version:     version,
		Extras:      extra,
	}
	if err := s.wal.Append(line); err != nil {
		return record.Dated{}, err
	}

	s.cache.Put(r)
	s.fl.Add(r)
	s.rotateIfNeeded()

	return r, nil
}

func (s *DatedStore) rotateIfNeeded() {
	if !s.wal.ShouldRotate() {
		return
	}
	if _, err := s.wal.Rotate(); err != nil {
		s.sink.Warnf("dated: wal rotate failed: %v", err)
	}
}

func (s *DatedStore) flushCycle(ctx context.Context, batch []record.Dated) error {
	if err := s.gw.UpsertBatch(ctx, batch); err != nil {
		return err
	}
	current := s.wal.CurrentPath()
	if err := walio.DeleteSegmentsExcept(s.dateDir, current); err != nil {
		s.sink.Warnf("dated: failed to clean up flushed wal segments: %v", err)
	}
	return nil
}

// GetKey implements get_key(key) for dated mode.
func (s *DatedStore) GetKey(key string) (map[string]*record.Dated, bool) {
	return s.cache.GetKey(key)
}

// GetKeyProcess implements get_key_process(key, process_name?) for dated mode.
func (s *DatedStore) GetKeyProcess(key, processName string) (*record.Dated, bool) {
	return s.cache.GetKeyProcess(key, processName)
}

// FlushDataToDuckdb implements flush_data_to_duckdb(): rotate the
// current segment, then synchronously drain the pending batch.
func (s *DatedStore) FlushDataToDuckdb(ctx context.Context) {
	s.writeMu.Lock()
	s.rotateIfNeeded()
	s.writeMu.Unlock()
	s.fl.Flush(ctx)
}

// GetStats implements get_stats() for dated mode.
func (s *DatedStore) GetStats() DatedStats {
	size, count, seq := s.wal.Stats()
	segs, _ := walio.ListSegments(s.dateDir)
	return DatedStats{
		CacheSize:       s.cache.Size(),
		PendingWrites:   s.fl.PendingLen(),
		CurrentWalSize:  size,
		CurrentWalCount: count,
		WalFilesCount:   len(segs),
		WalSequence:     seq,
	}
}

// Close implements close(): flush to quiescence, export to parquet if
// configured, release the ColDB handle and the instance lock. Idempotent
// after the first call, matching the Init->Recovering->Ready->Closing->Closed
// state machine of SPEC_FULL.md §4.K.
func (s *DatedStore) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosing))

		s.writeMu.Lock()
		s.rotateIfNeeded()
		s.writeMu.Unlock()

		s.fl.Close(ctx)
		if err := s.wal.Close(); err != nil {
			s.sink.Warnf("dated: failed to close wal segment: %v", err)
		}
		if err := walio.DeleteSegmentsExcept(s.dateDir, ""); err != nil {
			s.sink.Warnf("dated: failed to clean up wal segments on close: %v", err)
		}

		if s.cfg.ParquetPath != "" {
			if _, err := s.ExportToParquet(ctx, ""); err != nil {
				s.sink.Errorf("dated: export to parquet on close failed: %v", err)
			}
		}

		if err := s.gw.Close(); err != nil {
			s.closeErr = err
		}
		if err := s.lck.Release(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		s.cancel()
		s.state.Store(int32(stateClosed))
	})
	return s.closeErr
}
