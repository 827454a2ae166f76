// Package errs holds the error taxonomy shared by dated and collection stores.
package errs

import "fmt"

// ExtraSchemaError is raised at construction when an extra-schema column
// name is reserved, malformed, or declares an unrecognized portable type.
type ExtraSchemaError struct {
	Column string
	Reason string
}

func (e *ExtraSchemaError) Error() string {
	return fmt.Sprintf("extra schema column %q: %s", e.Column, e.Reason)
}

// InstanceLocked is raised when another process holds the instance lock
// for this storage scope. Age is how long ago the lock file was last
// modified, so operators can judge whether it is stale.
type InstanceLocked struct {
	Path string
	Age  string
}

func (e *InstanceLocked) Error() string {
	return fmt.Sprintf("instance lock held: %s (age %s); remove manually after verifying no live process holds it", e.Path, e.Age)
}

// DbCorrupt is raised when the ColDB integrity probe fails on open.
type DbCorrupt struct {
	Path   string
	Table  string
	Reason error
}

func (e *DbCorrupt) Error() string {
	return fmt.Sprintf("database %s (table %s) failed integrity probe: %v; delete the file, then call rebuild_history_from_wal and rebuild_latest_from_history to recover", e.Path, e.Table, e.Reason)
}

func (e *DbCorrupt) Unwrap() error { return e.Reason }

// WalIoError is raised when a WAL append or fsync fails; the record is
// not acknowledged, cached, or tracked.
type WalIoError struct {
	Path   string
	Reason error
}

func (e *WalIoError) Error() string {
	return fmt.Sprintf("wal io error on %s: %v", e.Path, e.Reason)
}

func (e *WalIoError) Unwrap() error { return e.Reason }

// BadTimestamp is raised when an input timestamp fails normalization.
type BadTimestamp struct {
	Value any
}

func (e *BadTimestamp) Error() string {
	return fmt.Sprintf("could not normalize timestamp value %#v", e.Value)
}

// ExportPathMissing is raised when a Parquet export is requested without
// a configured or supplied target path.
type ExportPathMissing struct{}

func (e *ExportPathMissing) Error() string {
	return "export_to_parquet: no parquet_path configured and none supplied"
}

// ReadOnlyState is raised when store() is called outside the Ready state.
type ReadOnlyState struct {
	State string
}

func (e *ReadOnlyState) Error() string {
	return fmt.Sprintf("store rejected: instance is in state %s, not Ready", e.State)
}
