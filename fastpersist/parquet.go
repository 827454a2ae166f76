package fastpersist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet"
	"github.com/apache/arrow/go/v15/parquet/compress"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"

	"github.com/ariyn/fastpersist/internal/fastpersist/errs"
	"github.com/ariyn/fastpersist/internal/fastpersist/record"
	"github.com/ariyn/fastpersist/internal/fastpersist/schema"
	"github.com/ariyn/fastpersist/internal/fastpersist/timestamp"
)

// ExportToParquet implements export_to_parquet(path?) for dated mode:
// drain the pending batch into storage_data, then write one Parquet
// file per distinct process_name under
// "<root>/process_name=<p>/date=<d>/data.parquet", grounded on
// cmd/dbsp/sink_parquet.go's Arrow schema/builder/pqarrow.FileWriter
// pipeline, generalized from one flat inferred schema to the fixed
// dated columns plus the registry's declared extra columns. It returns
// the export root path, or "" if there was nothing to export.
func (s *DatedStore) ExportToParquet(ctx context.Context, path string) (string, error) {
	root := path
	if root == "" {
		root = s.cfg.ParquetPath
	}
	if root == "" {
		return "", &errs.ExportPathMissing{}
	}

	s.fl.Flush(ctx)

	rows, err := s.gw.ScanAll(ctx)
	if err != nil {
		return "", fmt.Errorf("export_to_parquet: scan storage_data: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}

	byProcess := make(map[string][]record.Dated)
	for _, r := range rows {
		byProcess[r.ProcessName] = append(byProcess[r.ProcessName], r)
	}

	arrowSchema := buildDatedArrowSchema(s.registry)

	processNames := make([]string, 0, len(byProcess))
	for p := range byProcess {
		processNames = append(processNames, p)
	}
	sort.Strings(processNames)

	for _, p := range processNames {
		partitionDir := filepath.Join(root, fmt.Sprintf("process_name=%s", partitionValue(p)), fmt.Sprintf("date=%s", s.dateStr))
		if err := writeDatedPartition(partitionDir, arrowSchema, s.registry, s.dateStr, byProcess[p]); err != nil {
			return "", err
		}
	}
	return root, nil
}

func partitionValue(v string) string {
	if v == "" {
		return "_unset"
	}
	return v
}

// buildDatedArrowSchema maps the fixed dated columns plus the
// registry's declared extra columns onto an Arrow schema, following
// the portable-type -> Arrow type mapping cmd/dbsp/sink_parquet.go
// uses for its inferred schema (string/int64/float64, default string).
func buildDatedArrowSchema(reg *schema.Registry) *arrow.Schema {
	fields := []arrow.Field{
		{Name: "key", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "process_name", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "date", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "data", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "timestamp", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "status", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "status_int", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "username", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "updated_at", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "version", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}
	for _, c := range reg.Columns() {
		fields = append(fields, arrow.Field{Name: c.Name, Type: arrowTypeFor(c.PortalType), Nullable: true})
	}
	return arrow.NewSchema(fields, nil)
}

func arrowTypeFor(portable string) arrow.DataType {
	switch portable {
	case "int8", "int16", "int32", "int64", "uint8", "uint16", "uint32", "uint64":
		return arrow.PrimitiveTypes.Int64
	case "float32", "float64":
		return arrow.PrimitiveTypes.Float64
	case "bool":
		return arrow.FixedWidthTypes.Boolean
	default:
		return arrow.BinaryTypes.String
	}
}

func writeDatedPartition(dir string, arrowSchema *arrow.Schema, reg *schema.Registry, dateStr string, rows []record.Dated) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir parquet partition %s: %w", dir, err)
	}
	outPath := filepath.Join(dir, "data.parquet")
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open parquet file %s: %w", outPath, err)
	}
	defer f.Close()

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Zstd))
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
	writer, err := pqarrow.NewFileWriter(arrowSchema, f, props, arrowProps)
	if err != nil {
		return fmt.Errorf("create parquet writer for %s: %w", outPath, err)
	}

	mem := memory.NewGoAllocator()
	builders := make([]array.Builder, len(arrowSchema.Fields()))
	for i, field := range arrowSchema.Fields() {
		builders[i] = array.NewBuilder(mem, field.Type)
	}
	extraCols := reg.Columns()

	for _, r := range rows {
		dataJSON, err := json.Marshal(r.Data)
		if err != nil {
			_ = writer.Close()
			return fmt.Errorf("marshal data for key=%s: %w", r.Key, err)
		}
		builders[0].(*array.StringBuilder).Append(r.Key)
		builders[1].(*array.StringBuilder).Append(r.ProcessName)
		builders[2].(*array.StringBuilder).Append(dateStr)
		builders[3].(*array.StringBuilder).Append(string(dataJSON))
		appendOptionalTimestamp(builders[4].(*array.StringBuilder), r.Timestamp)
		appendOptionalString(builders[5].(*array.StringBuilder), r.Status)
		appendOptionalInt64(builders[6].(*array.Int64Builder), r.StatusInt)
		appendOptionalString(builders[7].(*array.StringBuilder), r.Username)
		builders[8].(*array.StringBuilder).Append(timestamp.FormatISO(r.UpdatedAt))
		builders[9].(*array.Int64Builder).Append(r.Version)

		for i, c := range extraCols {
			appendExtraValue(builders[10+i], c.PortalType, r.Extra[c.Name])
		}
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
	}
	rec := array.NewRecord(arrowSchema, cols, int64(len(rows)))
	defer rec.Release()
	for _, a := range cols {
		a.Release()
	}

	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write parquet record to %s: %w", outPath, err)
	}
	return writer.Close()
}

func appendOptionalString(b *array.StringBuilder, v *string) {
	if v == nil {
		b.AppendNull()
		return
	}
	b.Append(*v)
}

func appendOptionalInt64(b *array.Int64Builder, v *int32) {
	if v == nil {
		b.AppendNull()
		return
	}
	b.Append(int64(*v))
}

func appendOptionalTimestamp(b *array.StringBuilder, v *time.Time) {
	if v == nil {
		b.AppendNull()
		return
	}
	b.Append(timestamp.FormatISO(*v))
}

func appendExtraValue(b array.Builder, portable string, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch builder := b.(type) {
	case *array.StringBuilder:
		builder.Append(fmt.Sprintf("%v", v))
	case *array.Int64Builder:
		if iv, ok := coerceInt64(v); ok {
			builder.Append(iv)
		} else {
			builder.AppendNull()
		}
	case *array.Float64Builder:
		if fv, ok := coerceFloat64(v); ok {
			builder.Append(fv)
		} else {
			builder.AppendNull()
		}
	case *array.BooleanBuilder:
		if bv, ok := v.(bool); ok {
			builder.Append(bv)
		} else {
			builder.AppendNull()
		}
	default:
		b.AppendNull()
	}
}

func coerceInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func coerceFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}
