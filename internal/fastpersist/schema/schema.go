// Package schema validates user-declared extra columns and maps the
// spec's portable type names onto ColDB SQL column types.
//
// Grounded on the portable-type table together with
// original_source/test_extra_schema.py, which exercises exactly this
// reserved-name / unknown-type rejection behavior at construction time.
package schema

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/ariyn/fastpersist/internal/fastpersist/errs"
)

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// sqlTypeByPortableName maps the spec's portable type names onto literal
// SQL column-type text. SQLite's free-form type-affinity system accepts
// these DuckDB-flavored spellings verbatim in CREATE TABLE, so no further
// translation is needed — see SPEC_FULL.md §1.B.
var sqlTypeByPortableName = map[string]string{
	"string":       "VARCHAR",
	"bool":         "BOOLEAN",
	"int8":         "TINYINT",
	"int16":        "SMALLINT",
	"int32":        "INTEGER",
	"int64":        "BIGINT",
	"uint8":        "UTINYINT",
	"uint16":       "USMALLINT",
	"uint32":       "UINTEGER",
	"uint64":       "UBIGINT",
	"float32":      "FLOAT",
	"float64":      "DOUBLE",
	"timestamp[s]": "TIMESTAMP",
	"timestamp[ms]": "TIMESTAMP",
	"timestamp[us]": "TIMESTAMP",
	"timestamp[ns]": "TIMESTAMP",
	"date32":       "DATE",
	"date64":       "DATE",
}

// Column is one declared extra-schema column, ready for DDL and for
// binding values extracted from a record's Data map.
type Column struct {
	Name       string
	PortalType string
	SQLType    string
}

// Registry validates and holds the extra-schema declaration for one
// store instance.
type Registry struct {
	columns []Column
	byName  map[string]Column
}

// New validates decl against the given reserved-name set and builds a
// Registry. decl maps column name to portable type name. An empty or nil
// decl is valid and produces an empty Registry.
func New(decl map[string]string, reserved map[string]bool) (*Registry, error) {
	r := &Registry{byName: make(map[string]Column, len(decl))}

	names := make([]string, 0, len(decl))
	for name := range decl {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic DDL column order

	for _, name := range names {
		portable := decl[name]
		if !identifierRE.MatchString(name) {
			return nil, &errs.ExtraSchemaError{Column: name, Reason: "not a legal identifier"}
		}
		if reserved[name] {
			return nil, &errs.ExtraSchemaError{Column: name, Reason: "reserved column name"}
		}
		sqlType, ok := sqlTypeByPortableName[portable]
		if !ok {
			return nil, &errs.ExtraSchemaError{Column: name, Reason: fmt.Sprintf("unrecognized portable type %q", portable)}
		}
		col := Column{Name: name, PortalType: portable, SQLType: sqlType}
		r.columns = append(r.columns, col)
		r.byName[name] = col
	}
	return r, nil
}

// Columns returns the declared columns in stable (name-sorted) order.
func (r *Registry) Columns() []Column {
	return r.columns
}

// DDLFragment returns ", name SQLTYPE, ..." ready to splice into a
// CREATE TABLE statement, or "" if there are no extra columns.
func (r *Registry) DDLFragment() string {
	frag := ""
	for _, c := range r.columns {
		frag += fmt.Sprintf(", %s %s", c.Name, c.SQLType)
	}
	return frag
}

// Extract pulls the declared columns' values out of data by name, for
// storage in their own typed columns. Missing keys map to nil.
func (r *Registry) Extract(data map[string]any) map[string]any {
	out := make(map[string]any, len(r.columns))
	for _, c := range r.columns {
		out[c.Name] = data[c.Name]
	}
	return out
}

// ValidateValue rejects a collection-mode value that does not map onto
// exactly one of value_int/value_float/value_string. Unlike the Python
// original — where bool is an int subclass and silently lands in
// value_int — this is a Go-idiomatic tightening: a bool argument is
// rejected outright rather than coerced, since record.ValueOf has no
// bool case to fall into.
func ValidateValue(v any) error {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case int, int32, int64, float32, float64, string:
		return nil
	default:
		return fmt.Errorf("unsupported value type %T for collection value", v)
	}
}
