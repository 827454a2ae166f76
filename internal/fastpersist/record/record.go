// Package record defines the shapes written through the WAL and stored in ColDB.
package record

import "time"

// Field names for the metadata values the core lifts out of Data without
// removing them from it. Mirrors the StorageKeys enum of the original
// Python implementation, reduced to plain string constants since Go has
// no first-class string enum and these are only ever used as map keys.
const (
	FieldProcessName = "process_name"
	FieldTimestamp   = "timestamp"
	FieldStatus      = "status"
	FieldStatusInt   = "status_int"
	FieldUsername    = "username"
)

// Dated is one row of dated-mode storage, identified by (Key, ProcessName).
type Dated struct {
	Key         string
	ProcessName string // "" means unspecified
	Data        map[string]any
	Timestamp   *time.Time
	Status      *string
	StatusInt   *int32
	Username    *string
	UpdatedAt   time.Time
	Version     int64
	Extra       map[string]any // declared extra-schema columns, by name
}

// Identity is the dated-mode composite primary key.
type Identity struct {
	Key         string
	ProcessName string
}

// ValueKind tags the runtime type routing of a collection-mode scalar value.
type ValueKind int

const (
	ValueNone ValueKind = iota
	ValueInt
	ValueFloat
	ValueString
)

// Value is a tagged scalar stored in exactly one of value_int/value_float/value_string.
type Value struct {
	Kind   ValueKind
	Int    int64
	Float  float64
	String string
}

// ValueOf classifies a native Go value the way the original routes
// isinstance(value, int/float/str) checks, with one deliberate divergence:
// Go's bool is not a subtype of any numeric type, so unlike the Python
// original (where bool is an int subclass and silently lands in
// value_int), a bool argument here is rejected by the caller before it
// ever reaches ValueOf — see schema.ValidateValue.
func ValueOf(v any) Value {
	switch x := v.(type) {
	case nil:
		return Value{Kind: ValueNone}
	case int:
		return Value{Kind: ValueInt, Int: int64(x)}
	case int32:
		return Value{Kind: ValueInt, Int: int64(x)}
	case int64:
		return Value{Kind: ValueInt, Int: x}
	case float32:
		return Value{Kind: ValueFloat, Float: float64(x)}
	case float64:
		return Value{Kind: ValueFloat, Float: x}
	case string:
		return Value{Kind: ValueString, String: x}
	default:
		return Value{Kind: ValueNone}
	}
}

// Native returns the value as a plain Go value suitable for re-inserting
// into a Data mapping (e.g. after a lazy collection load).
func (v Value) Native() any {
	switch v.Kind {
	case ValueInt:
		return v.Int
	case ValueFloat:
		return v.Float
	case ValueString:
		return v.String
	default:
		return nil
	}
}

// CollectionItem is one row of collection-mode storage, identified by
// (Key, CollectionName, ItemName).
type CollectionItem struct {
	Key            string
	CollectionName string // "" means default/unnamed collection
	ItemName       string // "" means default/unnamed item
	Data           map[string]any
	Value          Value
	Timestamp      *time.Time
	Status         *string
	StatusInt      *int32
	Username       *string
	UpdatedAt      time.Time
	Version        int64
	Extra          map[string]any
}

// ItemIdentity is the collection-mode composite primary key.
type ItemIdentity struct {
	Key            string
	CollectionName string
	ItemName       string
}

// ReservedDatedColumns lists columns that cannot be used as extra-schema names in dated mode.
var ReservedDatedColumns = map[string]bool{
	"key": true, "process_name": true, "data": true, "timestamp": true,
	"status": true, "status_int": true, "username": true, "updated_at": true, "version": true,
}

// ReservedCollectionColumns lists columns that cannot be used as extra-schema names in collection mode.
var ReservedCollectionColumns = map[string]bool{
	"key": true, "collection_name": true, "item_name": true, "data": true,
	"value_int": true, "value_float": true, "value_string": true,
	"timestamp": true, "status": true, "status_int": true, "username": true,
	"updated_at": true, "version": true,
}
