// Package timestamp normalizes date/time-like values into UTC moments.
//
// Grounded on original_source/fast_persist_common.py's parse_timestamp:
// ISO-8601 text is accepted with or without an offset, "Z" is treated as
// "+00:00", and a naive result is assumed to be UTC rather than local
// time.
package timestamp

import (
	"fmt"
	"strings"
	"time"

	"github.com/ariyn/fastpersist/internal/fastpersist/errs"
)

const dateOnlyLayout = "2006-01-02"

// Normalize accepts nil, a time.Time, or an ISO-8601 / date-only string
// and returns a UTC moment. nil input returns the zero time with ok=false
// and no error, meaning "not supplied".
func Normalize(v any) (t time.Time, ok bool, err error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return x.UTC(), true, nil
	case *time.Time:
		if x == nil {
			return time.Time{}, false, nil
		}
		return x.UTC(), true, nil
	case string:
		return normalizeString(x)
	default:
		return time.Time{}, false, &errs.BadTimestamp{Value: v}
	}
}

func normalizeString(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, nil
	}

	normalized := strings.Replace(s, "Z", "+00:00", 1)

	if t, err := time.Parse(time.RFC3339Nano, normalized); err == nil {
		return t.UTC(), true, nil
	}
	if t, err := time.Parse(time.RFC3339, normalized); err == nil {
		return t.UTC(), true, nil
	}
	// Naive datetime (no offset): assume UTC.
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t.UTC(), true, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC(), true, nil
	}
	// Date-only: midnight UTC.
	if t, err := time.Parse(dateOnlyLayout, s); err == nil {
		return t.UTC(), true, nil
	}

	return time.Time{}, false, &errs.BadTimestamp{Value: s}
}

// FormatISO renders a UTC moment as the ISO-8601 string the WAL and
// ColDB store it as.
func FormatISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NormalizeInPlace walks a data mapping recursively, rewriting in place
// every string Normalize accepts (RFC 3339, naive ISO-8601 datetimes
// and "YYYY-MM-DD" dates) as its UTC ISO-8601 form. Unlike Normalize,
// parse failures here are not errors — a string that merely looks
// timestamp-adjacent but isn't one (free text, a note) is left untouched
// rather than rejected.
func NormalizeInPlace(data map[string]any) {
	for k, v := range data {
		data[k] = normalizeValueInPlace(v)
	}
}

func normalizeValueInPlace(v any) any {
	switch x := v.(type) {
	case string:
		if t, ok, err := normalizeString(x); err == nil && ok {
			return FormatISO(t)
		}
		return x
	case map[string]any:
		NormalizeInPlace(x)
		return x
	case []any:
		for i, item := range x {
			x[i] = normalizeValueInPlace(item)
		}
		return x
	default:
		return v
	}
}

// NormalizeOrNow normalizes v; if v is absent (nil/empty), returns the
// current moment instead, matching the store() default of
// datetime.now().isoformat() when no timestamp is available anywhere.
func NormalizeOrNow(v any) (time.Time, error) {
	t, ok, err := Normalize(v)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Now().UTC(), nil
	}
	return t, nil
}

// ParseDateDir parses a "YYYY-MM-DD" directory name into the date it names.
func ParseDateDir(name string) (time.Time, error) {
	t, err := time.Parse(dateOnlyLayout, name)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date directory %q: %w", name, err)
	}
	return t, nil
}

// FormatDateDir renders a moment as the "YYYY-MM-DD" directory name.
func FormatDateDir(t time.Time) string {
	return t.UTC().Format(dateOnlyLayout)
}
