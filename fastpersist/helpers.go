package fastpersist

// cloneMap deep-copies m so that timestamp.NormalizeInPlace's in-place
// rewriting of nested maps/slices never reaches back into the caller's
// own data argument.
func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func ptrString(s string) *string { return &s }

func extractString(data map[string]any, field string) *string {
	v, ok := data[field]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

func extractInt32(data map[string]any, field string) *int32 {
	v, ok := data[field]
	if !ok || v == nil {
		return nil
	}
	switch x := v.(type) {
	case int32:
		return &x
	case int:
		n := int32(x)
		return &n
	case int64:
		n := int32(x)
		return &n
	case float64:
		n := int32(x)
		return &n
	default:
		return nil
	}
}

func extractValue(data map[string]any, field string) any {
	v, ok := data[field]
	if !ok {
		return nil
	}
	return v
}
