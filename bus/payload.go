package bus

import (
	"math"
	"reflect"
	"strconv"
)

// EncodablePayload returns payload with every non-finite float replaced by
// its string form ("+Inf", "-Inf" or "NaN") so that it can be encoded as
// JSON. Nested maps and slices are handled. The input is never modified and
// is returned as is when it holds no non-finite values.
func EncodablePayload(payload map[string]any) map[string]any {
	out, changed := encodableMap(payload)
	if !changed {
		return payload
	}
	return out
}

func encodableMap(m map[string]any) (map[string]any, bool) {
	var out map[string]any
	for k, v := range m {
		nv, changed := encodable(v)
		if !changed {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(m))
			for k2, v2 := range m {
				out[k2] = v2
			}
		}
		out[k] = nv
	}
	if out == nil {
		return m, false
	}
	return out, true
}

func encodable(v any) (any, bool) {
	switch x := v.(type) {
	case nil, string, bool, int, int64, uint64:
		return v, false
	case float64:
		return encodableFloat(x)
	case float32:
		return encodableFloat(float64(x))
	case map[string]any:
		return encodableMap(x)
	case []any:
		var out []any
		for i, e := range x {
			ne, changed := encodable(e)
			if !changed {
				continue
			}
			if out == nil {
				out = append([]any(nil), x...)
			}
			out[i] = ne
		}
		if out == nil {
			return v, false
		}
		return out, true
	case []float64:
		for _, f := range x {
			if !isFinite(f) {
				out := make([]any, len(x))
				for i, g := range x {
					out[i], _ = encodableFloat(g)
				}
				return out, true
			}
		}
		return v, false
	}
	// Named float types, such as a custom score type.
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Float32 || rv.Kind() == reflect.Float64 {
		if f := rv.Float(); !isFinite(f) {
			return encodableFloat(f)
		}
	}
	return v, false
}

func encodableFloat(f float64) (any, bool) {
	if isFinite(f) {
		return f, false
	}
	if math.IsNaN(f) {
		return "NaN", true
	}
	return strconv.FormatFloat(f, 'g', -1, 64), true
}

func isFinite(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}
