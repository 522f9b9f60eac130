package keys

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Key is an ordered sequence of values identifying a query. Elements may be
// strings, numbers, booleans, nil, nested map[string]any or []any. Two keys
// identify the same query iff they are structurally equal.
type Key []any

// Hash returns a deterministic canonical encoding of the key, usable as a
// registry key. Maps are encoded with their keys sorted, so insertion order
// never affects the result, and integer-valued floats encode the same as
// integers.
func Hash(k Key) string {
	var sb strings.Builder
	encodeValue(&sb, []any(k))
	return sb.String()
}

// Equal reports whether two keys are structurally equal.
func Equal(a, b Key) bool {
	return Hash(a) == Hash(b)
}

// MatchesPrefix reports whether key matches the given prefix filter: every
// positional element of filter must structurally equal the corresponding
// element of key. An empty filter matches every key.
func MatchesPrefix(key, filter Key) bool {
	if len(filter) > len(key) {
		return false
	}
	for i, f := range filter {
		if encodeToString(key[i]) != encodeToString(f) {
			return false
		}
	}
	return true
}

func encodeToString(v any) string {
	var sb strings.Builder
	encodeValue(&sb, v)
	return sb.String()
}

func encodeValue(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(t))
	case string:
		encodeString(sb, t)
	case int:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int8:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		sb.WriteString(strconv.FormatInt(t, 10))
	case uint:
		sb.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		sb.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		sb.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		sb.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		sb.WriteString(strconv.FormatUint(t, 10))
	case float32:
		encodeFloat(sb, float64(t))
	case float64:
		encodeFloat(sb, t)
	case json.Number:
		sb.WriteString(t.String())
	case Key:
		encodeSlice(sb, []any(t))
	case []any:
		encodeSlice(sb, t)
	case map[string]any:
		encodeMap(sb, t)
	default:
		// Uncommon element types (structs, typed slices) fall back to the
		// JSON encoder. Marshal errors encode as null rather than failing:
		// the codec has no error path.
		data, err := json.Marshal(t)
		if err != nil {
			sb.WriteString("null")
			return
		}
		sb.Write(data)
	}
}

// encodeFloat writes integer-valued floats without a fractional part so that
// Key{"page", 1} and Key{"page", 1.0} hash identically. Values outside the
// int64 range keep the float form: converting them would overflow with an
// implementation-specific result. NaN and infinities never take the integer
// form.
func encodeFloat(sb *strings.Builder, f float64) {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		sb.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

func encodeString(sb *strings.Builder, s string) {
	data, _ := json.Marshal(s)
	sb.Write(data)
}

func encodeSlice(sb *strings.Builder, vals []any) {
	sb.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			sb.WriteByte(',')
		}
		encodeValue(sb, v)
	}
	sb.WriteByte(']')
}

func encodeMap(sb *strings.Builder, m map[string]any) {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	sb.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			sb.WriteByte(',')
		}
		encodeString(sb, name)
		sb.WriteByte(':')
		encodeValue(sb, m[name])
	}
	sb.WriteByte('}')
}
