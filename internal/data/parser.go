// internal/data/parser.go
package data

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrMalformedPayload is returned when a payload is not a JSON object.
var ErrMalformedPayload = errors.New("malformed payload")

// ParsePayload decodes raw into a generic JSON object. Numbers are kept as
// json.Number so large integers survive until ToFloat.
func ParsePayload(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(ErrMalformedPayload, err.Error())
	}
	if doc == nil {
		return nil, errors.Wrap(ErrMalformedPayload, "payload is not an object")
	}
	return doc, nil
}

// ResolvePath walks a dot-separated path ("a.b.c") through nested objects.
func ResolvePath(doc map[string]interface{}, path string) (interface{}, bool) {
	if doc == nil || path == "" {
		return nil, false
	}
	var cur interface{} = doc
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ExtractMapped resolves every mapping entry against doc. Metrics whose path
// does not resolve are omitted rather than set to nil.
func ExtractMapped(doc map[string]interface{}, mapping map[string]string) map[string]interface{} {
	values := make(map[string]interface{}, len(mapping))
	for metric, path := range mapping {
		v, ok := ResolvePath(doc, path)
		if !ok || v == nil {
			continue
		}
		if n, isNum := v.(json.Number); isNum {
			if f, err := n.Float64(); err == nil {
				v = f
			}
		}
		values[metric] = v
	}
	return values
}

// PayloadTimestamp reads a top-level "timestamp" field given either as an
// RFC3339 string or as epoch milliseconds.
func PayloadTimestamp(doc map[string]interface{}) (time.Time, bool) {
	raw, ok := doc["timestamp"]
	if !ok {
		return time.Time{}, false
	}
	switch ts := raw.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t, true
		}
	case json.Number:
		if ms, err := ts.Int64(); err == nil {
			return time.UnixMilli(ms), true
		}
	case float64:
		return time.UnixMilli(int64(ts)), true
	}
	return time.Time{}, false
}

// ToFloat coerces a metric value to float64. Numeric-looking strings are
// accepted; booleans, objects and NaN are not.
func ToFloat(v interface{}) (float64, bool) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int8:
		f = float64(val)
	case int16:
		f = float64(val)
	case int32:
		f = float64(val)
	case int64:
		f = float64(val)
	case uint:
		f = float64(val)
	case uint8:
		f = float64(val)
	case uint16:
		f = float64(val)
	case uint32:
		f = float64(val)
	case uint64:
		f = float64(val)
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
