package schema

import (
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Decoding tolerates schema drift in aggregation results: a field may appear
// under its logical name, a lowercased variant, or its physical storage name.
// Callers degrade by leaving the field unset when none resolve.

func lookupValue(raw bson.M, names ...string) (interface{}, bool) {
	for _, name := range names {
		if name == "" {
			continue
		}
		if v, ok := raw[name]; ok && v != nil {
			return v, true
		}
		if v, ok := raw[strings.ToLower(name)]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Float resolves a numeric field, coercing the numeric BSON types and the
// stringified decimals older ingest clients wrote.
func Float(raw bson.M, names ...string) (float64, bool) {
	v, ok := lookupValue(raw, names...)
	if !ok {
		return 0, false
	}
	return coerceFloat(v)
}

func coerceFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func Bool(raw bson.M, names ...string) (bool, bool) {
	v, ok := lookupValue(raw, names...)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func String(raw bson.M, names ...string) (string, bool) {
	v, ok := lookupValue(raw, names...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func Int(raw bson.M, names ...string) (int, bool) {
	f, ok := Float(raw, names...)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Time resolves a timestamp field stored as a BSON datetime.
func Time(raw bson.M, names ...string) (time.Time, bool) {
	v, ok := lookupValue(raw, names...)
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC(), true
	case time.Time:
		return t.UTC(), true
	default:
		return time.Time{}, false
	}
}

// FloatList resolves a list of numeric values (moisture probe readings).
func FloatList(raw bson.M, names ...string) ([]float64, bool) {
	v, ok := lookupValue(raw, names...)
	if !ok {
		return nil, false
	}
	arr, ok := v.(primitive.A)
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(arr))
	for _, item := range arr {
		f, ok := coerceFloat(item)
		if !ok {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

// DocList resolves a list of sub-documents (relay/pump banks).
func DocList(raw bson.M, names ...string) ([]bson.M, bool) {
	v, ok := lookupValue(raw, names...)
	if !ok {
		return nil, false
	}
	arr, ok := v.(primitive.A)
	if !ok {
		return nil, false
	}
	out := make([]bson.M, 0, len(arr))
	for _, item := range arr {
		switch doc := item.(type) {
		case bson.M:
			out = append(out, doc)
		case bson.D:
			m := bson.M{}
			for _, e := range doc {
				m[e.Key] = e.Value
			}
			out = append(out, m)
		default:
			return nil, false
		}
	}
	return out, true
}
