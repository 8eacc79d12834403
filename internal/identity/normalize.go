// Package identity normalizes the heterogeneous identifier shapes the
// upstream backend emits (plain strings, numbers, database-object wrappers)
// into one canonical string form, and keeps the reversible mapping back to
// whatever form the backend expects on the wire.
package identity

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Normalize converts a decoded identifier value to its canonical string
// form. Ordered fallbacks:
//  1. string: used as-is (trimmed)
//  2. number: decimal string form
//  3. object with a "$oid" hex string accessor: the hex string
//  4. object with a nested "_id": normalized recursively
//  5. anything else: compact JSON encoding (key order is stable, so the
//     result is deterministic)
//
// It never panics and never returns "" for a non-nil input; a malformed id
// degrades to its JSON encoding rather than aborting the caller.
func Normalize(raw interface{}) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		n, _ := json.Marshal(v)
		return string(n)
	case int:
		n, _ := json.Marshal(v)
		return string(n)
	case int64:
		n, _ := json.Marshal(v)
		return string(n)
	case map[string]interface{}:
		if oid, ok := v["$oid"].(string); ok && oid != "" {
			return oid
		}
		if nested, ok := v["_id"]; ok {
			if s := Normalize(nested); s != "" {
				return s
			}
		}
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// NormalizeRaw decodes an undecoded JSON identifier and normalizes it.
// Numbers are decoded via json.Number so "7" and 7 normalize identically.
// Undecodable input falls back to its trimmed textual form.
func NormalizeRaw(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return strings.TrimSpace(string(trimmed))
	}
	return Normalize(v)
}
