package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a JSON object column. It scans from TEXT/BLOB/JSONB and stores
// as serialized JSON; a nil map round-trips as SQL NULL. Values are produced
// as strings, not []byte: lib/pq encodes []byte parameters in bytea format,
// which would corrupt TEXT and JSONB columns.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil {
		return err
	}
	if b == nil {
		*m = nil
		return nil
	}
	out := make(map[string]any)
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	*m = out
	return nil
}

// Clone returns a deep copy of the map. Nested maps and slices are copied;
// scalar values are shared (they are immutable once decoded from JSON).
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// CloneAny deep-copies a JSON-shaped value (maps and slices copied,
// scalars shared).
func CloneAny(v any) any { return cloneValue(v) }

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case JSONMap:
		return map[string]any(t.Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// StringList is a JSON array-of-strings column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encode string list: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil {
		return err
	}
	if b == nil {
		*l = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("decode string list: %w", err)
	}
	*l = out
	return nil
}

// Contains reports whether the list holds s.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

func jsonBytes(src any) ([]byte, error) {
	switch t := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		if len(t) == 0 {
			return nil, nil
		}
		return t, nil
	case string:
		if t == "" {
			return nil, nil
		}
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("unsupported json column type %T", src)
	}
}
