package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Event represents one decoded GPU trace event.
type Event struct {
	Name      string                 `json:"name"`
	Category  string                 `json:"cat,omitempty"`
	Phase     string                 `json:"ph,omitempty"`
	Timestamp int64                  `json:"ts"`
	Fields    map[string]interface{} `json:"fields"`

	Raw map[string]interface{} `json:"-"`
}

// Has reports whether the field is present with a non-nil value.
func (e *Event) Has(name string) bool {
	if e == nil || e.Fields == nil {
		return false
	}
	v, ok := e.Fields[name]
	return ok && v != nil
}

// Int returns an integer field. The second result is false when the field is
// absent or cannot be read as an integer.
func (e *Event) Int(name string) (int64, bool) {
	if !e.Has(name) {
		return 0, false
	}
	switch val := e.Fields[name].(type) {
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case float64:
		if val >= math.MaxInt64 || val < math.MinInt64 || val != math.Trunc(val) {
			return 0, false
		}
		return int64(val), true
	case json.Number:
		n, err := val.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// String returns a string field. Numbers are formatted; other types report
// absence.
func (e *Event) String(name string) (string, bool) {
	if !e.Has(name) {
		return "", false
	}
	switch val := e.Fields[name].(type) {
	case string:
		return val, true
	case fmt.Stringer:
		return val.String(), true
	case int, int32, int64, uint32, uint64:
		return fmt.Sprintf("%d", val), true
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val)), true
		}
		return strconv.FormatFloat(val, 'f', -1, 64), true
	default:
		return "", false
	}
}
