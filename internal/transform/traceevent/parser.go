package traceevent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gpucallstack/internal/logger"
	"gpucallstack/pkg/models"
)

// envelope keys are consumed into Event fields and not copied into Fields.
var envelope = map[string]struct{}{
	"name": {}, "cat": {}, "ph": {}, "phase": {},
	"ts": {}, "ts_us": {}, "ts_ns": {}, "timestamp": {},
	"args": {}, "fields": {},
}

// Parse converts a JSON trace event into a normalized Event.
//
// Both Chrome trace events ({"name","cat","ph","ts","pid","tid","args"}) and
// flat rows where every attribute sits at the top level are accepted. Entries
// under args and fields are merged into Fields and win over top-level keys of
// the same name.
//
// Event timestamps are nanoseconds. A Chrome event (one carrying "ph") gives
// ts in microseconds, fractions allowed; a flat row gives ts in nanoseconds.
// ts_ns and timestamp are always nanoseconds and ts_us always microseconds.
func Parse(data []byte) (*models.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("trace event is not a JSON object")
	}

	event := &models.Event{
		Name:     getString(raw, "name"),
		Category: getString(raw, "cat"),
		Phase:    getString(raw, "ph", "phase"),
		Fields:   make(map[string]interface{}, len(raw)),
		Raw:      raw,
	}

	_, chrome := raw["ph"]
	ts, ok := timestamp(raw, chrome)
	if !ok {
		logger.Debugf("Trace event without timestamp (name=%s, ph=%s)", event.Name, event.Phase)
	}
	event.Timestamp = ts

	for k, v := range raw {
		if _, skip := envelope[k]; skip {
			continue
		}
		event.Fields[k] = v
	}
	for _, key := range []string{"args", "fields"} {
		if nested, ok := raw[key].(map[string]interface{}); ok {
			for k, v := range nested {
				event.Fields[k] = v
			}
		}
	}

	return event, nil
}

// timestamp returns the event time in nanoseconds. ts is read as
// microseconds when micros is set.
func timestamp(raw map[string]interface{}, micros bool) (int64, bool) {
	for _, key := range []string{"ts_ns", "timestamp"} {
		if v, ok := getInt(raw, key); ok {
			return v, true
		}
	}
	if micros {
		if v, ok := fromMicros(raw["ts"]); ok {
			return v, true
		}
	} else if v, ok := getInt(raw, "ts"); ok {
		return v, true
	}
	return fromMicros(raw["ts_us"])
}

// fromMicros converts a microsecond value to nanoseconds. Whole numbers are
// scaled exactly.
func fromMicros(v interface{}) (int64, bool) {
	if v == nil {
		return 0, false
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil && i <= math.MaxInt64/1000 && i >= math.MinInt64/1000 {
			return i * 1000, true
		}
	}
	f, ok := toFloat(v)
	if !ok || math.Abs(f*1000) >= math.MaxInt64 {
		return 0, false
	}
	return int64(math.Round(f * 1000)), true
}

func getString(root map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		v, ok := root[key]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			return val
		case json.Number:
			return val.String()
		case fmt.Stringer:
			return val.String()
		}
	}
	return ""
}

func getInt(root map[string]interface{}, key string) (int64, bool) {
	v, ok := root[key]
	if !ok || v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, true
		}
		if f, err := val.Float64(); err == nil {
			return int64(f), true
		}
	case float64:
		return int64(val), true
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}
