// Package chrometrace writes call-stack rows as a Chrome trace JSON document
// that chrome://tracing and Perfetto can open.
//
// Each top-level namespace entry becomes a trace process and each call-stack
// leaf becomes a thread of that process. Intervals become complete ("X")
// events on their leaf's thread. Row timestamps are taken as nanoseconds.
package chrometrace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gpucallstack/internal/callstack"
	"gpucallstack/internal/logger"
	"gpucallstack/pkg/models"
)

// Phase constants
const (
	PhaseComplete = "X"
	PhaseMetadata = "M"
)

// Event is a Chrome trace event.
type Event struct {
	Name      string                 `json:"name"`
	Category  string                 `json:"cat,omitempty"`
	Phase     string                 `json:"ph"`
	Timestamp float64                `json:"ts"`
	Duration  float64                `json:"dur,omitempty"`
	ProcessID int                    `json:"pid"`
	ThreadID  int                    `json:"tid"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

// Writer streams events into a single {"traceEvents":[...]} document. The
// document is terminated by Close.
type Writer struct {
	mu         sync.Mutex
	file       io.WriteCloser
	buf        *bufio.Writer
	wroteFirst bool
	closed     bool
	pids       map[string]int
}

// NewWriter creates the trace file at path.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}
	w, err := newWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	logger.Infof("Chrome trace writer initialized: %s", path)
	return w, nil
}

func newWriter(f io.WriteCloser) (*Writer, error) {
	w := &Writer{
		file: f,
		buf:  bufio.NewWriter(f),
		pids: make(map[string]int),
	}
	if _, err := io.WriteString(w.buf, `{"displayTimeUnit":"ns","traceEvents":[`); err != nil {
		return nil, fmt.Errorf("write trace header: %w", err)
	}
	return w, nil
}

// WriteRows converts rows into trace events.
func (w *Writer) WriteRows(rows []*models.Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("chrome trace writer is closed")
	}
	for _, row := range rows {
		if row == nil {
			continue
		}
		ev, ok := w.convert(row)
		if !ok {
			continue
		}
		if err := w.writeEvent(ev); err != nil {
			return err
		}
	}
	return w.buf.Flush()
}

// Close terminates the document and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if _, err := io.WriteString(w.buf, "\n]}\n"); err != nil {
		w.file.Close()
		return fmt.Errorf("write trace footer: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("flush trace file: %w", err)
	}
	return w.file.Close()
}

func (w *Writer) convert(row *models.Row) (*Event, bool) {
	labels := row.Labels
	if len(labels) == 0 {
		labels = models.SplitPath(row.Path)
	}
	if len(labels) == 0 {
		return nil, false
	}
	pid := w.pid(labels[0])

	switch row.RecordType {
	case models.RecordNode:
		if len(labels) == 1 {
			return &Event{
				Name:      "process_name",
				Phase:     PhaseMetadata,
				ProcessID: pid,
				Args:      map[string]interface{}{"name": labels[0]},
			}, true
		}
		if row.Label != callstack.StackLabel {
			return nil, false
		}
		return &Event{
			Name:      "thread_name",
			Phase:     PhaseMetadata,
			ProcessID: pid,
			ThreadID:  row.Quark,
			Args:      map[string]interface{}{"name": threadName(labels)},
		}, true
	case models.RecordInterval:
		return &Event{
			Name:      row.Label,
			Category:  "callstack",
			Phase:     PhaseComplete,
			Timestamp: micros(row.Start),
			Duration:  micros(row.End - row.Start),
			ProcessID: pid,
			ThreadID:  row.Quark,
			Args:      map[string]interface{}{"depth": row.Depth},
		}, true
	default:
		return nil, false
	}
}

// pid assigns process ids in order of first appearance, starting at 1.
func (w *Writer) pid(top string) int {
	if id, ok := w.pids[top]; ok {
		return id
	}
	id := len(w.pids) + 1
	w.pids[top] = id
	return id
}

func (w *Writer) writeEvent(ev *Event) error {
	delim := ",\n"
	if !w.wroteFirst {
		delim = "\n"
		w.wroteFirst = true
	}
	if _, err := io.WriteString(w.buf, delim); err != nil {
		return fmt.Errorf("write event delimiter: %w", err)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := w.buf.Write(b); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// threadName drops the process segment and the trailing stack label.
func threadName(labels []string) string {
	inner := labels[1:]
	if n := len(inner); n > 0 && inner[n-1] == callstack.StackLabel {
		inner = inner[:n-1]
	}
	if len(inner) == 0 {
		return labels[0]
	}
	return strings.Join(inner, " / ")
}

func micros(ns int64) float64 {
	return float64(ns) / 1000
}
