package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gpucallstack"

var (
	// eventsTotal counts applied events.
	// Labels: kind (handler kind, or "none"), outcome (opened, closed, skipped, unmatched, unrouted)
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "total",
		Help:      "Trace events applied to the call-stack model",
	}, []string{"kind", "outcome"})

	filteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "filtered_total",
		Help:      "Trace events dropped by the rule filter",
	})

	parseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "parse_errors_total",
		Help:      "Payloads that could not be decoded as trace events",
	})

	intervalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "model",
		Name:      "intervals_total",
		Help:      "Closed call-stack intervals",
	})

	nodesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "model",
		Name:      "namespace_nodes_total",
		Help:      "Namespace nodes created",
	})

	openFrames = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "model",
		Name:      "open_frames",
		Help:      "Frames currently open across all stacks",
	})

	flushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "model",
		Name:      "flushed_frames_total",
		Help:      "Frames closed by the end-of-trace flush",
	})

	// Labels: sink (writer name)
	rowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "output",
		Name:      "rows_written_total",
		Help:      "Rows handed to a writer successfully",
	}, []string{"sink"})

	// Labels: sink (writer name)
	writeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "output",
		Name:      "write_failures_total",
		Help:      "Failed batch writes, including retried ones",
	}, []string{"sink"})
)

// RecordEvent counts one applied event.
func RecordEvent(kind, outcome string) {
	if kind == "" {
		kind = "none"
	}
	eventsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordFiltered counts one filtered event.
func RecordFiltered() {
	filteredTotal.Inc()
}

// RecordParseError counts one undecodable payload.
func RecordParseError() {
	parseErrorsTotal.Inc()
}

// RecordInterval counts one closed interval.
func RecordInterval() {
	intervalsTotal.Inc()
}

// RecordNode counts one new namespace node.
func RecordNode() {
	nodesTotal.Inc()
}

// SetOpenFrames reports the current open frame count.
func SetOpenFrames(n int) {
	openFrames.Set(float64(n))
}

// RecordFlushed counts frames closed at end of trace.
func RecordFlushed(n int) {
	flushedTotal.Add(float64(n))
}

// RecordWrite counts a batch write attempt for sink.
func RecordWrite(sink string, rows int, err error) {
	if err != nil {
		writeFailures.WithLabelValues(sink).Inc()
		return
	}
	rowsWritten.WithLabelValues(sink).Add(float64(rows))
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
