// Package metrics provides Prometheus instrumentation for the tributary
// runtime.
//
// All collectors hang off a Registry that the process (or a test) owns, so
// several engines can run in one binary without sharing counters.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LatencyBucketsMs are the end-to-end latency bucket bounds in milliseconds.
// Bounds are inclusive upper bounds; 0 gets its own bucket.
var LatencyBucketsMs = []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1000, 2000, 5000, 10000, 20000, 60000}

// Registry holds every collector the runtime reports.
type Registry struct {
	gatherer prometheus.Gatherer

	// Pipeline ingress: buffers in, and whether they carried a timestamp.
	BuffersIn        *prometheus.CounterVec
	TimestampPresent *prometheus.CounterVec
	TimestampMissing *prometheus.CounterVec

	// Per-operator processing.
	RowsProcessed    *prometheus.CounterVec
	BatchesProcessed *prometheus.CounterVec
	BatchLatency     *prometheus.HistogramVec
	Errors           *prometheus.CounterVec

	// Sequencer.
	SequencerDropped *prometheus.CounterVec
	SequencerPending *prometheus.GaugeVec

	// Aggregation and windows.
	MalformedRecords *prometheus.CounterVec
	WindowsTriggered *prometheus.CounterVec
	LateRecords      *prometheus.CounterVec

	// Buffer pool.
	PoolInUse prometheus.Gauge

	// Sinks.
	SinkOut     *prometheus.CounterVec
	SinkLatency *prometheus.HistogramVec
}

// NewRegistry creates a registry backed by a fresh prometheus.Registry that
// also exports Go runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewRegistryWith(reg, reg)
}

// NewRegistryWith registers the runtime collectors on reg.
func NewRegistryWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		gatherer: gatherer,

		BuffersIn: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tributary_pipeline_in_total",
			Help: "Buffers handed to a pipeline stage",
		}, []string{"pipeline"}),
		TimestampPresent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tributary_pipeline_ts_present_in_total",
			Help: "Buffers arriving with an ingress timestamp",
		}, []string{"pipeline"}),
		TimestampMissing: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tributary_pipeline_ts_missing_in_total",
			Help: "Buffers arriving without an ingress timestamp",
		}, []string{"pipeline"}),

		RowsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tributary_rows_processed_total",
			Help: "Total number of rows processed by operator",
		}, []string{"pipeline", "operator"}),
		BatchesProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tributary_batches_processed_total",
			Help: "Total number of batches processed by operator",
		}, []string{"pipeline", "operator"}),
		BatchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tributary_batch_latency_seconds",
			Help:    "Latency of one Execute call in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"pipeline"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tributary_errors_total",
			Help: "Total number of execution errors by pipeline",
		}, []string{"pipeline", "kind"}),

		SequencerDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tributary_sequencer_dropped_total",
			Help: "Buffers dropped by a sequencer",
		}, []string{"pipeline", "reason"}),
		SequencerPending: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tributary_sequencer_pending",
			Help: "Buffers held by a sequencer waiting for a gap to close",
		}, []string{"pipeline"}),

		MalformedRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tributary_aggregation_malformed_total",
			Help: "Records skipped because an aggregate could not read them",
		}, []string{"pipeline", "aggregate"}),
		WindowsTriggered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tributary_windows_triggered_total",
			Help: "Windows finalized and emitted",
		}, []string{"pipeline"}),

		LateRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tributary_window_late_records_total",
			Help: "Records dropped because their windows had already fired",
		}, []string{"pipeline"}),

		PoolInUse: f.NewGauge(prometheus.GaugeOpts{
			Name: "tributary_buffer_pool_in_use",
			Help: "Buffers currently acquired from the pool",
		}),

		SinkOut: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tributary_sink_out_total",
			Help: "Records written by a sink",
		}, []string{"sink"}),
		SinkLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tributary_sink_latency_milliseconds",
			Help:    "Ingress-to-sink latency in milliseconds",
			Buckets: LatencyBucketsMs,
		}, []string{"sink"}),
	}
}

// Gatherer exposes the underlying gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.gatherer }

// Handler returns the /metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// ObserveSinkLatency records one ingress-to-sink latency sample.
func (r *Registry) ObserveSinkLatency(sink string, d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.SinkLatency.WithLabelValues(sink).Observe(float64(ms))
}

// ServeMetrics starts an HTTP server on addr serving the registry at
// /metrics. The server is shut down when ctx is done.
func ServeMetrics(ctx context.Context, addr string, r *Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	return server
}
