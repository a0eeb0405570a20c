package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// LatencySnapshot summarizes a latency histogram.
type LatencySnapshot struct {
	Count uint64
	SumMs float64
	P50Ms uint64
	P95Ms uint64
	P99Ms uint64
}

// Percentile estimates the p-th percentile (0 < p <= 1) from cumulative
// bucket counts. It returns the lower bound of the bucket holding the rank,
// i.e. the previous bound plus one, so estimates are never biased upward.
func Percentile(bounds []float64, cumulative []uint64, total uint64, p float64) uint64 {
	if total == 0 {
		return 0
	}
	rank := uint64(p * float64(total))
	if rank == 0 {
		rank = 1
	}
	for i, acc := range cumulative {
		if acc >= rank {
			if i == 0 {
				return 0
			}
			return uint64(bounds[i-1]) + 1
		}
	}
	return uint64(bounds[len(bounds)-1]) + 1
}

// SinkLatencySnapshot aggregates the latency histograms of every sink.
func (r *Registry) SinkLatencySnapshot() (LatencySnapshot, error) {
	families, err := r.gatherer.Gather()
	if err != nil {
		return LatencySnapshot{}, fmt.Errorf("metrics: gather: %w", err)
	}
	var (
		snap       LatencySnapshot
		cumulative = make([]uint64, len(LatencyBucketsMs))
	)
	for _, mf := range families {
		if mf.GetName() != "tributary_sink_latency_milliseconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			h := m.GetHistogram()
			snap.Count += h.GetSampleCount()
			snap.SumMs += h.GetSampleSum()
			for i, b := range h.GetBucket() {
				if i < len(cumulative) {
					cumulative[i] += b.GetCumulativeCount()
				}
			}
		}
	}
	snap.P50Ms = Percentile(LatencyBucketsMs, cumulative, snap.Count, 0.50)
	snap.P95Ms = Percentile(LatencyBucketsMs, cumulative, snap.Count, 0.95)
	snap.P99Ms = Percentile(LatencyBucketsMs, cumulative, snap.Count, 0.99)
	return snap, nil
}

// Counters flattens every counter and gauge into name{labels} -> value.
func (r *Registry) Counters() (map[string]float64, error) {
	families, err := r.gatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("metrics: gather: %w", err)
	}
	out := make(map[string]float64)
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "tributary_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			var v float64
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				v = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				v = m.GetGauge().GetValue()
			default:
				continue
			}
			out[seriesName(mf.GetName(), m.GetLabel())] = v
		}
	}
	return out, nil
}

func seriesName(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = l.GetName() + "=" + l.GetValue()
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

// RunStatsPrinter logs a metrics snapshot every interval until ctx is done.
func RunStatsPrinter(ctx context.Context, r *Registry, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logSnapshot(logger)
		}
	}
}

func (r *Registry) logSnapshot(logger *slog.Logger) {
	counters, err := r.Counters()
	if err != nil {
		logger.Warn("stats snapshot failed", "error", err)
		return
	}
	lat, err := r.SinkLatencySnapshot()
	if err != nil {
		logger.Warn("stats snapshot failed", "error", err)
		return
	}
	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, 2*len(keys)+8)
	for _, k := range keys {
		attrs = append(attrs, k, counters[k])
	}
	attrs = append(attrs,
		"latency_count", lat.Count,
		"latency_p50_ms", lat.P50Ms,
		"latency_p95_ms", lat.P95Ms,
		"latency_p99_ms", lat.P99Ms,
	)
	logger.Info("stats", attrs...)
}
