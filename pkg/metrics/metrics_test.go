package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	bounds := []float64{0, 1, 2, 4}
	// per-bucket counts 1, 0, 2, 1 (+1 overflow)
	cumulative := []uint64{1, 1, 3, 4}

	assert.Equal(t, uint64(0), Percentile(bounds, nil, 0, 0.5))
	assert.Equal(t, uint64(0), Percentile(bounds, cumulative, 5, 0.1))
	assert.Equal(t, uint64(2), Percentile(bounds, cumulative, 5, 0.5))
	assert.Equal(t, uint64(3), Percentile(bounds, cumulative, 5, 0.8))
	assert.Equal(t, uint64(5), Percentile(bounds, cumulative, 5, 1.0))
}

func TestSinkLatencySnapshot(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 98; i++ {
		r.ObserveSinkLatency("print", 3*time.Millisecond)
	}
	r.ObserveSinkLatency("json", 700*time.Millisecond)
	r.ObserveSinkLatency("json", 90*time.Second)

	snap, err := r.SinkLatencySnapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), snap.Count)
	assert.Equal(t, uint64(3), snap.P50Ms)
	assert.Equal(t, uint64(3), snap.P95Ms)
	assert.Equal(t, uint64(513), snap.P99Ms)
}

func TestCounters(t *testing.T) {
	r := NewRegistry()
	r.BuffersIn.WithLabelValues("p1").Add(3)
	r.SinkOut.WithLabelValues("print").Inc()
	r.PoolInUse.Set(2)

	assert.Equal(t, 3.0, testutil.ToFloat64(r.BuffersIn.WithLabelValues("p1")))

	c, err := r.Counters()
	require.NoError(t, err)
	assert.Equal(t, 3.0, c["tributary_pipeline_in_total{pipeline=p1}"])
	assert.Equal(t, 1.0, c["tributary_sink_out_total{sink=print}"])
	assert.Equal(t, 2.0, c["tributary_buffer_pool_in_use"])
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	a.BuffersIn.WithLabelValues("p").Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.BuffersIn.WithLabelValues("p")))
}
