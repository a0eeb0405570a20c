package window

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/tributary/pkg/aggregation"
	"github.com/sandboxws/tributary/pkg/arena"
	helpers "github.com/sandboxws/tributary/pkg/arrow/helpers"
	"github.com/sandboxws/tributary/pkg/handler"
	"github.com/sandboxws/tributary/pkg/pagedstore"
)

var inputSchema = arrow.NewSchema([]arrow.Field{
	{Name: "ts", Type: arrow.PrimitiveTypes.Int64},
	{Name: "device", Type: arrow.BinaryTypes.String},
	{Name: "v", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "lon", Type: arrow.PrimitiveTypes.Float64},
	{Name: "lat", Type: arrow.PrimitiveTypes.Float64},
}, nil)

func TestAssign(t *testing.T) {
	tumbling := Assigner{Size: 10}
	assert.Equal(t, []Bounds{{0, 10}}, tumbling.Assign(nil, 0))
	assert.Equal(t, []Bounds{{10, 20}}, tumbling.Assign(nil, 19))
	assert.Equal(t, []Bounds{{-10, 0}}, tumbling.Assign(nil, -3))

	sliding := Assigner{Size: 10, Slide: 5}
	assert.Equal(t, []Bounds{{0, 10}, {5, 15}}, sliding.Assign(nil, 7))
	assert.Equal(t, []Bounds{{5, 15}, {10, 20}}, sliding.Assign(nil, 10))

	assert.Error(t, Assigner{}.Validate())
	assert.Error(t, Assigner{Size: 5, Slide: 6}.Validate())
	assert.NoError(t, sliding.Validate())
}

type fixture struct {
	t     *testing.T
	alloc *memory.CheckedAllocator
	pages *pagedstore.PageAllocator
	reg   *aggregation.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	pages := pagedstore.NewPageAllocator(alloc, 128, 0)
	reg, err := aggregation.NewDefaultRegistry(aggregation.Env{Pages: pages})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.Zero(t, pages.LivePages())
		alloc.AssertSize(t, 0)
	})
	return &fixture{t: t, alloc: alloc, pages: pages, reg: reg}
}

func (f *fixture) handler(opts Options) *Handler {
	f.t.Helper()
	opts.Registry = f.reg
	if opts.TimeField == "" {
		opts.TimeField = "ts"
	}
	h, err := New(opts)
	require.NoError(f.t, err)
	require.NoError(f.t, h.Start(context.Background(), nil, 0))
	return h
}

func (f *fixture) lift(h *Handler, worker int, rows ...[]any) {
	f.t.Helper()
	rec := helpers.BuildRecord(f.alloc, inputSchema, rows)
	defer rec.Release()
	require.NoError(f.t, h.Lift(worker, rec))
}

func row(ts int64, device string, v float64) []any {
	return []any{ts, device, v, 0.0, 0.0}
}

func rows(rec arrow.Record) [][]any {
	out := make([][]any, rec.NumRows())
	for r := range out {
		for c := 0; c < int(rec.NumCols()); c++ {
			v := helpers.Value(rec.Column(c), r)
			if b, ok := v.([]byte); ok {
				v = bytes.Clone(b)
			}
			out[r] = append(out[r], v)
		}
	}
	return out
}

func trigger(t *testing.T, h *Handler, alloc memory.Allocator) [][]any {
	t.Helper()
	a := arena.New(alloc)
	rec, err := h.Trigger(alloc, a)
	require.NoError(t, err)
	require.NoError(t, a.Release())
	if rec == nil {
		return nil
	}
	defer rec.Release()
	return rows(rec)
}

func TestTumblingCountAcrossWorkers(t *testing.T) {
	f := newFixture(t)
	triggered := prometheus.NewCounter(prometheus.CounterOpts{Name: "triggered"})
	h := f.handler(Options{
		Assigner:   Assigner{Size: 10},
		Keys:       []string{"device"},
		Aggregates: []aggregation.Spec{{Kind: "count", As: "n"}, {Kind: "sum", Fields: []string{"v"}}},
		Workers:    2,
		Triggered:  triggered,
	})

	f.lift(h, 0, row(1, "A", 1))
	f.lift(h, 1, row(2, "A", 2), row(3, "B", 5), row(12, "A", 7))
	assert.Equal(t, 4, h.OpenGroups())

	assert.Nil(t, trigger(t, h, f.alloc), "no watermark yet")

	h.ObserveWatermark(0, 10)
	got := trigger(t, h, f.alloc)
	assert.Equal(t, [][]any{
		{int64(0), int64(10), "A", int64(2), 3.0},
		{int64(0), int64(10), "B", int64(1), 5.0},
	}, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(triggered))
	assert.Equal(t, 1, h.OpenGroups())

	schema := h.OutputSchema()
	require.NotNil(t, schema)
	assert.Equal(t, []string{"window_start", "window_end", "device", "n", "sum_v"}, helpers.ColumnNames(schema))

	a := arena.New(f.alloc)
	rec, err := h.Flush(f.alloc, a)
	require.NoError(t, err)
	require.NoError(t, a.Release())
	assert.Equal(t, [][]any{{int64(10), int64(20), "A", int64(1), 7.0}}, rows(rec))
	rec.Release()
	assert.Zero(t, h.OpenGroups())
}

func TestWatermarkIsMinimumAcrossOrigins(t *testing.T) {
	f := newFixture(t)
	h := f.handler(Options{Assigner: Assigner{Size: 10}, Aggregates: []aggregation.Spec{{Kind: "count"}}})
	assert.Equal(t, int64(math.MinInt64), h.Watermark())

	f.lift(h, 0, row(3, "A", 1))
	assert.Equal(t, int64(50), h.ObserveWatermark(1, 50))
	assert.Equal(t, int64(5), h.ObserveWatermark(2, 5))
	assert.Equal(t, int64(5), h.ObserveWatermark(2, 4), "watermarks never regress")
	assert.Nil(t, trigger(t, h, f.alloc))

	h.ObserveWatermark(2, 60)
	assert.Equal(t, [][]any{{int64(0), int64(10), int64(1)}}, trigger(t, h, f.alloc))
}

func TestLateRecordsAreDropped(t *testing.T) {
	f := newFixture(t)
	late := prometheus.NewCounter(prometheus.CounterOpts{Name: "late"})
	h := f.handler(Options{Assigner: Assigner{Size: 10}, Aggregates: []aggregation.Spec{{Kind: "count"}}, Late: late})

	f.lift(h, 0, row(3, "A", 1))
	h.ObserveWatermark(0, 10)
	require.Len(t, trigger(t, h, f.alloc), 1)

	f.lift(h, 0, row(4, "A", 1), row(11, "A", 1))
	assert.Equal(t, 1.0, testutil.ToFloat64(late))
	assert.Equal(t, 1, h.OpenGroups())
	h.Discard()
}

func TestSlidingWindowsShareRecords(t *testing.T) {
	f := newFixture(t)
	h := f.handler(Options{Assigner: Assigner{Size: 10, Slide: 5}, Aggregates: []aggregation.Spec{{Kind: "max", Fields: []string{"v"}}}})
	f.lift(h, 0, row(7, "A", 3), row(12, "A", 9))
	h.ObserveWatermark(0, 15)
	assert.Equal(t, [][]any{
		{int64(0), int64(10), 3.0},
		{int64(5), int64(15), 9.0},
	}, trigger(t, h, f.alloc))
	h.Discard()
}

func TestTrajectoryPerDevice(t *testing.T) {
	f := newFixture(t)
	h := f.handler(Options{
		Assigner:   Assigner{Size: 100},
		Keys:       []string{"device"},
		Aggregates: []aggregation.Spec{{Kind: "temporal_sequence", Fields: []string{"lon", "lat", "ts"}, As: "trip"}},
		Workers:    2,
	})
	for i := 0; i < 12; i++ {
		f.lift(h, i%2, []any{int64(50 - i), "bus", 0.0, float64(i), float64(-i)})
	}
	h.ObserveWatermark(0, 100)
	got := trigger(t, h, f.alloc)
	require.Len(t, got, 1)
	points, err := aggregation.DecodeTrajectory(got[0][3].([]byte))
	require.NoError(t, err)
	require.Len(t, points, 12)
	assert.Equal(t, int64(39), points[0].Timestamp)
	assert.Equal(t, int64(50), points[11].Timestamp)
	assert.Equal(t, 0.0, points[11].Lon)
}

func TestMalformedRecordsAreCounted(t *testing.T) {
	f := newFixture(t)
	malformed := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "malformed"}, []string{"aggregate"})
	h := f.handler(Options{
		Assigner:   Assigner{Size: 10},
		Aggregates: []aggregation.Spec{{Kind: "avg", Fields: []string{"v"}}, {Kind: "count"}},
		Malformed:  malformed,
	})
	f.lift(h, 0, []any{int64(1), "A", nil, 0.0, 0.0}, row(2, "A", 4))
	assert.Equal(t, 1.0, testutil.ToFloat64(malformed.WithLabelValues("avg_v")))

	h.ObserveWatermark(0, 10)
	assert.Equal(t, [][]any{{int64(0), int64(10), 4.0, int64(2)}}, trigger(t, h, f.alloc))
}

func TestSchemaChangeIsRejected(t *testing.T) {
	f := newFixture(t)
	h := f.handler(Options{Assigner: Assigner{Size: 10}, Aggregates: []aggregation.Spec{{Kind: "count"}}})
	f.lift(h, 0, row(1, "A", 1))

	other := arrow.NewSchema([]arrow.Field{{Name: "ts", Type: arrow.PrimitiveTypes.Int64}}, nil)
	rec := helpers.BuildRecord(f.alloc, other, [][]any{{int64(1)}})
	defer rec.Release()
	assert.ErrorIs(t, h.Lift(0, rec), ErrSchemaChanged)
	h.Discard()
}

func TestNewRejectsBadConfig(t *testing.T) {
	f := newFixture(t)
	_, err := New(Options{Assigner: Assigner{Size: 10}, TimeField: "ts", Registry: f.reg,
		Aggregates: []aggregation.Spec{{Kind: "median", Fields: []string{"v"}}}})
	assert.ErrorIs(t, err, aggregation.ErrUnknownKind)

	_, err = New(Options{Assigner: Assigner{Size: 10}, TimeField: "ts", Registry: f.reg})
	assert.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	h, err := New(Options{Assigner: Assigner{Size: 10}, TimeField: "ts", Registry: f.reg, Aggregates: []aggregation.Spec{{Kind: "count"}}})
	require.NoError(t, err)

	rec := helpers.BuildRecord(f.alloc, inputSchema, [][]any{row(1, "A", 1)})
	defer rec.Release()
	assert.Error(t, h.Lift(0, rec), "not started")

	require.NoError(t, h.Start(context.Background(), nil, 0))
	require.NoError(t, h.Lift(0, rec))
	require.NoError(t, h.Stop(context.Background(), handler.Graceful, nil))
	assert.Zero(t, h.OpenGroups())
	require.NoError(t, h.Terminate(context.Background(), nil))
}

func TestFailedLiftIsTerminal(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)
	// One trajectory point per page and a single page overall: the second
	// device in the record cannot get one.
	pages := pagedstore.NewPageAllocator(alloc, 24, 1)
	reg, err := aggregation.NewDefaultRegistry(aggregation.Env{Pages: pages})
	require.NoError(t, err)
	h, err := New(Options{
		Assigner:  Assigner{Size: 10},
		TimeField: "ts",
		Keys:      []string{"device"},
		Registry:  reg,
		Aggregates: []aggregation.Spec{
			{Kind: aggregation.KindCount},
			{Kind: aggregation.KindTemporalSequence, Fields: []string{"lon", "lat", "ts"}},
		},
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, h.Start(ctx, nil, 0))

	rec := helpers.BuildRecord(alloc, inputSchema, [][]any{row(1, "A", 1), row(2, "B", 1)})
	err = h.Lift(0, rec)
	assert.ErrorIs(t, err, ErrInconsistent)
	assert.ErrorIs(t, err, pagedstore.ErrPageBudgetExhausted)
	assert.ErrorIs(t, h.Lift(0, rec), ErrInconsistent, "later lifts are refused")
	rec.Release()

	a := arena.New(alloc)
	h.ObserveWatermark(0, 100)
	out, err := h.Trigger(alloc, a)
	assert.ErrorIs(t, err, ErrInconsistent)
	assert.Nil(t, out)
	out, err = h.Flush(alloc, a)
	assert.ErrorIs(t, err, ErrInconsistent)
	assert.Nil(t, out, "half-lifted groups are never emitted")
	require.NoError(t, a.Release())

	assert.Equal(t, 2, h.Discard())
	assert.Zero(t, pages.LivePages())
	require.NoError(t, h.Stop(ctx, handler.Failure, nil))
	require.NoError(t, h.Terminate(ctx, nil))
}

// flakyCount counts rows and fails its failAt-th Combine.
type flakyCount struct {
	combines, failAt int
}

func (f *flakyCount) Name() string               { return "flaky" }
func (f *flakyCount) Kind() string               { return "flaky" }
func (f *flakyCount) StateSize() int             { return 8 }
func (f *flakyCount) Bind(*arrow.Schema) error   { return nil }
func (f *flakyCount) ResultType() arrow.DataType { return arrow.PrimitiveTypes.Int64 }
func (f *flakyCount) Destroy(*aggregation.State) {}

func (f *flakyCount) Reset(st *aggregation.State) error {
	clear(st.Block)
	return nil
}

func (f *flakyCount) Lift(st *aggregation.State, _ arrow.Record, _ int) error {
	binary.LittleEndian.PutUint64(st.Block, binary.LittleEndian.Uint64(st.Block)+1)
	return nil
}

func (f *flakyCount) Combine(dst, src *aggregation.State) error {
	f.combines++
	if f.combines == f.failAt {
		return errors.New("combine failed")
	}
	binary.LittleEndian.PutUint64(dst.Block, binary.LittleEndian.Uint64(dst.Block)+binary.LittleEndian.Uint64(src.Block))
	clear(src.Block)
	return nil
}

func (f *flakyCount) Lower(st *aggregation.State, _ *arena.Arena) (any, error) {
	return int64(binary.LittleEndian.Uint64(st.Block)), nil
}

func TestCombineFailureLeavesOnlyLiveGroups(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyCount{failAt: 2}
	require.NoError(t, f.reg.Register(aggregation.Registration{
		Name:    "flaky",
		Factory: func(aggregation.Spec) (aggregation.Function, error) { return flaky, nil },
	}))
	h := f.handler(Options{Assigner: Assigner{Size: 10}, Keys: []string{"device"}, Aggregates: []aggregation.Spec{{Kind: "flaky"}}})
	f.lift(h, 0, row(1, "A", 1), row(2, "B", 1))

	// Chain both groups under one key, as a hash collision would.
	p := h.workers[0]
	var first, second groupKey
	for k, gs := range p.groups {
		if gs[0].keys[0] == "A" {
			first = k
		} else {
			second = k
		}
	}
	p.groups[first] = append(p.groups[first], p.groups[second]...)
	delete(p.groups, second)

	a := arena.New(f.alloc)
	out, err := h.Flush(f.alloc, a)
	require.Error(t, err)
	assert.Nil(t, out)
	require.NoError(t, a.Release())

	assert.Equal(t, 1, h.OpenGroups(), "the combined group is gone, the failed one stays")
	require.NotPanics(t, func() { assert.Equal(t, 1, h.Discard()) })
	require.NoError(t, h.Terminate(context.Background(), nil))
}
