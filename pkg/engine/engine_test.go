// Package engine integration tests: build and run complete plans.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sandboxws/tributary/pkg/buffer"
	"github.com/sandboxws/tributary/pkg/config"
	"github.com/sandboxws/tributary/pkg/connectors"
	"github.com/sandboxws/tributary/pkg/metrics"
	"github.com/sandboxws/tributary/pkg/pipeline"
	"github.com/sandboxws/tributary/pkg/plan"
	"github.com/sandboxws/tributary/pkg/sequencer"
	"github.com/sandboxws/tributary/pkg/window"
)

type harness struct {
	alloc   *memory.CheckedAllocator
	metrics *metrics.Registry
	sinks   map[string]*connectors.MemorySink
	cfg     config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := config.Default()
	cfg.Workers = 4
	cfg.PoolSize = 32
	cfg.StatsInterval = 0
	return &harness{
		alloc:   memory.NewCheckedAllocator(memory.DefaultAllocator),
		metrics: metrics.NewRegistryWith(reg, reg),
		sinks:   make(map[string]*connectors.MemorySink),
		cfg:     cfg,
	}
}

func (h *harness) options() Options {
	return Options{
		Config:  h.cfg,
		Alloc:   h.alloc,
		Metrics: h.metrics,
		Sinks: func(n *plan.Node, cfg config.Config) (connectors.Sink, error) {
			if n.Type != "memory" {
				return connectors.NewSink(n, cfg)
			}
			s := connectors.NewMemorySink()
			h.sinks[n.ID] = s
			return s, nil
		},
	}
}

func (h *harness) run(t *testing.T, p *plan.Plan) {
	t.Helper()
	eng, err := New(p, h.options())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func generator(rows string, extra plan.Options) plan.Node {
	opts := plan.Options{"rows": rows, "batch_size": "10"}
	for k, v := range extra {
		opts[k] = v
	}
	return plan.Node{ID: "src", Kind: plan.KindSource, Type: "generator", Options: opts}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	case int32:
		return float64(x)
	}
	return 0
}

// TestSelectionProjection runs Generator(100 rows) -> id >= 50 ->
// (id * 2, upper(name)) -> memory.
func TestSelectionProjection(t *testing.T) {
	h := newHarness(t)
	defer h.alloc.AssertSize(t, 0)

	h.run(t, &plan.Plan{
		Name: "select-project",
		Nodes: []plan.Node{
			generator("100", plan.Options{"schema": "id:int64, name:string"}),
			{ID: "p", Kind: plan.KindPipeline, Operators: []plan.Operator{
				{Type: "selection", Options: plan.Options{"predicate": "id >= 50"}},
				{Type: "projection", Options: plan.Options{"columns": "id * 2 as double_id; upper(name) as upper_name"}},
			}},
			{ID: "out", Kind: plan.KindSink, Type: "memory"},
		},
		Edges: []plan.Edge{{From: "src", To: "p"}, {From: "p", To: "out"}},
	})

	sink := h.sinks["out"]
	rows := sink.Rows()
	if len(rows) != 50 {
		t.Fatalf("expected 50 rows, got %d", len(rows))
	}
	if got := strings.Join(sink.Columns(), ","); got != "double_id,upper_name" {
		t.Errorf("columns = %s", got)
	}
	ids := make([]int, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, int(r[0].(int64)))
		if s := r[1].(string); s != strings.ToUpper(s) {
			t.Errorf("name %q not upper-cased", s)
		}
	}
	sort.Ints(ids)
	for i, id := range ids {
		if want := (50 + i) * 2; id != want {
			t.Fatalf("ids[%d] = %d, want %d", i, id, want)
		}
	}
}

// TestSequencedWindow aggregates in tumbling 50 ms windows keyed by a
// two-valued column on three workers. The sequencer restores source order,
// so no row is late; the last window is flushed when the generator finishes.
func TestSequencedWindow(t *testing.T) {
	h := newHarness(t)
	defer h.alloc.AssertSize(t, 0)

	h.run(t, &plan.Plan{
		Name:        "windowed",
		Parallelism: 3,
		Nodes: []plan.Node{
			generator("100", plan.Options{"schema": "ts:int64, key:string, v:int64", "keys": "2"}),
			{ID: "agg", Kind: plan.KindPipeline, Operators: []plan.Operator{
				{Type: "sequence"},
				{Type: "window", Options: plan.Options{
					"size":       "50",
					"time_field": "ts",
					"keys":       "key",
					"aggregates": "count(*) as n; sum(v) as total",
				}},
			}},
			{ID: "out", Kind: plan.KindSink, Type: "memory"},
		},
		Edges: []plan.Edge{{From: "src", To: "agg"}, {From: "agg", To: "out"}},
	})

	sink := h.sinks["out"]
	if got := strings.Join(sink.Columns(), ","); got != "window_start,window_end,key,n,total" {
		t.Fatalf("columns = %s", got)
	}
	got := make(map[string][2]float64)
	for _, r := range sink.Rows() {
		k := fmt.Sprintf("%s@%d", r[2], r[0])
		got[k] = [2]float64{toFloat(r[3]), toFloat(r[4])}
	}
	want := map[string][2]float64{
		"key_0@0":  {25, 600},
		"key_1@0":  {25, 625},
		"key_0@50": {25, 1850},
		"key_1@50": {25, 1875},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d groups %v, want %d", len(got), got, len(want))
	}
	for k, w := range want {
		if got[k] != w {
			t.Errorf("%s = %v, want %v", k, got[k], w)
		}
	}
}

// TestFanOut delivers every source buffer to two sinks.
func TestFanOut(t *testing.T) {
	h := newHarness(t)
	defer h.alloc.AssertSize(t, 0)

	h.run(t, &plan.Plan{
		Name: "fan-out",
		Nodes: []plan.Node{
			generator("100", plan.Options{"schema": "id:int64"}),
			{ID: "a", Kind: plan.KindSink, Type: "memory"},
			{ID: "b", Kind: plan.KindSink, Type: "memory"},
		},
		Edges: []plan.Edge{{From: "src", To: "a"}, {From: "src", To: "b"}},
	})

	for _, id := range []string{"a", "b"} {
		if n := len(h.sinks[id].Rows()); n != 100 {
			t.Errorf("sink %s: %d rows, want 100", id, n)
		}
	}
	counters, err := h.metrics.Counters()
	if err != nil {
		t.Fatal(err)
	}
	if v := counters["tributary_sink_out_total{sink=a}"]; v != 100 {
		t.Errorf("sink_out{a} = %v", v)
	}
}

// TestStopDrains stops an unbounded generator; Run must return cleanly
// with every buffer released.
func TestStopDrains(t *testing.T) {
	h := newHarness(t)
	defer h.alloc.AssertSize(t, 0)

	eng, err := New(&plan.Plan{
		Name: "unbounded",
		Nodes: []plan.Node{
			generator("0", plan.Options{"schema": "ts:int64, v:int64"}),
			{ID: "agg", Kind: plan.KindPipeline, Operators: []plan.Operator{
				{Type: "sequence"},
				{Type: "window", Options: plan.Options{"size": "1000", "time_field": "ts", "aggregates": "count(*) as n"}},
			}},
			{ID: "out", Kind: plan.KindSink, Type: "memory"},
		},
		Edges: []plan.Edge{{From: "src", To: "agg"}, {From: "agg", To: "out"}},
	}, h.options())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background()) }()

	deadline := time.After(10 * time.Second)
	for len(h.sinks["out"].Rows()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no window output before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	eng.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop")
	}

	// Every generated row is counted once across the flushed windows.
	var total float64
	for _, r := range h.sinks["out"].Rows() {
		total += toFloat(r[2])
	}
	if total == 0 || int64(total)%10 != 0 {
		t.Errorf("counted %v rows, want a positive multiple of the batch size", total)
	}
}

type failingSink struct{ writes atomic.Int32 }

func (f *failingSink) Open(*connectors.Context) error { return nil }
func (f *failingSink) Close() error                   { return nil }
func (f *failingSink) Write(*buffer.Buffer) error {
	if f.writes.Add(1) == 3 {
		return errors.New("disk full")
	}
	return nil
}

func TestSinkFailureStopsRun(t *testing.T) {
	h := newHarness(t)
	defer h.alloc.AssertSize(t, 0)

	opts := h.options()
	opts.Sinks = func(*plan.Node, config.Config) (connectors.Sink, error) { return &failingSink{}, nil }
	eng, err := New(&plan.Plan{
		Name: "failing",
		Nodes: []plan.Node{
			generator("0", plan.Options{"schema": "id:int64"}),
			{ID: "p", Kind: plan.KindPipeline, Operators: []plan.Operator{
				{Type: "selection", Options: plan.Options{"predicate": "id >= 0"}},
			}},
			{ID: "out", Kind: plan.KindSink, Type: "broken"},
		},
		Edges: []plan.Edge{{From: "src", To: "p"}, {From: "p", To: "out"}},
	}, opts)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = eng.Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected sink failure, got %v", err)
	}
}

func TestNewRejectsBadPlans(t *testing.T) {
	src := generator("10", nil)
	sink := plan.Node{ID: "out", Kind: plan.KindSink, Type: "memory"}
	edges := []plan.Edge{{From: "src", To: "p"}, {From: "p", To: "out"}}

	tests := []struct {
		name string
		ops  []plan.Operator
		want string
	}{
		{"unknown operator", []plan.Operator{{Type: "explode"}}, "unknown operator type"},
		{"bad predicate", []plan.Operator{{Type: "selection", Options: plan.Options{"predicate": "a >"}}}, "selection"},
		{"unknown aggregate", []plan.Operator{{Type: "window", Options: plan.Options{
			"size": "10", "time_field": "ts", "aggregates": "median(v)",
		}}}, "median"},
		{"bad window", []plan.Operator{{Type: "window", Options: plan.Options{
			"size": "10", "slide": "20", "time_field": "ts", "aggregates": "count(*)",
		}}}, "slide"},
		{"rename without pair", []plan.Operator{{Type: "rename", Options: plan.Options{"columns": "a"}}}, "old=new"},
		{"cast to unknown type", []plan.Operator{{Type: "cast", Options: plan.Options{"columns": "a:decimal"}}}, "decimal"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := New(&plan.Plan{
				Name:  "bad",
				Nodes: []plan.Node{src, {ID: "p", Kind: plan.KindPipeline, Operators: tc.ops}, sink},
				Edges: edges,
			}, h.options())
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}

	t.Run("cycle", func(t *testing.T) {
		h := newHarness(t)
		_, err := New(&plan.Plan{
			Name: "cyclic",
			Nodes: []plan.Node{
				src,
				{ID: "a", Kind: plan.KindPipeline, Operators: []plan.Operator{{Type: "drop", Options: plan.Options{"columns": "x"}}}},
				{ID: "b", Kind: plan.KindPipeline, Operators: []plan.Operator{{Type: "drop", Options: plan.Options{"columns": "x"}}}},
			},
			Edges: []plan.Edge{{From: "src", To: "a"}, {From: "a", To: "b"}, {From: "b", To: "a"}},
		}, h.options())
		if err == nil || !strings.Contains(err.Error(), "cycle") {
			t.Fatalf("expected cycle error, got %v", err)
		}
	})
}

func TestParseColumns(t *testing.T) {
	cols, err := parseColumns("a * 2 as double_a; concat(b, 'x') AS bx ;c")
	if err != nil {
		t.Fatal(err)
	}
	want := []struct{ name, expr string }{
		{"double_a", "a * 2"},
		{"bx", "concat(b, 'x')"},
		{"c", "c"},
	}
	if len(cols) != len(want) {
		t.Fatalf("got %d columns", len(cols))
	}
	for i, w := range want {
		if cols[i].Name != w.name || cols[i].Expr != w.expr {
			t.Errorf("column %d = %+v, want %+v", i, cols[i], w)
		}
	}
	if _, err := parseColumns(" ; "); err == nil {
		t.Error("expected error for an empty column list")
	}
}

func TestFatalErrors(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("lift: %w", window.ErrInconsistent), true},
		{fmt.Errorf("submit: %w", sequencer.ErrSequenceCollision), true},
		{&pipeline.ExecutionError{Panicked: true, Err: errors.New("boom")}, true},
		{&pipeline.ExecutionError{Err: errors.New("bad row")}, false},
		{sequencer.ErrBacklogOverflow, false},
	}
	for _, tt := range tests {
		if got := fatal(tt.err); got != tt.want {
			t.Errorf("fatal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestShutdownOnSignal(t *testing.T) {
	h := newHarness(t)
	defer h.alloc.AssertSize(t, 0)

	eng, err := New(&plan.Plan{
		Name: "signalled",
		Nodes: []plan.Node{
			generator("0", plan.Options{"schema": "id:int64", "rate": "1000"}),
			{ID: "out", Kind: plan.KindSink, Type: "memory"},
		},
		Edges: []plan.Edge{{From: "src", To: "out"}},
	}, h.options())
	if err != nil {
		t.Fatal(err)
	}

	sigCh := make(chan os.Signal, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		sigCh <- syscall.SIGTERM
	}()
	if err := runUntilSignal(context.Background(), eng, 5*time.Second, sigCh); err != nil {
		t.Fatalf("run: %v", err)
	}
}

// TestSamplePlansBuild compiles the plans shipped in plans/. Building
// connects nothing; it parses every expression and aggregate.
func TestSamplePlansBuild(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("..", "..", "plans", "*.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) == 0 {
		t.Fatal("no sample plans found")
	}
	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			p, err := plan.Load(path)
			if err != nil {
				t.Fatal(err)
			}
			h := newHarness(t)
			opts := h.options()
			opts.Sinks = nil
			eng, err := New(p, opts)
			if err != nil {
				t.Fatalf("New(%s): %v", p.Name, err)
			}
			if eng.RunID() == "" {
				t.Error("empty run id")
			}
		})
	}
}
