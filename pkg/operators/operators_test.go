package operators

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/tributary/pkg/aggregation"
	"github.com/sandboxws/tributary/pkg/arena"
	helpers "github.com/sandboxws/tributary/pkg/arrow/helpers"
	"github.com/sandboxws/tributary/pkg/buffer"
	"github.com/sandboxws/tributary/pkg/handler"
	"github.com/sandboxws/tributary/pkg/operator"
	"github.com/sandboxws/tributary/pkg/sequencer"
	"github.com/sandboxws/tributary/pkg/window"
)

// ── Test helpers ────────────────────────────────────────────────────

// collector is a PipelineContext that keeps every emitted buffer.
type collector struct {
	pool *buffer.Pool

	mu  sync.Mutex
	out []*buffer.Buffer
}

func newCollector(alloc memory.Allocator, capacity int) *collector {
	return &collector{pool: buffer.NewPool(alloc, 64, capacity)}
}

func (c *collector) PipelineID() uint64       { return 1 }
func (c *collector) NumWorkers() int          { return 1 }
func (c *collector) Buffers() buffer.Provider { return c.pool }
func (c *collector) Logger() *slog.Logger     { return slog.Default() }
func (c *collector) Emit(_ context.Context, b *buffer.Buffer) error {
	c.mu.Lock()
	c.out = append(c.out, b)
	c.mu.Unlock()
	return nil
}

func (c *collector) release() {
	for _, b := range c.out {
		b.Release()
	}
	c.out = nil
}

// rows flattens every emitted buffer into rows of Go values.
func (c *collector) rows() [][]any {
	var rows [][]any
	for _, b := range c.out {
		for r := 0; r < b.TupleCount(); r++ {
			row := make([]any, b.Record.NumCols())
			for i := range row {
				row[i] = helpers.Value(b.Record.Column(i), r)
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func makeBatch(alloc memory.Allocator, names []string, arrays []arrow.Array) arrow.Record {
	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: arrays[i].DataType()}
	}
	schema := arrow.NewSchema(fields, nil)
	rec := array.NewRecord(schema, arrays, int64(arrays[0].Len()))
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

func makeInt64Arr(alloc memory.Allocator, vals []int64) arrow.Array {
	bldr := array.NewInt64Builder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	return bldr.NewArray()
}

func makeStringArr(alloc memory.Allocator, vals []string) arrow.Array {
	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()
	for _, v := range vals {
		bldr.Append(v)
	}
	return bldr.NewArray()
}

func makeFloat64Arr(alloc memory.Allocator, vals []float64) arrow.Array {
	bldr := array.NewFloat64Builder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	return bldr.NewArray()
}

// setup links ops behind a Scan and runs Setup.
func setup(t *testing.T, c *collector, table *handler.Table, ops ...operator.Linkable) operator.PhysicalOperator {
	t.Helper()
	root := operator.Chain(append([]operator.Linkable{NewScan()}, ops...)...)
	if table == nil {
		table = handler.NewTable()
	}
	if err := root.Setup(&operator.SetupContext{
		Ctx:      context.Background(),
		Pipeline: c,
		Handlers: table,
		Logger:   slog.Default(),
		Label:    "test",
	}); err != nil {
		t.Fatal(err)
	}
	return root
}

func newExec(alloc memory.Allocator, c *collector, in *buffer.Buffer) *operator.ExecutionContext {
	ectx := &operator.ExecutionContext{
		Ctx:      context.Background(),
		Pipeline: c,
		Arena:    arena.New(alloc),
		Logger:   slog.Default(),
		Label:    "test",
		Input:    in,
	}
	if in != nil {
		ectx.IngressTimestamp = in.CreationTimestamp
	}
	return ectx
}

// execute runs one buffer through root the way a pipeline stage does. The
// caller keeps ownership of in.
func execute(t *testing.T, alloc memory.Allocator, c *collector, root operator.PhysicalOperator, in *buffer.Buffer) error {
	t.Helper()
	ectx := newExec(alloc, c, in)
	defer func() {
		if err := ectx.Arena.Release(); err != nil {
			t.Fatal(err)
		}
	}()
	if err := root.Open(ectx, in.Record); err != nil {
		return err
	}
	return root.Close(ectx)
}

func terminate(t *testing.T, alloc memory.Allocator, c *collector, root operator.PhysicalOperator, kind handler.TerminationKind) error {
	t.Helper()
	ectx := newExec(alloc, c, nil)
	defer ectx.Arena.Release()
	return root.Terminate(ectx, kind)
}

// ── Selection ───────────────────────────────────────────────────────

func TestSelection(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	c := newCollector(alloc, 1024)
	defer c.release()

	sel, err := NewSelection("amount > 100")
	if err != nil {
		t.Fatal(err)
	}
	root := setup(t, c, nil, sel, NewEmit())

	in := buffer.New(makeBatch(alloc, []string{"amount", "country"},
		[]arrow.Array{
			makeInt64Arr(alloc, []int64{50, 150, 100, 200}),
			makeStringArr(alloc, []string{"US", "UK", "US", "CA"}),
		}), 1024)
	in.CreationTimestamp = 42
	defer in.Release()

	if err := execute(t, alloc, c, root, in); err != nil {
		t.Fatal(err)
	}
	rows := c.rows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0][0] != int64(150) || rows[0][1] != "UK" {
		t.Errorf("row 0 = %v", rows[0])
	}
	if rows[1][0] != int64(200) || rows[1][1] != "CA" {
		t.Errorf("row 1 = %v", rows[1])
	}
	if got := c.out[0].CreationTimestamp; got != 42 {
		t.Errorf("ingress timestamp not propagated: %d", got)
	}
}

func TestSelectionNoMatches(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	c := newCollector(alloc, 1024)
	defer c.release()

	sel, err := NewSelection("amount > 1000")
	if err != nil {
		t.Fatal(err)
	}
	root := setup(t, c, nil, sel, NewEmit())

	in := buffer.New(makeBatch(alloc, []string{"amount"},
		[]arrow.Array{makeInt64Arr(alloc, []int64{1, 2, 3})}), 1024)
	defer in.Release()

	if err := execute(t, alloc, c, root, in); err != nil {
		t.Fatal(err)
	}
	if len(c.out) != 0 {
		t.Fatalf("expected nothing emitted, got %d buffers", len(c.out))
	}
}

func TestSelectionVariedSizes(t *testing.T) {
	for _, n := range []int{1, 7, 100, 4096} {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		c := newCollector(alloc, 4096)

		sel, err := NewSelection("v < 50")
		if err != nil {
			t.Fatal(err)
		}
		root := setup(t, c, nil, sel, NewEmit())

		vals := make([]int64, n)
		for i := range vals {
			vals[i] = int64(i)
		}
		in := buffer.New(makeBatch(alloc, []string{"v"}, []arrow.Array{makeInt64Arr(alloc, vals)}), 4096)
		if err := execute(t, alloc, c, root, in); err != nil {
			t.Fatal(err)
		}
		if got, want := len(c.rows()), min(n, 50); got != want {
			t.Errorf("n=%d: got %d rows, want %d", n, got, want)
		}
		in.Release()
		c.release()
		alloc.AssertSize(t, 0)
	}
}

// ── Projection ──────────────────────────────────────────────────────

func TestProjection(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	c := newCollector(alloc, 1024)
	defer c.release()

	proj, err := NewProjection([]Column{
		{Name: "name", Expr: "upper(name)"},
		{Name: "total", Expr: "price * qty"},
		{Name: "pricey", Expr: "price > 10"},
	})
	if err != nil {
		t.Fatal(err)
	}
	root := setup(t, c, nil, proj, NewEmit())

	in := buffer.New(makeBatch(alloc, []string{"name", "price", "qty"},
		[]arrow.Array{
			makeStringArr(alloc, []string{"apple", "pear"}),
			makeFloat64Arr(alloc, []float64{2.5, 20}),
			makeInt64Arr(alloc, []int64{4, 2}),
		}), 1024)
	defer in.Release()

	if err := execute(t, alloc, c, root, in); err != nil {
		t.Fatal(err)
	}
	got := c.out[0].Record.Schema()
	if got.NumFields() != 3 || got.Field(0).Name != "name" || got.Field(1).Name != "total" || got.Field(2).Name != "pricey" {
		t.Fatalf("unexpected schema %s", got)
	}
	rows := c.rows()
	want := [][]any{{"APPLE", 10.0, false}, {"PEAR", 40.0, true}}
	for i := range want {
		for j := range want[i] {
			if rows[i][j] != want[i][j] {
				t.Errorf("row %d col %d: got %v, want %v", i, j, rows[i][j], want[i][j])
			}
		}
	}
}

func TestProjectionCompileError(t *testing.T) {
	if _, err := NewProjection([]Column{{Name: "x", Expr: "a +"}}); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := NewProjection(nil); err == nil {
		t.Fatal("expected error for empty projection")
	}
}

// ── Rename / Drop / Cast ────────────────────────────────────────────

func TestRename(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	c := newCollector(alloc, 1024)
	defer c.release()
	root := setup(t, c, nil, NewRename(map[string]string{"amount": "total"}), NewEmit())

	in := buffer.New(makeBatch(alloc, []string{"amount", "country"},
		[]arrow.Array{
			makeInt64Arr(alloc, []int64{1}),
			makeStringArr(alloc, []string{"US"}),
		}), 1024)
	defer in.Release()

	if err := execute(t, alloc, c, root, in); err != nil {
		t.Fatal(err)
	}
	schema := c.out[0].Record.Schema()
	if schema.Field(0).Name != "total" || schema.Field(1).Name != "country" {
		t.Errorf("unexpected schema %s", schema)
	}
}

func TestDrop(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	c := newCollector(alloc, 1024)
	defer c.release()
	root := setup(t, c, nil, NewDrop([]string{"secret"}), NewEmit())

	in := buffer.New(makeBatch(alloc, []string{"id", "secret"},
		[]arrow.Array{
			makeInt64Arr(alloc, []int64{1, 2}),
			makeStringArr(alloc, []string{"a", "b"}),
		}), 1024)
	defer in.Release()

	if err := execute(t, alloc, c, root, in); err != nil {
		t.Fatal(err)
	}
	rec := c.out[0].Record
	if rec.NumCols() != 1 || rec.ColumnName(0) != "id" {
		t.Errorf("expected only id, got %s", rec.Schema())
	}
}

func TestCast(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	c := newCollector(alloc, 1024)
	defer c.release()

	f64, err := helpers.ParseType("double")
	if err != nil {
		t.Fatal(err)
	}
	root := setup(t, c, nil, NewCast([]CastColumn{{Name: "n", TargetType: f64}}), NewEmit())

	in := buffer.New(makeBatch(alloc, []string{"n", "s"},
		[]arrow.Array{
			makeInt64Arr(alloc, []int64{3, 4}),
			makeStringArr(alloc, []string{"x", "y"}),
		}), 1024)
	defer in.Release()

	if err := execute(t, alloc, c, root, in); err != nil {
		t.Fatal(err)
	}
	rec := c.out[0].Record
	if !arrow.TypeEqual(rec.Column(0).DataType(), arrow.PrimitiveTypes.Float64) {
		t.Fatalf("expected float64, got %s", rec.Column(0).DataType())
	}
	if v := helpers.Value(rec.Column(0), 1); v != 4.0 {
		t.Errorf("got %v", v)
	}
}

// ── Emit ────────────────────────────────────────────────────────────

func TestEmitChunksToCapacity(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	c := newCollector(alloc, 2)
	defer c.release()
	root := setup(t, c, nil, NewEmit())

	in := buffer.New(makeBatch(alloc, []string{"v"},
		[]arrow.Array{makeInt64Arr(alloc, []int64{1, 2, 3, 4, 5})}), 8)
	in.CreationTimestamp = 7
	in.Watermark = 99
	defer in.Release()

	if err := execute(t, alloc, c, root, in); err != nil {
		t.Fatal(err)
	}
	if len(c.out) != 3 {
		t.Fatalf("expected 3 buffers, got %d", len(c.out))
	}
	for i, want := range []int{2, 2, 1} {
		b := c.out[i]
		if b.TupleCount() != want {
			t.Errorf("buffer %d: %d tuples, want %d", i, b.TupleCount(), want)
		}
		if b.CreationTimestamp != 7 || b.Watermark != 99 {
			t.Errorf("buffer %d: metadata not propagated: %+v", i, b)
		}
	}
	if len(c.rows()) != 5 {
		t.Errorf("rows lost while chunking")
	}
}

// ── Sequence ────────────────────────────────────────────────────────

func seqBuffer(alloc memory.Allocator, seq uint64, v int64) *buffer.Buffer {
	b := buffer.New(makeBatch(alloc, []string{"v"}, []arrow.Array{makeInt64Arr(alloc, []int64{v})}), 16)
	b.SequenceNumber = seq
	b.CreationTimestamp = 1
	return b
}

func TestSequenceRestoresOrder(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	c := newCollector(alloc, 16)
	defer c.release()

	seq := sequencer.New(sequencer.Options{})
	table := handler.NewTable(seq)
	if err := table.StartAll(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	root := setup(t, c, table, NewSequence(0), NewEmit())

	for _, s := range []uint64{2, 0, 3, 1} {
		in := seqBuffer(alloc, s, int64(s)*10)
		if err := execute(t, alloc, c, root, in); err != nil {
			t.Fatal(err)
		}
		in.Release()
	}
	rows := c.rows()
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	for i, r := range rows {
		if r[0] != int64(i)*10 {
			t.Errorf("position %d: got %v", i, r[0])
		}
	}
	if err := terminate(t, alloc, c, root, handler.Graceful); err != nil {
		t.Fatal(err)
	}
	if err := table.StopAll(context.Background(), handler.Graceful, c); err != nil {
		t.Fatal(err)
	}
}

func TestSequenceTerminate(t *testing.T) {
	for _, tc := range []struct {
		kind handler.TerminationKind
		want int
	}{
		{handler.Graceful, 2},
		{handler.Failure, 0},
		{handler.HardStop, 0},
	} {
		t.Run(tc.kind.String(), func(t *testing.T) {
			alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
			defer alloc.AssertSize(t, 0)

			c := newCollector(alloc, 16)
			defer c.release()

			seq := sequencer.New(sequencer.Options{})
			table := handler.NewTable(seq)
			if err := table.StartAll(context.Background(), c); err != nil {
				t.Fatal(err)
			}
			root := setup(t, c, table, NewSequence(0), NewEmit())

			// Sequence 0 never arrives.
			for _, s := range []uint64{2, 1} {
				in := seqBuffer(alloc, s, int64(s))
				if err := execute(t, alloc, c, root, in); err != nil {
					t.Fatal(err)
				}
				in.Release()
			}
			if len(c.out) != 0 {
				t.Fatalf("released before gap closed")
			}
			if err := terminate(t, alloc, c, root, tc.kind); err != nil {
				t.Fatal(err)
			}
			rows := c.rows()
			if len(rows) != tc.want {
				t.Fatalf("got %d rows, want %d", len(rows), tc.want)
			}
			if tc.want > 0 && (rows[0][0] != int64(1) || rows[1][0] != int64(2)) {
				t.Errorf("drain out of order: %v", rows)
			}
		})
	}
}

func TestSequenceResolvesHandler(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	c := newCollector(alloc, 16)
	root := operator.Chain(NewScan(), NewSequence(0))
	err := root.Setup(&operator.SetupContext{
		Ctx:      context.Background(),
		Pipeline: c,
		Handlers: handler.NewTable(sequencer.New(sequencer.Options{})),
	})
	if err != nil {
		t.Fatalf("index 0 is a sequencer: %v", err)
	}
	err = operator.Chain(NewScan(), NewSequence(5)).Setup(&operator.SetupContext{
		Ctx:      context.Background(),
		Pipeline: c,
		Handlers: handler.NewTable(),
	})
	if err == nil {
		t.Fatal("expected unknown handler error")
	}
}

// ── WindowBuild ─────────────────────────────────────────────────────

func TestWindowBuild(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	c := newCollector(alloc, 1024)
	defer c.release()

	reg, err := aggregation.NewDefaultRegistry(aggregation.Env{})
	if err != nil {
		t.Fatal(err)
	}
	win, err := window.New(window.Options{
		Assigner:   window.Assigner{Size: 10},
		TimeField:  "ts",
		Keys:       []string{"k"},
		Aggregates: []aggregation.Spec{{Kind: aggregation.KindCount}, {Kind: aggregation.KindSum, Fields: []string{"v"}}},
		Registry:   reg,
	})
	if err != nil {
		t.Fatal(err)
	}
	table := handler.NewTable(win)
	if err := table.StartAll(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	root := setup(t, c, table, NewWindowBuild(0), NewEmit())

	batch := func(ts []int64, keys []string, vs []int64, wm int64) *buffer.Buffer {
		b := buffer.New(makeBatch(alloc, []string{"ts", "k", "v"},
			[]arrow.Array{makeInt64Arr(alloc, ts), makeStringArr(alloc, keys), makeInt64Arr(alloc, vs)}), 1024)
		b.Watermark = wm
		b.CreationTimestamp = 1
		return b
	}

	in := batch([]int64{1, 2, 3, 12}, []string{"a", "a", "b", "a"}, []int64{1, 2, 3, 4}, 5)
	if err := execute(t, alloc, c, root, in); err != nil {
		t.Fatal(err)
	}
	in.Release()
	if len(c.out) != 0 {
		t.Fatalf("window fired before watermark passed its end")
	}

	in = batch([]int64{14}, []string{"b"}, []int64{5}, 10)
	if err := execute(t, alloc, c, root, in); err != nil {
		t.Fatal(err)
	}
	in.Release()

	rows := c.rows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 groups for [0,10), got %d", len(rows))
	}
	// window_start, window_end, k, count, sum
	if rows[0][2] != "a" || rows[0][3] != int64(2) || rows[0][4] != int64(3) {
		t.Errorf("group a: %v", rows[0])
	}
	if rows[1][2] != "b" || rows[1][3] != int64(1) || rows[1][4] != int64(3) {
		t.Errorf("group b: %v", rows[1])
	}
	c.release()

	if err := terminate(t, alloc, c, root, handler.Graceful); err != nil {
		t.Fatal(err)
	}
	rows = c.rows()
	if len(rows) != 2 {
		t.Fatalf("flush: expected 2 groups for [10,20), got %d", len(rows))
	}
	if err := table.StopAll(context.Background(), handler.Graceful, c); err != nil {
		t.Fatal(err)
	}
}

func TestDescribeChain(t *testing.T) {
	sel, err := NewSelection("a > 1")
	if err != nil {
		t.Fatal(err)
	}
	root := operator.Chain(NewScan(), sel, NewDrop([]string{"b"}), NewEmit())
	if got, want := operator.Describe(root), "Scan -> Selection(a > 1) -> Drop -> Emit"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
