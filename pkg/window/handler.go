package window

import (
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sandboxws/tributary/pkg/aggregation"
	"github.com/sandboxws/tributary/pkg/arena"
	helpers "github.com/sandboxws/tributary/pkg/arrow/helpers"
	"github.com/sandboxws/tributary/pkg/handler"
	"github.com/sandboxws/tributary/pkg/state"
)

// Output column names added in front of keys and aggregates.
const (
	StartColumn = "window_start"
	EndColumn   = "window_end"
)

var (
	// ErrSchemaChanged is returned when a pipeline feeds records whose schema
	// differs from the first one the handler bound to.
	ErrSchemaChanged = errors.New("window: input schema changed")
	// ErrInconsistent wraps a lift failure that may have left part of a
	// record aggregated. The handler refuses further lifts, triggers and
	// flushes once it has returned this error; only Discard remains.
	ErrInconsistent = errors.New("window: partial state inconsistent")
)

// Options configures a Handler.
type Options struct {
	Assigner
	// TimeField is an Int64 or Timestamp column holding event time in ms.
	TimeField  string
	Keys       []string
	Aggregates []aggregation.Spec
	Registry   *aggregation.Registry
	// Workers is the number of workers lifting concurrently.
	Workers int

	Malformed *prometheus.CounterVec // by aggregate, optional
	Late      prometheus.Counter     // optional
	Triggered prometheus.Counter     // optional
	Logger    *slog.Logger
}

type groupKey struct {
	window Bounds
	hash   uint64
}

// group is one (window, key) accumulator set.
type group struct {
	window Bounds
	enc    []byte
	keys   []any
	states []*aggregation.State
}

type partials struct {
	mu     sync.Mutex
	slabs  []*state.Slab
	groups map[groupKey][]*group
	enc    []byte
	wins   []Bounds
}

// Handler accumulates per-worker partial aggregates and, when the
// watermark passes a window's end, combines the partials, lowers them once
// and destroys them.
type Handler struct {
	handler.Lifecycle

	opts Options
	fns  []aggregation.Function

	bindMu  sync.Mutex
	bound   *arrow.Schema
	timeIdx int
	keyIdx  []int
	out     *arrow.Schema

	workers []*partials

	wmMu       sync.Mutex
	watermarks map[uint32]int64
	fired      int64 // every window with End <= fired has been emitted

	triggerMu sync.Mutex
	merged    []*state.Slab

	failMu  sync.Mutex
	failure error

	warned []sync.Once
}

// New builds the aggregate functions and validates the window shape.
// Unknown aggregate kinds and wrong arities fail here, before any data
// flows.
func New(opts Options) (*Handler, error) {
	if err := opts.Assigner.Validate(); err != nil {
		return nil, err
	}
	if opts.TimeField == "" {
		return nil, errors.New("window: time field is required")
	}
	if len(opts.Aggregates) == 0 {
		return nil, errors.New("window: at least one aggregate is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("window: aggregation registry is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handler{
		opts:       opts,
		watermarks: make(map[uint32]int64),
		fired:      math.MinInt64,
		warned:     make([]sync.Once, len(opts.Aggregates)),
	}
	for _, spec := range opts.Aggregates {
		fn, err := opts.Registry.Build(spec)
		if err != nil {
			return nil, err
		}
		h.fns = append(h.fns, fn)
	}
	h.workers = make([]*partials, opts.Workers)
	for i := range h.workers {
		h.workers[i] = &partials{slabs: h.newSlabs(), groups: make(map[groupKey][]*group)}
	}
	h.merged = h.newSlabs()
	return h, nil
}

func (h *Handler) newSlabs() []*state.Slab {
	slabs := make([]*state.Slab, len(h.fns))
	for i, fn := range h.fns {
		slabs[i] = state.NewSlab(fn.StateSize())
	}
	return slabs
}

// OutputSchema returns the schema of triggered records, or nil before the
// first record was lifted.
func (h *Handler) OutputSchema() *arrow.Schema {
	h.bindMu.Lock()
	defer h.bindMu.Unlock()
	return h.out
}

func (h *Handler) bind(schema *arrow.Schema) error {
	h.bindMu.Lock()
	defer h.bindMu.Unlock()
	if h.bound != nil {
		if h.bound == schema || h.bound.Equal(schema) {
			return nil
		}
		return fmt.Errorf("%w: bound to %s, got %s", ErrSchemaChanged, h.bound, schema)
	}
	h.timeIdx = helpers.ColumnIndex(schema, h.opts.TimeField)
	if h.timeIdx < 0 {
		return fmt.Errorf("window: time field %q not in input", h.opts.TimeField)
	}
	switch schema.Field(h.timeIdx).Type.ID() {
	case arrow.INT64, arrow.TIMESTAMP:
	default:
		return fmt.Errorf("window: time field %q has type %s", h.opts.TimeField, schema.Field(h.timeIdx).Type)
	}
	fields := []arrow.Field{
		{Name: StartColumn, Type: arrow.PrimitiveTypes.Int64},
		{Name: EndColumn, Type: arrow.PrimitiveTypes.Int64},
	}
	h.keyIdx = h.keyIdx[:0]
	for _, k := range h.opts.Keys {
		idx := helpers.ColumnIndex(schema, k)
		if idx < 0 {
			return fmt.Errorf("window: key %q not in input", k)
		}
		h.keyIdx = append(h.keyIdx, idx)
		fields = append(fields, schema.Field(idx))
	}
	for _, fn := range h.fns {
		if err := fn.Bind(schema); err != nil {
			return err
		}
		fields = append(fields, arrow.Field{Name: fn.Name(), Type: fn.ResultType(), Nullable: true})
	}
	h.bound = schema
	h.out = arrow.NewSchema(fields, nil)
	return nil
}

// Lift adds every row of rec to worker's partial states.
func (h *Handler) Lift(worker int, rec arrow.Record) error {
	if !h.Running() {
		return fmt.Errorf("window: lift in state %s", h.State())
	}
	if err := h.failed(); err != nil {
		return err
	}
	if err := h.bind(rec.Schema()); err != nil {
		return err
	}
	p := h.workers[worker%len(h.workers)]
	p.mu.Lock()
	defer p.mu.Unlock()

	// Read after taking the partials lock: a concurrent trigger either
	// already advanced fired, or will collect what we lift here.
	h.wmMu.Lock()
	fired := h.fired
	h.wmMu.Unlock()

	timeCol := rec.Column(h.timeIdx)
	for row := 0; row < int(rec.NumRows()); row++ {
		ts, ok := helpers.Value(timeCol, row).(int64)
		if !ok {
			h.malformed(-1, row, errors.New("missing event time"))
			continue
		}
		p.wins = h.opts.Assign(p.wins[:0], ts)
		p.enc = h.encodeKey(p.enc[:0], rec, row)
		for _, w := range p.wins {
			if w.End <= fired {
				if h.opts.Late != nil {
					h.opts.Late.Inc()
				}
				continue
			}
			g, err := h.group(p, w, rec, row)
			if err != nil {
				return h.fail(err)
			}
			for i, fn := range h.fns {
				err := fn.Lift(g.states[i], rec, row)
				if errors.Is(err, aggregation.ErrMalformedInput) {
					h.malformed(i, row, err)
					continue
				}
				if err != nil {
					return h.fail(fmt.Errorf("lift %s row %d: %w", fn.Name(), row, err))
				}
			}
		}
	}
	return nil
}

// fail records err as the handler's terminal failure. Earlier rows and
// aggregates of the record stay lifted and cannot be told apart from good
// ones, so nothing the handler holds may be emitted afterwards.
func (h *Handler) fail(err error) error {
	h.failMu.Lock()
	defer h.failMu.Unlock()
	if h.failure == nil {
		h.failure = fmt.Errorf("%w: %w", ErrInconsistent, err)
		h.opts.Logger.Error("window lift failed, open windows will be discarded", "error", err)
	}
	return h.failure
}

func (h *Handler) failed() error {
	h.failMu.Lock()
	defer h.failMu.Unlock()
	return h.failure
}

func (h *Handler) malformed(fn, row int, err error) {
	name := "event_time"
	if fn >= 0 {
		name = h.fns[fn].Name()
		h.warned[fn].Do(func() {
			h.opts.Logger.Warn("skipping malformed records", "aggregate", name, "row", row, "error", err)
		})
	}
	if h.opts.Malformed != nil {
		h.opts.Malformed.WithLabelValues(name).Inc()
	}
}

func (h *Handler) group(p *partials, w Bounds, rec arrow.Record, row int) (*group, error) {
	k := groupKey{window: w, hash: xxhash.Sum64(p.enc)}
	for _, g := range p.groups[k] {
		if bytes.Equal(g.enc, p.enc) {
			return g, nil
		}
	}
	g := &group{
		window: w,
		enc:    bytes.Clone(p.enc),
		keys:   make([]any, len(h.keyIdx)),
		states: make([]*aggregation.State, len(h.fns)),
	}
	for i, idx := range h.keyIdx {
		v := helpers.Value(rec.Column(idx), row)
		switch x := v.(type) {
		case []byte:
			v = bytes.Clone(x)
		case string:
			v = strings.Clone(x)
		}
		g.keys[i] = v
	}
	for i, fn := range h.fns {
		st := p.slabs[i].Alloc()
		if err := fn.Reset(st); err != nil {
			for j := 0; j < i; j++ {
				h.fns[j].Destroy(g.states[j])
				p.slabs[j].Free(g.states[j])
			}
			p.slabs[i].Free(st)
			return nil, err
		}
		g.states[i] = st
	}
	p.groups[k] = append(p.groups[k], g)
	return g, nil
}

// encodeKey writes a type-tagged encoding of the key columns at row.
func (h *Handler) encodeKey(dst []byte, rec arrow.Record, row int) []byte {
	for _, idx := range h.keyIdx {
		switch v := helpers.Value(rec.Column(idx), row).(type) {
		case nil:
			dst = append(dst, 0)
		case int64:
			dst = binary.LittleEndian.AppendUint64(append(dst, 1), uint64(v))
		case uint64:
			dst = binary.LittleEndian.AppendUint64(append(dst, 2), v)
		case float64:
			dst = binary.LittleEndian.AppendUint64(append(dst, 3), math.Float64bits(v))
		case string:
			dst = binary.LittleEndian.AppendUint32(append(dst, 4), uint32(len(v)))
			dst = append(dst, v...)
		case []byte:
			dst = binary.LittleEndian.AppendUint32(append(dst, 5), uint32(len(v)))
			dst = append(dst, v...)
		case bool:
			b := byte(0)
			if v {
				b = 1
			}
			dst = append(dst, 6, b)
		}
	}
	return dst
}

// ObserveWatermark records origin's watermark. The handler's watermark is
// the minimum over every origin seen so far. It returns the new global
// watermark.
func (h *Handler) ObserveWatermark(origin uint32, wm int64) int64 {
	h.wmMu.Lock()
	defer h.wmMu.Unlock()
	if cur, ok := h.watermarks[origin]; !ok || wm > cur {
		h.watermarks[origin] = wm
	}
	return h.globalLocked()
}

func (h *Handler) globalLocked() int64 {
	if len(h.watermarks) == 0 {
		return math.MinInt64
	}
	low := int64(math.MaxInt64)
	for _, wm := range h.watermarks {
		low = min(low, wm)
	}
	return low
}

// Watermark returns the global watermark.
func (h *Handler) Watermark() int64 {
	h.wmMu.Lock()
	defer h.wmMu.Unlock()
	return h.globalLocked()
}

// Trigger finalizes every window whose end is at or below the global
// watermark and returns one record per triggered batch, or nil if nothing
// fired. Variable-sized results are lowered into a and copied into the
// record. The caller releases the returned record.
func (h *Handler) Trigger(alloc memory.Allocator, a *arena.Arena) (arrow.Record, error) {
	if err := h.failed(); err != nil {
		return nil, err
	}
	h.wmMu.Lock()
	wm := h.globalLocked()
	if wm <= h.fired {
		h.wmMu.Unlock()
		return nil, nil
	}
	h.fired = wm
	h.wmMu.Unlock()
	return h.finalize(alloc, a, func(b Bounds) bool { return b.End <= wm })
}

// Flush finalizes every open window regardless of the watermark.
func (h *Handler) Flush(alloc memory.Allocator, a *arena.Arena) (arrow.Record, error) {
	if err := h.failed(); err != nil {
		return nil, err
	}
	h.wmMu.Lock()
	h.fired = math.MaxInt64
	h.wmMu.Unlock()
	return h.finalize(alloc, a, func(Bounds) bool { return true })
}

// Discard destroys every open window without emitting.
func (h *Handler) Discard() int {
	h.triggerMu.Lock()
	defer h.triggerMu.Unlock()
	n := 0
	for _, p := range h.workers {
		p.mu.Lock()
		for k, gs := range p.groups {
			for _, g := range gs {
				h.destroy(p.slabs, g)
				n++
			}
			delete(p.groups, k)
		}
		p.mu.Unlock()
	}
	return n
}

// OpenGroups returns the number of open (window, key) groups across workers.
func (h *Handler) OpenGroups() int {
	n := 0
	for _, p := range h.workers {
		p.mu.Lock()
		for _, gs := range p.groups {
			n += len(gs)
		}
		p.mu.Unlock()
	}
	return n
}

func (h *Handler) destroy(slabs []*state.Slab, g *group) {
	for i, fn := range h.fns {
		fn.Destroy(g.states[i])
		slabs[i].Free(g.states[i])
	}
}

func (h *Handler) finalize(alloc memory.Allocator, a *arena.Arena, ready func(Bounds) bool) (arrow.Record, error) {
	h.triggerMu.Lock()
	defer h.triggerMu.Unlock()

	// Combine the partials of ready windows, worker by worker.
	merged := make(map[string]*group)
	for _, p := range h.workers {
		if err := h.take(p, ready, merged); err != nil {
			h.release(merged)
			return nil, err
		}
	}
	if len(merged) == 0 {
		return nil, nil
	}
	groups := make([]*group, 0, len(merged))
	for _, g := range merged {
		groups = append(groups, g)
	}
	slices.SortFunc(groups, func(x, y *group) int {
		if c := cmp.Compare(x.window.Start, y.window.Start); c != 0 {
			return c
		}
		return bytes.Compare(x.enc, y.enc)
	})
	defer h.release(merged)

	h.bindMu.Lock()
	out := h.out
	h.bindMu.Unlock()

	bldr := array.NewRecordBuilder(alloc, out)
	defer bldr.Release()
	windows := map[Bounds]struct{}{}
	for _, g := range groups {
		windows[g.window] = struct{}{}
		bldr.Field(0).(*array.Int64Builder).Append(g.window.Start)
		bldr.Field(1).(*array.Int64Builder).Append(g.window.End)
		col := 2
		for _, k := range g.keys {
			helpers.AppendValue(bldr.Field(col), k)
			col++
		}
		for i, fn := range h.fns {
			v, err := fn.Lower(g.states[i], a)
			if err != nil {
				return nil, fmt.Errorf("window: lower %s for %s: %w", fn.Name(), g.window, err)
			}
			helpers.AppendValue(bldr.Field(col), v)
			col++
		}
	}
	if h.opts.Triggered != nil {
		h.opts.Triggered.Add(float64(len(windows)))
	}
	return bldr.NewRecord(), nil
}

// take moves the ready groups of p into merged, combining into the merged
// state for the same (window, key). A group leaves p.groups as soon as it
// is destroyed, so on error p only holds live groups.
func (h *Handler) take(p *partials, ready func(Bounds) bool, merged map[string]*group) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, gs := range p.groups {
		if !ready(k.window) {
			continue
		}
		for len(gs) > 0 {
			g := gs[0]
			id := mergeID(g)
			m, ok := merged[id]
			if !ok {
				m = &group{window: g.window, enc: g.enc, keys: g.keys, states: make([]*aggregation.State, len(h.fns))}
				merged[id] = m
				for i, fn := range h.fns {
					st := h.merged[i].Alloc()
					if err := fn.Reset(st); err != nil {
						h.merged[i].Free(st)
						return err
					}
					m.states[i] = st
				}
			}
			for i, fn := range h.fns {
				if err := fn.Combine(m.states[i], g.states[i]); err != nil {
					return fmt.Errorf("window: combine %s: %w", fn.Name(), err)
				}
			}
			h.destroy(p.slabs, g)
			gs = gs[1:]
			p.groups[k] = gs
		}
		delete(p.groups, k)
	}
	return nil
}

func (h *Handler) release(merged map[string]*group) {
	for id, g := range merged {
		for i, fn := range h.fns {
			if g.states[i] != nil {
				fn.Destroy(g.states[i])
				h.merged[i].Free(g.states[i])
			}
		}
		delete(merged, id)
	}
}

func mergeID(g *group) string {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], uint64(g.window.Start))
	binary.LittleEndian.PutUint64(b[8:], uint64(g.window.End))
	return string(b[:]) + string(g.enc)
}

// Start implements handler.Handler.
func (h *Handler) Start(_ context.Context, pctx handler.PipelineContext, index int) error {
	if err := h.MarkStarted(); err != nil {
		return err
	}
	if pctx != nil && pctx.NumWorkers() > len(h.workers) {
		h.opts.Logger.Warn("more pipeline workers than window partials; workers will share",
			"workers", pctx.NumWorkers(), "partials", len(h.workers), "handler", index)
	}
	return nil
}

// Stop implements handler.Handler. Windows still open were expected to be
// flushed by the owning operator and are discarded.
func (h *Handler) Stop(_ context.Context, kind handler.TerminationKind, _ handler.PipelineContext) error {
	if err := h.MarkStopped(); err != nil {
		return err
	}
	if n := h.Discard(); n > 0 {
		h.opts.Logger.Warn("window handler discarded open groups", "groups", n, "termination", kind)
	}
	return nil
}

// Terminate implements handler.Handler.
func (h *Handler) Terminate(context.Context, handler.PipelineContext) error {
	h.Discard()
	return h.MarkTerminated()
}
