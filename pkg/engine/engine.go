// Package engine runs a plan: sources as goroutines, each pipeline node
// compiled to a stage driven by a pool of workers, sinks consuming the
// stages' output. Nodes are wired by buffered channels.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxws/tributary/pkg/aggregation"
	"github.com/sandboxws/tributary/pkg/buffer"
	"github.com/sandboxws/tributary/pkg/config"
	"github.com/sandboxws/tributary/pkg/connectors"
	"github.com/sandboxws/tributary/pkg/handler"
	"github.com/sandboxws/tributary/pkg/metrics"
	"github.com/sandboxws/tributary/pkg/pagedstore"
	"github.com/sandboxws/tributary/pkg/pipeline"
	"github.com/sandboxws/tributary/pkg/plan"
	"github.com/sandboxws/tributary/pkg/sequencer"
	"github.com/sandboxws/tributary/pkg/window"
)

const (
	defaultChannelBuffer = 16
	overflowBackoff      = 5 * time.Millisecond
	monitorInterval      = time.Second
)

// SourceFactory creates the source a plan node describes.
type SourceFactory func(n *plan.Node, cfg config.Config) (connectors.Source, error)

// SinkFactory creates the sink a plan node describes.
type SinkFactory func(n *plan.Node, cfg config.Config) (connectors.Sink, error)

// Options configures an Engine. Zero values get defaults.
type Options struct {
	Config   config.Config
	Alloc    memory.Allocator
	Metrics  *metrics.Registry
	Registry *aggregation.Registry
	Logger   *slog.Logger
	Sources  SourceFactory
	Sinks    SinkFactory
}

// Engine executes a plan. Build it with New, then call Run once.
type Engine struct {
	plan     *plan.Plan
	opts     Options
	registry *aggregation.Registry
	logger   *slog.Logger
	runID    string

	nodes []*node
	pools []*buffer.Pool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// node is the runtime state of one plan node.
type node struct {
	spec    *plan.Node
	index   int
	in      *inbox
	outs    []*inbox
	workers int

	source connectors.Source
	sink   connectors.Sink
	stage  *pipeline.Stage
	pool   *buffer.Pool
}

// inbox is a node's input channel. It closes once every producer is done.
type inbox struct {
	ch        chan *buffer.Buffer
	producers atomic.Int32
}

func (b *inbox) done() {
	if b.producers.Add(-1) == 0 {
		close(b.ch)
	}
}

// New validates p and builds every node. Unknown node or operator types,
// malformed options and aggregate arity errors all fail here.
func New(p *plan.Plan, opts Options) (*Engine, error) {
	if err := plan.Validate(p); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	if opts.Config.Workers == 0 {
		opts.Config = config.Default()
	}
	if opts.Alloc == nil {
		opts.Alloc = memory.DefaultAllocator
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sources == nil {
		opts.Sources = connectors.NewSource
	}
	if opts.Sinks == nil {
		opts.Sinks = connectors.NewSink
	}
	e := &Engine{
		plan:   p,
		opts:   opts,
		runID:  uuid.New().String(),
		stopCh: make(chan struct{}),
	}
	e.logger = opts.Logger.With("plan", p.Name, "run_id", e.runID)

	e.registry = opts.Registry
	if e.registry == nil {
		pages := pagedstore.NewPageAllocator(opts.Alloc, opts.Config.PageSize, int64(opts.Config.MaxPages))
		reg, err := aggregation.NewDefaultRegistry(aggregation.Env{Pages: pages})
		if err != nil {
			return nil, err
		}
		e.registry = reg
	}

	if err := e.build(); err != nil {
		return nil, err
	}
	return e, nil
}

// RunID identifies this engine instance in logs.
func (e *Engine) RunID() string { return e.runID }

func (e *Engine) build() error {
	byID := make(map[string]*node, len(e.plan.Nodes))
	for i := range e.plan.Nodes {
		spec := &e.plan.Nodes[i]
		n := &node{spec: spec, index: i}
		byID[spec.ID] = n
		e.nodes = append(e.nodes, n)

		var err error
		switch spec.Kind {
		case plan.KindSource:
			n.source, err = e.opts.Sources(spec, e.opts.Config)
		case plan.KindSink:
			n.sink, err = e.opts.Sinks(spec, e.opts.Config)
		case plan.KindPipeline:
			if n.workers, err = workerCount(spec, e.plan, e.opts.Config.Workers); err == nil {
				n.stage, err = e.buildStage(uint64(i), spec, n.workers)
			}
		}
		if err != nil {
			return err
		}
		if spec.Kind != plan.KindSource {
			n.in = &inbox{ch: make(chan *buffer.Buffer, defaultChannelBuffer)}
		}
		if spec.Kind != plan.KindSink {
			n.pool = buffer.NewPool(e.opts.Alloc, e.opts.Config.PoolSize, e.opts.Config.BufferCapacity)
			e.pools = append(e.pools, n.pool)
		}
	}
	for _, edge := range e.plan.Edges {
		from, to := byID[edge.From], byID[edge.To]
		from.outs = append(from.outs, to.in)
		to.in.producers.Add(1)
	}
	for _, n := range e.nodes {
		if n.in != nil && n.in.producers.Load() == 0 {
			close(n.in.ch)
		}
	}
	return nil
}

// Run executes the plan until every source is exhausted, Stop is called,
// or ctx is cancelled. Stop drains: sequencers release held buffers and
// windows flush before sinks close. Cancelling ctx discards held state.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, fail := context.WithCancelCause(ctx)
	defer fail(nil)
	g, gctx := errgroup.WithContext(runCtx)

	srcCtx, stopSources := context.WithCancel(gctx)
	defer stopSources()
	go func() {
		select {
		case <-e.stopCh:
			e.logger.Info("stopping sources")
		case <-srcCtx.Done():
		}
		stopSources()
	}()

	monCtx, stopMonitor := context.WithCancel(runCtx)
	var monitor sync.WaitGroup
	monitor.Add(1)
	go func() {
		defer monitor.Done()
		e.monitor(monCtx)
	}()

	e.logger.Info("engine starting", "nodes", len(e.nodes), "edges", len(e.plan.Edges))
	start := time.Now()

	// Pipelines start before anything can send to them.
	for _, n := range e.nodes {
		if n.stage == nil {
			continue
		}
		pctx := pipeline.NewContext(pipeline.ContextOptions{
			ID:      uint64(n.index),
			Workers: n.workers,
			Buffers: n.pool,
			Origin:  uint32(n.index),
			Emit:    e.emitter(n),
			Logger:  e.logger,
		})
		if err := n.stage.Start(runCtx, pctx); err != nil {
			fail(err)
			e.abort()
			stopMonitor()
			monitor.Wait()
			return err
		}
	}

	for _, n := range e.nodes {
		switch {
		case n.source != nil:
			e.runSource(g, gctx, srcCtx, fail, n)
		case n.stage != nil:
			e.runPipeline(g, runCtx, fail, n)
		case n.sink != nil:
			e.runSink(g, runCtx, fail, n)
		}
	}

	err := g.Wait()
	stopMonitor()
	monitor.Wait()
	if cause := context.Cause(runCtx); err == nil && cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}
	e.logger.Info("engine stopped", "elapsed", time.Since(start), "error", err)
	return err
}

// Stop asks sources to stop producing. Buffers already in flight run to
// completion and held state is flushed downstream. Stop does not wait;
// Run returns once the drain is done.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// abort terminates stages that were started before a startup failure.
func (e *Engine) abort() {
	for _, n := range e.nodes {
		if n.stage == nil {
			continue
		}
		if st := n.stage.State(); st == pipeline.Started || st == pipeline.Stopped {
			if err := n.stage.Terminate(context.Background()); err != nil {
				e.logger.Warn("terminate after failed start", "pipeline", n.spec.ID, "error", err)
			}
		}
	}
}

func (e *Engine) runSource(g *errgroup.Group, gctx, srcCtx context.Context, fail context.CancelCauseFunc, n *node) {
	out := make(chan *buffer.Buffer, defaultChannelBuffer)
	cctx := &connectors.Context{
		Context: srcCtx,
		Name:    n.spec.ID,
		Buffers: n.pool,
		Logger:  e.logger.With("source", n.spec.ID),
		Metrics: e.opts.Metrics,
	}
	g.Go(func() error {
		if err := n.source.Open(cctx); err != nil {
			close(out)
			err = fmt.Errorf("open source %s: %w", n.spec.ID, err)
			fail(err)
			return err
		}
		err := n.source.Run(cctx, out)
		if cerr := n.source.Close(); cerr != nil {
			cctx.Logger.Warn("close source", "error", cerr)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("source %s: %w", n.spec.ID, err)
			fail(err)
			return err
		}
		cctx.Logger.Info("source finished")
		return nil
	})
	g.Go(func() error {
		defer closeAll(n.outs)
		for buf := range out {
			dispatch(gctx, n.outs, buf)
		}
		return nil
	})
}

func (e *Engine) runPipeline(g *errgroup.Group, runCtx context.Context, fail context.CancelCauseFunc, n *node) {
	logger := e.logger.With("pipeline", n.spec.ID)
	g.Go(func() error {
		defer closeAll(n.outs)

		var workers errgroup.Group
		for w := 0; w < n.workers; w++ {
			workers.Go(func() error {
				for buf := range n.in.ch {
					err := e.execute(runCtx, n.stage, buf, w)
					buf.Release()
					if err == nil {
						continue
					}
					if fatal(err) {
						fail(err)
						drain(n.in.ch)
						return err
					}
					logger.Warn("buffer dropped", "worker", w, "error", err)
				}
				return nil
			})
		}
		werr := workers.Wait()

		kind := terminationKind(runCtx)
		errs := []error{werr, n.stage.Stop(runCtx, kind), n.stage.Terminate(runCtx)}
		if err := errors.Join(errs...); err != nil {
			if werr == nil {
				fail(err)
			}
			return err
		}
		return nil
	})
}

func (e *Engine) runSink(g *errgroup.Group, runCtx context.Context, fail context.CancelCauseFunc, n *node) {
	cctx := &connectors.Context{
		Context: runCtx,
		Name:    n.spec.ID,
		Logger:  e.logger.With("sink", n.spec.ID),
		Metrics: e.opts.Metrics,
	}
	g.Go(func() error {
		if err := n.sink.Open(cctx); err != nil {
			err = fmt.Errorf("open sink %s: %w", n.spec.ID, err)
			fail(err)
			drain(n.in.ch)
			return err
		}
		for buf := range n.in.ch {
			err := n.sink.Write(buf)
			buf.Release()
			if err != nil {
				err = fmt.Errorf("sink %s: %w", n.spec.ID, err)
				fail(err)
				drain(n.in.ch)
				_ = n.sink.Close()
				return err
			}
		}
		if err := n.sink.Close(); err != nil {
			err = fmt.Errorf("close sink %s: %w", n.spec.ID, err)
			fail(err)
			return err
		}
		return nil
	})
}

// execute runs buf through stage, retrying while the stage's sequencer
// backlog is full. The caller keeps ownership of buf.
func (e *Engine) execute(ctx context.Context, stage *pipeline.Stage, buf *buffer.Buffer, worker int) error {
	for {
		err := stage.Execute(ctx, buf, worker)
		if !errors.Is(err, sequencer.ErrBacklogOverflow) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(overflowBackoff):
		}
	}
}

// emitter forwards a stage's output to its downstream nodes.
func (e *Engine) emitter(n *node) pipeline.EmitFunc {
	return func(ctx context.Context, buf *buffer.Buffer) error {
		if !dispatch(ctx, n.outs, buf) {
			return ctx.Err()
		}
		return nil
	}
}

func (e *Engine) monitor(ctx context.Context) {
	var printer sync.WaitGroup
	defer printer.Wait()
	if m := e.opts.Metrics; m != nil {
		printer.Add(1)
		go func() {
			defer printer.Done()
			metrics.RunStatsPrinter(ctx, m, e.opts.Config.StatsInterval, e.logger)
		}()
	}
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.opts.Metrics == nil {
				continue
			}
			var inUse int64
			for _, p := range e.pools {
				inUse += p.InUse()
			}
			e.opts.Metrics.PoolInUse.Set(float64(inUse))
		}
	}
}

// dispatch hands buf to every downstream inbox, taking one reference per
// extra receiver. It reports false if ctx ended first; undelivered
// references are released.
func dispatch(ctx context.Context, outs []*inbox, buf *buffer.Buffer) bool {
	if len(outs) == 0 {
		buf.Release()
		return true
	}
	for range outs[1:] {
		buf.Retain()
	}
	for i, out := range outs {
		select {
		case out.ch <- buf:
		case <-ctx.Done():
			for range outs[i:] {
				buf.Release()
			}
			return false
		}
	}
	return true
}

func closeAll(outs []*inbox) {
	for _, out := range outs {
		out.done()
	}
}

func drain(ch <-chan *buffer.Buffer) {
	for buf := range ch {
		buf.Release()
	}
}

// fatal reports whether an execution error must stop the run. Panics,
// sequence collisions and windows left half-lifted are fatal; anything else
// drops the buffer.
func fatal(err error) bool {
	var ee *pipeline.ExecutionError
	if errors.As(err, &ee) && ee.Panicked {
		return true
	}
	return errors.Is(err, sequencer.ErrSequenceCollision) ||
		errors.Is(err, pipeline.ErrNotRunning) ||
		errors.Is(err, window.ErrInconsistent)
}

func terminationKind(ctx context.Context) handler.TerminationKind {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return handler.Graceful
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		return handler.HardStop
	}
	return handler.Failure
}
