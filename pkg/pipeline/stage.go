// Package pipeline compiles an operator chain into a stage that many
// workers execute concurrently.
//
// A stage moves through Uninitialized -> Compiled -> Started -> Stopped ->
// Terminated. Execute is only valid while Started; Stop waits for every
// in-flight Execute to return before it runs the operators' Terminate hooks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sandboxws/tributary/pkg/arena"
	"github.com/sandboxws/tributary/pkg/buffer"
	"github.com/sandboxws/tributary/pkg/handler"
	"github.com/sandboxws/tributary/pkg/metrics"
	"github.com/sandboxws/tributary/pkg/operator"
)

// State is a stage's lifecycle position.
type State int32

const (
	Uninitialized State = iota
	Compiled
	Started
	Stopped
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Compiled:
		return "compiled"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Pipeline is an uncompiled operator chain with the handlers its operators
// reference by index.
type Pipeline struct {
	ID          uint64
	Description string
	Root        operator.PhysicalOperator
	Handlers    *handler.Table
}

// Options configures a Stage.
type Options struct {
	Metrics *metrics.Registry
	Logger  *slog.Logger
	// Label is the metrics label; defaults to the description.
	Label string
}

// Stage is a compiled, executable pipeline. Execute is safe for
// concurrent use; lifecycle calls are serialized.
type Stage struct {
	p       Pipeline
	metrics *metrics.Registry
	logger  *slog.Logger
	label   string
	now     func() time.Time

	mu       sync.Mutex
	state    State
	pctx     handler.PipelineContext
	inflight sync.WaitGroup
}

// NewStage wraps p. Call Compile before Start.
func NewStage(p Pipeline, opts Options) *Stage {
	if p.Handlers == nil {
		p.Handlers = handler.NewTable()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		p:       p,
		metrics: opts.Metrics,
		logger:  logger,
		label:   opts.Label,
		now:     time.Now,
	}
}

// State returns the current lifecycle state.
func (s *Stage) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Description is the pipeline's human readable description.
func (s *Stage) Description() string { return s.p.Description }

// Handlers returns the stage's handler table.
func (s *Stage) Handlers() *handler.Table { return s.p.Handlers }

// Compile validates the operator chain. On failure the stage stays
// Uninitialized and a *CompilationError is returned.
func (s *Stage) Compile() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Uninitialized {
		return fmt.Errorf("%w: compile in state %s", ErrIllegalState, s.state)
	}
	if err := s.validate(); err != nil {
		return &CompilationError{Pipeline: s.p.Description, Err: err}
	}
	if s.p.Description == "" {
		s.p.Description = operator.Describe(s.p.Root)
	}
	if s.label == "" {
		s.label = s.p.Description
	}
	s.logger = s.logger.With("pipeline", s.p.Description)
	s.state = Compiled
	return nil
}

func (s *Stage) validate() error {
	if s.p.Root == nil {
		return errors.New("pipeline has no root operator")
	}
	seen := make(map[operator.PhysicalOperator]bool)
	return operator.Walk(s.p.Root, func(op operator.PhysicalOperator) error {
		if seen[op] {
			return fmt.Errorf("operator %s appears twice in the chain", operator.Name(op))
		}
		seen[op] = true
		return nil
	})
}

// Start starts every handler and runs the operators' Setup hooks in tree
// order. It runs once. If it fails, every handler is stopped and
// terminated and the stage moves straight to Terminated.
func (s *Stage) Start(ctx context.Context, pctx handler.PipelineContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Compiled {
		return fmt.Errorf("%w: start in state %s", ErrIllegalState, s.state)
	}
	if err := s.p.Handlers.StartAll(ctx, pctx); err != nil {
		return s.failStart(ctx, pctx, fmt.Errorf("start handlers of %q: %w", s.p.Description, err))
	}
	err := s.p.Root.Setup(&operator.SetupContext{
		Ctx:      ctx,
		Pipeline: pctx,
		Handlers: s.p.Handlers,
		Logger:   s.logger,
		Metrics:  s.metrics,
		Label:    s.label,
	})
	if err != nil {
		err = fmt.Errorf("setup %q: %w", s.p.Description, err)
		return s.failStart(ctx, pctx, errors.Join(err, s.p.Handlers.StopAll(ctx, handler.HardStop, pctx)))
	}
	s.pctx = pctx
	s.state = Started
	s.logger.Info("pipeline started", "workers", pctx.NumWorkers(), "handlers", s.p.Handlers.Len())
	return nil
}

// failStart terminates the handlers after a failed Start. s.mu is held.
func (s *Stage) failStart(ctx context.Context, pctx handler.PipelineContext, err error) error {
	s.state = Terminated
	return errors.Join(err, s.p.Handlers.TerminateAll(ctx, pctx))
}

// Execute runs buf through the operator chain on the calling goroutine.
// The caller keeps ownership of buf. A missing ingress timestamp is set to
// the current time.
func (s *Stage) Execute(ctx context.Context, buf *buffer.Buffer, worker int) (err error) {
	s.mu.Lock()
	if s.state != Started {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotRunning, state)
	}
	s.inflight.Add(1)
	pctx := s.pctx
	s.mu.Unlock()
	defer s.inflight.Done()

	s.ingress(buf)
	start := s.now()

	a := arena.New(pctx.Buffers().Allocator())
	ectx := &operator.ExecutionContext{
		Ctx:              ctx,
		Pipeline:         pctx,
		Arena:            a,
		Logger:           s.logger,
		Metrics:          s.metrics,
		Label:            s.label,
		WorkerID:         worker,
		Input:            buf,
		IngressTimestamp: buf.CreationTimestamp,
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("operator panicked", "worker", worker, "panic", r, "stack", string(debug.Stack()))
			err = s.wrap(buf, worker, fmt.Errorf("%v", r), true)
		}
		if rerr := a.Release(); rerr != nil && err == nil {
			err = s.wrap(buf, worker, rerr, false)
		}
		if s.metrics != nil {
			s.metrics.BatchLatency.WithLabelValues(s.label).Observe(s.now().Sub(start).Seconds())
			if err != nil {
				s.metrics.Errors.WithLabelValues(s.label, errorKind(err)).Inc()
			}
		}
	}()

	if err := s.p.Root.Open(ectx, buf.Record); err != nil {
		return s.wrap(buf, worker, err, false)
	}
	if err := s.p.Root.Close(ectx); err != nil {
		return s.wrap(buf, worker, err, false)
	}
	return nil
}

func (s *Stage) ingress(buf *buffer.Buffer) {
	missing := buf.CreationTimestamp == buffer.InvalidTimestamp
	if missing {
		buf.CreationTimestamp = s.now().UnixMilli()
	}
	if s.metrics == nil {
		return
	}
	s.metrics.BuffersIn.WithLabelValues(s.label).Inc()
	if missing {
		s.metrics.TimestampMissing.WithLabelValues(s.label).Inc()
	} else {
		s.metrics.TimestampPresent.WithLabelValues(s.label).Inc()
	}
}

func (s *Stage) wrap(buf *buffer.Buffer, worker int, err error, panicked bool) error {
	return &ExecutionError{
		Pipeline: s.p.Description,
		Worker:   worker,
		Origin:   buf.OriginID,
		Sequence: buf.SequenceNumber,
		Panicked: panicked,
		Err:      err,
	}
}

func errorKind(err error) string {
	var ee *ExecutionError
	if errors.As(err, &ee) && ee.Panicked {
		return "panic"
	}
	return "error"
}

// Stop rejects new Execute calls, waits for in-flight ones, then runs the
// operators' Terminate hooks and stops the handlers. A graceful stop
// flushes held state downstream.
func (s *Stage) Stop(ctx context.Context, kind handler.TerminationKind) error {
	s.mu.Lock()
	if s.state != Started {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: stop in state %s", ErrIllegalState, state)
	}
	s.state = Stopped
	pctx := s.pctx
	s.mu.Unlock()

	s.inflight.Wait()

	a := arena.New(pctx.Buffers().Allocator())
	ectx := &operator.ExecutionContext{
		Ctx:              ctx,
		Pipeline:         pctx,
		Arena:            a,
		Logger:           s.logger,
		Metrics:          s.metrics,
		Label:            s.label,
		IngressTimestamp: s.now().UnixMilli(),
	}
	errs := []error{
		s.p.Root.Terminate(ectx, kind),
		s.p.Handlers.StopAll(ctx, kind, pctx),
		a.Release(),
	}
	s.logger.Info("pipeline stopped", "termination", kind.String())
	return errors.Join(errs...)
}

// Terminate releases the handlers. A stage still running is stopped with
// HardStop first.
func (s *Stage) Terminate(ctx context.Context) error {
	var errs []error
	if s.State() == Started {
		errs = append(errs, s.Stop(ctx, handler.HardStop))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return fmt.Errorf("%w: already terminated", ErrIllegalState)
	}
	errs = append(errs, s.p.Handlers.TerminateAll(ctx, s.pctx))
	s.state = Terminated
	return errors.Join(errs...)
}
