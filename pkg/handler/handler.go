// Package handler defines operator handlers: the per-pipeline state objects
// (sequencers, window stores) shared by every worker executing a pipeline.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/sandboxws/tributary/pkg/buffer"
)

// ErrIllegalTransition is returned when a lifecycle call arrives in a state
// that does not allow it, e.g. Stop before Start.
var ErrIllegalTransition = errors.New("handler: illegal lifecycle transition")

// TerminationKind tells handlers how a pipeline is being stopped.
type TerminationKind int

const (
	// Graceful: drain held data and flush open state downstream.
	Graceful TerminationKind = iota
	// Failure: the pipeline failed; discard in-flight state.
	Failure
	// HardStop: stop immediately without flushing.
	HardStop
)

func (k TerminationKind) String() string {
	switch k {
	case Graceful:
		return "graceful"
	case Failure:
		return "failure"
	case HardStop:
		return "hard-stop"
	default:
		return fmt.Sprintf("TerminationKind(%d)", int(k))
	}
}

// PipelineContext is what a pipeline stage exposes to handlers and
// operators outside of a single buffer: identity, buffers and downstream
// emission.
type PipelineContext interface {
	PipelineID() uint64
	NumWorkers() int
	Buffers() buffer.Provider
	// Emit hands buf to the downstream consumer, which takes ownership.
	Emit(ctx context.Context, buf *buffer.Buffer) error
	Logger() *slog.Logger
}

// Handler is a stateful object referenced by index from compiled operators.
type Handler interface {
	Start(ctx context.Context, pctx PipelineContext, index int) error
	Stop(ctx context.Context, kind TerminationKind, pctx PipelineContext) error
	Terminate(ctx context.Context, pctx PipelineContext) error
}

// State is a handler's lifecycle position.
type State int32

const (
	Constructed State = iota
	Started
	Stopped
	Terminated
)

func (s State) String() string {
	switch s {
	case Constructed:
		return "constructed"
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

// Lifecycle tracks Constructed -> Started -> Stopped -> Terminated with
// atomic transitions. Handlers embed it.
type Lifecycle struct {
	state atomic.Int32
}

// State returns the current state.
func (l *Lifecycle) State() State { return State(l.state.Load()) }

// Transition moves from -> to, failing if the current state is not from.
func (l *Lifecycle) Transition(from, to State) error {
	if !l.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrIllegalTransition, from, to, l.State())
	}
	return nil
}

// MarkStarted transitions Constructed -> Started.
func (l *Lifecycle) MarkStarted() error { return l.Transition(Constructed, Started) }

// MarkStopped transitions Started -> Stopped.
func (l *Lifecycle) MarkStopped() error { return l.Transition(Started, Stopped) }

// MarkTerminated moves any non-terminated state to Terminated. It fails only
// on a second call.
func (l *Lifecycle) MarkTerminated() error {
	for {
		cur := l.state.Load()
		if State(cur) == Terminated {
			return fmt.Errorf("%w: already terminated", ErrIllegalTransition)
		}
		if l.state.CompareAndSwap(cur, int32(Terminated)) {
			return nil
		}
	}
}

// Running reports whether the handler accepts work.
func (l *Lifecycle) Running() bool { return l.State() == Started }
