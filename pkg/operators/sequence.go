package operators

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/tributary/pkg/buffer"
	"github.com/sandboxws/tributary/pkg/handler"
	"github.com/sandboxws/tributary/pkg/operator"
	"github.com/sandboxws/tributary/pkg/sequencer"
)

// Sequence is a scan guarded by a sequencer: the rest of the chain sees
// each origin's buffers in sequence-number order. Buffers arriving early
// are held and later run by whichever worker closes the gap.
type Sequence struct {
	operator.Base
	index int
	seq   *sequencer.Sequencer
}

// NewSequence creates a Sequence bound to the sequencer at handler index.
func NewSequence(index int) *Sequence { return &Sequence{index: index} }

func (s *Sequence) Name() string { return "Sequence" }

func (s *Sequence) Setup(sctx *operator.SetupContext) error {
	seq, err := handler.Resolve[*sequencer.Sequencer](sctx.Handlers, s.index)
	if err != nil {
		return fmt.Errorf("sequence: %w", err)
	}
	s.seq = seq
	return s.Base.Setup(sctx)
}

// Open submits the current input buffer. rec must be the input's record.
func (s *Sequence) Open(ectx *operator.ExecutionContext, _ arrow.Record) error {
	if ectx.Input == nil {
		return errors.New("sequence: no input buffer")
	}
	in := ectx.Input
	in.Retain()
	res, err := s.seq.Submit(in, s.emitter(ectx))
	if err != nil {
		if errors.Is(err, sequencer.ErrBacklogOverflow) {
			in.Release()
		}
		return err
	}
	if ectx.Metrics != nil && res.Released > 0 {
		ectx.Metrics.RowsProcessed.WithLabelValues(ectx.Label, "sequence").Add(float64(in.TupleCount()))
	}
	return nil
}

// Close is a no-op: the child's Close already ran for every released buffer.
func (s *Sequence) Close(*operator.ExecutionContext) error { return nil }

// Terminate drains held buffers through the chain on graceful stop and
// discards them otherwise.
func (s *Sequence) Terminate(ectx *operator.ExecutionContext, kind handler.TerminationKind) error {
	var errs []error
	if s.seq != nil {
		if kind == handler.Graceful {
			if err := s.seq.Drain(s.emitter(ectx)); err != nil && !errors.Is(err, sequencer.ErrExhausted) {
				errs = append(errs, err)
			}
		} else if n := s.seq.Discard(); n > 0 && ectx.Logger != nil {
			ectx.Logger.Warn("discarded held buffers", "count", n, "kind", kind.String())
		}
	}
	errs = append(errs, s.Base.Terminate(ectx, kind))
	return errors.Join(errs...)
}

// emitter runs the rest of the chain for a released buffer on the calling
// goroutine, then releases it.
func (s *Sequence) emitter(ectx *operator.ExecutionContext) sequencer.EmitFunc {
	return func(b *buffer.Buffer) error {
		defer b.Release()
		sub := *ectx
		sub.Input = b
		if b.CreationTimestamp != buffer.InvalidTimestamp {
			sub.IngressTimestamp = b.CreationTimestamp
		}
		if err := s.Base.Open(&sub, b.Record); err != nil {
			return err
		}
		return s.Base.Close(&sub)
	}
}
