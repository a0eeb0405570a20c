// Package sequencer restores per-origin sequence-number order for buffers
// that reach a pipeline out of order.
//
// A buffer whose sequence number is the next expected one for its origin is
// released immediately; later buffers are held until the gap closes. Only one
// goroutine releases at a time per origin (the one whose buffer closed the
// gap), so emission for an origin is strictly ascending even when many
// workers submit concurrently.
package sequencer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sandboxws/tributary/pkg/buffer"
	"github.com/sandboxws/tributary/pkg/handler"
)

// DefaultMaxPending bounds the number of held buffers when no limit is
// configured.
const DefaultMaxPending = 1024

var (
	// ErrSequenceCollision is returned when a held sequence number arrives
	// again with different contents. It is fatal for the pipeline.
	ErrSequenceCollision = errors.New("sequencer: sequence number collision")

	// ErrBacklogOverflow is returned when holding one more buffer would exceed
	// MaxPending. The buffer is not accepted and stays owned by the caller;
	// the caller may retry once downstream catches up.
	ErrBacklogOverflow = errors.New("sequencer: backlog overflow")

	// ErrExhausted is returned after Drain or Discard.
	ErrExhausted = errors.New("sequencer: exhausted")
)

// EmitFunc receives released buffers in order. It takes ownership of buf.
type EmitFunc func(buf *buffer.Buffer) error

// Drop reasons.
const (
	DropLate      = "late"
	DropDuplicate = "duplicate"
)

// Result describes what Submit did with a buffer.
type Result struct {
	// Released is the number of buffers emitted by this call, including
	// held ones released behind the submitted buffer.
	Released int
	// Held is true if the buffer is waiting for a gap to close.
	Held bool
	// Dropped is non-empty if the buffer was discarded.
	Dropped string
}

// Options configures a Sequencer.
type Options struct {
	// MaxPending bounds held buffers across all origins. <= 0 means
	// DefaultMaxPending.
	MaxPending int
	// Dropped counts discarded buffers by reason. Optional.
	Dropped *prometheus.CounterVec
	// Pending reports the number of held buffers. Optional.
	Pending prometheus.Gauge
}

type origin struct {
	next      uint64
	held      map[uint64]*buffer.Buffer // nil value marks a skipped number
	releasing bool
}

// Sequencer is a handler.Handler. All methods are safe for concurrent use.
type Sequencer struct {
	handler.Lifecycle

	opts Options

	mu        sync.Mutex
	origins   map[uint32]*origin
	pending   int
	exhausted bool
	dropped   map[string]uint64
}

// New creates a sequencer.
func New(opts Options) *Sequencer {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	return &Sequencer{
		opts:    opts,
		origins: make(map[uint32]*origin),
		dropped: make(map[string]uint64),
	}
}

func (s *Sequencer) origin(id uint32) *origin {
	o, ok := s.origins[id]
	if !ok {
		o = &origin{held: make(map[uint64]*buffer.Buffer)}
		s.origins[id] = o
	}
	return o
}

// Submit hands buf to the sequencer, which takes ownership unless
// ErrBacklogOverflow is returned. If buf is the next expected buffer of its
// origin and no other goroutine is releasing that origin, emit is called
// for buf and every consecutive held buffer behind it before Submit
// returns. emit is never called with the sequencer's lock held.
func (s *Sequencer) Submit(buf *buffer.Buffer, emit EmitFunc) (Result, error) {
	s.mu.Lock()
	if s.exhausted {
		s.mu.Unlock()
		return Result{}, ErrExhausted
	}
	o := s.origin(buf.OriginID)
	seq := buf.SequenceNumber

	if seq < o.next {
		s.dropLocked(DropLate)
		s.mu.Unlock()
		buf.Release()
		return Result{Dropped: DropLate}, nil
	}
	if prev, ok := o.held[seq]; ok {
		if prev == nil || prev.Fingerprint() == buf.Fingerprint() {
			s.dropLocked(DropDuplicate)
			s.mu.Unlock()
			buf.Release()
			return Result{Dropped: DropDuplicate}, nil
		}
		s.mu.Unlock()
		buf.Release()
		return Result{}, fmt.Errorf("%w: origin %d sequence %d", ErrSequenceCollision, buf.OriginID, seq)
	}
	if seq > o.next || o.releasing {
		if s.pending >= s.opts.MaxPending {
			s.mu.Unlock()
			return Result{}, fmt.Errorf("%w: %d buffers held", ErrBacklogOverflow, s.pending)
		}
		o.held[seq] = buf
		s.pending++
		s.reportPendingLocked()
		s.mu.Unlock()
		return Result{Held: true}, nil
	}

	o.releasing = true
	o.next = seq + 1
	n, err := s.release(o, buf, emit)
	return Result{Released: n}, err
}

// release emits first and then every consecutive held buffer. It is entered
// with s.mu held and o.releasing set, and returns with s.mu released.
// A failed emit does not stop the run: the origin has already advanced past
// that buffer, so the rest of the run is still emitted and the errors are
// joined.
func (s *Sequencer) release(o *origin, first *buffer.Buffer, emit EmitFunc) (int, error) {
	released := 0
	var errs []error
	cur := first
	for {
		if cur != nil {
			originID, seq := cur.OriginID, cur.SequenceNumber
			s.mu.Unlock()
			err := emit(cur)
			s.mu.Lock()
			if err != nil {
				errs = append(errs, fmt.Errorf("sequencer: emit origin %d sequence %d: %w", originID, seq, err))
			} else {
				released++
			}
		}
		next, ok := o.held[o.next]
		if !ok {
			o.releasing = false
			s.mu.Unlock()
			return released, errors.Join(errs...)
		}
		delete(o.held, o.next)
		if next != nil {
			s.pending--
			s.reportPendingLocked()
		}
		o.next++
		cur = next
	}
}

// Skip declares that sequence number seq of originID will never arrive.
// If it is the next expected number, held buffers behind it are released
// through emit.
func (s *Sequencer) Skip(originID uint32, seq uint64, emit EmitFunc) error {
	s.mu.Lock()
	if s.exhausted {
		s.mu.Unlock()
		return ErrExhausted
	}
	o := s.origin(originID)
	if seq < o.next {
		s.mu.Unlock()
		return nil
	}
	if _, ok := o.held[seq]; ok {
		s.mu.Unlock()
		return nil
	}
	if seq > o.next || o.releasing {
		o.held[seq] = nil
		s.mu.Unlock()
		return nil
	}
	o.releasing = true
	o.next = seq + 1
	_, err := s.release(o, nil, emit)
	return err
}

// Drain releases every held buffer in ascending sequence order per origin,
// regardless of gaps, and exhausts the sequencer. Origins are drained in
// ascending origin order. If emit fails, the remaining buffers are released
// without being emitted.
func (s *Sequencer) Drain(emit EmitFunc) error {
	bufs := s.takeAll()
	for i, b := range bufs {
		if err := emit(b); err != nil {
			for _, rest := range bufs[i+1:] {
				rest.Release()
			}
			return fmt.Errorf("sequencer: drain: %w", err)
		}
	}
	return nil
}

// Discard releases every held buffer without emitting and exhausts the
// sequencer. It returns the number of buffers discarded.
func (s *Sequencer) Discard() int {
	bufs := s.takeAll()
	for _, b := range bufs {
		b.Release()
	}
	return len(bufs)
}

func (s *Sequencer) takeAll() []*buffer.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted = true
	ids := make([]uint32, 0, len(s.origins))
	for id := range s.origins {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var out []*buffer.Buffer
	for _, id := range ids {
		o := s.origins[id]
		held := make([]*buffer.Buffer, 0, len(o.held))
		for _, b := range o.held {
			if b != nil {
				held = append(held, b)
			}
		}
		slices.SortFunc(held, func(a, b *buffer.Buffer) int {
			return cmp.Compare(a.SequenceNumber, b.SequenceNumber)
		})
		out = append(out, held...)
		clear(o.held)
	}
	s.pending = 0
	s.reportPendingLocked()
	return out
}

// Pending returns the number of held buffers.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// NextExpected returns the next sequence number originID will release.
func (s *Sequencer) NextExpected(originID uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.origins[originID]; ok {
		return o.next
	}
	return 0
}

// Dropped returns how many buffers were dropped for reason.
func (s *Sequencer) Dropped(reason string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[reason]
}

func (s *Sequencer) dropLocked(reason string) {
	s.dropped[reason]++
	if s.opts.Dropped != nil {
		s.opts.Dropped.WithLabelValues(reason).Inc()
	}
}

func (s *Sequencer) reportPendingLocked() {
	if s.opts.Pending != nil {
		s.opts.Pending.Set(float64(s.pending))
	}
}

// Start implements handler.Handler.
func (s *Sequencer) Start(_ context.Context, pctx handler.PipelineContext, index int) error {
	if err := s.MarkStarted(); err != nil {
		return err
	}
	if pctx != nil {
		pctx.Logger().Debug("sequencer started", "handler", index, "max_pending", s.opts.MaxPending)
	}
	return nil
}

// Stop implements handler.Handler. Held buffers are expected to have been
// drained by the owning operator; any left over are discarded.
func (s *Sequencer) Stop(_ context.Context, kind handler.TerminationKind, pctx handler.PipelineContext) error {
	if err := s.MarkStopped(); err != nil {
		return err
	}
	if n := s.Discard(); n > 0 && pctx != nil {
		pctx.Logger().Warn("sequencer discarded held buffers", "count", n, "termination", kind)
	}
	return nil
}

// Terminate implements handler.Handler.
func (s *Sequencer) Terminate(context.Context, handler.PipelineContext) error {
	s.Discard()
	return s.MarkTerminated()
}
