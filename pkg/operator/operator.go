// Package operator defines the physical operator tree a compiled pipeline
// stage executes, and the contexts handed to it.
//
// Operators form a chain. The stage calls Open on the root once per input
// buffer; each operator transforms the record and calls Open on its child.
// After the whole chain has seen the record, Close runs down the chain for
// the same buffer. Setup and Terminate run once per pipeline lifetime.
package operator

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/tributary/pkg/handler"
)

// PhysicalOperator is one node of a compiled pipeline.
type PhysicalOperator interface {
	// Setup resolves handler indices and prepares per-pipeline state. It is
	// called once, before any buffer.
	Setup(sctx *SetupContext) error

	// Open processes one record. rec is borrowed: an operator that keeps it
	// beyond the call must Retain it.
	Open(ectx *ExecutionContext, rec arrow.Record) error

	// Close runs after the whole chain processed the current buffer.
	Close(ectx *ExecutionContext) error

	// Terminate runs once when the pipeline stops. Graceful termination
	// flushes held state downstream; other kinds discard it.
	Terminate(ectx *ExecutionContext, kind handler.TerminationKind) error

	// Child returns the next operator, or nil for the last one.
	Child() PhysicalOperator
}

// Base provides pass-through lifecycle methods. Operators embed it and
// override what they need.
type Base struct {
	Next PhysicalOperator
}

// Child implements PhysicalOperator.
func (b *Base) Child() PhysicalOperator { return b.Next }

// Setup forwards to the child.
func (b *Base) Setup(sctx *SetupContext) error {
	if b.Next == nil {
		return nil
	}
	return b.Next.Setup(sctx)
}

// Open forwards rec to the child unchanged.
func (b *Base) Open(ectx *ExecutionContext, rec arrow.Record) error {
	if b.Next == nil {
		return nil
	}
	return b.Next.Open(ectx, rec)
}

// Close forwards to the child.
func (b *Base) Close(ectx *ExecutionContext) error {
	if b.Next == nil {
		return nil
	}
	return b.Next.Close(ectx)
}

// Terminate forwards to the child.
func (b *Base) Terminate(ectx *ExecutionContext, kind handler.TerminationKind) error {
	if b.Next == nil {
		return nil
	}
	return b.Next.Terminate(ectx, kind)
}

// Linkable is an operator whose child can be set after construction.
type Linkable interface {
	PhysicalOperator
	SetChild(PhysicalOperator)
}

// Chain links ops in order and returns the root.
func Chain(ops ...Linkable) PhysicalOperator {
	if len(ops) == 0 {
		return nil
	}
	for i := 0; i < len(ops)-1; i++ {
		ops[i].SetChild(ops[i+1])
	}
	return ops[0]
}

// SetChild sets the next operator.
func (b *Base) SetChild(next PhysicalOperator) { b.Next = next }

// Walk calls fn for op and every descendant, root first.
func Walk(op PhysicalOperator, fn func(PhysicalOperator) error) error {
	for ; op != nil; op = op.Child() {
		if err := fn(op); err != nil {
			return err
		}
	}
	return nil
}

// Describe renders the chain as "Scan -> Selection -> Emit".
func Describe(op PhysicalOperator) string {
	var s string
	_ = Walk(op, func(o PhysicalOperator) error {
		if s != "" {
			s += " -> "
		}
		s += Name(o)
		return nil
	})
	return s
}

// Name returns an operator's display name.
func Name(op PhysicalOperator) string {
	if n, ok := op.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "operator"
}
