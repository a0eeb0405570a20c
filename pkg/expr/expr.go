// Package expr compiles SQL scalar expressions and evaluates them against
// Arrow records. Expressions are parsed once with TiDB's SQL parser when a
// pipeline is compiled; evaluation dispatches to Arrow compute kernels where
// they exist.
package expr

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
)

var parsers = sync.Pool{New: func() any { return parser.New() }}

// Expr is a compiled expression. It is immutable and safe for concurrent
// evaluation by many workers.
type Expr struct {
	src  string
	root node
	cols []string
}

// Compile parses src, e.g. "amount > 100 AND country = 'US'".
func Compile(src string) (*Expr, error) {
	p := parsers.Get().(*parser.Parser)
	defer parsers.Put(p)

	stmt, err := p.ParseOneStmt("SELECT "+src, "", "")
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", src, err)
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || sel.Fields == nil || len(sel.Fields.Fields) != 1 || sel.From != nil {
		return nil, fmt.Errorf("parse expression %q: not a single scalar expression", src)
	}
	cols := map[string]struct{}{}
	root, err := build(sel.Fields.Fields[0].Expr, cols)
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", src, err)
	}
	e := &Expr{src: src, root: root}
	for c := range cols {
		e.cols = append(e.cols, c)
	}
	sort.Strings(e.cols)
	return e, nil
}

// MustCompile is Compile for expressions known to be valid.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Expr) String() string { return e.src }

// Columns returns the column names the expression reads, sorted.
func (e *Expr) Columns() []string { return e.cols }

// Eval evaluates the expression for every row of rec. All intermediate and
// result arrays are allocated from alloc; the caller releases the result.
func (e *Expr) Eval(ctx context.Context, alloc memory.Allocator, rec arrow.Record) (arrow.Array, error) {
	env := &env{ctx: compute.WithAllocator(ctx, alloc), alloc: alloc, rec: rec}
	out, err := e.root.eval(env)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", e.src, err)
	}
	return out, nil
}

// EvalBool evaluates a predicate.
func (e *Expr) EvalBool(ctx context.Context, alloc memory.Allocator, rec arrow.Record) (*array.Boolean, error) {
	out, err := e.Eval(ctx, alloc, rec)
	if err != nil {
		return nil, err
	}
	b, ok := out.(*array.Boolean)
	if !ok {
		out.Release()
		return nil, fmt.Errorf("expression %q produced %s, want bool", e.src, out.DataType())
	}
	return b, nil
}
