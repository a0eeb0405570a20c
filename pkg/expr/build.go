package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/scalar"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	"github.com/pingcap/tidb/pkg/parser/test_driver"
)

var kernels = map[opcode.Op]string{
	opcode.EQ:       "equal",
	opcode.NE:       "not_equal",
	opcode.GT:       "greater",
	opcode.LT:       "less",
	opcode.GE:       "greater_equal",
	opcode.LE:       "less_equal",
	opcode.Plus:     "add",
	opcode.Minus:    "subtract",
	opcode.Mul:      "multiply",
	opcode.Div:      "divide",
	opcode.LogicAnd: "and_kleene",
	opcode.LogicOr:  "or_kleene",
}

// build turns a parsed AST into an evaluation tree, recording referenced
// columns in cols.
func build(n ast.ExprNode, cols map[string]struct{}) (node, error) {
	switch e := n.(type) {
	case *ast.ColumnNameExpr:
		name := e.Name.Name.O
		cols[name] = struct{}{}
		return &column{name: name}, nil

	case *test_driver.ValueExpr:
		return buildLiteral(e)

	case *ast.ParenthesesExpr:
		return build(e.Expr, cols)

	case *ast.BinaryOperationExpr:
		fn, ok := kernels[e.Op]
		if !ok {
			return nil, fmt.Errorf("unsupported operator %s", e.Op)
		}
		l, err := build(e.L, cols)
		if err != nil {
			return nil, err
		}
		r, err := build(e.R, cols)
		if err != nil {
			return nil, err
		}
		return &binary{fn: fn, l: l, r: r}, nil

	case *ast.UnaryOperationExpr:
		v, err := build(e.V, cols)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case opcode.Not, opcode.Not2:
			return &not{v: v}, nil
		case opcode.Minus:
			return &negate{v: v}, nil
		case opcode.Plus:
			return v, nil
		}
		return nil, fmt.Errorf("unsupported unary operator %s", e.Op)

	case *ast.IsNullExpr:
		v, err := build(e.Expr, cols)
		if err != nil {
			return nil, err
		}
		return &isNull{v: v, negated: e.Not}, nil

	case *ast.BetweenExpr:
		v, err := build(e.Expr, cols)
		if err != nil {
			return nil, err
		}
		lo, err := build(e.Left, cols)
		if err != nil {
			return nil, err
		}
		hi, err := build(e.Right, cols)
		if err != nil {
			return nil, err
		}
		var out node = &binary{fn: "and_kleene",
			l: &binary{fn: "greater_equal", l: v, r: lo},
			r: &binary{fn: "less_equal", l: v, r: hi},
		}
		if e.Not {
			out = &not{v: out}
		}
		return out, nil

	case *ast.PatternInExpr:
		if e.Sel != nil {
			return nil, fmt.Errorf("IN with a subquery is not supported")
		}
		v, err := build(e.Expr, cols)
		if err != nil {
			return nil, err
		}
		var out node
		for _, item := range e.List {
			c, err := build(item, cols)
			if err != nil {
				return nil, err
			}
			var eq node = &binary{fn: "equal", l: v, r: c}
			if out == nil {
				out = eq
			} else {
				out = &binary{fn: "or_kleene", l: out, r: eq}
			}
		}
		if out == nil {
			return nil, fmt.Errorf("IN needs at least one value")
		}
		if e.Not {
			out = &not{v: out}
		}
		return out, nil

	case *ast.CaseExpr:
		return buildCase(e, cols)

	case *ast.FuncCallExpr:
		args := make([]node, len(e.Args))
		for i, a := range e.Args {
			var err error
			if args[i], err = build(a, cols); err != nil {
				return nil, err
			}
		}
		return buildCall(e.FnName.L, args)
	}
	return nil, fmt.Errorf("unsupported expression %T", n)
}

func buildLiteral(v *test_driver.ValueExpr) (node, error) {
	d := v.Datum
	switch d.Kind() {
	case test_driver.KindInt64:
		return &literal{sc: scalar.NewInt64Scalar(d.GetInt64())}, nil
	case test_driver.KindUint64:
		return &literal{sc: scalar.NewInt64Scalar(int64(d.GetUint64()))}, nil
	case test_driver.KindFloat32:
		return &literal{sc: scalar.NewFloat64Scalar(float64(d.GetFloat32()))}, nil
	case test_driver.KindFloat64:
		return &literal{sc: scalar.NewFloat64Scalar(d.GetFloat64())}, nil
	case test_driver.KindMysqlDecimal:
		var sb strings.Builder
		v.Format(&sb)
		f, err := strconv.ParseFloat(sb.String(), 64)
		if err != nil {
			return nil, fmt.Errorf("decimal literal: %w", err)
		}
		return &literal{sc: scalar.NewFloat64Scalar(f)}, nil
	case test_driver.KindString:
		return &literal{sc: scalar.NewStringScalar(d.GetString())}, nil
	case test_driver.KindNull:
		return &literal{}, nil
	}
	return nil, fmt.Errorf("unsupported literal kind %d", d.Kind())
}

func buildCase(e *ast.CaseExpr, cols map[string]struct{}) (node, error) {
	var subject node
	if e.Value != nil {
		var err error
		if subject, err = build(e.Value, cols); err != nil {
			return nil, err
		}
	}
	c := &caseWhen{}
	for _, w := range e.WhenClauses {
		cond, err := build(w.Expr, cols)
		if err != nil {
			return nil, err
		}
		if subject != nil {
			cond = &binary{fn: "equal", l: subject, r: cond}
		}
		val, err := build(w.Result, cols)
		if err != nil {
			return nil, err
		}
		c.conds = append(c.conds, cond)
		c.vals = append(c.vals, val)
	}
	if e.ElseClause != nil {
		var err error
		if c.otherwise, err = build(e.ElseClause, cols); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func buildCall(name string, args []node) (node, error) {
	switch name {
	case "upper", "lower":
		if len(args) != 1 {
			return nil, fmt.Errorf("%s takes 1 argument, got %d", name, len(args))
		}
		return &stringMap{name: name, v: args[0]}, nil
	case "concat":
		if len(args) < 2 {
			return nil, fmt.Errorf("concat takes at least 2 arguments")
		}
		return &concat{args: args}, nil
	case "coalesce":
		if len(args) < 1 {
			return nil, fmt.Errorf("coalesce takes at least 1 argument")
		}
		return &coalesce{args: args}, nil
	case "abs":
		if len(args) != 1 {
			return nil, fmt.Errorf("abs takes 1 argument, got %d", len(args))
		}
		return &abs{v: args[0]}, nil
	}
	return nil, fmt.Errorf("unsupported function %s", name)
}
