package engine

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sandboxws/tributary/pkg/aggregation"
	helpers "github.com/sandboxws/tributary/pkg/arrow/helpers"
	"github.com/sandboxws/tributary/pkg/handler"
	"github.com/sandboxws/tributary/pkg/operator"
	"github.com/sandboxws/tributary/pkg/operators"
	"github.com/sandboxws/tributary/pkg/pipeline"
	"github.com/sandboxws/tributary/pkg/plan"
	"github.com/sandboxws/tributary/pkg/sequencer"
	"github.com/sandboxws/tributary/pkg/window"
)

// buildStage compiles a pipeline node into a stage: an implicit Scan root,
// the node's operators in order, and a trailing Emit. Handlers the
// operators need are added to the stage's table.
func (e *Engine) buildStage(id uint64, n *plan.Node, workers int) (*pipeline.Stage, error) {
	table := handler.NewTable()
	chain := []operator.Linkable{operators.NewScan()}
	for i, spec := range n.Operators {
		op, err := e.buildOperator(n.ID, spec, table, workers)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: operator %d (%s): %w", n.ID, i, spec.Type, err)
		}
		chain = append(chain, op)
	}
	chain = append(chain, operators.NewEmit())

	stage := pipeline.NewStage(pipeline.Pipeline{
		ID:          id,
		Description: n.Name,
		Root:        operator.Chain(chain...),
		Handlers:    table,
	}, pipeline.Options{
		Metrics: e.opts.Metrics,
		Logger:  e.logger,
		Label:   n.ID,
	})
	if err := stage.Compile(); err != nil {
		return nil, err
	}
	return stage, nil
}

func (e *Engine) buildOperator(label string, spec plan.Operator, table *handler.Table, workers int) (operator.Linkable, error) {
	o := spec.Options
	switch strings.ToLower(spec.Type) {
	case "selection", "filter":
		return operators.NewSelection(o.String("predicate", ""))

	case "projection", "map":
		cols, err := parseColumns(o.String("columns", ""))
		if err != nil {
			return nil, err
		}
		return operators.NewProjection(cols)

	case "rename":
		mapping := make(map[string]string)
		for _, pair := range o.List("columns") {
			from, to, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("rename %q: want old=new", pair)
			}
			mapping[strings.TrimSpace(from)] = strings.TrimSpace(to)
		}
		if len(mapping) == 0 {
			return nil, fmt.Errorf("rename: no columns")
		}
		return operators.NewRename(mapping), nil

	case "drop":
		cols := o.List("columns")
		if len(cols) == 0 {
			return nil, fmt.Errorf("drop: no columns")
		}
		return operators.NewDrop(cols), nil

	case "cast":
		var cols []operators.CastColumn
		for _, item := range o.List("columns") {
			name, typ, ok := strings.Cut(item, ":")
			if !ok {
				return nil, fmt.Errorf("cast %q: want name:type", item)
			}
			dt, err := helpers.ParseType(strings.TrimSpace(typ))
			if err != nil {
				return nil, err
			}
			cols = append(cols, operators.CastColumn{Name: strings.TrimSpace(name), TargetType: dt})
		}
		if len(cols) == 0 {
			return nil, fmt.Errorf("cast: no columns")
		}
		return operators.NewCast(cols), nil

	case "sequence":
		maxPending, err := o.Int("max_pending", e.opts.Config.MaxPending)
		if err != nil {
			return nil, err
		}
		opts := sequencer.Options{MaxPending: maxPending}
		if m := e.opts.Metrics; m != nil {
			opts.Dropped = m.SequencerDropped.MustCurryWith(prometheus.Labels{"pipeline": label})
			opts.Pending = m.SequencerPending.WithLabelValues(label)
		}
		return operators.NewSequence(table.Add(sequencer.New(opts))), nil

	case "window":
		h, err := e.buildWindow(label, o, workers)
		if err != nil {
			return nil, err
		}
		return operators.NewWindowBuild(table.Add(h)), nil
	}
	return nil, fmt.Errorf("unknown operator type %q", spec.Type)
}

func (e *Engine) buildWindow(label string, o plan.Options, workers int) (*window.Handler, error) {
	size, err := o.Duration("size", 0)
	if err != nil {
		return nil, err
	}
	slide, err := o.Duration("slide", 0)
	if err != nil {
		return nil, err
	}
	aggs, err := aggregation.ParseSpecs(o.String("aggregates", ""))
	if err != nil {
		return nil, err
	}
	opts := window.Options{
		Assigner:   window.Assigner{Size: size.Milliseconds(), Slide: slide.Milliseconds()},
		TimeField:  o.String("time_field", ""),
		Keys:       o.List("keys"),
		Aggregates: aggs,
		Registry:   e.registry,
		Workers:    workers,
		Logger:     e.logger.With("pipeline", label),
	}
	if m := e.opts.Metrics; m != nil {
		opts.Malformed = m.MalformedRecords.MustCurryWith(prometheus.Labels{"pipeline": label})
		opts.Late = m.LateRecords.WithLabelValues(label)
		opts.Triggered = m.WindowsTriggered.WithLabelValues(label)
	}
	return window.New(opts)
}

// parseColumns parses "expr [as name]; ..." projection lists. A column
// without an alias is named after its expression text.
func parseColumns(s string) ([]operators.Column, error) {
	var cols []operators.Column
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		col := operators.Column{Name: item, Expr: item}
		if i := strings.LastIndex(strings.ToLower(item), " as "); i >= 0 {
			col.Expr = strings.TrimSpace(item[:i])
			col.Name = strings.TrimSpace(item[i+4:])
		}
		if col.Expr == "" || col.Name == "" {
			return nil, fmt.Errorf("projection: malformed column %q", item)
		}
		cols = append(cols, col)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("projection: no columns in %q", s)
	}
	return cols, nil
}

// workerCount resolves the worker count of a pipeline node.
func workerCount(n *plan.Node, p *plan.Plan, def int) (int, error) {
	w, err := n.Options.Int("parallelism", 0)
	if err != nil {
		return 0, fmt.Errorf("pipeline %s: %w", n.ID, err)
	}
	switch {
	case w > 0:
		return w, nil
	case p.Parallelism > 0:
		return p.Parallelism, nil
	case def > 0:
		return def, nil
	}
	return 1, nil
}
