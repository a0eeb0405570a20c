package plan

import (
	"fmt"
	"strings"
)

// Validate checks the plan for structural integrity.
func Validate(p *Plan) error {
	if p.Name == "" {
		return fmt.Errorf("plan name is required")
	}
	if len(p.Nodes) == 0 {
		return fmt.Errorf("plan must contain at least one node")
	}
	if p.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative, got %d", p.Parallelism)
	}

	nodes := make(map[string]*Node, len(p.Nodes))
	for i := range p.Nodes {
		n := &p.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("node[%d] has empty id", i)
		}
		if _, exists := nodes[n.ID]; exists {
			return fmt.Errorf("duplicate node id: %s", n.ID)
		}
		switch n.Kind {
		case KindSource, KindSink:
			if n.Type == "" {
				return fmt.Errorf("%s %q has no type", n.Kind, n.ID)
			}
		case KindPipeline:
			if len(n.Operators) == 0 {
				return fmt.Errorf("pipeline %q has no operators", n.ID)
			}
		default:
			return fmt.Errorf("node %q has unknown kind %q", n.ID, n.Kind)
		}
		nodes[n.ID] = n
	}

	for i, e := range p.Edges {
		from, ok := nodes[e.From]
		if !ok {
			return fmt.Errorf("edge[%d]: from %q does not exist", i, e.From)
		}
		to, ok := nodes[e.To]
		if !ok {
			return fmt.Errorf("edge[%d]: to %q does not exist", i, e.To)
		}
		if e.From == e.To {
			return fmt.Errorf("edge[%d]: self-loop on node %q", i, e.From)
		}
		if from.Kind == KindSink {
			return fmt.Errorf("edge[%d]: sink %q cannot have downstream nodes", i, e.From)
		}
		if to.Kind == KindSource {
			return fmt.Errorf("edge[%d]: source %q cannot have upstream nodes", i, e.To)
		}
	}

	if err := detectCycles(p); err != nil {
		return err
	}

	for _, n := range p.Nodes {
		if n.Kind == KindPipeline && len(p.Upstream(n.ID)) == 0 {
			return fmt.Errorf("pipeline %q has no input", n.ID)
		}
	}
	return nil
}

// detectCycles performs a DFS-based cycle check on the node graph.
func detectCycles(p *Plan) error {
	adj := make(map[string][]string)
	for _, e := range p.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	const (
		white = 0 // unvisited
		gray  = 1 // visiting (in current path)
		black = 2 // done
	)

	color := make(map[string]int)
	var path []string

	var dfs func(node string) error
	dfs = func(node string) error {
		color[node] = gray
		path = append(path, node)

		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				start := 0
				for i, n := range path {
					if n == next {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), path[start:]...), next)
				return fmt.Errorf("cycle detected: %s", strings.Join(cycle, " -> "))
			case white:
				if err := dfs(next); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[node] = black
		return nil
	}

	for _, n := range p.Nodes {
		if color[n.ID] == white {
			if err := dfs(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopologicalOrder returns node ids so that every edge points forward.
// The plan must be valid.
func TopologicalOrder(p *Plan) []string {
	indeg := make(map[string]int, len(p.Nodes))
	for _, e := range p.Edges {
		indeg[e.To]++
	}
	var queue, order []string
	for _, n := range p.Nodes {
		if indeg[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range p.Downstream(id) {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return order
}
