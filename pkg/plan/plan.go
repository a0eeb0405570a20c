// Package plan describes a dataflow of sources, pipeline stages and sinks,
// and how it is validated and serialized.
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Kind classifies a node.
type Kind string

const (
	KindSource   Kind = "source"
	KindPipeline Kind = "pipeline"
	KindSink     Kind = "sink"
)

// Plan is a directed acyclic graph of nodes.
// Parallelism is the number of workers per pipeline stage; 0 uses the
// runtime default.
type Plan struct {
	Name        string `json:"name"`
	Parallelism int    `json:"parallelism,omitempty"`
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
}

// Node is a source, pipeline or sink. Type selects the connector for
// sources and sinks; pipelines list their operators instead.
type Node struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Kind      Kind       `json:"kind"`
	Type      string     `json:"type,omitempty"`
	Options   Options    `json:"options,omitempty"`
	Operators []Operator `json:"operators,omitempty"`
}

// Operator is one physical operator of a pipeline node, e.g.
// {Type: "selection", Options: {"predicate": "amount > 100"}}.
type Operator struct {
	Type    string  `json:"type"`
	Options Options `json:"options,omitempty"`
}

// Edge connects two nodes by id.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Node returns the node with id, or nil.
func (p *Plan) Node(id string) *Node {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i]
		}
	}
	return nil
}

// Upstream returns the ids of nodes with an edge into id.
func (p *Plan) Upstream(id string) []string {
	var out []string
	for _, e := range p.Edges {
		if e.To == id {
			out = append(out, e.From)
		}
	}
	return out
}

// Downstream returns the ids of nodes id has an edge to.
func (p *Plan) Downstream(id string) []string {
	var out []string
	for _, e := range p.Edges {
		if e.From == id {
			out = append(out, e.To)
		}
	}
	return out
}

// Options are string settings of a node or operator.
type Options map[string]string

// String returns the value of key or def.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		return v
	}
	return def
}

// Int parses key as an integer.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return n, nil
}

// Duration parses key as a Go duration ("10s") or as milliseconds.
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}

// List splits key on commas, trimming spaces and dropping empties.
func (o Options) List(key string) []string {
	var out []string
	for _, s := range strings.Split(o[key], ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Load reads a plan from path. Files ending in .json are JSON; anything
// else is the binary encoding.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file %s: %w", path, err)
	}
	var p *Plan
	if strings.EqualFold(filepath.Ext(path), ".json") {
		p = &Plan{}
		err = json.Unmarshal(data, p)
	} else {
		p, err = Unmarshal(data)
	}
	if err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", path, err)
	}
	return p, nil
}
