package plan

import (
	"errors"
	"fmt"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

// Binary layout, protobuf wire compatible:
//
//	Plan     { 1: name, 2: parallelism, 3: repeated Node, 4: repeated Edge }
//	Node     { 1: id, 2: name, 3: kind, 4: type, 5: repeated Entry, 6: repeated Operator }
//	Operator { 1: type, 2: repeated Entry }
//	Edge     { 1: from, 2: to }
//	Entry    { 1: key, 2: value }
//
// Options are written in key order so encoding is deterministic.

// ErrMalformed is returned for undecodable plan bytes.
var ErrMalformed = errors.New("plan: malformed encoding")

// Marshal encodes p.
func Marshal(p *Plan) []byte {
	var b []byte
	b = appendString(b, 1, p.Name)
	if p.Parallelism != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Parallelism))
	}
	for i := range p.Nodes {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalNode(&p.Nodes[i]))
	}
	for _, e := range p.Edges {
		var eb []byte
		eb = appendString(eb, 1, e.From)
		eb = appendString(eb, 2, e.To)
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b
}

func marshalNode(n *Node) []byte {
	var b []byte
	b = appendString(b, 1, n.ID)
	b = appendString(b, 2, n.Name)
	b = appendString(b, 3, string(n.Kind))
	b = appendString(b, 4, n.Type)
	b = appendOptions(b, 5, n.Options)
	for _, op := range n.Operators {
		var ob []byte
		ob = appendString(ob, 1, op.Type)
		ob = appendOptions(ob, 2, op.Options)
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, ob)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendOptions(b []byte, num protowire.Number, opts Options) []byte {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		var eb []byte
		eb = appendString(eb, 1, k)
		eb = appendString(eb, 2, opts[k])
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b
}

// Unmarshal decodes a plan written by Marshal. Unknown fields are skipped.
func Unmarshal(data []byte) (*Plan, error) {
	p := &Plan{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			p.Name = string(v)
		case num == 2 && typ == protowire.VarintType:
			p.Parallelism = int(x)
		case num == 3 && typ == protowire.BytesType:
			n, err := unmarshalNode(v)
			if err != nil {
				return err
			}
			p.Nodes = append(p.Nodes, n)
		case num == 4 && typ == protowire.BytesType:
			var e Edge
			err := walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if typ != protowire.BytesType {
					return nil
				}
				switch num {
				case 1:
					e.From = string(v)
				case 2:
					e.To = string(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			p.Edges = append(p.Edges, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func unmarshalNode(data []byte) (Node, error) {
	var n Node
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			n.ID = string(v)
		case 2:
			n.Name = string(v)
		case 3:
			n.Kind = Kind(v)
		case 4:
			n.Type = string(v)
		case 5:
			if n.Options == nil {
				n.Options = Options{}
			}
			return unmarshalEntry(v, n.Options)
		case 6:
			var op Operator
			err := walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if typ != protowire.BytesType {
					return nil
				}
				switch num {
				case 1:
					op.Type = string(v)
				case 2:
					if op.Options == nil {
						op.Options = Options{}
					}
					return unmarshalEntry(v, op.Options)
				}
				return nil
			})
			if err != nil {
				return err
			}
			n.Operators = append(n.Operators, op)
		}
		return nil
	})
	return n, err
}

func unmarshalEntry(data []byte, into Options) error {
	var k, v string
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			k = string(b)
		case 2:
			v = string(b)
		}
		return nil
	})
	if err != nil {
		return err
	}
	into[k] = v
	return nil
}

// walk calls fn for every field of one message. Bytes fields get their
// payload in v, varints in x; other wire types are skipped.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			data = data[m:]
		case protowire.VarintType:
			x, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			if err := fn(num, typ, nil, x); err != nil {
				return err
			}
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return nil
}
