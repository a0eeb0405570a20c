package connectors

import (
	"sync"

	helpers "github.com/sandboxws/tributary/pkg/arrow/helpers"
	"github.com/sandboxws/tributary/pkg/buffer"
)

// MemorySink keeps every row it receives as Go values. It is meant for
// tests and embedding.
type MemorySink struct {
	ctx *Context

	mu      sync.Mutex
	columns []string
	rows    [][]any
	buffers int
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Open(ctx *Context) error {
	m.ctx = ctx
	return nil
}

func (m *MemorySink) Write(buf *buffer.Buffer) error {
	if buf.Record == nil {
		return nil
	}
	rec := buf.Record
	m.mu.Lock()
	if m.columns == nil {
		m.columns = helpers.ColumnNames(rec.Schema())
	}
	for r := 0; r < int(rec.NumRows()); r++ {
		row := make([]any, rec.NumCols())
		for i := range row {
			v := helpers.Value(rec.Column(i), r)
			if b, ok := v.([]byte); ok {
				v = append([]byte(nil), b...)
			}
			row[i] = v
		}
		m.rows = append(m.rows, row)
	}
	m.buffers++
	m.mu.Unlock()
	observe(m.ctx, buf)
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Rows returns a copy of the collected rows.
func (m *MemorySink) Rows() [][]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]any(nil), m.rows...)
}

// Columns returns the column names of the first buffer.
func (m *MemorySink) Columns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.columns
}

// Buffers returns the number of buffers written.
func (m *MemorySink) Buffers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffers
}
