package connectors

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/tributary/pkg/aggregation"
	"github.com/sandboxws/tributary/pkg/buffer"
)

// Console prints buffers as formatted tables. Binary values print as
// BINARY(n).
type Console struct {
	maxRows int
	writer  io.Writer
	ctx     *Context

	mu    sync.Mutex
	count int64
}

// NewConsole creates a Console sink printing at most maxRows rows per
// buffer; <= 0 prints all.
func NewConsole(maxRows int) *Console {
	return &Console{maxRows: maxRows, writer: os.Stdout}
}

// SetWriter overrides the output writer (default: os.Stdout).
func (c *Console) SetWriter(w io.Writer) { c.writer = w }

func (c *Console) Open(ctx *Context) error {
	c.ctx = ctx
	return nil
}

func (c *Console) Write(buf *buffer.Buffer) error {
	if buf.Record == nil {
		return nil
	}
	batch := buf.Record
	schema := batch.Schema()
	numCols := schema.NumFields()
	numRows := int(batch.NumRows())

	if c.maxRows > 0 && numRows > c.maxRows {
		numRows = c.maxRows
	}

	// Calculate column widths.
	widths := make([]int, numCols)
	for i := 0; i < numCols; i++ {
		widths[i] = len(schema.Field(i).Name)
	}
	for row := 0; row < numRows; row++ {
		for col := 0; col < numCols; col++ {
			val := formatValue(batch.Column(col), row)
			if len(val) > widths[col] {
				widths[col] = len(val)
			}
		}
	}

	var sb strings.Builder
	writeHeader(&sb, schema, widths)
	writeSeparator(&sb, widths)
	for row := 0; row < numRows; row++ {
		writeDataRow(&sb, batch, widths, row)
	}
	if int(batch.NumRows()) > numRows {
		fmt.Fprintf(&sb, "... (%d more rows)\n", int(batch.NumRows())-numRows)
	}
	sb.WriteString("\n")

	c.mu.Lock()
	_, err := io.WriteString(c.writer, sb.String())
	c.count += batch.NumRows()
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}
	observe(c.ctx, buf)
	return nil
}

// Count returns the number of rows written.
func (c *Console) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Console) Close() error { return nil }

func writeHeader(sb *strings.Builder, schema *arrow.Schema, widths []int) {
	sb.WriteString("| ")
	for i := 0; i < schema.NumFields(); i++ {
		if i > 0 {
			sb.WriteString(" | ")
		}
		sb.WriteString(padRight(schema.Field(i).Name, widths[i]))
	}
	sb.WriteString(" |\n")
}

func writeSeparator(sb *strings.Builder, widths []int) {
	sb.WriteString("|-")
	for i, w := range widths {
		if i > 0 {
			sb.WriteString("-|-")
		}
		sb.WriteString(strings.Repeat("-", w))
	}
	sb.WriteString("-|\n")
}

func writeDataRow(sb *strings.Builder, batch arrow.Record, widths []int, row int) {
	sb.WriteString("| ")
	for col := 0; col < int(batch.NumCols()); col++ {
		if col > 0 {
			sb.WriteString(" | ")
		}
		sb.WriteString(padRight(formatValue(batch.Column(col), row), widths[col]))
	}
	sb.WriteString(" |\n")
}

func formatValue(arr arrow.Array, row int) string {
	if arr.IsNull(row) {
		return "NULL"
	}
	switch a := arr.(type) {
	case *array.Int64:
		return strconv.FormatInt(a.Value(row), 10)
	case *array.Int32:
		return strconv.FormatInt(int64(a.Value(row)), 10)
	case *array.Uint64:
		return strconv.FormatUint(a.Value(row), 10)
	case *array.Float64:
		return fmt.Sprintf("%.4f", a.Value(row))
	case *array.Float32:
		return fmt.Sprintf("%.4f", a.Value(row))
	case *array.String:
		return a.Value(row)
	case *array.Binary:
		return aggregation.DescribeTrajectory(a.Value(row))
	case *array.Boolean:
		return strconv.FormatBool(a.Value(row))
	case *array.Timestamp:
		return strconv.FormatInt(int64(a.Value(row)), 10)
	default:
		return "?"
	}
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
