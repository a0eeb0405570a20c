package connectors

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	json "github.com/goccy/go-json"

	helpers "github.com/sandboxws/tributary/pkg/arrow/helpers"
)

// RowObject returns row as a column-name keyed map. Binary values are kept
// as []byte, which the JSON encoder writes as base64.
func RowObject(rec arrow.Record, row int) map[string]any {
	schema := rec.Schema()
	obj := make(map[string]any, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		obj[schema.Field(i).Name] = helpers.Value(rec.Column(i), row)
	}
	return obj
}

// WriteJSONLines writes one JSON object per row of rec.
func WriteJSONLines(w io.Writer, rec arrow.Record) error {
	enc := json.NewEncoder(w)
	for row := 0; row < int(rec.NumRows()); row++ {
		if err := enc.Encode(RowObject(rec, row)); err != nil {
			return fmt.Errorf("encode row %d: %w", row, err)
		}
	}
	return nil
}

// DecodeJSONRows builds a record from JSON objects. Missing fields and
// values of the wrong type become nulls; binary fields are base64.
func DecodeJSONRows(alloc memory.Allocator, schema *arrow.Schema, rows [][]byte) (arrow.Record, error) {
	bldr := array.NewRecordBuilder(alloc, schema)
	defer bldr.Release()

	for n, raw := range rows {
		var obj map[string]any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("decode row %d: %w", n, err)
		}
		for i := 0; i < schema.NumFields(); i++ {
			f := schema.Field(i)
			helpers.AppendValue(bldr.Field(i), jsonValue(f.Type, obj[f.Name]))
		}
	}
	return bldr.NewRecord(), nil
}

func jsonValue(dt arrow.DataType, v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return nil
	case string:
		if dt.ID() == arrow.BINARY {
			b, err := base64.StdEncoding.DecodeString(x)
			if err != nil {
				return nil
			}
			return b
		}
	}
	return v
}
