// Package helpers provides convenience functions for working with Arrow records
// carried in record buffers.
package helpers

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ColumnIndex returns the index of a named column, or -1 if not found.
func ColumnIndex(schema *arrow.Schema, name string) int {
	indices := schema.FieldIndices(name)
	if len(indices) == 0 {
		return -1
	}
	return indices[0]
}

// Column returns the named column from a record, or an error if not found.
func Column(rec arrow.Record, name string) (arrow.Array, error) {
	idx := ColumnIndex(rec.Schema(), name)
	if idx < 0 {
		return nil, fmt.Errorf("column %q not found in schema", name)
	}
	return rec.Column(idx), nil
}

// Filter applies a boolean mask to a record, returning only rows where mask is true.
// The caller is responsible for releasing the returned Record.
func Filter(ctx context.Context, rec arrow.Record, mask arrow.Array) (arrow.Record, error) {
	result, err := compute.FilterRecordBatch(ctx, rec, mask, compute.DefaultFilterOptions())
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return result, nil
}

// Project creates a new record with only the specified columns, optionally renamed.
// names[i] is the output name of cols[i]; pass nil to keep the input names.
// The caller is responsible for releasing the returned Record.
func Project(rec arrow.Record, cols []string, names []string) (arrow.Record, error) {
	fields := make([]arrow.Field, 0, len(cols))
	arrays := make([]arrow.Array, 0, len(cols))

	for i, name := range cols {
		idx := ColumnIndex(rec.Schema(), name)
		if idx < 0 {
			return nil, fmt.Errorf("column %q not found for projection", name)
		}
		f := rec.Schema().Field(idx)
		if names != nil {
			f.Name = names[i]
		}
		fields = append(fields, f)
		arrays = append(arrays, rec.Column(idx))
	}

	return array.NewRecord(arrow.NewSchema(fields, nil), arrays, rec.NumRows()), nil
}

// ColumnNames returns the list of column names in a schema.
func ColumnNames(schema *arrow.Schema) []string {
	names := make([]string, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		names[i] = schema.Field(i).Name
	}
	return names
}

// Value returns the Go value at row, or nil for nulls and unsupported types.
func Value(arr arrow.Array, row int) any {
	if arr.IsNull(row) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(row)
	case *array.Int32:
		return int64(a.Value(row))
	case *array.Uint64:
		return a.Value(row)
	case *array.Float64:
		return a.Value(row)
	case *array.Float32:
		return float64(a.Value(row))
	case *array.String:
		return a.Value(row)
	case *array.Binary:
		return a.Value(row)
	case *array.Boolean:
		return a.Value(row)
	case *array.Timestamp:
		return int64(a.Value(row))
	default:
		return nil
	}
}

// Float64At reads a numeric value at row as float64. ok is false for nulls
// and non-numeric columns.
func Float64At(arr arrow.Array, row int) (v float64, ok bool) {
	switch x := Value(arr, row).(type) {
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// AppendValue appends v to bldr, converting between compatible Go and Arrow
// types. Values that cannot be converted are appended as null.
func AppendValue(bldr array.Builder, v any) {
	if v == nil {
		bldr.AppendNull()
		return
	}
	switch b := bldr.(type) {
	case *array.Int64Builder:
		if n, ok := toInt64(v); ok {
			b.Append(n)
			return
		}
	case *array.Int32Builder:
		if n, ok := toInt64(v); ok {
			b.Append(int32(n))
			return
		}
	case *array.Float64Builder:
		if f, ok := toFloat64(v); ok {
			b.Append(f)
			return
		}
	case *array.Float32Builder:
		if f, ok := toFloat64(v); ok {
			b.Append(float32(f))
			return
		}
	case *array.TimestampBuilder:
		if n, ok := toInt64(v); ok {
			b.Append(arrow.Timestamp(n))
			return
		}
	case *array.StringBuilder:
		switch s := v.(type) {
		case string:
			b.Append(s)
		case []byte:
			b.Append(string(s))
		default:
			b.Append(fmt.Sprintf("%v", v))
		}
		return
	case *array.BinaryBuilder:
		switch s := v.(type) {
		case []byte:
			b.Append(s)
			return
		case string:
			b.AppendString(s)
			return
		}
	case *array.BooleanBuilder:
		if x, ok := v.(bool); ok {
			b.Append(x)
			return
		}
	}
	bldr.AppendNull()
}

// BuildRecord builds a record from row-oriented values matching schema.
// The caller is responsible for releasing the returned Record.
func BuildRecord(alloc memory.Allocator, schema *arrow.Schema, rows [][]any) arrow.Record {
	bldr := array.NewRecordBuilder(alloc, schema)
	defer bldr.Release()
	for _, row := range rows {
		for i := 0; i < schema.NumFields(); i++ {
			var v any
			if i < len(row) {
				v = row[i]
			}
			AppendValue(bldr.Field(i), v)
		}
	}
	return bldr.NewRecord()
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}
