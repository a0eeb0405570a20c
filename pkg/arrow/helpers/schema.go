package helpers

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// ParseType maps a type name used in plans to an Arrow type.
func ParseType(name string) (arrow.DataType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "int64", "bigint":
		return arrow.PrimitiveTypes.Int64, nil
	case "int32", "int":
		return arrow.PrimitiveTypes.Int32, nil
	case "float64", "double":
		return arrow.PrimitiveTypes.Float64, nil
	case "float32", "float":
		return arrow.PrimitiveTypes.Float32, nil
	case "string", "varchar", "utf8":
		return arrow.BinaryTypes.String, nil
	case "binary", "bytes":
		return arrow.BinaryTypes.Binary, nil
	case "bool", "boolean":
		return arrow.FixedWidthTypes.Boolean, nil
	case "timestamp", "timestamp_ms":
		return arrow.FixedWidthTypes.Timestamp_ms, nil
	}
	return nil, fmt.Errorf("unknown type %q", name)
}

// ParseSchema parses "id:int64, name:string, score:float64?" into a schema.
// A trailing ? marks the field nullable.
func ParseSchema(spec string) (*arrow.Schema, error) {
	var fields []arrow.Field
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, typ, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("schema field %q: want name:type", part)
		}
		nullable := strings.HasSuffix(typ, "?")
		dt, err := ParseType(strings.TrimSuffix(typ, "?"))
		if err != nil {
			return nil, fmt.Errorf("schema field %q: %w", name, err)
		}
		fields = append(fields, arrow.Field{Name: strings.TrimSpace(name), Type: dt, Nullable: nullable})
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty schema")
	}
	return arrow.NewSchema(fields, nil), nil
}
