package schema

import (
	"github.com/apache/arrow-go/v18/arrow"

	"casparian/internal/core"
)

// Field metadata key marking a string column as JSON-typed on the wire.
const arrowTypeKey = "casparian.type"

// FromArrow converts an Arrow schema into a LockedSchema so it can be
// hash-compared against the active contract.
func FromArrow(outputName string, as *arrow.Schema) (*LockedSchema, error) {
	ls := &LockedSchema{OutputName: outputName}
	for _, f := range as.Fields() {
		ct, err := columnTypeFromArrow(f)
		if err != nil {
			return nil, err
		}
		ls.Columns = append(ls.Columns, Column{
			Name:     f.Name,
			Type:     ct,
			Nullable: f.Nullable,
		})
	}
	return ls, nil
}

func columnTypeFromArrow(f arrow.Field) (ColumnType, error) {
	switch dt := f.Type.(type) {
	case *arrow.Int8Type:
		return TypeInt8, nil
	case *arrow.Int16Type:
		return TypeInt16, nil
	case *arrow.Int32Type:
		return TypeInt32, nil
	case *arrow.Int64Type:
		return TypeInt64, nil
	case *arrow.Float32Type:
		return TypeFloat32, nil
	case *arrow.Float64Type:
		return TypeFloat64, nil
	case *arrow.BooleanType:
		return TypeBool, nil
	case *arrow.StringType, *arrow.LargeStringType:
		if v, ok := f.Metadata.GetValue(arrowTypeKey); ok && v == "json" {
			return TypeJSON, nil
		}
		return TypeString, nil
	case *arrow.Date32Type, *arrow.Date64Type:
		return TypeDate, nil
	case *arrow.TimestampType:
		return TypeTimestamp, nil
	case *arrow.Decimal128Type:
		return DecimalType(int(dt.Precision), int(dt.Scale)), nil
	case *arrow.BinaryType, *arrow.LargeBinaryType:
		return TypeBytes, nil
	default:
		return "", core.E(core.KindUnsupported,
			"arrow type %s of column %q is outside the contract type set", f.Type, f.Name)
	}
}

// ToArrow converts a LockedSchema into an Arrow schema, used by tests and
// the shim-side of the bridge.
func ToArrow(ls *LockedSchema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(ls.Columns))
	for _, c := range ls.Columns {
		dt, md, err := arrowTypeFromColumn(c)
		if err != nil {
			return nil, err
		}
		fields = append(fields, arrow.Field{Name: c.Name, Type: dt, Nullable: c.Nullable, Metadata: md})
	}
	return arrow.NewSchema(fields, nil), nil
}

func arrowTypeFromColumn(c Column) (arrow.DataType, arrow.Metadata, error) {
	none := arrow.Metadata{}
	switch c.Type {
	case TypeInt8:
		return arrow.PrimitiveTypes.Int8, none, nil
	case TypeInt16:
		return arrow.PrimitiveTypes.Int16, none, nil
	case TypeInt32:
		return arrow.PrimitiveTypes.Int32, none, nil
	case TypeInt64:
		return arrow.PrimitiveTypes.Int64, none, nil
	case TypeFloat32:
		return arrow.PrimitiveTypes.Float32, none, nil
	case TypeFloat64:
		return arrow.PrimitiveTypes.Float64, none, nil
	case TypeBool:
		return arrow.FixedWidthTypes.Boolean, none, nil
	case TypeString:
		return arrow.BinaryTypes.String, none, nil
	case TypeJSON:
		return arrow.BinaryTypes.String, arrow.NewMetadata([]string{arrowTypeKey}, []string{"json"}), nil
	case TypeDate:
		return arrow.FixedWidthTypes.Date32, none, nil
	case TypeTimestamp:
		return arrow.FixedWidthTypes.Timestamp_us, none, nil
	case TypeBytes:
		return arrow.BinaryTypes.Binary, none, nil
	}
	if p, s, ok := c.Type.DecimalParams(); ok {
		return &arrow.Decimal128Type{Precision: int32(p), Scale: int32(s)}, none, nil
	}
	return nil, none, core.E(core.KindUnsupported, "column type %q has no arrow mapping", c.Type)
}
