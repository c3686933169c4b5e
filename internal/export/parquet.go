package export

import (
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/kalambet/consolida/internal/frame"
)

// Schema maps the table's inferred column kinds to Arrow fields. Mixed and
// all-null columns are stored as strings. Every field is nullable.
func Schema(t *frame.Table) *arrow.Schema {
	fields := make([]arrow.Field, t.NumColumns())
	for i, c := range t.Columns() {
		fields[i] = arrow.Field{Name: c, Type: arrowType(t.ColumnKind(c)), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(k frame.Kind) arrow.DataType {
	switch k {
	case frame.KindInt:
		return arrow.PrimitiveTypes.Int64
	case frame.KindFloat:
		return arrow.PrimitiveTypes.Float64
	case frame.KindBool:
		return arrow.FixedWidthTypes.Boolean
	case frame.KindTime:
		return arrow.FixedWidthTypes.Timestamp_us
	}
	return arrow.BinaryTypes.String
}

// Record converts t to an Arrow record. The caller releases it.
func Record(mem memory.Allocator, t *frame.Table) (arrow.Record, error) {
	schema := Schema(t)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for i, c := range t.Columns() {
		vals, err := t.Column(c)
		if err != nil {
			return nil, err
		}
		if err := appendColumn(b.Field(i), vals); err != nil {
			return nil, fmt.Errorf("column %q: %w", c, err)
		}
	}
	return b.NewRecord(), nil
}

func appendColumn(fb array.Builder, vals []any) error {
	for _, v := range vals {
		if v == nil {
			fb.AppendNull()
			continue
		}
		switch b := fb.(type) {
		case *array.Int64Builder:
			b.Append(v.(int64))
		case *array.Float64Builder:
			switch x := v.(type) {
			case float64:
				b.Append(x)
			case int64:
				b.Append(float64(x))
			}
		case *array.BooleanBuilder:
			b.Append(v.(bool))
		case *array.TimestampBuilder:
			ts, err := arrow.TimestampFromTime(v.(time.Time), arrow.Microsecond)
			if err != nil {
				return err
			}
			b.Append(ts)
		case *array.StringBuilder:
			b.Append(frame.FormatValue(v))
		default:
			return fmt.Errorf("unsupported builder %T", fb)
		}
	}
	return nil
}

// WriteParquet writes t as a Snappy-compressed Parquet file with the Arrow
// schema stored in the metadata.
func WriteParquet(w io.Writer, t *frame.Table) error {
	rec, err := Record(memory.NewGoAllocator(), t)
	if err != nil {
		return err
	}
	defer rec.Release()

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(rec.Schema(), w, props, arrowProps)
	if err != nil {
		return fmt.Errorf("creating parquet writer: %w", err)
	}
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("writing parquet: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing parquet writer: %w", err)
	}
	return nil
}
