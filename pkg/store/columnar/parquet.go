package columnar

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/parquet"
	"github.com/apache/arrow/go/v10/parquet/file"
	"github.com/apache/arrow/go/v10/parquet/pqarrow"
	"github.com/harun/tabula/pkg/dataset"
	"github.com/rs/zerolog/log"
)

const parquetExt = ".parquet"

// ParquetStore keeps one directory per library and one Parquet file per
// symbol: <root>/<library>/<symbol>.parquet.
type ParquetStore struct {
	root string
	mem  memory.Allocator
}

// NewParquetStore creates root if needed.
func NewParquetStore(root string) (*ParquetStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &ParquetStore{
		root: root,
		mem:  memory.NewGoAllocator(),
	}, nil
}

// Root returns the store directory.
func (s *ParquetStore) Root() string { return s.root }

func (s *ParquetStore) Location() string { return SchemeParquet + "://" + absPath(s.root) }

func (s *ParquetStore) libraryDir(library string) string {
	return filepath.Join(s.root, library)
}

func (s *ParquetStore) symbolPath(library, symbol string) (string, error) {
	if err := validateName("library", library); err != nil {
		return "", err
	}
	if err := validateName("symbol", symbol); err != nil {
		return "", err
	}
	return filepath.Join(s.libraryDir(library), symbol+parquetExt), nil
}

func (s *ParquetStore) Libraries(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list libraries: %w", err)
	}

	var libs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			libs = append(libs, e.Name())
		}
	}
	sort.Strings(libs)
	return libs, nil
}

func (s *ParquetStore) Symbols(ctx context.Context, library string) ([]string, error) {
	if err := validateName("library", library); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.libraryDir(library))
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}

	syms := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, parquetExt) {
			continue
		}
		syms = append(syms, strings.TrimSuffix(name, parquetExt))
	}
	sort.Strings(syms)
	return syms, nil
}

func (s *ParquetStore) open(library, symbol string) (*file.Reader, error) {
	path, err := s.symbolPath(library, symbol)
	if err != nil {
		return nil, err
	}
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return rdr, nil
}

// RowCount reads the exact row count from the file footer.
func (s *ParquetStore) RowCount(ctx context.Context, library, symbol string) (int64, error) {
	rdr, err := s.open(library, symbol)
	if err != nil {
		return 0, err
	}
	defer rdr.Close()

	return rdr.NumRows(), nil
}

// Describe sums row-group row counts and lists the schema columns.
func (s *ParquetStore) Describe(ctx context.Context, library, symbol string) (Descriptor, error) {
	rdr, err := s.open(library, symbol)
	if err != nil {
		return Descriptor{}, err
	}
	defer rdr.Close()

	md := rdr.MetaData()

	var d Descriptor
	for i := 0; i < rdr.NumRowGroups(); i++ {
		d.Rows += md.RowGroup(i).NumRows()
	}
	for i := 0; i < md.Schema.NumColumns(); i++ {
		d.Columns = append(d.Columns, md.Schema.Column(i).Name())
	}
	return d, nil
}

func (s *ParquetStore) Read(ctx context.Context, library, symbol string, limit int) (*dataset.Frame, error) {
	rdr, err := s.open(library, symbol)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()

	if limit > 0 {
		return s.readHead(ctx, rdr, limit)
	}

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, s.mem)
	if err != nil {
		return nil, fmt.Errorf("failed to create arrow reader: %w", err)
	}

	table, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read table: %w", err)
	}
	defer table.Release()

	cols := make([]dataset.Column, 0, table.NumCols())
	for i := 0; i < int(table.NumCols()); i++ {
		col := table.Column(i)
		values := make([]any, 0, table.NumRows())
		for _, chunk := range col.Data().Chunks() {
			vals, err := arrayValues(chunk)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col.Name(), err)
			}
			values = append(values, vals...)
		}
		cols = append(cols, dataset.Column{Name: col.Name(), Values: values})
	}
	return dataset.New(cols...)
}

// readHead reads one record batch of at most limit rows.
func (s *ParquetStore) readHead(ctx context.Context, rdr *file.Reader, limit int) (*dataset.Frame, error) {
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: int64(limit)}, s.mem)
	if err != nil {
		return nil, fmt.Errorf("failed to create arrow reader: %w", err)
	}

	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create record reader: %w", err)
	}
	defer rr.Release()

	schema := rr.Schema()
	cols := make([]dataset.Column, len(schema.Fields()))
	for i, field := range schema.Fields() {
		cols[i] = dataset.Column{Name: field.Name, Values: []any{}}
	}

	if rr.Next() {
		rec := rr.Record()
		for i := range cols {
			vals, err := arrayValues(rec.Column(i))
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", cols[i].Name, err)
			}
			if len(vals) > limit {
				vals = vals[:limit]
			}
			cols[i].Values = vals
		}
	}
	return dataset.New(cols...)
}

// Write encodes f to a temporary file and renames it over the symbol.
func (s *ParquetStore) Write(ctx context.Context, library, symbol string, f *dataset.Frame) error {
	path, err := s.symbolPath(library, symbol)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create library directory: %w", err)
	}

	table, err := s.toTable(f)
	if err != nil {
		return err
	}
	defer table.Release()

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+symbol+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	props := parquet.NewWriterProperties(parquet.WithDictionaryDefault(false))
	if err := pqarrow.WriteTable(table, tmp, 4096, props, pqarrow.DefaultWriterProps()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write parquet: %w", err)
	}
	// WriteTable closes the sink; a second close only reports the fd state.
	_ = tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	log.Debug().
		Str("library", library).
		Str("symbol", symbol).
		Int("rows", f.NumRows()).
		Msg("Symbol written")

	return nil
}

func (s *ParquetStore) toTable(f *dataset.Frame) (arrow.Table, error) {
	var (
		fields []arrow.Field
		arrs   []arrow.Array
	)
	defer func() {
		for _, a := range arrs {
			a.Release()
		}
	}()

	if f != nil {
		for _, col := range f.Columns {
			arr, err := buildArray(s.mem, col.Values)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col.Name, err)
			}
			fields = append(fields, arrow.Field{Name: col.Name, Type: arr.DataType(), Nullable: true})
			arrs = append(arrs, arr)
		}
	}

	schema := arrow.NewSchema(fields, nil)
	rec := array.NewRecord(schema, arrs, int64(f.NumRows()))
	defer rec.Release()

	return array.NewTableFromRecords(schema, []arrow.Record{rec}), nil
}

// WatchLibrary notifies onChange when symbol files in the library change.
func (s *ParquetStore) WatchLibrary(library string, onChange func()) (func() error, error) {
	if err := validateName("library", library); err != nil {
		return nil, err
	}
	dir := s.libraryDir(library)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create library directory: %w", err)
	}

	fw, err := NewFileWatcher(log.Logger.With().Str("library", library).Logger(), parquetExt, onChange)
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Watch(dir); err != nil {
		_ = fw.Stop()
		return nil, fmt.Errorf("failed to watch library: %w", err)
	}
	return fw.Stop, nil
}

func (s *ParquetStore) Close() error { return nil }

// appender is the part of a typed arrow builder that fill needs.
type appender[T any] interface {
	array.Builder
	Append(T)
}

func fill[T any](b appender[T], cells []any) arrow.Array {
	defer b.Release()
	for _, v := range cells {
		if v == nil {
			b.AppendNull()
			continue
		}
		b.Append(v.(T))
	}
	return b.NewArray()
}

// normalizeCell widens the platform-sized integers to their 64-bit forms.
func normalizeCell(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case uint:
		return uint64(x)
	}
	return v
}

// buildArray maps a column onto one arrow type. Every non-nil cell must
// hold the same Go type; a column that cannot be stored exactly is an error.
func buildArray(mem memory.Allocator, values []any) (arrow.Array, error) {
	cells := make([]any, len(values))
	var sample any
	for i, v := range values {
		v = normalizeCell(v)
		cells[i] = v
		if v == nil {
			continue
		}
		if sample == nil {
			sample = v
			continue
		}
		if reflect.TypeOf(v) != reflect.TypeOf(sample) {
			return nil, fmt.Errorf("row %d holds %T in a %T column", i, v, sample)
		}
	}

	switch sample.(type) {
	case nil, string:
		return fill[string](array.NewStringBuilder(mem), cells), nil
	case int8:
		return fill[int8](array.NewInt8Builder(mem), cells), nil
	case int16:
		return fill[int16](array.NewInt16Builder(mem), cells), nil
	case int32:
		return fill[int32](array.NewInt32Builder(mem), cells), nil
	case int64:
		return fill[int64](array.NewInt64Builder(mem), cells), nil
	case uint8:
		return fill[uint8](array.NewUint8Builder(mem), cells), nil
	case uint16:
		return fill[uint16](array.NewUint16Builder(mem), cells), nil
	case uint32:
		return fill[uint32](array.NewUint32Builder(mem), cells), nil
	case uint64:
		return fill[uint64](array.NewUint64Builder(mem), cells), nil
	case float32:
		return fill[float32](array.NewFloat32Builder(mem), cells), nil
	case float64:
		return fill[float64](array.NewFloat64Builder(mem), cells), nil
	case bool:
		return fill[bool](array.NewBooleanBuilder(mem), cells), nil
	case time.Time:
		b := array.NewTimestampBuilder(mem, &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"})
		defer b.Release()
		for i, v := range cells {
			if v == nil {
				b.AppendNull()
				continue
			}
			t := v.(time.Time)
			if t.Nanosecond()%int(time.Microsecond) != 0 {
				return nil, fmt.Errorf("row %d has sub-microsecond precision", i)
			}
			b.Append(arrow.Timestamp(t.UnixMicro()))
		}
		return b.NewArray(), nil
	default:
		return nil, fmt.Errorf("unsupported cell type %T", sample)
	}
}

func cellsOf[T any](arr interface {
	arrow.Array
	Value(int) T
}) []any {
	out := make([]any, arr.Len())
	for i := range out {
		if !arr.IsNull(i) {
			out[i] = arr.Value(i)
		}
	}
	return out
}

func arrayValues(arr arrow.Array) ([]any, error) {
	switch a := arr.(type) {
	case *array.Int8:
		return cellsOf[int8](a), nil
	case *array.Int16:
		return cellsOf[int16](a), nil
	case *array.Int32:
		return cellsOf[int32](a), nil
	case *array.Int64:
		return cellsOf[int64](a), nil
	case *array.Uint8:
		return cellsOf[uint8](a), nil
	case *array.Uint16:
		return cellsOf[uint16](a), nil
	case *array.Uint32:
		return cellsOf[uint32](a), nil
	case *array.Uint64:
		return cellsOf[uint64](a), nil
	case *array.Float32:
		return cellsOf[float32](a), nil
	case *array.Float64:
		return cellsOf[float64](a), nil
	case *array.String:
		return cellsOf[string](a), nil
	case *array.Boolean:
		return cellsOf[bool](a), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		out := make([]any, a.Len())
		for i := range out {
			if !a.IsNull(i) {
				out[i] = timestampToTime(int64(a.Value(i)), unit)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported arrow type %s", arr.DataType())
	}
}

func timestampToTime(v int64, unit arrow.TimeUnit) time.Time {
	switch unit {
	case arrow.Second:
		return time.Unix(v, 0).UTC()
	case arrow.Millisecond:
		return time.UnixMilli(v).UTC()
	case arrow.Microsecond:
		return time.UnixMicro(v).UTC()
	default:
		return time.Unix(0, v).UTC()
	}
}
