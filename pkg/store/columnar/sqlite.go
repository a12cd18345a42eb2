package columnar

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/harun/tabula/pkg/dataset"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// SQLiteStore keeps every symbol in one table named "<library>/<symbol>".
// It has no fast row count; Describe estimates rows from max(rowid).
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteStore opens or creates the database file.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Location() string { return SchemeSQLite + "://" + absPath(s.path) }

func tableName(library, symbol string) (string, error) {
	if err := validateName("library", library); err != nil {
		return "", err
	}
	if err := validateName("symbol", symbol); err != nil {
		return "", err
	}
	return library + "/" + symbol, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *SQLiteStore) tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE '%/%'")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) Libraries(ctx context.Context) ([]string, error) {
	names, err := s.tables(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var libs []string
	for _, name := range names {
		lib, _, _ := strings.Cut(name, "/")
		if !seen[lib] {
			seen[lib] = true
			libs = append(libs, lib)
		}
	}
	sort.Strings(libs)
	return libs, nil
}

func (s *SQLiteStore) Symbols(ctx context.Context, library string) ([]string, error) {
	if err := validateName("library", library); err != nil {
		return nil, err
	}

	names, err := s.tables(ctx)
	if err != nil {
		return nil, err
	}

	syms := []string{}
	for _, name := range names {
		if sym, ok := strings.CutPrefix(name, library+"/"); ok && sym != "" {
			syms = append(syms, sym)
		}
	}
	sort.Strings(syms)
	return syms, nil
}

// Describe reads the column list from the table schema and estimates rows
// from the largest rowid, which is a single b-tree seek.
func (s *SQLiteStore) Describe(ctx context.Context, library, symbol string) (Descriptor, error) {
	table, err := tableName(library, symbol)
	if err != nil {
		return Descriptor{}, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read table info: %w", err)
	}
	defer rows.Close()

	var d Descriptor
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return Descriptor{}, fmt.Errorf("failed to scan column: %w", err)
		}
		d.Columns = append(d.Columns, name)
	}
	if err := rows.Err(); err != nil {
		return Descriptor{}, err
	}
	if len(d.Columns) == 0 {
		return Descriptor{}, fmt.Errorf("table %s does not exist", table)
	}

	var maxRowID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT max(rowid) FROM "+quoteIdent(table)).Scan(&maxRowID); err != nil {
		return Descriptor{}, fmt.Errorf("failed to estimate rows: %w", err)
	}
	d.Rows = maxRowID.Int64
	return d, nil
}

func (s *SQLiteStore) Read(ctx context.Context, library, symbol string, limit int) (*dataset.Frame, error) {
	table, err := tableName(library, symbol)
	if err != nil {
		return nil, err
	}

	query := "SELECT * FROM " + quoteIdent(table) + " ORDER BY rowid"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read column types: %w", err)
	}

	cols := make([]dataset.Column, len(names))
	decls := make([]string, len(names))
	for i, name := range names {
		cols[i] = dataset.Column{Name: name, Values: []any{}}
		decls[i] = strings.ToUpper(types[i].DatabaseTypeName())
	}

	cells := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range cells {
		ptrs[i] = &cells[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range cells {
			cols[i].Values = append(cols[i].Values, sqliteCell(decls[i], v))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return dataset.New(cols...)
}

// Write replaces the table in one transaction.
func (s *SQLiteStore) Write(ctx context.Context, library, symbol string, f *dataset.Frame) error {
	table, err := tableName(library, symbol)
	if err != nil {
		return err
	}
	if f.NumCols() == 0 {
		return fmt.Errorf("cannot write a frame without columns")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		return fmt.Errorf("failed to drop table: %w", err)
	}

	defs := make([]string, len(f.Columns))
	marks := make([]string, len(f.Columns))
	for i, col := range f.Columns {
		defs[i] = quoteIdent(col.Name) + " " + sqliteDecl(col.Values)
		marks[i] = "?"
	}
	if _, err := tx.ExecContext(ctx, "CREATE TABLE "+quoteIdent(table)+" ("+strings.Join(defs, ", ")+")"); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO "+quoteIdent(table)+" VALUES ("+strings.Join(marks, ", ")+")")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	row := make([]any, len(f.Columns))
	for r := 0; r < f.NumRows(); r++ {
		for c, col := range f.Columns {
			v, err := sqliteValue(col.Values[r])
			if err != nil {
				return fmt.Errorf("column %s row %d: %w", col.Name, r, err)
			}
			row[c] = v
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", r, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	log.Debug().
		Str("table", table).
		Int("rows", f.NumRows()).
		Msg("Symbol written")

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteDecl picks the declared column type. A column whose cells all
// share one Go type declares a name sqliteCell maps back to that type;
// other columns fall back to the affinity of their first value.
func sqliteDecl(values []any) string {
	var decl string
	for _, v := range values {
		if v == nil {
			continue
		}
		d := exactDecl(v)
		if decl == "" {
			decl = d
			continue
		}
		if d != decl {
			return affinity(dataset.InferDtype(values))
		}
	}
	if decl == "" {
		return affinity(dataset.InferDtype(values))
	}
	return decl
}

func exactDecl(v any) string {
	switch v.(type) {
	case int, int64:
		return "INTEGER"
	case int8:
		return "INT8"
	case int16:
		return "INT16"
	case int32:
		return "INT32"
	case uint8:
		return "UINT8"
	case uint16:
		return "UINT16"
	case uint32:
		return "UINT32"
	case uint, uint64:
		return "UINT64"
	case float32:
		return "FLOAT32"
	case float64:
		return "REAL"
	case bool:
		return "BOOLEAN"
	case time.Time:
		return "TIMESTAMP"
	case string:
		return "TEXT"
	default:
		return "BLOB"
	}
}

func affinity(dtype string) string {
	switch dtype {
	case "int64":
		return "INTEGER"
	case "float64":
		return "REAL"
	case "bool":
		return "BOOLEAN"
	case "datetime":
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// sqliteCell converts a scanned value back to the Go type its column
// declares. Values of another storage class pass through.
func sqliteCell(decl string, v any) any {
	switch x := v.(type) {
	case []byte:
		if decl == "BLOB" {
			return x
		}
		return string(x)
	case int64:
		switch decl {
		case "INT8":
			return int8(x)
		case "INT16":
			return int16(x)
		case "INT32":
			return int32(x)
		case "UINT8":
			return uint8(x)
		case "UINT16":
			return uint16(x)
		case "UINT32":
			return uint32(x)
		case "UINT64":
			return uint64(x)
		case "BOOLEAN":
			return x != 0
		}
	case float64:
		if decl == "FLOAT32" {
			return float32(x)
		}
	}
	return v
}

// sqliteValue converts a cell to what the driver stores. Integers keep
// their value; unsigned values past the signed range cannot be stored.
func sqliteValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, int, int8, int16, int32, int64, uint8, uint16, uint32, float32, float64, string, bool, []byte:
		return v, nil
	case uint:
		return sqliteValue(uint64(x))
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("uint64 %d exceeds the SQLite integer range", x)
		}
		return int64(x), nil
	case time.Time:
		return x.UTC(), nil
	default:
		return nil, fmt.Errorf("unsupported cell type %T", v)
	}
}
