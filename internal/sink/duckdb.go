package sink

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	_ "github.com/marcboeker/go-duckdb"

	"casparian/internal/core"
	"casparian/internal/ident"
	"casparian/internal/logging"
	"casparian/internal/schema"
)

// DuckDB is the serialized writer over one DuckDB database file. It
// implements the bridge's batch sink and quarantine store.
type DuckDB struct {
	db *sql.DB
	mu sync.Mutex

	created map[string]bool
}

// OpenDuckDB opens (or creates) the sink database.
func OpenDuckDB(path string) (*DuckDB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "open duckdb sink at %s", path)
	}
	// One writer: DuckDB holds an exclusive write lock per process anyway.
	db.SetMaxOpenConns(1)
	return &DuckDB{db: db, created: make(map[string]bool)}, nil
}

// Close closes the sink.
func (d *DuckDB) Close() error {
	return d.db.Close()
}

func sqlType(t schema.ColumnType) (string, error) {
	switch t {
	case schema.TypeInt8:
		return "TINYINT", nil
	case schema.TypeInt16:
		return "SMALLINT", nil
	case schema.TypeInt32:
		return "INTEGER", nil
	case schema.TypeInt64:
		return "BIGINT", nil
	case schema.TypeFloat32:
		return "FLOAT", nil
	case schema.TypeFloat64:
		return "DOUBLE", nil
	case schema.TypeBool:
		return "BOOLEAN", nil
	case schema.TypeString:
		return "VARCHAR", nil
	case schema.TypeDate:
		return "DATE", nil
	case schema.TypeTimestamp:
		return "TIMESTAMP", nil
	case schema.TypeJSON:
		return "JSON", nil
	case schema.TypeBytes:
		return "BLOB", nil
	}
	if p, s, ok := t.DecimalParams(); ok {
		return fmt.Sprintf("DECIMAL(%d,%d)", p, s), nil
	}
	return "", core.E(core.KindUnsupported, "column type %q has no sink mapping", t)
}

// EnsureTable creates the output table from its locked schema if it does
// not exist. Table names come from the safe output id, never raw names.
func (d *DuckDB) EnsureTable(ls *schema.LockedSchema) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensureTableLocked(ls)
}

func (d *DuckDB) ensureTableLocked(ls *schema.LockedSchema) error {
	table := ident.SafeOutputID(ls.OutputName)
	if d.created[table] {
		return nil
	}
	cols := make([]string, 0, len(ls.Columns))
	for _, c := range ls.Columns {
		st, err := sqlType(c.Type)
		if err != nil {
			return err
		}
		null := " NOT NULL"
		if c.Nullable {
			null = ""
		}
		cols = append(cols, fmt.Sprintf("%q %s%s", c.Name, st, null))
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", table, strings.Join(cols, ", "))
	if _, err := d.db.Exec(ddl); err != nil {
		return core.Wrap(core.KindDatabase, err, "create sink table %s", table)
	}
	d.created[table] = true
	return nil
}

// WriteBatch appends one accepted record batch to the output's table in a
// single transaction.
func (d *DuckDB) WriteBatch(outputName string, ls *schema.LockedSchema, rec arrow.Record) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureTableLocked(ls); err != nil {
		return 0, err
	}
	table := ident.SafeOutputID(outputName)

	placeholders := make([]string, int(rec.NumCols()))
	names := make([]string, int(rec.NumCols()))
	for i := range placeholders {
		placeholders[i] = "?"
		names[i] = fmt.Sprintf("%q", rec.ColumnName(i))
	}
	insert := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		table, strings.Join(names, ", "), strings.Join(placeholders, ", "))

	tx, err := d.db.Begin()
	if err != nil {
		return 0, core.Wrap(core.KindDatabase, err, "begin sink write")
	}
	stmt, err := tx.Prepare(insert)
	if err != nil {
		tx.Rollback()
		return 0, core.Wrap(core.KindDatabase, err, "prepare sink insert")
	}
	defer stmt.Close()

	args := make([]interface{}, int(rec.NumCols()))
	for row := 0; row < int(rec.NumRows()); row++ {
		for col := 0; col < int(rec.NumCols()); col++ {
			args[col] = cellValue(rec.Column(col), row)
		}
		if _, err := stmt.Exec(args...); err != nil {
			tx.Rollback()
			return 0, core.Wrap(core.KindDatabase, err,
				"insert row %d into %s", row, table).AsTransient()
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, core.Wrap(core.KindDatabase, err, "commit sink write").AsTransient()
	}
	logging.Sink("Wrote %d rows to %s", rec.NumRows(), table)
	return rec.NumRows(), nil
}

// cellValue converts one arrow cell to a driver value.
func cellValue(col arrow.Array, row int) interface{} {
	if col.IsNull(row) {
		return nil
	}
	switch arr := col.(type) {
	case *array.Int8:
		return arr.Value(row)
	case *array.Int16:
		return arr.Value(row)
	case *array.Int32:
		return arr.Value(row)
	case *array.Int64:
		return arr.Value(row)
	case *array.Float32:
		return arr.Value(row)
	case *array.Float64:
		return arr.Value(row)
	case *array.Boolean:
		return arr.Value(row)
	case *array.String:
		return arr.Value(row)
	case *array.LargeString:
		return arr.Value(row)
	case *array.Binary:
		return arr.Value(row)
	case *array.Date32:
		return arr.Value(row).ToTime()
	case *array.Timestamp:
		return time.UnixMicro(int64(arr.Value(row))).UTC()
	default:
		// Decimal, JSON-tagged strings and anything exotic round-trip
		// through their textual form; the column type casts on insert.
		return col.ValueStr(row)
	}
}

// Quarantine records one rejected row keyed by (job, output, row index).
func (d *DuckDB) Quarantine(jobID, outputName string, rowIndex int64, kind, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.created["_quarantine"] {
		_, err := d.db.Exec(`
			CREATE TABLE IF NOT EXISTS "_quarantine" (
				job_id VARCHAR NOT NULL,
				output_name VARCHAR NOT NULL,
				row_index BIGINT NOT NULL,
				error_kind VARCHAR NOT NULL,
				value VARCHAR,
				PRIMARY KEY (job_id, output_name, row_index)
			)`)
		if err != nil {
			return core.Wrap(core.KindDatabase, err, "create quarantine table")
		}
		d.created["_quarantine"] = true
	}
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO "_quarantine" (job_id, output_name, row_index, error_kind, value)
		VALUES (?, ?, ?, ?, ?)`, jobID, outputName, rowIndex, kind, value)
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "quarantine row %d of %s", rowIndex, outputName)
	}
	return nil
}

// QuarantineCount reports quarantined rows for a job, optionally filtered
// by output.
func (d *DuckDB) QuarantineCount(jobID, outputName string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.created["_quarantine"] {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM "_quarantine" WHERE job_id = ?`
	args := []interface{}{jobID}
	if outputName != "" {
		query += " AND output_name = ?"
		args = append(args, outputName)
	}
	var n int64
	if err := d.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, core.Wrap(core.KindDatabase, err, "count quarantine rows")
	}
	return n, nil
}
