package sink

import (
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casparian/internal/core"
	"casparian/internal/schema"
)

// =============================================================================
// URL TESTS
// =============================================================================

func TestParseURL(t *testing.T) {
	t.Parallel()

	target, err := ParseURL("duckdb:/data/out.db")
	require.NoError(t, err)
	assert.Equal(t, "duckdb", target.Driver)
	assert.Equal(t, "/data/out.db", target.Path)

	_, err = ParseURL("duckdb:")
	assert.True(t, core.IsKind(err, core.KindConstraint))

	for _, raw := range []string{"postgres://host/db", "postgresql://host/db", "sqlserver://host/db"} {
		_, err := ParseURL(raw)
		assert.True(t, core.IsKind(err, core.KindUnsupported), raw)
	}

	_, err = ParseURL("mystery:thing")
	assert.True(t, core.IsKind(err, core.KindUnsupported))
}

func TestSQLTypeMapping(t *testing.T) {
	t.Parallel()

	cases := map[schema.ColumnType]string{
		schema.TypeInt64:          "BIGINT",
		schema.TypeFloat64:        "DOUBLE",
		schema.TypeString:         "VARCHAR",
		schema.TypeTimestamp:      "TIMESTAMP",
		schema.TypeJSON:           "JSON",
		schema.DecimalType(12, 4): "DECIMAL(12,4)",
	}
	for ct, want := range cases {
		got, err := sqlType(ct)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := sqlType(schema.ColumnType("varchar"))
	assert.True(t, core.IsKind(err, core.KindUnsupported))
}

// =============================================================================
// DUCKDB WRITER TESTS
// =============================================================================

func openSink(t *testing.T) *DuckDB {
	t.Helper()
	d, err := OpenDuckDB(filepath.Join(t.TempDir(), "sink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func tradesBatch(t *testing.T) (*schema.LockedSchema, arrow.Record) {
	t.Helper()
	ls := &schema.LockedSchema{OutputName: "trades", Columns: []schema.Column{
		{Name: "qty", Type: schema.TypeInt64},
		{Name: "symbol", Type: schema.TypeString, Nullable: true},
	}}
	as := arrow.NewSchema([]arrow.Field{
		{Name: "qty", Type: arrow.PrimitiveTypes.Int64},
		{Name: "symbol", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	b := array.NewRecordBuilder(memory.NewGoAllocator(), as)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues([]int64{10, 20, 30}, nil)
	b.Field(1).(*array.StringBuilder).AppendValues([]string{"AAA", "BBB", ""}, []bool{true, true, false})
	return ls, b.NewRecord()
}

func TestWriteBatch(t *testing.T) {
	t.Parallel()
	d := openSink(t)

	ls, rec := tradesBatch(t)
	defer rec.Release()

	n, err := d.WriteBatch("trades", ls, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	var count int64
	var total int64
	require.NoError(t, d.db.QueryRow(`SELECT COUNT(*), SUM("qty") FROM "trades"`).Scan(&count, &total))
	assert.Equal(t, int64(3), count)
	assert.Equal(t, int64(60), total)

	var nulls int64
	require.NoError(t, d.db.QueryRow(`SELECT COUNT(*) FROM "trades" WHERE "symbol" IS NULL`).Scan(&nulls))
	assert.Equal(t, int64(1), nulls, "null cells survive the write")
}

func TestWriteBatchUnsafeOutputName(t *testing.T) {
	t.Parallel()
	d := openSink(t)

	ls, rec := tradesBatch(t)
	defer rec.Release()
	ls.OutputName = "Trade Report"

	_, err := d.WriteBatch("Trade Report", ls, rec)
	require.NoError(t, err)

	// The table lands under the slugged safe id, not the raw name.
	var count int64
	table := `SELECT COUNT(*) FROM information_schema.tables WHERE table_name LIKE 'trade_report%'`
	require.NoError(t, d.db.QueryRow(table).Scan(&count))
	assert.Equal(t, int64(1), count)
}

func TestQuarantine(t *testing.T) {
	t.Parallel()
	d := openSink(t)

	require.NoError(t, d.Quarantine("job-1", "trades", 0, "SchemaMismatch", "qty=7"))
	require.NoError(t, d.Quarantine("job-1", "trades", 1, "SchemaMismatch", "qty=8"))
	require.NoError(t, d.Quarantine("job-1", "quotes", 0, "SchemaMismatch", ""))
	// Re-quarantining the same key replaces, not duplicates.
	require.NoError(t, d.Quarantine("job-1", "trades", 1, "SchemaMismatch", "qty=9"))

	all, err := d.QuarantineCount("job-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), all)

	trades, err := d.QuarantineCount("job-1", "trades")
	require.NoError(t, err)
	assert.Equal(t, int64(2), trades)
}
