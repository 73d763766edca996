package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casparian/internal/store"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestKeySensitivity(t *testing.T) {
	t.Parallel()

	pf := ParserFingerprint{ParserID: "fills_v1", CodeHash: "abc", RuntimeTag: "py3.12"}
	target := OutputTargetKey("trades", "duckdb:/tmp/out.db", "append", "trades", "h1")
	base := Key("uid-1", 1000, 2048, pf.Hash(), target)

	// Same inputs, same key.
	assert.Equal(t, base, Key("uid-1", 1000, 2048, pf.Hash(), target))

	// Each component of the file version changes the key.
	assert.NotEqual(t, base, Key("uid-2", 1000, 2048, pf.Hash(), target))
	assert.NotEqual(t, base, Key("uid-1", 1001, 2048, pf.Hash(), target))
	assert.NotEqual(t, base, Key("uid-1", 1000, 2049, pf.Hash(), target))

	// Parser behavior changes the key.
	pf2 := pf
	pf2.CodeHash = "def"
	assert.NotEqual(t, base, Key("uid-1", 1000, 2048, pf2.Hash(), target))
}

// Every component of the output target participates in the key: the
// output name, the sink, the write mode, the destination table and the
// contract schema hash.
func TestOutputTargetKeyComponents(t *testing.T) {
	t.Parallel()

	base := OutputTargetKey("trades", "duckdb:/tmp/out.db", "append", "trades", "h1")
	assert.Equal(t, base, OutputTargetKey("trades", "duckdb:/tmp/out.db", "append", "trades", "h1"))

	assert.NotEqual(t, base, OutputTargetKey("quotes", "duckdb:/tmp/out.db", "append", "trades", "h1"))
	assert.NotEqual(t, base, OutputTargetKey("trades", "duckdb:/tmp/other.db", "append", "trades", "h1"))
	assert.NotEqual(t, base, OutputTargetKey("trades", "duckdb:/tmp/out.db", "replace", "trades", "h1"))
	assert.NotEqual(t, base, OutputTargetKey("trades", "duckdb:/tmp/out.db", "append", "trades_v2", "h1"))
	assert.NotEqual(t, base, OutputTargetKey("trades", "duckdb:/tmp/out.db", "append", "trades", "h2"))

	// Component boundaries are delimited, not concatenated.
	assert.NotEqual(t,
		OutputTargetKey("ab", "c", "append", "t", "h"),
		OutputTargetKey("a", "bc", "append", "t", "h"))
}

func TestFirstSuccessWins(t *testing.T) {
	t.Parallel()
	l := openLedger(t)
	key := Key("uid-1", 1000, 2048, "pf", "target")

	d, err := l.Check(key)
	require.NoError(t, err)
	assert.True(t, d.Proceed)
	assert.Nil(t, d.Prior)

	first, err := l.RecordSuccess(key, "job-A", 500)
	require.NoError(t, err)
	assert.True(t, first)

	// A racing job records after A: its write is reported as a duplicate.
	first, err = l.RecordSuccess(key, "job-B", 500)
	require.NoError(t, err)
	assert.False(t, first)

	d, err = l.Check(key)
	require.NoError(t, err)
	assert.False(t, d.Proceed)
	assert.Equal(t, "job-A", d.Prior.JobID)
	assert.Equal(t, int64(500), d.Prior.RowsWritten)
}

func TestFailureDoesNotBlockRetry(t *testing.T) {
	t.Parallel()
	l := openLedger(t)
	key := Key("uid-1", 1000, 2048, "pf", "target")

	require.NoError(t, l.RecordFailure(key, "job-A", true))

	d, err := l.Check(key)
	require.NoError(t, err)
	assert.True(t, d.Proceed, "failed rows do not block retries")
	require.NotNil(t, d.Prior)
	assert.Equal(t, store.MaterializationFailed, d.Prior.Status)
	assert.True(t, d.Prior.Transient)

	first, err := l.RecordSuccess(key, "job-B", 10)
	require.NoError(t, err)
	assert.True(t, first, "success after failure owns the key")

	// A late failure report never downgrades the success.
	require.NoError(t, l.RecordFailure(key, "job-C", false))
	d, err = l.Check(key)
	require.NoError(t, err)
	assert.False(t, d.Proceed)
	assert.Equal(t, "job-B", d.Prior.JobID)
}
