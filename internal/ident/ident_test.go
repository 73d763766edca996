package ident

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONStableUnderKeyOrder(t *testing.T) {
	t.Parallel()

	a := map[string]interface{}{"b": 1, "a": []interface{}{"x", "y"}, "c": map[string]interface{}{"z": true, "y": nil}}
	b := map[string]interface{}{"c": map[string]interface{}{"y": nil, "z": true}, "a": []interface{}{"x", "y"}, "b": 1}

	ca, err := CanonicalJSON(a)
	require.NoError(t, err)
	cb, err := CanonicalJSON(b)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestCanonicalJSONNoHTMLEscape(t *testing.T) {
	t.Parallel()

	out, err := CanonicalJSON(map[string]interface{}{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(out))
}

func TestCanonicalJSONPreservesNumbers(t *testing.T) {
	t.Parallel()

	// Large int64s must not round-trip through float64.
	out, err := CanonicalJSON(map[string]interface{}{"n": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Contains(t, string(out), "9007199254740993")
}

func TestFingerprintUsesUnitSeparator(t *testing.T) {
	t.Parallel()

	// ("ab","c") and ("a","bc") must not produce the same fingerprint.
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
	assert.Equal(t, Fingerprint("a", "b"), Fingerprint("a", "b"))
}

func TestSafeOutputID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		want func(t *testing.T, got string)
	}{
		{"events", func(t *testing.T, got string) { assert.Equal(t, "events", got) }},
		{"trade_legs2", func(t *testing.T, got string) { assert.Equal(t, "trade_legs2", got) }},
		{"My Output!", func(t *testing.T, got string) {
			assert.True(t, strings.HasPrefix(got, "my_output_"), got)
			assert.Len(t, got, len("my_output_")+8)
		}},
		{"---", func(t *testing.T, got string) {
			assert.True(t, strings.HasPrefix(got, "output_"), got)
		}},
	}
	for _, tc := range cases {
		tc.want(t, SafeOutputID(tc.name))
	}
}

func TestSafeOutputIDDistinctUnsafeNames(t *testing.T) {
	t.Parallel()

	// Both slug to "a_b" but must stay distinct.
	assert.NotEqual(t, SafeOutputID("a b"), SafeOutputID("a-b"))
}

func TestKeyedHashDiffersByKey(t *testing.T) {
	t.Parallel()

	var k1, k2 [32]byte
	k2[0] = 1
	data := []byte("payload")
	assert.NotEqual(t, KeyedHash(k1, data), KeyedHash(k2, data))
	assert.Len(t, KeyedHash(k1, data), 64)
}

func TestNewIDUnique(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewID()
		require.False(t, seen[id])
		seen[id] = true
	}
}
