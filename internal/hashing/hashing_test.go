package hashing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShortHashLength(t *testing.T) {
	h := ShortHash([]byte("abc"))
	require.Len(t, h, ShortLength)
	// sha256("abc") = ba7816bf8f01cfea414140de5dae2223...
	require.Equal(t, "ba7816bf8f01cfea", h)
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint("10.0.0.1", "Mozilla/5.0")
	b := Fingerprint("10.0.0.1", "Mozilla/5.0")
	c := Fingerprint("10.0.0.2", "Mozilla/5.0")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.NotContains(t, a, "10.0.0.1")
}

func TestCanonicalJSONHashIgnoresMapOrder(t *testing.T) {
	first, err := CanonicalJSONHash(map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	second, err := CanonicalJSONHash(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, ConstantTimeEqual("deadbeef", "deadbeef"))
	require.False(t, ConstantTimeEqual("deadbeef", "deadbeee"))
}
