package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealOpenRoundTrip(t *testing.T) {
	v, err := New(testKey)
	require.NoError(t, err)

	profile := map[string]any{
		"full_name": "John Smith",
		"addresses": []any{map[string]any{"city": "Austin", "state": "TX"}},
	}
	sealed, err := v.Seal(profile)
	require.NoError(t, err)
	require.Len(t, sealed.IV, 12)
	require.Len(t, sealed.Tag, 16)
	require.Len(t, sealed.DataHash, 64)

	got, err := v.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "John Smith", got["full_name"])
}

func TestOpenRejectsTampering(t *testing.T) {
	v, err := New(testKey)
	require.NoError(t, err)
	sealed, err := v.Seal(map[string]any{"full_name": "John Smith"})
	require.NoError(t, err)

	sealed.Ciphertext[0] ^= 0xff
	_, err = v.Open(sealed)
	require.Error(t, err)
}

func TestOpenWrongKey(t *testing.T) {
	v1, err := New(testKey)
	require.NoError(t, err)
	v2, err := New(strings.Repeat("ab", 32))
	require.NoError(t, err)

	sealed, err := v1.Seal(map[string]any{"x": "y"})
	require.NoError(t, err)
	_, err = v2.Open(sealed)
	require.Error(t, err)
}

func TestNewRejectsBadKeys(t *testing.T) {
	_, err := New("short")
	require.Error(t, err)
	_, err = New(strings.Repeat("zz", 32))
	require.Error(t, err)
}

func TestSealNoncesAreUnique(t *testing.T) {
	v, err := New(testKey)
	require.NoError(t, err)
	a, err := v.Seal(map[string]any{"x": "y"})
	require.NoError(t, err)
	b, err := v.Seal(map[string]any{"x": "y"})
	require.NoError(t, err)
	require.NotEqual(t, a.IV, b.IV)
	// Same plaintext hashes the same regardless of nonce.
	require.Equal(t, a.DataHash, b.DataHash)
}
