package canonical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysAtEveryLevel(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{"y": "foo", "x": "bar"},
		"a": 1,
	}
	b, err := Marshal(input)
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	b, err := Marshal(map[string]string{"html": "<script>alert('xss')</script> &"})
	require.NoError(t, err)
	require.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestMarshal_CompactSeparators(t *testing.T) {
	b, err := Marshal([]interface{}{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, `[1,2,3]`, string(b))
}

func TestDigest_EqualLogicalPayloadsHashEqual(t *testing.T) {
	a := map[string]interface{}{"a": 1, "b": 2}
	b := map[string]interface{}{"b": 2, "a": 1}
	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)
	require.Equal(t, da, db)
}

func TestDigest_StringsHashedAsIs(t *testing.T) {
	d1, err := Digest("hello")
	require.NoError(t, err)
	d2, err := Digest([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestPrefixedDigest_HasPrefix(t *testing.T) {
	d, err := PrefixedDigest(map[string]interface{}{"x": 1})
	require.NoError(t, err)
	require.Contains(t, d, "sha256:")
	require.Len(t, d, len("sha256:")+64)
}

func TestZeroHash_Shape(t *testing.T) {
	require.Equal(t, len("sha256:")+64, len(ZeroHash))
}

func TestMarshal_UnicodeNormalization(t *testing.T) {
	// "é" as a single codepoint (NFC) vs "e" + combining acute (NFD) must
	// canonicalize to the same bytes.
	nfc := "é"
	nfd := "é"
	bNFC, err := Marshal(map[string]string{"v": nfc})
	require.NoError(t, err)
	bNFD, err := Marshal(map[string]string{"v": nfd})
	require.NoError(t, err)
	require.Equal(t, string(bNFC), string(bNFD))
}
