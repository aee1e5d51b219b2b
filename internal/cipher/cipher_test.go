package cipher

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/edgesession/internal/testutil/testlog"
)

func TestSealOpenBothVariants(t *testing.T) {
	testlog.Start(t)
	for _, variant := range []Variant{VariantLegacy, VariantDataKey} {
		m, err := NewMaterial(variant)
		require.NoError(t, err)

		sealed, err := Box{}.Seal(m, []byte("hello session"))
		require.NoError(t, err)
		require.False(t, bytes.Contains(sealed, []byte("hello session")))

		plain, err := Box{}.Open(m, sealed)
		require.NoError(t, err, "variant=%s", variant)
		require.Equal(t, "hello session", string(plain))
	}
}

func TestOpenWithWrongKeyIsDecryptError(t *testing.T) {
	testlog.Start(t)
	a, err := NewMaterial(VariantDataKey)
	require.NoError(t, err)
	b, err := NewMaterial(VariantDataKey)
	require.NoError(t, err)

	sealed, err := Box{}.Seal(a, []byte("secret"))
	require.NoError(t, err)

	_, err = Box{}.Open(b, sealed)
	var decErr *DecryptError
	require.True(t, errors.As(err, &decErr))
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestOpenRejectsTruncatedAndVersionedPayloads(t *testing.T) {
	testlog.Start(t)
	m, err := NewMaterial(VariantDataKey)
	require.NoError(t, err)

	_, err = Box{}.Open(m, []byte{0, 1, 2})
	require.ErrorIs(t, err, ErrShortPayload)

	sealed, err := Box{}.Seal(m, []byte("x"))
	require.NoError(t, err)
	sealed[0] = 7
	_, err = Box{}.Open(m, sealed)
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestMaterialValidate(t *testing.T) {
	testlog.Start(t)
	require.ErrorIs(t, Material{Key: []byte{1}, Variant: VariantLegacy}.Validate(), ErrInvalidKey)
	require.ErrorIs(t, Material{Key: make([]byte, KeySize), Variant: "rot13"}.Validate(), ErrUnknownVariant)

	v, err := ParseVariant("")
	require.NoError(t, err)
	require.Equal(t, VariantDataKey, v)
	v, err = ParseVariant("secretbox")
	require.NoError(t, err)
	require.Equal(t, VariantLegacy, v)
}

func TestSealJSONOpenBase64(t *testing.T) {
	testlog.Start(t)
	m, err := NewMaterial(VariantLegacy)
	require.NoError(t, err)

	encoded, err := SealJSON(Box{}, m, map[string]string{"role": "user"})
	require.NoError(t, err)
	plain, err := OpenBase64(Box{}, m, encoded)
	require.NoError(t, err)
	require.JSONEq(t, `{"role":"user"}`, string(plain))

	_, err = OpenBase64(Box{}, m, "%%%not-base64")
	var decErr *DecryptError
	require.True(t, errors.As(err, &decErr))
}

func TestMaterialCloneAndEqual(t *testing.T) {
	testlog.Start(t)
	m, err := NewMaterial(VariantDataKey)
	require.NoError(t, err)
	c := m.Clone()
	require.True(t, m.Equal(c))
	c.Key[0] ^= 0xff
	require.False(t, m.Equal(c))
}
