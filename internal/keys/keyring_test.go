package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSigner builds a manager holding `versions` keys, where the last one is
// current, and a keyring loaded with all of their public keys.
func testSigner(t *testing.T, versions, retention int) (*Manager, *Keyring) {
	t.Helper()

	m := NewManager(zerolog.Nop())
	_, err := m.Generate()
	require.NoError(t, err)
	for v := 2; v <= versions; v++ {
		_, err := m.Rotate()
		require.NoError(t, err)
	}

	ring := NewKeyring(m.CurrentVersion(), retention)
	for _, v := range m.Versions() {
		pub, err := m.Public(v)
		require.NoError(t, err)
		require.NoError(t, ring.Add(v, pub))
	}
	return m, ring
}

func TestKeyring_VerifyCurrentAndRetained(t *testing.T) {
	m, ring := testSigner(t, 3, DefaultRetention)
	payload := []byte("payload")

	for _, v := range m.Versions() {
		sig, err := m.SignWith(v, payload)
		require.NoError(t, err)
		assert.NoError(t, ring.Verify(v, payload, sig), "version %d", v)
	}
}

func TestKeyring_VerifyWrongKey(t *testing.T) {
	m, ring := testSigner(t, 2, DefaultRetention)
	payload := []byte("payload")

	// Signature by v1 must not verify as v2.
	sig, err := m.SignWith(1, payload)
	require.NoError(t, err)
	assert.Error(t, ring.Verify(2, payload, sig))
}

func TestKeyring_VerifyTamperedPayload(t *testing.T) {
	m, ring := testSigner(t, 1, DefaultRetention)

	sig, err := m.SignWith(1, []byte("payload"))
	require.NoError(t, err)
	assert.Error(t, ring.Verify(1, []byte("payloaX"), sig))
}

func TestKeyring_RetentionWindow(t *testing.T) {
	// Current version 6 with retention 2 keeps versions 4..6 verifiable.
	ring := NewKeyring(6, 2)

	tests := []struct {
		version  int
		retained bool
	}{
		{6, true},
		{5, true},
		{4, true},
		{3, false},
		{1, false},
		{7, false}, // future versions are never trusted early
		{0, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.retained, ring.Retained(tt.version), "version %d", tt.version)
	}
}

func TestKeyring_AgedOutVersionFails(t *testing.T) {
	m, _ := testSigner(t, 1, DefaultRetention)
	payload := []byte("payload")
	sig, err := m.SignWith(1, payload)
	require.NoError(t, err)

	// The key material for v1 is present but the current pointer has moved
	// far enough that v1 fell out of the window.
	ring := NewKeyring(10, 2)
	pub, err := m.Public(1)
	require.NoError(t, err)
	require.NoError(t, ring.Add(1, pub))

	err = ring.Verify(1, payload, sig)
	assert.ErrorIs(t, err, ErrVersionAgedOut)
}

func TestKeyring_UnknownVersion(t *testing.T) {
	ring := NewKeyring(3, DefaultRetention)
	err := ring.Verify(2, []byte("payload"), []byte("sig"))
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestKeyring_SetCurrentNeverRegresses(t *testing.T) {
	ring := NewKeyring(3, DefaultRetention)
	ring.SetCurrent(5)
	assert.Equal(t, 5, ring.Current())
	ring.SetCurrent(4)
	assert.Equal(t, 5, ring.Current())
}

func TestKeyring_AddEncoded(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, KeySize)
	require.NoError(t, err)
	data, err := MarshalXMLPublicKey(&key.PublicKey)
	require.NoError(t, err)

	ring := NewKeyring(1, DefaultRetention)
	require.NoError(t, ring.AddEncoded(1, data, EncodingXML))

	assert.Error(t, ring.AddEncoded(2, []byte("garbage"), EncodingXML))
	assert.Error(t, ring.AddEncoded(0, data, EncodingXML))
}
