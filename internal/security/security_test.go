package security

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)

	msg := []byte("announce peer-1234")
	sig := id.Sign(msg)
	require.True(t, Verify(id.SignPub, msg, sig))

	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 0xFF
	require.False(t, Verify(id.SignPub, tampered, sig))
}

func TestEncryptDecryptChunkRoundTrip(t *testing.T) {
	key, err := NewChunkKey()
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ct, err := EncryptChunk(key[:], plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ct)

	pt, err := DecryptChunk(key[:], ct)
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, pt))
}

func TestDecryptChunkRejectsTamperedCiphertext(t *testing.T) {
	key, err := NewChunkKey()
	require.NoError(t, err)

	ct, err := EncryptChunk(key[:], []byte("payload"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0x01

	_, err = DecryptChunk(key[:], ct)
	require.Error(t, err)
}

func TestWrapUnwrapKeyRoundTrip(t *testing.T) {
	sender, err := NewIdentity()
	require.NoError(t, err)
	recipient, err := NewIdentity()
	require.NoError(t, err)

	chunkKey, err := NewChunkKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(sender, recipient.AgreePub, chunkKey[:])
	require.NoError(t, err)

	unwrapped, err := UnwrapKey(recipient, sender.AgreePub, wrapped)
	require.NoError(t, err)
	require.True(t, bytes.Equal(chunkKey[:], unwrapped))
}

func TestUnwrapKeyFailsForWrongRecipient(t *testing.T) {
	sender, err := NewIdentity()
	require.NoError(t, err)
	recipient, err := NewIdentity()
	require.NoError(t, err)
	impostor, err := NewIdentity()
	require.NoError(t, err)

	chunkKey, err := NewChunkKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(sender, recipient.AgreePub, chunkKey[:])
	require.NoError(t, err)

	_, err = UnwrapKey(impostor, sender.AgreePub, wrapped)
	require.Error(t, err)
}

func TestSaveLoadIdentityRoundTrip(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "identity.dat")
	pass := []byte("correct-horse-battery-staple")
	require.NoError(t, SaveIdentity(path, id, pass))

	loaded, err := LoadIdentity(path, pass)
	require.NoError(t, err)
	require.True(t, id.SignPub.Equal(loaded.SignPub))
	require.Equal(t, id.AgreePub, loaded.AgreePub)
}

func TestLoadIdentityRejectsWrongPassphrase(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "identity.dat")
	require.NoError(t, SaveIdentity(path, id, []byte("right-pass")))

	_, err = LoadIdentity(path, []byte("wrong-pass"))
	require.Error(t, err)
}

func TestPeerPinStoreTrustOnFirstUse(t *testing.T) {
	pins := NewPeerPinStore()
	certA, err := SelfSignedCert("peer-a")
	require.NoError(t, err)
	certB, err := SelfSignedCert("peer-a")
	require.NoError(t, err)

	require.NoError(t, pins.Verify("peer-a", certA.Certificate))
	require.NoError(t, pins.Verify("peer-a", certA.Certificate))
	require.Error(t, pins.Verify("peer-a", certB.Certificate))
}
