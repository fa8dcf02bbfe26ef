package security

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
	"io"

	"github.com/hoshizora-mesh/filemesh/internal/xerrors"
)

// EncryptChunk seals plaintext under key with a fresh random nonce
// embedded at the front of the ciphertext, per spec §4.1's "authenticated
// symmetric cipher with a per-message random nonce embedded in the
// ciphertext." Generalizes crypto.go's gcm()/keywrap.go's
// aeadSealWithKey to a single shared helper.
func EncryptChunk(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: init cipher: %v", xerrors.ErrIntegrity, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", xerrors.ErrIntegrity, err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ct...), nil
}

// DecryptChunk opens ciphertext produced by EncryptChunk. A failing tag
// returns ErrIntegrity — there is no silent-corruption fallback, per
// spec §4.1.
func DecryptChunk(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: init cipher: %v", xerrors.ErrIntegrity, err)
	}
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: ciphertext too short", xerrors.ErrIntegrity)
	}
	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	ct := ciphertext[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: tag verification failed: %v", xerrors.ErrIntegrity, err)
	}
	return pt, nil
}

// DeriveKey expands a shared secret into an n-byte key bound to info,
// generalizing crypto.go's hkdfBytes.
func DeriveKey(secret []byte, info string, n int) ([]byte, error) {
	h := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// NewChunkKey generates a fresh random 32-byte per-transfer symmetric key.
func NewChunkKey() ([32]byte, error) {
	var k [32]byte
	_, err := rand.Read(k[:])
	return k, err
}

// WrapKey wraps a per-transfer key for a specific recipient using the
// X25519 shared secret between sender and recipient, HKDF-expanded into an
// AEAD key. This resolves spec §9's open question on symmetric key
// sourcing: ephemeral key, wrapped per-recipient, rather than a hardcoded
// or pre-shared group secret.
func WrapKey(id *Identity, recipientAgreePub [32]byte, chunkKey []byte) (wrapped []byte, err error) {
	shared, err := id.SharedSecret(recipientAgreePub)
	if err != nil {
		return nil, err
	}
	wrapKey, err := DeriveKey(shared, "filemesh-key-wrap-v1", 32)
	if err != nil {
		return nil, err
	}
	return EncryptChunk(wrapKey, chunkKey)
}

// UnwrapKey reverses WrapKey using the recipient's own identity and the
// sender's advertised agreement public key.
func UnwrapKey(id *Identity, senderAgreePub [32]byte, wrapped []byte) ([]byte, error) {
	shared, err := id.SharedSecret(senderAgreePub)
	if err != nil {
		return nil, err
	}
	wrapKey, err := DeriveKey(shared, "filemesh-key-wrap-v1", 32)
	if err != nil {
		return nil, err
	}
	return DecryptChunk(wrapKey, wrapped)
}
