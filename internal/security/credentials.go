package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var envMagic = []byte("FMSH1")

// sealedKeys is the plaintext JSON sealed inside the on-disk envelope
// MAGIC | salt | nonce | ciphertext, generalizing env_encrypt.go's
// sealEnvSecrets.
type sealedKeys struct {
	SignPriv  []byte `json:"sign_priv"`
	AgreePriv []byte `json:"agree_priv"`
}

// kdf derives a 32-byte key from a passphrase using Argon2id, matching
// env_encrypt.go's tuning (m=64MiB, t=2, p=1).
func kdf(pass, salt []byte) []byte {
	return argon2.IDKey(pass, salt, 2, 64*1024, 1, 32)
}

// SaveIdentity seals the identity's private key material to path, so the
// node can restart without regenerating (and thus re-announcing under a
// new key, breaking peer pinning).
func SaveIdentity(path string, id *Identity, pass []byte) error {
	plain, err := json.Marshal(sealedKeys{
		SignPriv:  id.signPriv,
		AgreePriv: id.agreePriv[:],
	})
	if err != nil {
		return err
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key := kdf(pass, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ct := aead.Seal(nil, nonce, plain, nil)

	out := make([]byte, 0, len(envMagic)+len(salt)+len(nonce)+len(ct))
	out = append(out, envMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return os.WriteFile(path, out, 0o600)
}

// LoadIdentity opens a sealed identity file created by SaveIdentity.
func LoadIdentity(path string, pass []byte) (*Identity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	min := len(envMagic) + 16 + chacha20poly1305.NonceSizeX
	if len(b) < min {
		return nil, errors.New("identity file too short")
	}
	if string(b[:len(envMagic)]) != string(envMagic) {
		return nil, errors.New("bad identity file magic")
	}
	off := len(envMagic)
	salt := b[off : off+16]
	off += 16
	nonce := b[off : off+chacha20poly1305.NonceSizeX]
	off += chacha20poly1305.NonceSizeX
	ct := b[off:]

	key := kdf(pass, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt identity (wrong passphrase?): %w", err)
	}

	var sk sealedKeys
	if err := json.Unmarshal(plain, &sk); err != nil {
		return nil, err
	}

	id := &Identity{
		SignPub:  ed25519.PrivateKey(sk.SignPriv).Public().(ed25519.PublicKey),
		signPriv: ed25519.PrivateKey(sk.SignPriv),
	}
	copy(id.agreePriv[:], sk.AgreePriv)
	pub, err := curve25519X25519(id.agreePriv)
	if err != nil {
		return nil, err
	}
	copy(id.AgreePub[:], pub)
	return id, nil
}
