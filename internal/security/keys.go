package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Identity is the node's long-lived keypair: an Ed25519 signing pair
// (advertised in PeerIdentity, spec §3) and an X25519 pair used to wrap
// per-transfer symmetric keys for a specific recipient (spec §9's
// resolution of the hardcoded-key open question).
type Identity struct {
	SignPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey

	AgreePub  [32]byte
	agreePriv [32]byte
}

// NewIdentity generates a fresh signing + key-agreement keypair, the way
// fingerprint.go derives an ed25519 pair and mixnet.go generates an X25519
// pair at startup.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	var agreePriv [32]byte
	if _, err := rand.Read(agreePriv[:]); err != nil {
		return nil, fmt.Errorf("generate agreement key: %w", err)
	}
	agreePriv[0] &= 248
	agreePriv[31] &= 127
	agreePriv[31] |= 64

	var agreePub [32]byte
	pubBytes, err := curve25519.X25519(agreePriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive agreement public key: %w", err)
	}
	copy(agreePub[:], pubBytes)

	return &Identity{
		SignPub:   pub,
		signPriv:  priv,
		AgreePub:  agreePub,
		agreePriv: agreePriv,
	}, nil
}

// Sign implements the deterministic Ed25519 signing scheme of spec §4.1.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.signPriv, msg)
}

// Verify checks a signature against a claimed public key.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// SharedSecret derives the X25519 shared secret with a peer's agreement
// public key, mirroring mixnet.go's onion-layer key agreement.
func (id *Identity) SharedSecret(peerAgreePub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(id.agreePriv[:], peerAgreePub[:])
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	return shared, nil
}

// SigningKey exposes the raw Ed25519 private key for callers that need to
// hand it to another library's key representation (e.g. libp2p's
// crypto.KeyPairFromStdKey), rather than duplicating key generation.
func (id *Identity) SigningKey() ed25519.PrivateKey {
	return id.signPriv
}

func (id *Identity) SignPubB64() string {
	return base64.RawURLEncoding.EncodeToString(id.SignPub)
}

func (id *Identity) AgreePubB64() string {
	return base64.RawURLEncoding.EncodeToString(id.AgreePub[:])
}

// SignB64 signs msg and returns the base64url-encoded signature, the
// convenient form used in wire messages alongside SignPubB64/AgreePubB64.
func SignB64(id *Identity, msg []byte) string {
	return base64.RawURLEncoding.EncodeToString(id.Sign(msg))
}

// DecodeSigB64 decodes a base64url-encoded Ed25519 signature.
func DecodeSigB64(b64 string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(b) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature wrong size: %d", len(b))
	}
	return b, nil
}

// curve25519X25519 derives the public key for a raw private scalar.
func curve25519X25519(priv [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], curve25519.Basepoint)
}

func DecodePub(b64 string) (ed25519.PublicKey, error) {
	b, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key wrong size: %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}

// DecodeAgreePub decodes a peer's advertised X25519 agreement public key,
// the counterpart DecodePub provides for signing keys.
func DecodeAgreePub(b64 string) ([32]byte, error) {
	var out [32]byte
	b, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return out, fmt.Errorf("decode agreement key: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("agreement key wrong size: %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
