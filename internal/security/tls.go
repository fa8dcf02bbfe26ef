package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// SelfSignedCert generates an in-memory Ed25519 certificate for a direct
// peer channel, the way keysaver-server/main.go loads a cert from disk for
// its HTTPS listener but adapted for a node that has no CA-issued material:
// peers trust on first contact and pin the fingerprint afterward instead.
func SelfSignedCert(commonName string) (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate cert key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

// Fingerprint returns the SHA-256 digest of a leaf certificate's DER bytes,
// the pinned value a peer remembers after first contact.
func Fingerprint(der []byte) [32]byte {
	return sha256.Sum256(der)
}

// PeerPinStore tracks the first-seen certificate fingerprint per peer,
// generalizing identity.go's single long-lived keypair into a per-peer
// trust-on-first-use table for the TLS channel.
type PeerPinStore struct {
	mu   sync.RWMutex
	pins map[string][32]byte
}

func NewPeerPinStore() *PeerPinStore {
	return &PeerPinStore{pins: make(map[string][32]byte)}
}

// Verify implements tls.Config.VerifyPeerCertificate's trust-on-first-use
// policy: the first certificate seen for a peer ID is pinned; any later
// connection presenting a different certificate is rejected outright.
func (s *PeerPinStore) Verify(peerID string, rawCerts [][]byte) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("tls: peer presented no certificate")
	}
	fp := Fingerprint(rawCerts[0])

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, seen := s.pins[peerID]
	if !seen {
		s.pins[peerID] = fp
		return nil
	}
	if existing != fp {
		return fmt.Errorf("tls: certificate fingerprint mismatch for peer %s (possible impersonation)", peerID)
	}
	return nil
}

// ServerTLSConfig builds a listener-side TLS config for the direct peer
// channel (spec §4.1), mirroring keysaver-server's cipher-suite pinning but
// using a generated certificate instead of files on disk.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// ClientTLSConfig builds a dialer-side TLS config that accepts any
// certificate at the handshake layer and defers trust to pins.Verify,
// since a mesh peer has no CA to validate against.
func ClientTLSConfig(pins *PeerPinStore, peerID string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return pins.Verify(peerID, rawCerts)
		},
		MinVersion: tls.VersionTLS12,
	}
}
