// Package pin implements the rendezvous PIN service of spec §4.9: a
// six-digit code bound to an owner's shared file, resolved either by a
// signed LAN broadcast or, when no direct path exists, by the relay. The
// signed-session shape is grounded on types.go's FileManifest body/sign/
// verify pattern; the fanout is grounded on command_sync.go's
// broadcastToPeers loop over the known peer set.
package pin

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/hoshizora-mesh/filemesh/internal/peerstore"
	"github.com/hoshizora-mesh/filemesh/internal/relayclient"
	"github.com/hoshizora-mesh/filemesh/internal/security"
)

// DefaultLifetime is the PIN's default lifetime, spec §4.9.
const DefaultLifetime = 10 * time.Minute

// Session is the signed rendezvous record bound to a PIN, spec §3/§4.9.
// OwnerAddr/FileRef let a receiver either dial the owner directly or fall
// back to the relay's RelayFileRef.
type Session struct {
	PIN          string                   `json:"pin"`
	FileName     string                   `json:"fileName"`
	OwnerPeerID  string                   `json:"ownerPeerId"`
	OwnerSignPub string                   `json:"ownerSignPub"`
	OwnerAddr    string                   `json:"ownerAddr"`
	FileRef      *relayclient.RelayFileRef `json:"fileRef,omitempty"`
	CreatedAt    time.Time                `json:"createdAt"`
	ExpiryAt     time.Time                `json:"expiryAt"`
	SigB64       string                   `json:"sig"`
}

// body is the JSON encoding of the Session fields a receiver needs to
// trust before acting on them (PIN, file name, owner identity and address,
// expiry). Sign and Verify prepend signedTag's "PIN:" + pin + ":" +
// fileName to it.
func (s Session) body() []byte {
	type unsigned struct {
		PIN          string
		FileName     string
		OwnerPeerID  string
		OwnerSignPub string
		OwnerAddr    string
		ExpiryUnix   int64
	}
	j, _ := json.Marshal(unsigned{s.PIN, s.FileName, s.OwnerPeerID, s.OwnerSignPub, s.OwnerAddr, s.ExpiryAt.Unix()})
	return j
}

// signedTag reproduces exactly "PIN:" + pin + ":" + fileName as spec
// §4.9 names it, used as an additional signed tag alongside the richer
// body() above so the on-wire signature still covers the spec's literal
// phrase.
func signedTag(pin, fileName string) []byte {
	return []byte(fmt.Sprintf("PIN:%s:%s", pin, fileName))
}

// Sign produces one signature over the literal spec tag followed by the
// full session body; Verify checks that same concatenation.
func Sign(id *security.Identity, s Session) string {
	return security.SignB64(id, append(signedTag(s.PIN, s.FileName), s.body()...))
}

// Verify checks a session's signature under the claimed owner's pinned
// public key, spec §8 invariant 5 generalized from manifests to PINs.
func Verify(s Session) bool {
	pub, err := security.DecodePub(s.OwnerSignPub)
	if err != nil {
		return false
	}
	sig, err := security.DecodeSigB64(s.SigB64)
	if err != nil {
		return false
	}
	msg := append(signedTag(s.PIN, s.FileName), s.body()...)
	return security.Verify(pub, msg, sig)
}

// Draw generates a six-decimal-digit PIN, re-drawing on collision with a
// live PIN, per spec §8's boundary behavior. isLive reports whether a
// candidate PIN is currently active (e.g. Cache.Has).
func Draw(isLive func(pin string) bool) (string, error) {
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
		if err != nil {
			return "", fmt.Errorf("draw pin: %w", err)
		}
		candidate := fmt.Sprintf("%06d", n.Int64())
		if !isLive(candidate) {
			return candidate, nil
		}
	}
}

// Cache is the global in-memory PIN registry every node keeps, spec §9's
// "shared mutable maps keyed by identity... bounded to an atomic
// check-and-insert on the single PIN key" guidance, applied here.
type Cache struct {
	mu       sync.Mutex
	sessions map[string]Session
	onExpire func(pin string)
}

func NewCache(onExpire func(pin string)) *Cache {
	return &Cache{sessions: make(map[string]Session), onExpire: onExpire}
}

func (c *Cache) Has(pin string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[pin]
	return ok
}

// Insert atomically checks the PIN is not already live and inserts it,
// returning false if it collided (caller should re-draw).
func (c *Cache) Insert(s Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.sessions[s.PIN]; exists {
		return false
	}
	c.sessions[s.PIN] = s
	return true
}

// Lookup returns the cached session for pin, spec §4.9's "Lookup by PIN
// first consults the local cache."
func (c *Cache) Lookup(pin string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[pin]
	return s, ok
}

// Sweep removes every session past its ExpiryAt and fires onExpire for
// each, spec §4.9's 5 s periodic sweeper.
func (c *Cache) Sweep() {
	c.mu.Lock()
	var expired []string
	now := time.Now()
	for pin, s := range c.sessions {
		if now.After(s.ExpiryAt) {
			expired = append(expired, pin)
			delete(c.sessions, pin)
		}
	}
	c.mu.Unlock()

	if c.onExpire == nil {
		return
	}
	for _, pin := range expired {
		c.onExpire(pin)
	}
}

// RunSweeper drives Sweep on the spec's 5 s cadence until stop is closed
// or receives a value.
func (c *Cache) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Create draws a PIN, signs and stores a session locally, fans it out to
// every known peer (LAN profile), and optionally registers it with the
// relay (relay profile) when ref is non-nil.
func Create(id *security.Identity, cache *Cache, peerID, ownerAddr, fileName string, peers *peerstore.Store, ref *relayclient.RelayFileRef, relay *relayclient.Client) (Session, error) {
	pinVal, err := Draw(cache.Has)
	if err != nil {
		return Session{}, err
	}

	now := time.Now()
	s := Session{
		PIN:          pinVal,
		FileName:     fileName,
		OwnerPeerID:  peerID,
		OwnerSignPub: id.SignPubB64(),
		OwnerAddr:    ownerAddr,
		FileRef:      ref,
		CreatedAt:    now,
		ExpiryAt:     now.Add(DefaultLifetime),
	}
	s.SigB64 = Sign(id, s)

	if !cache.Insert(s) {
		return Session{}, fmt.Errorf("pin collided after draw, try again")
	}

	broadcastToPeers(s, peers)

	if ref != nil && relay != nil {
		_ = relay.CreatePin(context.Background(), relayclient.CreatePinRequest{
			PIN:      s.PIN,
			FileRef:  *ref,
			ExpiryAt: s.ExpiryAt.Format(time.RFC3339),
		})
	}

	return s, nil
}

// Find resolves a PIN, consulting the local cache first and the relay only
// on a miss, spec §4.9's "Lookup that misses the local cache falls back to
// GET /api/pin/find". A relay hit constructs an ephemeral session whose
// owner is a synthetic identity pointing at the relay, since the relay
// itself never signs anything.
func Find(cache *Cache, relay *relayclient.Client, pin string) (Session, error) {
	if s, ok := cache.Lookup(pin); ok {
		return s, nil
	}
	if relay == nil {
		return Session{}, fmt.Errorf("pin %s not found", pin)
	}
	result, err := relay.FindPin(context.Background(), pin)
	if err != nil {
		return Session{}, err
	}
	ref := result.FileRef
	return Session{
		PIN:         pin,
		FileName:    ref.FileName,
		OwnerPeerID: "relay",
		OwnerAddr:   "relay",
		FileRef:     &ref,
		CreatedAt:   time.Now(),
		ExpiryAt:    time.Now().Add(DefaultLifetime),
	}, nil
}
