// Package keyring manages the RSA signing keys behind token issuance.
// Exactly one key is active for signing; demoted keys stay resolvable for
// verification until every token they could have signed has expired.
package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"aegisid.org/internal/ids"
)

// ErrUnknownKey indicates a key id that is not active or verify-only.
var ErrUnknownKey = errors.New("keyring: unknown key")

// Status of a signing key.
type Status string

const (
	StatusActive     Status = "active"
	StatusVerifyOnly Status = "verify-only"
	StatusRetired    Status = "retired"
)

// Key is an immutable signing key. Demotion produces a new value; the key
// material itself is never mutated after creation.
type Key struct {
	ID        string
	Status    Status
	CreatedAt time.Time
	DemotedAt time.Time
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
}

// snapshot is the immutable view swapped atomically on rotation.
type snapshot struct {
	active     *Key
	verifyOnly map[string]*Key
}

// Ring owns the key set. Reads go through an atomic snapshot and never
// block on rotation; rotation is serialized with respect to itself.
type Ring struct {
	maxTokenLifetime time.Duration
	keyBits          int
	now              func() time.Time

	rotateMu sync.Mutex
	snap     atomic.Pointer[snapshot]
}

// Option configures Ring construction.
type Option func(*Ring)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Ring) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithKeySize overrides the RSA modulus size in bits.
func WithKeySize(bits int) Option {
	return func(r *Ring) {
		if bits >= 1024 {
			r.keyBits = bits
		}
	}
}

// New builds a Ring with a freshly generated active key. maxTokenLifetime
// must cover the longest TTL of any token the active key may sign; demoted
// keys are retired only after that window has fully elapsed.
func New(maxTokenLifetime time.Duration, opts ...Option) (*Ring, error) {
	if maxTokenLifetime <= 0 {
		return nil, errors.New("keyring: max token lifetime must be positive")
	}
	r := &Ring{
		maxTokenLifetime: maxTokenLifetime,
		keyBits:          2048,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	key, err := r.generate()
	if err != nil {
		return nil, err
	}
	r.snap.Store(&snapshot{active: key, verifyOnly: map[string]*Key{}})
	return r, nil
}

// Active returns the key used to sign new tokens.
func (r *Ring) Active() *Key {
	return r.snap.Load().active
}

// KeyFor resolves a key id for verification. Retired and never-seen ids
// fail with ErrUnknownKey.
func (r *Ring) KeyFor(id string) (*Key, error) {
	snap := r.snap.Load()
	if snap.active.ID == id {
		return snap.active, nil
	}
	if key, ok := snap.verifyOnly[id]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, id)
}

// Keys returns the active key followed by the verify-only keys.
func (r *Ring) Keys() []*Key {
	snap := r.snap.Load()
	out := make([]*Key, 0, 1+len(snap.verifyOnly))
	out = append(out, snap.active)
	for _, key := range snap.verifyOnly {
		out = append(out, key)
	}
	return out
}

// Rotate generates and promotes a new active key, demotes the previous
// active key to verify-only, and drops keys demoted longer than the max
// token lifetime ago. Concurrent readers observe either the pre- or
// post-rotation snapshot, never an intermediate state.
func (r *Ring) Rotate() (*Key, error) {
	r.rotateMu.Lock()
	defer r.rotateMu.Unlock()

	next, err := r.generate()
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	prev := r.snap.Load()

	verifyOnly := make(map[string]*Key, len(prev.verifyOnly)+1)
	for id, key := range prev.verifyOnly {
		if now.Sub(key.DemotedAt) >= r.maxTokenLifetime {
			continue // retired: nothing it signed can still be valid
		}
		verifyOnly[id] = key
	}
	demoted := *prev.active
	demoted.Status = StatusVerifyOnly
	demoted.DemotedAt = now
	verifyOnly[demoted.ID] = &demoted

	r.snap.Store(&snapshot{active: next, verifyOnly: verifyOnly})
	return next, nil
}

func (r *Ring) generate() (*Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, r.keyBits)
	if err != nil {
		return nil, fmt.Errorf("keyring: generate key: %w", err)
	}
	return &Key{
		ID:        ids.New(),
		Status:    StatusActive,
		CreatedAt: r.now().UTC(),
		Private:   priv,
		Public:    &priv.PublicKey,
	}, nil
}

// JWKS serializes the public halves of every resolvable key as a JSON Web
// Key Set, for consumers that verify tokens out of process.
func (r *Ring) JWKS() ([]byte, error) {
	type jwk struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Alg string `json:"alg"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	keys := r.Keys()
	doc := struct {
		Keys []jwk `json:"keys"`
	}{Keys: make([]jwk, 0, len(keys))}
	for _, key := range keys {
		doc.Keys = append(doc.Keys, jwk{
			Kty: "RSA",
			Kid: key.ID,
			Alg: "RS256",
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(key.Public.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.Public.E)).Bytes()),
		})
	}
	return json.Marshal(doc)
}
