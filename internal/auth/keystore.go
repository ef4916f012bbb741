// Package auth implements API key issuance/validation and the request
// dispatcher's auth-gate middleware (half of component I).
//
// Grounded on internal/controlplane/auth's KeyStore/middleware split: keys
// are bcrypt-hashed at rest (golang.org/x/crypto/bcrypt, already a teacher
// dependency) and only ever compared, never stored or logged in the clear;
// the raw key is returned exactly once, at creation time.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"regexp"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pmlrun/gateway/internal/gwerrors"
)

// keyPrefix is the gateway's API key prefix, distinguishing it from the
// teacher's "lgk_" prefix since this is a different system's key space.
const keyPrefix = "ac_"

// keyPattern is the spec's required API key shape: "ac_" followed by 24
// alphanumeric characters.
var keyPattern = regexp.MustCompile(`^ac_[A-Za-z0-9]{24}$`)

// APIKey is a validated key's metadata — never carries the raw secret.
type APIKey struct {
	ID          string
	Permissions []string
	CreatedAt   time.Time
	ExpiresAt   time.Time // zero means no expiry
}

type storedKey struct {
	key    APIKey
	hashed []byte
}

// KeyStore issues and validates API keys. Safe for concurrent use.
type KeyStore struct {
	mu      sync.RWMutex
	byID    map[string]*storedKey
	persist Persister
}

// NewKeyStore creates an empty in-memory key store. Persistence is layered
// on top by internal/store, which loads/saves the same APIKey metadata —
// see Persister and Hydrate.
func NewKeyStore() *KeyStore {
	return &KeyStore{byID: make(map[string]*storedKey)}
}

// Persister saves and removes keys in a backing store so issued keys
// survive a restart. internal/store/sqlitecache.Cache and
// internal/store/pgstore.Store both implement it.
type Persister interface {
	SaveAPIKey(id string, hashed []byte, permissions []string, createdAt, expiresAt time.Time) error
	DeleteAPIKey(id string) error
}

// PersistedKey is one row loaded from a Persister at startup, fed back
// into Hydrate to rebuild the in-memory index without re-hashing.
type PersistedKey struct {
	ID          string
	Hashed      []byte
	Permissions []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// SetPersister wires p so future Create/Revoke calls also update the
// backing store. Left nil, the KeyStore is purely in-memory.
func (s *KeyStore) SetPersister(p Persister) { s.persist = p }

// Hydrate rebuilds the in-memory index from previously persisted keys,
// run once at startup before the store serves any request.
func (s *KeyStore) Hydrate(keys []PersistedKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.byID[k.ID] = &storedKey{
			key:    APIKey{ID: k.ID, Permissions: k.Permissions, CreatedAt: k.CreatedAt, ExpiresAt: k.ExpiresAt},
			hashed: k.Hashed,
		}
	}
}

// Create mints a new key with the given permissions and optional TTL (zero
// means no expiry), returning the raw key exactly once.
func (s *KeyStore) Create(permissions []string, ttl time.Duration) (raw string, key APIKey, err error) {
	id, err := randomSuffix()
	if err != nil {
		return "", APIKey{}, gwerrors.Internal(err, "generate api key")
	}
	raw = keyPrefix + id
	if !keyPattern.MatchString(raw) {
		return "", APIKey{}, gwerrors.Internal(nil, "generated key failed its own format check")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", APIKey{}, gwerrors.Internal(err, "hash api key")
	}

	key = APIKey{ID: raw[:len(keyPrefix)+8], Permissions: permissions, CreatedAt: time.Now().UTC()}
	if ttl > 0 {
		key.ExpiresAt = key.CreatedAt.Add(ttl)
	}

	s.mu.Lock()
	s.byID[key.ID] = &storedKey{key: key, hashed: hashed}
	persist := s.persist
	s.mu.Unlock()

	if persist != nil {
		if err := persist.SaveAPIKey(key.ID, hashed, key.Permissions, key.CreatedAt, key.ExpiresAt); err != nil {
			s.mu.Lock()
			delete(s.byID, key.ID)
			s.mu.Unlock()
			return "", APIKey{}, gwerrors.Internal(err, "persist api key")
		}
	}

	return raw, key, nil
}

// Validate checks raw against every stored key's hash, scanning the whole
// in-memory index (persisted keys are loaded into it by Hydrate).
func (s *KeyStore) Validate(raw string) (APIKey, error) {
	if !keyPattern.MatchString(raw) {
		return APIKey{}, gwerrors.Unauthorized("malformed api key")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sk := range s.byID {
		if bcrypt.CompareHashAndPassword(sk.hashed, []byte(raw)) == nil {
			if !sk.key.ExpiresAt.IsZero() && time.Now().UTC().After(sk.key.ExpiresAt) {
				return APIKey{}, gwerrors.Unauthorized("api key expired")
			}
			return sk.key, nil
		}
	}
	return APIKey{}, gwerrors.Unauthorized("invalid api key")
}

// Revoke removes a key by id.
func (s *KeyStore) Revoke(id string) {
	s.mu.Lock()
	delete(s.byID, id)
	persist := s.persist
	s.mu.Unlock()

	if persist != nil {
		_ = persist.DeleteAPIKey(id)
	}
}

// List returns metadata for every stored key (never the raw secret).
func (s *KeyStore) List() []APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]APIKey, 0, len(s.byID))
	for _, sk := range s.byID {
		out = append(out, sk.key)
	}
	return out
}

func randomSuffix() (string, error) {
	// 24 base62-ish characters: generate extra random bytes and slice down
	// to a fixed alphanumeric length rather than depending on base64's
	// padding/charset lining up exactly.
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(buf)
	out := make([]byte, 24)
	for i := 0; i < 24; i++ {
		out[i] = alphabet[int(encoded[i%len(encoded)])%len(alphabet)]
	}
	return string(out), nil
}
