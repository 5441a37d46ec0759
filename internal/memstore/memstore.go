// Package memstore is a reference, in-process implementation of the
// external collaborators sshmux consumes (contracts.CredentialStore,
// UserKeyring, OPKTokenStore). Production deployments are expected to
// supply their own, backed by a real database; this package exists so
// cmd/sshmuxd is runnable end to end without one.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/sshmux/sshmux/internal/contracts"
)

// Store is an in-memory CredentialStore + UserKeyring + OPKTokenStore.
// Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	hosts       map[hostKey]contracts.HostSpec
	credentials map[credKey]contracts.Credential
	keys        map[string][]byte
	opkTokens   map[opkKey]contracts.OPKToken
}

type hostKey struct{ hostID, userID string }
type credKey struct{ credID, userID string }
type opkKey struct{ userID, hostID string }

// New returns an empty store.
func New() *Store {
	return &Store{
		hosts:       make(map[hostKey]contracts.HostSpec),
		credentials: make(map[credKey]contracts.Credential),
		keys:        make(map[string][]byte),
		opkTokens:   make(map[opkKey]contracts.OPKToken),
	}
}

// PutHost seeds a host record, keyed by (hostID, userID). Test/demo helper.
func (s *Store) PutHost(userID string, h contracts.HostSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[hostKey{h.HostID, userID}] = h
}

// PutCredential seeds a credential record. Test/demo helper.
func (s *Store) PutCredential(userID, credID string, c contracts.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[credKey{credID, userID}] = c
}

// Unlock sets the per-user data key, as if the user had unlocked their
// vault. Test/demo helper.
func (s *Store) Unlock(userID string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[userID] = key
}

// Lock removes the per-user data key.
func (s *Store) Lock(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, userID)
}

func (s *Store) FetchHost(_ context.Context, hostID, userID string) (contracts.HostSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[hostKey{hostID, userID}]
	if !ok {
		return contracts.HostSpec{}, contracts.ErrNotFound
	}
	return h, nil
}

func (s *Store) FetchCredential(_ context.Context, credID, userID string) (contracts.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[credKey{credID, userID}]
	if !ok {
		return contracts.Credential{}, contracts.ErrNotFound
	}
	return c, nil
}

func (s *Store) DataKey(_ context.Context, userID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[userID]
	return k, ok
}

// Get returns the token for (userId,hostId). An expired token is treated
// as absent and purged eagerly, per spec §8 boundary behavior.
func (s *Store) Get(_ context.Context, userID, hostID string) (contracts.OPKToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := opkKey{userID, hostID}
	tok, ok := s.opkTokens[k]
	if !ok {
		return contracts.OPKToken{}, false, nil
	}
	if tok.ExpiresAt.Before(time.Now()) {
		delete(s.opkTokens, k)
		return contracts.OPKToken{}, false, nil
	}
	return tok, true, nil
}

// Upsert stores tok, bumping its row-version. Concurrent upserts for the
// same (userId,hostId) are serialized by the store mutex; the last writer
// always wins and the version strictly increases, closing the
// onConflictDoUpdate race the teacher's original code swallowed silently.
func (s *Store) Upsert(_ context.Context, tok contracts.OPKToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := opkKey{tok.UserID, tok.HostID}
	if existing, ok := s.opkTokens[k]; ok {
		tok.Version = existing.Version + 1
	} else {
		tok.Version = 1
	}
	s.opkTokens[k] = tok
	return nil
}

// PurgeExpired removes every token whose expiry is before now, returning
// the count removed. Intended to be called periodically by
// internal/opkssh's purge task.
func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, tok := range s.opkTokens {
		if tok.ExpiresAt.Before(now) {
			delete(s.opkTokens, k)
			n++
		}
	}
	return n, nil
}
