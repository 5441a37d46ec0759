// Package hostkey implements a trust-on-first-use HostKeyVerifier: server
// host keys are recorded per (userId, hostId) in a flat file of
// "<userId>\x00<hostId> <fingerprint>" lines (not the known_hosts format)
// and any later mismatch is rejected.
package hostkey

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/sshmux/sshmux/internal/contracts"
)

// Store is a file-backed TOFU verifier. One Store serves all users; entries
// are namespaced by encoding (userId, hostId) into each line's key field,
// so a single physical file can back every user.
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]knownHostEntry // key: scopeKey(userID, hostID)
}

type knownHostEntry struct {
	fingerprint string
}

// New opens (or creates) the known-hosts file at path.
func New(path string) (*Store, error) {
	s := &Store{path: path, entries: make(map[string]knownHostEntry)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func scopeKey(userID, hostID string) string { return userID + "\x00" + hostID }

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("hostkey: read %s: %w", s.path, err)
	}
	lines := splitLines(data)
	for _, line := range lines {
		scope, fp, ok := parseLine(line)
		if !ok {
			continue
		}
		s.entries[scope] = knownHostEntry{fingerprint: fp}
	}
	return nil
}

// Verify implements contracts.HostKeyVerifier.
//
// First observation: record and accept. Matching fingerprint: accept.
// Mismatch: reject. Jump hops follow the same rules but the caller is
// expected to suppress any interactive prompt on PromptUser (spec §4.2
// says jump-hop mismatches reject outright with no dialog; this verifier
// never actually returns PromptUser today since the only ambiguous case —
// "known to be unseen" — always resolves via first-use-accept, matching
// the teacher's TOFU callback which has no separate "ask" tier either).
func (s *Store) Verify(_ context.Context, userID, hostID, fingerprint string, isJumpHop bool) (contracts.HostKeyVerdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopeKey(userID, hostID)
	existing, seen := s.entries[key]
	if !seen {
		s.entries[key] = knownHostEntry{fingerprint: fingerprint}
		if err := s.persistLocked(); err != nil {
			return contracts.Reject, err
		}
		return contracts.Accept, nil
	}
	if existing.fingerprint == fingerprint {
		return contracts.Accept, nil
	}
	return contracts.Reject, fmt.Errorf("hostkey: mismatch for host %s (jumpHop=%v): expected %s got %s",
		hostID, isJumpHop, existing.fingerprint, fingerprint)
}

// persistLocked rewrites the whole file atomically (temp file + rename),
// hardening the teacher's direct os.WriteFile with a crash-safe swap.
func (s *Store) persistLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("hostkey: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".hostkey-*.tmp")
	if err != nil {
		return fmt.Errorf("hostkey: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	for key, entry := range s.entries {
		if _, err := fmt.Fprintf(tmp, "%s %s\n", key, entry.fingerprint); err != nil {
			tmp.Close()
			return fmt.Errorf("hostkey: write temp: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("hostkey: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("hostkey: chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("hostkey: rename into place: %w", err)
	}
	return nil
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}

func parseLine(line string) (scope, fingerprint string, ok bool) {
	// format: "<userId>\x00<hostId> <fingerprint>"
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' {
			return line[:i], line[i+1:], line[:i] != "" && line[i+1:] != ""
		}
	}
	return "", "", false
}

// Fingerprint renders a public key the way ssh.FingerprintSHA256 does,
// exposed here so callers resolving a handshake's ssh.PublicKey don't need
// a second import of golang.org/x/crypto/ssh just for this one call.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// KnownHostsCallback adapts path to an ssh.HostKeyCallback using
// golang.org/x/crypto/ssh/knownhosts, for callers that want the standard
// known_hosts file format instead of this package's per-user scoping
// (jumpchain hops use the per-user Store through Verify, not this). Grounded on routes/terminal.go's resolveHostKeyCallback
// candidate-file resolution chain.
func KnownHostsCallback(path string) (ssh.HostKeyCallback, error) {
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("hostkey: load known_hosts %s: %w", path, err)
	}
	return cb, nil
}
