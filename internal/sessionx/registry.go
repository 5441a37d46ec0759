// Package sessionx is the top-level per-connection state machine and its
// process-wide registry, per spec §4.1 and §4.8. It composes hostkey,
// proxychain, jumpchain, sshauth, opkssh, and channelbridge into one
// session lifecycle, replacing the teacher's package-level singleton
// registry (internal/terminal/session.go's var registry) with an explicit
// Registry value plumbed through construction, per spec §9.
package sessionx

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Kind names what a Session bridges: the terminal cap (K=3) applies only
// to KindTerminal.
type Kind string

const (
	KindTerminal    Kind = "terminal"
	KindTunnel      Kind = "tunnel"
	KindFileManager Kind = "file_manager"
	KindDocker      Kind = "docker"
)

// MaxTerminalsPerUser is the per-user concurrent terminal cap, per spec §3.
const MaxTerminalsPerUser = 3

// ShutdownSLA bounds how long a single session's close may take during
// Registry.Shutdown before it's abandoned, per spec §4.1.
const ShutdownSLA = 5 * time.Second

// ErrSessionCapExceeded is returned by create when userID already has
// MaxTerminalsPerUser live terminal sessions.
var ErrSessionCapExceeded = errors.New("sessionx: session cap exceeded")

// ErrNotFound is returned by Lookup for an unknown id (Cancel of an
// unknown id returns nil).
var ErrNotFound = errors.New("sessionx: session not found")

// Registry is the single process-wide index of live Sessions. A single
// mutex protects the map; cap-check and insert are one atomic operation,
// and all I/O (dialing, closing) happens outside the lock, per spec §4.1's
// concurrency rule.
type Registry struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	terminalsPer map[string]int // userID -> count of live KindTerminal sessions
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		terminalsPer: make(map[string]int),
	}
}

// Create allocates and registers a new Session for userID, rejecting it if
// the per-user terminal cap is exceeded. The returned Session is in state
// Starting; the caller (a WSListener) drives it by passing each inbound
// message to HandleInbound.
func (r *Registry) Create(id, userID, hostID string, kind Kind, out EventSink, deps Deps) (*Session, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if kind == KindTerminal && r.terminalsPer[userID] >= MaxTerminalsPerUser {
		r.mu.Unlock()
		return nil, ErrSessionCapExceeded
	}
	sess := newSession(id, userID, hostID, kind, out, deps, r)
	r.sessions[id] = sess
	if kind == KindTerminal {
		r.terminalsPer[userID]++
	}
	r.mu.Unlock()
	return sess, nil
}

// Lookup returns the Session for id, or ErrNotFound.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ForUser returns a snapshot of every live session owned by userID. The
// caller may iterate it without holding any lock.
func (r *Registry) ForUser(userID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, sess := range r.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	return out
}

// Cancel idempotently closes the session named by id with reason
// "cancelled". A cancel after the session is already gone is a no-op that
// returns nil, per spec §8's idempotence invariant.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	sess.Close(ReasonCancelled)
	return nil
}

// unregister removes id from the index. Called once, from within a
// Session's own teardown, never from the outside.
func (r *Registry) unregister(id, userID string, kind Kind) {
	r.mu.Lock()
	delete(r.sessions, id)
	if kind == KindTerminal && r.terminalsPer[userID] > 0 {
		r.terminalsPer[userID]--
	}
	r.mu.Unlock()
}

// Shutdown closes every live session with reason "shutdown" in bounded
// parallel, each bounded by ShutdownSLA, per spec §4.1. It returns once
// every session has either closed or been abandoned at its SLA.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				s.Close(ReasonShutdown)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(ShutdownSLA):
			}
		}(sess)
	}
	wg.Wait()
}

// validate reports the first missing required dependency, surfaced as a
// Starting-state InvalidInput-class failure rather than a nil-pointer
// panic deep in Connect.
func (d Deps) validate() error {
	switch {
	case d.Credentials == nil:
		return fmt.Errorf("sessionx: Deps.Credentials is required")
	case d.Keyring == nil:
		return fmt.Errorf("sessionx: Deps.Keyring is required")
	case d.HostKeys == nil:
		return fmt.Errorf("sessionx: Deps.HostKeys is required")
	}
	return nil
}
