package sessionx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sshmux/sshmux/internal/contracts"
)

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func newFakeSink() *fakeSink {
	return &fakeSink{}
}

func (f *fakeSink) Send(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

type fakeKeyring struct{ locked bool }

func (k fakeKeyring) DataKey(ctx context.Context, userID string) ([]byte, bool) {
	if k.locked {
		return nil, false
	}
	return []byte("key"), true
}

type fakeHostKeys struct{}

func (fakeHostKeys) Verify(ctx context.Context, userID, hostID, fingerprint string, isJumpHop bool) (contracts.HostKeyVerdict, error) {
	return contracts.Accept, nil
}

type fakeCredStore struct{}

func (fakeCredStore) FetchHost(ctx context.Context, hostID, userID string) (contracts.HostSpec, error) {
	return contracts.HostSpec{}, contracts.ErrNotFound
}
func (fakeCredStore) FetchCredential(ctx context.Context, credID, userID string) (contracts.Credential, error) {
	return contracts.Credential{}, contracts.ErrNotFound
}

func baseDeps() Deps {
	return Deps{
		Credentials: fakeCredStore{},
		Keyring:     fakeKeyring{},
		HostKeys:    fakeHostKeys{},
	}
}

func TestCreateEnforcesTerminalCap(t *testing.T) {
	reg := NewRegistry()
	sink := newFakeSink()
	for i := 0; i < MaxTerminalsPerUser; i++ {
		if _, err := reg.Create("s"+string(rune('0'+i)), "u1", "h1", KindTerminal, sink, baseDeps()); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := reg.Create("over", "u1", "h1", KindTerminal, sink, baseDeps()); err != ErrSessionCapExceeded {
		t.Fatalf("want ErrSessionCapExceeded, got %v", err)
	}
	// A different kind is unaffected by the terminal cap.
	if _, err := reg.Create("tunnel1", "u1", "h1", KindTunnel, sink, baseDeps()); err != nil {
		t.Fatalf("tunnel create: %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	sink := newFakeSink()
	sess, err := reg.Create("s1", "u1", "h1", KindTerminal, sink, baseDeps())
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Cancel("s1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	<-sess.Done()
	if sess.State() != StateClosed {
		t.Fatalf("state = %v", sess.State())
	}
	if err := reg.Cancel("s1"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if err := reg.Cancel("unknown"); err != nil {
		t.Fatalf("cancel unknown: %v", err)
	}
}

func TestLookupNotFound(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Lookup("missing"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestShutdownClosesAllSessions(t *testing.T) {
	reg := NewRegistry()
	sink := newFakeSink()
	var sessions []*Session
	for i := 0; i < 3; i++ {
		sess, err := reg.Create(string(rune('a'+i)), "u1", "h1", KindTerminal, sink, baseDeps())
		if err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, sess)
	}
	done := make(chan struct{})
	go func() {
		reg.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return in time")
	}
	for _, sess := range sessions {
		if sess.State() != StateClosed {
			t.Fatalf("session %s not closed: %v", sess.ID, sess.State())
		}
	}
}

func TestCreateRejectsIncompleteDeps(t *testing.T) {
	reg := NewRegistry()
	sink := newFakeSink()
	if _, err := reg.Create("s1", "u1", "h1", KindTerminal, sink, Deps{}); err == nil {
		t.Fatal("want error for missing Deps fields")
	}
}
