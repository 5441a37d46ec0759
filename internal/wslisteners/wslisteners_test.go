package wslisteners

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sshmux/sshmux/internal/activity"
	"github.com/sshmux/sshmux/internal/contracts"
	"github.com/sshmux/sshmux/internal/sessionx"
)

type fakeAuth struct{ userID string }

func (a fakeAuth) VerifyJWT(ctx context.Context, token string) (contracts.JWTClaims, error) {
	if token != "good" {
		return contracts.JWTClaims{}, errUnauthorized
	}
	return contracts.JWTClaims{UserID: a.userID}, nil
}

var errUnauthorized = &authError{"unauthorized"}

type authError struct{ msg string }

func (e *authError) Error() string { return e.msg }

type fakeKeyring struct{}

func (fakeKeyring) DataKey(ctx context.Context, userID string) ([]byte, bool) { return []byte("k"), true }

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

func newTestListeners(t *testing.T) *Listeners {
	t.Helper()
	return &Listeners{
		Registry: sessionx.NewRegistry(),
		Auth:     fakeAuth{userID: "u1"},
		SessionDeps: sessionx.Deps{
			Credentials: fakeCredStore{},
			Keyring:     fakeKeyring{},
			HostKeys:    fakeHostKeys{},
		},
	}
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	return conn
}

func TestUnauthorizedUpgradeClosesWith1008(t *testing.T) {
	l := newTestListeners(t)
	srv := httptest.NewServer(l.Mount())
	defer srv.Close()

	conn := dialWS(t, srv, "/ssh/terminal/host1?token=bad")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected close error")
	}
	ce, ok := err.(*websocket.CloseError)
	if !ok || ce.Code != 1008 {
		t.Fatalf("want close code 1008, got %v", err)
	}
}

func TestAuthorizedUpgradeRegistersSession(t *testing.T) {
	l := newTestListeners(t)
	srv := httptest.NewServer(l.Mount())
	defer srv.Close()

	conn := dialWS(t, srv, "/ssh/terminal/host1?token=good")
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(l.Registry.ForUser("u1")) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session was never registered")
}

func TestClosingSocketCancelsSession(t *testing.T) {
	l := newTestListeners(t)
	srv := httptest.NewServer(l.Mount())
	defer srv.Close()

	conn := dialWS(t, srv, "/ssh/terminal/host1?token=good")

	var sess *sessionx.Session
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if live := l.Registry.ForUser("u1"); len(live) == 1 {
			sess = live[0]
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sess == nil {
		t.Fatal("session was never registered")
	}

	conn.Close()

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not cancelled after socket close")
	}
}

func TestActivityLogRequiresToken(t *testing.T) {
	l := newTestListeners(t)
	act, err := activity.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer act.Close()
	l.Activity = act
	l.InternalAuthToken = "secret"

	srv := httptest.NewServer(l.Mount())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/activity/log", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Fatalf("want 401, got %d", resp.StatusCode)
	}
}
