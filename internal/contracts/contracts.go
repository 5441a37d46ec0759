// Package contracts defines the external collaborators the SSH session
// multiplexer depends on but does not implement: persistence, auth
// verification, and activity logging live outside the core.
package contracts

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by CredentialStore lookups that miss.
var ErrNotFound = errors.New("contracts: not found")

// AuthType enumerates how a HostSpec's SSH session authenticates.
type AuthType string

const (
	AuthPassword AuthType = "password"
	AuthKey      AuthType = "key"
	AuthOPKSSH   AuthType = "opkssh"
	AuthNone     AuthType = "none"
)

// HostSpec is the resolved connection target for a session.
type HostSpec struct {
	HostID              string
	Host                string
	Port                int
	Username            string
	AuthType            AuthType
	ForceKbdInteractive bool
	JumpHops            []string // hostIds, resolved in order
	ProxyChain          []SOCKS5Hop
}

// SOCKS5Hop is one hop of a ProxyDialer chain.
type SOCKS5Hop struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Credential holds decrypted auth material for the lifetime of a session.
type Credential struct {
	Password      string
	PrivateKey    []byte
	KeyPassphrase string
}

// Zero overwrites the credential's secret fields so they don't linger on
// the heap after a session closes. Best-effort: Go cannot guarantee wipe
// semantics, but it denies the obvious path (a later bug printing a stale
// struct) and it's cheap to call unconditionally on teardown.
func (c *Credential) Zero() {
	if c == nil {
		return
	}
	c.Password = ""
	for i := range c.PrivateKey {
		c.PrivateKey[i] = 0
	}
	c.PrivateKey = nil
	c.KeyPassphrase = ""
}

// CredentialStore resolves host and credential rows for a user. Decrypted
// fields it returns must never be logged.
type CredentialStore interface {
	FetchHost(ctx context.Context, hostID, userID string) (HostSpec, error)
	FetchCredential(ctx context.Context, credID, userID string) (Credential, error)
}

// UserKeyring exposes the ephemeral per-user data-encryption key. A nil key
// with ok=false means the user's data is locked.
type UserKeyring interface {
	DataKey(ctx context.Context, userID string) (key []byte, ok bool)
}

// JWTClaims is what AuthVerifier extracts from a bearer token.
type JWTClaims struct {
	UserID      string
	SessionID   string
	PendingTOTP bool
}

// AuthVerifier validates the JWT carried on a WebSocket upgrade.
type AuthVerifier interface {
	VerifyJWT(ctx context.Context, token string) (JWTClaims, error)
}

// OPKBinary locates the OpenPubKey CLI executable.
type OPKBinary interface {
	Path() (string, error)
}

// ActivityEvent is a fire-and-forget record of a successfully connected
// session, per spec §4.8.
type ActivityEvent struct {
	Type     string // "terminal"|"tunnel"|"file_manager"|"docker"|"opkssh_authentication"
	UserID   string
	HostID   string
	HostName string
	At       time.Time
}

// ActivityLog is a fire-and-forget sink; logging failure never fails a
// session.
type ActivityLog interface {
	Log(ctx context.Context, ev ActivityEvent)
}

// HostKeyVerdict is the result of a HostKeyVerifier.Verify call.
type HostKeyVerdict int

const (
	Accept HostKeyVerdict = iota
	Reject
	PromptUser
)

// HostKeyVerifier enforces TOFU known-hosts policy per (userId, hostId).
type HostKeyVerifier interface {
	Verify(ctx context.Context, userID, hostID string, fingerprint string, isJumpHop bool) (HostKeyVerdict, error)
}

// OPKTokenStore persists the short-lived cert/key pair an OPK auth produces.
type OPKTokenStore interface {
	Get(ctx context.Context, userID, hostID string) (OPKToken, bool, error)
	Upsert(ctx context.Context, tok OPKToken) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// OPKToken is the persisted result of a completed OpenPubKey auth.
type OPKToken struct {
	UserID     string
	HostID     string
	EncCert    []byte
	EncPrivKey []byte
	Identity   OPKIdentity
	ExpiresAt  time.Time
	LastUsed   time.Time
	Version    int // row-version, bumped on every Upsert
}

// OPKIdentity is the OIDC identity an OPK cert was issued for.
type OPKIdentity struct {
	Email    string
	Subject  string
	Issuer   string
	Audience string
}
