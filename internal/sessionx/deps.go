package sessionx

import (
	"github.com/sshmux/sshmux/internal/contracts"
	"github.com/sshmux/sshmux/internal/jumpchain"
	"github.com/sshmux/sshmux/internal/opkssh"
)

// Deps bundles a Session's external collaborators, injected at creation so
// no package-level singleton is ever needed (spec §9 replaces the
// teacher's module-level Maps with an explicit Registry/Deps value
// plumbed through construction).
type Deps struct {
	Credentials contracts.CredentialStore
	Keyring     contracts.UserKeyring
	HostKeys    contracts.HostKeyVerifier
	OPKTokens   contracts.OPKTokenStore
	OPK         *opkssh.Manager
	Activity    contracts.ActivityLog

	// ProxyDialer composes the SOCKS5 chain named by a HostSpec into a
	// jumpchain.Dialer. Left nil, direct TCP dialing is used.
	ProxyDialer func(chain []contracts.SOCKS5Hop) jumpchain.Dialer
}

// EventSink is how a Session emits typed wsproto frames to the browser.
// WSListeners implement this by writing to the underlying *websocket.Conn.
type EventSink interface {
	Send(frame []byte)
}

// Reason names why a Session transitioned to Closing.
type Reason string

const (
	ReasonError        Reason = "error"
	ReasonCloseMessage Reason = "close_message"
	ReasonWSClosed     Reason = "ws_closed"
	ReasonDeadline     Reason = "deadline"
	ReasonCancelled    Reason = "cancelled"
	ReasonShutdown     Reason = "shutdown"

	// ErrorKind values mirror spec §7's taxonomy, carried on wsproto's
	// error{code} field.
	ErrorKindInvalidInput          = "InvalidInput"
	ErrorKindUnauthorized          = "Unauthorized"
	ErrorKindDataLocked            = "DataLocked"
	ErrorKindDialFailed            = "DialFailed"
	ErrorKindHandshakeFailed       = "HandshakeFailed"
	ErrorKindHostKeyMismatch       = "HostKeyMismatch"
	ErrorKindAuthFailed            = "AuthFailed"
	ErrorKindAuthTimeout           = "AuthTimeout"
	ErrorKindAuthMethodUnavailable = "AuthMethodUnavailable"
	ErrorKindShellOpenFailed       = "ShellOpenFailed"
	ErrorKindShellOpenTimeout      = "ShellOpenTimeout"
	ErrorKindSessionCapExceeded    = "SessionCapExceeded"
	ErrorKindCancelled             = "Cancelled"
	ErrorKindShutdown              = "Shutdown"
)
