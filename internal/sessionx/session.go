package sessionx

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/ssh"

	"github.com/sshmux/sshmux/internal/channelbridge"
	"github.com/sshmux/sshmux/internal/contracts"
	"github.com/sshmux/sshmux/internal/jumpchain"
	"github.com/sshmux/sshmux/internal/opkssh"
	"github.com/sshmux/sshmux/internal/proxychain"
	"github.com/sshmux/sshmux/internal/sshauth"
	"github.com/sshmux/sshmux/internal/wsproto"
)

// State is where a Session sits in its lifecycle, per spec §4.8.
type State string

const (
	StateStarting       State = "Starting"
	StateAuthenticating State = "Authenticating"
	StateAwaitingPrompt State = "AwaitingPrompt"
	StateConnected      State = "Connected"
	StateClosing        State = "Closing"
	StateClosed         State = "Closed"
)

// Deadlines from spec §5.
const (
	ConnectDeadline    = 120 * time.Second
	AuthTimeoutWindow  = 60 * time.Second
	ShellInitRaceDelay = 100 * time.Millisecond
)

// Session is the owning state machine for one browser tab's SSH/Docker
// connection. It composes proxychain/jumpchain/sshauth/opkssh/
// channelbridge into the single lifecycle spec §4.8 describes, replacing
// the teacher's Register/Touch/Unregister idle-watchdog model
// (internal/terminal/session.go) with an explicit state machine owned by
// one goroutine per session.
type Session struct {
	ID     string
	UserID string
	HostID string
	Kind   Kind

	out      EventSink
	deps     Deps
	registry *Registry

	mu                sync.Mutex
	state             State
	sshClient         *ssh.Client
	jumpChain         *jumpchain.Chain
	pty               *channelbridge.PTY
	sftp              *channelbridge.SFTP
	tunnels           map[string]*channelbridge.Tunnel
	shellInitializing bool
	closeOnce         sync.Once
	closed            chan struct{}

	promptBridge *bridge
	opkAuth      *opkssh.Auth

	cancelConnect context.CancelFunc
}

func newSession(id, userID, hostID string, kind Kind, out EventSink, deps Deps, registry *Registry) *Session {
	return &Session{
		ID:       id,
		UserID:   userID,
		HostID:   hostID,
		Kind:     kind,
		out:      out,
		deps:     deps,
		registry: registry,
		state:    StateStarting,
		tunnels:  make(map[string]*channelbridge.Tunnel),
		closed:   make(chan struct{}),
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) emit(frame []byte) { s.out.Send(frame) }

func (s *Session) logStage(stage, level, message string) {
	s.emit(wsproto.ConnectionLog(stage, level, message, nil))
}

func (s *Session) fail(kind, message string) {
	s.failWith(newSessionError(kind, nil, message))
}

// failWith emits the SessionError's wire message and tears the session
// down with ReasonError, per spec §7's closed ErrorKind taxonomy.
func (s *Session) failWith(se *SessionError) {
	log.Printf("[sshmux] session %s: %v", s.ID, se)
	s.emit(wsproto.Error(se.message(), se.Kind))
	s.Close(ReasonError)
}

// Connect drives Starting -> {Authenticating|AwaitingPrompt} -> Connected,
// per spec §4.8. It validates input, resolves proxy/jump chains, dials,
// authenticates, and opens the requested channel kind.
func (s *Session) Connect(parent context.Context, msg wsproto.ConnectToHost) {
	if err := validateConnect(msg); err != nil {
		s.failWith(newSessionError(ErrorKindInvalidInput, err, ""))
		return
	}

	ctx, cancel := context.WithTimeout(parent, ConnectDeadline)
	s.mu.Lock()
	s.cancelConnect = cancel
	s.mu.Unlock()
	defer cancel()

	key, ok := s.deps.Keyring.DataKey(ctx, s.UserID)
	if !ok || key == nil {
		s.failWith(newSessionError(ErrorKindDataLocked, nil, "user data is locked"))
		return
	}

	spec, cred, opkToken, err := s.resolve(ctx, msg)
	if err != nil {
		s.failWith(newSessionError(ErrorKindInvalidInput, err, ""))
		return
	}
	defer cred.Zero()

	s.setState(StateAuthenticating)
	s.logStage("tcp", "info", "dialing "+spec.Host)

	client, err := s.dial(ctx, spec, cred, opkToken)
	if err != nil {
		s.fail(ErrorKindDialFailed, err.Error())
		return
	}
	s.mu.Lock()
	s.sshClient = client
	s.mu.Unlock()

	s.logStage("handshake", "success", "handshake complete")
	s.logStage("auth", "success", "authenticated")

	if err := s.openChannel(spec, msg); err != nil {
		s.fail(ErrorKindShellOpenFailed, err.Error())
		return
	}

	s.setState(StateConnected)
	s.emit(wsproto.Connected())
	s.logActivity()
}

func validateConnect(msg wsproto.ConnectToHost) error {
	username := strings.TrimSpace(msg.Username)
	host := strings.TrimSpace(msg.Host)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if host == "" {
		return fmt.Errorf("host is required")
	}
	if msg.Port <= 0 || msg.Port > 65535 {
		return fmt.Errorf("port out of range")
	}
	return nil
}

// resolve fetches the HostSpec/Credential/OPKToken needed to dial, folding
// in whatever inline overrides the connectToHost message carried (the
// browser may supply host/port/username directly rather than a stored
// hostId, e.g. for an ad-hoc connection).
func (s *Session) resolve(ctx context.Context, msg wsproto.ConnectToHost) (contracts.HostSpec, contracts.Credential, *contracts.OPKToken, error) {
	spec := contracts.HostSpec{
		HostID:   msg.HostID,
		Host:     msg.Host,
		Port:     msg.Port,
		Username: msg.Username,
		AuthType: contracts.AuthType(msg.AuthType),
	}
	if msg.HostID != "" {
		if stored, err := s.deps.Credentials.FetchHost(ctx, msg.HostID, s.UserID); err == nil {
			spec = stored
		}
	}

	var cred contracts.Credential
	if msg.Password != "" {
		cred.Password = msg.Password
	} else if msg.HostID != "" {
		if stored, err := s.deps.Credentials.FetchCredential(ctx, msg.HostID, s.UserID); err == nil {
			cred = stored
		}
	}

	var opkToken *contracts.OPKToken
	if spec.AuthType == contracts.AuthOPKSSH && s.deps.OPKTokens != nil {
		if tok, ok, err := s.deps.OPKTokens.Get(ctx, s.UserID, spec.HostID); err == nil && ok {
			opkToken = &tok
		} else {
			s.emit(wsproto.OPKAuthRequired(spec.HostID))
			return spec, cred, nil, fmt.Errorf("opkssh: no token for host %s", spec.HostID)
		}
	}
	return spec, cred, opkToken, nil
}

// dial resolves the transport (direct, SOCKS5-chained, or jump-chained)
// and runs the SSH handshake with authentication, per spec §4.3/§4.4/§4.5.
func (s *Session) dial(ctx context.Context, spec contracts.HostSpec, cred contracts.Credential, opkToken *contracts.OPKToken) (*ssh.Client, error) {
	var dialer jumpchain.Dialer
	if s.deps.ProxyDialer != nil && len(spec.ProxyChain) > 0 {
		dialer = s.deps.ProxyDialer(spec.ProxyChain)
	} else if len(spec.ProxyChain) > 0 {
		dialer = proxychain.New(spec.ProxyChain)
	} else {
		dialer = directDialer{}
	}

	if len(spec.JumpHops) > 0 {
		builder := &jumpchain.Builder{
			Resolver: jumpResolver{store: s.deps.Credentials, userID: s.UserID},
			Verifier: s.deps.HostKeys,
			Dialer:   dialer,
			UserID:   s.UserID,
		}
		chain, err := builder.Build(ctx, spec.JumpHops)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.jumpChain = chain
		s.mu.Unlock()
		s.logStage("handshake", "success", fmt.Sprintf("%d jump hop(s) established", len(spec.JumpHops)))
		return s.handshakeOverJumpChain(ctx, chain, spec, cred, opkToken)
	}

	conn, err := dialer.DialContext(ctx, spec.Host, spec.Port)
	if err != nil {
		return nil, err
	}
	return s.handshake(ctx, conn, spec, cred, opkToken)
}

func (s *Session) handshakeOverJumpChain(ctx context.Context, chain *jumpchain.Chain, spec contracts.HostSpec, cred contracts.Credential, opkToken *contracts.OPKToken) (*ssh.Client, error) {
	addr := net.JoinHostPort(spec.Host, fmt.Sprintf("%d", spec.Port))
	conn, err := chain.Target().Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sessionx: dial target through jump chain: %w", err)
	}
	return s.handshake(ctx, conn, spec, cred, opkToken)
}

func (s *Session) handshake(ctx context.Context, conn net.Conn, spec contracts.HostSpec, cred contracts.Credential, opkToken *contracts.OPKToken) (*ssh.Client, error) {
	s.mu.Lock()
	s.promptBridge = newBridge(s)
	bridge := s.promptBridge
	s.mu.Unlock()
	engine := sshauth.NewEngine(bridge)

	methods := []ssh.AuthMethod{}
	if spec.AuthType != contracts.AuthNone {
		auth, err := sshauth.DirectAuthMethod(spec, cred, opkToken)
		if err != nil {
			return nil, err
		}
		if auth != nil {
			methods = append(methods, auth)
		}
	}
	methods = append(methods, ssh.KeyboardInteractive(engine.KeyboardInteractive(ctx)))

	cfg := &ssh.ClientConfig{
		User: spec.Username,
		Auth: methods,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			fp := ssh.FingerprintSHA256(key)
			verdict, err := s.deps.HostKeys.Verify(ctx, s.UserID, spec.HostID, fp, false)
			if err != nil {
				return err
			}
			switch verdict {
			case contracts.Accept:
				return nil
			case contracts.PromptUser:
				s.emit(wsproto.HostKeyPrompt(fp))
				return fmt.Errorf("sessionx: host key requires prompt")
			default:
				s.emit(wsproto.HostKeyMismatch())
				return fmt.Errorf("sessionx: host key rejected")
			}
		},
		Timeout: AuthTimeoutWindow,
	}

	addr := net.JoinHostPort(spec.Host, fmt.Sprintf("%d", spec.Port))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	client := ssh.NewClient(c, chans, reqs)
	go keepalive(client)
	return client, nil
}

// keepalive sends a periodic SSH-level keepalive, per spec §4.7
// (interval=30s, max=3 missed before the transport is considered dead).
func keepalive(client *ssh.Client) {
	ticker := time.NewTicker(channelbridge.KeepaliveInterval)
	defer ticker.Stop()
	missed := 0
	for range ticker.C {
		_, _, err := client.SendRequest("keepalive@sshmux", true, nil)
		if err != nil {
			missed++
			if missed >= channelbridge.KeepaliveMaxMissed {
				client.Close()
				return
			}
			continue
		}
		missed = 0
	}
}

// openChannel opens the requested channel kind over the established
// client, per spec §4.7.
func (s *Session) openChannel(spec contracts.HostSpec, msg wsproto.ConnectToHost) error {
	s.mu.Lock()
	client := s.sshClient
	s.mu.Unlock()

	switch s.Kind {
	case KindTerminal:
		s.mu.Lock()
		s.shellInitializing = true
		s.mu.Unlock()
		cols, rows := msg.Cols, msg.Rows
		if cols == 0 {
			cols = 80
		}
		if rows == 0 {
			rows = 24
		}
		pty, err := channelbridge.OpenPTY(client, "", uint16(rows), uint16(cols))
		s.mu.Lock()
		s.shellInitializing = false
		s.mu.Unlock()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.pty = pty
		s.mu.Unlock()
		go s.pumpPTY(pty)
		return nil
	case KindFileManager:
		sftp, err := channelbridge.OpenSFTP(client)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.sftp = sftp
		s.mu.Unlock()
		return nil
	case KindDocker:
		s.mu.Lock()
		s.shellInitializing = true
		s.mu.Unlock()
		pty, err := channelbridge.OpenPTY(client, "docker exec -it "+msg.HostID+" sh", 24, 80)
		s.mu.Lock()
		s.shellInitializing = false
		s.mu.Unlock()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.pty = pty
		s.mu.Unlock()
		go s.pumpPTY(pty)
		return nil
	case KindTunnel:
		// Connect establishes only the transport for a tunnel session; no
		// inbound message type opens a channelbridge.Tunnel on it.
		return nil
	default:
		return fmt.Errorf("sessionx: unknown session kind %q", s.Kind)
	}
}

func (s *Session) pumpPTY(pty *channelbridge.PTY) {
	buf := make([]byte, 32*1024)
	for {
		n, err := pty.Read(buf)
		if n > 0 {
			s.emit(wsproto.Data(decodeUTF8OrLatin1(buf[:n])))
		}
		if err != nil {
			s.Close(ReasonError)
			return
		}
	}
}

func decodeUTF8OrLatin1(b []byte) string {
	if isValidUTF8(b) {
		return string(b)
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}

// HandleInbound routes one decoded wsproto.Inbound message to the
// appropriate state transition or channel operation.
func (s *Session) HandleInbound(ctx context.Context, msg wsproto.Inbound) {
	switch msg.Type {
	case wsproto.TypeConnectToHost:
		go s.Connect(ctx, *msg.ConnectToHost)
	case wsproto.TypeInput:
		s.mu.Lock()
		pty := s.pty
		s.mu.Unlock()
		if pty != nil {
			_, _ = pty.Write([]byte(msg.Input.Data))
		}
	case wsproto.TypeResize:
		s.mu.Lock()
		pty := s.pty
		s.mu.Unlock()
		if pty != nil {
			_ = pty.Resize(uint16(msg.Resize.Rows), uint16(msg.Resize.Cols))
			s.emit(wsproto.Resized(msg.Resize.Cols, msg.Resize.Rows))
		}
	case wsproto.TypeDisconnect:
		s.Close(ReasonCloseMessage)
	case wsproto.TypePing:
		s.emit(wsproto.Pong())
	case wsproto.TypeTOTPResponse:
		s.resolvePrompt(msg.TOTPResponse.Data)
	case wsproto.TypePasswordResponse:
		s.resolvePrompt(msg.PasswordResponse.Data)
	case wsproto.TypeWarpgateAuthContinue:
		s.resolvePrompt("")
	case wsproto.TypeReconnectWithCredentials:
		// A fresh session is spawned by the WSListener with the supplied
		// credential; this Session has nothing further to do but close.
		s.Close(ReasonCloseMessage)
	case wsproto.TypeOPKStartAuth:
		s.startOPK(ctx, msg.OPKStartAuth.HostID)
	case wsproto.TypeOPKCancel:
		if s.deps.OPK != nil {
			s.deps.OPK.Cancel(msg.OPKCancel.RequestID)
		}
	case wsproto.TypeOPKBrowserOpened, wsproto.TypeOPKAuthCompleted:
		// Informational; no state change required on this side.
	}
}

func (s *Session) resolvePrompt(answer string) {
	s.mu.Lock()
	b := s.promptBridge
	s.mu.Unlock()
	if b != nil {
		b.resolve(answer)
	}
}

func (s *Session) logActivity() {
	s.logActivityType(string(s.Kind))
}

// logActivityType emits an ActivityLog event of the given type, per spec
// §4.8. Logging failure never fails the session (fire-and-forget).
func (s *Session) logActivityType(typeName string) {
	if s.deps.Activity == nil {
		return
	}
	s.deps.Activity.Log(context.Background(), contracts.ActivityEvent{
		Type:   typeName,
		UserID: s.UserID,
		HostID: s.HostID,
		At:     time.Now(),
	})
}

// Close transitions the session to Closing then Closed, releasing every
// resource exactly once, per spec §4.8/§5's idempotent-cleanup invariant.
// A shell-init race (a close arriving while the shell is still being
// requested) is deferred 100ms and retried, per spec §4.8.
func (s *Session) Close(reason Reason) {
	s.mu.Lock()
	if s.shellInitializing {
		s.mu.Unlock()
		time.AfterFunc(ShellInitRaceDelay, func() { s.Close(reason) })
		return
	}
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.setState(StateClosing)

		s.mu.Lock()
		cancel := s.cancelConnect
		client := s.sshClient
		chain := s.jumpChain
		pty := s.pty
		sftp := s.sftp
		tunnels := make([]*channelbridge.Tunnel, 0, len(s.tunnels))
		for _, t := range s.tunnels {
			tunnels = append(tunnels, t)
		}
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if pty != nil {
			_ = pty.Close()
		}
		if sftp != nil {
			_ = sftp.Close()
		}
		for _, t := range tunnels {
			_ = t.Close()
		}
		if client != nil {
			_ = client.Close()
		}
		if chain != nil {
			_ = chain.Close()
		}

		if reason != ReasonCancelled && reason != ReasonShutdown {
			s.emit(wsproto.Disconnected())
		}

		s.registry.unregister(s.ID, s.UserID, s.Kind)
		s.setState(StateClosed)
		close(s.closed)
	})
}

// Done returns a channel closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// directDialer is the zero-configuration jumpchain.Dialer used when a
// HostSpec names no SOCKS5 chain: a plain TCP dial.
type directDialer struct{}

func (directDialer) DialContext(ctx context.Context, host string, port int) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
}

// jumpResolver adapts contracts.CredentialStore to jumpchain.Resolver: a
// jump hop's credential record is keyed identically to its host record
// (the core's simplified data model does not separate hop credential IDs
// from host IDs).
type jumpResolver struct {
	store  contracts.CredentialStore
	userID string
}

func (r jumpResolver) Resolve(ctx context.Context, hostID, userID string) (contracts.HostSpec, contracts.Credential, error) {
	spec, err := r.store.FetchHost(ctx, hostID, userID)
	if err != nil {
		return contracts.HostSpec{}, contracts.Credential{}, err
	}
	cred, err := r.store.FetchCredential(ctx, hostID, userID)
	if err != nil {
		return contracts.HostSpec{}, contracts.Credential{}, err
	}
	return spec, cred, nil
}
