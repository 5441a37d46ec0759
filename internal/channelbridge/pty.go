// Package channelbridge couples one SSH channel (PTY, SFTP, direct-tcpip,
// or a one-shot exec) to the WebSocket, per spec §4.7. Every operation here
// takes an already-established *ssh.Client — a Session owns exactly one SSH
// transport (spec §3 invariant) and channelbridge never dials it.
package channelbridge

import (
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ShellWatchdog bounds how long a shell creation may take before the
// session reports an error, per spec §4.7.
const ShellWatchdog = 15 * time.Second

// KeepaliveInterval/MaxMissed configure the SSH-level keepalive on the
// transport, per spec §4.7 ("interval=30s, max=3 missed, TCP keepalive
// on"). PTY-level keepalives are never written as NUL bytes — those surface
// as ^@ in terminals with echoctl, so this package never synthesizes
// traffic on the PTY stream itself; only the ssh keepalive global request
// (sent by sessionx's keepalive loop) serves that purpose.
const (
	KeepaliveInterval = 30 * time.Second
	KeepaliveMaxMissed = 3
)

// PTY wraps a remote shell: an SSH session with a requested pseudo-terminal.
// Grounded on internal/terminal/ssh.go's sshSession, generalized to accept
// a pre-built *ssh.Client (direct, jump-chained, or proxy-chained) rather
// than dialing one itself.
type PTY struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	mu      sync.Mutex
}

// OpenPTY requests a shell on client with term=xterm-256color, UTF-8
// locale, and the given initial size. shell, if non-empty, is tried first
// and falls back to the server's default login shell on failure.
func OpenPTY(client *ssh.Client, shell string, rows, cols uint16) (*PTY, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("channelbridge: new session: %w", err)
	}

	if err := session.Setenv("LANG", "en_US.UTF-8"); err != nil {
		// Not every sshd permits arbitrary Setenv; the shell still runs,
		// just without a forced locale. Non-fatal.
		_ = err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("channelbridge: request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("channelbridge: stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("channelbridge: stdout pipe: %w", err)
	}

	startErr := make(chan error, 1)
	go func() {
		if shell != "" {
			if err := session.Start(shell); err != nil {
				startErr <- session.Shell()
				return
			}
			startErr <- nil
			return
		}
		startErr <- session.Shell()
	}()

	select {
	case err := <-startErr:
		if err != nil {
			session.Close()
			return nil, fmt.Errorf("channelbridge: start shell: %w", err)
		}
	case <-time.After(ShellWatchdog):
		session.Close()
		return nil, fmt.Errorf("channelbridge: shell watchdog exceeded %s", ShellWatchdog)
	}

	return &PTY{client: client, session: session, stdin: stdin, stdout: stdout}, nil
}

// Write sends UTF-8 bytes to the remote shell's stdin. Escape sequences and
// the literal Tab pass through unchanged — this is a raw byte pipe, not a
// line-oriented one.
func (p *PTY) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.Write(data)
}

// Read reads raw output bytes from the remote shell.
func (p *PTY) Read(buf []byte) (int, error) {
	return p.stdout.Read(buf)
}

// Resize invokes SSH's WindowChange request.
func (p *PTY) Resize(rows, cols uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.WindowChange(int(rows), int(cols))
}

// Close ends the shell's stdin and the session. The caller owns the
// underlying *ssh.Client and closes it separately (channelbridge never owns
// the transport).
func (p *PTY) Close() error {
	_ = p.stdin.Close()
	return p.session.Close()
}
