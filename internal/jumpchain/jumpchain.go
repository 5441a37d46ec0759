// Package jumpchain builds a stack of SSH clients J1..Jn, each tunneled
// through the previous via direct-tcpip, and returns the innermost client
// ready to carry the target session's transport.
package jumpchain

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sshmux/sshmux/internal/contracts"
)

// HandshakeDeadline bounds each hop's SSH handshake, per spec §4.4 step 2.
const HandshakeDeadline = 30 * time.Second

// HopFailure names the 1-based hop index that failed a chain build, so
// callers can render JumpHop{i}Failed per spec §7.
type HopFailure struct {
	Index int
	Err   error
}

func (e *HopFailure) Error() string {
	return fmt.Sprintf("jumpchain: hop %d failed: %v", e.Index, e.Err)
}

func (e *HopFailure) Unwrap() error { return e.Err }

// Resolver looks up a hop's HostSpec and Credential, the way SSHAuthEngine
// needs them, so JumpChainBuilder doesn't depend on contracts.CredentialStore
// directly — it only needs whatever the caller already resolved.
type Resolver interface {
	Resolve(ctx context.Context, hostID, userID string) (contracts.HostSpec, contracts.Credential, error)
}

// Verifier is the subset of HostKeyVerifier jump hops consult; isJumpHop is
// always true for chain hops per spec §4.2.
type Verifier interface {
	Verify(ctx context.Context, userID, hostID, fingerprint string, isJumpHop bool) (contracts.HostKeyVerdict, error)
}

// Dialer produces the initial byte stream to the first hop (direct or via
// a SOCKS5 chain); subsequent hops always dial through the previous hop's
// ssh.Client.
type Dialer interface {
	DialContext(ctx context.Context, host string, port int) (net.Conn, error)
}

// Chain is a built stack of SSH clients, innermost last.
type Chain struct {
	clients []*ssh.Client
}

// Target returns the innermost client, to be used as the target session's
// transport.
func (c *Chain) Target() *ssh.Client {
	return c.clients[len(c.clients)-1]
}

// Close tears the chain down in reverse order (innermost first), per spec
// §4.4's "disposer that closes the chain in reverse order".
func (c *Chain) Close() error {
	var firstErr error
	for i := len(c.clients) - 1; i >= 0; i-- {
		if err := c.clients[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Builder constructs jump chains.
type Builder struct {
	Resolver Resolver
	Verifier Verifier
	Dialer   Dialer
	UserID   string
}

// Build opens hopIDs in order, each tunneled through the previous via
// direct-tcpip, and returns the resulting Chain. On any hop failure, every
// previously opened hop is closed in reverse order and a *HopFailure naming
// the 1-based index is returned.
func (b *Builder) Build(ctx context.Context, hopIDs []string) (*Chain, error) {
	chain := &Chain{}
	for i, hostID := range hopIDs {
		client, err := b.dialHop(ctx, hostID, chain)
		if err != nil {
			chain.Close()
			return nil, &HopFailure{Index: i + 1, Err: err}
		}
		chain.clients = append(chain.clients, client)
	}
	return chain, nil
}

func (b *Builder) dialHop(ctx context.Context, hostID string, chain *Chain) (*ssh.Client, error) {
	spec, cred, err := b.Resolver.Resolve(ctx, hostID, b.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve hop %s: %w", hostID, err)
	}

	auth, err := authMethod(spec, cred)
	if err != nil {
		return nil, err
	}

	hostKeyCB := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fp := ssh.FingerprintSHA256(key)
		verdict, err := b.Verifier.Verify(ctx, b.UserID, hostID, fp, true)
		if err != nil {
			return err
		}
		if verdict != contracts.Accept {
			return fmt.Errorf("jumpchain: host key rejected for hop %s", hostID)
		}
		return nil
	}

	clientCfg := &ssh.ClientConfig{
		User:            spec.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCB,
		Timeout:         HandshakeDeadline,
	}

	addr := net.JoinHostPort(spec.Host, fmt.Sprintf("%d", spec.Port))

	if len(chain.clients) == 0 {
		// First hop: dial directly (or via the SOCKS5 chain) and run the
		// handshake over a plain net.Conn, then promote to an ssh.Client.
		conn, err := b.Dialer.DialContext(ctx, spec.Host, spec.Port)
		if err != nil {
			return nil, fmt.Errorf("dial hop %s: %w", hostID, err)
		}
		return handshakeOverConn(conn, addr, clientCfg)
	}

	// Subsequent hops: tunnel through the previous hop via direct-tcpip.
	prev := chain.clients[len(chain.clients)-1]
	conn, err := prev.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("direct-tcpip to hop %s: %w", hostID, err)
	}
	return handshakeOverConn(conn, addr, clientCfg)
}

func handshakeOverConn(conn net.Conn, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			done <- result{nil, err}
			return
		}
		done <- result{ssh.NewClient(c, chans, reqs), nil}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			conn.Close()
			return nil, r.err
		}
		return r.client, nil
	case <-time.After(cfg.Timeout + 5*time.Second):
		conn.Close()
		return nil, fmt.Errorf("jumpchain: handshake timed out")
	}
}

func authMethod(spec contracts.HostSpec, cred contracts.Credential) (ssh.AuthMethod, error) {
	switch spec.AuthType {
	case contracts.AuthKey:
		var signer ssh.Signer
		var err error
		if cred.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cred.PrivateKey, []byte(cred.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(cred.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	case contracts.AuthPassword:
		return ssh.Password(cred.Password), nil
	default:
		return nil, fmt.Errorf("jumpchain: unsupported hop auth type %q", spec.AuthType)
	}
}
