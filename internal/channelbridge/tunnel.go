package channelbridge

import (
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Tunnel is a local TCP listener whose accepted sockets are each bridged
// to a new direct-tcpip channel on client. Grounded on
// internal/tunnel/server.go's runListener/forwardConn (server-side
// forwarded-tcpip); this is the client-side mirror using ssh.Client.Dial,
// which constructs and sends the equivalent RFC 4254 §7.2 payload
// internally.
type Tunnel struct {
	listener net.Listener
	client   *ssh.Client
	remote   string // "host:port" on the far side of client

	wg   sync.WaitGroup
	once sync.Once
}

// OpenTunnel binds localPort on 127.0.0.1 and forwards each accepted
// connection to remoteHost:remotePort via a direct-tcpip channel on client.
// The tunnel's lifetime is bound to the session that owns it: callers must
// call Close when the session ends.
func OpenTunnel(client *ssh.Client, localPort int, remoteHost string, remotePort int) (*Tunnel, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", localPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("channelbridge: bind %s: %w", addr, err)
	}

	t := &Tunnel{
		listener: ln,
		client:   client,
		remote:   fmt.Sprintf("%s:%d", remoteHost, remotePort),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return // listener closed
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer conn.Close()
			t.forward(conn)
		}()
	}
}

func (t *Tunnel) forward(local net.Conn) {
	remote, err := t.client.Dial("tcp", t.remote)
	if err != nil {
		return
	}
	defer remote.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(remote, local) }()
	go func() { defer wg.Done(); io.Copy(local, remote) }()
	wg.Wait()
}

// Close stops accepting new connections and waits for in-flight transfers
// to drain, mirroring runListener's proxyWg.Wait()-before-return pattern.
// Idempotent.
func (t *Tunnel) Close() error {
	var err error
	t.once.Do(func() {
		err = t.listener.Close()
		t.wg.Wait()
	})
	return err
}
