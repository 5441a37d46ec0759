package jumpchain

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sshmux/sshmux/internal/contracts"
)

// testSSHServer is a minimal SSH server accepting any password and serving
// direct-tcpip forwarding requests, enough to exercise a real handshake and
// hop-through-hop dial without a real network.
type testSSHServer struct {
	ln     net.Listener
	signer ssh.Signer
}

func startTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &testSSHServer{ln: ln, signer: signer}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(signer)

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(nc, cfg)
		}
	}()
	return srv
}

func (s *testSSHServer) handleConn(nc net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "direct-tcpip" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		payload := newCh.ExtraData()
		destAddr, destPort, ok := parseDirectTCPIP(payload)
		if !ok {
			newCh.Reject(ssh.ConnectionFailed, "bad payload")
			continue
		}
		ch, reqs2, err := newCh.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(reqs2)
		target, err := net.Dial("tcp", net.JoinHostPort(destAddr, destPort))
		if err != nil {
			ch.Close()
			continue
		}
		go pipe(ch, target)
	}
}

func pipe(ch ssh.Channel, conn net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := ch.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				break
			}
		}
		ch.Close()
		done <- struct{}{}
	}()
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				ch.Write(buf[:n])
			}
			if err != nil {
				break
			}
		}
		conn.Close()
		done <- struct{}{}
	}()
	<-done
}

func parseDirectTCPIP(payload []byte) (addr, port string, ok bool) {
	var msg struct {
		Addr     string
		Port     uint32
		OrigAddr string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return "", "", false
	}
	return msg.Addr, itoa(msg.Port), true
}

func itoa(p uint32) string {
	if p == 0 {
		return "0"
	}
	digits := [10]byte{}
	i := len(digits)
	for p > 0 {
		i--
		digits[i] = byte('0' + p%10)
		p /= 10
	}
	return string(digits[i:])
}

func (s *testSSHServer) addr() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.ln.Addr().String())
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port
}

func (s *testSSHServer) close() { s.ln.Close() }

type staticResolver map[string]struct {
	spec contracts.HostSpec
	cred contracts.Credential
}

func (r staticResolver) Resolve(_ context.Context, hostID, _ string) (contracts.HostSpec, contracts.Credential, error) {
	e := r[hostID]
	return e.spec, e.cred, nil
}

type alwaysAccept struct{}

func (alwaysAccept) Verify(_ context.Context, _, _, _ string, _ bool) (contracts.HostKeyVerdict, error) {
	return contracts.Accept, nil
}

type directDialer struct{}

func (directDialer) DialContext(ctx context.Context, host string, port int) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, itoa(uint32(port))))
}

func TestBuildSingleHop(t *testing.T) {
	srv := startTestSSHServer(t)
	defer srv.close()
	host, port := srv.addr()

	resolver := staticResolver{
		"h1": {
			spec: contracts.HostSpec{HostID: "h1", Host: host, Port: port, Username: "root", AuthType: contracts.AuthPassword},
			cred: contracts.Credential{Password: "anything"},
		},
	}
	b := &Builder{Resolver: resolver, Verifier: alwaysAccept{}, Dialer: directDialer{}, UserID: "u1"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chain, err := b.Build(ctx, []string{"h1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer chain.Close()
	if chain.Target() == nil {
		t.Fatal("expected a target client")
	}
}

func TestBuildFailureClosesOpenedHops(t *testing.T) {
	srv := startTestSSHServer(t)
	defer srv.close()
	host, port := srv.addr()

	resolver := staticResolver{
		"h1": {
			spec: contracts.HostSpec{HostID: "h1", Host: host, Port: port, Username: "root", AuthType: contracts.AuthPassword},
			cred: contracts.Credential{Password: "anything"},
		},
		"h2": {
			spec: contracts.HostSpec{HostID: "h2", Host: "127.0.0.1", Port: 1, Username: "root", AuthType: contracts.AuthPassword},
			cred: contracts.Credential{Password: "anything"},
		},
	}
	b := &Builder{Resolver: resolver, Verifier: alwaysAccept{}, Dialer: directDialer{}, UserID: "u1"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.Build(ctx, []string{"h1", "h2"})
	if err == nil {
		t.Fatal("expected hop 2 to fail")
	}
	hf, ok := err.(*HopFailure)
	if !ok || hf.Index != 2 {
		t.Fatalf("want *HopFailure with index 2, got %#v (ok=%v)", err, ok)
	}
}
