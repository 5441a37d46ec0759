package proxychain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sshmux/sshmux/internal/contracts"
)

func TestDialContextNoChainDialsDirect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("hello"))
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		t.Fatal(err)
	}

	d := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.DialContext(ctx, host, port)
	if err != nil {
		t.Fatalf("direct dial (empty chain) failed: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("want hello, got %q", buf)
	}
}

func TestDialContextUnreachableHopErrorsWithIndex(t *testing.T) {
	d := New([]contracts.SOCKS5Hop{{Host: "127.0.0.1", Port: 1}})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := d.DialContext(ctx, "example.invalid", 22)
	if err == nil {
		t.Fatal("expected error dialing through an unreachable hop")
	}
	var hopErr *HopError
	if !errors.As(err, &hopErr) {
		t.Fatalf("want *HopError, got %T: %v", err, err)
	}
	// SOCKS5 hop negotiation happens inside the single chained Dial call, so
	// an unreachable first hop surfaces as a failure of the final leg.
	if hopErr.Index != 1 {
		t.Fatalf("want hop index 1 (final leg), got %d", hopErr.Index)
	}
}
