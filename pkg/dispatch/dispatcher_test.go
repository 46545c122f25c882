package dispatch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hashlb/pkg/pool"
	"github.com/hashlb/pkg/ring"
	"github.com/hashlb/pkg/testutil"
)

func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ch := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(ch)
			return
		}
		ch <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server, ok := <-ch
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func newDispatcher(t *testing.T, addrs []string) (*Dispatcher, *pool.Pool, *ring.Ring) {
	t.Helper()

	p := pool.New(addrs)
	r := ring.New(32)
	for _, a := range addrs {
		r.Add(a)
	}
	d := New(Config{DialTimeout: time.Second, DialRetries: 2}, p, r, nil)
	return d, p, r
}

func TestHandleForwardsToBackend(t *testing.T) {
	echo := testutil.StartEchoServer(t)
	d, _, _ := newDispatcher(t, []string{echo.Addr().String()})

	client, proxySide := tcpPair(t)
	done := make(chan struct{})
	go func() {
		d.Handle(context.Background(), proxySide)
		close(done)
	}()

	testutil.AssertEcho(t, client, client, []byte("routed"))

	_ = client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not return after client close")
	}
}

// When the consistent-hash choice is unreachable, the dispatcher must mark
// it Suspect and retry against the remaining backend.
func TestHandleRetriesUnreachableBackend(t *testing.T) {
	echoA := testutil.StartEchoServer(t)
	echoB := testutil.StartEchoServer(t)
	addrs := []string{echoA.Addr().String(), echoB.Addr().String()}

	d, p, r := newDispatcher(t, addrs)

	// The test client connects from 127.0.0.1, so that's the routing key.
	primary, err := r.Select("127.0.0.1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if primary == echoA.Addr().String() {
		_ = echoA.Close()
	} else {
		_ = echoB.Close()
	}

	client, proxySide := tcpPair(t)
	done := make(chan struct{})
	go func() {
		d.Handle(context.Background(), proxySide)
		close(done)
	}()

	testutil.AssertEcho(t, client, client, []byte("failover"))

	b, _ := p.Get(primary)
	if b.State() != pool.StateSuspect {
		t.Fatalf("expected primary %s suspect after failed connect, got %s", primary, b.State())
	}

	_ = client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not return")
	}
}

// With every backend Down, the client connection must be closed promptly.
func TestHandleClosesClientWhenAllDown(t *testing.T) {
	echo := testutil.StartEchoServer(t)
	d, p, _ := newDispatcher(t, []string{echo.Addr().String()})

	b, _ := p.Get(echo.Addr().String())
	b.MarkDown()

	client, proxySide := tcpPair(t)
	go d.Handle(context.Background(), proxySide)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected closed client connection")
	} else if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		t.Fatal("client connection not closed within deadline")
	}
}

// All connect attempts failing exhausts the retries and fails the client.
func TestHandleExhaustsRetries(t *testing.T) {
	dead1 := testutil.FreeAddr(t)
	dead2 := testutil.FreeAddr(t)
	d, p, _ := newDispatcher(t, []string{dead1, dead2})

	client, proxySide := tcpPair(t)
	done := make(chan struct{})
	go func() {
		d.Handle(context.Background(), proxySide)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handle did not give up")
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected closed client connection")
	}

	// Both candidates were tried and marked.
	for _, addr := range []string{dead1, dead2} {
		b, _ := p.Get(addr)
		if b.State() != pool.StateSuspect {
			t.Fatalf("expected %s suspect, got %s", addr, b.State())
		}
	}
}
