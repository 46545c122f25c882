package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type closeWriter interface {
	CloseWrite() error
}

// Session relays bytes between an accepted client connection and its chosen
// backend connection. Both legs are opaque byte streams; the session owns
// both sockets and closes them on every exit path.
type Session struct {
	client  net.Conn
	backend net.Conn
	target  string

	start   time.Time
	bytesTx atomic.Int64 // client -> backend
	bytesRx atomic.Int64 // backend -> client
}

// New creates a session over an already-connected pair.
func New(client, backend net.Conn, target string) *Session {
	return &Session{
		client:  client,
		backend: backend,
		target:  target,
		start:   time.Now(),
	}
}

// Target returns the backend address this session forwards to.
func (s *Session) Target() string { return s.target }

// BytesTx returns bytes copied client to backend so far.
func (s *Session) BytesTx() int64 { return s.bytesTx.Load() }

// BytesRx returns bytes copied backend to client so far.
func (s *Session) BytesRx() int64 { return s.bytesRx.Load() }

// Duration returns the time elapsed since the session opened.
func (s *Session) Duration() time.Duration { return time.Since(s.start) }

// halfClose signals EOF to the peer while leaving the reverse direction
// open, so a half-closed client can still drain the backend's response.
func halfClose(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

// Run copies both directions until each leg reaches EOF, an I/O error
// occurs, or ctx is canceled. EOF on one direction half-closes the opposite
// socket; full teardown happens once both directions finish. Returns nil for
// a clean shutdown (both legs ended in EOF).
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = s.client.Close()
			_ = s.backend.Close()
		})
	}
	defer closeBoth()

	g.Go(func() error {
		n, err := io.Copy(s.backend, s.client)
		s.bytesTx.Store(n)
		halfClose(s.backend)
		return ioError(err)
	})

	g.Go(func() error {
		n, err := io.Copy(s.client, s.backend)
		s.bytesRx.Store(n)
		halfClose(s.client)
		return ioError(err)
	})

	// Cancellation must unblock both copies promptly; closing the sockets is
	// the only way to interrupt a blocked Read.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	return g.Wait()
}

// ioError filters the errors a normal teardown produces: EOF and reads
// against a socket the other direction already closed.
func ioError(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
