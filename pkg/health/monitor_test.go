package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashlb/pkg/pool"
	"github.com/hashlb/pkg/testutil"
)

func waitForState(t *testing.T, b *pool.Backend, want pool.State, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("backend %s never reached %s (state %s)", b.ID(), want, b.State())
}

func TestMonitorMarksDeadBackendDown(t *testing.T) {
	dead := testutil.FreeAddr(t)
	p := pool.New([]string{dead})

	m := New(Config{
		Interval:         20 * time.Millisecond,
		ProbeTimeout:     200 * time.Millisecond,
		FailThreshold:    3,
		RecoverThreshold: 2,
	}, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	b, _ := p.Get(dead)
	waitForState(t, b, pool.StateDown, 3*time.Second)
}

func TestMonitorRecoversBackend(t *testing.T) {
	echo := testutil.StartEchoServer(t)
	addr := echo.Addr().String()

	p := pool.New([]string{addr})
	b, _ := p.Get(addr)
	b.MarkDown()

	var mu sync.Mutex
	var transitions []pool.State

	m := New(Config{
		Interval:         20 * time.Millisecond,
		ProbeTimeout:     200 * time.Millisecond,
		FailThreshold:    3,
		RecoverThreshold: 2,
	}, p)
	m.OnTransition = func(addr string, from, to pool.State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitForState(t, b, pool.StateHealthy, 3*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 || transitions[len(transitions)-1] != pool.StateHealthy {
		t.Fatalf("expected a transition to healthy, got %v", transitions)
	}
}

func TestMonitorDoesNotRecoverOnSingleSuccess(t *testing.T) {
	// RecoverThreshold of 2 means the first successful probe alone must not
	// bring the backend back.
	echo := testutil.StartEchoServer(t)
	addr := echo.Addr().String()

	p := pool.New([]string{addr})
	b, _ := p.Get(addr)
	b.MarkDown()

	m := New(Config{
		Interval:         time.Hour, // only the initial round runs
		ProbeTimeout:     200 * time.Millisecond,
		FailThreshold:    3,
		RecoverThreshold: 2,
	}, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	time.Sleep(300 * time.Millisecond)
	if b.State() != pool.StateDown {
		t.Fatalf("backend recovered after one success, state %s", b.State())
	}
}
