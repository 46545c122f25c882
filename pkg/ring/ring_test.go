package ring

import (
	"fmt"
	"testing"
)

func backends(k int) []string {
	out := make([]string, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, fmt.Sprintf("10.0.0.%d:9000", i+1))
	}
	return out
}

func keys(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("192.168.%d.%d", i/256, i%256))
	}
	return out
}

func assignments(t *testing.T, r *Ring, ks []string) map[string]string {
	t.Helper()
	out := make(map[string]string, len(ks))
	for _, k := range ks {
		id, err := r.Select(k, nil)
		if err != nil {
			t.Fatalf("Select(%q): %v", k, err)
		}
		out[k] = id
	}
	return out
}

func TestSelectDeterministic(t *testing.T) {
	r := New(32)
	for _, b := range backends(4) {
		r.Add(b)
	}

	for _, k := range keys(50) {
		first, err := r.Select(k, nil)
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 10; i++ {
			got, err := r.Select(k, nil)
			if err != nil {
				t.Fatal(err)
			}
			if got != first {
				t.Fatalf("key %q: got %s then %s", k, first, got)
			}
		}
	}
}

func TestSelectEmptyRing(t *testing.T) {
	r := New(32)
	if _, err := r.Select("1.2.3.4", nil); err != ErrNoHealthyBackend {
		t.Fatalf("expected ErrNoHealthyBackend, got %v", err)
	}
}

func TestAddRemoveIdempotent(t *testing.T) {
	r := New(8)
	r.Add("a:1")
	r.Add("a:1")
	if got := r.Len(); got != 1 {
		t.Fatalf("expected 1 member, got %d", got)
	}
	if got := len(r.nodes); got != 8 {
		t.Fatalf("expected 8 vnodes, got %d", got)
	}

	r.Remove("a:1")
	r.Remove("a:1")
	if got := r.Len(); got != 0 {
		t.Fatalf("expected 0 members, got %d", got)
	}
	if got := len(r.nodes); got != 0 {
		t.Fatalf("expected 0 vnodes, got %d", got)
	}
}

// Removing a backend must remap only the keys that were assigned to it;
// every other key keeps its backend. Adding it back restores the original
// assignment exactly.
func TestRemoveMinimalDisruption(t *testing.T) {
	const k = 5
	r := New(64)
	bs := backends(k)
	for _, b := range bs {
		r.Add(b)
	}

	ks := keys(2000)
	before := assignments(t, r, ks)

	victim := bs[2]
	r.Remove(victim)
	after := assignments(t, r, ks)

	moved := 0
	for _, key := range ks {
		if before[key] == victim {
			moved++
			if after[key] == victim {
				t.Fatalf("key %q still assigned to removed backend", key)
			}
			continue
		}
		if after[key] != before[key] {
			t.Fatalf("key %q moved from %s to %s although %s was removed",
				key, before[key], after[key], victim)
		}
	}
	if moved == 0 {
		t.Fatal("expected some keys on the removed backend")
	}

	r.Add(victim)
	restored := assignments(t, r, ks)
	for _, key := range ks {
		if restored[key] != before[key] {
			t.Fatalf("key %q not restored after re-adding %s", key, victim)
		}
	}
}

// Adding a new backend must only claim keys for itself; no key moves
// between pre-existing backends.
func TestAddMinimalDisruption(t *testing.T) {
	r := New(64)
	for _, b := range backends(4) {
		r.Add(b)
	}

	ks := keys(2000)
	before := assignments(t, r, ks)

	newcomer := "10.0.1.1:9000"
	r.Add(newcomer)
	after := assignments(t, r, ks)

	for _, key := range ks {
		if after[key] != before[key] && after[key] != newcomer {
			t.Fatalf("key %q moved from %s to %s instead of the new backend",
				key, before[key], after[key])
		}
	}
}

// A Down backend is skipped via the predicate but keeps its vnodes, so
// assignments for keys on other backends never shift.
func TestSelectSkipsUnhealthy(t *testing.T) {
	r := New(64)
	bs := backends(3)
	for _, b := range bs {
		r.Add(b)
	}

	ks := keys(1000)
	before := assignments(t, r, ks)

	down := bs[0]
	alive := func(id string) bool { return id != down }

	for _, key := range ks {
		got, err := r.Select(key, alive)
		if err != nil {
			t.Fatal(err)
		}
		if got == down {
			t.Fatalf("key %q selected down backend", key)
		}
		if before[key] != down && got != before[key] {
			t.Fatalf("key %q moved from %s to %s while %s is down",
				key, before[key], got, down)
		}
	}
}

// Backend pool {A, B}: a key maps to one of them; marking it down moves the
// key to the other; marking it healthy again restores the original target,
// with ring membership unchanged throughout.
func TestFailoverAndRecovery(t *testing.T) {
	r := New(64)
	r.Add("a:1")
	r.Add("b:1")

	const key = "203.0.113.7"
	primary, err := r.Select(key, nil)
	if err != nil {
		t.Fatal(err)
	}
	other := "a:1"
	if primary == "a:1" {
		other = "b:1"
	}

	got, err := r.Select(key, func(id string) bool { return id != primary })
	if err != nil {
		t.Fatal(err)
	}
	if got != other {
		t.Fatalf("expected failover to %s, got %s", other, got)
	}

	got, err = r.Select(key, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != primary {
		t.Fatalf("expected %s after recovery, got %s", primary, got)
	}
}

func TestSelectAllUnhealthy(t *testing.T) {
	r := New(32)
	for _, b := range backends(3) {
		r.Add(b)
	}

	_, err := r.Select("1.2.3.4", func(string) bool { return false })
	if err != ErrNoHealthyBackend {
		t.Fatalf("expected ErrNoHealthyBackend, got %v", err)
	}
}

// With enough virtual nodes no backend should be starved or grossly
// overloaded.
func TestDistribution(t *testing.T) {
	const k = 4
	r := New(128)
	for _, b := range backends(k) {
		r.Add(b)
	}

	counts := make(map[string]int)
	for _, key := range keys(4000) {
		id, err := r.Select(key, nil)
		if err != nil {
			t.Fatal(err)
		}
		counts[id]++
	}

	if len(counts) != k {
		t.Fatalf("expected all %d backends used, got %d", k, len(counts))
	}
	for id, n := range counts {
		// Loose bound: each backend should hold between 5% and 60% of keys.
		if n < 200 || n > 2400 {
			t.Fatalf("backend %s holds %d of 4000 keys", id, n)
		}
	}
}
