package ring

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

// DefaultVirtualNodes is the virtual node count used when none is configured.
const DefaultVirtualNodes = 32

// ErrNoHealthyBackend is returned by Select when every backend on the ring
// fails the predicate, or the ring is empty.
var ErrNoHealthyBackend = errors.New("ring: no healthy backend")

type vnode struct {
	pos uint32
	id  string
}

// Ring is a consistent-hash ring over the 32-bit hash space. Each member
// backend owns several virtual nodes so load stays roughly balanced. All
// methods are safe for concurrent use; Select never observes a
// partially-updated ring.
type Ring struct {
	mu      sync.RWMutex
	vnodes  int
	nodes   []vnode // sorted by (pos, id)
	members map[string]struct{}
}

// New creates an empty ring with the given number of virtual nodes per
// backend. Values below 1 fall back to DefaultVirtualNodes.
func New(virtualNodes int) *Ring {
	if virtualNodes < 1 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		vnodes:  virtualNodes,
		members: make(map[string]struct{}),
	}
}

func position(s string) uint32 {
	return crc32.ChecksumIEEE([]byte(s))
}

// Add inserts a backend and its virtual nodes. Adding an existing member is
// a no-op, so ring topology never shifts on repeated registration.
func (r *Ring) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; ok {
		return
	}
	r.members[id] = struct{}{}

	for i := 0; i < r.vnodes; i++ {
		r.nodes = append(r.nodes, vnode{
			pos: position(fmt.Sprintf("%s#%d", id, i)),
			id:  id,
		})
	}
	sort.Slice(r.nodes, func(a, b int) bool {
		if r.nodes[a].pos != r.nodes[b].pos {
			return r.nodes[a].pos < r.nodes[b].pos
		}
		return r.nodes[a].id < r.nodes[b].id
	})
}

// Remove deletes a backend and all its virtual nodes. Removing an unknown
// member is a no-op.
func (r *Ring) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; !ok {
		return
	}
	delete(r.members, id)

	kept := r.nodes[:0]
	for _, n := range r.nodes {
		if n.id != id {
			kept = append(kept, n)
		}
	}
	r.nodes = kept
}

// Members returns the current backend IDs in unspecified order.
func (r *Ring) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

// Len returns the number of member backends.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Select hashes key onto the ring and walks clockwise from the first virtual
// node at or after that position, skipping backends that fail the predicate.
// A nil predicate accepts every backend. Down backends keep their virtual
// nodes, so skipping them never shifts routing for other keys. Returns
// ErrNoHealthyBackend once every member has been rejected.
func (r *Ring) Select(key string, predicate func(id string) bool) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.nodes) == 0 {
		return "", ErrNoHealthyBackend
	}

	h := position(key)
	start := sort.Search(len(r.nodes), func(i int) bool {
		return r.nodes[i].pos >= h
	})

	rejected := make(map[string]struct{})
	for i := 0; i < len(r.nodes); i++ {
		n := r.nodes[(start+i)%len(r.nodes)]
		if _, ok := rejected[n.id]; ok {
			continue
		}
		if predicate == nil || predicate(n.id) {
			return n.id, nil
		}
		rejected[n.id] = struct{}{}
		if len(rejected) == len(r.members) {
			break
		}
	}
	return "", ErrNoHealthyBackend
}
