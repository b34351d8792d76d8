// Package nameserver implements the Name Server: the forwarding-pointer
// registry and the framed-TCP request handler in front of it.
package nameserver

import (
	"math/rand"
	"sync"
)

// Registry is the NS's forwarding-pointer store: up to two active addresses
// per URI, plus the set of every address ever registered and still
// reachable. Guarded by a single RWMutex: readers (resolution, replica,
// random-inactive queries) take the read side, writers (registration,
// pointer swap, eviction) take the write side.
type Registry struct {
	mu      sync.RWMutex
	actives map[string][]string // uri -> ordered addrs, len <= 2
	known   map[string]struct{} // every reachable addr, any uri
	owners  map[string]string   // addr -> uri, for fast eviction lookup
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actives: make(map[string][]string),
		known:   make(map[string]struct{}),
		owners:  make(map[string]string),
	}
}

// SeedKnown adds addrs to known without making any of them active for any
// uri, used by cmd/nameserver's optional --seed file to pre-populate
// migration candidates (get_random_server) at boot. A seeded address has no
// owner until some uri's update_server call claims it; until then
// OnDisconnect on it drops it from known and scans every uri's actives.
func (r *Registry) SeedKnown(addrs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range addrs {
		r.known[a] = struct{}{}
	}
}

// UpdateServer registers addr as a (possibly new) host for uri. It is always
// added to known; it becomes active for uri only if fewer than two addresses
// are already active there. Re-registering an address already active for
// uri is not deduplicated: the known set is idempotent but actives[uri] is
// unconditionally appended.
func (r *Registry) UpdateServer(uri, addr string) (active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.known[addr] = struct{}{}
	r.owners[addr] = uri

	if len(r.actives[uri]) >= 2 {
		return false
	}
	r.actives[uri] = append(r.actives[uri], addr)
	return true
}

// AddrRequest returns the active address for uri closest to callerIP, or
// ("", false) if uri has no active addresses.
func (r *Registry) AddrRequest(uri, callerIP string) (addr string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := r.actives[uri]
	if len(candidates) == 0 {
		return "", false
	}
	return FindClosestIP(callerIP, candidates)
}

// GetRandomServer returns any known address for uri that is not currently
// active for it, i.e. a migration candidate.
func (r *Registry) GetRandomServer(uri string) (addr string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make(map[string]struct{}, len(r.actives[uri]))
	for _, a := range r.actives[uri] {
		active[a] = struct{}{}
	}

	candidates := make([]string, 0, len(r.known))
	for a := range r.known {
		if _, isActive := active[a]; !isActive {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// SetCurrentServer replaces oldAddr with newAddr at its slot in actives[uri].
// If oldAddr is not present, this is a no-op; the caller logs it.
func (r *Registry) SetCurrentServer(uri, newAddr, oldAddr string) (found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs := r.actives[uri]
	for i, a := range addrs {
		if a == oldAddr {
			addrs[i] = newAddr
			found = true
			break
		}
	}
	if !found {
		return false
	}

	delete(r.known, oldAddr)
	delete(r.owners, oldAddr)
	r.known[newAddr] = struct{}{}
	r.owners[newAddr] = uri
	return true
}

// GetReplicaAddr returns an active address for uri other than myAddr, if one
// exists.
func (r *Registry) GetReplicaAddr(uri, myAddr string) (addr string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.actives[uri] {
		if a != myAddr {
			return a, true
		}
	}
	return "", false
}

// OnDisconnect evicts addr from both known and every actives[uri] entry,
// called when the NS's liveness link to addr drops.
func (r *Registry) OnDisconnect(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uri, ok := r.owners[addr]
	delete(r.known, addr)
	delete(r.owners, addr)
	if !ok {
		// No owners entry; scan every uri so a stale active is still evicted.
		for u, addrs := range r.actives {
			r.actives[u] = removeAddr(addrs, addr)
		}
		return
	}
	r.actives[uri] = removeAddr(r.actives[uri], addr)
}

func removeAddr(addrs []string, target string) []string {
	out := addrs[:0]
	for _, a := range addrs {
		if a != target {
			out = append(out, a)
		}
	}
	return out
}

// Actives returns a copy of the active list for uri, for tests and tooling.
func (r *Registry) Actives(uri string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.actives[uri]))
	copy(out, r.actives[uri])
	return out
}

// Known returns a copy of every known address, for tests and tooling.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.known))
	for a := range r.known {
		out = append(out, a)
	}
	return out
}
