// Package ports owns the host port pools engines are mapped on. One pool
// per VPN sidecar (disjoint ranges), or a single global pool when no VPN is
// configured. Exactly one port is reserved per engine, so the reserved count
// doubles as the active-replica count for capacity checks.
package ports

import (
	"fmt"
	"sync"

	"github.com/oriys/quasar/internal/domain"
)

// Allocator hands out host ports from per-VPN ranges. All mutations happen
// under a single mutex; Reserve is O(range) worst case but O(1) amortized
// thanks to a next-free cursor per pool.
type Allocator struct {
	mu       sync.Mutex
	pools    map[string]*pool
	capacity int // total reserved ports allowed; 0 = unbounded
	reserved int
}

type pool struct {
	lo, hi int
	bits   []uint64
	cursor int // scan start hint, offset from lo
	used   int
}

// New creates an allocator capped at capacity total reservations
// (MAX_ACTIVE_REPLICAS). capacity 0 disables the cap.
func New(capacity int) *Allocator {
	return &Allocator{
		pools:    make(map[string]*pool),
		capacity: capacity,
	}
}

// AddPool registers the port range for a VPN. The empty name is the global
// pool used when no VPN mode is configured. Ranges must not overlap; the
// config layer validates that before pools are built.
func (a *Allocator) AddPool(vpn string, lo, hi int) error {
	if lo <= 0 || hi < lo || hi > 65535 {
		return fmt.Errorf("pool %q: invalid range %d-%d", vpn, lo, hi)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pools[vpn]; ok {
		return fmt.Errorf("pool %q already registered", vpn)
	}
	size := hi - lo + 1
	a.pools[vpn] = &pool{
		lo:   lo,
		hi:   hi,
		bits: make([]uint64, (size+63)/64),
	}
	return nil
}

// Reserve takes the lowest free port in the VPN's range.
func (a *Allocator) Reserve(vpn string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pools[vpn]
	if !ok {
		return 0, fmt.Errorf("no port pool for vpn %q", vpn)
	}
	if a.capacity > 0 && a.reserved >= a.capacity {
		return 0, fmt.Errorf("reserved %d of %d: %w", a.reserved, a.capacity, domain.ErrAtCapacity)
	}

	size := p.hi - p.lo + 1
	for i := 0; i < size; i++ {
		idx := (p.cursor + i) % size
		if !p.get(idx) {
			p.set(idx)
			p.used++
			p.cursor = idx + 1
			a.reserved++
			return p.lo + idx, nil
		}
	}
	return 0, fmt.Errorf("pool %q (%d-%d): %w", vpn, p.lo, p.hi, domain.ErrPortExhausted)
}

// Pin reserves the exact port a request asked for, failing when it is
// already held. Unlike ReserveSpecific this is not idempotent: a pinned
// port must be exclusively ours.
func (a *Allocator) Pin(vpn string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pools[vpn]
	if !ok {
		return fmt.Errorf("no port pool for vpn %q", vpn)
	}
	if port < p.lo || port > p.hi {
		return fmt.Errorf("%w: port %d outside pool %q (%d-%d)", domain.ErrValidation, port, vpn, p.lo, p.hi)
	}
	idx := port - p.lo
	if p.get(idx) {
		return fmt.Errorf("%w: port %d already reserved", domain.ErrValidation, port)
	}
	if a.capacity > 0 && a.reserved >= a.capacity {
		return fmt.Errorf("reserved %d of %d: %w", a.reserved, a.capacity, domain.ErrAtCapacity)
	}
	p.set(idx)
	p.used++
	a.reserved++
	return nil
}

// ReserveSpecific marks a known port as taken. Idempotent: reserving a port
// that is already held is a no-op, which is what reindexing live containers
// at startup needs.
func (a *Allocator) ReserveSpecific(vpn string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pools[vpn]
	if !ok {
		return fmt.Errorf("no port pool for vpn %q", vpn)
	}
	if port < p.lo || port > p.hi {
		return fmt.Errorf("port %d outside pool %q (%d-%d)", port, vpn, p.lo, p.hi)
	}
	idx := port - p.lo
	if p.get(idx) {
		return nil
	}
	if a.capacity > 0 && a.reserved >= a.capacity {
		return fmt.Errorf("reserved %d of %d: %w", a.reserved, a.capacity, domain.ErrAtCapacity)
	}
	p.set(idx)
	p.used++
	a.reserved++
	return nil
}

// Release frees a reserved port. Releasing a free or foreign port is a
// no-op so lifecycle teardown paths can call it unconditionally.
func (a *Allocator) Release(vpn string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pools[vpn]
	if !ok || port < p.lo || port > p.hi {
		return
	}
	idx := port - p.lo
	if !p.get(idx) {
		return
	}
	p.clear(idx)
	p.used--
	a.reserved--
	if idx < p.cursor {
		p.cursor = idx
	}
}

// Free returns the number of unreserved ports in the VPN's range.
func (a *Allocator) Free(vpn string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[vpn]
	if !ok {
		return 0
	}
	return (p.hi - p.lo + 1) - p.used
}

// Reserved returns the total reservation count across pools.
func (a *Allocator) Reserved() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved
}

func (p *pool) get(idx int) bool {
	return p.bits[idx/64]&(1<<uint(idx%64)) != 0
}

func (p *pool) set(idx int) {
	p.bits[idx/64] |= 1 << uint(idx%64)
}

func (p *pool) clear(idx int) {
	p.bits[idx/64] &^= 1 << uint(idx%64)
}
