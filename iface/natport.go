package iface

import "sync"

// natPortBase is the first ephemeral port the NAT allocator hands out,
// matching the well-known dynamic/private port range (RFC 6335).
const natPortBase = 49152

// PortAllocator hands out source ports for the outbound leg of a new NAT
// Link (spec §4.4 "_nat_link_and_pass"). Exhaustion is reported, never
// panics: callers convert it into a Drop_packet_warn.
type PortAllocator struct {
	mu     sync.Mutex
	next   uint16
	inUse  map[uint16]bool
}

// NewPortAllocator returns an allocator starting at natPortBase.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{next: natPortBase, inUse: make(map[uint16]bool)}
}

// Allocate reserves the first free port at or after the allocator's
// cursor, wrapping around through the full ephemeral range once. Returns
// false once every port up to 65535 (and the wrapped range back to the
// cursor) is in use.
func (pa *PortAllocator) Allocate() (uint16, bool) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	start := pa.next
	for {
		p := pa.next
		if pa.next == 65535 {
			pa.next = natPortBase
		} else {
			pa.next++
		}
		if !pa.inUse[p] {
			pa.inUse[p] = true
			return p, true
		}
		if pa.next == start {
			return 0, false
		}
	}
}

// Release frees port for reuse.
func (pa *PortAllocator) Release(port uint16) {
	pa.mu.Lock()
	delete(pa.inUse, port)
	pa.mu.Unlock()
}
