package iface

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// WaiterID names one parked ARP waiter.
type WaiterID = uuid.UUID

// Waiter is a parked RX descriptor keyed by the IP it is waiting to
// resolve, per spec §3 "ARP waiter". The descriptor is held, not copied:
// the zero-copy buffer stays valid until the waiter resumes or expires.
type Waiter struct {
	ID         WaiterID
	Iface      *Interface
	TargetIP   [4]byte
	Descriptor Descriptor
	Created    time.Time

	// AckPort is the ingress PacketPort owning Descriptor, which may
	// belong to a different interface than Iface (the egress interface
	// doing ARP resolution) when this waiter parks a forwarded packet.
	AckPort PacketPort
	// Frame is the fully L3/L4-rewritten packet to transmit once
	// resolved; bytes [0:12] are reserved for the dst/src MAC filled in
	// on resume.
	Frame []byte
}

// WaiterTable holds every pending ARP waiter for one interface.
type WaiterTable struct {
	mu    sync.Mutex
	byIP  map[[4]byte][]*Waiter
	byID  map[WaiterID]*Waiter
	timeout time.Duration
}

// NewWaiterTable builds a table whose entries expire after timeout if no
// ARP reply arrives (spec boundary scenario 6).
func NewWaiterTable(timeout time.Duration) *WaiterTable {
	return &WaiterTable{
		byIP:    make(map[[4]byte][]*Waiter),
		byID:    make(map[WaiterID]*Waiter),
		timeout: timeout,
	}
}

// Add parks a new waiter for ip.
func (wt *WaiterTable) Add(w *Waiter) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	wt.byIP[w.TargetIP] = append(wt.byIP[w.TargetIP], w)
	wt.byID[w.ID] = w
}

// HasPending reports whether ip already has at least one parked waiter.
// Broadcast suppression in egress goes through arp.Engine.ShouldBroadcast,
// which does not consult this table.
func (wt *WaiterTable) HasPending(ip [4]byte) bool {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return len(wt.byIP[ip]) > 0
}

// TakeByIP removes and returns every waiter parked on ip, for resumption
// when an ARP reply for that IP arrives.
func (wt *WaiterTable) TakeByIP(ip [4]byte) []*Waiter {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	list := wt.byIP[ip]
	delete(wt.byIP, ip)
	for _, w := range list {
		delete(wt.byID, w.ID)
	}
	return list
}

// ExpireOlderThan removes and returns every waiter created before cutoff,
// across all target IPs, for the timeout sweep.
func (wt *WaiterTable) ExpireOlderThan(cutoff time.Time) []*Waiter {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	var expired []*Waiter
	for ip, list := range wt.byIP {
		kept := list[:0]
		for _, w := range list {
			if w.Created.Before(cutoff) {
				expired = append(expired, w)
				delete(wt.byID, w.ID)
			} else {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(wt.byIP, ip)
		} else {
			wt.byIP[ip] = kept
		}
	}
	return expired
}

// Timeout reports the configured expiry duration.
func (wt *WaiterTable) Timeout() time.Duration { return wt.timeout }

// CancelAll removes and returns every waiter in the table, used on
// interface shutdown (spec §4.3 "on interface shutdown, all waiters ...
// are cancelled").
func (wt *WaiterTable) CancelAll() []*Waiter {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	all := make([]*Waiter, 0, len(wt.byID))
	for _, w := range wt.byID {
		all = append(all, w)
	}
	wt.byIP = make(map[[4]byte][]*Waiter)
	wt.byID = make(map[WaiterID]*Waiter)
	return all
}
