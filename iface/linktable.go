package iface

import "sync"

// LinkTable is the arena backing every Link shared between a pair of
// interfaces in one Domain. Per spec Design Note 1, the arena is the
// source of truth; interfaces only keep ID lists (see Interface.tcpLinks
// etc.) that reference entries here.
type LinkTable struct {
	mu      sync.Mutex
	links   map[LinkID]*Link
	byTuple map[FiveTuple]LinkID
}

// NewLinkTable returns an empty table.
func NewLinkTable() *LinkTable {
	return &LinkTable{
		links:   make(map[LinkID]*Link),
		byTuple: make(map[FiveTuple]LinkID),
	}
}

// Insert adds l to the arena and indexes both of its sides, so a reply
// packet finds the Link by either the client-side or server-side 5-tuple.
func (lt *LinkTable) Insert(l *Link) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.links[l.ID] = l
	client, server := l.sideIDs()
	lt.byTuple[client] = l.ID
	lt.byTuple[server] = l.ID
}

// Find looks up a Link by 5-tuple, matching either side (spec §4.4: "If an
// existing Link matches the 5-tuple on either side, reuse it").
func (lt *LinkTable) Find(t FiveTuple) (*Link, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	id, ok := lt.byTuple[t]
	if !ok {
		return nil, false
	}
	l, ok := lt.links[id]
	return l, ok
}

// Get looks up a Link by ID, returning false if it has already been
// deleted from the arena (e.g. drained from a dissolved list earlier).
func (lt *LinkTable) Get(id LinkID) (*Link, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	l, ok := lt.links[id]
	return l, ok
}

// Dissolve removes the tuple indexes for id so no new packet can find it,
// without yet deleting its arena entry — the two-phase delete discipline
// from spec §4.5/§5: actual removal happens in Delete, called from the
// ack-drain once no in-flight descriptor can reference it.
func (lt *LinkTable) Dissolve(id LinkID) (*Link, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	l, ok := lt.links[id]
	if !ok {
		return nil, false
	}
	client, server := l.sideIDs()
	if lt.byTuple[client] == id {
		delete(lt.byTuple, client)
	}
	if lt.byTuple[server] == id {
		delete(lt.byTuple, server)
	}
	return l, true
}

// Delete removes id from the arena outright. Must only be called once the
// owning interfaces have moved id out of their dissolved lists.
func (lt *LinkTable) Delete(id LinkID) {
	lt.mu.Lock()
	delete(lt.links, id)
	lt.mu.Unlock()
}

// Len reports how many Links (active or dissolved-but-undeleted) the arena
// currently holds. Used by tests to assert on leak-free teardown.
func (lt *LinkTable) Len() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.links)
}

// CountByProto reports how many Links the arena holds per protocol, for
// the metrics package's periodic gauge refresh.
func (lt *LinkTable) CountByProto() map[Proto]int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make(map[Proto]int, 2)
	for _, l := range lt.links {
		out[l.Proto]++
	}
	return out
}
