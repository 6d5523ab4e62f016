package iface

import "net/netip"

// ForwardRule maps an incoming destination port on this domain to a
// specific remote host+port on another domain (port forwarding).
type ForwardRule struct {
	Proto        Proto
	Port         uint16
	RemoteDomain string
	RemoteIP     netip.Addr
	RemotePort   uint16
}

// TransportRule maps a destination port to a remote domain at the
// protocol level, with no address/port rewrite beyond NAT's own.
type TransportRule struct {
	Proto        Proto
	Port         uint16
	RemoteDomain string
}

// IPRule is a longest-prefix route from a destination subnet to a remote
// domain.
type IPRule struct {
	Prefix       netip.Prefix
	RemoteDomain string
}

// RuleSet is one immutable snapshot of a Domain's rule trees. Domain.Reconfigure
// swaps in a new RuleSet atomically (spec §4.8, Design Note: "reconfiguration
// swap replaces the whole tree atomically from the control thread").
type RuleSet struct {
	forward   map[Proto]map[uint16]ForwardRule
	transport map[Proto]map[uint16]TransportRule
	ip        []IPRule // kept sorted by Prefix.Bits() descending
}

// NewRuleSet builds a RuleSet from unordered rule lists, sorting the IP
// rules so MatchIP performs a simple linear longest-prefix scan.
func NewRuleSet(forward []ForwardRule, transport []TransportRule, ip []IPRule) *RuleSet {
	rs := &RuleSet{
		forward:   make(map[Proto]map[uint16]ForwardRule),
		transport: make(map[Proto]map[uint16]TransportRule),
	}
	for _, r := range forward {
		m, ok := rs.forward[r.Proto]
		if !ok {
			m = make(map[uint16]ForwardRule)
			rs.forward[r.Proto] = m
		}
		m[r.Port] = r
	}
	for _, r := range transport {
		m, ok := rs.transport[r.Proto]
		if !ok {
			m = make(map[uint16]TransportRule)
			rs.transport[r.Proto] = m
		}
		m[r.Port] = r
	}
	rs.ip = append(rs.ip, ip...)
	for i := 1; i < len(rs.ip); i++ {
		for j := i; j > 0 && rs.ip[j].Prefix.Bits() > rs.ip[j-1].Prefix.Bits(); j-- {
			rs.ip[j], rs.ip[j-1] = rs.ip[j-1], rs.ip[j]
		}
	}
	return rs
}

// MatchForward looks up a forward (port-redirection) rule.
func (rs *RuleSet) MatchForward(proto Proto, port uint16) (ForwardRule, bool) {
	if rs == nil {
		return ForwardRule{}, false
	}
	r, ok := rs.forward[proto][port]
	return r, ok
}

// MatchTransport looks up a protocol-level transport rule.
func (rs *RuleSet) MatchTransport(proto Proto, port uint16) (TransportRule, bool) {
	if rs == nil {
		return TransportRule{}, false
	}
	r, ok := rs.transport[proto][port]
	return r, ok
}

// MatchIP performs the longest-prefix IP rule lookup.
func (rs *RuleSet) MatchIP(addr netip.Addr) (IPRule, bool) {
	if rs == nil {
		return IPRule{}, false
	}
	for _, r := range rs.ip {
		if r.Prefix.Contains(addr) {
			return r, true
		}
	}
	return IPRule{}, false
}
