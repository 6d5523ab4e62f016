package iface

import (
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
)

// IPConfig is a Domain's current address configuration, or the zero value
// for "unconfigured" (spec §3 Domain: "possibly unconfigured").
type IPConfig struct {
	Addr      netip.Addr
	Prefix    netip.Prefix
	Gateway   netip.Addr
	Broadcast netip.Addr

	// AntiSpoof enables ingress source filtering on this domain (spec
	// §4.4 edge case: "packets whose source address the domain's
	// anti-spoof policy rejects drop-with-warn"). A directly attached LAN
	// domain with a configured Prefix typically wants this on; a WAN
	// domain facing the open internet does not, since legitimate sources
	// there are never confined to one local subnet. Off by default.
	AntiSpoof bool

	// ARPProxy marks this a "proxying" domain (spec §4.3): an interface
	// bound to it answers ARP requests for any address in Prefix, not just
	// its own configured IP, standing in for hosts that are reachable
	// through this router but have no ARP presence on this particular
	// segment. Off by default.
	ARPProxy bool
}

// Configured reports whether the domain has a live IP configuration.
func (c IPConfig) Configured() bool { return c.Addr.IsValid() }

// DHCPServerConfig is the allocation-pool configuration a Domain hands its
// bound interfaces' DHCP server engines (C7), per spec §4.7.
type DHCPServerConfig struct {
	Low, High netip.Addr
	Lease     uint32 // seconds
	DNS       netip.Addr
	Gateway   netip.Addr
}

// Domain is the shared routing-zone identity referenced, never owned, by
// the interfaces bound to it (spec §3: "A Domain is the shared identity
// across interface pairs; interfaces reference it but never own it").
type Domain struct {
	Name   string
	Router *Router

	mu         sync.RWMutex
	ip         IPConfig
	dhcpServer *DHCPServerConfig
	interfaces map[string]*Interface

	rules atomic.Pointer[RuleSet]

	// Links is the flow-record arena. Per Design Note 1, a Link is a
	// shared identity between whichever two interfaces carry its two
	// sides, which may belong to different domains (an "inside" LAN
	// domain and an "outside" WAN domain). All domains of one router
	// must therefore be constructed with the SAME *LinkTable instance
	// (see NewDomain) so a reply arriving on the egress domain's
	// interface finds the Link the ingress domain's interface inserted.
	Links *LinkTable
	Ports *PortAllocator

	log *slog.Logger
}

// NewDomain builds an empty, unconfigured Domain named name, sharing links
// with every other domain of the same router.
func NewDomain(name string, links *LinkTable, log *slog.Logger) *Domain {
	if links == nil {
		links = NewLinkTable()
	}
	d := &Domain{
		Name:       name,
		interfaces: make(map[string]*Interface),
		Links:      links,
		Ports:      NewPortAllocator(),
		log:        log,
	}
	d.rules.Store(NewRuleSet(nil, nil, nil))
	return d
}

// Reconfigure atomically swaps in rules and the domain's IP configuration,
// the "reconfiguration swap... atomically from the control thread" of
// spec §4.8 and §9, and the module's additional Domain.Reconfigure
// supplemented feature.
func (d *Domain) Reconfigure(rules *RuleSet, ip IPConfig, dhcp *DHCPServerConfig) {
	if rules == nil {
		rules = NewRuleSet(nil, nil, nil)
	}
	d.rules.Store(rules)
	d.mu.Lock()
	d.ip = ip
	d.dhcpServer = dhcp
	d.mu.Unlock()
}

// Rules returns the current rule-tree snapshot. Safe to call without
// locking: reads are lock-free by design (spec §4.8 "read-mostly").
func (d *Domain) Rules() *RuleSet { return d.rules.Load() }

// IPConfig returns the domain's current address configuration.
func (d *Domain) IPConfig() IPConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ip
}

// DHCPServerConfig returns the domain's DHCP server pool config, or nil if
// this domain does not run a DHCP server.
func (d *Domain) DHCPServerConfig() *DHCPServerConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dhcpServer
}

// BindInterface attaches ifc to the domain's interface set.
func (d *Domain) BindInterface(ifc *Interface) {
	d.mu.Lock()
	d.interfaces[ifc.Name] = ifc
	d.mu.Unlock()
}

// UnbindInterface removes ifc from the domain. Call only after the
// interface has dissolved every link and released every ARP waiter it
// originated (spec §3 Interface lifecycle).
func (d *Domain) UnbindInterface(ifc *Interface) {
	d.mu.Lock()
	delete(d.interfaces, ifc.Name)
	d.mu.Unlock()
}

// Interfaces returns a snapshot of the interfaces currently bound to d.
func (d *Domain) Interfaces() []*Interface {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Interface, 0, len(d.interfaces))
	for _, ifc := range d.interfaces {
		out = append(out, ifc)
	}
	return out
}

// OwnsIP reports whether ip is the configured address of the domain or of
// any interface currently bound to it (spec §4.4 step 1: "the destination
// IP is an own IP of any interface in the domain").
func (d *Domain) OwnsIP(ip netip.Addr) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.ip.Addr == ip {
		return true
	}
	for _, ifc := range d.interfaces {
		if a := ifc.OwnIP(); a == ip {
			return true
		}
	}
	return false
}

// AllowsSource reports whether src is an acceptable source address for a
// packet arriving through this domain, per its anti-spoof policy. Disabled
// (the zero value) or unconfigured domains allow everything; an enabled
// domain rejects any source outside its own configured Prefix, classic BSD
// ingress filtering for a directly attached LAN.
func (d *Domain) AllowsSource(src netip.Addr) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.ip.AntiSpoof || !d.ip.Prefix.IsValid() {
		return true
	}
	return d.ip.Prefix.Contains(src)
}

// ShouldProxyARP reports whether an interface bound to d should answer an
// ARP request for tgt on behalf of another host, because d is configured to
// proxy ARP for its subnet (spec §4.3: "when in a 'proxying' domain,
// requests the interface itself proxies"). Only addresses inside d's own
// Prefix are proxied, and only when tgt isn't already the domain's or one
// of its interfaces' own IP — handleARP answers those directly instead.
func (d *Domain) ShouldProxyARP(tgt netip.Addr) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.ip.ARPProxy || !d.ip.Prefix.IsValid() || !d.ip.Prefix.Contains(tgt) {
		return false
	}
	if d.ip.Addr == tgt {
		return false
	}
	for _, ifc := range d.interfaces {
		if ifc.OwnIP() == tgt {
			return false
		}
	}
	return true
}

// Broadcast sends frame to every interface bound to the domain other than
// exclude (spec §4.8 "_domain_broadcast").
func (d *Domain) Broadcast(exclude *Interface, frame []byte) {
	d.mu.RLock()
	targets := make([]*Interface, 0, len(d.interfaces))
	for _, ifc := range d.interfaces {
		if ifc != exclude {
			targets = append(targets, ifc)
		}
	}
	d.mu.RUnlock()
	for _, ifc := range targets {
		if err := SendFrame(ifc.Port, frame); err != nil && d.log != nil {
			d.log.Warn("domain broadcast send failed", slog.String("iface", ifc.Name), slog.String("err", err.Error()))
		}
	}
}
