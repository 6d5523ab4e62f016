package iface

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/ifrouter/natif/arp"
	"github.com/ifrouter/natif/dhcpv4"
)

// Interface is one NIC-facing router leg: it owns the packet port, the ARP
// engine, an optional DHCP client/server, and the link/waiter collections
// that belong to it per spec §3.
type Interface struct {
	Name      string
	MAC       [6]byte
	RouterMAC [6]byte
	Domain    *Domain
	Port      PacketPort
	ARP       *arp.Engine

	// DHCPClient is non-nil when this interface obtains its own address
	// via DHCP (C6). DHCPServer is non-nil when this interface leases
	// addresses to its domain's clients (C7). An interface may run
	// neither, either, or (unusually) both.
	DHCPClient *dhcpv4.Client
	DHCPServer *dhcpv4.Server

	Log *slog.Logger

	// Metrics, if set, observes every dispatch outcome for this interface
	// (SPEC_FULL "observability surface"). Left nil, dispatch is metrics-free.
	Metrics Recorder

	mu    sync.Mutex
	ownIP netip.Addr

	// dhcpNextSend gates pumpDHCPClient's retransmissions so an unresolved
	// DISCOVER/REQUEST isn't resent on every poll tick.
	dhcpNextSend time.Time

	// dhcpBoundAt, dhcpRenewSent and dhcpRebindSent track the T1/T2 lease
	// renewal schedule (spec §4.6) once DHCPClient reaches StateBound.
	dhcpBoundAt        time.Time
	dhcpRenewSent      bool
	dhcpRebindSent     bool
	dhcpRebindAttempts int

	tcpLinks      []LinkID
	udpLinks      []LinkID
	dissolvedTCP  []LinkID
	dissolvedUDP  []LinkID

	waiters *WaiterTable
}

// Config collects the construction-time parameters for an Interface.
type Config struct {
	Name          string
	MAC           [6]byte
	RouterMAC     [6]byte
	Domain        *Domain
	Port          PacketPort
	ARP           *arp.Engine
	DHCPClient    *dhcpv4.Client
	DHCPServer    *dhcpv4.Server
	Log           *slog.Logger
	Metrics       Recorder
	WaiterTimeout time.Duration
}

// Recorder observes dispatch outcomes for external metrics collection. It
// is deliberately minimal: the metrics package is the only implementation,
// but iface itself stays free of any third-party metrics dependency.
type Recorder interface {
	ObservePacket(ifaceName string, kind string)
}

// New builds an Interface from cfg and binds it to cfg.Domain.
func New(cfg Config) *Interface {
	timeout := cfg.WaiterTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ifc := &Interface{
		Name:       cfg.Name,
		MAC:        cfg.MAC,
		RouterMAC:  cfg.RouterMAC,
		Domain:     cfg.Domain,
		Port:       cfg.Port,
		ARP:        cfg.ARP,
		DHCPClient: cfg.DHCPClient,
		DHCPServer: cfg.DHCPServer,
		Log:        cfg.Log,
		Metrics:    cfg.Metrics,
		waiters:    NewWaiterTable(timeout),
	}
	if cfg.Domain != nil {
		cfg.Domain.BindInterface(ifc)
	}
	return ifc
}

// OwnIP returns the interface's current configured or DHCP-leased address,
// or the zero netip.Addr if unconfigured.
func (ifc *Interface) OwnIP() netip.Addr {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.ownIP
}

// SetOwnIP installs a new address atomically: every link this interface
// originated under the previous address is dissolved before the new
// config becomes visible to lookups (spec §4.6: "the IP config exposed to
// the domain must change atomically... all existing links originating
// from the old IP are dissolved").
func (ifc *Interface) SetOwnIP(addr netip.Addr) {
	ifc.mu.Lock()
	old := ifc.ownIP
	active := append(append([]LinkID{}, ifc.tcpLinks...), ifc.udpLinks...)
	ifc.mu.Unlock()

	if old.IsValid() && old != addr {
		for _, id := range active {
			if l, ok := ifc.linkTable().Get(id); ok {
				ifc.DissolveLink(l)
			}
		}
		if old.Is4() && ifc.ARP != nil {
			ifc.ARP.Forget(old.As4())
		}
	}

	ifc.mu.Lock()
	ifc.ownIP = addr
	ifc.mu.Unlock()
}

func (ifc *Interface) linkTable() *LinkTable {
	if ifc.Domain == nil {
		return nil
	}
	return ifc.Domain.Links
}

// addLink records id as active on the side of l that belongs to ifc.
func (ifc *Interface) addLink(l *Link) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	switch l.Proto {
	case ProtoTCP:
		ifc.tcpLinks = append(ifc.tcpLinks, l.ID)
	case ProtoUDP:
		ifc.udpLinks = append(ifc.udpLinks, l.ID)
	}
}

// DissolveLink moves l out of both its interfaces' active lists into their
// dissolved lists, and removes its tuple indexes from the Domain's table.
// Deletion from the arena itself is deferred to DrainAcks (spec §4.5).
func (ifc *Interface) DissolveLink(l *Link) {
	lt := ifc.linkTable()
	if lt == nil {
		return
	}
	if _, ok := lt.Dissolve(l.ID); !ok {
		return // already dissolved by a concurrent path.
	}
	if l.PortDomain != nil {
		l.PortDomain.Ports.Release(l.Server.SrcPort)
	}
	if l.Client.Iface != nil {
		l.Client.Iface.moveToDissolved(l.Proto, l.ID)
	}
	if l.Server.Iface != nil && l.Server.Iface != l.Client.Iface {
		l.Server.Iface.moveToDissolved(l.Proto, l.ID)
	}
}

func (ifc *Interface) moveToDissolved(proto Proto, id LinkID) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	switch proto {
	case ProtoTCP:
		ifc.tcpLinks = removeID(ifc.tcpLinks, id)
		ifc.dissolvedTCP = append(ifc.dissolvedTCP, id)
	case ProtoUDP:
		ifc.udpLinks = removeID(ifc.udpLinks, id)
		ifc.dissolvedUDP = append(ifc.dissolvedUDP, id)
	}
}

func removeID(list []LinkID, id LinkID) []LinkID {
	for i, v := range list {
		if v == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// DrainAcks performs the deferred-destruction work the spec ties to the
// ready_to_ack signal: reclaiming acked TX descriptors, deleting dissolved
// links from the arena, and draining released DHCP allocations.
func (ifc *Interface) DrainAcks() {
	for _, d := range ifc.Port.Reclaimed() {
		_ = d // descriptor itself carries no further interface-level bookkeeping
	}

	ifc.mu.Lock()
	dissolvedTCP := ifc.dissolvedTCP
	dissolvedUDP := ifc.dissolvedUDP
	ifc.dissolvedTCP = nil
	ifc.dissolvedUDP = nil
	ifc.mu.Unlock()

	lt := ifc.linkTable()
	if lt != nil {
		for _, id := range dissolvedTCP {
			lt.Delete(id)
		}
		for _, id := range dissolvedUDP {
			lt.Delete(id)
		}
	}
	if ifc.DHCPServer != nil {
		ifc.DHCPServer.DrainReleased()
	}
}

// ExpireWaiters acks and drops every ARP waiter older than the waiter
// timeout (spec boundary scenario 6: "after the ARP waiter timeout, expect
// the original RX descriptor to be acked and no TX produced").
func (ifc *Interface) ExpireWaiters(now time.Time) {
	cutoff := now.Add(-ifc.waiters.Timeout())
	for _, w := range ifc.waiters.ExpireOlderThan(cutoff) {
		_ = w.AckPort.Ack(w.Descriptor)
		if ifc.Log != nil {
			ifc.Log.Warn("arp waiter timed out", slog.String("iface", ifc.Name))
		}
	}
}

// ExpireLinks dissolves every Link this interface originates or terminates
// that has gone idle past its timeout (spec §9 Open Question 2, UDP vs TCP
// timeout). A Link spanning two different interfaces is swept from
// whichever side polls first; DissolveLink is idempotent against the
// other side sweeping the same Link afterward.
func (ifc *Interface) ExpireLinks(now time.Time) {
	lt := ifc.linkTable()
	if lt == nil {
		return
	}
	ifc.mu.Lock()
	ids := append(append([]LinkID{}, ifc.tcpLinks...), ifc.udpLinks...)
	ifc.mu.Unlock()
	for _, id := range ids {
		if l, ok := lt.Get(id); ok && l.Expired(now) {
			ifc.DissolveLink(l)
		}
	}
}

// Close tears down the interface: every originated link dissolves, every
// ARP waiter is cancelled (packet dropped+acked), and the interface
// unbinds from its domain (spec §3 Interface lifecycle, §5 Cancellation).
func (ifc *Interface) Close() {
	ifc.mu.Lock()
	active := append(append([]LinkID{}, ifc.tcpLinks...), ifc.udpLinks...)
	ifc.mu.Unlock()

	lt := ifc.linkTable()
	if lt != nil {
		for _, id := range active {
			if l, ok := lt.Get(id); ok {
				ifc.DissolveLink(l)
			}
		}
	}
	ifc.DrainAcks()

	for _, w := range ifc.waiters.CancelAll() {
		_ = w.AckPort.Ack(w.Descriptor)
	}
	if ifc.ARP != nil {
		ifc.ARP.AbortAll()
	}
	if ifc.Domain != nil {
		ifc.Domain.UnbindInterface(ifc)
	}
}
