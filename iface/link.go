// Package iface implements the router core: frame dispatch, the ARP/DHCP
// sub-engines, the IPv4 forwarder with NAT rewriting, and the shared flow
// table that ties a pair of interfaces together.
package iface

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ifrouter/natif/tcp"
)

// LinkID is a stable handle for a Link, held in per-interface lists instead
// of an embedded list node. Deletion checks "still present in the table"
// before dereferencing, so a dissolved Link can be safely referenced by an
// in-flight descriptor until the next ack drain.
type LinkID = uuid.UUID

// Proto names the transport protocol a Link tracks.
type Proto uint8

const (
	ProtoTCP Proto = iota + 1
	ProtoUDP
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("Proto(%d)", uint8(p))
	}
}

// Default idle timeouts, per spec §9 Open Question 2 (UDP vs TCP link
// timeout). Decided in DESIGN.md: classic BSD-style defaults, TCP
// established links (a segment from the server side has been seen) get the
// longer timeout and transitory (no Link yet fully open) traffic is covered
// by the shorter one. Link.Touch restarts the timer on each packet.
const (
	IdleTimeoutUDP          = 30 * time.Second
	IdleTimeoutTCP          = 5 * time.Minute
	IdleTimeoutTCPTransient = 2 * time.Minute
)

// FiveTuple is the side-id used to look up a Link: protocol plus the four
// addresses of one direction of traffic.
type FiveTuple struct {
	Proto   Proto
	SrcIP   [4]byte
	SrcPort uint16
	DstIP   [4]byte
	DstPort uint16
}

// Side is one face of a Link: the interface it egresses/ingresses on and
// the L2/L3/L4 addresses observed or rewritten on that face.
type Side struct {
	Iface   *Interface
	SrcMAC  [6]byte
	DstMAC  [6]byte
	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort uint16
	DstPort uint16
}

func (s Side) tuple(proto Proto) FiveTuple {
	return FiveTuple{Proto: proto, SrcIP: s.SrcIP, SrcPort: s.SrcPort, DstIP: s.DstIP, DstPort: s.DstPort}
}

// LinkState is a Link's TCP-observed lifecycle stage. UDP links stay OPEN
// until they idle out.
type LinkState uint8

const (
	LinkOpen LinkState = iota
	LinkClosing
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkOpen:
		return "OPEN"
	case LinkClosing:
		return "CLOSING"
	case LinkClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("LinkState(%d)", uint8(s))
	}
}

// Link is one NAT-mapped flow: a client-facing side (pre-NAT) and a
// server-facing side (post-NAT), sharing one 5-tuple-keyed identity on
// each interface it touches.
type Link struct {
	ID     LinkID
	Proto  Proto
	Client Side
	Server Side
	State  LinkState

	// PortDomain is the domain whose PortAllocator handed out Server.SrcPort
	// (natForward allocates from the remote/egress domain, not ifc's own).
	// Nil for a Link that never went through NAT port allocation.
	PortDomain *Domain

	lastActivity time.Time
	idleTimeout  time.Duration

	finClient bool
	finServer bool
}

// NewLink builds an open Link between client and server sides, with the
// idle timeout appropriate to proto.
func NewLink(proto Proto, client, server Side, now time.Time) *Link {
	timeout := IdleTimeoutUDP
	if proto == ProtoTCP {
		timeout = IdleTimeoutTCPTransient
	}
	return &Link{
		ID:           uuid.New(),
		Proto:        proto,
		Client:       client,
		Server:       server,
		State:        LinkOpen,
		lastActivity: now,
		idleTimeout:  timeout,
	}
}

// Touch resets the idle timer on a forwarded packet.
func (l *Link) Touch(now time.Time) { l.lastActivity = now }

// Expired reports whether the keep-alive timer has fired.
func (l *Link) Expired(now time.Time) bool {
	return now.Sub(l.lastActivity) > l.idleTimeout
}

// ObserveTCPFlags updates FIN/RST bookkeeping for a segment seen travelling
// fromClient, and reports whether the Link should now be dissolved: either
// side's RST, or both sides' FIN, per spec §4.4's teardown rule. The first
// segment from the server side moves the Link to IdleTimeoutTCP.
func (l *Link) ObserveTCPFlags(fromClient bool, flags tcp.Flags) bool {
	if !fromClient && l.idleTimeout == IdleTimeoutTCPTransient {
		l.idleTimeout = IdleTimeoutTCP
	}
	if flags.HasAny(tcp.FlagRST) {
		l.State = LinkClosed
		return true
	}
	if flags.HasAny(tcp.FlagFIN) {
		if fromClient {
			l.finClient = true
		} else {
			l.finServer = true
		}
		l.State = LinkClosing
	}
	if l.finClient && l.finServer {
		l.State = LinkClosed
		return true
	}
	return false
}

// sideIDs returns the 5-tuple keys that index this Link on both faces: the
// client side as the client sends it, and the server side as replies from
// the remote host arrive (Server's source and destination swapped).
func (l *Link) sideIDs() (client, server FiveTuple) {
	server = FiveTuple{Proto: l.Proto, SrcIP: l.Server.DstIP, SrcPort: l.Server.DstPort, DstIP: l.Server.SrcIP, DstPort: l.Server.SrcPort}
	return l.Client.tuple(l.Proto), server
}
