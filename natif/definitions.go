// Package natif holds the wire-format constants and cross-cutting types shared
// by every protocol package in this module (ethernet, arp, ipv4, udp, tcp,
// dhcpv4) as well as the router core in package iface.
package natif

import "fmt"

// IPProto is the IPv4 protocol number (RFC 790).
type IPProto uint8

// IP protocol numbers this router inspects.
const (
	IPProtoICMP IPProto = 1
	IPProtoTCP  IPProto = 6
	IPProtoUDP  IPProto = 17
)

func (p IPProto) String() string {
	switch p {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	default:
		return fmt.Sprintf("IPProto(%d)", uint8(p))
	}
}

// ARPOp is the ARP header operation field (RFC 826).
type ARPOp uint16

const (
	ARPRequest ARPOp = 1
	ARPReply   ARPOp = 2
)

func (op ARPOp) String() string {
	switch op {
	case ARPRequest:
		return "request"
	case ARPReply:
		return "reply"
	default:
		return fmt.Sprintf("ARPOp(%d)", uint8(op))
	}
}

// Header sizes shared across packages that need to compute offsets without
// importing each other's frame package just for a constant.
const (
	SizeHeaderEthNoVLAN = 14
	SizeHeaderARPv4     = 28
	SizeHeaderIPv4      = 20
	SizeHeaderUDP       = 8
	SizeHeaderTCP       = 20
)
