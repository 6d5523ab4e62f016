package iface

import (
	"net/netip"
	"time"

	"github.com/ifrouter/natif"
	"github.com/ifrouter/natif/ethernet"
	"github.com/ifrouter/natif/ipv4"
	"github.com/ifrouter/natif/ipv4/icmpv4"
	"github.com/ifrouter/natif/tcp"
	"github.com/ifrouter/natif/udp"
)

// handleIPv4 implements the C4 IPv4 forwarder + NAT dispatch of spec §4.4.
func handleIPv4(ifc *Interface, pkt RXPacket, efrm ethernet.Frame) natif.Outcome {
	l2off := efrm.HeaderLength()
	ifrm, err := ipv4.NewFrame(pkt.Data[l2off:])
	if err != nil {
		return natif.DropWarnErr(err)
	}
	var vld natif.Validator
	ifrm.ValidateExceptCRC(&vld)
	if vld.HasError() {
		return natif.DropWarnErr(vld.Err())
	}
	if ifrm.CRC() != ifrm.CalculateHeaderCRC() {
		return natif.DropWarnf("ipv4 header checksum mismatch")
	}

	dstAddr := netip.AddrFrom4(*ifrm.DestinationAddr())
	domain := ifc.Domain

	if proto := transportProto(ifrm.Protocol()); proto != 0 && !verifyTransportChecksum(ifrm, proto) {
		return natif.DropWarnf("%s checksum mismatch", proto)
	}

	// Step 0 (supplemented feature): answer ICMP echo addressed to our own IP.
	if ifrm.Protocol() == natif.IPProtoICMP && dstAddr == ifc.OwnIP() {
		return handleICMPEcho(ifc, pkt, efrm, ifrm)
	}

	// Step 1: UDP 67/68 destined to an own IP of the domain goes to the DHCP sub-engines.
	if ifrm.Protocol() == natif.IPProtoUDP && domain != nil && domain.OwnsIP(dstAddr) {
		ufrm, err := udp.NewFrame(ifrm.Payload())
		if err == nil {
			var uvld natif.Validator
			ufrm.ValidateSize(&uvld)
			if !uvld.HasError() {
				switch ufrm.DestinationPort() {
				case 67:
					return handleDHCPServer(ifc, pkt, efrm, ifrm, ufrm)
				case 68:
					return handleDHCPClient(ifc, pkt, efrm, ifrm, ufrm)
				}
			}
		}
	}

	if ifrm.TTL() == 0 {
		return natif.DropWarnf("ttl expired")
	}

	if domain == nil {
		return natif.DropWarnf("interface %s not bound to a domain", ifc.Name)
	}
	if srcAddr := netip.AddrFrom4(*ifrm.SourceAddr()); !domain.AllowsSource(srcAddr) {
		return natif.DropWarnf("source %s rejected by domain %s anti-spoof policy", srcAddr, domain.Name)
	}
	proto := transportProto(ifrm.Protocol())

	// An established flow always wins over rule lookup (spec §4.4: "If an
	// existing Link matches the 5-tuple on either side, reuse it"). This is
	// what lets a reply travelling in from the egress domain find its way
	// back without that domain needing a mirrored rule of its own.
	if proto != 0 {
		tuple := FiveTuple{
			Proto: proto, SrcIP: *ifrm.SourceAddr(), SrcPort: readSrcPort(ifrm, proto),
			DstIP: *ifrm.DestinationAddr(), DstPort: readDstPort(ifrm, proto),
		}
		if link, ok := domain.Links.Find(tuple); ok {
			return rewriteAndForward(ifc, pkt, efrm, ifrm, proto, link, tuple)
		}
	}

	rules := domain.Rules()
	if proto != 0 {
		dstPort := readDstPort(ifrm, proto)
		if fr, ok := rules.MatchForward(proto, dstPort); ok {
			return natForward(ifc, pkt, efrm, ifrm, proto, fr.RemoteDomain, fr.RemoteIP.As4(), fr.RemotePort)
		}
		if tr, ok := rules.MatchTransport(proto, dstPort); ok {
			return natForward(ifc, pkt, efrm, ifrm, proto, tr.RemoteDomain, *ifrm.DestinationAddr(), dstPort)
		}
	}

	if ir, ok := rules.MatchIP(dstAddr); ok {
		return natForward(ifc, pkt, efrm, ifrm, proto, ir.RemoteDomain, *ifrm.DestinationAddr(), readDstPort(ifrm, proto))
	}

	if domain != nil {
		bcast := domain.IPConfig().Broadcast
		if bcast.IsValid() && dstAddr == bcast {
			domain.Broadcast(ifc, pkt.Data)
			return natif.AcceptOutcome()
		}
	}

	return natif.DropInformf("no matching rule for %s", dstAddr)
}

func transportProto(p natif.IPProto) Proto {
	switch p {
	case natif.IPProtoTCP:
		return ProtoTCP
	case natif.IPProtoUDP:
		return ProtoUDP
	default:
		return 0
	}
}

func readDstPort(ifrm ipv4.Frame, proto Proto) uint16 {
	switch proto {
	case ProtoTCP:
		if tfrm, err := tcp.NewFrame(ifrm.Payload()); err == nil {
			return tfrm.DestinationPort()
		}
	case ProtoUDP:
		if ufrm, err := udp.NewFrame(ifrm.Payload()); err == nil {
			return ufrm.DestinationPort()
		}
	}
	return 0
}

// natForward is the NAT core of spec §4.4 for a flow with no existing
// Link yet: allocate a NAT port, build both sides, insert into the shared
// arena, then hand off to rewriteAndForward for the outbound leg.
// handleIPv4 only reaches this once its own Links.Find came up empty; a
// second Find here is cheap insurance against a rule match racing a
// concurrently inserted Link (the event loop is single-threaded per
// interface, but the two sides of a Link can belong to different
// interfaces being polled independently).
func natForward(ifc *Interface, pkt RXPacket, efrm ethernet.Frame, ifrm ipv4.Frame, proto Proto, remoteDomainName string, remoteIP [4]byte, remotePort uint16) natif.Outcome {
	domain := ifc.Domain
	if domain == nil || domain.Router == nil {
		return natif.DropWarnf("interface not bound to a router")
	}
	remoteDomain, ok := domain.Router.DomainByName(remoteDomainName)
	if !ok {
		return natif.DropWarnf("unknown remote domain %q", remoteDomainName)
	}

	srcPort := readSrcPort(ifrm, proto)
	tuple := FiveTuple{Proto: proto, SrcIP: *ifrm.SourceAddr(), SrcPort: srcPort, DstIP: remoteIP, DstPort: remotePort}

	if link, ok := domain.Links.Find(tuple); ok {
		return rewriteAndForward(ifc, pkt, efrm, ifrm, proto, link, tuple)
	}

	egressIfaces := remoteDomain.Interfaces()
	if len(egressIfaces) == 0 {
		return natif.DropWarnf("remote domain %q has no interfaces", remoteDomainName)
	}
	egressIface := egressIfaces[0]
	egressIP := egressIface.OwnIP()
	if !egressIP.Is4() {
		return natif.DropWarnf("egress interface %q has no IP", egressIface.Name)
	}
	allocPort, ok := remoteDomain.Ports.Allocate()
	if !ok {
		return natif.DropWarnf("nat port pool exhausted")
	}
	client := Side{
		Iface: ifc, SrcIP: *ifrm.SourceAddr(), SrcPort: srcPort,
		DstIP: remoteIP, DstPort: remotePort,
	}
	server := Side{
		Iface: egressIface, SrcIP: egressIP.As4(), SrcPort: allocPort,
		DstIP: remoteIP, DstPort: remotePort,
	}
	l := NewLink(proto, client, server, time.Now())
	l.PortDomain = remoteDomain
	domain.Links.Insert(l)
	ifc.addLink(l)
	if egressIface != ifc {
		egressIface.addLink(l)
	}
	return rewriteAndForward(ifc, pkt, efrm, ifrm, proto, l, tuple)
}

// rewriteAndForward rewrites frame addresses/ports from the side opposite
// tuple, recomputes checksums, observes TCP teardown flags, and hands the
// result to egress (spec §4.4 "traverses _adapt_eth ... ARP miss ->
// postpone"). Shared by the established-flow fast path in handleIPv4 and
// by natForward's newly created Link.
func rewriteAndForward(ifc *Interface, pkt RXPacket, efrm ethernet.Frame, ifrm ipv4.Frame, proto Proto, link *Link, tuple FiveTuple) natif.Outcome {
	link.Touch(time.Now())
	fromClient := tuple == link.Client.tuple(proto)

	var egressIface *Interface
	var rewriteSrcIP, rewriteDstIP [4]byte
	var rewriteSrcPort, rewriteDstPort uint16
	if fromClient {
		egressIface = link.Server.Iface
		rewriteSrcIP, rewriteSrcPort = link.Server.SrcIP, link.Server.SrcPort
		rewriteDstIP, rewriteDstPort = link.Server.DstIP, link.Server.DstPort
	} else {
		egressIface = link.Client.Iface
		rewriteSrcIP, rewriteSrcPort = link.Client.DstIP, link.Client.DstPort
		rewriteDstIP, rewriteDstPort = link.Client.SrcIP, link.Client.SrcPort
	}

	*ifrm.SourceAddr() = rewriteSrcIP
	*ifrm.DestinationAddr() = rewriteDstIP
	ifrm.SetTTL(ifrm.TTL() - 1)
	rewriteTransportPort(ifrm, proto, rewriteSrcPort, rewriteDstPort)
	if proto == ProtoTCP {
		if tfrm, err := tcp.NewFrame(ifrm.Payload()); err == nil {
			if link.ObserveTCPFlags(fromClient, tfrm.Flags()) {
				ifc.DissolveLink(link)
			}
		}
	}
	recomputeChecksums(ifrm, proto)

	gatewayIP := rewriteDstIP
	if egressIface.Domain != nil && egressIface.Domain.IPConfig().Gateway.IsValid() {
		gatewayIP = egressIface.Domain.IPConfig().Gateway.As4()
	}
	return egress(egressIface, pkt.Data[:efrm.HeaderLength()+int(ifrm.TotalLength())], netip.AddrFrom4(gatewayIP), ifc.Port, pkt.Descriptor)
}

func readSrcPort(ifrm ipv4.Frame, proto Proto) uint16 {
	switch proto {
	case ProtoTCP:
		if tfrm, err := tcp.NewFrame(ifrm.Payload()); err == nil {
			return tfrm.SourcePort()
		}
	case ProtoUDP:
		if ufrm, err := udp.NewFrame(ifrm.Payload()); err == nil {
			return ufrm.SourcePort()
		}
	}
	return 0
}

func rewriteTransportPort(ifrm ipv4.Frame, proto Proto, src, dst uint16) {
	switch proto {
	case ProtoTCP:
		if tfrm, err := tcp.NewFrame(ifrm.Payload()); err == nil {
			tfrm.SetSourcePort(src)
			tfrm.SetDestinationPort(dst)
		}
	case ProtoUDP:
		if ufrm, err := udp.NewFrame(ifrm.Payload()); err == nil {
			ufrm.SetSourcePort(src)
			ufrm.SetDestinationPort(dst)
		}
	}
}

// verifyTransportChecksum reports whether a TCP segment's or UDP datagram's
// checksum, computed over the pseudo-header plus the segment/datagram
// itself, matches the value carried in the frame (spec §4.4: "Invalid
// checksums drop-with-warn"). A UDP checksum of zero means "no checksum
// supplied" per RFC 768 and is accepted unconditionally.
func verifyTransportChecksum(ifrm ipv4.Frame, proto Proto) bool {
	switch proto {
	case ProtoTCP:
		tfrm, err := tcp.NewFrame(ifrm.Payload())
		if err != nil {
			return false
		}
		var tvld natif.Validator
		tfrm.ValidateSize(&tvld)
		if tvld.HasError() {
			return false
		}
		want := tfrm.CRC()
		tfrm.SetCRC(0)
		var crc natif.CRC791
		tcp.CRCWritePseudo(&crc, *ifrm.SourceAddr(), *ifrm.DestinationAddr(), uint16(len(ifrm.Payload())))
		crc.Write(tfrm.RawData())
		got := crc.Sum16()
		tfrm.SetCRC(want)
		return got == want
	case ProtoUDP:
		ufrm, err := udp.NewFrame(ifrm.Payload())
		if err != nil {
			return false
		}
		var uvld natif.Validator
		ufrm.ValidateSize(&uvld)
		if uvld.HasError() {
			return false
		}
		want := ufrm.CRC()
		if want == 0 {
			return true
		}
		ufrm.SetCRC(0)
		var crc natif.CRC791
		ifrm.CRCWriteUDPPseudo(&crc)
		crc.AddUint16(ufrm.Length())
		crc.Write(ufrm.RawData())
		got := natif.NeverZeroChecksum(crc.Sum16())
		ufrm.SetCRC(want)
		return got == want
	default:
		return true
	}
}

// recomputeChecksums rewrites the IPv4 header checksum and, for TCP/UDP,
// the transport checksum, as required after every NAT rewrite (spec §4.4).
func recomputeChecksums(ifrm ipv4.Frame, proto Proto) {
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	switch proto {
	case ProtoTCP:
		tfrm, err := tcp.NewFrame(ifrm.Payload())
		if err != nil {
			return
		}
		tfrm.SetCRC(0)
		var crc natif.CRC791
		tcp.CRCWritePseudo(&crc, *ifrm.SourceAddr(), *ifrm.DestinationAddr(), uint16(len(ifrm.Payload())))
		crc.Write(tfrm.RawData())
		tfrm.SetCRC(crc.Sum16())
	case ProtoUDP:
		ufrm, err := udp.NewFrame(ifrm.Payload())
		if err != nil {
			return
		}
		ufrm.SetCRC(0)
		var crc natif.CRC791
		ifrm.CRCWriteUDPPseudo(&crc)
		crc.AddUint16(ufrm.Length())
		crc.Write(ufrm.RawData())
		ufrm.SetCRC(natif.NeverZeroChecksum(crc.Sum16()))
	}
}

// handleICMPEcho answers an echo request addressed to our own IP in place,
// swapping addresses and flipping the ICMP type (supplemented feature,
// SPEC_FULL "ICMP echo for the router's own IPs").
func handleICMPEcho(ifc *Interface, pkt RXPacket, efrm ethernet.Frame, ifrm ipv4.Frame) natif.Outcome {
	icmp, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		return natif.DropWarnErr(err)
	}
	if icmp.Type() != icmpv4.TypeEcho {
		return natif.DropInformf("icmp type %d not handled locally", icmp.Type())
	}
	icmp.SetType(icmpv4.TypeEchoReply)
	var crc natif.CRC791
	icmp.CRCWrite(&crc)
	icmp.SetCRC(crc.Sum16())

	src, dst := *ifrm.SourceAddr(), *ifrm.DestinationAddr()
	*ifrm.SourceAddr() = dst
	*ifrm.DestinationAddr() = src
	ifrm.SetTTL(64)
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	frame := append([]byte(nil), pkt.Data[:efrm.HeaderLength()+int(ifrm.TotalLength())]...)
	srcMAC := *efrm.SourceHardwareAddr()
	copy(frame[0:6], srcMAC[:])
	copy(frame[6:12], ifc.MAC[:])
	if err := SendFrame(ifc.Port, frame); err != nil {
		return natif.DropWarnErr(err)
	}
	return natif.AcceptOutcome()
}
