package iface

import (
	"errors"
	"net/netip"
	"time"

	"github.com/ifrouter/natif"
	"github.com/ifrouter/natif/dhcpv4"
	"github.com/ifrouter/natif/ethernet"
	"github.com/ifrouter/natif/internal"
	"github.com/ifrouter/natif/ipv4"
	"github.com/ifrouter/natif/udp"
)

// maxDHCPRebindAttempts bounds how many unanswered REBIND retransmissions
// pumpDHCPClient sends before giving up and returning the client to INIT
// (spec boundary scenario 5: "on three timeouts with no reply, return to
// INIT and dissolve all links bound to the old IP").
const maxDHCPRebindAttempts = 3

// udpHeaderLen is the fixed (option-free) UDP header size DHCP always uses.
const udpHeaderLen = 8

// handleDHCPServer feeds an inbound client message (port 67) to the bound
// DHCP server engine (C7) and, when it produces an offer/ack, transmits it
// as a broadcast reply (spec §4.7).
func handleDHCPServer(ifc *Interface, pkt RXPacket, efrm ethernet.Frame, ifrm ipv4.Frame, ufrm udp.Frame) natif.Outcome {
	if ifc.DHCPServer == nil {
		return natif.DropInformf("no dhcp server bound to %s", ifc.Name)
	}
	buf := ifrm.RawData()
	frameOffset := int(ifrm.HeaderLength()) + udpHeaderLen

	if err := ifc.DHCPServer.Demux(buf, frameOffset); err != nil {
		return natif.DropWarnErr(err)
	}

	n, err := ifc.DHCPServer.Encapsulate(buf, 0, frameOffset)
	if err != nil {
		return natif.DropWarnErr(err)
	}
	if n == 0 {
		return natif.AcceptOutcome() // demuxed but nothing pending to send yet.
	}
	return sendDHCPReply(ifc, efrm, ifrm, ufrm, frameOffset, n, 67, 68)
}

// handleDHCPClient feeds an inbound server message (port 68) to the bound
// DHCP client FSM (C6), updating its offer/ack bookkeeping. The FSM's own
// outbound DISCOVER/REQUEST/RENEW traffic is driven separately by
// pumpDHCPClient so it fires on lease timers, not on every inbound packet.
func handleDHCPClient(ifc *Interface, pkt RXPacket, efrm ethernet.Frame, ifrm ipv4.Frame, ufrm udp.Frame) natif.Outcome {
	if ifc.DHCPClient == nil {
		return natif.DropInformf("no dhcp client bound to %s", ifc.Name)
	}
	buf := ifrm.RawData()
	frameOffset := int(ifrm.HeaderLength()) + udpHeaderLen
	wasBound := ifc.DHCPClient.State() == dhcpv4.StateBound
	if err := ifc.DHCPClient.Demux(buf, frameOffset); err != nil {
		if errors.Is(err, dhcpv4.ErrNack) {
			// A NAK anywhere means the lease is gone right now, not just
			// unrenewable (spec §4.6: "DHCPNAK anywhere: drop IP config,
			// return to INIT"); this also clears the old IP's ARP cache
			// entry and dissolves every Link that IP ever originated.
			expireDHCPLease(ifc)
			return natif.AcceptOutcome()
		}
		return natif.DropWarnErr(err)
	}
	// An ACK moves the FSM to bound (fresh lease or a renewal/rebind);
	// make that address the interface's own IP so forwarding
	// (domain.OwnsIP) and ARP answer for it correctly, and (re)start this
	// lease's T1/T2 renewal clock (spec §4.6).
	justBound := !wasBound && ifc.DHCPClient.State() == dhcpv4.StateBound
	if addr, ok := ifc.DHCPClient.AssignedAddr(); ok {
		assigned := netip.AddrFrom4(addr)
		if ifc.OwnIP() != assigned {
			ifc.SetOwnIP(assigned)
		}
		if justBound {
			ifc.dhcpBoundAt = time.Now()
			ifc.dhcpRenewSent = false
			ifc.dhcpRebindSent = false
			ifc.dhcpRebindAttempts = 0
		}
	}
	return natif.AcceptOutcome()
}

// expireDHCPLease drops ifc's current DHCP-assigned IP (dissolving every
// Link it originated, via SetOwnIP) and resets the client FSM and renewal
// bookkeeping to INIT, so pumpDHCPClient starts a fresh DISCOVER on its
// next tick.
func expireDHCPLease(ifc *Interface) {
	ifc.DHCPClient.ExpireLease()
	ifc.SetOwnIP(netip.Addr{})
	ifc.dhcpBoundAt = time.Time{}
	ifc.dhcpRenewSent = false
	ifc.dhcpRebindSent = false
	ifc.dhcpRebindAttempts = 0
	ifc.dhcpNextSend = time.Time{}
}

// sendDHCPReply wraps the DHCP frame Encapsulate already wrote into buf
// (which Encapsulate also stamped with fresh IP src/dst) with UDP/Ethernet
// headers and a broadcast L2 destination, and transmits it.
func sendDHCPReply(ifc *Interface, efrm ethernet.Frame, ifrm ipv4.Frame, ufrm udp.Frame, frameOffset, n int, srcPort, dstPort uint16) natif.Outcome {
	ufrm.SetSourcePort(srcPort)
	ufrm.SetDestinationPort(dstPort)
	udpLen := uint16(udpHeaderLen + n)
	ufrm.SetLength(udpLen)
	ifrm.SetTotalLength(uint16(int(ifrm.HeaderLength()) + int(udpLen)))
	ufrm.SetCRC(0)
	var crc natif.CRC791
	ifrm.CRCWriteUDPPseudo(&crc)
	crc.AddUint16(udpLen)
	crc.Write(ufrm.RawData()[:udpLen])
	ufrm.SetCRC(natif.NeverZeroChecksum(crc.Sum16()))
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	total := int(efrm.HeaderLength()) + int(ifrm.TotalLength())
	frame := make([]byte, total)
	l2off := efrm.HeaderLength()
	copy(frame[l2off:], ifrm.RawData()[:ifrm.TotalLength()])
	bcast := ethernet.BroadcastAddr()
	copy(frame[0:6], bcast[:])
	copy(frame[6:12], ifc.MAC[:])
	fe, err := ethernet.NewFrame(frame)
	if err != nil {
		return natif.DropWarnErr(err)
	}
	fe.SetEtherType(ethernet.TypeIPv4)

	if err := SendFrame(ifc.Port, frame); err != nil {
		return natif.DropWarnErr(err)
	}
	return natif.AcceptOutcome()
}

// ipHeaderLen is the fixed (option-free) IPv4 header size the client's own
// DHCP traffic always uses.
const ipHeaderLen = 20

// pumpDHCPClient drives the client FSM's own timers: initial
// DISCOVER/REQUEST retransmission while unresolved, and the T1/T2 lease
// renewal schedule once bound (spec §4.6). Called once per PollOnce tick.
//
// Client.Encapsulate assumes its carrier buffer starts at byte 0 of the IP
// header, same as Server.Encapsulate with offsetToIP==0; the Ethernet
// header is prepended separately before transmission. Renewal traffic is
// unicast at L3 to the lease's server but still broadcast at L2: resolving
// the server's MAC would need an ARP round trip this bridge does not drive.
func pumpDHCPClient(ifc *Interface, now time.Time) {
	c := ifc.DHCPClient
	if c == nil {
		return
	}
	maybeRenewOrRebind(ifc, c, now)
	if !ifc.dhcpNextSend.IsZero() && now.Before(ifc.dhcpNextSend) {
		return
	}
	if c.State() == dhcpv4.StateRebinding {
		if ifc.dhcpRebindAttempts >= maxDHCPRebindAttempts {
			if ifc.Log != nil {
				ifc.Log.Warn("dhcp rebind gave up, returning to init", "iface", ifc.Name)
			}
			expireDHCPLease(ifc)
			return
		}
		ifc.dhcpRebindAttempts++
	}
	dhcpOffset := ipHeaderLen + udpHeaderLen
	ipbuf := make([]byte, dhcpOffset+576)
	n, err := c.Encapsulate(ipbuf, dhcpOffset)
	if err != nil || n == 0 {
		return
	}

	ifrm, err := ipv4.NewFrame(ipbuf)
	if err != nil {
		return
	}
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetProtocol(natif.IPProtoUDP)
	ifrm.SetTTL(64)
	totalLen := uint16(dhcpOffset + n)
	ifrm.SetTotalLength(totalLen)

	ufrm, err := udp.NewFrame(ipbuf[ipHeaderLen:])
	if err != nil {
		return
	}
	ufrm.SetSourcePort(68)
	ufrm.SetDestinationPort(67)
	udpLen := uint16(udpHeaderLen + n)
	ufrm.SetLength(udpLen)
	ufrm.SetCRC(0)
	var crc natif.CRC791
	ifrm.CRCWriteUDPPseudo(&crc)
	crc.AddUint16(udpLen)
	crc.Write(ufrm.RawData()[:udpLen])
	ufrm.SetCRC(natif.NeverZeroChecksum(crc.Sum16()))
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	frame := make([]byte, 14+int(totalLen))
	copy(frame[14:], ipbuf[:totalLen])
	bcast := ethernet.BroadcastAddr()
	copy(frame[0:6], bcast[:])
	copy(frame[6:12], ifc.MAC[:])
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		return
	}
	efrm.SetEtherType(ethernet.TypeIPv4)

	if err := SendFrame(ifc.Port, frame); err != nil && ifc.Log != nil {
		ifc.Log.Warn("dhcp client send failed", "iface", ifc.Name, "err", err)
	}
	ifc.dhcpNextSend = now.Add(4 * time.Second)
}

// maybeRenewOrRebind advances a bound client into RENEWING at T1 (50% of
// the lease) and REBINDING at T2 (87.5%, RFC 2131 §4.4's recommended
// split), each time arming pumpDHCPClient to send immediately instead of
// waiting out its retransmission backoff.
func maybeRenewOrRebind(ifc *Interface, c *dhcpv4.Client, now time.Time) {
	if ifc.dhcpBoundAt.IsZero() {
		return
	}
	lease := time.Duration(c.IPLeaseSeconds()) * time.Second
	if lease == 0 {
		return
	}
	elapsed := now.Sub(ifc.dhcpBoundAt)
	switch c.State() {
	case dhcpv4.StateBound:
		if !ifc.dhcpRenewSent && elapsed >= lease/2 {
			if err := c.Renew(freshXID(uint32(now.UnixNano()))); err == nil {
				ifc.dhcpRenewSent = true
				ifc.dhcpNextSend = time.Time{}
			}
		}
	case dhcpv4.StateRenewing:
		if !ifc.dhcpRebindSent && elapsed >= lease*7/8 {
			if err := c.Rebind(freshXID(uint32(now.UnixNano()))); err == nil {
				ifc.dhcpRebindSent = true
				ifc.dhcpNextSend = time.Time{}
			}
		}
	}
}

// freshXID turns a seed into a non-zero transaction ID; BeginRequest,
// Renew and Rebind all reject a zero xid.
func freshXID(seed uint32) uint32 {
	x := internal.Prand32(seed)
	if x == 0 {
		x = 1
	}
	return x
}
