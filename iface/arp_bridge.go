package iface

import (
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/ifrouter/natif"
	"github.com/ifrouter/natif/arp"
	"github.com/ifrouter/natif/ethernet"
)

// handleARP answers requests for our own IP and, on a reply, updates the
// ARP cache and resumes every waiter parked on that sender IP (spec §4.3).
func handleARP(ifc *Interface, pkt RXPacket, efrm ethernet.Frame) natif.Outcome {
	off := efrm.HeaderLength()
	afrm, err := arp.NewFrame(pkt.Data[off:])
	if err != nil {
		return natif.DropWarnErr(err)
	}
	op := afrm.Operation()

	if err := ifc.ARP.Demux(pkt.Data, off); err != nil {
		return natif.DropWarnErr(err)
	}

	switch op {
	case arp.OpRequest:
		_, tgt := afrm.Target()
		own := ifc.OwnIP()
		switch {
		case len(tgt) == 4 && own.Is4() && [4]byte(tgt) == own.As4():
			if err := sendARPReply(ifc); err != nil && ifc.Log != nil {
				ifc.Log.Warn("arp reply send failed", "iface", ifc.Name, "err", err)
			}
		case len(tgt) == 4 && ifc.Domain != nil && ifc.Domain.ShouldProxyARP(netip.AddrFrom4([4]byte(tgt))):
			if err := sendARPProxyReply(ifc, afrm, [4]byte(tgt)); err != nil && ifc.Log != nil {
				ifc.Log.Warn("arp proxy reply send failed", "iface", ifc.Name, "err", err)
			}
		}
	case arp.OpReply:
		_, proto := afrm.Sender()
		if len(proto) == 4 {
			resumeWaiters(ifc, [4]byte(proto))
		}
	}
	return natif.AcceptOutcome()
}

// sendARPReply transmits whatever reply the ARP engine staged while
// demuxing an OpRequest targeting our own IP.
func sendARPReply(ifc *Interface) error {
	return Send(ifc.Port, 14+28, func(buf []byte) (int, error) {
		n, err := ifc.ARP.Encapsulate(buf, 0, 14)
		if err != nil || n == 0 {
			return 0, err
		}
		efrm, err := ethernet.NewFrame(buf)
		if err != nil {
			return 0, err
		}
		copy(efrm.SourceHardwareAddr()[:], ifc.MAC[:])
		efrm.SetEtherType(ethernet.TypeARP)
		return 14 + n, nil
	})
}

// sendARPProxyReply answers an ARP request for tgt with ifc's own MAC, on
// behalf of a host this domain proxies for rather than ifc's own address
// (spec §4.3 "proxying" domain). Built directly instead of going through
// ifc.ARP.Encapsulate, since the underlying Handler only auto-queues a
// reply for requests targeting its own configured protocol address.
func sendARPProxyReply(ifc *Interface, req arp.Frame, tgt [4]byte) error {
	requesterHW, requesterProto := req.Sender()
	return Send(ifc.Port, 14+28, func(buf []byte) (int, error) {
		efrm, err := ethernet.NewFrame(buf)
		if err != nil {
			return 0, err
		}
		copy(efrm.DestinationHardwareAddr()[:], requesterHW)
		copy(efrm.SourceHardwareAddr()[:], ifc.MAC[:])
		efrm.SetEtherType(ethernet.TypeARP)

		rfrm, err := arp.NewFrame(buf[14:])
		if err != nil {
			return 0, err
		}
		rfrm.SetHardware(1, 6)
		rfrm.SetProtocol(ethernet.TypeIPv4, 4)
		rfrm.SetOperation(arp.OpReply)
		hwS, protoS := rfrm.Sender()
		copy(hwS, ifc.MAC[:])
		copy(protoS, tgt[:])
		hwT, protoT := rfrm.Target()
		copy(hwT, requesterHW)
		copy(protoT, requesterProto)
		return 14 + 28, nil
	})
}

// sendARPRequest broadcasts an ARP request for targetIP from ifc's own
// address, respecting the suppression window the caller already checked.
func sendARPRequest(ifc *Interface, targetIP [4]byte) error {
	return Send(ifc.Port, 14+28, func(buf []byte) (int, error) {
		efrm, err := ethernet.NewFrame(buf)
		if err != nil {
			return 0, err
		}
		bcast := ethernet.BroadcastAddr()
		copy(efrm.DestinationHardwareAddr()[:], bcast[:])
		copy(efrm.SourceHardwareAddr()[:], ifc.MAC[:])
		efrm.SetEtherType(ethernet.TypeARP)

		afrm, err := arp.NewFrame(buf[14:])
		if err != nil {
			return 0, err
		}
		afrm.SetHardware(1, 6)
		afrm.SetProtocol(ethernet.TypeIPv4, 4)
		afrm.SetOperation(arp.OpRequest)
		hwS, protoS := afrm.Sender()
		copy(hwS, ifc.MAC[:])
		if own := ifc.OwnIP(); own.Is4() {
			ownBytes := own.As4()
			copy(protoS, ownBytes[:])
		}
		_, protoT := afrm.Target()
		copy(protoT, targetIP[:])
		return 14 + 28, nil
	})
}

// resumeWaiters replays every packet parked on ip now that its MAC has
// resolved, and acks the original RX descriptor on whichever port owns it.
func resumeWaiters(ifc *Interface, ip [4]byte) {
	waiters := ifc.waiters.TakeByIP(ip)
	if len(waiters) == 0 {
		return
	}
	mac, ok := ifc.ARP.Lookup(ip)
	for _, w := range waiters {
		if ok {
			copy(w.Frame[0:6], mac[:])
			copy(w.Frame[6:12], ifc.RouterMAC[:])
			if err := SendFrame(ifc.Port, w.Frame); err != nil && ifc.Log != nil {
				ifc.Log.Warn("resumed packet send failed", "iface", ifc.Name, "err", err)
			}
		}
		_ = w.AckPort.Ack(w.Descriptor)
	}
}

// egress transmits frame out ifc once nextHop's MAC is known, or parks it
// in an ARP waiter and (subject to the suppression window) broadcasts a
// request, per spec §4.3's postponement contract. frame must already have
// bytes [0:6] and [6:12] reserved for the destination/source MAC that this
// function (or a later resume) fills in.
func egress(ifc *Interface, frame []byte, nextHop netip.Addr, ackPort PacketPort, ackDescriptor Descriptor) natif.Outcome {
	ip := nextHop.As4()
	if mac, ok := ifc.ARP.Lookup(ip); ok {
		copy(frame[0:6], mac[:])
		copy(frame[6:12], ifc.RouterMAC[:])
		if err := SendFrame(ifc.Port, frame); err != nil {
			return natif.DropWarnErr(err)
		}
		// pkt.Descriptor is acked by PollOnce's central ack once Dispatch
		// returns; only a Postponed outcome defers that to resumeWaiters.
		return natif.AcceptOutcome()
	}

	w := &Waiter{
		ID:         uuid.New(),
		Iface:      ifc,
		TargetIP:   ip,
		Descriptor: ackDescriptor,
		Created:    time.Now(),
		AckPort:    ackPort,
		Frame:      append([]byte(nil), frame...),
	}
	ifc.waiters.Add(w)

	if ifc.ARP.ShouldBroadcast(ip) {
		if err := sendARPRequest(ifc, ip); err != nil && ifc.Log != nil {
			ifc.Log.Warn("arp request send failed", "iface", ifc.Name, "err", err)
		}
	}
	return natif.PostponeOutcome()
}
