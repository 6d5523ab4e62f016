package iface

import (
	"context"
	"log/slog"
	"time"

	"github.com/ifrouter/natif"
	"github.com/ifrouter/natif/ethernet"
	"github.com/ifrouter/natif/internal"
	"github.com/ifrouter/natif/ipv4"
)

// Dispatch classifies one Ethernet frame and routes it to the ARP or IPv4
// engine (spec §4.2 "Frame dispatch"). Every parse step validates size
// first; a frame that fails never gets partially processed.
func Dispatch(ifc *Interface, pkt RXPacket) natif.Outcome {
	efrm, err := ethernet.NewFrame(pkt.Data)
	if err != nil {
		return natif.DropWarnErr(err)
	}
	var vld natif.Validator
	efrm.ValidateSize(&vld)
	if vld.HasError() {
		return natif.DropWarnErr(vld.Err())
	}

	switch efrm.EtherTypeOrSize() {
	case ethernet.TypeARP:
		return handleARP(ifc, pkt, efrm)
	case ethernet.TypeIPv4:
		return handleIPv4(ifc, pkt, efrm)
	default:
		// Silent drop: not ARP, not IPv4, nothing this router understands.
		return natif.Outcome{Kind: natif.DropInform}
	}
}

// PollOnce drains one batch of RX packets from ifc's port, dispatches each,
// acks everything except postponed packets, reclaims finished TX buffers,
// and sweeps expired ARP waiters. It is the single-threaded cooperative
// event-loop body of spec §5.
func PollOnce(ifc *Interface, now time.Time) {
	for _, pkt := range ifc.Port.Drain() {
		outcome := Dispatch(ifc, pkt)
		if ifc.Metrics != nil {
			ifc.Metrics.ObservePacket(ifc.Name, outcome.Kind.String())
		}
		switch outcome.Kind {
		case natif.Postpone:
			// Descriptor stays alive inside the waiter; acked on resume
			// or timeout instead of here.
		case natif.Fatal:
			if ifc.Log != nil {
				ifc.Log.Error("fatal dispatch error", slog.String("iface", ifc.Name), slog.String("err", outcome.Err.Error()))
			}
			_ = ifc.Port.Ack(pkt.Descriptor)
			ifc.Close()
			return
		default:
			if outcome.Message != "" && ifc.Log != nil {
				level := slog.LevelInfo
				if outcome.Kind == natif.DropWarn {
					level = slog.LevelWarn
				}
				attrs := []any{
					slog.String("iface", ifc.Name),
					slog.String("kind", outcome.Kind.String()),
					slog.String("reason", outcome.Message),
				}
				if srcIP, ok := sourceIPOf(pkt); ok {
					attrs = append(attrs, internal.SlogAddr4("src_ip", &srcIP))
				}
				ifc.Log.Log(context.Background(), level, "packet dropped", attrs...)
			}
			_ = ifc.Port.Ack(pkt.Descriptor)
		}
	}
	ifc.DrainAcks()
	ifc.ExpireWaiters(now)
	ifc.ExpireLinks(now)
	pumpDHCPClient(ifc, now)
}

// sourceIPOf best-effort extracts the IPv4 source address from a dropped
// frame for logging, without re-validating it: a frame that fails parsing
// here already has its own drop reason logged by whatever rejected it.
func sourceIPOf(pkt RXPacket) (addr [4]byte, ok bool) {
	efrm, err := ethernet.NewFrame(pkt.Data)
	if err != nil || efrm.EtherTypeOrSize() != ethernet.TypeIPv4 {
		return addr, false
	}
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		return addr, false
	}
	return *ifrm.SourceAddr(), true
}
