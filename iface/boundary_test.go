package iface

import (
	"net/netip"
	"testing"
	"time"

	"github.com/ifrouter/natif"
	"github.com/ifrouter/natif/arp"
	"github.com/ifrouter/natif/tcp"
)

var (
	lanMAC    = [6]byte{0x02, 0, 0, 0, 0, 1}
	wanMAC    = [6]byte{0x02, 0, 0, 0, 0, 2}
	clientMAC = [6]byte{0x02, 0, 0, 0, 0, 3}
	remoteMAC = [6]byte{0x02, 0, 0, 0, 0, 4}

	clientIP = [4]byte{10, 0, 0, 50}
	wanOwnIP = [4]byte{203, 0, 113, 1}
	remoteIP = [4]byte{198, 51, 100, 9}
)

// natRouterFixture wires a two-domain, two-interface router (a "lan" leg
// the client is behind, and a "wan" leg facing the internet host at
// remoteIP) with a single catch-all IP rule routing lan traffic to wan.
type natRouterFixture struct {
	router *Router
	lan    *Domain
	wan    *Domain
	lanIf  *Interface
	wanIf  *Interface
	lanP   *fakePort
	wanP   *fakePort
}

func newNATRouterFixture(t *testing.T) *natRouterFixture {
	t.Helper()
	router := NewRouter(nil)
	lan := router.NewDomain("lan")
	wan := router.NewDomain("wan")

	lan.Reconfigure(NewRuleSet(nil, nil, []IPRule{
		{Prefix: netip.MustParsePrefix("0.0.0.0/0"), RemoteDomain: "wan"},
	}), IPConfig{}, nil)

	lanP := newFakePort()
	wanP := newFakePort()

	lanIf := New(Config{
		Name: "lan0", MAC: lanMAC, RouterMAC: lanMAC,
		Domain: lan, Port: lanP, ARP: newTestARPEngine(lanMAC, clientIP),
	})
	wanIf := New(Config{
		Name: "wan0", MAC: wanMAC, RouterMAC: wanMAC,
		Domain: wan, Port: wanP, ARP: newTestARPEngine(wanMAC, wanOwnIP),
	})
	wanIf.SetOwnIP(netip.AddrFrom4(wanOwnIP))

	return &natRouterFixture{router: router, lan: lan, wan: wan, lanIf: lanIf, wanIf: wanIf, lanP: lanP, wanP: wanP}
}

// TestARPResolveThenForward covers spec boundary scenario 1: a UDP packet
// needing NAT is postponed on an ARP cache miss for the next hop, produces
// no TX and no ack until the reply arrives, and exactly one correctly
// rewritten frame follows.
func TestARPResolveThenForward(t *testing.T) {
	f := newNATRouterFixture(t)

	pkt := buildUDP(clientMAC, lanMAC, clientIP, remoteIP, 40000, 53, 64, []byte("hello"))
	d := f.lanP.rx(pkt)

	outcome := Dispatch(f.lanIf, RXPacket{Descriptor: d, Data: pkt})
	if outcome.Kind != natif.Postpone {
		t.Fatalf("want Postpone, got %s", outcome)
	}
	if f.wanP.txCount() != 1 {
		t.Fatalf("want exactly one ARP request transmitted, got %d", f.wanP.txCount())
	}
	if f.lanP.wasAcked(d) {
		t.Fatal("original descriptor must not be acked while postponed")
	}

	arpReply := buildARP(arp.OpReply, remoteMAC, remoteIP, wanMAC, wanOwnIP)
	ad := f.wanP.rx(arpReply)
	outcome = Dispatch(f.wanIf, RXPacket{Descriptor: ad, Data: arpReply})
	if outcome.Kind != natif.Accept {
		t.Fatalf("arp reply dispatch: want Accept, got %s", outcome)
	}

	if !f.lanP.wasAcked(d) {
		t.Fatal("original descriptor must be acked once the waiter resumes")
	}
	if f.wanP.txCount() != 2 {
		t.Fatalf("want the resumed NAT frame transmitted on wan0, got %d frames", f.wanP.txCount())
	}

	resumed := f.wanP.lastTX()
	ifrm := ipFrameOf(t, resumed)
	if *ifrm.SourceAddr() != wanOwnIP {
		t.Errorf("want NAT-rewritten source %v, got %v", wanOwnIP, *ifrm.SourceAddr())
	}
	if *ifrm.DestinationAddr() != remoteIP {
		t.Errorf("want destination %v unchanged, got %v", remoteIP, *ifrm.DestinationAddr())
	}
	if resumed[0] != remoteMAC[0] {
		t.Errorf("resumed frame dst MAC not set from resolved ARP reply: %v", resumed[0:6])
	}
	ufrm := udpFrameOf(t, ifrm)
	if ufrm.SourcePort() == 40000 {
		t.Error("source port must be NAT-allocated, not the client's original port")
	}
	if ufrm.DestinationPort() != 53 {
		t.Errorf("want dest port 53 unchanged, got %d", ufrm.DestinationPort())
	}

	if f.lan.Links.Len() != 1 {
		t.Errorf("want one Link in the shared arena, got %d", f.lan.Links.Len())
	}
}

// TestNATReplyPath covers spec boundary scenario 2: once a Link exists, a
// reply travelling in the opposite direction is rewritten back to the
// original client's address/port and forwarded without a second ARP round
// trip (the client's MAC is already known from the original packet's
// source, pre-seeded into the lan ARP cache here as a real router would
// have it from receiving that first frame).
func TestNATReplyPath(t *testing.T) {
	f := newNATRouterFixture(t)
	f.lanIf.ARP.Store(clientIP, clientMAC)
	f.wanIf.ARP.Store(remoteIP, remoteMAC)

	out := buildUDP(clientMAC, lanMAC, clientIP, remoteIP, 40000, 53, 64, []byte("hello"))
	d := f.lanP.rx(out)
	if outcome := Dispatch(f.lanIf, RXPacket{Descriptor: d, Data: out}); outcome.Kind != natif.Accept {
		t.Fatalf("outbound leg: want Accept, got %s", outcome)
	}
	if f.wanP.txCount() != 1 {
		t.Fatalf("want one outbound frame on wan0, got %d", f.wanP.txCount())
	}
	outbound := f.wanP.lastTX()
	outIfrm := ipFrameOf(t, outbound)
	outUfrm := udpFrameOf(t, outIfrm)
	natPort := outUfrm.SourcePort()

	reply := buildUDP(remoteMAC, wanMAC, remoteIP, wanOwnIP, 53, natPort, 64, []byte("world"))
	rd := f.wanP.rx(reply)
	outcome := Dispatch(f.wanIf, RXPacket{Descriptor: rd, Data: reply})
	if outcome.Kind != natif.Accept {
		t.Fatalf("reply leg: want Accept, got %s", outcome)
	}
	if f.lanP.txCount() != 1 {
		t.Fatalf("want one reply frame forwarded to lan0, got %d", f.lanP.txCount())
	}
	if !f.wanP.wasAcked(rd) {
		t.Fatal("reply descriptor should be acked once forwarded")
	}

	fwd := f.lanP.lastTX()
	fwdIfrm := ipFrameOf(t, fwd)
	if *fwdIfrm.DestinationAddr() != clientIP {
		t.Errorf("want reply rewritten back to client IP %v, got %v", clientIP, *fwdIfrm.DestinationAddr())
	}
	fwdUfrm := udpFrameOf(t, fwdIfrm)
	if fwdUfrm.DestinationPort() != 40000 {
		t.Errorf("want reply rewritten back to client port 40000, got %d", fwdUfrm.DestinationPort())
	}
	if fwd[0] != clientMAC[0] {
		t.Errorf("want reply sent to the client's MAC, got %v", fwd[0:6])
	}

	if f.lan.Links.Len() != 1 {
		t.Errorf("reply must reuse the existing Link, arena has %d", f.lan.Links.Len())
	}
}

// TestTCPFINTeardown covers spec boundary scenario 3: a bidirectional
// FIN+ACK exchange moves the Link OPEN -> CLOSING -> dissolved, and the
// next ack-drain removes it from both interfaces' active lists and the
// shared arena.
func TestTCPFINTeardown(t *testing.T) {
	f := newNATRouterFixture(t)
	f.lanIf.ARP.Store(clientIP, clientMAC)
	f.wanIf.ARP.Store(remoteIP, remoteMAC)

	syn := buildTCP(clientMAC, lanMAC, clientIP, remoteIP, 50000, 443, 64, tcp.FlagSYN)
	d := f.lanP.rx(syn)
	if outcome := Dispatch(f.lanIf, RXPacket{Descriptor: d, Data: syn}); outcome.Kind != natif.Accept {
		t.Fatalf("SYN: want Accept, got %s", outcome)
	}
	if f.lan.Links.Len() != 1 {
		t.Fatalf("want one Link opened by SYN, got %d", f.lan.Links.Len())
	}

	natPort := udpPortOfLastTCP(t, f.wanP.lastTX())

	clientFin := buildTCP(clientMAC, lanMAC, clientIP, remoteIP, 50000, 443, 64, tcp.FlagFIN|tcp.FlagACK)
	d2 := f.lanP.rx(clientFin)
	if outcome := Dispatch(f.lanIf, RXPacket{Descriptor: d2, Data: clientFin}); outcome.Kind != natif.Accept {
		t.Fatalf("client FIN: want Accept, got %s", outcome)
	}

	var l *Link
	for _, id := range f.lanIf.tcpLinks {
		got, ok := f.lan.Links.Get(id)
		if ok {
			l = got
		}
	}
	if l == nil {
		t.Fatal("link must still be active (CLOSING, not yet dissolved) after one-sided FIN")
	}
	if l.State != LinkClosing {
		t.Errorf("want LinkClosing after one FIN, got %s", l.State)
	}

	serverFin := buildTCP(remoteMAC, wanMAC, remoteIP, wanOwnIP, 443, natPort, 64, tcp.FlagFIN|tcp.FlagACK)
	d3 := f.wanP.rx(serverFin)
	if outcome := Dispatch(f.wanIf, RXPacket{Descriptor: d3, Data: serverFin}); outcome.Kind != natif.Accept {
		t.Fatalf("server FIN: want Accept, got %s", outcome)
	}

	if len(f.lanIf.tcpLinks) != 0 || len(f.wanIf.tcpLinks) != 0 {
		t.Errorf("want both interfaces' active TCP lists empty after both FINs, lan=%d wan=%d",
			len(f.lanIf.tcpLinks), len(f.wanIf.tcpLinks))
	}
	if _, ok := f.lan.Links.Get(l.ID); !ok {
		t.Fatal("link must still exist in the arena until the next ack-drain deletes it")
	}

	f.lanIf.DrainAcks()
	f.wanIf.DrainAcks()
	if _, ok := f.lan.Links.Get(l.ID); ok {
		t.Error("link must be gone from the arena after both interfaces drain their dissolved list")
	}
}

// TestARPWaiterTimeout covers spec boundary scenario 6: a forwarded packet
// parked on an ARP miss that never resolves is acked (its descriptor
// reclaimed) once the waiter timeout elapses, with no TX produced for it.
func TestARPWaiterTimeout(t *testing.T) {
	f := newNATRouterFixture(t)
	f.wanIf.waiters = NewWaiterTable(10 * time.Millisecond)

	pkt := buildUDP(clientMAC, lanMAC, clientIP, remoteIP, 40000, 53, 64, []byte("hello"))
	d := f.lanP.rx(pkt)
	if outcome := Dispatch(f.lanIf, RXPacket{Descriptor: d, Data: pkt}); outcome.Kind != natif.Postpone {
		t.Fatalf("want Postpone, got %s", outcome)
	}
	txBeforeTimeout := f.wanP.txCount() // the one ARP request broadcast

	f.wanIf.ExpireWaiters(time.Now().Add(time.Hour))

	if !f.lanP.wasAcked(d) {
		t.Fatal("original descriptor must be acked once its waiter times out")
	}
	if f.wanP.txCount() != txBeforeTimeout {
		t.Errorf("timeout must not transmit the parked frame, tx count changed from %d to %d", txBeforeTimeout, f.wanP.txCount())
	}
}

// TestLinkDissolveReleasesNATPort covers the maintainer-flagged leak: a
// dissolved Link must return its egress-side ephemeral port to the domain
// that allocated it, or a long-running router eventually exhausts the pool
// even with zero active flows.
func TestLinkDissolveReleasesNATPort(t *testing.T) {
	f := newNATRouterFixture(t)
	f.lanIf.ARP.Store(clientIP, clientMAC)
	f.wanIf.ARP.Store(remoteIP, remoteMAC)

	pkt := buildUDP(clientMAC, lanMAC, clientIP, remoteIP, 40000, 53, 64, []byte("hello"))
	d := f.lanP.rx(pkt)
	if outcome := Dispatch(f.lanIf, RXPacket{Descriptor: d, Data: pkt}); outcome.Kind != natif.Accept {
		t.Fatalf("want Accept, got %s", outcome)
	}

	var link *Link
	for _, id := range f.lanIf.udpLinks {
		if l, ok := f.lan.Links.Get(id); ok {
			link = l
		}
	}
	if link == nil {
		t.Fatal("expected a Link to have been created")
	}
	if link.PortDomain != f.wan {
		t.Fatalf("want the Link's allocated port attributed to the wan domain, got %v", link.PortDomain)
	}
	natPort := link.Server.SrcPort

	// Drain every other port from the same pool: the allocator cursor has
	// already moved past natPort, so this exhausts everything except it.
	var drained []uint16
	for {
		p, ok := f.wan.Ports.Allocate()
		if !ok {
			break
		}
		drained = append(drained, p)
	}
	if _, ok := f.wan.Ports.Allocate(); ok {
		t.Fatal("pool should be exhausted except for the Link's own port")
	}

	f.lanIf.DissolveLink(link)

	got, ok := f.wan.Ports.Allocate()
	if !ok {
		t.Fatal("want the Link's port to be allocatable again after dissolution")
	}
	if got != natPort {
		t.Fatalf("want the released port %d back, got %d", natPort, got)
	}
}

// TestLinkIdleExpiry covers spec §9 Open Question 2: a UDP Link that has
// gone quiet past its idle timeout is swept and dissolved by ExpireLinks on
// the next poll, while a Link touched more recently survives the same call.
func TestLinkIdleExpiry(t *testing.T) {
	f := newNATRouterFixture(t)
	f.lanIf.ARP.Store(clientIP, clientMAC)
	f.wanIf.ARP.Store(remoteIP, remoteMAC)

	pkt := buildUDP(clientMAC, lanMAC, clientIP, remoteIP, 40000, 53, 64, []byte("hello"))
	d := f.lanP.rx(pkt)
	if outcome := Dispatch(f.lanIf, RXPacket{Descriptor: d, Data: pkt}); outcome.Kind != natif.Accept {
		t.Fatalf("want Accept, got %s", outcome)
	}
	if f.lan.Links.Len() != 1 {
		t.Fatalf("want one Link opened, got %d", f.lan.Links.Len())
	}

	var l *Link
	for _, id := range f.lanIf.udpLinks {
		if got, ok := f.lan.Links.Get(id); ok {
			l = got
		}
	}
	if l == nil {
		t.Fatal("expected the new UDP link to be active on lan0")
	}

	// Well within the idle timeout: a sweep right now must not touch it.
	f.lanIf.ExpireLinks(time.Now())
	if _, ok := f.lan.Links.Get(l.ID); !ok {
		t.Fatal("link must still be active before its idle timeout elapses")
	}

	// Past IdleTimeoutUDP since lastActivity: the next sweep must dissolve it.
	f.lanIf.ExpireLinks(time.Now().Add(IdleTimeoutUDP + time.Second))
	if len(f.lanIf.udpLinks) != 0 {
		t.Errorf("want link removed from lan0's active list, got %d remaining", len(f.lanIf.udpLinks))
	}
	if _, ok := f.lan.Links.Get(l.ID); !ok {
		t.Fatal("link must still exist in the arena until the next ack-drain deletes it")
	}

	f.lanIf.DrainAcks()
	f.wanIf.DrainAcks()
	if _, ok := f.lan.Links.Get(l.ID); ok {
		t.Error("link must be gone from the arena after both interfaces drain their dissolved list")
	}
}

func udpPortOfLastTCP(t *testing.T, frame []byte) uint16 {
	t.Helper()
	ifrm := ipFrameOf(t, frame)
	tfrm, err := tcp.NewFrame(ifrm.Payload())
	if err != nil {
		t.Fatal(err)
	}
	return tfrm.SourcePort()
}
