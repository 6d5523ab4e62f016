package dhcpv4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/ifrouter/natif"
	"github.com/ifrouter/natif/internal"
)

// ServerConfig is the pool and lease configuration handed down by a Domain's
// control-plane bindings (spec §4.7, §4.8).
type ServerConfig struct {
	ServerAddr   [4]byte
	Subnet       netip.Prefix
	Low, High    netip.Addr // inclusive allocation range; zero values default to the subnet's host range.
	Gateway      [4]byte
	DNS          [4]byte
	LeaseSeconds uint32
}

const defaultLeaseSeconds = 86400

// Server is the DHCP allocation engine for one domain. One Demux/Encapsulate
// pair is driven per interface owning the bound IP, but allocation state is
// shared across every client in the pool.
type Server struct {
	connID   uint64
	siaddr   [4]byte
	gwaddr   [4]byte
	dns      [4]byte
	port     uint16
	subnet   netip.Prefix
	low      netip.Addr
	high     netip.Addr
	lease    uint32
	hosts    map[[36]byte]serverEntry
	vld      natif.Validator
	pending  int
	released [][36]byte // tombstones drained by DrainReleased, §4.5 discipline.
}

type serverEntry struct {
	hostname    string
	xid         uint32
	port        uint16
	addr        [4]byte
	requestlist [10]byte
	hwaddr      [6]byte
	clientIdlen uint8
	state       ClientState
}

var (
	errNoSubnet       = errors.New("dhcpv4: server config missing subnet")
	errServerOutOfNet = errors.New("dhcpv4: server address outside subnet")
	errPoolFull       = errors.New("dhcp pool full")
)

// Configure resets the server and installs a new pool/lease configuration.
// It validates that the subnet is non-zero and that ServerAddr falls inside
// it before committing, per spec §9 Testable Property "a malformed config
// is rejected, not silently clamped".
func (sv *Server) Configure(cfg ServerConfig) error {
	if cfg.Subnet == (netip.Prefix{}) || cfg.Subnet.Bits() < 0 {
		return errNoSubnet
	}
	svIP := netip.AddrFrom4(cfg.ServerAddr)
	if !cfg.Subnet.Contains(svIP) {
		return errServerOutOfNet
	}
	low, high := cfg.Low, cfg.High
	if !low.IsValid() || !high.IsValid() {
		low, high = hostRange(cfg.Subnet)
	}
	lease := cfg.LeaseSeconds
	if lease == 0 {
		lease = defaultLeaseSeconds
	}
	*sv = Server{
		connID: sv.connID + 1,
		siaddr: cfg.ServerAddr,
		gwaddr: cfg.Gateway,
		dns:    cfg.DNS,
		port:   DefaultServerPort,
		subnet: cfg.Subnet,
		low:    low,
		high:   high,
		lease:  lease,
		hosts:  sv.hosts,
	}
	if sv.hosts == nil {
		sv.hosts = make(map[[36]byte]serverEntry)
	} else {
		for k := range sv.hosts {
			delete(sv.hosts, k)
		}
	}
	return nil
}

// hostRange returns the first and last usable host address of prefix,
// excluding network and broadcast addresses for prefixes shorter than /31.
// For /31 and /32 both values are the masked base address.
func hostRange(prefix netip.Prefix) (low, high netip.Addr) {
	base := prefix.Masked().Addr()
	baseU32 := binary.BigEndian.Uint32(base.AsSlice())
	bits := prefix.Bits()
	if bits >= 31 {
		return base, base
	}
	hostBits := 32 - bits
	count := uint32(1) << uint(hostBits)
	lowU32 := baseU32 + 1
	highU32 := baseU32 + count - 2
	var lb, hb [4]byte
	binary.BigEndian.PutUint32(lb[:], lowU32)
	binary.BigEndian.PutUint32(hb[:], highU32)
	return netip.AddrFrom4(lb), netip.AddrFrom4(hb)
}

// Reset clears all lease state while keeping the pool/lease configuration.
func (sv *Server) Reset(serverAddr [4]byte, port uint16) {
	sv.siaddr = serverAddr
	sv.port = port
	sv.connID++
	if sv.hosts == nil {
		sv.hosts = make(map[[36]byte]serverEntry)
	} else {
		for k := range sv.hosts {
			delete(sv.hosts, k)
		}
	}
}

func (sv *Server) ConnectionID() *uint64 { return &sv.connID }
func (sv *Server) Protocol() uint64      { return uint64(natif.IPProtoUDP) }
func (sv *Server) Port() uint16          { return sv.port }

// nextFreeIP scans [low..high] in order for the first address not present in
// hosts and not the server's own address, per spec §4.7. Returns the zero
// address when the pool is exhausted.
func (sv *Server) nextFreeIP() (netip.Addr, bool) {
	if !sv.low.IsValid() || !sv.high.IsValid() {
		sv.low, sv.high = hostRange(sv.subnet)
	}
	inUse := make(map[[4]byte]bool, len(sv.hosts))
	for _, h := range sv.hosts {
		if h.state != 0 {
			inUse[h.addr] = true
		}
	}
	for ip := sv.low; ; ip = ip.Next() {
		if !inUse[ip.As4()] && ip.As4() != sv.siaddr {
			return ip, true
		}
		if ip == sv.high {
			break
		}
	}
	return netip.Addr{}, false
}

func (sv *Server) Demux(carrierData []byte, frameOffset int) error {
	isIPLayer := frameOffset >= 28
	dhcpData := carrierData[frameOffset:]
	dfrm, err := NewFrame(dhcpData)
	if err != nil {
		return err
	}
	sv.vld.Reset()
	dfrm.ValidateSize(&sv.vld)
	if sv.vld.HasError() {
		return sv.vld.Err()
	}

	var msgType MessageType
	var clientID []byte
	var reqlist []byte
	var reqAddr []byte
	var hostname []byte
	err = dfrm.ForEachOption(func(off int, op OptNum, data []byte) error {
		switch op {
		case OptMessageType:
			if len(data) == 1 {
				msgType = MessageType(data[0])
			}
		case OptHostName:
			if len(data) <= 36 {
				hostname = data
			}
		case OptClientIdentifier:
			if len(data) <= 36 {
				clientID = data
			}
		case OptParameterRequestList:
			if len(data) > 36 {
				return errors.New("too many request options")
			}
			reqlist = data
		case OptRequestedIPaddress:
			if len(data) == 4 {
				reqAddr = data
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	var clientIDRaw [36]byte
	var client serverEntry
	var clientExists bool
	if len(clientID) == 0 {
		client, clientIDRaw, clientExists = sv.getClientByIP(*dfrm.CIAddr())
	} else {
		copy(clientIDRaw[:], clientID)
		client, clientExists = sv.getClient(clientIDRaw)
	}

	switch msgType {
	case MsgDiscover:
		var addr [4]byte
		if clientExists && (client.state == StateSelecting || client.state == StateBound) {
			// Client already has an OFFERED or BOUND allocation: reuse its
			// IP instead of handing out a second one (spec §4.7).
			addr = client.addr
		} else {
			free, ok := sv.nextFreeIP()
			if !ok {
				return errPoolFull
			}
			addr = free.As4()
		}
		copy(client.requestlist[:], reqlist)
		client.addr = addr
		client.state = StateInit
		client.hostname = string(hostname)
		client.xid = dfrm.XID()
		client.hwaddr = *dfrm.CHAddrAs6()
		if isIPLayer {
			_, client.port, _ = getSrcIPPort(carrierData)
		}
		client.clientIdlen = uint8(len(clientID))
		sv.pending++

	case MsgRequest:
		if !clientExists {
			err = errors.New("request for non existing client?")
		} else if dfrm.XID() != client.xid {
			err = errors.New("unexpected XID for client")
		} else if client.state != StateSelecting && client.state != StateRequesting {
			err = errors.New("DHCP request unexpected state")
		} else if len(reqAddr) == 4 && [4]byte(reqAddr) != client.addr {
			err = errors.New("requested address does not match offer, nak")
		}
		if err != nil {
			break
		}
		client.state = StateRequesting
		sv.pending++

	case MsgRelease:
		if clientExists {
			sv.released = append(sv.released, clientIDRaw)
		}
		return nil

	default:
		err = errors.New("unhandled message type")
	}
	if err != nil {
		return fmt.Errorf("msgtype=%s client=%+v: %w", msgType.String(), client, err)
	}
	sv.hosts[clientIDRaw] = client
	return nil
}

func (sv *Server) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	carrierIsIP := offsetToIP >= 0
	dfrm, err := NewFrame(carrierData[offsetToFrame:])
	if err != nil {
		return 0, err
	}
	optBuf := dfrm.OptionsPayload()
	if len(optBuf) < 255 {
		return 0, errOptionNotFit
	}
	if sv.pending == 0 {
		return 0, nil // No pending outgoing frames.
	}

	var client serverEntry
	var clientID [36]byte
	for k, v := range sv.hosts {
		if v.state == StateInit || v.state == StateRequesting {
			client = v
			clientID = k
			break
		}
	}
	if client.state == 0 {
		return 0, nil // Nothing to do.
	}
	futureState := ClientState(0)
	var nopt int
	var msgType MessageType
	switch client.state {
	case StateInit:
		futureState = StateSelecting
		msgType = MsgOffer
	case StateRequesting:
		futureState = StateBound
		msgType = MsgAck
		*dfrm.CIAddr() = client.addr
	}
	n, _ := EncodeOption(optBuf[nopt:], OptMessageType, byte(msgType))
	nopt += n
	n, _ = EncodeOption(optBuf[nopt:], OptServerIdentification, sv.siaddr[:]...)
	nopt += n
	if sv.gwaddr != [4]byte{} {
		n, _ = EncodeOption(optBuf[nopt:], OptRouter, sv.gwaddr[:]...)
		nopt += n
	}
	if sv.dns != [4]byte{} {
		n, _ = EncodeOption(optBuf[nopt:], OptDNSServers, sv.dns[:]...)
		nopt += n
	}
	if sv.subnet.IsValid() {
		mask := subnetMaskBytes(sv.subnet.Bits())
		n, _ = EncodeOption(optBuf[nopt:], OptSubnetMask, mask[:]...)
		nopt += n
	}
	n, _ = EncodeOption32(optBuf[nopt:], OptIPAddressLeaseTime, sv.lease)
	nopt += n
	n, _ = EncodeOption32(optBuf[nopt:], OptRenewTimeValue, sv.lease/2)
	nopt += n
	n, _ = EncodeOption32(optBuf[nopt:], OptRebindingTimeValue, sv.lease*7/8)
	nopt += n
	optBuf[nopt] = byte(OptEnd)
	nopt++

	dfrm.ClearHeader()
	dfrm.SetOp(OpReply)
	dfrm.SetHardware(1, 6, 0)
	dfrm.SetXID(client.xid)
	dfrm.SetSecs(0)
	dfrm.SetFlags(0)
	*dfrm.YIAddr() = client.addr
	*dfrm.SIAddr() = sv.siaddr
	*dfrm.GIAddr() = sv.gwaddr
	copy(dfrm.CHAddrAs6()[:], client.hwaddr[:])
	dfrm.SetMagicCookie(MagicCookie)
	if carrierIsIP {
		err = internal.SetIPAddrs(carrierData[offsetToIP:], 0, sv.siaddr[:], client.addr[:])
		if err != nil {
			return 0, err
		}
	}

	client.state = futureState
	sv.hosts[clientID] = client
	sv.pending--
	return OptionsOffset + nopt, nil
}

func subnetMaskBytes(bits int) (mask [4]byte) {
	for i := 0; i < bits; i++ {
		mask[i/8] |= 1 << uint(7-i%8)
	}
	return mask
}

// DrainReleased destroys every tombstoned allocation, returning the number
// removed. Call once per ack cycle, never mid-packet (§4.5 discipline).
func (sv *Server) DrainReleased() int {
	n := len(sv.released)
	for _, id := range sv.released {
		delete(sv.hosts, id)
	}
	sv.released = sv.released[:0]
	return n
}

// LeaseRecord is the persisted shape of one bound allocation, exported for
// leasestore to serialize across restarts (SPEC_FULL "lease persistence").
// Only StateBound entries round-trip through it: an in-flight OFFER the
// server never ACKed is cheaper to let the client re-DISCOVER than to
// resurrect.
type LeaseRecord struct {
	ClientID [36]byte
	Addr     [4]byte
	Hostname string
	HWAddr   [6]byte
	Xid      uint32
}

// Leases returns every currently bound allocation for persistence.
func (sv *Server) Leases() []LeaseRecord {
	out := make([]LeaseRecord, 0, len(sv.hosts))
	for id, h := range sv.hosts {
		if h.state != StateBound {
			continue
		}
		out = append(out, LeaseRecord{ClientID: id, Addr: h.addr, Hostname: h.hostname, HWAddr: h.hwaddr, Xid: h.xid})
	}
	return out
}

// RestoreLeases rehydrates bound allocations from a prior persistence
// snapshot. Call once after Configure and before the server starts
// accepting DISCOVERs, so nextFreeIP's in-use scan already excludes them.
func (sv *Server) RestoreLeases(records []LeaseRecord) {
	if sv.hosts == nil {
		sv.hosts = make(map[[36]byte]serverEntry)
	}
	for _, r := range records {
		sv.hosts[r.ClientID] = serverEntry{
			hostname: r.Hostname, xid: r.Xid, addr: r.Addr, hwaddr: r.HWAddr, state: StateBound,
		}
	}
}

func (sv *Server) getClient(clientID [36]byte) (serverEntry, bool) {
	entry, ok := sv.hosts[clientID]
	return entry, ok
}

func (sv *Server) getClientByIP(ip [4]byte) (serverEntry, [36]byte, bool) {
	for k, v := range sv.hosts {
		if v.addr == ip {
			return v, k, true
		}
	}
	return serverEntry{}, [36]byte{}, false
}

func getSrcIPPort(ipCarrier []byte) (srcaddr []byte, port uint16, err error) {
	srcaddr, _, _, off, err := internal.GetIPAddr(ipCarrier)
	if err != nil {
		return srcaddr, port, err
	} else if len(ipCarrier[off:]) < 2 {
		return srcaddr, port, errors.New("getSrcIPPort got only IP layer")
	}
	port = binary.BigEndian.Uint16(ipCarrier[off:]) // TCP and UDP share same port offsets.
	return srcaddr, port, nil
}
