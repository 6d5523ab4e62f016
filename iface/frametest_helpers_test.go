package iface

import (
	"github.com/ifrouter/natif"
	"github.com/ifrouter/natif/arp"
	"github.com/ifrouter/natif/ethernet"
	"github.com/ifrouter/natif/ipv4"
	"github.com/ifrouter/natif/tcp"
	"github.com/ifrouter/natif/udp"
)

const (
	ethHeaderLen = 14
	ipHdrLenTest = 20
)

func buildUDP(srcMAC, dstMAC [6]byte, srcIP, dstIP [4]byte, srcPort, dstPort uint16, ttl uint8, payload []byte) []byte {
	total := ethHeaderLen + ipHdrLenTest + 8 + len(payload)
	buf := make([]byte, total)
	efrm, _ := ethernet.NewFrame(buf)
	copy(efrm.DestinationHardwareAddr()[:], dstMAC[:])
	copy(efrm.SourceHardwareAddr()[:], srcMAC[:])
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(buf[ethHeaderLen:])
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTTL(ttl)
	ifrm.SetProtocol(natif.IPProtoUDP)
	ifrm.SetTotalLength(uint16(ipHdrLenTest + 8 + len(payload)))
	*ifrm.SourceAddr() = srcIP
	*ifrm.DestinationAddr() = dstIP

	ufrm, _ := udp.NewFrame(buf[ethHeaderLen+ipHdrLenTest:])
	ufrm.SetSourcePort(srcPort)
	ufrm.SetDestinationPort(dstPort)
	ufrm.SetLength(uint16(8 + len(payload)))
	copy(ufrm.Payload(), payload)

	ufrm.SetCRC(0)
	var crc natif.CRC791
	ifrm.CRCWriteUDPPseudo(&crc)
	crc.AddUint16(ufrm.Length())
	crc.Write(ufrm.RawData())
	ufrm.SetCRC(natif.NeverZeroChecksum(crc.Sum16()))

	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	return buf
}

func buildTCP(srcMAC, dstMAC [6]byte, srcIP, dstIP [4]byte, srcPort, dstPort uint16, ttl uint8, flags tcp.Flags) []byte {
	total := ethHeaderLen + ipHdrLenTest + 20
	buf := make([]byte, total)
	efrm, _ := ethernet.NewFrame(buf)
	copy(efrm.DestinationHardwareAddr()[:], dstMAC[:])
	copy(efrm.SourceHardwareAddr()[:], srcMAC[:])
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(buf[ethHeaderLen:])
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTTL(ttl)
	ifrm.SetProtocol(natif.IPProtoTCP)
	ifrm.SetTotalLength(uint16(ipHdrLenTest + 20))
	*ifrm.SourceAddr() = srcIP
	*ifrm.DestinationAddr() = dstIP

	tfrm, _ := tcp.NewFrame(buf[ethHeaderLen+ipHdrLenTest:])
	tfrm.SetSourcePort(srcPort)
	tfrm.SetDestinationPort(dstPort)
	tfrm.SetSeq(1)
	tfrm.SetOffsetAndFlags(5, flags)

	tfrm.SetCRC(0)
	var crc natif.CRC791
	tcp.CRCWritePseudo(&crc, srcIP, dstIP, 20)
	crc.Write(tfrm.RawData())
	tfrm.SetCRC(crc.Sum16())

	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	return buf
}

func buildARP(op arp.Operation, srcMAC [6]byte, senderIP [4]byte, dstMAC [6]byte, targetIP [4]byte) []byte {
	buf := make([]byte, ethHeaderLen+28)
	efrm, _ := ethernet.NewFrame(buf)
	copy(efrm.DestinationHardwareAddr()[:], dstMAC[:])
	copy(efrm.SourceHardwareAddr()[:], srcMAC[:])
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, _ := arp.NewFrame(buf[ethHeaderLen:])
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(op)
	hwS, protoS := afrm.Sender()
	copy(hwS, srcMAC[:])
	copy(protoS, senderIP[:])
	hwT, protoT := afrm.Target()
	copy(hwT, dstMAC[:])
	copy(protoT, targetIP[:])
	return buf
}

func newTestARPEngine(mac [6]byte, ip [4]byte) *arp.Engine {
	e, err := arp.NewEngine(arp.HandlerConfig{
		HardwareAddr: mac[:],
		ProtocolAddr: ip[:],
		MaxQueries:   4,
		MaxPending:   4,
		HardwareType: 1,
		ProtocolType: ethernet.TypeIPv4,
	}, nil)
	if err != nil {
		panic(err)
	}
	return e
}

func ipFrameOf(t interface{ Fatal(args ...any) }, data []byte) ipv4.Frame {
	ifrm, err := ipv4.NewFrame(data[ethHeaderLen:])
	if err != nil {
		t.Fatal(err)
	}
	return ifrm
}

func udpFrameOf(t interface{ Fatal(args ...any) }, ifrm ipv4.Frame) udp.Frame {
	ufrm, err := udp.NewFrame(ifrm.Payload())
	if err != nil {
		t.Fatal(err)
	}
	return ufrm
}
