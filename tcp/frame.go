// Package tcp provides zero-copy read/write access to a TCP segment header.
// It does not implement a TCP connection state machine: this router only
// needs enough of the header to demultiplex flows (§5.5 Link table) and
// detect FIN/RST for teardown, matching spec.md's Non-goal "no stateful TCP
// reassembly — links are demultiplex handles, not stream reassemblers."
package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ifrouter/natif"
)

const sizeHeaderTCP = 20

// NewFrame returns a Frame over buf. An error is returned if buf is shorter
// than the fixed 20-byte TCP header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame is a zero-copy view over a TCP segment.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice the frame was created with.
func (tfrm Frame) RawData() []byte { return tfrm.buf }

func (tfrm Frame) SourcePort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[0:2]) }
func (tfrm Frame) SetSourcePort(v uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[0:2], v)
}

func (tfrm Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[2:4]) }
func (tfrm Frame) SetDestinationPort(v uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[2:4], v)
}

func (tfrm Frame) Seq() uint32 { return binary.BigEndian.Uint32(tfrm.buf[4:8]) }
func (tfrm Frame) SetSeq(v uint32) {
	binary.BigEndian.PutUint32(tfrm.buf[4:8], v)
}

func (tfrm Frame) Ack() uint32 { return binary.BigEndian.Uint32(tfrm.buf[8:12]) }
func (tfrm Frame) SetAck(v uint32) {
	binary.BigEndian.PutUint32(tfrm.buf[8:12], v)
}

// OffsetAndFlags returns the data-offset (in 32-bit words) and flag bits.
func (tfrm Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(tfrm.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

func (tfrm Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(tfrm.buf[12:14], v)
}

// HeaderLength returns the TCP header length in bytes, options included.
func (tfrm Frame) HeaderLength() int {
	offset, _ := tfrm.OffsetAndFlags()
	return 4 * int(offset)
}

// Flags returns just the flag bits of the header.
func (tfrm Frame) Flags() Flags {
	_, flags := tfrm.OffsetAndFlags()
	return flags
}

func (tfrm Frame) WindowSize() uint16 { return binary.BigEndian.Uint16(tfrm.buf[14:16]) }
func (tfrm Frame) SetWindowSize(v uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[14:16], v)
}

func (tfrm Frame) CRC() uint16 { return binary.BigEndian.Uint16(tfrm.buf[16:18]) }
func (tfrm Frame) SetCRC(v uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[16:18], v)
}

func (tfrm Frame) UrgentPtr() uint16 { return binary.BigEndian.Uint16(tfrm.buf[18:20]) }

// Payload returns the segment data, excluding options. Call ValidateSize
// first to avoid a panic on a malformed offset field.
func (tfrm Frame) Payload() []byte { return tfrm.buf[tfrm.HeaderLength():] }

// ClearHeader zeros out the fixed (non-option) header bytes.
func (tfrm Frame) ClearHeader() {
	for i := range tfrm.buf[:sizeHeaderTCP] {
		tfrm.buf[i] = 0
	}
}

func (tfrm Frame) String() string {
	return fmt.Sprintf("TCP :%d -> :%d seq=%d ack=%d %s", tfrm.SourcePort(), tfrm.DestinationPort(), tfrm.Seq(), tfrm.Ack(), tfrm.Flags())
}

var (
	errShort     = errors.New("tcp: short buffer")
	errBadOffset = errors.New("tcp: offset invalid")
	errShortOff  = errors.New("tcp: offset exceeds frame")
	errZeroSrc   = errors.New("tcp: zero source port")
	errZeroDst   = errors.New("tcp: zero destination port")
)

// ValidateSize checks the header-length field against the buffer's actual
// size and records a mismatch on v.
func (tfrm Frame) ValidateSize(v *natif.Validator) {
	off := tfrm.HeaderLength()
	if off < sizeHeaderTCP {
		v.AddError(errBadOffset)
	}
	if off > len(tfrm.RawData()) {
		v.AddError(errShortOff)
	}
}

// ValidateExceptCRC runs ValidateSize plus the port-zero checks. Checksum
// validation is left to the caller since it needs the IPv4 pseudo-header.
func (tfrm Frame) ValidateExceptCRC(v *natif.Validator) {
	tfrm.ValidateSize(v)
	if tfrm.DestinationPort() == 0 {
		v.AddError(errZeroDst)
	}
	if tfrm.SourcePort() == 0 {
		v.AddError(errZeroSrc)
	}
}

// CRCWritePseudo folds the TCP pseudo-header fields into crc, given the IPv4
// source/destination addresses and protocol number already known to the
// caller (see ipv4.Frame.CRCWriteTCPPseudo, which this mirrors).
func CRCWritePseudo(crc *natif.CRC791, srcIP, dstIP [4]byte, tcpLen uint16) {
	crc.Write(srcIP[:])
	crc.Write(dstIP[:])
	crc.AddUint16(tcpLen)
	crc.AddUint16(uint16(natif.IPProtoTCP))
}
