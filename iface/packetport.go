package iface

import "errors"

// Descriptor is an opaque RX/TX packet handle owned by a PacketPort
// implementation (the NIC session). Interface never interprets it; it only
// passes it back to the port that issued it.
type Descriptor any

// RXPacket pairs an RX descriptor with the buffer to parse in place.
type RXPacket struct {
	Descriptor Descriptor
	Data       []byte
}

// PacketPort is the contract an Interface consumes to talk to the raw NIC
// session (spec §6 "Packet stream"). It is supplied by composition at
// Interface construction (Design Note 3: "no inheritance").
type PacketPort interface {
	// Drain returns RX packets available since the last call
	// (ready_to_submit). Implementations may return an empty slice.
	Drain() []RXPacket
	// Ack reclaims an RX descriptor once its packet has been fully
	// processed (or its holding waiter resumed/expired).
	Ack(d Descriptor) error
	// Alloc reserves a TX buffer of size bytes. Returns ErrAllocFailed on
	// transient exhaustion. Send hands that error back to its caller; the
	// forwarding paths report it as a DropWarn Outcome, and no path builds
	// an AllocFailed Outcome from it.
	Alloc(size int) (Descriptor, []byte, error)
	// Submit transmits a previously allocated buffer, using only the
	// first n bytes of it.
	Submit(d Descriptor, n int) error
	// Release abandons a previously allocated buffer without
	// transmitting it.
	Release(d Descriptor) error
	// Reclaimed returns TX descriptors the peer has finished with
	// (ready_to_ack), so deferred destructions (dissolved links, drained
	// DHCP releases) can run.
	Reclaimed() []Descriptor
}

// ErrAllocFailed is returned by PacketPort.Alloc under TX back-pressure.
var ErrAllocFailed = errors.New("iface: tx allocation failed")

// Send allocates a TX buffer, lets writer fill it, and submits exactly the
// bytes writer reports having written. On alloc failure it returns
// ErrAllocFailed without calling writer, matching spec §4.1's TX discipline.
func Send(port PacketPort, size int, writer func(buf []byte) (int, error)) error {
	d, buf, err := port.Alloc(size)
	if err != nil {
		return ErrAllocFailed
	}
	n, err := writer(buf)
	if err != nil {
		_ = port.Release(d)
		return err
	}
	return port.Submit(d, n)
}

// SendFrame is the thin send(frame, size) variant: it copies an
// already-built frame into a fresh TX buffer.
func SendFrame(port PacketPort, frame []byte) error {
	return Send(port, len(frame), func(buf []byte) (int, error) {
		return copy(buf, frame), nil
	})
}
