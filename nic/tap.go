//go:build linux

// Package nic implements iface.PacketPort over a Linux tun/tap device,
// bringing the interface up and assigning its address through netlink
// instead of shelling out to the ip(8) binary.
package nic

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"unsafe"

	"github.com/ifrouter/natif/iface"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const ifnamsiz = unix.IFNAMSIZ

// TapPort is an iface.PacketPort backed by a /dev/net/tun TAP device. One
// TapPort per router-facing Interface. RX is drained by polling the fd in a
// caller-owned goroutine (Poll) so Drain never itself blocks.
type TapPort struct {
	fd   int
	name string
	mtu  int

	mu        sync.Mutex
	rxQueue   []iface.RXPacket
	allocated map[uint64][]byte
	reclaimed []iface.Descriptor
	nextID    uint64

	log *slog.Logger
}

// Config describes how to create or attach to a tap device.
type Config struct {
	Name string
	// Addr, if valid, is assigned to the device and the link is brought up.
	Addr netip.Prefix
	MTU  int
	Log  *slog.Logger
}

// NewTapPort creates (or reuses, if it already exists) a TAP device named
// cfg.Name, assigns cfg.Addr via netlink if given, and brings the link up.
// Grounded on the teacher's internal/tap.go NewTap: the TUNSETIFF ioctl
// plumbing is kept, now built on golang.org/x/sys/unix's constants and
// raw syscall wrapper instead of the standard syscall package, and
// bring-up uses vishvananda/netlink instead of exec.Command("ip", ...) so
// it doesn't depend on a shell being present in the runtime image.
func NewTapPort(cfg Config) (*TapPort, error) {
	if len(cfg.Name) >= ifnamsiz {
		return nil, errors.New("nic: interface name too long")
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("nic: open /dev/net/tun: %w", err)
	}
	ifr := makeifreq(cfg.Name)
	ifr.setFlags(uint16(unix.IFF_TAP | unix.IFF_NO_PI))
	if err := ioctl(fd, unix.TUNSETIFF, ifr.ptr()); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nic: TUNSETIFF %s: %w", cfg.Name, err)
	}

	link, err := netlink.LinkByName(cfg.Name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nic: link lookup %s: %w", cfg.Name, err)
	}
	if cfg.MTU > 0 {
		if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("nic: set mtu: %w", err)
		}
	}
	if cfg.Addr.IsValid() {
		nlAddr, err := netlink.ParseAddr(cfg.Addr.String())
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("nic: parse addr %s: %w", cfg.Addr, err)
		}
		if err := netlink.AddrReplace(link, nlAddr); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("nic: assign addr: %w", err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nic: link up %s: %w", cfg.Name, err)
	}

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 1500
	}
	return &TapPort{
		fd: fd, name: cfg.Name, mtu: mtu,
		allocated: make(map[uint64][]byte),
		log:       cfg.Log,
	}, nil
}

// Poll reads one frame off the tap fd, enqueueing it for the next Drain.
// Callers loop this in their own goroutine; Poll blocks on the read.
func (p *TapPort) Poll() error {
	buf := make([]byte, p.mtu+18) // room for the 14-byte ethernet header plus VLAN tag slack.
	n, err := unix.Read(p.fd, buf)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.nextID++
	d := p.nextID
	p.rxQueue = append(p.rxQueue, iface.RXPacket{Descriptor: d, Data: buf[:n]})
	p.mu.Unlock()
	return nil
}

func (p *TapPort) Drain() []iface.RXPacket {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.rxQueue
	p.rxQueue = nil
	return out
}

// Ack is a no-op past bookkeeping: TapPort hands Drain its own
// already-copied buffers, so there is no descriptor-backed resource to
// release on the RX side.
func (p *TapPort) Ack(d iface.Descriptor) error {
	return nil
}

func (p *TapPort) Alloc(size int) (iface.Descriptor, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	d := p.nextID
	buf := make([]byte, size)
	p.allocated[d] = buf
	return d, buf, nil
}

func (p *TapPort) Submit(d iface.Descriptor, n int) error {
	id := d.(uint64)
	p.mu.Lock()
	buf, ok := p.allocated[id]
	delete(p.allocated, id)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("nic: submit of unknown descriptor %v", d)
	}
	if _, err := unix.Write(p.fd, buf[:n]); err != nil {
		return fmt.Errorf("nic: tap write: %w", err)
	}
	p.mu.Lock()
	p.reclaimed = append(p.reclaimed, d)
	p.mu.Unlock()
	return nil
}

func (p *TapPort) Release(d iface.Descriptor) error {
	p.mu.Lock()
	delete(p.allocated, d.(uint64))
	p.mu.Unlock()
	return nil
}

func (p *TapPort) Reclaimed() []iface.Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.reclaimed
	p.reclaimed = nil
	return out
}

func (p *TapPort) Close() error { return unix.Close(p.fd) }

func ioctl(fd int, request uintptr, argp unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(argp))
	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}

type ifreq struct {
	name [ifnamsiz]byte
	data [64]byte
}

func makeifreq(name string) ifreq {
	var ifr ifreq
	copy(ifr.name[:], name)
	return ifr
}

func (r *ifreq) setFlags(flags uint16) {
	*(*uint16)(unsafe.Pointer(&r.data[0])) = flags
}

func (r *ifreq) ptr() unsafe.Pointer { return unsafe.Pointer(r) }
