//go:build !linux

package nic

import (
	"errors"
	"log/slog"
	"net/netip"

	"github.com/ifrouter/natif/iface"
)

// Config describes how to create or attach to a tap device.
type Config struct {
	Name string
	Addr netip.Prefix
	MTU  int
	Log  *slog.Logger
}

// TapPort is unavailable outside Linux; tun/tap and netlink are
// Linux-specific. A real port for other platforms belongs in its own
// build-tagged file the way the teacher splits tap.go/tap_nolinux.go.
type TapPort struct{}

func NewTapPort(cfg Config) (*TapPort, error) {
	return nil, errors.ErrUnsupported
}

func (p *TapPort) Drain() []iface.RXPacket                          { return nil }
func (p *TapPort) Ack(d iface.Descriptor) error                     { return errors.ErrUnsupported }
func (p *TapPort) Alloc(size int) (iface.Descriptor, []byte, error) { return nil, nil, errors.ErrUnsupported }
func (p *TapPort) Submit(d iface.Descriptor, n int) error           { return errors.ErrUnsupported }
func (p *TapPort) Release(d iface.Descriptor) error                 { return errors.ErrUnsupported }
func (p *TapPort) Reclaimed() []iface.Descriptor                    { return nil }
func (p *TapPort) Close() error                                     { return errors.ErrUnsupported }
func (p *TapPort) Poll() error                                      { return errors.ErrUnsupported }
