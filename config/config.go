// Package config loads a natifd router's interface/domain/rule/DHCP-server
// configuration from a TOML document, handing already-parsed Go values to
// iface rather than making iface itself a config format (spec §6
// "Configuration: consumed, not parsed here").
package config

import (
	"fmt"
	"net/netip"

	"github.com/BurntSushi/toml"
	"github.com/ifrouter/natif/iface"
)

// Document is the root of a natifd TOML config file.
type Document struct {
	Domain []DomainConfig `toml:"domain"`
}

// DomainConfig describes one routing domain and the interfaces bound to it.
type DomainConfig struct {
	Name      string            `toml:"name"`
	Addr      string            `toml:"addr"`      // CIDR, e.g. "10.0.0.1/24"
	Gateway   string            `toml:"gateway"`    // optional
	Broadcast string            `toml:"broadcast"`  // optional, defaults to Addr's broadcast
	AntiSpoof bool              `toml:"anti_spoof"` // reject inbound packets whose source falls outside Addr's prefix
	ARPProxy  bool              `toml:"arp_proxy"`  // answer ARP requests for any address in Addr's prefix, not just interfaces' own IPs
	Interface []InterfaceConfig `toml:"interface"`
	Forward   []ForwardConfig   `toml:"forward"`
	Transport []TransportConfig `toml:"transport"`
	Route     []RouteConfig     `toml:"route"`
	DHCP      *DHCPConfig       `toml:"dhcp"`
}

// InterfaceConfig names a physical/tap interface bound to a domain. nic
// construction from this (device name, MAC) is left to cmd/natifd, which
// owns the PacketPort lifetime; config only carries the binding data.
type InterfaceConfig struct {
	Name string `toml:"name"`
	MAC  string `toml:"mac"`
	DHCP bool   `toml:"dhcp"` // true: run a DHCP client on this interface instead of a static Addr
}

// ForwardConfig is one port-forwarding rule (spec §4.4 ForwardRule).
type ForwardConfig struct {
	Proto      string `toml:"proto"`
	Port       uint16 `toml:"port"`
	RemoteZone string `toml:"remote_domain"`
	RemoteAddr string `toml:"remote_addr"`
	RemotePort uint16 `toml:"remote_port"`
}

// TransportConfig is one protocol-level redirection rule (TransportRule).
type TransportConfig struct {
	Proto      string `toml:"proto"`
	Port       uint16 `toml:"port"`
	RemoteZone string `toml:"remote_domain"`
}

// RouteConfig is one longest-prefix IP rule.
type RouteConfig struct {
	Prefix     string `toml:"prefix"`
	RemoteZone string `toml:"remote_domain"`
}

// DHCPConfig is a domain's DHCP server pool, mirrored from iface.DHCPServerConfig.
type DHCPConfig struct {
	Low     string `toml:"low"`
	High    string `toml:"high"`
	Lease   uint32 `toml:"lease_seconds"`
	DNS     string `toml:"dns"`
	Gateway string `toml:"gateway"`
}

// Load parses a TOML document from path into a Document.
func Load(path string) (*Document, error) {
	var doc Document
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &doc, nil
}

// Built is the fully-resolved result of applying a DomainConfig to live
// iface types, ready to hand to Domain.Reconfigure.
type Built struct {
	IPConfig iface.IPConfig
	Rules    *iface.RuleSet
	DHCP     *iface.DHCPServerConfig
}

// Build resolves one DomainConfig's string fields into netip/iface values.
func (dc DomainConfig) Build() (Built, error) {
	var b Built
	if dc.Addr != "" {
		prefix, err := netip.ParsePrefix(dc.Addr)
		if err != nil {
			return b, fmt.Errorf("config: domain %q addr: %w", dc.Name, err)
		}
		b.IPConfig.Addr = prefix.Addr()
		b.IPConfig.Prefix = prefix
		b.IPConfig.Broadcast = broadcastOf(prefix)
	}
	b.IPConfig.AntiSpoof = dc.AntiSpoof
	b.IPConfig.ARPProxy = dc.ARPProxy
	if dc.Gateway != "" {
		gw, err := netip.ParseAddr(dc.Gateway)
		if err != nil {
			return b, fmt.Errorf("config: domain %q gateway: %w", dc.Name, err)
		}
		b.IPConfig.Gateway = gw
	}
	if dc.Broadcast != "" {
		bc, err := netip.ParseAddr(dc.Broadcast)
		if err != nil {
			return b, fmt.Errorf("config: domain %q broadcast: %w", dc.Name, err)
		}
		b.IPConfig.Broadcast = bc
	}

	var forward []iface.ForwardRule
	for _, f := range dc.Forward {
		proto, err := parseProto(f.Proto)
		if err != nil {
			return b, fmt.Errorf("config: domain %q forward: %w", dc.Name, err)
		}
		remoteIP, err := netip.ParseAddr(f.RemoteAddr)
		if err != nil {
			return b, fmt.Errorf("config: domain %q forward remote_addr: %w", dc.Name, err)
		}
		forward = append(forward, iface.ForwardRule{
			Proto: proto, Port: f.Port, RemoteDomain: f.RemoteZone,
			RemoteIP: remoteIP, RemotePort: f.RemotePort,
		})
	}

	var transport []iface.TransportRule
	for _, tr := range dc.Transport {
		proto, err := parseProto(tr.Proto)
		if err != nil {
			return b, fmt.Errorf("config: domain %q transport: %w", dc.Name, err)
		}
		transport = append(transport, iface.TransportRule{Proto: proto, Port: tr.Port, RemoteDomain: tr.RemoteZone})
	}

	var routes []iface.IPRule
	for _, r := range dc.Route {
		prefix, err := netip.ParsePrefix(r.Prefix)
		if err != nil {
			return b, fmt.Errorf("config: domain %q route: %w", dc.Name, err)
		}
		routes = append(routes, iface.IPRule{Prefix: prefix, RemoteDomain: r.RemoteZone})
	}
	b.Rules = iface.NewRuleSet(forward, transport, routes)

	if dc.DHCP != nil {
		low, err := netip.ParseAddr(dc.DHCP.Low)
		if err != nil {
			return b, fmt.Errorf("config: domain %q dhcp low: %w", dc.Name, err)
		}
		high, err := netip.ParseAddr(dc.DHCP.High)
		if err != nil {
			return b, fmt.Errorf("config: domain %q dhcp high: %w", dc.Name, err)
		}
		var dns, gw netip.Addr
		if dc.DHCP.DNS != "" {
			if dns, err = netip.ParseAddr(dc.DHCP.DNS); err != nil {
				return b, fmt.Errorf("config: domain %q dhcp dns: %w", dc.Name, err)
			}
		}
		if dc.DHCP.Gateway != "" {
			if gw, err = netip.ParseAddr(dc.DHCP.Gateway); err != nil {
				return b, fmt.Errorf("config: domain %q dhcp gateway: %w", dc.Name, err)
			}
		}
		b.DHCP = &iface.DHCPServerConfig{Low: low, High: high, Lease: dc.DHCP.Lease, DNS: dns, Gateway: gw}
	}
	return b, nil
}

func parseProto(s string) (iface.Proto, error) {
	switch s {
	case "tcp":
		return iface.ProtoTCP, nil
	case "udp":
		return iface.ProtoUDP, nil
	default:
		return 0, fmt.Errorf("unknown proto %q", s)
	}
}

func broadcastOf(p netip.Prefix) netip.Addr {
	addr4 := p.Masked().Addr().As4()
	bits := p.Bits()
	hostBits := 32 - bits
	if hostBits <= 0 {
		return p.Addr()
	}
	var mask uint32 = (1 << uint(hostBits)) - 1
	be := uint32(addr4[0])<<24 | uint32(addr4[1])<<16 | uint32(addr4[2])<<8 | uint32(addr4[3])
	be |= mask
	return netip.AddrFrom4([4]byte{byte(be >> 24), byte(be >> 16), byte(be >> 8), byte(be)})
}
