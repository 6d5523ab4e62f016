package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/ifrouter/natif/config"
	"github.com/ifrouter/natif/dhcpv4"
	"github.com/ifrouter/natif/iface"
	"github.com/ifrouter/natif/leasestore"
	"github.com/ifrouter/natif/metrics"
	"github.com/ifrouter/natif/nic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var configPath, leaseDBPath, metricsAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the router using the given configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, leaseDBPath, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "natifd.toml", "path to the TOML configuration file")
	cmd.Flags().StringVar(&leaseDBPath, "lease-db", "natifd.leases.db", "path to the bbolt lease database")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9530", "address to serve /metrics and /healthz on")
	return cmd
}

func runDaemon(configPath, leaseDBPath, metricsAddr string) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	doc, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := leasestore.Open(leaseDBPath)
	if err != nil {
		return fmt.Errorf("open lease store: %w", err)
	}
	defer store.Close()

	rec := metrics.New(prometheus.DefaultRegisterer)

	router := iface.NewRouter(log)
	domains := make(map[string]*iface.Domain)
	interfaces := make(map[string]*iface.Interface)
	ports := make(map[string]*nic.TapPort)

	for _, dc := range doc.Domain {
		built, err := dc.Build()
		if err != nil {
			return fmt.Errorf("build domain %s: %w", dc.Name, err)
		}
		d := router.NewDomain(dc.Name)
		d.Reconfigure(built.Rules, built.IPConfig, built.DHCP)
		domains[dc.Name] = d

		var dhcpServer *dhcpv4.Server
		if built.DHCP != nil {
			restored, err := store.Load(dc.Name)
			if err != nil {
				log.Warn("lease restore failed", slog.String("domain", dc.Name), slog.String("err", err.Error()))
			}
			dhcpServer = &dhcpv4.Server{}
			if err := dhcpServer.Configure(dhcpv4.ServerConfig{
				ServerAddr:   built.IPConfig.Addr.As4(),
				Subnet:       built.IPConfig.Prefix,
				Low:          built.DHCP.Low,
				High:         built.DHCP.High,
				Gateway:      addr4(built.DHCP.Gateway),
				DNS:          addr4(built.DHCP.DNS),
				LeaseSeconds: built.DHCP.Lease,
			}); err != nil {
				return fmt.Errorf("configure dhcp server for %s: %w", dc.Name, err)
			}
			dhcpServer.RestoreLeases(restored)
		}

		for _, ic := range dc.Interface {
			mac, err := parseMAC(ic.MAC)
			if err != nil {
				return fmt.Errorf("interface %s mac: %w", ic.Name, err)
			}
			tapAddr := built.IPConfig.Prefix
			if ic.DHCP {
				tapAddr = netip.Prefix{} // address arrives later over DHCP, not assigned up front.
			}
			port, err := nic.NewTapPort(nic.Config{Name: ic.Name, Addr: tapAddr, Log: log})
			if err != nil {
				return fmt.Errorf("open tap %s: %w", ic.Name, err)
			}
			ports[ic.Name] = port

			var dhcpClient *dhcpv4.Client
			if ic.DHCP {
				dhcpClient = &dhcpv4.Client{}
				if err := dhcpClient.BeginRequest(1, dhcpv4.RequestConfig{ClientHardwareAddr: mac, Hostname: ic.Name}); err != nil {
					return fmt.Errorf("begin dhcp request on %s: %w", ic.Name, err)
				}
			}

			ifc := iface.New(iface.Config{
				Name: ic.Name, MAC: mac, RouterMAC: mac,
				Domain: d, Port: port, Log: log, Metrics: rec,
				DHCPServer: dhcpServer, DHCPClient: dhcpClient,
			})
			if !ic.DHCP {
				ifc.SetOwnIP(built.IPConfig.Addr)
			}
			interfaces[ic.Name] = ifc
		}

		if dhcpServer != nil {
			if err := store.Save(dc.Name, dhcpServer.Leases()); err != nil {
				log.Warn("initial lease save failed", slog.String("domain", dc.Name), slog.String("err", err.Error()))
			}
		}
	}

	for name, port := range ports {
		go func(name string, port *nic.TapPort) {
			for {
				if err := port.Poll(); err != nil {
					log.Error("tap poll failed", slog.String("iface", name), slog.String("err", err.Error()))
					return
				}
			}
		}(name, port)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Error("metrics server stopped", slog.String("err", err.Error()))
		}
	}()

	leaseSaveTick := 0
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for now := range ticker.C {
		for _, ifc := range interfaces {
			iface.PollOnce(ifc, now)
		}
		for name, d := range domains {
			for proto, n := range d.Links.CountByProto() {
				rec.SetLinksActive(name, proto.String(), n)
			}
		}

		leaseSaveTick++
		if leaseSaveTick >= 100 { // persist bound leases roughly once a second.
			leaseSaveTick = 0
			for _, ifc := range interfaces {
				if ifc.DHCPServer == nil {
					continue
				}
				leases := ifc.DHCPServer.Leases()
				rec.SetLeasesBound(ifc.Domain.Name, len(leases))
				if err := store.Save(ifc.Domain.Name, leases); err != nil {
					log.Warn("lease save failed", slog.String("domain", ifc.Domain.Name), slog.String("err", err.Error()))
				}
			}
		}
	}
	return nil
}

func addr4(a netip.Addr) [4]byte {
	if !a.IsValid() {
		return [4]byte{}
	}
	return a.As4()
}

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	hw, err := net.ParseMAC(s)
	if err != nil {
		return mac, err
	}
	if len(hw) != 6 {
		return mac, fmt.Errorf("mac %q is not 6 bytes", s)
	}
	copy(mac[:], hw)
	return mac, nil
}
