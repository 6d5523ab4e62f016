// Package metrics exposes packet, link, and lease counters over
// Prometheus, the operational visibility SPEC_FULL's "observability
// surface" adds to an otherwise self-contained router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements iface.Recorder, counting every dispatch outcome by
// interface and outcome kind.
type Recorder struct {
	packets *prometheus.CounterVec
	links   *prometheus.GaugeVec
	leases  *prometheus.GaugeVec
}

// New registers natif's metrics against reg. Pass prometheus.NewRegistry()
// for test isolation, or prometheus.DefaultRegisterer for cmd/natifd.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "natif",
			Name:      "packets_total",
			Help:      "Packets dispatched per interface and outcome kind.",
		}, []string{"iface", "kind"}),
		links: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "natif",
			Name:      "links_active",
			Help:      "Active NAT links per domain and protocol.",
		}, []string{"domain", "proto"}),
		leases: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "natif",
			Name:      "dhcp_leases_bound",
			Help:      "Bound DHCP leases per domain.",
		}, []string{"domain"}),
	}
}

// ObservePacket implements iface.Recorder.
func (r *Recorder) ObservePacket(ifaceName, kind string) {
	r.packets.WithLabelValues(ifaceName, kind).Inc()
}

// SetLinksActive records the current NAT link count for domain/proto, for
// periodic polling from cmd/natifd rather than an increment-on-event
// counter, since links already live in iface.LinkTable's own bookkeeping.
func (r *Recorder) SetLinksActive(domain, proto string, n int) {
	r.links.WithLabelValues(domain, proto).Set(float64(n))
}

// SetLeasesBound records the current bound-lease count for domain.
func (r *Recorder) SetLeasesBound(domain string, n int) {
	r.leases.WithLabelValues(domain).Set(float64(n))
}
