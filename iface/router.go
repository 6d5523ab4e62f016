package iface

import (
	"log/slog"
	"sync"
)

// Router is the top-level collection of domains sharing one Link arena,
// matching spec §6's "Domain lookup" external interface
// (domain_by_name/interfaces_of) and Design Note 1's single shared arena.
type Router struct {
	mu      sync.RWMutex
	domains map[string]*Domain
	links   *LinkTable
	log     *slog.Logger
}

// NewRouter builds an empty router.
func NewRouter(log *slog.Logger) *Router {
	return &Router{domains: make(map[string]*Domain), links: NewLinkTable(), log: log}
}

// NewDomain creates and registers a Domain sharing this router's Link arena.
func (r *Router) NewDomain(name string) *Domain {
	d := NewDomain(name, r.links, r.log)
	d.Router = r
	r.mu.Lock()
	r.domains[name] = d
	r.mu.Unlock()
	return d
}

// DomainByName looks up a registered domain.
func (r *Router) DomainByName(name string) (*Domain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[name]
	return d, ok
}

// InterfacesOf returns the interfaces currently bound to domain.
func (r *Router) InterfacesOf(d *Domain) []*Interface { return d.Interfaces() }
