package arp

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ifrouter/natif/internal/lrucache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// maxCacheEntries bounds the ARP cache per Engine (one per interface). A
// router's neighbor set is the size of its local subnet, never unbounded,
// but an unbounded map would still grow forever against a hostile or
// misconfigured peer sending forged gratuitous ARPs for many addresses.
const maxCacheEntries = 1024

// Engine wraps a [Handler] with an address cache and a request-suppression
// window, so that a forwarder asking to resolve the same target IP many
// times in a row produces at most one broadcast request in flight (spec
// §4.3: "if the same IP already has waiters, reuse the pending broadcast").
type Engine struct {
	mu      sync.Mutex
	handler Handler
	cache   lrucache.Cache[[4]byte, [6]byte]
	limiter map[[4]byte]*rate.Limiter
	group   singleflight.Group
	log     *slog.Logger

	// SuppressWindow bounds how often a broadcast request for the same
	// target IP may be resent while unresolved. Defaults to time.Second.
	SuppressWindow time.Duration
}

// NewEngine builds an Engine over cfg, ready to resolve addresses for a
// single interface.
func NewEngine(cfg HandlerConfig, log *slog.Logger) (*Engine, error) {
	e := &Engine{
		cache:          lrucache.New[[4]byte, [6]byte](maxCacheEntries),
		limiter:        make(map[[4]byte]*rate.Limiter),
		log:            log,
		SuppressWindow: time.Second,
	}
	if err := e.handler.Reset(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Lookup returns the cached MAC for ip, if any.
func (e *Engine) Lookup(ip [4]byte) ([6]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Get(ip)
}

// Store records a resolved IP→MAC mapping, as happens on ARP reply receipt
// or a gratuitous ARP.
func (e *Engine) Store(ip [4]byte, mac [6]byte) {
	e.mu.Lock()
	e.cache.Push(ip, mac)
	e.mu.Unlock()
}

// Forget drops any cached mapping and broadcast limiter for ip.
// Interface.SetOwnIP calls it for the interface's previous address when
// that address changes.
func (e *Engine) Forget(ip [4]byte) {
	e.mu.Lock()
	e.cache.Delete(ip)
	delete(e.limiter, ip)
	e.mu.Unlock()
}

// ShouldBroadcast reports whether a new ARP request for ip should actually
// be sent onto the wire right now, collapsing repeated misses for the same
// IP into a single in-flight broadcast (§9 Open Question 1). Every call
// still counts as "waiting" for ip; only the wire traffic is suppressed.
func (e *Engine) ShouldBroadcast(ip [4]byte) bool {
	e.mu.Lock()
	lim, ok := e.limiter[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Every(e.SuppressWindow), 1)
		e.limiter[ip] = lim
	}
	e.mu.Unlock()
	return lim.Allow()
}

// Resolve starts (or joins) a query for proto, deduplicating concurrent
// callers asking for the same address via singleflight. The result is
// delivered once the query is queued and start has returned; it carries no
// MAC, only the error from queuing the query or from start. The resolved
// MAC is read with Lookup after Demux has seen the reply.
func (e *Engine) Resolve(proto []byte, start func() error) <-chan resolveResult {
	ch := make(chan resolveResult, 1)
	key := string(proto)
	go func() {
		v, err, _ := e.group.Do(key, func() (interface{}, error) {
			e.mu.Lock()
			qerr := e.handler.StartQuery(nil, proto)
			e.mu.Unlock()
			if qerr != nil {
				return nil, qerr
			}
			if err := start(); err != nil {
				return nil, err
			}
			return nil, nil
		})
		ch <- resolveResult{val: v, err: err}
	}()
	return ch
}

type resolveResult struct {
	val interface{}
	err error
}

// Demux feeds an inbound ARP frame to the underlying Handler and, on a
// reply, updates the cache so future Lookup calls succeed.
func (e *Engine) Demux(ethFrame []byte, frameOffset int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	afrm, ferr := NewFrame(ethFrame[frameOffset:])
	if ferr == nil && afrm.Operation() == OpReply {
		hw, proto := afrm.Sender()
		if len(hw) == 6 && len(proto) == 4 {
			e.cache.Push([4]byte(proto), [6]byte(hw))
		}
	}
	return e.handler.Demux(ethFrame, frameOffset)
}

// Encapsulate delegates to the underlying Handler to build any pending ARP
// reply or query frame.
func (e *Engine) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler.Encapsulate(carrierData, offsetToIP, offsetToFrame)
}

// AbortAll cancels every pending query and queued response, used on
// interface shutdown per spec §4.3 ("on interface shutdown, all waiters
// whose waiting interface is this interface are cancelled").
func (e *Engine) AbortAll() {
	e.mu.Lock()
	e.handler.AbortPending()
	e.mu.Unlock()
}
