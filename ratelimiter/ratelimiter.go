// Package ratelimiter limits handshake initiations per source address
// before they reach the engine.
package ratelimiter

import (
	"net/netip"
	"sync"
	"time"
)

const (
	// maximum sustained rate: 20 packets/second
	packetsPerSecond = 20
	// time cost per packet in nanoseconds: 50_000_000ns (50ms)
	// 1s = 1000_000_000ns
	packetCost = 1000_000_000 / packetsPerSecond
	// burst capacity: 5 extra packets allowed
	packetsBurst = 5
	// maximum token bucket capacity in nanoseconds: 250_000_000ns (250ms)
	maxTokens = packetCost * packetsBurst
	// entries idle for longer than this are forgotten
	cleanupInterval = time.Second
)

// Ratelimiter is a token bucket per source address. The zero value must be
// initialised with Init before use and closed with Close.
type Ratelimiter struct {
	table       map[netip.Addr]*entry
	now         func() time.Time
	stopOrReset chan struct{} // send to reset, close to stop
	mu          sync.Mutex
}

type entry struct {
	tokens   int64
	lastTime time.Time
}

// Init resets the table and starts the cleanup routine. now may be nil,
// in which case time.Now is used.
func (r *Ratelimiter) Init(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table = make(map[netip.Addr]*entry)
	r.now = now
	if r.now == nil {
		r.now = time.Now
	}
	// stop any ongoing cleanup routine
	if r.stopOrReset != nil {
		close(r.stopOrReset)
	}
	r.stopOrReset = make(chan struct{})
	stopOrReset := r.stopOrReset // store in case Init is called again
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		ticker.Stop()
		for {
			select {
			case _, ok := <-stopOrReset:
				ticker.Stop()
				if !ok {
					return
				}
				ticker = time.NewTicker(cleanupInterval)
			case <-ticker.C:
				if r.cleanup() {
					ticker.Stop()
				}
			}
		}
	}()
}

func (r *Ratelimiter) cleanup() (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for addr, e := range r.table {
		if now.Sub(e.lastTime) > cleanupInterval {
			delete(r.table, addr)
		}
	}
	return len(r.table) == 0
}

// Allow reports whether a handshake from addr may be processed now.
func (r *Ratelimiter) Allow(addr netip.Addr) bool {
	addr = addr.Unmap()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.table[addr]
	if !ok {
		r.table[addr] = &entry{
			tokens:   maxTokens - packetCost,
			lastTime: r.now(),
		}
		if len(r.table) == 1 {
			// start the ticker
			r.stopOrReset <- struct{}{}
		}
		return true
	}
	// add tokens to entry
	now := r.now()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > maxTokens {
		e.tokens = maxTokens
	}
	// subtract cost of packet
	if e.tokens > packetCost {
		e.tokens -= packetCost
		return true
	}
	return false
}

func (r *Ratelimiter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopOrReset != nil {
		close(r.stopOrReset)
		r.stopOrReset = nil
	}
}
