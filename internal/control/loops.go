// Package control implements C8: the periodic background tasks that keep
// the peer registry fresh and the onion router's bookkeeping tables bounded.
package control

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hoshinet/overlay/internal/discovery"
	"github.com/hoshinet/overlay/internal/onion"
	"github.com/hoshinet/overlay/internal/peerstore"
	"github.com/hoshinet/overlay/internal/transport"
)

// peerExchangeFetchSize is how many newest peers are requested per sweep.
const peerExchangeFetchSize = 10

// Loops owns the four periodic tasks of spec.md §4.8/§5: ping sweep,
// peer-exchange, connectivity recheck, and circuit/replay pruning.
type Loops struct {
	Store     *peerstore.Store
	Discovery *discovery.Manager
	Router    *onion.Router

	PingInterval time.Duration
}

// Run starts all four loops, each on its own ticker in its own goroutine,
// and returns at once; the loops stop when ctx is cancelled. Each loop is
// cooperative: it never holds a registry lock across network I/O
// (peerstore.Store already enforces this internally).
func (l *Loops) Run(ctx context.Context) {
	interval := l.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go l.runTicker(ctx, interval, l.pingSweep)
	go l.runTicker(ctx, interval, l.peerExchange)
	go l.runTicker(ctx, interval, l.connectivityRecheck)
	go l.runTicker(ctx, 1*time.Minute, l.pruneCaches)
}

func (l *Loops) runTicker(ctx context.Context, interval time.Duration, task func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}

// pingSweep probes every known peer once, updating trust/latency scoring.
func (l *Loops) pingSweep(ctx context.Context) {
	for _, rec := range l.Store.Snapshot() {
		if rec.ArsonPort == 0 || rec.Address == "" {
			continue
		}
		addr := fmt.Sprintf("%s:%d", rec.Address, rec.ArsonPort)

		ping, pending, err := discovery.NewPing()
		if err != nil {
			log.Printf("[control] building ping failed: %v", err)
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, transport.ProbeTimeout)
		reply, _, err := transport.Probe(probeCtx, addr, ping)
		cancel()
		if err != nil || reply.Pong == nil {
			l.Store.MarkProbeFail(rec.Fingerprint)
			continue
		}
		rtt, err := discovery.InterpretPong(pending, reply.Pong)
		if err != nil {
			l.Store.MarkProbeFail(rec.Fingerprint)
			continue
		}
		l.Store.MarkProbeOK(rec.Fingerprint, rtt.Milliseconds(), time.Now().UTC())
	}
}

// peerExchange asks a handful of well-trusted peers for their own peer
// lists and folds the results into the registry.
func (l *Loops) peerExchange(ctx context.Context) {
	for _, rec := range l.Store.SelectForPeerExchange(5) {
		if rec.ArsonPort == 0 || rec.Address == "" {
			continue
		}
		addr := fmt.Sprintf("%s:%d", rec.Address, rec.ArsonPort)
		req := discovery.NewGetPeers(peerExchangeFetchSize)

		reqCtx, cancel := context.WithTimeout(ctx, transport.RelayPostTimeout)
		reply, _, err := transport.Probe(reqCtx, addr, req)
		cancel()
		if err != nil {
			log.Printf("[control] peer-exchange with %s failed: %v", rec.Fingerprint, err)
			continue
		}
		if reply.PeerList == nil {
			continue
		}
		n := l.Discovery.IngestPeerList(reply.PeerList)
		if n > 0 {
			log.Printf("[control] ingested %d peers from %s", n, rec.Fingerprint)
		}
	}
}

// connectivityRecheck pings every known peer with an address and native
// port directly (not only the trust-scored peer-exchange pool) and updates
// its Connected flag when reachability has changed. Configured seed nodes
// get no separate treatment here.
func (l *Loops) connectivityRecheck(ctx context.Context) {
	for _, rec := range l.Store.Snapshot() {
		if rec.ArsonPort == 0 || rec.Address == "" {
			continue
		}
		addr := fmt.Sprintf("%s:%d", rec.Address, rec.ArsonPort)
		ping, _, err := discovery.NewPing()
		if err != nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, transport.ProbeTimeout)
		_, _, err = transport.Probe(probeCtx, addr, ping)
		cancel()
		connected := err == nil
		if current, ok := l.Store.Get(rec.Fingerprint); ok && current.Connected != connected {
			current.Connected = connected
			l.Store.Upsert(current, true)
		}
	}
}

// pruneCaches sweeps the onion router's circuit table and replay cache,
// supplementing the access-triggered sweep already built into both.
func (l *Loops) pruneCaches(ctx context.Context) {
	if l.Router == nil {
		return
	}
	now := time.Now().UTC()
	l.Router.Circuits().Prune(now)
	l.Router.Replay().Prune(now)
}
