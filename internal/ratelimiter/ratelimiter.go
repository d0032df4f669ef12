// Package ratelimiter throttles per-node plugin calls using
// golang.org/x/time/rate token buckets, keyed by node ID (spec §5
// "external call rate limiting is per-node, configurable").
package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const burstCapacityMultiplier = 2

// Limiter throttles calls a node makes to external systems (sources pulling
// from an API, sinks writing to a downstream service). Wait blocks until a
// token is available or ctx is cancelled.
type Limiter interface {
	Wait(ctx context.Context, nodeID string) error
	Allow(nodeID string) bool
}

type nodeLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// PerNodeLimiter lazily creates one token bucket per node ID the first time
// it is asked about, at a uniform rate shared by every node. Idle buckets
// older than idleTimeout are swept periodically to bound memory growth.
type PerNodeLimiter struct {
	mu    sync.RWMutex
	nodes map[string]*nodeLimiter

	rps   int
	burst int

	idleTimeout time.Duration
	done        chan struct{}
	ticker      *time.Ticker
}

// New returns a PerNodeLimiter allowing rps calls per second per node, with
// burst capacity 2×rps unless burstOverride is non-zero.
func New(rps int, burstOverride int, idleTimeout time.Duration) *PerNodeLimiter {
	burst := burstOverride
	if burst == 0 {
		burst = rps * burstCapacityMultiplier
	}

	if idleTimeout == 0 {
		idleTimeout = time.Hour
	}

	l := &PerNodeLimiter{
		nodes:       make(map[string]*nodeLimiter),
		rps:         rps,
		burst:       burst,
		idleTimeout: idleTimeout,
		done:        make(chan struct{}),
	}

	l.startCleanup()

	return l
}

func (l *PerNodeLimiter) get(nodeID string) *nodeLimiter {
	l.mu.RLock()
	n, ok := l.nodes[nodeID]
	l.mu.RUnlock()

	if ok {
		l.touch(n)
		return n
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if n, ok = l.nodes[nodeID]; ok {
		l.touch(n)
		return n
	}

	n = &nodeLimiter{
		limiter:    rate.NewLimiter(rate.Limit(l.rps), l.burst),
		lastAccess: time.Now(),
	}
	l.nodes[nodeID] = n

	return n
}

func (l *PerNodeLimiter) touch(n *nodeLimiter) {
	l.mu.Lock()
	n.lastAccess = time.Now()
	l.mu.Unlock()
}

// Wait blocks until nodeID's bucket has a token or ctx is done.
func (l *PerNodeLimiter) Wait(ctx context.Context, nodeID string) error {
	return l.get(nodeID).limiter.Wait(ctx)
}

// Allow reports whether nodeID currently has a token available, consuming it
// if so, without blocking.
func (l *PerNodeLimiter) Allow(nodeID string) bool {
	return l.get(nodeID).limiter.Allow()
}

// Close stops the idle-bucket cleanup goroutine. Safe to call once.
func (l *PerNodeLimiter) Close() {
	if l.ticker != nil {
		l.ticker.Stop()
	}

	close(l.done)
}

func (l *PerNodeLimiter) startCleanup() {
	l.ticker = time.NewTicker(l.idleTimeout)

	go func() {
		for {
			select {
			case <-l.ticker.C:
				l.cleanup()
			case <-l.done:
				return
			}
		}
	}()
}

func (l *PerNodeLimiter) cleanup() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for nodeID, n := range l.nodes {
		if now.Sub(n.lastAccess) > l.idleTimeout {
			delete(l.nodes, nodeID)
		}
	}
}
