package collyfetcher

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// hostGate hands out a bounded number of concurrent permits per host.
type hostGate struct {
	perHost int64

	mu    sync.Mutex
	hosts map[string]*semaphore.Weighted
}

func newHostGate(perHost int) *hostGate {
	if perHost <= 0 {
		perHost = 1
	}
	return &hostGate{perHost: int64(perHost), hosts: make(map[string]*semaphore.Weighted)}
}

// acquire blocks until a permit for host is free. The returned func releases it.
func (g *hostGate) acquire(ctx context.Context, host string) (func(), error) {
	sem := g.semaphore(strings.ToLower(host))
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err //nolint:wrapcheck // context error
	}
	return func() { sem.Release(1) }, nil
}

func (g *hostGate) semaphore(host string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	sem, ok := g.hosts[host]
	if !ok {
		sem = semaphore.NewWeighted(g.perHost)
		g.hosts[host] = sem
	}
	return sem
}
