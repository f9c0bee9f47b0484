package ftptransport

import (
	"sync"
	"time"

	"github.com/pyropy/netchunk/internal/model"
	"github.com/pyropy/netchunk/internal/ncerrors"
)

// slot is one logical connection slot: a cached authenticated session
// guarded by its own mutex so concurrent callers never share one FTP
// control connection.
type slot struct {
	mu     sync.Mutex
	client Primitive
}

// Factory builds the Primitive backing one server's slot. Production code
// uses NewClient; tests substitute an in-memory fake.
type Factory func(model.ServerDescriptor, time.Duration) Primitive

// Pool is the shared connection pool: one slot per configured server,
// bounded in aggregate by maxConcurrent.
type Pool struct {
	aggregate chan struct{} // bounds max_concurrent_operations across all servers
	mu        sync.Mutex
	slots     map[string]*slot
	timeout   time.Duration
}

// NewPool builds a pool for the given servers, bounded to
// maxConcurrent operations in aggregate.
func NewPool(servers []model.ServerDescriptor, timeout time.Duration, maxConcurrent int) *Pool {
	return NewPoolWithFactory(servers, timeout, maxConcurrent, func(d model.ServerDescriptor, t time.Duration) Primitive {
		return NewClient(d, t)
	})
}

// NewPoolWithFactory builds a pool using a custom Factory, e.g. an
// in-memory fake for tests.
func NewPoolWithFactory(servers []model.ServerDescriptor, timeout time.Duration, maxConcurrent int, factory Factory) *Pool {
	p := &Pool{
		aggregate: make(chan struct{}, maxConcurrent),
		slots:     make(map[string]*slot, len(servers)),
		timeout:   timeout,
	}
	for _, s := range servers {
		p.slots[s.ServerID] = &slot{client: factory(s, timeout)}
	}
	return p
}

// Release is returned by Acquire and must be called exactly once to free
// both the per-server slot and the aggregate capacity token.
type Release func()

// Acquire blocks until serverID's slot and an aggregate capacity token are
// both free, then returns the Primitive for that server and a Release
// function.
func (p *Pool) Acquire(serverID string) (Primitive, Release, error) {
	p.mu.Lock()
	s, ok := p.slots[serverID]
	p.mu.Unlock()
	if !ok {
		return nil, nil, ncerrors.New(ncerrors.ServerUnavailable, "pool.Acquire", "unknown server id "+serverID)
	}

	p.aggregate <- struct{}{}
	s.mu.Lock()

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		s.mu.Unlock()
		<-p.aggregate
	}

	return s.client, release, nil
}

// ServerIDs returns every configured server id. The order of the returned
// ids is not defined.
func (p *Pool) ServerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.slots))
	for id := range p.slots {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll tears down every cached session. Called at process shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		s.mu.Lock()
		s.client.Close()
		s.mu.Unlock()
	}
}
