package upstream

import (
	"net/url"
	"sort"
	"sync"
	"time"
)

// Pool hands out one Upstream per origin so that rules pointing at the same
// backend (http://127.0.0.1:8080 and ws://127.0.0.1:8080) share state.
type Pool struct {
	mutex       sync.RWMutex
	upstreams   map[string]*Upstream
	dialTimeout time.Duration
	onNew       func(*Upstream)
}

func NewPool(dialTimeout time.Duration) *Pool {
	return &Pool{
		upstreams:   make(map[string]*Upstream),
		dialTimeout: dialTimeout,
	}
}

// OnNew registers a hook run once for every upstream the pool creates.
// It must be set before the first Get.
func (p *Pool) OnNew(fn func(*Upstream)) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.onNew = fn
}

// Get returns the upstream for target's origin, creating it on first use.
func (p *Pool) Get(target *url.URL) *Upstream {
	key := HTTPOrigin(target).String()

	p.mutex.RLock()
	u, exists := p.upstreams[key]
	p.mutex.RUnlock()

	if exists {
		return u
	}

	p.mutex.Lock()
	if u, exists = p.upstreams[key]; exists {
		p.mutex.Unlock()
		return u
	}

	u = New(target, p.dialTimeout)
	p.upstreams[key] = u
	hook := p.onNew
	p.mutex.Unlock()

	if hook != nil {
		hook(u)
	}
	return u
}

// All returns every upstream, ordered by origin.
func (p *Pool) All() []*Upstream {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	all := make([]*Upstream, 0, len(p.upstreams))
	for _, u := range p.upstreams {
		all = append(all, u)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Origin() < all[j].Origin()
	})
	return all
}

// Retain closes and forgets every upstream not in keep. It returns the
// upstreams that were removed.
func (p *Pool) Retain(keep []*Upstream) []*Upstream {
	wanted := make(map[*Upstream]struct{}, len(keep))
	for _, u := range keep {
		wanted[u] = struct{}{}
	}

	p.mutex.Lock()
	var removed []*Upstream
	for key, u := range p.upstreams {
		if _, ok := wanted[u]; !ok {
			delete(p.upstreams, key)
			removed = append(removed, u)
		}
	}
	p.mutex.Unlock()

	for _, u := range removed {
		u.Close()
	}
	return removed
}

// Close drops idle connections on every upstream.
func (p *Pool) Close() {
	for _, u := range p.All() {
		u.CloseIdleConnections()
	}
}
