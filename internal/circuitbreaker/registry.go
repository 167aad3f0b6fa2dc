package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"
)

// Registry keeps one Breaker per upstream origin.
type Registry struct {
	mutex     sync.RWMutex
	breakers  map[string]*Breaker
	threshold int
	timeout   time.Duration
	logger    *slog.Logger
}

func NewRegistry(threshold int, timeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		timeout:   timeout,
		logger:    logger,
	}
}

// Get returns the breaker for origin, creating it on first use.
func (r *Registry) Get(origin string) *Breaker {
	r.mutex.RLock()
	b, exists := r.breakers[origin]
	r.mutex.RUnlock()

	if exists {
		return b
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if b, exists = r.breakers[origin]; exists {
		return b
	}

	b = New(r.threshold, r.timeout)
	b.onChange = func(from, to State) {
		r.logger.Warn("Circuit breaker changed state",
			slog.String("upstream", origin),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	}
	r.breakers[origin] = b
	return b
}

// Stats returns the current state name of every known breaker.
func (r *Registry) Stats() map[string]string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]string, len(r.breakers))
	for origin, b := range r.breakers {
		stats[origin] = b.State().String()
	}
	return stats
}
