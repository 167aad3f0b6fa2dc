package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // forwarding normally
	StateOpen                  // failing fast
	StateHalfOpen              // one trial request in flight
)

// Breaker stops the dev server from waiting on an upstream that keeps
// refusing connections, typically a backend that is being restarted.
type Breaker struct {
	mutex            sync.Mutex
	state            State
	failures         int
	openedAt         time.Time
	trialInFlight    bool
	failureThreshold int
	resetTimeout     time.Duration
	onChange         func(from, to State)
	now              func() time.Time
}

// New returns a closed breaker that opens after threshold consecutive
// failures and lets a trial request through after resetTimeout. A
// threshold of zero or less disables it.
func New(threshold int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		state:            StateClosed,
		failureThreshold: threshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// Allow reports whether a request may be sent upstream.
func (b *Breaker) Allow() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.failureThreshold <= 0 {
		return true
	}

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return true
	}
}

// RecordFailure counts a transport failure.
func (b *Breaker) RecordFailure() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.failureThreshold <= 0 {
		return
	}

	b.failures++
	b.trialInFlight = false

	if b.state == StateHalfOpen || b.failures >= b.failureThreshold {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.failures = 0
	b.trialInFlight = false
	b.transition(StateClosed)
}

// Release gives back a trial slot without judging the upstream, e.g. when
// the client disconnected before an answer arrived.
func (b *Breaker) Release() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.trialInFlight = false
}

func (b *Breaker) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}
