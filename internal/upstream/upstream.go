package upstream

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Upstream is a backend origin shared by every proxy rule that targets it.
// It tracks health, in-flight requests (open WebSocket tunnels included)
// and a moving average of response times.
type Upstream struct {
	url               *url.URL
	transport         *http.Transport
	insecure          *http.Transport
	mutex             sync.Mutex
	isHealthy         bool
	activeConnections int
	ewmaResponseTime  time.Duration
	hasEWMA           bool
	done              chan struct{}
	closeOnce         sync.Once
}

const ewmaAlpha = 0.2

// HTTPOrigin maps a proxy target onto the origin the transport dials:
// ws becomes http, wss becomes https, and path and query are dropped.
func HTTPOrigin(target *url.URL) *url.URL {
	scheme := target.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: target.Host}
}

// New creates an Upstream for the given origin. It starts out healthy.
func New(origin *url.URL, dialTimeout time.Duration) *Upstream {
	return &Upstream{
		url:       HTTPOrigin(origin),
		transport: newTransport(dialTimeout, false),
		insecure:  newTransport(dialTimeout, true),
		isHealthy: true,
		done:      make(chan struct{}),
	}
}

func newTransport(dialTimeout time.Duration, skipVerify bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	if skipVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t
}

// URL returns the upstream origin (always http or https).
func (u *Upstream) URL() *url.URL {
	return u.url
}

// Origin returns scheme://host, the key under which the upstream is shared.
func (u *Upstream) Origin() string {
	return u.url.String()
}

// Transport returns the round tripper for this upstream. With secure set to
// false the upstream certificate is not verified.
func (u *Upstream) Transport(secure bool) *http.Transport {
	if secure {
		return u.transport
	}
	return u.insecure
}

// IncrementConn increments the active connection count.
func (u *Upstream) IncrementConn() {
	u.mutex.Lock()
	u.activeConnections++
	u.mutex.Unlock()
}

// DecrementConn decrements the active connection count.
func (u *Upstream) DecrementConn() {
	u.mutex.Lock()
	if u.activeConnections > 0 {
		u.activeConnections--
	}
	u.mutex.Unlock()
}

// ActiveConnections returns the current number of active connections.
func (u *Upstream) ActiveConnections() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.activeConnections
}

// IsHealthy returns true if the last probe reached the upstream.
func (u *Upstream) IsHealthy() bool {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.isHealthy
}

// SetHealthy updates the health status.
// Returns true if the status changed, false if it was already in that state.
func (u *Upstream) SetHealthy(healthy bool) (changed bool) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.isHealthy == healthy {
		return false
	}

	u.isHealthy = healthy
	return true
}

// RecordResponse folds the latest request duration into the EWMA.
func (u *Upstream) RecordResponse(duration time.Duration) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if !u.hasEWMA {
		u.ewmaResponseTime = duration
		u.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	u.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(u.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns the moving average response time, or 0 before the
// first response.
func (u *Upstream) EWMATime() time.Duration {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if !u.hasEWMA {
		return 0
	}

	return u.ewmaResponseTime
}

// CloseIdleConnections drops pooled keep-alive connections.
func (u *Upstream) CloseIdleConnections() {
	u.transport.CloseIdleConnections()
	u.insecure.CloseIdleConnections()
}

// Close retires the upstream: Done is closed and idle connections are
// dropped. Requests already in flight are not interrupted.
func (u *Upstream) Close() {
	u.closeOnce.Do(func() {
		close(u.done)
	})
	u.CloseIdleConnections()
}

// Done is closed once the upstream has been retired from its pool.
func (u *Upstream) Done() <-chan struct{} {
	return u.done
}
