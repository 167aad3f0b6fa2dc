// Package circuitbreaker fails proxied requests fast while an upstream is
// unreachable.
//
// A breaker has three states:
//
//   - CLOSED: requests are forwarded
//   - OPEN: the upstream failed repeatedly, requests are answered with 503
//   - HALF-OPEN: the reset timeout elapsed, a single trial request is let through
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(5, 3*time.Second, logger)
//	b := registry.Get("http://127.0.0.1:8080")
//	if b.Allow() {
//	    if err := forward(); err != nil {
//	        b.RecordFailure()
//	    } else {
//	        b.RecordSuccess()
//	    }
//	}
package circuitbreaker
