// Package metrics collects request statistics for the dev server.
//
// It uses a channel-based event pipeline to asynchronously collect, per
// proxy rule:
//   - Forwarded request counts and upstream errors
//   - Requests rejected while a circuit breaker is open
//   - Open WebSocket tunnels
//   - Response times with percentile calculations (P50, P95, P99)
//   - HTTP status code distribution
//
// plus upstream health and static file status codes.
//
// The collector runs in a dedicated goroutine. Emit never blocks: when the
// buffer is full the event is dropped rather than slowing a request down.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Rule:       "^/api",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot(nil)
package metrics
