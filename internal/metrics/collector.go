package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventRequestForwarded  EventType = "request_forwarded"
	EventResponseCompleted EventType = "response_completed"
	EventUpstreamError     EventType = "upstream_error"
	EventRequestRejected   EventType = "request_rejected"
	EventTunnelOpened      EventType = "tunnel_opened"
	EventTunnelClosed      EventType = "tunnel_closed"
	EventHealthChanged     EventType = "health_changed"
	EventStaticServed      EventType = "static_served"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Rule       string
	Upstream   string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
}

type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	logger  *slog.Logger
	done    chan struct{}
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit queues an event without blocking. Events are dropped when the
// buffer is full so that request handling never waits on metrics.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Done is closed once the collector has drained its queue after shutdown.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Debug("Metrics collector started")
	defer c.logger.Debug("Metrics collector stopped")
	defer close(c.done)

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestForwarded:
		c.metrics.IncrementRequests(event.Rule, event.Upstream)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Rule, event.Duration, event.StatusCode)

	case EventUpstreamError:
		c.metrics.RecordError(event.Rule)

	case EventRequestRejected:
		c.metrics.RecordRejected(event.Rule)

	case EventTunnelOpened:
		c.metrics.TunnelOpened(event.Rule)

	case EventTunnelClosed:
		c.metrics.TunnelClosed(event.Rule)

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Upstream, event.Healthy)

	case EventStaticServed:
		c.metrics.RecordStatic(event.StatusCode)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot(breakers map[string]string) Snapshot {
	return c.metrics.Snapshot(breakers)
}
