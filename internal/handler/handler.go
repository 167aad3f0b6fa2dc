package handler

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/devserver/internal/circuitbreaker"
	"github.com/angeloszaimis/devserver/internal/metrics"
	"github.com/angeloszaimis/devserver/internal/proxy"
)

// DevServerHandler sends requests that match a proxy rule to the rule's
// upstream and everything else to the static file handler.
type DevServerHandler struct {
	logger           *slog.Logger
	router           atomic.Pointer[proxy.Router]
	breakers         *circuitbreaker.Registry
	static           http.Handler
	metricsCollector *metrics.Collector
	retryAfter       time.Duration
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func NewDevServerHandler(
	logger *slog.Logger,
	router *proxy.Router,
	breakers *circuitbreaker.Registry,
	static http.Handler,
	collector *metrics.Collector,
	retryAfter time.Duration,
) *DevServerHandler {
	h := &DevServerHandler{
		logger:           logger,
		breakers:         breakers,
		static:           static,
		metricsCollector: collector,
		retryAfter:       retryAfter,
	}
	h.router.Store(router)
	return h
}

// SetRouter swaps the proxy table. Requests already in flight finish on
// the table they started with.
func (h *DevServerHandler) SetRouter(router *proxy.Router) {
	h.router.Store(router)
}

// Router returns the proxy table currently in use.
func (h *DevServerHandler) Router() *proxy.Router {
	return h.router.Load()
}

func (h *DevServerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.logger.With(
		slog.String("request_id", uuid.NewString()),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))

	rule, ok := h.router.Load().Match(r)
	if !ok {
		h.serveStatic(log, w, r)
		return
	}

	h.forward(log, rule, w, r)
}

func (h *DevServerHandler) serveStatic(log *slog.Logger, w http.ResponseWriter, r *http.Request) {
	wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	h.static.ServeHTTP(wrapped, r)

	h.metricsCollector.Emit(metrics.MetricEvent{
		Type:       metrics.EventStaticServed,
		StatusCode: wrapped.statusCode,
	})

	log.Debug("Served static file", slog.Int("status", wrapped.statusCode))
}

func (h *DevServerHandler) forward(log *slog.Logger, rule *proxy.Rule, w http.ResponseWriter, r *http.Request) {
	up := rule.Upstream()
	log = log.With(
		slog.String("rule", rule.Pattern),
		slog.String("upstream", up.Origin()))

	breaker := h.breakers.Get(up.Origin())
	if !breaker.Allow() {
		h.metricsCollector.Emit(metrics.MetricEvent{
			Type:     metrics.EventRequestRejected,
			Rule:     rule.Pattern,
			Upstream: up.Origin(),
		})
		log.Warn("Upstream circuit open, rejecting request", slog.String("client", extractClientIP(r)))

		w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter.Seconds()+0.5)))
		http.Error(w, "upstream unavailable: "+up.Origin(), http.StatusServiceUnavailable)
		return
	}

	upgrade := proxy.IsWebSocketUpgrade(r)

	h.metricsCollector.Emit(metrics.MetricEvent{
		Type:     metrics.EventRequestForwarded,
		Rule:     rule.Pattern,
		Upstream: up.Origin(),
	})

	up.IncrementConn()
	defer up.DecrementConn()

	if upgrade {
		log.Info("Opening WebSocket tunnel", slog.String("client", extractClientIP(r)))
		h.metricsCollector.Emit(metrics.MetricEvent{Type: metrics.EventTunnelOpened, Rule: rule.Pattern})
		defer h.metricsCollector.Emit(metrics.MetricEvent{Type: metrics.EventTunnelClosed, Rule: rule.Pattern})
	}

	// The breaker is settled when the upstream answers. A tunnel that
	// stays open for minutes must not hold the half-open trial slot.
	var answered atomic.Bool
	ctx := proxy.WithResponseHook(r.Context(), func(*http.Response) {
		if answered.CompareAndSwap(false, true) {
			breaker.RecordSuccess()
		}
	})

	start := time.Now()
	wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	err := rule.Forward(wrapped, r.WithContext(ctx))
	duration := time.Since(start)

	switch {
	case answered.Load():
	case err == nil:
		breaker.RecordSuccess()
	case r.Context().Err() != nil:
		breaker.Release()
	default:
		breaker.RecordFailure()
		h.metricsCollector.Emit(metrics.MetricEvent{Type: metrics.EventUpstreamError, Rule: rule.Pattern})
	}

	if upgrade {
		if err == nil && wrapped.statusCode == http.StatusOK {
			wrapped.statusCode = http.StatusSwitchingProtocols
		}
		log.Info("WebSocket tunnel closed",
			slog.Int("status", wrapped.statusCode),
			slog.Duration("lifetime", duration))
		return
	}

	up.RecordResponse(duration)
	h.metricsCollector.Emit(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Rule:       rule.Pattern,
		Duration:   duration,
		StatusCode: wrapped.statusCode,
	})

	log.Debug("Proxied request",
		slog.Int("status", wrapped.statusCode),
		slog.Duration("duration", duration))
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Hijack and Flush on the
// underlying writer, which the WebSocket tunnel needs.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
