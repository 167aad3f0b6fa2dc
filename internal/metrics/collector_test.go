package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/devserver/internal/metrics"
	"github.com/angeloszaimis/devserver/pkg/logger"
)

var _ = Describe("Collector", func() {
	var (
		collector *metrics.Collector
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		collector = metrics.NewCollector(100, logger.Discard())
	})

	AfterEach(func() {
		cancel()
	})

	Describe("event processing", func() {
		It("should process a forwarded request end to end", func() {
			collector.Start(ctx)

			collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestForwarded, Rule: "^/api", Upstream: "http://127.0.0.1:8080"})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventResponseCompleted, Rule: "^/api", Duration: 50 * time.Millisecond, StatusCode: 201})

			Eventually(func() int64 {
				return collector.Snapshot(nil).Rules["^/api"].StatusCodes[201]
			}).Should(Equal(int64(1)))

			rule := collector.Snapshot(nil).Rules["^/api"]
			Expect(rule.Requests).To(Equal(int64(1)))
			Expect(rule.AvgResponse).To(Equal(50 * time.Millisecond))
		})

		It("should process health changes", func() {
			collector.Start(ctx)
			collector.Emit(metrics.MetricEvent{Type: metrics.EventHealthChanged, Upstream: "http://127.0.0.1:8080", Healthy: true})

			Eventually(func() bool {
				return collector.Snapshot(nil).Upstreams["http://127.0.0.1:8080"].Healthy
			}).Should(BeTrue())
		})

		It("should drain queued events on shutdown", func() {
			for i := 0; i < 5; i++ {
				collector.EventChannel() <- metrics.MetricEvent{Type: metrics.EventStaticServed, StatusCode: 200}
			}

			collector.Start(ctx)
			cancel()
			Eventually(collector.Done()).Should(BeClosed())

			Expect(collector.Snapshot(nil).Static.Requests).To(Equal(int64(5)))
		})
	})

	Describe("Emit", func() {
		It("should drop events instead of blocking when the buffer is full", func() {
			small := metrics.NewCollector(1, logger.Discard())
			done := make(chan struct{})

			go func() {
				for i := 0; i < 10; i++ {
					small.Emit(metrics.MetricEvent{Type: metrics.EventStaticServed, StatusCode: 200})
				}
				close(done)
			}()

			Eventually(done).Should(BeClosed())
		})

		It("should be a no-op on a nil collector", func() {
			var nilCollector *metrics.Collector
			Expect(func() {
				nilCollector.Emit(metrics.MetricEvent{Type: metrics.EventStaticServed})
			}).NotTo(Panic())
		})
	})

	Describe("Handler", func() {
		It("should serve the snapshot as JSON", func() {
			collector.Start(ctx)
			collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestForwarded, Rule: "^/api", Upstream: "http://127.0.0.1:8080"})
			Eventually(func() int64 { return collector.Snapshot(nil).TotalRequests }).Should(Equal(int64(1)))

			handler := collector.Handler(func() map[string]string {
				return map[string]string{"http://127.0.0.1:8080": "CLOSED"}
			})

			w := httptest.NewRecorder()
			handler(w, httptest.NewRequest(http.MethodGet, "/__devserver/metrics", nil))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Header().Get("Content-Type")).To(Equal("application/json"))

			var snap metrics.Snapshot
			Expect(json.Unmarshal(w.Body.Bytes(), &snap)).To(Succeed())
			Expect(snap.Rules["^/api"].Requests).To(Equal(int64(1)))
			Expect(snap.Upstreams["http://127.0.0.1:8080"].Breaker).To(Equal("CLOSED"))
		})
	})
})
