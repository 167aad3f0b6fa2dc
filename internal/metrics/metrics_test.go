package metrics_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/devserver/internal/metrics"
)

var _ = Describe("Metrics", func() {
	var m *metrics.Metrics

	BeforeEach(func() {
		m = metrics.NewMetrics()
	})

	Describe("IncrementRequests", func() {
		It("should count requests per rule and remember the upstream", func() {
			m.IncrementRequests("^/api", "http://127.0.0.1:8080")
			m.IncrementRequests("^/api", "http://127.0.0.1:8080")
			m.IncrementRequests("^/ws", "http://127.0.0.1:8080")

			snap := m.Snapshot(nil)
			Expect(snap.TotalRequests).To(Equal(int64(3)))
			Expect(snap.Rules["^/api"].Requests).To(Equal(int64(2)))
			Expect(snap.Rules["^/api"].Upstream).To(Equal("http://127.0.0.1:8080"))
			Expect(snap.Rules["^/ws"].Requests).To(Equal(int64(1)))
		})
	})

	Describe("RecordResponse", func() {
		It("should record response time and status code", func() {
			m.RecordResponse("^/api", 100*time.Millisecond, 200)
			m.RecordResponse("^/api", 200*time.Millisecond, 200)

			rule := m.Snapshot(nil).Rules["^/api"]
			Expect(rule.AvgResponse).To(Equal(150 * time.Millisecond))
			Expect(rule.StatusCodes[200]).To(Equal(int64(2)))
		})

		It("should calculate percentiles correctly", func() {
			for i := 1; i <= 100; i++ {
				m.RecordResponse("^/api", time.Duration(i)*time.Millisecond, 200)
			}

			rule := m.Snapshot(nil).Rules["^/api"]
			Expect(rule.P50Response).To(BeNumerically("~", 50*time.Millisecond, 1*time.Millisecond))
			Expect(rule.P95Response).To(BeNumerically("~", 95*time.Millisecond, 1*time.Millisecond))
			Expect(rule.P99Response).To(BeNumerically("~", 99*time.Millisecond, 1*time.Millisecond))
		})

		It("should limit stored response times to 1000", func() {
			for i := 1; i <= 1500; i++ {
				m.RecordResponse("^/api", time.Duration(i)*time.Millisecond, 200)
			}

			Expect(m.Snapshot(nil).Rules["^/api"].AvgResponse).To(BeNumerically(">", 500*time.Millisecond))
		})
	})

	Describe("errors and rejections", func() {
		It("should count them separately", func() {
			m.RecordError("^/api")
			m.RecordRejected("^/api")
			m.RecordRejected("^/api")

			rule := m.Snapshot(nil).Rules["^/api"]
			Expect(rule.Errors).To(Equal(int64(1)))
			Expect(rule.Rejected).To(Equal(int64(2)))
		})
	})

	Describe("tunnels", func() {
		It("should track open tunnels without going negative", func() {
			m.TunnelOpened("^/ws")
			m.TunnelOpened("^/ws")
			m.TunnelClosed("^/ws")
			Expect(m.Snapshot(nil).Rules["^/ws"].OpenTunnels).To(Equal(int64(1)))

			m.TunnelClosed("^/ws")
			m.TunnelClosed("^/ws")
			Expect(m.Snapshot(nil).Rules["^/ws"].OpenTunnels).To(Equal(int64(0)))
		})
	})

	Describe("upstreams", func() {
		It("should merge health and breaker state", func() {
			m.UpdateHealthStatus("http://127.0.0.1:8080", true)

			snap := m.Snapshot(map[string]string{"http://127.0.0.1:8080": "OPEN"})
			Expect(snap.Upstreams["http://127.0.0.1:8080"]).To(Equal(metrics.UpstreamMetrics{
				Healthy: true,
				Breaker: "OPEN",
			}))
		})
	})

	Describe("static", func() {
		It("should count static responses in the total", func() {
			m.RecordStatic(200)
			m.RecordStatic(404)
			m.IncrementRequests("^/api", "")

			snap := m.Snapshot(nil)
			Expect(snap.Static.Requests).To(Equal(int64(2)))
			Expect(snap.Static.StatusCodes[404]).To(Equal(int64(1)))
			Expect(snap.TotalRequests).To(Equal(int64(3)))
		})
	})

	Describe("Snapshot", func() {
		It("should handle empty metrics", func() {
			snap := m.Snapshot(nil)
			Expect(snap.TotalRequests).To(Equal(int64(0)))
			Expect(snap.Rules).To(BeEmpty())
			Expect(snap.Upstreams).To(BeEmpty())
		})

		It("should return an independent copy", func() {
			m.RecordResponse("^/api", time.Millisecond, 200)
			snap := m.Snapshot(nil)

			m.RecordResponse("^/api", time.Millisecond, 200)
			Expect(snap.Rules["^/api"].StatusCodes[200]).To(Equal(int64(1)))
		})
	})
})
