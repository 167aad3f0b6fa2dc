package upstream_test

import (
	"net/url"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/devserver/internal/upstream"
)

var _ = Describe("Upstream", func() {
	var (
		target *url.URL
		u      *upstream.Upstream
	)

	BeforeEach(func() {
		target = mustParseURL("http://127.0.0.1:8080")
		u = upstream.New(target, time.Second)
	})

	Describe("New", func() {
		It("should start healthy with no connections", func() {
			Expect(u.IsHealthy()).To(BeTrue())
			Expect(u.ActiveConnections()).To(Equal(0))
			Expect(u.EWMATime()).To(BeZero())
		})

		It("should map WebSocket targets onto their HTTP origin", func() {
			ws := upstream.New(mustParseURL("ws://127.0.0.1:8080/socket"), time.Second)
			Expect(ws.Origin()).To(Equal("http://127.0.0.1:8080"))

			wss := upstream.New(mustParseURL("wss://example.com"), time.Second)
			Expect(wss.URL().Scheme).To(Equal("https"))
		})
	})

	Describe("Transport", func() {
		It("should skip certificate verification only when insecure", func() {
			Expect(u.Transport(false).TLSClientConfig).NotTo(BeNil())
			Expect(u.Transport(false).TLSClientConfig.InsecureSkipVerify).To(BeTrue())

			secure := u.Transport(true).TLSClientConfig
			if secure != nil {
				Expect(secure.InsecureSkipVerify).To(BeFalse())
			}
		})
	})

	Describe("Health Management", func() {
		It("should report whether the status changed", func() {
			Expect(u.SetHealthy(true)).To(BeFalse())
			Expect(u.SetHealthy(false)).To(BeTrue())
			Expect(u.IsHealthy()).To(BeFalse())
			Expect(u.SetHealthy(true)).To(BeTrue())
		})
	})

	Describe("Connection Tracking", func() {
		It("should count up and down without going negative", func() {
			u.IncrementConn()
			u.IncrementConn()
			Expect(u.ActiveConnections()).To(Equal(2))

			u.DecrementConn()
			u.DecrementConn()
			u.DecrementConn()
			Expect(u.ActiveConnections()).To(Equal(0))
		})

		It("should be thread-safe", func() {
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					u.IncrementConn()
				}()
			}
			wg.Wait()
			Expect(u.ActiveConnections()).To(Equal(100))
		})
	})

	Describe("Close", func() {
		It("should close Done and tolerate repeated calls", func() {
			Expect(u.Done()).NotTo(BeClosed())
			u.Close()
			u.Close()
			Expect(u.Done()).To(BeClosed())
		})
	})

	Describe("Response Time Tracking (EWMA)", func() {
		It("should seed with the first sample", func() {
			u.RecordResponse(100 * time.Millisecond)
			Expect(u.EWMATime()).To(Equal(100 * time.Millisecond))
		})

		It("should move towards later samples", func() {
			u.RecordResponse(100 * time.Millisecond)
			u.RecordResponse(200 * time.Millisecond)
			Expect(u.EWMATime()).To(Equal(120 * time.Millisecond))
		})
	})
})

var _ = Describe("Pool", func() {
	var pool *upstream.Pool

	BeforeEach(func() {
		pool = upstream.NewPool(time.Second)
	})

	It("should share one upstream between http and ws targets on the same host", func() {
		a := pool.Get(mustParseURL("http://127.0.0.1:8080"))
		b := pool.Get(mustParseURL("ws://127.0.0.1:8080"))
		Expect(a).To(BeIdenticalTo(b))
		Expect(pool.All()).To(HaveLen(1))
	})

	It("should keep different origins apart", func() {
		a := pool.Get(mustParseURL("http://127.0.0.1:8080"))
		b := pool.Get(mustParseURL("http://127.0.0.1:9090"))
		Expect(a).NotTo(BeIdenticalTo(b))
		Expect(pool.All()).To(HaveLen(2))
		Expect(pool.All()[0].Origin()).To(Equal("http://127.0.0.1:8080"))
	})

	It("should run the OnNew hook once per origin", func() {
		var created []string
		pool.OnNew(func(u *upstream.Upstream) {
			created = append(created, u.Origin())
		})

		pool.Get(mustParseURL("http://127.0.0.1:8080"))
		pool.Get(mustParseURL("ws://127.0.0.1:8080"))
		pool.Get(mustParseURL("https://example.com"))

		Expect(created).To(Equal([]string{"http://127.0.0.1:8080", "https://example.com"}))
	})

	It("should retire upstreams that are no longer kept", func() {
		api := pool.Get(mustParseURL("http://127.0.0.1:8080"))
		old := pool.Get(mustParseURL("http://127.0.0.1:9090"))

		removed := pool.Retain([]*upstream.Upstream{api})

		Expect(removed).To(ConsistOf(old))
		Expect(pool.All()).To(ConsistOf(api))
		Expect(old.Done()).To(BeClosed())
		Expect(api.Done()).NotTo(BeClosed())
	})

	It("should hand out a fresh upstream for a retired origin", func() {
		old := pool.Get(mustParseURL("http://127.0.0.1:9090"))
		pool.Retain(nil)

		fresh := pool.Get(mustParseURL("http://127.0.0.1:9090"))
		Expect(fresh).NotTo(BeIdenticalTo(old))
		Expect(fresh.Done()).NotTo(BeClosed())
	})

	It("should be safe under concurrent Get", func() {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pool.Get(mustParseURL("http://127.0.0.1:8080"))
			}()
		}
		wg.Wait()
		Expect(pool.All()).To(HaveLen(1))
	})
})

func mustParseURL(rawURL string) *url.URL {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	return u
}
