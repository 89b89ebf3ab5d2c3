package apiclient_test

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
)

// fakeClock is a settable clock for freshness checks
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var _ = Describe("ResponseCache", func() {
	var (
		clock   *fakeClock
		metrics *apiclient.Metrics
		cache   *apiclient.ResponseCache[string]
	)

	BeforeEach(func() {
		clock = &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
		metrics = apiclient.NewMetrics(prometheus.NewRegistry())
		cache = apiclient.NewResponseCache[string]("items", time.Minute, 100,
			apiclient.WithCacheClock(clock.Now),
			apiclient.WithCacheMetrics(metrics),
		)
	})

	It("returns a value set immediately before", func() {
		cache.Set("GET /items/1", "one")

		v, ok := cache.Get("GET /items/1")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("one"))
	})

	It("misses unknown keys", func() {
		_, ok := cache.Get("GET /items/2")
		Expect(ok).To(BeFalse())
	})

	It("misses once the ttl has elapsed", func() {
		cache.Set("GET /items/1", "one")

		clock.Advance(59 * time.Second)
		_, ok := cache.Get("GET /items/1")
		Expect(ok).To(BeTrue())

		clock.Advance(time.Second)
		_, ok = cache.Get("GET /items/1")
		Expect(ok).To(BeFalse())
	})

	It("refreshes the timestamp on overwrite", func() {
		cache.Set("GET /items/1", "one")
		clock.Advance(50 * time.Second)
		cache.Set("GET /items/1", "uno")
		clock.Advance(50 * time.Second)

		v, ok := cache.Get("GET /items/1")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("uno"))
	})

	Describe("Invalidate", func() {
		BeforeEach(func() {
			cache.Set("GET /items/1", "one")
			cache.Set("GET /items?page=1", "page")
			cache.Set("GET /orders/1", "order")
		})

		It("removes keys containing the pattern", func() {
			cache.Invalidate("/items")

			_, ok := cache.Get("GET /items/1")
			Expect(ok).To(BeFalse())
			_, ok = cache.Get("GET /items?page=1")
			Expect(ok).To(BeFalse())
			_, ok = cache.Get("GET /orders/1")
			Expect(ok).To(BeTrue())
		})

		It("clears everything with an empty pattern", func() {
			cache.Invalidate("")

			_, ok := cache.Get("GET /orders/1")
			Expect(ok).To(BeFalse())
			Expect(cache.Len()).To(BeZero())
		})
	})

	It("records hits and misses", func() {
		cache.Set("GET /items/1", "one")
		cache.Get("GET /items/1")
		cache.Get("GET /items/2")

		Expect(testutil.ToFloat64(metrics.CacheLookupCount("items", "hit"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(metrics.CacheLookupCount("items", "miss"))).To(Equal(1.0))
	})

	It("is safe for concurrent use", func() {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cache.Set("GET /items/1", "one")
				cache.Get("GET /items/1")
				cache.Invalidate("/orders")
			}()
		}
		wg.Wait()

		v, ok := cache.Get("GET /items/1")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("one"))
	})
})

var _ = Describe("Fingerprint", func() {
	It("sorts query parameters", func() {
		a := apiclient.Fingerprint(http.MethodGet, "/items", url.Values{"b": {"2"}, "a": {"1"}})
		b := apiclient.Fingerprint(http.MethodGet, "/items", url.Values{"a": {"1"}, "b": {"2"}})
		Expect(a).To(Equal(b))
		Expect(a).To(Equal("GET /items?a=1&b=2"))
	})

	It("omits an empty query", func() {
		Expect(apiclient.Fingerprint("get", "/items/42", nil)).To(Equal("GET /items/42"))
	})
})
