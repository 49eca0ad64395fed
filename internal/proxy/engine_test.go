package proxy_test

import (
	"bytes"
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/angeloszaimis/taskflow-lb/internal/backend"
	"github.com/angeloszaimis/taskflow-lb/internal/metrics"
	"github.com/angeloszaimis/taskflow-lb/internal/proxy"
	"github.com/angeloszaimis/taskflow-lb/internal/selector"
	"github.com/angeloszaimis/taskflow-lb/internal/stats"
	"github.com/angeloszaimis/taskflow-lb/internal/stats/statstest"
)

func mustBackend(raw string, index int) *backend.Backend {
	b, err := backend.Parse(raw, "", index)
	if err != nil {
		panic(err)
	}
	return b
}

// deadURL returns the address of a server that has already been shut down.
func deadURL() string {
	s := httptest.NewServer(http.NotFoundHandler())
	u := s.URL
	s.Close()
	return u
}

var _ = Describe("Engine", func() {
	var (
		log   *slog.Logger
		clock *statstest.Clock
		store *stats.Store
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(GinkgoWriter, nil))
		clock = statstest.NewClock()
		store = stats.NewStore(stats.WithClock(clock.Now))
	})

	newEngine := func(backends []*backend.Backend, opts ...proxy.Option) *proxy.Engine {
		sel := selector.New(log, store, backends, 30*time.Second)
		return proxy.New(log, sel, store, opts...)
	}

	serve := func(e *proxy.Engine, req *http.Request) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		e.ServeHTTP(w, req)
		return w
	}

	Describe("forwarding", func() {
		var (
			upstream *httptest.Server
			seen     *http.Request
			seenBody []byte
			b        *backend.Backend
		)

		BeforeEach(func() {
			seen, seenBody = nil, nil
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = r.Clone(r.Context())
				seenBody, _ = io.ReadAll(r.Body)
				w.Header().Set("X-Upstream-Custom", "yes")
				w.WriteHeader(http.StatusCreated)
				w.Write([]byte("created"))
			}))
			b = mustBackend(upstream.URL, 0)
		})

		AfterEach(func() {
			upstream.Close()
		})

		It("should relay the backend response with diagnostic headers", func() {
			e := newEngine([]*backend.Backend{b})
			w := serve(e, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

			Expect(w.Code).To(Equal(http.StatusCreated))
			Expect(w.Body.String()).To(Equal("created"))
			Expect(w.Header().Get("X-Upstream-Custom")).To(Equal("yes"))
			Expect(w.Header().Get(proxy.HeaderUpstreamServer)).To(Equal(b.Key()))
			Expect(w.Header().Get(proxy.HeaderResponseTime)).To(MatchRegexp(`^\d+\.\d{3}s$`))
			Expect(w.Header().Get(proxy.HeaderLoadBalancer)).To(Equal(proxy.DefaultIdentity))
			Expect(w.Header().Get(proxy.HeaderRequestID)).NotTo(BeEmpty())
		})

		It("should forward method, path, query, body and headers", func() {
			e := newEngine([]*backend.Backend{b})
			req := httptest.NewRequest(http.MethodPost, "/api/tasks?page=2&sort=asc", strings.NewReader(`{"title":"x"}`))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer token")
			req.AddCookie(&http.Cookie{Name: "session", Value: "abc"})

			w := serve(e, req)

			Expect(w.Code).To(Equal(http.StatusCreated))
			Expect(seen.Method).To(Equal(http.MethodPost))
			Expect(seen.URL.Path).To(Equal("/api/tasks"))
			Expect(seen.URL.RawQuery).To(Equal("page=2&sort=asc"))
			Expect(string(seenBody)).To(Equal(`{"title":"x"}`))
			Expect(seen.Header.Get("Content-Type")).To(Equal("application/json"))
			Expect(seen.Header.Get("Authorization")).To(Equal("Bearer token"))
			cookie, err := seen.Cookie("session")
			Expect(err).NotTo(HaveOccurred())
			Expect(cookie.Value).To(Equal("abc"))
			Expect(seen.Header.Get("X-Forwarded-For")).To(Equal("192.0.2.1"))
		})

		It("should strip hop-by-hop headers in both directions", func() {
			upstream.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = r.Clone(r.Context())
				w.Header().Set("Keep-Alive", "timeout=5")
				w.Header().Set("X-Kept", "yes")
				w.Write([]byte("ok"))
			})

			e := newEngine([]*backend.Backend{b})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Connection", "X-Session-Hint")
			req.Header.Set("X-Session-Hint", "drop-me")
			req.Header.Set("Proxy-Authorization", "Basic secret")
			req.Header.Set("Upgrade", "websocket")
			req.Header.Set("X-Kept", "yes")

			w := serve(e, req)

			Expect(seen.Header.Get("X-Session-Hint")).To(BeEmpty())
			Expect(seen.Header.Get("Proxy-Authorization")).To(BeEmpty())
			Expect(seen.Header.Get("Upgrade")).To(BeEmpty())
			Expect(seen.Header.Get("X-Kept")).To(Equal("yes"))
			Expect(w.Header().Get("Keep-Alive")).To(BeEmpty())
			Expect(w.Header().Get("X-Kept")).To(Equal("yes"))
		})

		It("should forward percent-encoded paths unchanged", func() {
			e := newEngine([]*backend.Backend{b})
			w := serve(e, httptest.NewRequest(http.MethodGet, "/files/a%2Fb%3Fc?x=1", nil))

			Expect(w.Code).To(Equal(http.StatusCreated))
			Expect(seen.URL.EscapedPath()).To(Equal("/files/a%2Fb%3Fc"))
			Expect(seen.URL.RawQuery).To(Equal("x=1"))
		})

		It("should keep an inbound request id", func() {
			e := newEngine([]*backend.Backend{b})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(proxy.HeaderRequestID, "req-42")

			w := serve(e, req)

			Expect(w.Header().Get(proxy.HeaderRequestID)).To(Equal("req-42"))
			Expect(seen.Header.Get(proxy.HeaderRequestID)).To(Equal("req-42"))
		})

		It("should use the configured identity", func() {
			e := newEngine([]*backend.Backend{b}, proxy.WithIdentity("Edge/1"))
			w := serve(e, httptest.NewRequest(http.MethodGet, "/", nil))
			Expect(w.Header().Get(proxy.HeaderLoadBalancer)).To(Equal("Edge/1"))
		})

		It("should record the outcome against the backend", func() {
			e := newEngine([]*backend.Backend{b})
			serve(e, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

			st := store.Stats(b.Key())
			Expect(st.TotalRequests).To(Equal(uint64(1)))
			Expect(st.SuccessfulRequests).To(Equal(uint64(1)))
			Expect(store.Recent(1)[0].Path).To(Equal("/api/tasks"))
		})

		It("should reject bodies over the limit", func() {
			e := newEngine([]*backend.Backend{b}, proxy.WithMaxBodyBytes(4))
			w := serve(e, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too large")))

			Expect(w.Code).To(Equal(http.StatusRequestEntityTooLarge))
			Expect(seen).To(BeNil())
			Expect(store.TotalRequests()).To(BeZero())
		})
	})

	Describe("backend error statuses", func() {
		DescribeTable("should count any HTTP answer as success without failover",
			func(status int) {
				var secondHits atomic.Int32
				first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(status)
				}))
				defer first.Close()
				second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					secondHits.Add(1)
				}))
				defer second.Close()

				b1 := mustBackend(first.URL, 0)
				b2 := mustBackend(second.URL, 1)
				e := newEngine([]*backend.Backend{b1, b2})

				w := serve(e, httptest.NewRequest(http.MethodGet, "/", nil))

				Expect(w.Code).To(Equal(status))
				Expect(secondHits.Load()).To(BeZero())
				Expect(store.Stats(b1.Key()).SuccessfulRequests).To(Equal(uint64(1)))
				_, failed := store.FailedAt(b1.Key())
				Expect(failed).To(BeFalse())
			},
			Entry("404", http.StatusNotFound),
			Entry("500", http.StatusInternalServerError),
			Entry("503", http.StatusServiceUnavailable),
		)
	})

	Describe("failover", func() {
		It("should try the next candidate when a backend is unreachable", func() {
			live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("live"))
			}))
			defer live.Close()

			dead := mustBackend(deadURL(), 0)
			liveB := mustBackend(live.URL, 1)
			e := newEngine([]*backend.Backend{dead, liveB})

			w := serve(e, httptest.NewRequest(http.MethodGet, "/", nil))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(Equal("live"))
			Expect(w.Header().Get(proxy.HeaderUpstreamServer)).To(Equal(liveB.Key()))
			Expect(store.Stats(dead.Key()).FailedRequests).To(Equal(uint64(1)))
			Expect(store.IsFailed(dead.Key(), 30*time.Second)).To(BeTrue())
		})

		It("should treat a timeout as a failure", func() {
			slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
			}))
			defer slow.Close()
			fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("fast"))
			}))
			defer fast.Close()

			slowB := mustBackend(slow.URL, 0)
			e := newEngine([]*backend.Backend{slowB, mustBackend(fast.URL, 1)}, proxy.WithTimeout(50*time.Millisecond))

			w := serve(e, httptest.NewRequest(http.MethodGet, "/", nil))

			Expect(w.Body.String()).To(Equal("fast"))
			Expect(store.Stats(slowB.Key()).FailedRequests).To(Equal(uint64(1)))
		})

		It("should answer 503 when every backend fails", func() {
			a := mustBackend(deadURL(), 0)
			b := mustBackend(deadURL(), 1)
			e := newEngine([]*backend.Backend{a, b})
			outages := testutil.ToFloat64(metrics.OutagesTotal)

			w := serve(e, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

			Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(w.Body.String()).To(ContainSubstring(proxy.UnavailableMessage))
			Expect(store.Stats(a.Key()).FailedRequests).To(Equal(uint64(1)))
			Expect(store.Stats(b.Key()).FailedRequests).To(Equal(uint64(1)))
			Expect(store.IsFailed(a.Key(), 30*time.Second)).To(BeTrue())
			Expect(store.IsFailed(b.Key(), 30*time.Second)).To(BeTrue())
			Expect(testutil.ToFloat64(metrics.OutagesTotal)).To(Equal(outages + 1))
		})
	})

	Describe("request budget", func() {
		var stalled []*httptest.Server

		BeforeEach(func() {
			stalled = nil
			for i := 0; i < 4; i++ {
				stalled = append(stalled, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					select {
					case <-time.After(2 * time.Second):
					case <-r.Context().Done():
					}
				})))
			}
		})

		AfterEach(func() {
			for _, s := range stalled {
				s.Close()
			}
		})

		stalledBackends := func() []*backend.Backend {
			backends := make([]*backend.Backend, 0, len(stalled))
			for i, s := range stalled {
				backends = append(backends, mustBackend(s.URL, i))
			}
			return backends
		}

		It("should stop trying candidates once the budget is spent", func() {
			backends := stalledBackends()
			e := newEngine(backends,
				proxy.WithTimeout(300*time.Millisecond),
				proxy.WithRequestBudget(450*time.Millisecond))

			start := time.Now()
			w := serve(e, httptest.NewRequest(http.MethodGet, "/", nil))

			Expect(time.Since(start)).To(BeNumerically("<", time.Second))
			Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(store.Stats(backends[0].Key()).FailedRequests).To(Equal(uint64(1)))
			Expect(store.Stats(backends[1].Key()).FailedRequests).To(Equal(uint64(1)))
			Expect(store.Stats(backends[2].Key()).TotalRequests).To(BeZero())
			Expect(store.Stats(backends[3].Key()).TotalRequests).To(BeZero())
		})

		It("should deliver the 503 before the server write timeout", func() {
			e := newEngine(stalledBackends(),
				proxy.WithTimeout(500*time.Millisecond),
				proxy.WithRequestBudget(1200*time.Millisecond))

			front := httptest.NewUnstartedServer(e)
			front.Config.WriteTimeout = 1500 * time.Millisecond
			front.Start()
			defer front.Close()

			res, err := http.Get(front.URL + "/api/tasks")
			Expect(err).NotTo(HaveOccurred())
			defer res.Body.Close()

			payload, err := io.ReadAll(res.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.StatusCode).To(Equal(http.StatusServiceUnavailable))
			Expect(string(payload)).To(ContainSubstring(proxy.UnavailableMessage))
		})
	})

	Describe("recovery", func() {
		It("should clear the failure and restart uptime on the first success", func() {
			up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("ok"))
			}))
			defer up.Close()
			b := mustBackend(up.URL, 0)
			e := newEngine([]*backend.Backend{b})

			store.MarkFailed(b.Key())
			clock.Advance(31 * time.Second)

			w := serve(e, httptest.NewRequest(http.MethodGet, "/", nil))

			Expect(w.Code).To(Equal(http.StatusOK))
			_, failed := store.FailedAt(b.Key())
			Expect(failed).To(BeFalse())
			Expect(store.Stats(b.Key()).UptimeStart).To(Equal(clock.Now()))
		})
	})

	Describe("response handling", func() {
		It("should decode compressed bodies and drop framing headers", func() {
			gz := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
					w.Write([]byte("plain"))
					return
				}
				var buf bytes.Buffer
				zw := gzip.NewWriter(&buf)
				zw.Write([]byte("compressed payload"))
				zw.Close()
				w.Header().Set("Content-Encoding", "gzip")
				w.Write(buf.Bytes())
			}))
			defer gz.Close()

			e := newEngine([]*backend.Backend{mustBackend(gz.URL, 0)})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Accept-Encoding", "gzip")

			w := serve(e, req)

			Expect(w.Body.String()).To(Equal("compressed payload"))
			Expect(w.Header().Get("Content-Encoding")).To(BeEmpty())
			Expect(w.Header().Get("Content-Length")).To(BeEmpty())
			Expect(w.Header().Get("Transfer-Encoding")).To(BeEmpty())
		})

		It("should return redirects to the client", func() {
			redirect := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "/elsewhere", http.StatusFound)
			}))
			defer redirect.Close()

			e := newEngine([]*backend.Backend{mustBackend(redirect.URL, 0)})
			w := serve(e, httptest.NewRequest(http.MethodGet, "/old", nil))

			Expect(w.Code).To(Equal(http.StatusFound))
			Expect(w.Header().Get("Location")).To(Equal("/elsewhere"))
		})
	})
})
