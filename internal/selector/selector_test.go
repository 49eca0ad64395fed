package selector_test

import (
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/angeloszaimis/taskflow-lb/internal/backend"
	"github.com/angeloszaimis/taskflow-lb/internal/metrics"
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

var _ = Describe("Selector", func() {
	var (
		log      *slog.Logger
		clock    *statstest.Clock
		store    *stats.Store
		backends []*backend.Backend
		sel      *selector.Selector
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(GinkgoWriter, nil))
		clock = statstest.NewClock()
		store = stats.NewStore(stats.WithClock(clock.Now))
		backends = []*backend.Backend{
			mustBackend("http://localhost:5001", 0),
			mustBackend("http://localhost:5002", 1),
			mustBackend("http://localhost:5003", 2),
		}
		sel = selector.New(log, store, backends, 30*time.Second)
	})

	Describe("New", func() {
		It("should default the retry interval", func() {
			s := selector.New(log, store, backends, 0)
			Expect(s.RetryInterval()).To(Equal(selector.DefaultRetryInterval))
		})

		It("should return nothing for an empty pool", func() {
			s := selector.New(log, store, nil, time.Second)
			Expect(s.Candidates()).To(BeEmpty())
		})
	})

	Describe("Candidates", func() {
		It("should keep configuration order when counts tie", func() {
			Expect(sel.Candidates()).To(Equal(backends))
		})

		It("should break ties by configured position", func() {
			s := selector.New(log, store, []*backend.Backend{backends[2], backends[0], backends[1]}, 30*time.Second)
			Expect(s.Candidates()).To(Equal(backends))
		})

		It("should order by fewest recorded requests", func() {
			store.RecordOutcome(backends[0].Key(), true, time.Millisecond, "/")
			store.RecordOutcome(backends[0].Key(), true, time.Millisecond, "/")
			store.RecordOutcome(backends[1].Key(), false, time.Millisecond, "/")

			Expect(sel.Candidates()).To(Equal([]*backend.Backend{backends[2], backends[1], backends[0]}))
		})

		It("should exclude backends inside the cooldown", func() {
			store.MarkFailed(backends[1].Key())
			Expect(sel.Candidates()).To(Equal([]*backend.Backend{backends[0], backends[2]}))
		})

		It("should include a backend again exactly at the cooldown boundary", func() {
			store.MarkFailed(backends[1].Key())

			clock.Advance(30*time.Second - time.Millisecond)
			Expect(sel.Candidates()).NotTo(ContainElement(backends[1]))

			clock.Advance(time.Millisecond)
			Expect(sel.Candidates()).To(ContainElement(backends[1]))
		})

		It("should fall back to the full pool when every backend is cooling down", func() {
			before := testutil.ToFloat64(metrics.DegradedSelectionsTotal)

			store.RecordOutcome(backends[0].Key(), false, time.Millisecond, "/")
			for _, b := range backends {
				store.MarkFailed(b.Key())
			}

			Expect(sel.Candidates()).To(Equal(backends))
			Expect(testutil.ToFloat64(metrics.DegradedSelectionsTotal) - before).To(Equal(1.0))
		})

		It("should return a copy of the pool in degraded mode", func() {
			for _, b := range backends {
				store.MarkFailed(b.Key())
			}
			c := sel.Candidates()
			c[0] = nil
			Expect(sel.Candidates()[0]).To(Equal(backends[0]))
		})
	})

	Describe("cooldown scenario", func() {
		It("should route around a failed backend and bring it back after the cooldown", func() {
			a, b := backends[0], backends[1]
			sel = selector.New(log, store, []*backend.Backend{a, b}, 30*time.Second)

			// t=0: A's probe fails.
			store.RecordOutcome(a.Key(), false, 0, "/health")
			store.MarkFailedIfHealthy(a.Key())

			// t=1: only B is eligible.
			clock.Advance(time.Second)
			Expect(sel.Candidates()).To(Equal([]*backend.Backend{b}))
			store.RecordOutcome(b.Key(), true, 5*time.Millisecond, "/")
			store.RecordOutcome(b.Key(), true, 5*time.Millisecond, "/")

			// t=31: A is back and ordered by lowest request count.
			clock.Advance(30 * time.Second)
			Expect(sel.Candidates()).To(Equal([]*backend.Backend{a, b}))
		})
	})
})
