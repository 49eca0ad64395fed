package selector

import (
	"log/slog"
	"sort"
	"time"

	"github.com/angeloszaimis/taskflow-lb/internal/backend"
	"github.com/angeloszaimis/taskflow-lb/internal/metrics"
	"github.com/angeloszaimis/taskflow-lb/internal/stats"
)

// DefaultRetryInterval is how long a failed backend is kept out of rotation.
const DefaultRetryInterval = 30 * time.Second

// Selector orders the backend pool for a single request.
type Selector struct {
	logger        *slog.Logger
	store         *stats.Store
	backends      []*backend.Backend
	retryInterval time.Duration
}

func New(logger *slog.Logger, store *stats.Store, backends []*backend.Backend, retryInterval time.Duration) *Selector {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}

	return &Selector{
		logger:        logger,
		store:         store,
		backends:      backends,
		retryInterval: retryInterval,
	}
}

// Candidates returns the backends to try, in order. Backends cooling down
// after a failure are skipped and the rest are ordered by fewest recorded
// requests, ties keeping configuration order. When every backend is cooling
// down the whole pool is returned in configuration order so requests still
// get a chance to succeed.
func (s *Selector) Candidates() []*backend.Backend {
	if len(s.backends) == 0 {
		return nil
	}

	type ranked struct {
		backend  *backend.Backend
		requests uint64
	}

	eligible := make([]ranked, 0, len(s.backends))
	for _, b := range s.backends {
		if s.store.IsFailed(b.Key(), s.retryInterval) {
			continue
		}
		eligible = append(eligible, ranked{
			backend:  b,
			requests: s.store.Stats(b.Key()).TotalRequests,
		})
	}

	if len(eligible) == 0 {
		metrics.DegradedSelectionsTotal.Inc()
		s.logger.Error("All backends are cooling down, trying the full pool",
			slog.Int("backends", len(s.backends)),
			slog.Duration("retry_interval", s.retryInterval))

		all := make([]*backend.Backend, len(s.backends))
		copy(all, s.backends)
		sort.Slice(all, func(i, j int) bool {
			return all[i].Index() < all[j].Index()
		})
		return all
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].requests != eligible[j].requests {
			return eligible[i].requests < eligible[j].requests
		}
		return eligible[i].backend.Index() < eligible[j].backend.Index()
	})

	candidates := make([]*backend.Backend, len(eligible))
	for i, r := range eligible {
		candidates[i] = r.backend
	}

	return candidates
}

// RetryInterval is the cooldown applied to failed backends.
func (s *Selector) RetryInterval() time.Duration {
	return s.retryInterval
}
