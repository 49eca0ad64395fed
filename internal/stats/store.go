package stats

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of requests kept for observability.
const DefaultHistorySize = 1000

// ServerStats are the counters kept for one backend.
type ServerStats struct {
	TotalRequests      uint64
	SuccessfulRequests uint64
	FailedRequests     uint64
	// AvgResponseTimeMs averages successful requests only.
	AvgResponseTimeMs  float64
	LastResponseTimeMs float64
	UptimeStart        time.Time
}

// Store owns every piece of shared balancer state: per-backend counters,
// the failure registry and the request history. A single RWMutex guards all
// of it; critical sections are a handful of map and slice operations.
type Store struct {
	mutex         sync.RWMutex
	now           func() time.Time
	servers       map[string]*ServerStats
	failures      map[string]time.Time
	history       *History
	totalRequests uint64
	startTime     time.Time
}

type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithHistorySize sets the request history capacity.
func WithHistorySize(n int) Option {
	return func(s *Store) {
		s.history = NewHistory(n)
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		servers:  make(map[string]*ServerStats),
		failures: make(map[string]time.Time),
		history:  NewHistory(DefaultHistorySize),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.startTime = s.now()
	return s
}

// Now reports the store's clock.
func (s *Store) Now() time.Time {
	return s.now()
}

// RecordOutcome counts one request or probe against backend and appends it
// to the history.
func (s *Store) RecordOutcome(backend string, success bool, responseTime time.Duration, path string) {
	ms := float64(responseTime) / float64(time.Millisecond)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	st := s.serverLocked(backend, now)

	s.totalRequests++
	st.TotalRequests++
	st.LastResponseTimeMs = ms

	if success {
		st.SuccessfulRequests++
		n := float64(st.SuccessfulRequests)
		st.AvgResponseTimeMs = (st.AvgResponseTimeMs*(n-1) + ms) / n
	} else {
		st.FailedRequests++
	}

	s.history.Push(Entry{
		Timestamp:      now,
		Backend:        backend,
		Success:        success,
		ResponseTimeMs: ms,
		Path:           path,
	})
}

// MarkFailed stamps backend as failed now, overwriting any earlier stamp.
// It reports whether the backend was already marked.
func (s *Store) MarkFailed(backend string) (alreadyFailed bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, alreadyFailed = s.failures[backend]
	s.failures[backend] = s.now()
	return alreadyFailed
}

// MarkFailedIfHealthy stamps backend as failed only if it is not marked yet,
// so repeated failures do not push the cooldown further out. It reports
// whether the backend transitioned.
func (s *Store) MarkFailedIfHealthy(backend string) (transitioned bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.failures[backend]; ok {
		return false
	}
	s.failures[backend] = s.now()
	return true
}

// MarkHealthy clears backend from the failure registry. When it was marked,
// its uptime restarts and MarkHealthy reports the recovery.
func (s *Store) MarkHealthy(backend string) (recovered bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.failures[backend]; !ok {
		return false
	}

	now := s.now()
	delete(s.failures, backend)
	s.serverLocked(backend, now).UptimeStart = now
	return true
}

// IsFailed reports whether backend is inside its cooldown. A failure stamped
// exactly retryWindow ago is already eligible again. Expired entries stay in
// the registry until a success clears them.
func (s *Store) IsFailed(backend string, retryWindow time.Duration) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	failedAt, ok := s.failures[backend]
	if !ok {
		return false
	}
	return s.now().Sub(failedAt) < retryWindow
}

// FailedAt returns when backend was last marked failed, if it is marked.
func (s *Store) FailedAt(backend string) (time.Time, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	t, ok := s.failures[backend]
	return t, ok
}

// Stats returns a copy of backend's counters. Unseen backends report zero
// counters with uptime measured from process start.
func (s *Store) Stats(backend string) ServerStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.statsLocked(backend)
}

// TotalRequests is the process-wide request and probe count.
func (s *Store) TotalRequests() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.totalRequests
}

// StartTime is when the store was created.
func (s *Store) StartTime() time.Time {
	return s.startTime
}

// Recent returns up to n history entries, newest first.
func (s *Store) Recent(n int) []Entry {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.history.Recent(n)
}

// Capture is a consistent copy of the store taken under one read lock.
type Capture struct {
	At            time.Time
	StartTime     time.Time
	TotalRequests uint64
	Servers       map[string]ServerStats
	Failures      map[string]time.Time
	Recent        []Entry
	HistoryLen    int
}

// Capture copies the state of the given backends plus the recent newest
// history entries.
func (s *Store) Capture(backends []string, recent int) Capture {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	c := Capture{
		At:            s.now(),
		StartTime:     s.startTime,
		TotalRequests: s.totalRequests,
		Servers:       make(map[string]ServerStats, len(backends)),
		Failures:      make(map[string]time.Time, len(s.failures)),
		Recent:        s.history.Recent(recent),
		HistoryLen:    s.history.Len(),
	}

	for _, b := range backends {
		c.Servers[b] = s.statsLocked(b)
		if t, ok := s.failures[b]; ok {
			c.Failures[b] = t
		}
	}

	return c
}

func (s *Store) serverLocked(backend string, now time.Time) *ServerStats {
	st, ok := s.servers[backend]
	if !ok {
		st = &ServerStats{UptimeStart: now}
		s.servers[backend] = st
	}
	return st
}

func (s *Store) statsLocked(backend string) ServerStats {
	if st, ok := s.servers[backend]; ok {
		return *st
	}
	return ServerStats{UptimeStart: s.startTime}
}
