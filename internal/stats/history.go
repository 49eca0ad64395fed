package stats

import "time"

// Entry is one completed request or probe.
type Entry struct {
	Timestamp      time.Time
	Backend        string
	Success        bool
	ResponseTimeMs float64
	Path           string
}

// History is a fixed-capacity FIFO ring. It is not safe for concurrent use;
// Store guards it.
type History struct {
	entries []Entry
	next    int
	size    int
}

func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{entries: make([]Entry, capacity)}
}

// Push appends e, overwriting the oldest entry when full.
func (h *History) Push(e Entry) {
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.size < len(h.entries) {
		h.size++
	}
}

func (h *History) Len() int {
	return h.size
}

// Recent returns up to n entries, newest first.
func (h *History) Recent(n int) []Entry {
	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return []Entry{}
	}

	out := make([]Entry, n)
	idx := h.next
	for i := 0; i < n; i++ {
		idx = (idx - 1 + len(h.entries)) % len(h.entries)
		out[i] = h.entries[idx]
	}
	return out
}
