package stats

import (
	"sync"
)

// History keeps the most recent Metrics in a fixed-capacity ring.
type History struct {
	mu       sync.RWMutex
	data     []Metrics
	capacity int
	size     int
	head     int // next write position
}

// NewHistory creates a ring holding at most capacity entries.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{
		data:     make([]Metrics, capacity),
		capacity: capacity,
	}
}

func (h *History) Add(m Metrics) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.data[h.head] = m
	h.head = (h.head + 1) % h.capacity
	if h.size < h.capacity {
		h.size++
	}
}

// Recent returns up to n entries, newest first.
func (h *History) Recent(n int) []Metrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return nil
	}

	out := make([]Metrics, n)
	pos := (h.head - 1 + h.capacity) % h.capacity
	for i := 0; i < n; i++ {
		out[i] = h.data[pos]
		pos = (pos - 1 + h.capacity) % h.capacity
	}
	return out
}

// All returns every entry, oldest first.
func (h *History) All() []Metrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.size == 0 {
		return nil
	}
	out := make([]Metrics, h.size)
	tail := (h.head - h.size + h.capacity) % h.capacity
	for i := 0; i < h.size; i++ {
		out[i] = h.data[(tail+i)%h.capacity]
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.size = 0
	h.head = 0
}
