package rtcManager

import (
	"sort"
	"sync"
	"sync/atomic"
)

// handlerSet fans a single pion callback out to any number of subscribers.
type handlerSet[T any] struct {
	mu       sync.RWMutex
	nextID   int64
	handlers map[int64]func(T)
}

func (h *handlerSet[T]) add(fn func(T)) func() {
	id := atomic.AddInt64(&h.nextID, 1)

	h.mu.Lock()
	if h.handlers == nil {
		h.handlers = make(map[int64]func(T))
	}
	h.handlers[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handlers, id)
			h.mu.Unlock()
		})
	}
}

// emit calls every handler in registration order, outside the lock.
func (h *handlerSet[T]) emit(v T) {
	h.mu.RLock()
	ids := make([]int64, 0, len(h.handlers))
	for id := range h.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func(T), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, h.handlers[id])
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(v)
	}
}

func (h *handlerSet[T]) clear() {
	h.mu.Lock()
	h.handlers = nil
	h.mu.Unlock()
}

func (h *handlerSet[T]) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}
