package extension

import (
	"sync"
	"sync/atomic"
)

type value struct {
	v any
}

// holder is a lazily populated slot. Reads after population are a single
// atomic load; construction runs at most once at a time and a failed
// construction leaves the slot empty for the next caller.
type holder struct {
	mu  sync.Mutex
	val atomic.Pointer[value]
}

func (h *holder) get(create func() (any, error)) (any, error) {
	if p := h.val.Load(); p != nil {
		return p.v, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if p := h.val.Load(); p != nil {
		return p.v, nil
	}
	v, err := create()
	if err != nil {
		return nil, err
	}
	h.val.Store(&value{v: v})
	return v, nil
}

func holderFor(m *sync.Map, key string) *holder {
	if h, ok := m.Load(key); ok {
		return h.(*holder)
	}
	h, _ := m.LoadOrStore(key, &holder{})
	return h.(*holder)
}
