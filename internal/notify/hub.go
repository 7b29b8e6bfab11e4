package notify

import (
	"context"
	"sync"

	"github.com/ariefcatur/go-food-orders/internal/orders"
)

// Handler receives status changes for one order. It must not block.
type Handler func(orders.StatusChange)

// Hub delivers status changes to in-process subscribers keyed by order id.
type Hub struct {
	mu   sync.RWMutex
	next uint64
	subs map[string]map[uint64]Handler
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]Handler)}
}

var _ orders.Notifier = (*Hub)(nil)

// Subscribe registers h for orderID. The returned func removes it and is safe to call twice.
func (h *Hub) Subscribe(orderID string, fn Handler) (unsubscribe func()) {
	h.mu.Lock()
	h.next++
	id := h.next
	if h.subs[orderID] == nil {
		h.subs[orderID] = make(map[uint64]Handler)
	}
	h.subs[orderID][id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[orderID], id)
			if len(h.subs[orderID]) == 0 {
				delete(h.subs, orderID)
			}
		})
	}
}

func (h *Hub) Publish(_ context.Context, c orders.StatusChange) error {
	h.mu.RLock()
	fns := make([]Handler, 0, len(h.subs[c.OrderID]))
	for _, fn := range h.subs[c.OrderID] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
	return nil
}

// Subscribers reports how many handlers are registered for orderID.
func (h *Hub) Subscribers(orderID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[orderID])
}
