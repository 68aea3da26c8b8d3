package indi

import (
	"context"
	"sync"
)

// Handler receives push notifications for the vectors of a subscribed device.
// Calls arrive on the transport's delivery goroutine and must not block.
type Handler interface {
	VectorAdded(v Vector)
	VectorUpdated(v Vector)
	VectorRemoved(device, name string)
	ConnectionLost(err error)
}

// Transport carries vectors between the client and the device drivers.
// WriteVector returns once the transport accepted the write; confirmation
// arrives later through the Handler.
type Transport interface {
	Connect(ctx context.Context, host string, port int) error
	Disconnect() error
	Subscribe(device string, h Handler) error
	Unsubscribe(device string) error
	WriteVector(ctx context.Context, w Write) error
}

// CacheHandler feeds push notifications for one device into a Cache.
// After Close it ignores every notification, so late deliveries from a
// transport being torn down never reach the cache.
type CacheHandler struct {
	Cache *Cache
	// OnLost is called when the transport reports a lost connection.
	OnLost func(err error)

	mu     sync.RWMutex
	closed bool
}

// Close detaches the handler from its cache. It waits for a delivery in
// progress to finish.
func (h *CacheHandler) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *CacheHandler) VectorAdded(v Vector) {
	h.put(v)
}

func (h *CacheHandler) VectorUpdated(v Vector) {
	h.put(v)
}

func (h *CacheHandler) put(v Vector) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.closed && v.Device == h.Cache.Device() {
		h.Cache.Put(v)
	}
}

func (h *CacheHandler) VectorRemoved(device, name string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.closed && device == h.Cache.Device() {
		h.Cache.Remove(name)
	}
}

func (h *CacheHandler) ConnectionLost(err error) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if !closed && h.OnLost != nil {
		h.OnLost(err)
	}
}
