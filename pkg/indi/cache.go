package indi

import (
	"fmt"
	"sort"
	"sync"
)

// Cache holds the last pushed snapshot of every vector of one device.
//
// Entries are never mutated in place: Put stores a private copy and Get
// returns a copy, so a reader always sees a complete vector.
type Cache struct {
	mu         sync.RWMutex
	device     string
	vectors    map[string]Vector
	generation uint64

	subMu       sync.Mutex
	subscribers map[int]chan Vector
	nextSub     int
}

func NewCache(device string) *Cache {
	return &Cache{
		device:      device,
		vectors:     make(map[string]Vector),
		subscribers: make(map[int]chan Vector),
	}
}

func (c *Cache) Device() string {
	return c.device
}

// Put replaces the entry for v.Name and returns the stored generation.
func (c *Cache) Put(v Vector) uint64 {
	c.mu.Lock()
	c.generation++
	stored := v.Clone()
	stored.Generation = c.generation
	c.vectors[v.Name] = stored
	c.mu.Unlock()

	c.publish(stored)
	return stored.Generation
}

func (c *Cache) Remove(name string) {
	c.mu.Lock()
	delete(c.vectors, name)
	c.mu.Unlock()
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.vectors = make(map[string]Vector)
	c.mu.Unlock()
}

// Get returns a copy of the named vector.
func (c *Cache) Get(name string) (Vector, error) {
	c.mu.RLock()
	v, ok := c.vectors[name]
	c.mu.RUnlock()

	if !ok {
		return Vector{}, fmt.Errorf("%s: %w", name, ErrVectorNotFound)
	}
	return v.Clone(), nil
}

func (c *Cache) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.vectors[name]
	return ok
}

func (c *Cache) Element(vector, element string) (Element, error) {
	c.mu.RLock()
	v, ok := c.vectors[vector]
	c.mu.RUnlock()

	if !ok {
		return Element{}, fmt.Errorf("%s: %w", vector, ErrVectorNotFound)
	}
	e, ok := v.Element(element)
	if !ok {
		return Element{}, fmt.Errorf("%s.%s: %w", vector, element, ErrElementNotFound)
	}
	return e, nil
}

// Generation of the named entry, 0 if absent.
func (c *Cache) Generation(name string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vectors[name].Generation
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vectors)
}

// Names returns the cached vector names in sorted order.
func (c *Cache) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.vectors))
	for name := range c.vectors {
		names = append(names, name)
	}
	c.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Subscribe returns a channel receiving every stored vector. Updates are
// dropped for a subscriber whose buffer is full so Put never blocks.
func (c *Cache) Subscribe(buffer int) (<-chan Vector, func()) {
	ch := make(chan Vector, buffer)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(ch)
		}
	}
}

// Close drops every entry and closes all subscriber channels. Cancel
// functions returned earlier stay safe to call. The cache can be filled
// and subscribed to again afterwards.
func (c *Cache) Close() {
	c.Clear()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
}

func (c *Cache) publish(v Vector) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, ch := range c.subscribers {
		select {
		case ch <- v.Clone():
		default:
		}
	}
}
