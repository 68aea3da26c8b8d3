package telescope_simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ikki-wiki/telescope-control-platform/pkg/indi"
)

var (
	ErrTransportClosed = errors.New("loopback transport is not connected")
	ErrRefused         = errors.New("connection refused")
)

// Loopback is an in-process indi.Transport that talks directly to
// simulated devices.
type Loopback struct {
	devices map[string]*Device

	mu        sync.Mutex
	connected bool
	refuse    bool
	detach    map[string]func()
	handlers  map[string]indi.Handler
}

func NewLoopback(devices ...*Device) *Loopback {
	l := &Loopback{
		devices:  make(map[string]*Device),
		detach:   make(map[string]func()),
		handlers: make(map[string]indi.Handler),
	}
	for _, d := range devices {
		l.devices[d.Name()] = d
	}
	return l
}

// Refuse makes subsequent Connect calls fail.
func (l *Loopback) Refuse(refuse bool) {
	l.mu.Lock()
	l.refuse = refuse
	l.mu.Unlock()
}

func (l *Loopback) Connect(ctx context.Context, host string, port int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refuse {
		return fmt.Errorf("%s:%d: %w", host, port, ErrRefused)
	}
	l.connected = true
	return nil
}

func (l *Loopback) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for name, detach := range l.detach {
		detach()
		delete(l.detach, name)
	}
	l.handlers = make(map[string]indi.Handler)
	l.connected = false
	return nil
}

// Subscribe attaches h to the named device. Subscribing to a device that
// does not exist succeeds and simply never delivers anything.
func (l *Loopback) Subscribe(device string, h indi.Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return ErrTransportClosed
	}
	if detach, ok := l.detach[device]; ok {
		detach()
		delete(l.detach, device)
	}
	l.handlers[device] = h
	if d, ok := l.devices[device]; ok {
		l.detach[device] = d.Attach(h)
	}
	return nil
}

func (l *Loopback) Unsubscribe(device string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if detach, ok := l.detach[device]; ok {
		detach()
		delete(l.detach, device)
	}
	delete(l.handlers, device)
	return nil
}

func (l *Loopback) WriteVector(ctx context.Context, w indi.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	connected := l.connected
	d, ok := l.devices[w.Device]
	l.mu.Unlock()

	if !connected {
		return ErrTransportClosed
	}
	if !ok {
		return fmt.Errorf("device %q: %w", w.Device, indi.ErrVectorNotFound)
	}
	return d.Write(w)
}

// Drop simulates a lost link: every subscriber is told and detached.
func (l *Loopback) Drop(err error) {
	l.mu.Lock()
	handlers := l.handlers
	for name, detach := range l.detach {
		detach()
		delete(l.detach, name)
	}
	l.handlers = make(map[string]indi.Handler)
	l.connected = false
	l.mu.Unlock()

	for _, h := range handlers {
		h.ConnectionLost(err)
	}
}
