// Package presence tracks which identifiers are connected to the relay and
// delivers routed signaling messages to them.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrIDTaken         = errors.New("identifier is already connected")
	ErrPeerUnavailable = errors.New("identifier is not connected")
)

// Hub is the relay's presence registry and message router.
type Hub interface {
	// Register claims id and arranges for messages sent to it to be passed
	// to deliver. Returns ErrIDTaken if id is already claimed.
	Register(ctx context.Context, id string, deliver func(data []byte)) error
	Unregister(ctx context.Context, id string) error
	// Refresh keeps id's claim alive.
	Refresh(ctx context.Context, id string) error
	// Send routes data to dst, or returns ErrPeerUnavailable.
	Send(ctx context.Context, dst string, data []byte) error
}

var _ Hub = (*MemoryHub)(nil)

type entry struct {
	deliver     func([]byte)
	connectedAt time.Time
}

// MemoryHub is a Hub for a single relay process.
type MemoryHub struct {
	entries map[string]*entry
	sync.RWMutex
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		entries: make(map[string]*entry),
	}
}

func (h *MemoryHub) Register(_ context.Context, id string, deliver func([]byte)) error {
	h.Lock()
	defer h.Unlock()
	if _, taken := h.entries[id]; taken {
		return ErrIDTaken
	}
	h.entries[id] = &entry{deliver: deliver, connectedAt: time.Now()}
	return nil
}

func (h *MemoryHub) Unregister(_ context.Context, id string) error {
	h.Lock()
	defer h.Unlock()
	delete(h.entries, id)
	return nil
}

func (h *MemoryHub) Refresh(context.Context, string) error {
	return nil
}

func (h *MemoryHub) Send(_ context.Context, dst string, data []byte) error {
	h.RLock()
	e, ok := h.entries[dst]
	h.RUnlock()
	if !ok {
		return ErrPeerUnavailable
	}
	e.deliver(data)
	return nil
}

// Count returns the number of connected identifiers.
func (h *MemoryHub) Count() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.entries)
}
