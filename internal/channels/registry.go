package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/kapy/pkg/models"
)

// Registry holds the configured channel adapters.
type Registry struct {
	mu       sync.RWMutex
	channels map[models.ChannelType]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[models.ChannelType]Channel)}
}

// Register adds an adapter. The last adapter wins per channel type.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Type()] = ch
}

// Get returns the adapter for a channel type.
func (r *Registry) Get(t models.ChannelType) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[t]
	return ch, ok
}

// All returns every registered adapter.
func (r *Registry) All() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// StartAll starts every adapter, stopping the already-started ones on
// failure.
func (r *Registry) StartAll(ctx context.Context) error {
	started := make([]Channel, 0)
	for _, ch := range r.All() {
		if err := ch.Start(ctx); err != nil {
			for _, prev := range started {
				_ = prev.Stop(ctx)
			}
			return fmt.Errorf("start %s channel: %w", ch.Type(), err)
		}
		started = append(started, ch)
	}
	return nil
}

// StopAll stops every adapter, returning the last error.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, ch := range r.All() {
		if err := ch.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
