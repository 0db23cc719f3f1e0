// Package router delivers messages between capture contexts. Delivery is
// fire-and-forget: sending to an absent or slow context is a swallowed
// no-op success, because a popup may have closed or a page unloaded at any
// moment and senders must never fail for it.
package router

import (
	"context"
	"log"
	"sync"
	"time"

	"page-capture-llm/messages"
)

type channelInfo struct {
	ch     chan messages.Envelope
	active bool
}

// Router routes messages between registered contexts.
type Router struct {
	mu       sync.RWMutex
	channels map[string]*channelInfo
	closed   bool
}

func New() *Router {
	return &Router{channels: make(map[string]*channelInfo)}
}

// Register adds a context and returns its inbox. Re-registering a name
// replaces the previous inbox (a reloaded page gets a fresh channel).
func (r *Router) Register(contextID string, bufferSize int) <-chan messages.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, exists := r.channels[contextID]; exists {
		old.active = false
		close(old.ch)
	}
	ch := make(chan messages.Envelope, bufferSize)
	r.channels[contextID] = &channelInfo{ch: ch, active: true}
	log.Printf("router: registered context %s", contextID)
	return ch
}

// Unregister removes a context. Subsequent sends to it are silently dropped.
func (r *Router) Unregister(contextID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, exists := r.channels[contextID]; exists {
		info.active = false
		close(info.ch)
		delete(r.channels, contextID)
		log.Printf("router: unregistered context %s", contextID)
	}
}

// Send delivers an envelope. Absent destination, full inbox, or a shut-down
// router all count as success: the peer may simply not exist right now.
func (r *Router) Send(env messages.Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	log.Printf("router: %s -> %s: %s", env.From, env.To, env.Message.Type())

	if env.To == messages.Broadcast {
		for id, info := range r.channels {
			if !info.active || id == env.From {
				continue
			}
			deliver(info, messages.Envelope{From: env.From, To: id, Message: env.Message})
		}
		return
	}

	info, exists := r.channels[env.To]
	if !exists || !info.active {
		log.Printf("router: no listener for %s, dropping %s", env.To, env.Message.Type())
		return
	}
	deliver(info, env)
}

func deliver(info *channelInfo, env messages.Envelope) {
	select {
	case info.ch <- env:
	default:
		log.Printf("router: inbox full for %s, dropping %s", env.To, env.Message.Type())
	}
}

// Ping probes a context for liveness and waits up to timeout for the ack.
// This is the one round-trip verb; everything else is one-way.
func (r *Router) Ping(ctx context.Context, from, to string, timeout time.Duration) bool {
	ack := make(chan struct{}, 1)
	env := messages.Envelope{From: from, To: to, Message: messages.Ping{Ack: ack}}
	r.Send(env)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	// Resend on a short tick: the target may register its inbox after the
	// first probe was dropped.
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ack:
			return true
		case <-tick.C:
			r.Send(env)
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Active returns the registered context names.
func (r *Router) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var active []string
	for id, info := range r.channels {
		if info.active {
			active = append(active, id)
		}
	}
	return active
}

// Shutdown closes every inbox and drops all further sends.
func (r *Router) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, info := range r.channels {
		info.active = false
		close(info.ch)
		delete(r.channels, id)
	}
	log.Printf("router: shutdown complete")
}
