// Package eventbridge is the process-wide publish/subscribe bus between the
// forwarding engine and the rest of the application. Construct one Bridge at
// application start and pass it to every component that needs it.
package eventbridge

import (
	"log"
	"sync"
	"time"
)

type EventType string

const (
	ForwardingChanged EventType = "forwardingChanged"
	AppForegrounded   EventType = "appForegrounded"
	AppBackgrounded   EventType = "appBackgrounded"
)

// Event is delivered to subscribers. Enabled is only meaningful for
// ForwardingChanged.
type Event struct {
	Type    EventType
	Enabled bool
	At      time.Time
}

type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bridge delivers events synchronously, in subscription order, on the
// publishing goroutine. It also remembers the last foreground signal.
type Bridge struct {
	mu         sync.RWMutex
	nextID     uint64
	subs       []subscription
	foreground bool
}

// New returns a bridge that assumes the app starts in the foreground.
func New() *Bridge {
	return &Bridge{foreground: true}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bridge) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bridge) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	switch ev.Type {
	case AppForegrounded:
		b.foreground = true
	case AppBackgrounded:
		b.foreground = false
	}
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[Bridge] Handler panic on %s: %v", ev.Type, r)
				}
			}()
			s.handler(ev)
		}()
	}
}

// PublishForwardingChanged announces the new enabled value.
func (b *Bridge) PublishForwardingChanged(enabled bool) {
	b.Publish(Event{Type: ForwardingChanged, Enabled: enabled})
}

// SetForeground publishes AppForegrounded or AppBackgrounded.
func (b *Bridge) SetForeground(fg bool) {
	if fg {
		b.Publish(Event{Type: AppForegrounded})
		return
	}
	b.Publish(Event{Type: AppBackgrounded})
}

func (b *Bridge) IsForeground() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.foreground
}
