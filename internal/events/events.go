// Package events fans coordination events out to in-process listeners.
package events

import (
	"sync"
	"time"

	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/models"
)

// Kind names an outbound event
type Kind string

const (
	// NodeRegistered fires after a new node is committed
	NodeRegistered Kind = "NodeRegistered"
	// MainNodeElected fires after a leadership change is committed
	MainNodeElected Kind = "MainNodeElected"
	// NodeOffline fires after the monitor flips a node to offline
	NodeOffline Kind = "NodeOffline"
	// MainNodeChanged fires on a node when it learns of a new leader at its level
	MainNodeChanged Kind = "MainNodeChanged"
	// NodeOfflineNotification fires on a node when it learns a peer went offline
	NodeOfflineNotification Kind = "NodeOfflineNotification"
)

// Event is one emitted notification. Payload holds a *models.Node for
// NodeRegistered, models.LeadershipChanged for MainNodeElected and
// MainNodeChanged, and models.NodeOffline for the offline kinds.
type Event struct {
	Kind    Kind
	Level   models.Level
	NodeID  string
	Payload any
	At      time.Time
}

// Listener receives events synchronously on the emitting goroutine
type Listener func(Event)

type subscription struct {
	id uint64
	fn Listener
}

// Bus is a registry of listeners keyed by kind. The zero value is not usable;
// use NewBus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]subscription
	nextID uint64
	logger *logging.Logger
}

// NewBus creates an empty bus
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Global()
	}
	return &Bus{
		subs:   make(map[Kind][]subscription),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers fn for kind and returns a function that removes it
func (b *Bus) Subscribe(kind Kind, fn Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(kind, id) })
	}
}

func (b *Bus) unsubscribe(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[kind]
	for i, s := range subs {
		if s.id == id {
			b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers e to every listener of its kind. A panicking listener is
// recovered and logged; the remaining listeners still run.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subs[e.Kind]
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s.fn, e)
	}
}

func (b *Bus) deliver(fn Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event listener panicked",
				"kind", string(e.Kind),
				"level", e.Level.Key(),
				"panic", r)
		}
	}()
	fn(e)
}

// Count returns the number of listeners for kind
func (b *Bus) Count(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
