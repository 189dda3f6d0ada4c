package events

import (
	"log/slog"
	"sync"
	"time"
)

// Observer receives contract envelopes. Alive is checked before every
// delivery; a dead observer is skipped, never removed implicitly.
type Observer interface {
	Alive() bool
	Deliver(Envelope)
}

// ObserverFunc adapts a function to an always-alive Observer.
type ObserverFunc func(Envelope)

func (f ObserverFunc) Alive() bool        { return true }
func (f ObserverFunc) Deliver(e Envelope) { f(e) }

// Broadcaster fans internal state changes out to registered observers. It
// holds no business state and never mutates the recording lifecycle.
// Delivery is fire-and-forget.
type Broadcaster struct {
	logger *slog.Logger
	clock  func() time.Time

	mu        sync.RWMutex
	nextID    int
	observers map[int]Observer
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:    logger.With(slog.String("component", "broadcaster")),
		clock:     time.Now,
		observers: make(map[int]Observer),
	}
}

// Attach registers an observer and returns its detach function.
func (b *Broadcaster) Attach(o Observer) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.observers[id] = o
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

// Publish wraps the payload in a versioned envelope and delivers it to every
// live observer. A panicking or dead observer cannot disturb the others.
func (b *Broadcaster) Publish(p Payload) {
	env := Envelope{
		Version:   ContractVersion,
		Channel:   p.Channel(),
		EmittedAt: b.clock().UTC(),
		Payload:   p,
	}

	b.mu.RLock()
	observers := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		observers = append(observers, o)
	}
	b.mu.RUnlock()

	for _, o := range observers {
		if !o.Alive() {
			b.logger.Warn("skipping delivery to dead observer", slog.String("channel", env.Channel))
			continue
		}
		b.deliver(o, env)
	}
}

func (b *Broadcaster) deliver(o Observer, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("observer delivery panicked",
				slog.String("channel", env.Channel),
				slog.Any("panic", r))
		}
	}()
	o.Deliver(env)
}
