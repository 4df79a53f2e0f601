// Package events is the typed publish/subscribe hub through which a call
// controller reports call-start, call-end, volume-level, speech-start,
// speech-end, message and error to its observers.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Name is the wire name of an event.
type Name string

// Signal is the payload of events that carry no value.
type Signal = struct{}

// Topic binds an event name to the type of its payload.
type Topic[T any] struct {
	name Name
}

// Name returns the event name of the topic.
func (t Topic[T]) Name() Name { return t.name }

var (
	CallStart   = Topic[Signal]{name: "call-start"}
	CallEnd     = Topic[Signal]{name: "call-end"}
	VolumeLevel = Topic[float64]{name: "volume-level"}
	SpeechStart = Topic[Signal]{name: "speech-start"}
	SpeechEnd   = Topic[Signal]{name: "speech-end"}
	Message     = Topic[any]{name: "message"}
	Error       = Topic[error]{name: "error"}
)

// Names lists every event name in the vocabulary.
func Names() []Name {
	return []Name{
		CallStart.name,
		CallEnd.name,
		VolumeLevel.name,
		SpeechStart.name,
		SpeechEnd.name,
		Message.name,
		Error.name,
	}
}

// Event is one emission as delivered to Subscribe observers.
type Event struct {
	Name    Name
	Payload any
	At      time.Time
}

// ListenerID identifies a registration for RemoveListener.
type ListenerID uint64

type entry struct {
	id   ListenerID
	once bool
	fn   func(Event)
}

// Emitter dispatches events synchronously to listeners in registration
// order. The zero value is not usable; use New.
type Emitter struct {
	logger *slog.Logger

	mu        sync.Mutex
	nextID    ListenerID
	listeners map[Name][]entry
	observers []entry
}

// New returns an Emitter that reports listener panics to logger.
func New(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		logger:    logger,
		listeners: make(map[Name][]entry),
	}
}

// On registers fn for every emission of topic.
func On[T any](e *Emitter, topic Topic[T], fn func(T)) ListenerID {
	return e.add(topic.name, false, wrap(fn))
}

// Once registers fn for the next emission of topic only.
func Once[T any](e *Emitter, topic Topic[T], fn func(T)) ListenerID {
	return e.add(topic.name, true, wrap(fn))
}

// Emit delivers v to the listeners of topic and then to Subscribe
// observers. It reports whether any listener was registered for topic.
func Emit[T any](e *Emitter, topic Topic[T], v T) bool {
	return e.emit(Event{Name: topic.name, Payload: v, At: time.Now().UTC()})
}

func wrap[T any](fn func(T)) func(Event) {
	return func(ev Event) {
		v, _ := ev.Payload.(T)
		fn(v)
	}
}

// Subscribe registers fn for every event regardless of name.
func (e *Emitter) Subscribe(fn func(Event)) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.observers = append(e.observers, entry{id: e.nextID, fn: fn})
	return e.nextID
}

// RemoveListener drops the registration id. It reports whether it existed.
func (e *Emitter) RemoveListener(id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, list := range e.listeners {
		if next, ok := without(list, id); ok {
			if len(next) == 0 {
				delete(e.listeners, name)
			} else {
				e.listeners[name] = next
			}
			return true
		}
	}
	if next, ok := without(e.observers, id); ok {
		e.observers = next
		return true
	}
	return false
}

// RemoveAllListeners drops every listener of the given names, or every
// listener and observer when no name is given.
func (e *Emitter) RemoveAllListeners(names ...Name) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(names) == 0 {
		e.listeners = make(map[Name][]entry)
		e.observers = nil
		return
	}
	for _, name := range names {
		delete(e.listeners, name)
	}
}

// ListenerCount returns the number of listeners registered for name.
func (e *Emitter) ListenerCount(name Name) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[name])
}

// ObserverCount returns the number of Subscribe observers.
func (e *Emitter) ObserverCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.observers)
}

func (e *Emitter) add(name Name, once bool, fn func(Event)) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners[name] = append(e.listeners[name], entry{id: e.nextID, once: once, fn: fn})
	return e.nextID
}

func (e *Emitter) emit(ev Event) bool {
	e.mu.Lock()
	list := e.listeners[ev.Name]
	targets := make([]entry, 0, len(list)+len(e.observers))
	targets = append(targets, list...)
	if len(list) > 0 {
		kept := list[:0:0]
		for _, l := range list {
			if !l.once {
				kept = append(kept, l)
			}
		}
		if len(kept) == 0 {
			delete(e.listeners, ev.Name)
		} else {
			e.listeners[ev.Name] = kept
		}
	}
	targets = append(targets, e.observers...)
	e.mu.Unlock()

	for _, l := range targets {
		e.invoke(l, ev)
	}
	return len(list) > 0
}

func (e *Emitter) invoke(l entry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked",
				"event", string(ev.Name),
				"listener_id", uint64(l.id),
				"error", fmt.Sprint(r),
			)
		}
	}()
	l.fn(ev)
}

func without(list []entry, id ListenerID) ([]entry, bool) {
	for i, l := range list {
		if l.id == id {
			next := make([]entry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			return next, true
		}
	}
	return list, false
}
