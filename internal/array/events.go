package array

import (
	"context"
	"time"
)

// EventKind is the kind of topology change.
type EventKind string

const (
	EventSystemInserted EventKind = "system_inserted"
	EventSystemErased   EventKind = "system_erased"
	EventRoleInserted   EventKind = "role_inserted"
	EventRoleErased     EventKind = "role_erased"
)

// Event describes one topology change.
type Event struct {
	Kind       EventKind `json:"kind"`
	SystemID   string    `json:"system_id,omitempty"`
	SystemName string    `json:"system_name,omitempty"`
	Role       string    `json:"role,omitempty"`
	Time       time.Time `json:"time"`
}

// Observer is notified synchronously of every topology change, after the
// array state already reflects it.
type Observer interface {
	Notify(ev Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(ev Event)

// Notify implements Observer.
func (f ObserverFunc) Notify(ev Event) { f(ev) }

const watchBuffer = 100

// Watch returns a channel of topology events that is closed when ctx is done.
// Events are dropped for a watcher whose buffer is full.
func (a *Array) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, watchBuffer)

	a.subMu.Lock()
	a.subscribers = append(a.subscribers, ch)
	a.subMu.Unlock()

	go func() {
		<-ctx.Done()
		a.subMu.Lock()
		defer a.subMu.Unlock()
		for i, sub := range a.subscribers {
			if sub == ch {
				a.subscribers = append(a.subscribers[:i], a.subscribers[i+1:]...)
				close(ch)
				break
			}
		}
	}()

	return ch
}

func (a *Array) emit(events ...Event) {
	for _, ev := range events {
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}
		for _, o := range a.observers {
			o.Notify(ev)
		}

		a.subMu.RLock()
		for _, sub := range a.subscribers {
			select {
			case sub <- ev:
			default:
				// watcher is slow, drop
			}
		}
		a.subMu.RUnlock()
	}
}
