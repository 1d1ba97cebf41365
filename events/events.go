// Package events provides a simple publish-subscribe mechanism for sign-in lifecycle events.
package events

import (
	"sync"

	"github.com/alitto/pond"
)

// Event is embedded by event types. Event types must be comparable; the zero value of the type
// is used as the subscription key.
type Event struct{}

const (
	maxDispatchWorkers = 4
	maxQueuedCallbacks = 256
)

var (
	subscriptions   = make(map[any]map[*Subscription[any]]func(any))
	subscriptionsMu sync.RWMutex

	// callbacks run on a small pool so a slow subscriber cannot stall the emitter
	dispatch = pond.New(maxDispatchWorkers, maxQueuedCallbacks)
)

// Subscription allows unsubscribing from an event.
type Subscription[T comparable] struct {
	// non-zero size so every subscription has a distinct address
	_ byte
}

// Subscribe registers callback for events of type T.
func Subscribe[T comparable](callback func(evt T)) *Subscription[T] {
	subscriptionsMu.Lock()
	defer subscriptionsMu.Unlock()
	var evt T
	if subscriptions[evt] == nil {
		subscriptions[evt] = make(map[*Subscription[any]]func(any))
	}
	sub := &Subscription[T]{}
	subscriptions[evt][(*Subscription[any])(sub)] = func(e any) { callback(e.(T)) }
	return sub
}

// Unsubscribe removes the given subscription.
func Unsubscribe[T comparable](sub *Subscription[T]) {
	subscriptionsMu.Lock()
	defer subscriptionsMu.Unlock()
	var evt T
	if subs, ok := subscriptions[evt]; ok {
		delete(subs, (*Subscription[any])(sub))
		if len(subs) == 0 {
			delete(subscriptions, evt)
		}
	}
}

// Emit notifies all subscribers of the event, passing event data.
// Callbacks are invoked asynchronously.
func Emit[T comparable](evt T) {
	subscriptionsMu.RLock()
	defer subscriptionsMu.RUnlock()
	var e T
	for _, cb := range subscriptions[e] {
		dispatch.Submit(func() { cb(evt) })
	}
}
