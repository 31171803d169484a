/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"sync"
	"sync/atomic"
)

// Ensure BaseEventEmitter implements the EventEmitter interface
var _ EventEmitter = &BaseEventEmitter{}

const (
	// Browser
	EventBrowserDisconnected string = "disconnected"
	EventBrowserPage         string = "page"

	// Connection
	EventConnectionClose string = "close"

	// Page
	EventPageClose                  string = "close"
	EventPageRequest                string = "request"
	EventPageRequestFailed          string = "requestfailed"
	EventPageRequestFinished        string = "requestfinished"
	EventPageRequestServedFromCache string = "requestservedfromcache"
	EventPageResponse               string = "response"

	// Session
	EventSessionClosed string = "close"

	// TargetManager
	EventTargetDiscovered string = "targetdiscovered"
	EventTargetAvailable  string = "targetavailable"
	EventTargetChanged    string = "targetchanged"
	EventTargetGone       string = "targetgone"
)

// Event as emitted by an EventEmitter.
type Event struct {
	typ  string
	data any
}

// Type returns the event name.
func (e Event) Type() string { return e.typ }

// Data returns the event payload, e.g. a *network.EventRequestWillBeSent
// for protocol events or a *Request for EventPageRequest.
func (e Event) Data() any { return e.data }

// Subscription is a registered event handler. It is the token to pass to
// Unsubscribe.
type Subscription struct {
	events  []string
	fn      func(Event)
	removed atomic.Bool
}

// EventEmitter that all event emitters need to implement.
type EventEmitter interface {
	Subscribe(events []string, fn func(Event)) *Subscription
	SubscribeAll(fn func(Event)) *Subscription
	Unsubscribe(sub *Subscription) bool
	emit(event string, data any)
}

// BaseEventEmitter emits events to registered handlers.
//
// Handlers run synchronously on the emitting goroutine in registration
// order, specific handlers before catch-all ones. The zero value is ready
// to use.
type BaseEventEmitter struct {
	mu          sync.RWMutex
	handlers    map[string][]*Subscription
	handlersAll []*Subscription
}

// Subscribe registers fn for the given events.
func (e *BaseEventEmitter) Subscribe(events []string, fn func(Event)) *Subscription {
	sub := &Subscription{events: events, fn: fn}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[string][]*Subscription)
	}
	for _, ev := range events {
		e.handlers[ev] = append(e.handlers[ev], sub)
	}

	return sub
}

// SubscribeAll registers fn for every event.
func (e *BaseEventEmitter) SubscribeAll(fn func(Event)) *Subscription {
	sub := &Subscription{fn: fn}

	e.mu.Lock()
	e.handlersAll = append(e.handlersAll, sub)
	e.mu.Unlock()

	return sub
}

// Unsubscribe removes sub and reports whether it was registered. A handler
// removed while an event is being dispatched is not called for it anymore.
func (e *BaseEventEmitter) Unsubscribe(sub *Subscription) bool {
	if sub == nil || sub.removed.Swap(true) {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if sub.events == nil {
		var found bool
		e.handlersAll, found = removeSubscription(e.handlersAll, sub)
		return found
	}
	found := false
	for _, ev := range sub.events {
		var ok bool
		e.handlers[ev], ok = removeSubscription(e.handlers[ev], sub)
		if len(e.handlers[ev]) == 0 {
			delete(e.handlers, ev)
		}
		found = found || ok
	}

	return found
}

func removeSubscription(subs []*Subscription, sub *Subscription) ([]*Subscription, bool) {
	for i, s := range subs {
		if s == sub {
			// copy so that snapshots taken by emit stay intact
			out := make([]*Subscription, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...), true
		}
	}
	return subs, false
}

func (e *BaseEventEmitter) emit(event string, data any) {
	e.mu.RLock()
	handlers := e.handlers[event]
	handlersAll := e.handlersAll
	e.mu.RUnlock()

	ev := Event{typ: event, data: data}
	for _, h := range handlers {
		if !h.removed.Load() {
			h.fn(ev)
		}
	}
	for _, h := range handlersAll {
		if !h.removed.Load() {
			h.fn(ev)
		}
	}
}

// listenerCount returns the number of handlers registered for event,
// not counting catch-all handlers.
func (e *BaseEventEmitter) listenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}
