package coordinator

import (
	"context"
	"sync"

	"github.com/cuemby/metasync/pkg/eventsub"
)

// fakeSubscriber is a synchronous, in-memory stand-in for
// *eventsub.Subscriber: tests call deliver to simulate a peer's ack row
// update arriving over LISTEN/NOTIFY.
type fakeSubscriber struct {
	mu         sync.Mutex
	registered map[string]bool
	listeners  map[string]map[int]eventsub.Listener
	nextID     int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		registered: make(map[string]bool),
		listeners:  make(map[string]map[int]eventsub.Listener),
	}
}

func (f *fakeSubscriber) RegisterEvent(_ context.Context, eventName, _ string, _ []string, recreateIfExisting bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registered[eventName] && !recreateIfExisting {
		return false, nil
	}
	f.registered[eventName] = true
	if f.listeners[eventName] == nil {
		f.listeners[eventName] = make(map[int]eventsub.Listener)
	}
	return true, nil
}

func (f *fakeSubscriber) AddListener(eventName string, l eventsub.Listener) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.listeners[eventName] == nil {
		f.listeners[eventName] = make(map[int]eventsub.Listener)
	}
	f.listeners[eventName][id] = l
	return id
}

func (f *fakeSubscriber) RemoveListener(eventName string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners[eventName], id)
}

func (f *fakeSubscriber) UnregisterEvent(_ context.Context, eventName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.registered[eventName]
	delete(f.registered, eventName)
	delete(f.listeners, eventName)
	return ok, nil
}

// deliver fans Delivery d out to every listener currently registered on
// eventName, as dispatchLoop would, but calls each listener inline on the
// caller's goroutine instead of through a dispatch pool.
func (f *fakeSubscriber) deliver(eventName string, d eventsub.Delivery) {
	f.mu.Lock()
	ls := make([]eventsub.Listener, 0, len(f.listeners[eventName]))
	for _, l := range f.listeners[eventName] {
		ls = append(ls, l)
	}
	f.mu.Unlock()

	for _, l := range ls {
		l(d)
	}
}

var _ eventSubscriber = (*fakeSubscriber)(nil)
