package eventsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSubscriber() *Subscriber {
	return &Subscriber{subs: make(map[string]*subscription), dispatch: newDispatchPool(dispatchPoolSize)}
}

// registerFakeSubscription installs a subscription entry without
// spawning the real LISTEN goroutine, so AddListener/RemoveListener and
// dispatch can be exercised without a live Postgres connection.
func registerFakeSubscription(s *Subscriber, name string) *subscription {
	sub := &subscription{
		eventName: name,
		events:    make(chan Delivery, eventBufferSize),
		listened:  make(map[int]registration),
		cancel:    func() {},
		done:      make(chan struct{}),
	}
	close(sub.done)
	s.subs[name] = sub
	go s.dispatchLoop(sub)
	return sub
}

func TestAddListenerRequiresRegisteredEvent(t *testing.T) {
	s := newTestSubscriber()
	id := s.AddListener("ack-events-0", func(Delivery) {})
	assert.Equal(t, -1, id)

	registerFakeSubscription(s, "ack-events-0")
	id = s.AddListener("ack-events-0", func(Delivery) {})
	assert.GreaterOrEqual(t, id, 1)
}

func TestDispatchFansOutToAllListeners(t *testing.T) {
	s := newTestSubscriber()
	sub := registerFakeSubscription(s, "ack-events-0")

	var got1, got2 Delivery
	done := make(chan struct{}, 2)
	s.AddListener("ack-events-0", func(d Delivery) { got1 = d; done <- struct{}{} })
	s.AddListener("ack-events-0", func(d Delivery) { got2 = d; done <- struct{}{} })

	s.enqueue(context.Background(), sub, &pgconnNotification{Payload: `{"op":"INSERT","namenode_id":1,"op_id":5,"acknowledged":0,"leader_id":1}`})

	<-done
	<-done
	assert.Equal(t, EventInsert, got1.Kind)
	assert.Equal(t, EventInsert, got2.Kind)
}

func TestRemoveListenerStopsDelivery(t *testing.T) {
	s := newTestSubscriber()
	sub := registerFakeSubscription(s, "ack-events-0")

	called := false
	id := s.AddListener("ack-events-0", func(Delivery) { called = true })
	s.RemoveListener("ack-events-0", id)

	s.enqueue(context.Background(), sub, &pgconnNotification{Payload: `{"op":"INSERT","namenode_id":1,"op_id":5}`})
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called)
}

func TestEnqueueDropsMalformedPayloadWithoutPanic(t *testing.T) {
	s := newTestSubscriber()
	sub := registerFakeSubscription(s, "ack-events-0")

	called := false
	s.AddListener("ack-events-0", func(Delivery) { called = true })

	s.enqueue(context.Background(), sub, &pgconnNotification{Payload: `not json at all`})
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called)
}

func TestListenerPanicIsRecovered(t *testing.T) {
	s := newTestSubscriber()
	sub := registerFakeSubscription(s, "ack-events-0")

	recovered := make(chan struct{}, 1)
	s.AddListener("ack-events-0", func(Delivery) { panic("boom") })
	s.AddListener("ack-events-0", func(Delivery) { recovered <- struct{}{} })

	s.enqueue(context.Background(), sub, &pgconnNotification{Payload: `{"op":"INSERT","namenode_id":1,"op_id":5}`})

	select {
	case <-recovered:
	case <-time.After(time.Second):
		t.Fatal("second listener was never invoked after first panicked")
	}
}

func TestCreateEventOperationRequiresPriorRegistration(t *testing.T) {
	s := newTestSubscriber()
	require.Error(t, s.CreateEventOperation(nil, "ack-events-0"))

	registerFakeSubscription(s, "ack-events-0")
	require.NoError(t, s.CreateEventOperation(nil, "ack-events-0"))
}

// A blocked listener must not stall delivery of a later notification to
// a different, fast listener: dispatchLoop submits each invocation to
// the dispatch pool rather than calling it inline.
func TestSlowListenerDoesNotStallOtherDeliveries(t *testing.T) {
	s := newTestSubscriber()
	sub := registerFakeSubscription(s, "ack-events-0")

	blockForever := make(chan struct{})
	defer close(blockForever)
	s.AddListener("ack-events-0", func(Delivery) { <-blockForever })

	fast := make(chan Delivery, 1)
	s.AddListener("ack-events-0", func(d Delivery) { fast <- d })

	payload := `{"op":"UPDATE","namenode_id":1,"op_id":5,"acknowledged":1,"leader_id":1}`
	s.enqueue(context.Background(), sub, &pgconnNotification{Payload: payload})
	s.enqueue(context.Background(), sub, &pgconnNotification{Payload: payload})

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast listener was stalled by a listener blocked in another goroutine")
	}
}

// enqueue blocks instead of dropping once the buffer fills, so an ack
// notification is never silently lost. No consumer drains sub.events
// here, so the buffer fills deterministically.
func TestEnqueueBlocksRatherThanDropsWhenBufferFull(t *testing.T) {
	s := newTestSubscriber()
	sub := &subscription{
		eventName: "ack-events-0",
		events:    make(chan Delivery, eventBufferSize),
		listened:  make(map[int]registration),
		cancel:    func() {},
		done:      make(chan struct{}),
	}
	close(sub.done)
	s.subs[sub.eventName] = sub

	payload := `{"op":"UPDATE","namenode_id":1,"op_id":5,"acknowledged":1,"leader_id":1}`
	for i := 0; i < eventBufferSize; i++ {
		s.enqueue(context.Background(), sub, &pgconnNotification{Payload: payload})
	}
	require.Len(t, sub.events, eventBufferSize)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.enqueue(ctx, sub, &pgconnNotification{Payload: payload})
	assert.Error(t, ctx.Err(), "enqueue should have blocked until the context deadline, not dropped silently")
	assert.Len(t, sub.events, eventBufferSize, "the dropped-context delivery must not have been enqueued past capacity")

	// Draining one slot lets a blocked enqueue through rather than
	// requiring a deadline.
	<-sub.events
	unblocked := make(chan struct{})
	go func() {
		s.enqueue(context.Background(), sub, &pgconnNotification{Payload: payload})
		close(unblocked)
	}()
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("enqueue did not proceed once buffer space freed up")
	}
}
