package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// syncQueue runs handlers inline so dispatch ordering is deterministic for
// assertions without needing a completion channel.
type syncQueue struct{}

func (syncQueue) Submit(fn func() error, done func(error)) {
	done(fn())
}

func TestEnqueueDispatchesImmediatelyWhenIdle(t *testing.T) {
	var ran []Kind
	var doneKinds []Kind

	s := New(
		func(ev Event) error {
			ran = append(ran, ev.Payload.Kind())
			return nil
		},
		func(ev Event, err error) {
			doneKinds = append(doneKinds, ev.Payload.Kind())
		},
		syncQueue{},
		nil,
	)

	s.Enqueue(Event{Payload: LeavePayload{}})
	require.Equal(t, []Kind{KindLeave}, ran)
	require.Equal(t, []Kind{KindLeave}, doneKinds)
	require.False(t, s.Running())
	require.Equal(t, 0, s.QueueLen())
}

func TestFIFOOrderPreserved(t *testing.T) {
	var order []Kind
	s := New(
		func(ev Event) error {
			order = append(order, ev.Payload.Kind())
			return nil
		},
		func(Event, error) {},
		syncQueue{},
		nil,
	)
	s.Enqueue(Event{Payload: JoinPayload{}})
	s.Enqueue(Event{Payload: LeavePayload{}})
	s.Enqueue(Event{Payload: NotifyPayload{}})
	require.Equal(t, []Kind{KindJoin, KindLeave, KindNotify}, order)
}

func TestOutstandingIOBlocksDispatch(t *testing.T) {
	var ran int
	s := New(
		func(Event) error { ran++; return nil },
		func(Event, error) {},
		syncQueue{},
		nil,
	)
	s.IOStarted()
	s.Enqueue(Event{Payload: JoinPayload{}})
	require.Equal(t, 0, ran, "handler must not run while I/O is outstanding")
	require.Equal(t, 1, s.QueueLen())

	s.IOFinished()
	require.Equal(t, 1, ran)
	require.Equal(t, 0, s.QueueLen())
}

func TestDrainRequestsCalledWhenQueueEmpty(t *testing.T) {
	var drains int
	s := New(
		func(Event) error { return nil },
		func(Event, error) {},
		syncQueue{},
		func() { drains++ },
	)
	s.Enqueue(Event{Payload: NotifyPayload{}})
	require.GreaterOrEqual(t, drains, 1)
}

// asyncQueue simulates a real worker pool: handlers run on their own
// goroutine, and completions are queued on a mutex-guarded pending list that
// the test drains on the "actor" goroutine.
type asyncQueue struct {
	mu      sync.Mutex
	pending []func()
}

func (q *asyncQueue) Submit(fn func() error, done func(error)) {
	go func() {
		err := fn()
		q.mu.Lock()
		q.pending = append(q.pending, func() { done(err) })
		q.mu.Unlock()
	}()
}

func (q *asyncQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
	}
}

func TestNeverRunsTwoHandlersConcurrently(t *testing.T) {
	aq := &asyncQueue{}
	var mu sync.Mutex
	concurrent := 0
	maxConcurrent := 0

	s := New(
		func(ev Event) error {
			mu.Lock()
			concurrent++
			if concurrent > maxConcurrent {
				maxConcurrent = concurrent
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			concurrent--
			mu.Unlock()
			return nil
		},
		func(Event, error) {},
		aq,
		nil,
	)

	for i := 0; i < 5; i++ {
		s.Enqueue(Event{Payload: NotifyPayload{}})
	}
	deadline := time.Now().Add(2 * time.Second)
	for (s.QueueLen() > 0 || s.Running()) && time.Now().Before(deadline) {
		aq.drain()
		time.Sleep(time.Millisecond)
	}
	require.LessOrEqual(t, maxConcurrent, 1)
}
