// Package event implements the EventSerializer (C6): a single FIFO of
// {Join, Leave, Notify} events that runs at most one handler at a time,
// never while object I/O is outstanding, and otherwise lets client I/O
// drain.
//
// Events are modeled as a tagged sum type (a Payload interface with one
// concrete type per kind) rather than a union-of-structs, eliminating the
// container_of-style downcasting the original C uses.
package event

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/clusterd/noded/cluster/admission"
	"github.com/clusterd/noded/cluster/node"
	"github.com/clusterd/noded/internal/logging"
)

var logger = logging.GetLogger("cluster/event")

// Kind tags an Event's payload.
type Kind int

const (
	KindJoin Kind = iota
	KindLeave
	KindNotify
	KindReject
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	case KindNotify:
		return "notify"
	case KindReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Payload is implemented by JoinPayload, LeavePayload, NotifyPayload, and
// RejectPayload.
type Payload interface {
	Kind() Kind
}

// JoinPayload carries everything __sd_join/__sd_join_done need.
type JoinPayload struct {
	Joined   node.Node
	Members  []node.Node
	Decision admission.Decision
	Msg      admission.JoinMessage
}

// Kind implements Payload.
func (JoinPayload) Kind() Kind { return KindJoin }

// LeavePayload carries everything __sd_leave/__sd_leave_done need.
type LeavePayload struct {
	Left    node.Node
	Members []node.Node
}

// Kind implements Payload.
func (LeavePayload) Kind() Kind { return KindLeave }

// NotifyPayload carries a totally-ordered broadcast delivery.
type NotifyPayload struct {
	Sender  node.Node
	Data    []byte
	IsLocal bool
	// RequestID, when IsLocal, identifies the pending client request to
	// wake on completion (see cluster/request).
	RequestID string
}

// Kind implements Payload.
func (NotifyPayload) Kind() Kind { return KindNotify }

// RejectPayload carries a peer's failed join delivery, so the
// still-wait-joining actor can fold the rejected candidate into its
// leave-set and re-run the nr_local == nr_current + nr_leave reconciliation
// finish_join performs (a join rejected for someone else still moves the
// cluster toward Ok, the same as that candidate having left).
type RejectPayload struct {
	Rejected node.Node
}

// Kind implements Payload.
func (RejectPayload) Kind() Kind { return KindReject }

// Event is one entry in the serializer's FIFO.
type Event struct {
	Payload Payload
}

// Handler runs an event's side effects off the main actor (on a worker);
// it must not touch cluster state directly, only immutable snapshots or
// event-local data, per spec.md §5.
type Handler func(Event) error

// Done runs an event's state mutations back on the single-consumer actor
// after its Handler completes (successfully or not).
type Done func(Event, error)

// WorkQueue runs fn asynchronously and invokes done (on some goroutine,
// not necessarily the caller's) once fn returns. It stands in for the
// external, generic work-queue collaborator from spec.md §1; the default
// implementation below is a minimal goroutine-per-call queue sufficient to
// drive and test the serializer.
type WorkQueue interface {
	Submit(fn func() error, done func(error))
}

// goroutineQueue is the default WorkQueue: one goroutine per submission.
type goroutineQueue struct{}

// NewGoroutineQueue returns the default WorkQueue.
func NewGoroutineQueue() WorkQueue { return goroutineQueue{} }

func (goroutineQueue) Submit(fn func() error, done func(error)) {
	go func() {
		done(fn())
	}()
}

// Serializer is the single-consumer event FIFO. Its exported methods are
// safe to call from any goroutine — driver callbacks, cluster/request's I/O
// accounting, and a WorkQueue's completion callback may all land on
// different goroutines — mu guards the queue and the two dispatch flags;
// the at-most-one-handler-running guarantee comes from running, not from
// callers sharing a goroutine.
type Serializer struct {
	mu    sync.Mutex
	queue deque.Deque

	running       bool
	outstandingIO int

	handle Handler
	done   Done
	wq     WorkQueue

	// drainRequests is invoked whenever the queue empties and no event is
	// running, so client I/O (C8) can proceed.
	drainRequests func()
}

// New creates a Serializer. handle runs an event's side effects; done
// applies its state mutations; wq runs handle asynchronously; drainRequests
// is called whenever the event queue is empty and no event is running.
func New(handle Handler, done Done, wq WorkQueue, drainRequests func()) *Serializer {
	if wq == nil {
		wq = NewGoroutineQueue()
	}
	return &Serializer{
		handle:        handle,
		done:          done,
		wq:            wq,
		drainRequests: drainRequests,
	}
}

// Enqueue appends ev to the tail of the FIFO and attempts to dispatch.
// Safe to call from any goroutine.
func (s *Serializer) Enqueue(ev Event) {
	s.mu.Lock()
	s.queue.PushBack(ev)
	s.mu.Unlock()
	s.dispatch()
}

// IOStarted records that a unit of object I/O began; while outstandingIO >
// 0 no queued event will be dispatched.
func (s *Serializer) IOStarted() {
	s.mu.Lock()
	s.outstandingIO++
	s.mu.Unlock()
}

// IOFinished records that a unit of object I/O completed and re-attempts
// dispatch, since this may have been the last outstanding I/O blocking the
// head of the queue.
func (s *Serializer) IOFinished() {
	s.mu.Lock()
	if s.outstandingIO > 0 {
		s.outstandingIO--
	}
	s.mu.Unlock()
	s.dispatch()
}

// OutstandingIO returns the current outstanding I/O counter, for tests and
// metrics.
func (s *Serializer) OutstandingIO() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstandingIO
}

// Running reports whether an event handler is currently executing.
func (s *Serializer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// QueueLen returns the number of events currently queued; an event that is
// running has already been popped and is not counted.
func (s *Serializer) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// dispatch implements the rule from spec.md §4.6 exactly:
//
//	if event_queue non-empty:
//	    if event_running or nr_outstanding_io > 0: wait
//	    else: pop head -> run handler; on completion run done-handler, then resume
//	else:
//	    drain request_queue
func (s *Serializer) dispatch() {
	s.mu.Lock()
	if s.queue.Len() == 0 {
		s.mu.Unlock()
		if s.drainRequests != nil {
			s.drainRequests()
		}
		return
	}
	if s.running || s.outstandingIO > 0 {
		s.mu.Unlock()
		return
	}

	ev := s.queue.PopFront().(Event)
	s.running = true
	s.mu.Unlock()

	logger.Debug("dispatching event", "kind", ev.Payload.Kind())

	s.wq.Submit(func() error {
		return s.handle(ev)
	}, func(err error) {
		s.complete(ev, err)
	})
}

// complete runs the done-handler and resumes dispatch. WorkQueue.Submit's
// done callback may land on any goroutine (the default goroutineQueue calls
// it from the goroutine it spawned for fn); mu is what keeps this safe to
// interleave with Enqueue/IOStarted/IOFinished from elsewhere, not any
// assumption about which goroutine calls in.
func (s *Serializer) complete(ev Event, err error) {
	if err != nil {
		logger.Error("event handler failed", "kind", ev.Payload.Kind(), "err", err)
	}
	s.done(ev, err)
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.dispatch()
}
