// Package request implements ClusterRequestPath (C8): client requests are
// parked while their I/O (process-work-op) or broadcast (notify-only-op)
// is outstanding, and resolved once the corresponding completion or
// delivery arrives. Every completion is recorded to a dedicated access
// log, separate from the structured operational log the rest of the
// module uses.
package request

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/clusterd/noded/cluster/driver"
	"github.com/clusterd/noded/cluster/event"
	"github.com/clusterd/noded/cluster/node"
)

// Result is delivered to a caller once their request resolves.
type Result struct {
	Data []byte
	Err  error
}

// WorkOp describes a process-work-op request: Run performs the actual
// object I/O off the single-consumer actor; NeedsBlock requests that the
// driver pause delivery of this node's own event stream for the duration
// of Run, for work that must appear atomic with respect to the event
// order (e.g. installing a new object version alongside its notify).
type WorkOp struct {
	Name       string
	Run        func() ([]byte, error)
	NeedsBlock bool
}

// envelope wraps a notify-only-op payload with the request id needed to
// resolve the matching pending entry once delivery completes.
type envelope struct {
	RequestID uuid.UUID `cbor:"request_id"`
	Payload   []byte    `cbor:"payload"`
}

type pendingRequest struct {
	id      uuid.UUID
	op      string
	started time.Time
	result  chan Result
}

// Path is the client request boundary: it owns the pending-request list and
// the I/O accounting the event serializer needs to know about (C6's
// outstanding-I/O counter).
type Path struct {
	drv        driver.Driver
	serializer *event.Serializer
	accessLog  *zap.Logger

	pending deque.Deque // of *pendingRequest, guarded by a channel-based lock
	lockCh  chan struct{}
}

// New creates a Path. accessLog is typically built with NewAccessLogger.
func New(drv driver.Driver, serializer *event.Serializer, accessLog *zap.Logger) *Path {
	p := &Path{
		drv:        drv,
		serializer: serializer,
		accessLog:  accessLog,
		lockCh:     make(chan struct{}, 1),
	}
	p.lockCh <- struct{}{}
	return p
}

// NewAccessLogger returns the default access logger: JSON-encoded,
// timestamped entries to stdout, separate from the module's go-kit
// operational logger so access records can be shipped/rotated
// independently.
func NewAccessLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

func (p *Path) lock()   { <-p.lockCh }
func (p *Path) unlock() { p.lockCh <- struct{}{} }

// Submit runs op.Run asynchronously, marking one unit of outstanding I/O
// for the duration so the event serializer won't dispatch a queued Join/
// Leave/Notify event concurrently with it.
func (p *Path) Submit(op WorkOp) (uuid.UUID, <-chan Result) {
	id := uuid.New()
	resultCh := make(chan Result, 1)

	p.lock()
	p.pending.PushBack(&pendingRequest{id: id, op: op.Name, started: time.Now(), result: resultCh})
	p.unlock()

	p.serializer.IOStarted()
	go func() {
		if op.NeedsBlock {
			if err := p.drv.Block(); err != nil {
				p.finish(id, Result{Err: err})
				p.serializer.IOFinished()
				return
			}
		}
		data, err := op.Run()
		if op.NeedsBlock {
			if uerr := p.drv.Unblock(); uerr != nil {
				err = multierr.Append(err, uerr)
			}
		}
		p.finish(id, Result{Data: data, Err: err})
		p.serializer.IOFinished()
	}()

	return id, resultCh
}

// Notify broadcasts payload for totally-ordered delivery and resolves once
// this node's own copy is delivered back (see HandleNotifyDelivery).
func (p *Path) Notify(opName string, payload []byte) (uuid.UUID, <-chan Result) {
	id := uuid.New()
	resultCh := make(chan Result, 1)

	p.lock()
	p.pending.PushBack(&pendingRequest{id: id, op: opName, started: time.Now(), result: resultCh})
	p.unlock()

	encoded, err := cbor.Marshal(&envelope{RequestID: id, Payload: payload})
	if err != nil {
		p.finish(id, Result{Err: err})
		return id, resultCh
	}
	if err := p.drv.Notify(encoded); err != nil {
		p.finish(id, Result{Err: err})
	}
	return id, resultCh
}

// HandleNotifyDelivery resolves the pending notify-only-op matching a
// delivered envelope's request id. Register it with
// membership.Core.AddNotifyObserver so local deliveries close the loop;
// non-local and non-envelope payloads (other nodes' notifies) are ignored.
func (p *Path) HandleNotifyDelivery(sender node.Node, data []byte, local bool) {
	if !local {
		return
	}
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return
	}
	p.finish(env.RequestID, Result{Data: env.Payload})
}

// Pending returns the number of requests currently parked, for metrics.
func (p *Path) Pending() int {
	p.lock()
	defer p.unlock()
	return p.pending.Len()
}

func (p *Path) finish(id uuid.UUID, res Result) {
	p.lock()
	n := p.pending.Len()
	var found *pendingRequest
	for i := 0; i < n; i++ {
		pr := p.pending.PopFront().(*pendingRequest)
		if found == nil && pr.id == id {
			found = pr
			continue
		}
		p.pending.PushBack(pr)
	}
	p.unlock()

	if found == nil {
		return
	}
	p.logAccess(found, res)
	found.result <- res
}

func (p *Path) logAccess(pr *pendingRequest, res Result) {
	fields := []zap.Field{
		zap.String("op", pr.op),
		zap.String("request_id", pr.id.String()),
		zap.Duration("elapsed", time.Since(pr.started)),
	}
	if res.Err != nil {
		p.accessLog.Error("request failed", append(fields, zap.Error(res.Err))...)
		return
	}
	p.accessLog.Info("request completed", fields...)
}

// Close flushes the access logger.
func (p *Path) Close() error {
	return p.accessLog.Sync()
}
