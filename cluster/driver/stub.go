package driver

import (
	"sync"

	"github.com/clusterd/noded/cluster/node"
	"github.com/clusterd/noded/internal/logging"
)

var logger = logging.GetLogger("cluster/driver")

// Hub is an in-process total-order broadcast bus shared by a set of Stub
// drivers, standing in for corosync's virtual synchrony during tests and
// single-process demos. Deliveries go through one FIFO per Hub, drained by
// whichever caller finds the Hub idle (other callers only append and
// return), so they run one at a time and every Stub observes them in the
// same order.
type Hub struct {
	mu      sync.Mutex
	members []*Stub
	queue   []func()
	running bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub { return &Hub{} }

func (h *Hub) enqueue(fn func()) {
	h.mu.Lock()
	h.queue = append(h.queue, fn)
	running := h.running
	if !running {
		h.running = true
	}
	h.mu.Unlock()
	if running {
		return
	}
	h.drain()
}

func (h *Hub) drain() {
	for {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.running = false
			h.mu.Unlock()
			return
		}
		fn := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()
		fn()
	}
}

func (h *Hub) snapshotMembers() []*Stub {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Stub(nil), h.members...)
}

// admitter returns the current lowest-addressed member, which runs
// OnCheckJoin, mirroring the "oldest node runs admission" convention.
func (h *Hub) admitter() *Stub {
	members := h.snapshotMembers()
	if len(members) == 0 {
		return nil
	}
	best := members[0]
	for _, m := range members[1:] {
		if m.self.Less(best.self) {
			best = m
		}
	}
	return best
}

// Stub is an in-process Driver implementation backed by a Hub.
type Stub struct {
	hub  *Hub
	self node.Node
	cb   Callbacks

	mu      sync.Mutex
	joined  bool
	blocked chan struct{}
}

// NewStub creates a Stub driver attached to hub.
func NewStub(hub *Hub) *Stub {
	return &Stub{hub: hub}
}

// Init implements Driver.
func (s *Stub) Init(self node.Node, cb Callbacks) error {
	s.self = self
	s.cb = cb
	return nil
}

// Join implements Driver.
func (s *Stub) Join(msg []byte) error {
	s.hub.enqueue(func() {
		admitter := s.hub.admitter()
		accept, reply := true, msg
		if admitter != nil {
			accept, reply = admitter.cb.OnCheckJoin(s.self, msg)
		}
		if !accept {
			logger.Debug("stub driver rejected join", "candidate", s.self.Port)
			s.cb.OnJoinDelivered(s.self, reply)
			return
		}
		s.hub.mu.Lock()
		s.hub.members = append(s.hub.members, s)
		s.hub.mu.Unlock()
		s.mu.Lock()
		s.joined = true
		s.mu.Unlock()
		for _, m := range s.hub.snapshotMembers() {
			m.cb.OnJoinDelivered(s.self, reply)
		}
	})
	return nil
}

// Leave implements Driver.
func (s *Stub) Leave() error {
	s.hub.enqueue(func() {
		s.hub.mu.Lock()
		for i, m := range s.hub.members {
			if m == s {
				s.hub.members = append(s.hub.members[:i], s.hub.members[i+1:]...)
				break
			}
		}
		s.hub.mu.Unlock()
		s.mu.Lock()
		s.joined = false
		s.mu.Unlock()
		for _, m := range s.hub.snapshotMembers() {
			m.cb.OnLeaveDelivered(s.self)
		}
	})
	return nil
}

// Notify implements Driver.
func (s *Stub) Notify(msg []byte) error {
	s.hub.enqueue(func() {
		for _, m := range s.hub.snapshotMembers() {
			m.cb.OnNotifyDelivered(s.self, msg, m == s)
		}
	})
	return nil
}

// Block implements Driver: it parks the calling goroutine until Unblock is
// called from elsewhere, mirroring the real driver's pause-at-delivery
// semantics closely enough for tests that exercise the block/unblock path.
func (s *Stub) Block() error {
	s.mu.Lock()
	s.blocked = make(chan struct{})
	ch := s.blocked
	s.mu.Unlock()
	s.cb.OnBlocked()
	<-ch
	return nil
}

// Unblock implements Driver.
func (s *Stub) Unblock() error {
	s.mu.Lock()
	ch := s.blocked
	s.blocked = nil
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
	return nil
}

// Members implements Driver.
func (s *Stub) Members() []node.Node {
	var out []node.Node
	for _, m := range s.hub.snapshotMembers() {
		out = append(out, m.self)
	}
	return out
}

// Close implements Driver.
func (s *Stub) Close() error {
	s.mu.Lock()
	joined := s.joined
	s.mu.Unlock()
	if joined {
		return s.Leave()
	}
	return nil
}
