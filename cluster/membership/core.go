// Package membership implements MembershipHandlers (C7): the driver
// callback bindings that turn join/leave/notify deliveries into mutations
// of the cluster state owned by cluster/node, cluster/epochlog,
// cluster/status, and cluster/leaveset, serialized through cluster/event.
package membership

import (
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/clusterd/noded/cluster/admission"
	"github.com/clusterd/noded/cluster/driver"
	"github.com/clusterd/noded/cluster/epochlog"
	"github.com/clusterd/noded/cluster/event"
	"github.com/clusterd/noded/cluster/leaveset"
	"github.com/clusterd/noded/cluster/node"
	"github.com/clusterd/noded/cluster/status"
	"github.com/clusterd/noded/internal/logging"
	"github.com/clusterd/noded/internal/metrics"
)

var logger = logging.GetLogger("cluster/membership")

// Config carries the node-level settings admission and formatting need.
type Config struct {
	ProtoVer  uint8
	NrCopies  int
	NrVnodes  uint16
	StoreName string
}

// Core is the single cluster-state-owning actor. Its driver.Callbacks
// methods do not mutate cluster state themselves: they run admission or
// enqueue events, and the mutations of members, ring, status, leave-set,
// and epoch log happen in applyEvent, the serializer's Done callback, which
// runs on whatever goroutine the WorkQueue completes on and takes mu;
// accessors take mu for readers on other goroutines (cluster/request, the
// CLI, metrics).
type Core struct {
	cfg  Config
	self node.Node
	drv  driver.Driver
	log  *epochlog.Log

	serializer *event.Serializer

	mu       sync.RWMutex
	members  []node.Node
	ring     *node.VnodeInfo
	statusM  *status.Machine
	leaveSet *leaveset.Set
	epoch    uint32
	ctime    uint64

	joinResult chan error

	notifyObservers []func(sender node.Node, data []byte, local bool)

	// prober, when set, is used by handleEvent to run CheckPartition after
	// every leave delivery. Left nil by default so tests that don't wire a
	// real reachability prober don't risk aborting on a fake driver.
	prober Prober

	// bitmapFetcher, when set, is used by handleEvent to run the
	// __sd_join "fetch one copy of the bitmap from some peer" step after a
	// join that brings the cluster to Ok/Halt while this node isn't there
	// yet. Left nil by default since the object store this data comes from
	// is outside this module.
	bitmapFetcher BitmapFetcher
}

// SetProber installs the Prober used to check for a presumed network
// partition after each leave delivery (see CheckPartition). Production
// wiring (cmd/noded) sets this to NewTCPProber; leaving it nil disables the
// check.
func (c *Core) SetProber(p Prober) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prober = p
}

// SetBitmapFetcher installs the collaborator used to fetch this node's
// object bitmap from a peer once, the first time a join brings the cluster
// to Ok/Halt while this node hasn't caught up yet. Leaving it nil (the
// default) disables the fetch.
func (c *Core) SetBitmapFetcher(f BitmapFetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bitmapFetcher = f
}

// AddNotifyObserver registers fn to run, in addition to the core's own
// bookkeeping, whenever a notify is delivered; used by cluster/request to
// resolve pending notify-only client requests once their broadcast lands.
func (c *Core) AddNotifyObserver(fn func(sender node.Node, data []byte, local bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyObservers = append(c.notifyObservers, fn)
}

// NewCore builds a Core. requestDrain is called whenever the event queue
// empties and no event is running, so cluster/request can proceed with
// pending client I/O; it may be nil.
func NewCore(cfg Config, self node.Node, drv driver.Driver, log *epochlog.Log, requestDrain func()) *Core {
	c := &Core{
		cfg:      cfg,
		self:     self,
		drv:      drv,
		log:      log,
		statusM:  status.NewMachine(status.AlwaysHalt{}),
		leaveSet: leaveset.New(),
		ring:     node.Rebuild(nil),
	}
	if !log.IsEmpty() {
		c.statusM.Set(status.WaitJoin)
		c.epoch = log.ReadLatest()
		if rec, err := log.Read(c.epoch); err == nil {
			c.ctime = rec.Ctime
		}
	}
	c.serializer = event.New(c.handleEvent, c.applyEvent, nil, requestDrain)
	return c
}

// Start registers this Core with its driver.
func (c *Core) Start() error {
	return c.drv.Init(c.self, c)
}

// Self returns this node's identity.
func (c *Core) Self() node.Node { return c.self }

// Status returns the current cluster status.
func (c *Core) Status() status.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statusM.Current()
}

// Epoch returns the current epoch number.
func (c *Core) Epoch() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// Members returns a copy of the current member list.
func (c *Core) Members() []node.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]node.Node(nil), c.members...)
}

// ReportMetrics pushes the current epoch, status, and zone count into the
// internal/metrics gauges; called periodically by cmd/noded.
func (c *Core) ReportMetrics() {
	c.mu.RLock()
	epoch, st, zones := c.epoch, c.statusM.Current(), c.ring.NrZones
	c.mu.RUnlock()

	metrics.Epoch.Set(float64(epoch))
	metrics.Status.Set(float64(st))
	metrics.NrZones.Set(float64(zones))
	metrics.EventQueueDepth.Set(float64(c.serializer.QueueLen()))
	metrics.OutstandingIO.Set(float64(c.serializer.OutstandingIO()))
}

// Ring returns a reference-counted handle to the current placement ring;
// callers must call Release exactly once.
func (c *Core) Ring() *node.VnodeInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ring.Get()
}

// Serializer exposes the event FIFO for cluster/request's I/O accounting.
func (c *Core) Serializer() *event.Serializer { return c.serializer }

func (c *Core) localView() admission.LocalView {
	return admission.LocalView{
		ProtoVer:      c.cfg.ProtoVer,
		Self:          c.self,
		Status:        c.statusM.Current(),
		Epoch:         c.epoch,
		Ctime:         c.ctime,
		Members:       append([]node.Node(nil), c.members...),
		LeaveSet:      c.leaveSet.Members(),
		NrCopies:      c.cfg.NrCopies,
		EpochLogEmpty: c.log.IsEmpty(),
		EpochLogMembers: func(epoch uint32) ([]node.Node, bool) {
			rec, err := c.log.Read(epoch)
			if err != nil {
				return nil, false
			}
			return rec.Members, true
		},
	}
}

// Format transitions a brand-new node from WaitFormat to Ok, fixing the
// cluster's ctime fingerprint and writing the epoch-1 record. It is a
// no-op, returning an error, on an already-formatted node.
func (c *Core) Format() error {
	c.mu.Lock()
	if c.statusM.Current() != status.WaitFormat {
		c.mu.Unlock()
		return errors.New("membership: cluster already formatted")
	}
	c.joinResult = make(chan error, 1)
	c.mu.Unlock()

	// The founding message is pre-decided rather than run through
	// admission.Evaluate: there is no admitter yet to check against, and
	// the founding record is by definition the content of epoch 1.
	msg := admission.JoinMessage{
		ProtoVer:      c.cfg.ProtoVer,
		NrCopies:      uint8(c.cfg.NrCopies),
		StoreName:     c.cfg.StoreName,
		Epoch:         1,
		Ctime:         uint64(time.Now().UnixNano()),
		ClusterStatus: status.Ok,
		IncEpoch:      true,
		Result:        admission.Success,
	}
	encoded, err := cbor.Marshal(&msg)
	if err != nil {
		return errors.Wrap(err, "membership: encode format message")
	}
	if err := c.drv.Join(encoded); err != nil {
		return errors.Wrap(err, "membership: driver join")
	}
	return <-c.joinResult
}

// Join broadcasts a request to join the cluster and blocks until the
// result is known. Before broadcasting it reads back its own last-known
// epoch record, the way send_join_request calls read_epoch before filling
// in msg->nodes, so the admitting peer's sanity check has a claimed member
// list to compare against instead of vacuously passing.
func (c *Core) Join() error {
	c.mu.RLock()
	local := c.localView()
	epoch := c.epoch
	c.mu.RUnlock()

	var claimed []node.Node
	if !c.log.IsEmpty() {
		if rec, err := c.log.Read(epoch); err == nil {
			claimed = rec.Members
		}
	}

	decision, msg := admission.Evaluate(local, c.self, admission.JoinMessage{
		ProtoVer:  c.cfg.ProtoVer,
		NrCopies:  uint8(c.cfg.NrCopies),
		StoreName: c.cfg.StoreName,
		Epoch:     epoch,
		Nodes:     claimed,
	})
	if decision != admission.DecisionSuccess {
		return errors.Errorf("membership: local join check failed: %s", msg.Result)
	}

	encoded, err := cbor.Marshal(&msg)
	if err != nil {
		return errors.Wrap(err, "membership: encode join message")
	}

	c.mu.Lock()
	c.joinResult = make(chan error, 1)
	c.mu.Unlock()

	if err := c.drv.Join(encoded); err != nil {
		return errors.Wrap(err, "membership: driver join")
	}

	return <-c.joinResult
}

// Leave gracefully leaves the cluster.
func (c *Core) Leave() error {
	return c.drv.Leave()
}
