package membership

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"github.com/clusterd/noded/cluster/admission"
	"github.com/clusterd/noded/cluster/event"
	"github.com/clusterd/noded/cluster/node"
	"github.com/clusterd/noded/cluster/status"
)

// OnCheckJoin implements driver.Callbacks. It runs admission against this
// node's current view and returns the verdict to embed in the delivered
// join message.
func (c *Core) OnCheckJoin(candidate node.Node, msgBytes []byte) (bool, []byte) {
	var msg admission.JoinMessage
	if err := cbor.Unmarshal(msgBytes, &msg); err != nil {
		logger.Error("malformed join message", "err", err)
		return false, msgBytes
	}

	c.mu.RLock()
	local := c.localView()
	c.mu.RUnlock()

	decision, out := admission.Evaluate(local, candidate, msg)
	accept := decision == admission.DecisionSuccess

	if decision == admission.DecisionMasterTransfer {
		// This node yields its claim on mastership of the reforming
		// cluster: admit the candidate and fold our own state in as
		// wait-join, the same place a late-joining member would land.
		accept = true
		out.Result = admission.Success
		out.ClusterStatus = status.WaitJoin
		out.IncEpoch = false
		logger.Info("yielding mastership on reform", "candidate_port", candidate.Port, "candidate_epoch", msg.Epoch)
	}

	if accept {
		// The candidate's own view of its new cluster is never reliable (it
		// may be joining an empty log for the first time), so hand back the
		// member list computed from this node's own current view instead of
		// leaving each recipient to recompute it from its own, possibly
		// stale, local state.
		out.ResultNodes = node.SortNodes(append(append([]node.Node(nil), local.Members...), candidate))
	}

	encoded, err := cbor.Marshal(&out)
	if err != nil {
		logger.Error("failed to encode join verdict", "err", err)
		return false, msgBytes
	}
	logger.Debug("check-join", "candidate_port", candidate.Port, "decision", decision, "result", out.Result)
	return accept, encoded
}

// OnJoinDelivered implements driver.Callbacks: update_cluster_info /
// finish_join. A successful delivery is queued as a Join event so the
// actual state mutation happens under the single-consumer discipline
// cluster/event enforces. A failed delivery unblocks the candidate's own
// pending Join() call; on any other member it is queued as a Reject event
// (see applyReject).
func (c *Core) OnJoinDelivered(sender node.Node, replyBytes []byte) {
	var msg admission.JoinMessage
	if err := cbor.Unmarshal(replyBytes, &msg); err != nil {
		logger.Error("malformed join delivery", "err", err)
		return
	}

	if msg.Result != admission.Success {
		if sender.Equal(c.self) {
			c.failJoin(msg)
			return
		}
		// A peer's join was rejected while this node is still wait-joining:
		// that candidate is never coming back for this epoch, so fold it
		// into the leave-set and re-check whether the cluster can now
		// reconcile to Ok, mirroring sd_join_handler's CJ_RES_FAIL/
		// CJ_RES_JOIN_LATER branch.
		c.serializer.Enqueue(event.Event{Payload: event.RejectPayload{Rejected: sender}})
		return
	}

	var members []node.Node
	if len(msg.ResultNodes) > 0 {
		// An admitting peer computed this; trust it over our own view,
		// which for a node's own first join is empty or stale.
		members = msg.ResultNodes
	} else {
		// Self-join with no admitter (founding Format, or the first node
		// back into an empty Hub after a restart): msg.Nodes here is the
		// candidate's claimed epoch-log list, not a resulting member set,
		// so fall back to this core's own accumulated view instead.
		c.mu.RLock()
		members = append(append([]node.Node(nil), c.members...), sender)
		c.mu.RUnlock()
	}

	c.serializer.Enqueue(event.Event{Payload: event.JoinPayload{
		Joined:  sender,
		Members: members,
		Msg:     msg,
	}})
}

func (c *Core) failJoin(msg admission.JoinMessage) {
	c.mu.Lock()
	ch := c.joinResult
	c.joinResult = nil
	c.mu.Unlock()
	if ch != nil {
		switch msg.Result {
		case admission.OldNodeVer, admission.NewNodeVer:
			ch <- errJoinLater(msg)
		default:
			ch <- errJoinFailed(msg)
		}
	}
}

// OnLeaveDelivered implements driver.Callbacks: __sd_leave_done. It queues
// a Leave event; zone-insufficiency is evaluated once the membership
// mutation lands (see applyEvent).
func (c *Core) OnLeaveDelivered(sender node.Node) {
	c.mu.RLock()
	members := make([]node.Node, 0, len(c.members))
	for _, m := range c.members {
		if !m.Equal(sender) {
			members = append(members, m)
		}
	}
	c.mu.RUnlock()

	c.serializer.Enqueue(event.Event{Payload: event.LeavePayload{
		Left:    sender,
		Members: members,
	}})
}

// OnNotifyDelivered implements driver.Callbacks.
func (c *Core) OnNotifyDelivered(sender node.Node, msg []byte, local bool) {
	c.serializer.Enqueue(event.Event{Payload: event.NotifyPayload{
		Sender:  sender,
		Data:    msg,
		IsLocal: local,
	}})
}

// OnBlocked implements driver.Callbacks; membership itself never calls
// Block, only cluster/request does on the core's behalf, so this is a
// no-op here.
func (c *Core) OnBlocked() {}

// handleEvent is the Handler passed to event.New: it runs off the actor and
// must not mutate Core state directly. Notify and reject events have no
// extra work beyond what cluster/request's notify path already does. A
// leave event runs the presumed-partition check (check_majority) against
// the post-leave membership snapshot the event carries, since a departure
// is exactly the moment group.c re-evaluates whether this node still sees a
// majority of the last-known cluster. A join event that brings the cluster
// to Ok or Halt, observed by a node not already Ok, fetches one copy of the
// object bitmap from a peer (__sd_join).
func (c *Core) handleEvent(ev event.Event) error {
	switch p := ev.Payload.(type) {
	case event.LeavePayload:
		c.mu.RLock()
		prober := c.prober
		self := c.self
		c.mu.RUnlock()
		if prober == nil {
			return nil
		}
		CheckPartition(context.Background(), self, p.Members, prober)

	case event.JoinPayload:
		if p.Msg.ClusterStatus != status.Ok && p.Msg.ClusterStatus != status.Halt {
			return nil
		}
		c.mu.RLock()
		alreadyOk := c.statusM.Current() == status.Ok
		fetcher := c.bitmapFetcher
		self := c.self
		c.mu.RUnlock()
		if alreadyOk || fetcher == nil {
			return nil
		}
		fetchBitmapOnJoin(context.Background(), self, p.Members, fetcher)
	}
	return nil
}

// applyEvent is the Done callback: it runs the actual state mutation for
// each event kind, exactly once, after handleEvent returns.
func (c *Core) applyEvent(ev event.Event, err error) {
	if err != nil {
		logger.Error("event handler error", "kind", ev.Payload.Kind(), "err", err)
		return
	}
	switch p := ev.Payload.(type) {
	case event.JoinPayload:
		c.applyJoin(p)
	case event.LeavePayload:
		c.applyLeave(p)
	case event.NotifyPayload:
		c.applyNotify(p)
	case event.RejectPayload:
		c.applyReject(p)
	}
}

func (c *Core) applyJoin(p event.JoinPayload) {
	c.mu.Lock()

	c.members = node.SortNodes(append([]node.Node(nil), p.Members...))
	c.leaveSet.Remove(p.Joined)
	c.ring.Release()
	c.ring = node.Rebuild(c.members)
	c.statusM.Set(p.Msg.ClusterStatus)

	if p.Msg.Ctime != 0 {
		c.ctime = p.Msg.Ctime
	}

	epoch := c.epoch
	incEpoch := p.Msg.IncEpoch
	if incEpoch {
		epoch = c.epoch + 1
		c.epoch = epoch
	}

	zones := c.ring.NrZones
	nrCopies := c.cfg.NrCopies
	c.statusM.OnJoinZonesSufficient(zones, nrCopies)

	members := append([]node.Node(nil), c.members...)
	ctime := c.ctime
	c.mu.Unlock()

	if incEpoch {
		if err := c.log.Append(epoch, ctime, members); err != nil {
			logger.Error("failed to append epoch record", "epoch", epoch, "err", err)
		}
	}

	// finish_join: the first time this node's own join lands, and the
	// cluster hasn't reconciled to Ok yet, adopt the admitting peer's
	// leave_nodes so this node's leave-set matches everyone else's instead
	// of starting empty.
	if p.Joined.Equal(c.self) && p.Msg.ClusterStatus != status.Ok && len(p.Msg.LeaveNodes) > 0 {
		c.adoptLeaveNodes(epoch, p.Msg.LeaveNodes)
	}

	logger.Info("join delivered", "joined_port", p.Joined.Port, "status", p.Msg.ClusterStatus, "epoch", epoch)

	if p.Joined.Equal(c.self) {
		c.mu.Lock()
		ch := c.joinResult
		c.joinResult = nil
		c.mu.Unlock()
		if ch != nil {
			ch <- nil
		}
	}
}

// adoptLeaveNodes merges candidates into the leave-set, skipping any entry
// already present or not recorded as a member of epoch, mirroring
// find_entry_list/find_entry_epoch's guard in finish_join.
func (c *Core) adoptLeaveNodes(epoch uint32, candidates []node.Node) {
	rec, err := c.log.Read(epoch)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range candidates {
		if c.leaveSet.Contains(n) || !node.Contains(rec.Members, n) {
			continue
		}
		c.leaveSet.Add(n)
	}
}

// applyReject folds a peer's rejected join into the leave-set while this
// node is still wait-joining, then re-checks whether the cluster can now
// reconcile to Ok: sd_join_handler's CJ_RES_FAIL/CJ_RES_JOIN_LATER branch.
func (c *Core) applyReject(p event.RejectPayload) {
	c.mu.Lock()
	if c.statusM.Current() != status.WaitJoin || c.leaveSet.Contains(p.Rejected) {
		c.mu.Unlock()
		return
	}
	epoch := c.epoch
	c.mu.Unlock()

	rec, err := c.log.Read(epoch)
	if err != nil || !node.Contains(rec.Members, p.Rejected) {
		return
	}

	c.mu.Lock()
	c.leaveSet.Add(p.Rejected)
	nrLocal := len(rec.Members)
	nrCurrent := len(c.members)
	nrLeave := c.leaveSet.Len()
	reconciled := nrLocal == nrCurrent+nrLeave
	if reconciled {
		c.statusM.Set(status.Ok)
	}
	members := append([]node.Node(nil), c.members...)
	ctime := c.ctime
	c.mu.Unlock()

	logger.Info("join rejection reconciliation", "rejected_port", p.Rejected.Port,
		"nr_local", nrLocal, "nr_current", nrCurrent, "nr_leave", nrLeave, "reconciled", reconciled)

	if reconciled {
		if err := c.log.Append(epoch, ctime, members); err != nil {
			logger.Error("failed to update epoch record after reconciliation", "epoch", epoch, "err", err)
		}
	}
}

func (c *Core) applyLeave(p event.LeavePayload) {
	c.mu.Lock()
	c.members = p.Members
	c.leaveSet.Add(p.Left)
	c.ring.Release()
	c.ring = node.Rebuild(c.members)
	zones := c.ring.NrZones
	nrCopies := c.cfg.NrCopies
	c.statusM.OnLeaveZonesInsufficient(zones, nrCopies)
	newStatus := c.statusM.Current()
	c.mu.Unlock()

	logger.Info("leave delivered", "left_port", p.Left.Port, "status", newStatus, "zones", zones)

	if newStatus == status.Halt {
		logger.Warn("cluster halted: insufficient zones for configured redundancy",
			"zones", zones, "nr_copies", nrCopies)
	}
}

func (c *Core) applyNotify(p event.NotifyPayload) {
	logger.Debug("notify delivered", "sender_port", p.Sender.Port, "local", p.IsLocal, "bytes", len(p.Data))

	c.mu.RLock()
	observers := append([]func(node.Node, []byte, bool){}, c.notifyObservers...)
	c.mu.RUnlock()
	for _, obs := range observers {
		obs(p.Sender, p.Data, p.IsLocal)
	}
}
