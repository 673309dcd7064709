// Package driver defines the group-communication contract that
// cluster/membership runs on top of: totally-ordered, reliable broadcast of
// join/leave/notify messages to every live member, plus a synchronous
// check-join upcall used to run admission before a join is delivered.
//
// The real backing transport (corosync, a Raft log, or similar) is an
// external collaborator out of scope for this module; Stub below is an
// in-process implementation sufficient to drive and test cluster/membership
// without one.
package driver

import "github.com/clusterd/noded/cluster/node"

// Callbacks is implemented by cluster/membership and invoked by a Driver,
// one delivery at a time, so callers observe a strict total order across
// all three delivery callbacks.
type Callbacks interface {
	// OnCheckJoin runs synchronously on the node current responsible for
	// admission (conceptually the lowest-addressed live member) before a
	// join is accepted; it returns whether the join is accepted and the
	// reply payload to embed in the delivered join message, mirroring
	// sd_check_join_cb/send_join_response in the original.
	OnCheckJoin(candidate node.Node, msg []byte) (accept bool, reply []byte)
	// OnJoinDelivered fires once for every member, including the joiner,
	// once a join has been accepted and totally ordered.
	OnJoinDelivered(sender node.Node, msg []byte)
	// OnLeaveDelivered fires once for every remaining member when a member
	// leaves or is declared unreachable.
	OnLeaveDelivered(sender node.Node)
	// OnNotifyDelivered fires once for every member for a totally-ordered
	// broadcast; local reports whether this instance was the sender.
	OnNotifyDelivered(sender node.Node, msg []byte, local bool)
	// OnBlocked fires when this instance's own notify has reached the front
	// of delivery order and the driver is paused awaiting Unblock, letting
	// the core install any state change atomically with the notify.
	OnBlocked()
}

// Driver is the contract cluster/membership depends on. All methods except
// Init may be called concurrently with message delivery; the driver is
// responsible for serializing its own internal state.
type Driver interface {
	// Init registers cb and establishes self's identity; it does not join
	// the group.
	Init(self node.Node, cb Callbacks) error
	// Join broadcasts a join request carrying msg; OnCheckJoin and
	// OnJoinDelivered follow asynchronously.
	Join(msg []byte) error
	// Leave gracefully leaves the group.
	Leave() error
	// Notify broadcasts msg for totally-ordered delivery to every member.
	Notify(msg []byte) error
	// Block pauses delivery of this instance's own in-flight notify at the
	// front of the queue until Unblock is called, used to let the core
	// apply a state mutation atomically with the notify's delivery.
	Block() error
	// Unblock resumes a previously blocked notify.
	Unblock() error
	// Members returns the driver's current view of live members.
	Members() []node.Node
	// Close leaves the group (if joined) and releases resources.
	Close() error
}
