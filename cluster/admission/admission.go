// Package admission implements JoinAdmission (C5): a pure function taking
// the local node's view of the cluster and an incoming join message, and
// returning a decision plus the mutated message fields to broadcast.
//
// Evaluate takes no global state and performs no I/O, per spec.md §9's
// "Admission as a pure function" design note: this makes it fully
// unit-testable.
package admission

import (
	"github.com/clusterd/noded/cluster/node"
	"github.com/clusterd/noded/cluster/status"
)

// ErrCode is the admission error taxonomy from spec.md §7.
type ErrCode uint32

const (
	Success ErrCode = iota
	VerMismatch
	InvalidCTime
	OldNodeVer
	NewNodeVer
	InvalidEpoch
	NotFormatted
	ErrShutdown
	Io
)

func (c ErrCode) String() string {
	switch c {
	case Success:
		return "success"
	case VerMismatch:
		return "ver-mismatch"
	case InvalidCTime:
		return "invalid-ctime"
	case OldNodeVer:
		return "old-node-ver"
	case NewNodeVer:
		return "new-node-ver"
	case InvalidEpoch:
		return "invalid-epoch"
	case NotFormatted:
		return "not-formatted"
	case ErrShutdown:
		return "shutdown"
	case Io:
		return "io"
	default:
		return "unknown"
	}
}

// Decision is the outcome of an admission evaluation.
type Decision int

const (
	// DecisionSuccess admits the candidate, possibly incrementing the
	// epoch (see JoinMessage.IncEpoch).
	DecisionSuccess Decision = iota
	// DecisionJoinLater asks the candidate to retry once this node's view
	// has caught up (or once the candidate's has).
	DecisionJoinLater
	// DecisionFail permanently rejects the join.
	DecisionFail
	// DecisionMasterTransfer yields mastership of a reforming cluster to
	// the candidate.
	DecisionMasterTransfer
)

func (d Decision) String() string {
	switch d {
	case DecisionSuccess:
		return "success"
	case DecisionJoinLater:
		return "join-later"
	case DecisionFail:
		return "fail"
	case DecisionMasterTransfer:
		return "master-transfer"
	default:
		return "unknown"
	}
}

// JoinMessage mirrors the wire layout from spec.md §6. Field order matches
// the packed C struct; cbor struct tags give it a stable on-the-wire
// encoding (cluster/membership encodes and decodes it with cbor).
type JoinMessage struct {
	ProtoVer      uint8       `cbor:"proto_ver"`
	NrCopies      uint8       `cbor:"nr_copies"`
	ClusterFlags  uint16      `cbor:"cluster_flags"`
	ClusterStatus status.Status `cbor:"cluster_status"`
	Epoch         uint32      `cbor:"epoch"`
	Ctime         uint64      `cbor:"ctime"`
	Result        ErrCode     `cbor:"result"`
	IncEpoch      bool        `cbor:"inc_epoch"`
	StoreName     string      `cbor:"store_name"`
	Nodes         []node.Node `cbor:"nodes"`
	LeaveNodes    []node.Node `cbor:"leave_nodes"`

	// ResultNodes has no counterpart in the packed C struct: jm->nodes in
	// the original serves double duty as both the candidate's claimed
	// member list (sanity-check input) and, once accepted, the resulting
	// member list everyone applies. CBOR affords a clean split instead of
	// overloading Nodes; only cluster/membership's OnCheckJoin sets it, and
	// only on acceptance.
	ResultNodes []node.Node `cbor:"result_nodes,omitempty"`
}

// LocalView is the admitting node's current, read-only view of the cluster,
// passed into Evaluate without any global reads inside admission itself.
type LocalView struct {
	ProtoVer uint8
	Self     node.Node
	Status   status.Status
	Epoch    uint32
	Ctime    uint64
	// Members is this node's current, already-admitted member set
	// (sys->nodes in the original), not including the candidate.
	Members []node.Node
	// LeaveSet is this node's current leave-set contents.
	LeaveSet []node.Node
	// NrCopies is the configured redundancy level.
	NrCopies int

	// EpochLogEmpty reports whether the local epoch log has never been
	// written to (drives the WaitFormat vs. WaitJoin self-join split).
	EpochLogEmpty bool
	// EpochLogMembers reads the sorted member list recorded for the given
	// epoch, or ok=false if no such record exists.
	EpochLogMembers func(epoch uint32) (members []node.Node, ok bool)
}

// Evaluate applies the rules in spec.md §4.5, in order, and returns the
// admission decision plus the JoinMessage fields to broadcast.
func Evaluate(local LocalView, candidate node.Node, msg JoinMessage) (Decision, JoinMessage) {
	// Rule 1: protocol version.
	if msg.ProtoVer != local.ProtoVer {
		msg.Result = VerMismatch
		return DecisionFail, msg
	}

	// Rules 2-3: self join.
	if candidate.Equal(local.Self) {
		if local.EpochLogEmpty {
			msg.ClusterStatus = status.WaitFormat
			msg.Epoch = local.Epoch
			msg.Ctime = local.Ctime
			msg.Result = Success
			return DecisionSuccess, msg
		}
		msg.Epoch = local.Epoch
		msg.Ctime = local.Ctime
		st, incEpoch := computeStatusForSelf(local)
		msg.ClusterStatus = st
		msg.IncEpoch = incEpoch
		msg.Result = Success
		return DecisionSuccess, msg
	}

	// Rule 4: sanity check candidate's claims against local state.
	code, epochMembers := sanityCheck(local, msg.Ctime, msg.Epoch, msg.Nodes)
	if code != Success {
		msg.Result = code

		// Open-question resolution: deterministic master-transfer
		// tie-break when two candidates present equal epoch with
		// differing member sets while this node is WaitJoin.
		if code == InvalidEpoch && local.Status == status.WaitJoin && candidate.Less(local.Self) {
			return DecisionMasterTransfer, msg
		}

		decision := DecisionFail
		if code == OldNodeVer || code == NewNodeVer {
			decision = DecisionJoinLater
		}

		// Rule 6: master transfer when the candidate is strictly ahead
		// and this node hasn't yet joined the reforming cluster.
		if decision != DecisionSuccess && msg.Epoch > local.Epoch && local.Status == status.WaitJoin {
			return DecisionMasterTransfer, msg
		}
		return decision, msg
	}

	// Rule 5: status-dependent acceptance.
	msg.Result = Success
	switch local.Status {
	case status.Ok, status.Halt:
		msg.ClusterStatus = local.Status
		msg.IncEpoch = true
		return DecisionSuccess, msg

	case status.WaitFormat:
		if len(msg.Nodes) != 0 {
			msg.Result = NotFormatted
			return DecisionFail, msg
		}
		msg.ClusterStatus = status.WaitFormat
		return DecisionSuccess, msg

	case status.WaitJoin:
		nrCurrent := len(local.Members) + 1 // + candidate
		nrEpoch := len(epochMembers)
		if nrCurrent != nrEpoch {
			nrLeave := len(local.LeaveSet)
			if nrEpoch == nrCurrent+nrLeave {
				msg.ClusterStatus = status.Ok
				msg.IncEpoch = true
				return DecisionSuccess, msg
			}
			// Still short of reconciling: hand the candidate our own
			// leave-set so it can adopt the same view once it joins,
			// instead of starting with an empty one (finish_join).
			msg.ClusterStatus = status.WaitJoin
			msg.LeaveNodes = append([]node.Node(nil), local.LeaveSet...)
			return DecisionSuccess, msg
		}
		// Every member the epoch log expects is now accounted for
		// between what we already have and the joining candidate: no
		// epoch bump needed.
		msg.ClusterStatus = status.Ok
		return DecisionSuccess, msg

	case status.Shutdown:
		msg.Result = ErrShutdown
		return DecisionFail, msg

	default:
		return DecisionFail, msg
	}
}

// computeStatusForSelf derives the status this node should claim for its
// own join, based purely on its local epoch log (no peer to sanity-check
// against).
func computeStatusForSelf(local LocalView) (status.Status, bool) {
	members, ok := local.EpochLogMembers(local.Epoch)
	if !ok {
		return status.WaitFormat, false
	}
	if node.EqualSets(members, local.Members) {
		return status.Ok, false
	}
	return status.WaitJoin, false
}

// sanityCheck implements cluster_sanity_check from the original source: it
// compares a candidate's claimed (ctime, epoch, members) against this
// node's local epoch log. Returns the epoch members recorded locally for
// msg.Epoch, for use by the WaitJoin calculation, only when the check gets
// as far as reading them (equal epochs while this node cannot recover);
// the early-accept paths return nil members.
func sanityCheck(local LocalView, ctime uint64, epoch uint32, claimed []node.Node) (ErrCode, []node.Node) {
	if local.Status == status.WaitFormat || local.Status == status.Shutdown {
		return Success, nil
	}
	if len(claimed) == 0 {
		return Success, nil
	}
	if ctime != local.Ctime {
		return InvalidCTime, nil
	}
	if epoch > local.Epoch {
		return OldNodeVer, nil
	}
	if local.Status.CanRecover() {
		return Success, nil
	}
	if epoch < local.Epoch {
		return NewNodeVer, nil
	}

	localEntries, ok := local.EpochLogMembers(epoch)
	if !ok || !node.EqualSets(localEntries, claimed) {
		return InvalidEpoch, localEntries
	}
	return Success, localEntries
}
