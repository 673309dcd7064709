// Package status implements the ClusterStatus state machine: WaitFormat,
// WaitJoin, Ok, Halt, Shutdown, and the transitions between them.
package status

// Status is the cluster-wide status.
type Status uint32

const (
	// WaitFormat is the state of a brand-new cluster before the first
	// format operation.
	WaitFormat Status = iota
	// WaitJoin is the state of a node reconstituting a previously known
	// epoch after some or all peers have reconnected.
	WaitJoin
	// Ok is the normal operating state.
	Ok
	// Halt is a degraded state entered when too few failure zones remain
	// to satisfy the configured redundancy.
	Halt
	// Shutdown is terminal.
	Shutdown
)

func (s Status) String() string {
	switch s {
	case WaitFormat:
		return "wait-format"
	case WaitJoin:
		return "wait-join"
	case Ok:
		return "ok"
	case Halt:
		return "halt"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// CanRecover reports whether recovery/admission may proceed from this
// status, i.e. sys_can_recover(): status in {Ok, Halt}.
func (s Status) CanRecover() bool {
	return s == Ok || s == Halt
}

// Policy controls whether a node degrades to Halt (vs. continuing,
// unsafely, in a caller-specific policy) when zones drop below the
// configured redundancy. The default policy always halts.
type Policy interface {
	CanHalt() bool
}

// AlwaysHalt is the default Policy: always prefer Halt over continuing
// under-replicated.
type AlwaysHalt struct{}

// CanHalt implements Policy.
func (AlwaysHalt) CanHalt() bool { return true }

// Machine holds the current status and applies the transition rules from
// spec.md §4.3. It is not safe for concurrent use; callers mutate it only
// from the single cluster-state-owning actor (see cluster/event).
type Machine struct {
	current Status
	policy  Policy
}

// NewMachine creates a Machine in WaitFormat, the state of a freshly
// started node with no epoch log.
func NewMachine(policy Policy) *Machine {
	if policy == nil {
		policy = AlwaysHalt{}
	}
	return &Machine{current: WaitFormat, policy: policy}
}

// Current returns the current status.
func (m *Machine) Current() Status { return m.current }

// Set forcibly sets the status; used when admission computes a status for
// a join (the message carries a proposed status rather than this machine
// deriving one locally).
func (m *Machine) Set(s Status) { m.current = s }

// OnFormat transitions WaitFormat -> Ok, the effect of the format
// operation.
func (m *Machine) OnFormat() {
	if m.current == WaitFormat {
		m.current = Ok
	}
}

// OnLeaveZonesInsufficient transitions Ok -> Halt when nrZones < nrCopies
// after a leave, subject to policy.CanHalt().
func (m *Machine) OnLeaveZonesInsufficient(nrZones, nrCopies int) {
	if m.current == Ok && nrZones < nrCopies && m.policy.CanHalt() {
		m.current = Halt
	}
}

// OnJoinZonesSufficient transitions Halt -> Ok when nrZones >= nrCopies
// after a join.
func (m *Machine) OnJoinZonesSufficient(nrZones, nrCopies int) {
	if m.current == Halt && nrZones >= nrCopies {
		m.current = Ok
	}
}

// Shutdown transitions any state to the terminal Shutdown state.
func (m *Machine) Shutdown() {
	m.current = Shutdown
}
