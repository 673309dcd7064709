package membership

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterd/noded/cluster/driver"
	"github.com/clusterd/noded/cluster/epochlog"
	"github.com/clusterd/noded/cluster/event"
	"github.com/clusterd/noded/cluster/leaveset"
	"github.com/clusterd/noded/cluster/node"
	"github.com/clusterd/noded/cluster/status"
)

func newTestCore(t *testing.T, hub *driver.Hub, ip string, zone uint32) *Core {
	c, _ := newTestCoreWithDir(t, hub, ip, zone)
	return c
}

func newTestCoreWithDir(t *testing.T, hub *driver.Hub, ip string, zone uint32) (*Core, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "epochlog")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	log, err := epochlog.Open(dir)
	require.NoError(t, err)

	self := node.NewNode(net.ParseIP(ip), 7000, zone, 4)
	cfg := Config{ProtoVer: 1, NrCopies: 2, NrVnodes: 4}
	c := NewCore(cfg, self, driver.NewStub(hub), log, nil)
	require.NoError(t, c.Start())
	return c, dir
}

func TestFormatThenSelfStatusIsOk(t *testing.T) {
	hub := driver.NewHub()
	c := newTestCore(t, hub, "10.0.0.1", 1)
	require.Equal(t, status.WaitFormat, c.Status())
	require.NoError(t, c.Format())
	require.Equal(t, status.Ok, c.Status())
	require.EqualValues(t, 1, c.Epoch())
}

func TestSecondNodeJoinsFormattedCluster(t *testing.T) {
	hub := driver.NewHub()
	n1 := newTestCore(t, hub, "10.0.0.1", 1)
	require.NoError(t, n1.Format())

	n2 := newTestCore(t, hub, "10.0.0.2", 2)
	require.NoError(t, n2.Join())

	require.Equal(t, status.Ok, n1.Status())
	require.Equal(t, status.Ok, n2.Status())
	require.Len(t, n1.Members(), 2)
	require.EqualValues(t, 2, n1.Epoch())
}

func TestLeaveReducesMembership(t *testing.T) {
	hub := driver.NewHub()
	n1 := newTestCore(t, hub, "10.0.0.1", 1)
	require.NoError(t, n1.Format())
	n2 := newTestCore(t, hub, "10.0.0.2", 2)
	require.NoError(t, n2.Join())

	require.NoError(t, n2.Leave())
	require.Eventually(t, func() bool { return len(n1.Members()) == 1 }, time.Second, time.Millisecond)
}

func TestLeaveBelowNrCopiesZonesHalts(t *testing.T) {
	hub := driver.NewHub()
	n1 := newTestCore(t, hub, "10.0.0.1", 1)
	require.NoError(t, n1.Format())
	n2 := newTestCore(t, hub, "10.0.0.2", 2)
	require.NoError(t, n2.Join())
	n3 := newTestCore(t, hub, "10.0.0.3", 3)
	require.NoError(t, n3.Join())

	// nr_copies=2, three zones present; dropping one zone still leaves two,
	// satisfying redundancy, so no halt yet.
	require.NoError(t, n3.Leave())
	require.Eventually(t, func() bool {
		return len(n1.Members()) == 2 && n1.Status() == status.Ok
	}, time.Second, time.Millisecond)

	require.NoError(t, n2.Leave())
	require.Eventually(t, func() bool { return n1.Status() == status.Halt }, time.Second, time.Millisecond,
		"down to one zone with nr_copies=2 must halt")
}

func TestHasMajorityDegenerateBelowThree(t *testing.T) {
	self := node.NewNode(net.ParseIP("10.0.0.1"), 7000, 1, 4)
	other := node.NewNode(net.ParseIP("10.0.0.2"), 7000, 2, 4)
	require.True(t, HasMajority(context.Background(), self, []node.Node{self, other}, nil))
}

type allUnreachableProber struct{}

func (allUnreachableProber) Reachable(ctx context.Context, n node.Node) bool { return false }

func TestHasMajorityFalseWhenMostUnreachable(t *testing.T) {
	self := node.NewNode(net.ParseIP("10.0.0.1"), 7000, 1, 4)
	n2 := node.NewNode(net.ParseIP("10.0.0.2"), 7000, 2, 4)
	n3 := node.NewNode(net.ParseIP("10.0.0.3"), 7000, 3, 4)
	ok := HasMajority(context.Background(), self, []node.Node{self, n2, n3}, allUnreachableProber{})
	require.False(t, ok, "only self reachable out of three: below majority threshold of 2")
}

// TestThreeNodeClusterReconvergesAfterFullRestart reproduces scenario S2
// (rejoin after shutdown) through the real Join()/driver path, the way
// send_join_request/sd_check_join_cb do: every node restarts, reads its own
// epoch log back, and re-joins one at a time. Before Join() populated Nodes
// from that epoch log, the admitting peer's sanity check passed vacuously
// and the WaitJoin reconciliation arithmetic could never be satisfied, so
// the third rejoin would never reach Ok.
func TestThreeNodeClusterReconvergesAfterFullRestart(t *testing.T) {
	hub := driver.NewHub()
	n1, dir1 := newTestCoreWithDir(t, hub, "10.0.0.1", 1)
	require.NoError(t, n1.Format())
	n2, dir2 := newTestCoreWithDir(t, hub, "10.0.0.2", 2)
	require.NoError(t, n2.Join())
	n3, dir3 := newTestCoreWithDir(t, hub, "10.0.0.3", 3)
	require.NoError(t, n3.Join())

	require.Eventually(t, func() bool {
		return n1.Status() == status.Ok && len(n1.Members()) == 3
	}, time.Second, time.Millisecond, "cluster must be fully formed before the restart")

	// Every node restarts against a fresh Hub (simulating a full cluster
	// power-cycle) but keeps its own on-disk epoch log, and re-joins one at
	// a time in address order.
	restartHub := driver.NewHub()
	r1 := reopenCore(t, restartHub, dir1, n1.Self())
	require.NoError(t, r1.Join())
	r2 := reopenCore(t, restartHub, dir2, n2.Self())
	require.NoError(t, r2.Join())
	r3 := reopenCore(t, restartHub, dir3, n3.Self())
	require.NoError(t, r3.Join())

	require.Eventually(t, func() bool {
		return r1.Status() == status.Ok && r2.Status() == status.Ok && r3.Status() == status.Ok
	}, time.Second, time.Millisecond, "all three nodes must reconcile back to Ok after restarting")
}

// reopenCore builds a new Core sharing dir's epoch log and self's node
// identity, standing in for that node's process restarting with its
// on-disk state intact but its in-memory membership view gone.
func reopenCore(t *testing.T, hub *driver.Hub, dir string, self node.Node) *Core {
	t.Helper()
	log, err := epochlog.Open(dir)
	require.NoError(t, err)
	cfg := Config{ProtoVer: 1, NrCopies: 2, NrVnodes: 4}
	c := NewCore(cfg, self, driver.NewStub(hub), log, nil)
	require.NoError(t, c.Start())
	return c
}

// TestCheckPartitionAbortsOnMinorityAfterLeave confirms scenario S5 is
// reachable from the real handleEvent path wired from a leave delivery, not
// just from calling CheckPartition directly in isolation.
func TestCheckPartitionAbortsOnMinorityAfterLeave(t *testing.T) {
	hub := driver.NewHub()
	n1 := newTestCore(t, hub, "10.0.0.1", 1)
	require.NoError(t, n1.Format())
	n2 := newTestCore(t, hub, "10.0.0.2", 2)
	require.NoError(t, n2.Join())
	n3 := newTestCore(t, hub, "10.0.0.3", 3)
	require.NoError(t, n3.Join())
	n4 := newTestCore(t, hub, "10.0.0.4", 4)
	require.NoError(t, n4.Join())

	require.Eventually(t, func() bool { return len(n1.Members()) == 4 }, time.Second, time.Millisecond)

	var aborted int32
	prevAbort := AbortFunc
	AbortFunc = func() { atomic.StoreInt32(&aborted, 1) }
	t.Cleanup(func() { AbortFunc = prevAbort })

	n2.SetProber(selfOnlyReachableProber{self: n2.Self()})

	require.NoError(t, n1.Leave())

	// Each of the two unreachable peers is probed three times with
	// exponential backoff between attempts (probeWithBackoff), which takes
	// well over a second in total, so allow ample time.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&aborted) == 1 }, 10*time.Second, time.Millisecond,
		"n2 should see only itself reachable out of the 3 remaining members and abort")
}

type selfOnlyReachableProber struct{ self node.Node }

func (p selfOnlyReachableProber) Reachable(ctx context.Context, n node.Node) bool {
	return n.Equal(p.self)
}

type fakeBitmapFetcher struct {
	mu      sync.Mutex
	fetched []node.Node
	failFor map[string]bool
}

func (f *fakeBitmapFetcher) FetchBitmap(ctx context.Context, peer node.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, peer)
	if f.failFor[string(peer.Addr[:])] {
		return errUnreachable
	}
	return nil
}

// TestFetchBitmapOnJoinStopsAtFirstSuccess exercises __sd_join's rule
// directly against the handleEvent-invoked helper: try every member other
// than self, in order, and stop at the first success.
func TestFetchBitmapOnJoinStopsAtFirstSuccess(t *testing.T) {
	self := node.NewNode(net.ParseIP("10.0.0.3"), 7000, 3, 4)
	p1 := node.NewNode(net.ParseIP("10.0.0.1"), 7000, 1, 4)
	p2 := node.NewNode(net.ParseIP("10.0.0.2"), 7000, 2, 4)

	fetcher := &fakeBitmapFetcher{failFor: map[string]bool{string(p1.Addr[:]): true}}
	fetchBitmapOnJoin(context.Background(), self, []node.Node{p1, p2, self}, fetcher)

	require.Len(t, fetcher.fetched, 4, "p1 fails all three backoff attempts, p2 succeeds on its first, self is skipped")
	require.Equal(t, []node.Node{p1, p1, p1}, fetcher.fetched[:3])
	require.True(t, fetcher.fetched[3].Equal(p2))
}

func TestFetchBitmapOnJoinSkipsSelf(t *testing.T) {
	self := node.NewNode(net.ParseIP("10.0.0.1"), 7000, 1, 4)
	fetcher := &fakeBitmapFetcher{}
	fetchBitmapOnJoin(context.Background(), self, []node.Node{self}, fetcher)
	require.Empty(t, fetcher.fetched, "the only member is self: nothing to fetch from")
}

// TestApplyRejectReconcilesWaitJoin exercises sd_join_handler's
// CJ_RES_FAIL/CJ_RES_JOIN_LATER branch directly: a peer's rejected join,
// while this node is still WaitJoin, folds into the leave-set and flips to
// Ok once the counts reconcile.
func TestApplyRejectReconcilesWaitJoin(t *testing.T) {
	hub := driver.NewHub()
	c := newTestCore(t, hub, "10.0.0.1", 1)

	n2 := node.NewNode(net.ParseIP("10.0.0.2"), 7000, 2, 4)
	n3 := node.NewNode(net.ParseIP("10.0.0.3"), 7000, 3, 4)
	epochMembers := []node.Node{c.Self(), n2, n3}
	require.NoError(t, c.log.Append(5, 1, epochMembers))

	c.mu.Lock()
	c.epoch = 5
	c.ctime = 1
	c.members = []node.Node{c.Self()}
	c.statusM.Set(status.WaitJoin)
	c.leaveSet = leaveset.New()
	c.mu.Unlock()

	// N2's join was rejected: folding it into the leave-set alone doesn't
	// reconcile yet (nr_local=3 != nr_current=1+nr_leave=1=2).
	c.applyReject(event.RejectPayload{Rejected: n2})
	require.Equal(t, status.WaitJoin, c.Status())
	require.True(t, c.leaveSet.Contains(n2))

	// N3's join is rejected too: nr_local(3) == nr_current(1)+nr_leave(2) -> Ok.
	c.applyReject(event.RejectPayload{Rejected: n3})
	require.Equal(t, status.Ok, c.Status())
	require.True(t, c.leaveSet.Contains(n3))
}

// TestApplyRejectIgnoresNonMember confirms a rejected node never recorded
// in the epoch being reconciled doesn't get folded into the leave-set
// (find_entry_epoch's guard in finish_join).
func TestApplyRejectIgnoresNonMember(t *testing.T) {
	hub := driver.NewHub()
	c := newTestCore(t, hub, "10.0.0.1", 1)

	n2 := node.NewNode(net.ParseIP("10.0.0.2"), 7000, 2, 4)
	stranger := node.NewNode(net.ParseIP("10.0.0.9"), 7000, 9, 4)
	require.NoError(t, c.log.Append(5, 1, []node.Node{c.Self(), n2}))

	c.mu.Lock()
	c.epoch = 5
	c.members = []node.Node{c.Self()}
	c.statusM.Set(status.WaitJoin)
	c.mu.Unlock()

	c.applyReject(event.RejectPayload{Rejected: stranger})
	require.False(t, c.leaveSet.Contains(stranger))
	require.Equal(t, status.WaitJoin, c.Status())
}

// TestAdoptLeaveNodesSkipsAlreadyPresentAndNonMembers exercises
// adoptLeaveNodes directly against find_entry_list/find_entry_epoch's
// guard from finish_join.
func TestAdoptLeaveNodesSkipsAlreadyPresentAndNonMembers(t *testing.T) {
	hub := driver.NewHub()
	c := newTestCore(t, hub, "10.0.0.1", 1)

	n2 := node.NewNode(net.ParseIP("10.0.0.2"), 7000, 2, 4)
	n3 := node.NewNode(net.ParseIP("10.0.0.3"), 7000, 3, 4)
	stranger := node.NewNode(net.ParseIP("10.0.0.9"), 7000, 9, 4)
	require.NoError(t, c.log.Append(7, 1, []node.Node{c.Self(), n2, n3}))

	c.mu.Lock()
	c.leaveSet = leaveset.New()
	c.leaveSet.Add(n2)
	c.mu.Unlock()

	c.adoptLeaveNodes(7, []node.Node{n2, n3, stranger})

	c.mu.RLock()
	defer c.mu.RUnlock()
	require.True(t, c.leaveSet.Contains(n2))
	require.True(t, c.leaveSet.Contains(n3))
	require.False(t, c.leaveSet.Contains(stranger), "stranger was never a member of epoch 7")
}
