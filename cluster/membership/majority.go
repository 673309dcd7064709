package membership

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/clusterd/noded/cluster/node"
)

// Prober checks reachability of a single peer; production wiring uses
// tcpProber, tests substitute a fake.
type Prober interface {
	Reachable(ctx context.Context, n node.Node) bool
}

// tcpProber reports a peer reachable if a TCP dial to (addr, port)
// succeeds within a short timeout.
type tcpProber struct {
	dialTimeout time.Duration
}

// NewTCPProber returns the default Prober.
func NewTCPProber(dialTimeout time.Duration) Prober {
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	return tcpProber{dialTimeout: dialTimeout}
}

func (p tcpProber) Reachable(ctx context.Context, n node.Node) bool {
	addr := net.JoinHostPort(net.IP(n.Addr[:]).String(), strconv.Itoa(int(n.Port)))
	d := net.Dialer{Timeout: p.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// HasMajority probes every member other than self and reports whether at
// least len(lastKnown)/2+1 (integer division) of lastKnown (including self) are
// reachable, the same threshold check_majority in the original applies
// before presuming a network partition. For clusters smaller than 3 nodes
// the check is degenerate and always holds, since no majority boundary is
// meaningful.
func HasMajority(ctx context.Context, self node.Node, lastKnown []node.Node, prober Prober) bool {
	if len(lastKnown) < 3 {
		return true
	}
	reachable, _, nr := probeAll(ctx, self, lastKnown, prober)
	return reachable >= nr/2+1
}

// probeAll probes every member other than self, returning the reachable
// count (including self) and a combined error reporting every unreachable
// peer, for CheckPartition's diagnostic logging.
func probeAll(ctx context.Context, self node.Node, lastKnown []node.Node, prober Prober) (int, error, int) {
	reachable := 1 // self
	var result *multierror.Error
	for _, m := range lastKnown {
		if m.Equal(self) {
			continue
		}
		if probeWithBackoff(ctx, m, prober) {
			reachable++
			continue
		}
		addr := net.JoinHostPort(net.IP(m.Addr[:]).String(), strconv.Itoa(int(m.Port)))
		result = multierror.Append(result, errors.Errorf("peer %s: %v", addr, errUnreachable))
	}
	return reachable, result.ErrorOrNil(), len(lastKnown)
}

// probeWithBackoff retries a single reachability probe a bounded number of
// times with exponential backoff, so one slow retransmit doesn't cause a
// false partition verdict.
func probeWithBackoff(ctx context.Context, m node.Node, prober Prober) bool {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	b = backoff.WithContext(b, ctx)

	ok := false
	_ = backoff.Retry(func() error {
		if prober.Reachable(ctx, m) {
			ok = true
			return nil
		}
		return errUnreachable
	}, b)
	return ok
}

var errUnreachable = probeError("unreachable")

type probeError string

func (e probeError) Error() string { return string(e) }

// AbortFunc is called when HasMajority returns false for this node's own
// partition; it is a variable so tests can substitute a non-fatal
// implementation. The default panics; cmd/noded does not replace it.
var AbortFunc = func() {
	panic("membership: presumed network partition, minority side aborting")
}

// CheckPartition runs HasMajority and invokes AbortFunc if this node is
// judged to be on the minority side of a partition, mirroring the original
// sheepdog behavior of aborting rather than continuing to serve requests
// with a stale view.
func CheckPartition(ctx context.Context, self node.Node, lastKnown []node.Node, prober Prober) {
	if len(lastKnown) < 3 {
		return
	}
	reachable, unreachable, nr := probeAll(ctx, self, lastKnown, prober)
	if reachable >= nr/2+1 {
		return
	}
	logger.Error("presumed minority partition, aborting", "members", nr, "reachable", reachable, "detail", unreachable)
	AbortFunc()
}
