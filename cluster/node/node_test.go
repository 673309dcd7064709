package node

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func mkNode(t *testing.T, ip string, port uint16, zone uint32, nrVnodes uint16) Node {
	t.Helper()
	parsed := net.ParseIP(ip)
	require.NotNil(t, parsed)
	return NewNode(parsed, port, zone, nrVnodes)
}

func TestEqualIgnoresZoneAndVnodes(t *testing.T) {
	a := mkNode(t, "10.0.0.1", 7000, 1, 64)
	b := mkNode(t, "10.0.0.1", 7000, 2, 128)
	require.True(t, a.Equal(b))
}

func TestGatewayExcludedFromZones(t *testing.T) {
	members := []Node{
		mkNode(t, "10.0.0.1", 7000, 1, 64),
		mkNode(t, "10.0.0.2", 7000, 2, 64),
		mkNode(t, "10.0.0.3", 7000, 3, 0), // pure gateway
	}
	require.Equal(t, 2, NrZonesFrom(members))
}

func TestRebuildSkipsGatewaysAndSortsByToken(t *testing.T) {
	members := []Node{
		mkNode(t, "10.0.0.1", 7000, 1, 4),
		mkNode(t, "10.0.0.2", 7000, 2, 4),
		mkNode(t, "10.0.0.3", 7000, 3, 0),
	}
	vi := Rebuild(members)
	require.Equal(t, 8, len(vi.Entries))
	require.Equal(t, 2, vi.NrZones)
	for i := 1; i < len(vi.Entries); i++ {
		require.LessOrEqual(t, vi.Entries[i-1].Token, vi.Entries[i].Token)
	}
	require.EqualValues(t, 1, vi.Refcnt())
}

func TestOidToVnodesReturnsDistinctOwners(t *testing.T) {
	members := []Node{
		mkNode(t, "10.0.0.1", 7000, 1, 8),
		mkNode(t, "10.0.0.2", 7000, 2, 8),
		mkNode(t, "10.0.0.3", 7000, 3, 8),
	}
	vi := Rebuild(members)
	for oid := uint64(0); oid < 50; oid++ {
		vnodes := vi.OidToVnodes(oid, 3)
		require.Len(t, vnodes, 3)
		seen := map[[16]byte]bool{}
		for _, v := range vnodes {
			seen[v.Node.Addr] = true
		}
		require.Len(t, seen, 3)
	}
}

func TestOidToVnodesFewerThanRequested(t *testing.T) {
	members := []Node{
		mkNode(t, "10.0.0.1", 7000, 1, 2),
	}
	vi := Rebuild(members)
	vnodes := vi.OidToVnodes(42, 3)
	require.Len(t, vnodes, 1)
}

func TestAllGatewaysYieldsEmptyRing(t *testing.T) {
	members := []Node{
		mkNode(t, "10.0.0.1", 7000, 1, 0),
		mkNode(t, "10.0.0.2", 7000, 2, 0),
	}
	vi := Rebuild(members)
	require.Empty(t, vi.Entries)
	require.Equal(t, 0, vi.NrZones)
	require.Equal(t, 0, vi.NrCopies(3))
	require.Empty(t, vi.OidToVnodes(1, 3))
}

func TestNrCopiesDegrades(t *testing.T) {
	members := []Node{
		mkNode(t, "10.0.0.1", 7000, 1, 4),
		mkNode(t, "10.0.0.2", 7000, 2, 4),
	}
	vi := Rebuild(members)
	require.Equal(t, 2, vi.NrCopies(3))
	require.Equal(t, 2, vi.NrCopies(2))
}

func TestRefcountGetRelease(t *testing.T) {
	members := []Node{mkNode(t, "10.0.0.1", 7000, 1, 1)}
	vi := Rebuild(members)
	held := vi.Get()
	require.EqualValues(t, 2, vi.Refcnt())
	held.Release()
	require.EqualValues(t, 1, vi.Refcnt())
}

func TestTieBreakOnEqualTokenFallsBackToAddrPort(t *testing.T) {
	// The ring sort breaks token ties via Node.Less(addr, port); exercise
	// that comparator directly since a live xxhash collision isn't
	// reproducible in a unit test.
	a := mkNode(t, "10.0.0.1", 7000, 1, 1)
	b := mkNode(t, "10.0.0.2", 7000, 1, 1)
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
}
