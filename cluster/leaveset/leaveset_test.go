package leaveset

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterd/noded/cluster/node"
)

func mkNode(t *testing.T, ip string) node.Node {
	t.Helper()
	return node.NewNode(net.ParseIP(ip), 7000, 1, 4)
}

func TestAddContainsRemove(t *testing.T) {
	s := New()
	n := mkNode(t, "10.0.0.1")
	require.False(t, s.Contains(n))
	s.Add(n)
	require.True(t, s.Contains(n))
	require.Equal(t, 1, s.Len())
	s.Remove(n)
	require.False(t, s.Contains(n))
	require.Equal(t, 0, s.Len())
}

func TestAddIsIdempotent(t *testing.T) {
	s := New()
	n := mkNode(t, "10.0.0.1")
	s.Add(n)
	s.Add(n)
	require.Equal(t, 1, s.Len())
}

func TestClear(t *testing.T) {
	s := New()
	s.Add(mkNode(t, "10.0.0.1"))
	s.Add(mkNode(t, "10.0.0.2"))
	s.Clear()
	require.Equal(t, 0, s.Len())
}
