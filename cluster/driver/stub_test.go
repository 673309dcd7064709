package driver

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterd/noded/cluster/node"
)

type recordingCallbacks struct {
	joins   []node.Node
	leaves  []node.Node
	notifys []node.Node
}

func (r *recordingCallbacks) OnCheckJoin(candidate node.Node, msg []byte) (bool, []byte) {
	return true, msg
}
func (r *recordingCallbacks) OnJoinDelivered(sender node.Node, msg []byte) {
	r.joins = append(r.joins, sender)
}
func (r *recordingCallbacks) OnLeaveDelivered(sender node.Node) {
	r.leaves = append(r.leaves, sender)
}
func (r *recordingCallbacks) OnNotifyDelivered(sender node.Node, msg []byte, local bool) {
	r.notifys = append(r.notifys, sender)
}
func (r *recordingCallbacks) OnBlocked() {}

func TestStubJoinDeliversToAllMembers(t *testing.T) {
	hub := NewHub()
	n1 := node.NewNode(net.ParseIP("10.0.0.1"), 7000, 1, 4)
	n2 := node.NewNode(net.ParseIP("10.0.0.2"), 7000, 2, 4)

	cb1, cb2 := &recordingCallbacks{}, &recordingCallbacks{}
	s1, s2 := NewStub(hub), NewStub(hub)
	require.NoError(t, s1.Init(n1, cb1))
	require.NoError(t, s2.Init(n2, cb2))

	require.NoError(t, s1.Join(nil))
	require.Len(t, cb1.joins, 1)

	require.NoError(t, s2.Join(nil))
	require.Len(t, cb1.joins, 2, "existing member sees new join")
	require.Len(t, cb2.joins, 1, "joiner only sees its own delivery so far")
}

func TestStubNotifyReachesAllIncludingSender(t *testing.T) {
	hub := NewHub()
	n1 := node.NewNode(net.ParseIP("10.0.0.1"), 7000, 1, 4)
	n2 := node.NewNode(net.ParseIP("10.0.0.2"), 7000, 2, 4)
	cb1, cb2 := &recordingCallbacks{}, &recordingCallbacks{}
	s1, s2 := NewStub(hub), NewStub(hub)
	require.NoError(t, s1.Init(n1, cb1))
	require.NoError(t, s2.Init(n2, cb2))
	require.NoError(t, s1.Join(nil))
	require.NoError(t, s2.Join(nil))

	require.NoError(t, s1.Notify([]byte("hello")))
	require.Len(t, cb1.notifys, 1)
	require.Len(t, cb2.notifys, 1)
}

func TestStubLeaveRemovesMember(t *testing.T) {
	hub := NewHub()
	n1 := node.NewNode(net.ParseIP("10.0.0.1"), 7000, 1, 4)
	n2 := node.NewNode(net.ParseIP("10.0.0.2"), 7000, 2, 4)
	cb1, cb2 := &recordingCallbacks{}, &recordingCallbacks{}
	s1, s2 := NewStub(hub), NewStub(hub)
	require.NoError(t, s1.Init(n1, cb1))
	require.NoError(t, s2.Init(n2, cb2))
	require.NoError(t, s1.Join(nil))
	require.NoError(t, s2.Join(nil))

	require.NoError(t, s1.Leave())
	require.Len(t, cb2.leaves, 1)
	require.Len(t, s2.Members(), 1)
}
