package status

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitialStateIsWaitFormat(t *testing.T) {
	m := NewMachine(nil)
	require.Equal(t, WaitFormat, m.Current())
	require.False(t, m.Current().CanRecover())
}

func TestFormatTransitionsToOk(t *testing.T) {
	m := NewMachine(nil)
	m.OnFormat()
	require.Equal(t, Ok, m.Current())
	require.True(t, m.Current().CanRecover())
}

func TestHaltOnInsufficientZones(t *testing.T) {
	m := NewMachine(nil)
	m.Set(Ok)
	m.OnLeaveZonesInsufficient(2, 3)
	require.Equal(t, Halt, m.Current())
}

func TestOkOnSufficientZonesAfterHalt(t *testing.T) {
	m := NewMachine(nil)
	m.Set(Halt)
	m.OnJoinZonesSufficient(3, 3)
	require.Equal(t, Ok, m.Current())
}

func TestShutdownIsTerminal(t *testing.T) {
	m := NewMachine(nil)
	m.Set(Ok)
	m.Shutdown()
	require.Equal(t, Shutdown, m.Current())
	m.OnFormat()
	require.Equal(t, Shutdown, m.Current())
}

type neverHalt struct{}

func (neverHalt) CanHalt() bool { return false }

func TestPolicyCanPreventHalt(t *testing.T) {
	m := NewMachine(neverHalt{})
	m.Set(Ok)
	m.OnLeaveZonesInsufficient(1, 3)
	require.Equal(t, Ok, m.Current())
}
