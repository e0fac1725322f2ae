package sentinel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHelloEncodeParseRoundTrip(t *testing.T) {
	t.Parallel()
	msg := HelloMessage{
		IP: "10.0.0.5", Port: 26379, RunID: "deadbeef",
		CurrentEpoch: 3, MasterName: "mymaster",
		MasterIP: "10.0.0.1", MasterPort: 6379, MasterConfigEpoch: 3,
	}
	parsed, err := ParseHello(msg.Encode())
	require.NoError(t, err)
	require.Equal(t, msg, parsed)
}

func TestParseHello_RejectsWrongFieldCount(t *testing.T) {
	t.Parallel()
	_, err := ParseHello("a,b,c")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestProcessHello_UnknownMasterDiscarded(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	msg := HelloMessage{IP: "10.0.0.5", Port: 26379, RunID: "r1", MasterName: "ghost"}
	require.NoError(t, e.processHello(msg, clock.Now()))
	require.Empty(t, e.registry.Masters)
}

func TestProcessHello_DedupBySameAddrDifferentRunID(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	addr := MustParseAddr("10.0.0.1", 6379)
	p := e.registry.Monitor("mymaster", addr, 2, clock.Now())

	msg1 := HelloMessage{IP: "10.0.0.9", Port: 26379, RunID: "r1", MasterName: "mymaster",
		MasterIP: addr.Host, MasterPort: addr.Port, MasterConfigEpoch: 0}
	require.NoError(t, e.processHello(msg1, clock.Now()))
	require.Len(t, p.Sentinels, 1)

	msg2 := msg1
	msg2.RunID = "r2" // same host:port, different identity -> dedup evicts r1
	require.NoError(t, e.processHello(msg2, clock.Now()))
	require.Len(t, p.Sentinels, 1)
	sentinelAddr := MustParseAddr(msg1.IP, msg1.Port)
	require.Equal(t, "r2", p.Sentinels[sentinelAddr.Key()].RunID)
}

func TestAddressSwitch_RebuildsReplicaSetWithOldPrimaryAsReplica(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	oldAddr := MustParseAddr("10.0.0.1", 6379)
	newAddr := MustParseAddr("10.0.0.2", 6380)
	p := e.registry.Monitor("mymaster", oldAddr, 2, clock.Now())
	p.Replicas[newAddr.Key()] = NewReplica(newAddr, clock.Now())

	e.addressSwitch(p, newAddr, 5, clock.Now())

	require.True(t, p.Addr.Equal(newAddr))
	require.EqualValues(t, 5, p.ConfigEpoch)
	_, newStillReplica := p.Replicas[newAddr.Key()]
	require.False(t, newStillReplica)
	oldAsReplica, ok := p.Replicas[oldAddr.Key()]
	require.True(t, ok)
	require.True(t, oldAsReplica.Addr.Equal(oldAddr))
}

func TestDrainHello_AppliesBufferedPayloadAndStampsActivity(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	addr := MustParseAddr("10.0.0.1", 6379)
	p := e.registry.Monitor("mymaster", addr, 2, clock.Now())

	msg := HelloMessage{IP: "10.0.0.9", Port: 26379, RunID: "r1", MasterName: "mymaster",
		MasterIP: addr.Host, MasterPort: addr.Port}
	e.helloIn <- helloEnvelope{instKey: addr.Key(), payload: msg.Encode()}

	now := clock.Now().Add(time.Second)
	e.drainHello(now)

	require.Len(t, p.Sentinels, 1)
	require.True(t, p.LastHelloReceived.Equal(now))
}

func TestProcessHello_AdoptsHigherEpoch(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	addr := MustParseAddr("10.0.0.1", 6379)
	e.registry.Monitor("mymaster", addr, 2, clock.Now())
	require.EqualValues(t, 0, e.registry.CurrentEpoch)

	msg := HelloMessage{IP: "10.0.0.9", Port: 26379, RunID: "r1", MasterName: "mymaster",
		CurrentEpoch: 7, MasterIP: addr.Host, MasterPort: addr.Port}
	require.NoError(t, e.processHello(msg, clock.Now().Add(time.Second)))
	require.EqualValues(t, 7, e.registry.CurrentEpoch)
}
