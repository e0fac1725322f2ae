package sentinel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func makeCandidateReplica(addr Addr, priority int, offset int64, runID string, now time.Time) *Instance {
	r := NewReplica(addr, now)
	r.SlavePriority = priority
	r.SlaveReplOffset = offset
	r.RunID = runID
	r.InfoRefreshAt = now
	r.LastPongReceived = now
	return r
}

func TestSelectReplica_RanksByPriorityThenOffsetThenRunID(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	addr := MustParseAddr("10.0.0.1", 6379)
	p := e.registry.Monitor("mymaster", addr, 2, clock.Now())

	low := makeCandidateReplica(MustParseAddr("10.0.0.2", 6380), 100, 50, "bbbb", clock.Now())
	highOffset := makeCandidateReplica(MustParseAddr("10.0.0.3", 6381), 100, 90, "cccc", clock.Now())
	zeroPriority := makeCandidateReplica(MustParseAddr("10.0.0.4", 6382), 0, 999, "aaaa", clock.Now())
	p.Replicas[low.Addr.Key()] = low
	p.Replicas[highOffset.Addr.Key()] = highOffset
	p.Replicas[zeroPriority.Addr.Key()] = zeroPriority

	chosen := e.selectReplica(p, 10*time.Second, 1*time.Second, clock.Now())
	require.NotNil(t, chosen)
	require.Equal(t, highOffset.Addr, chosen.Addr) // same priority, higher offset wins
}

func TestSelectReplica_FiltersStaleAndSDown(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	addr := MustParseAddr("10.0.0.1", 6379)
	p := e.registry.Monitor("mymaster", addr, 2, clock.Now())

	stale := makeCandidateReplica(MustParseAddr("10.0.0.2", 6380), 100, 50, "bbbb", clock.Now())
	stale.InfoRefreshAt = clock.Now().Add(-time.Hour)
	down := makeCandidateReplica(MustParseAddr("10.0.0.3", 6381), 100, 90, "cccc", clock.Now())
	down.Flags |= FlagSDown

	p.Replicas[stale.Addr.Key()] = stale
	p.Replicas[down.Addr.Key()] = down

	chosen := e.selectReplica(p, 10*time.Second, 1*time.Second, clock.Now())
	require.Nil(t, chosen)
}

func TestDriveFailover_FullHappyPath(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	ctx := context.Background()
	addr := MustParseAddr("10.0.0.1", 6379)
	p := e.registry.Monitor("mymaster", addr, 1, clock.Now())
	p.ParallelSyncs = 2
	p.FailoverTimeout = time.Minute

	replica := makeCandidateReplica(MustParseAddr("10.0.0.2", 6380), 100, 50, "replica-runid", clock.Now())
	p.Replicas[replica.Addr.Key()] = replica
	p.ReconfState = map[string]ReplicaReconfState{}
	p.ReconfSentAt = map[string]time.Time{}

	fc := newFakeInstanceClient()
	e.InjectClient(replica.Addr, fc)

	p.FailoverEpoch = 1
	p.FailoverState = FailoverSelectReplica
	e.driveFailover(ctx, p, 10*time.Second, time.Second, clock.Now())
	require.Equal(t, FailoverSendPromote, p.FailoverState)
	require.Equal(t, replica.Addr.Key(), p.PromotedReplica)

	e.driveFailover(ctx, p, 10*time.Second, time.Second, clock.Now())
	require.Equal(t, FailoverWaitPromotion, p.FailoverState)
	require.True(t, fc.slaveOfNoOneCall)

	// Replica's next INFO reports role=master.
	replica.RoleKind = RolePrimary
	e.driveFailover(ctx, p, 10*time.Second, time.Second, clock.Now())
	require.Equal(t, FailoverReconfReplicas, p.FailoverState)
	require.EqualValues(t, p.FailoverEpoch, p.ConfigEpoch)

	// No other replicas to reconfigure: immediately all done.
	e.driveFailover(ctx, p, 10*time.Second, time.Second, clock.Now())
	require.Equal(t, FailoverUpdateConfig, p.FailoverState)

	e.driveFailover(ctx, p, 10*time.Second, time.Second, clock.Now())
	require.True(t, p.Addr.Equal(replica.Addr))
	require.False(t, p.Flags.Has(FlagFailoverInProgress))
}

func TestDriveFailover_AbortsWhenNoSuitableReplica(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	ctx := context.Background()
	addr := MustParseAddr("10.0.0.1", 6379)
	p := e.registry.Monitor("mymaster", addr, 1, clock.Now())
	p.Flags |= FlagFailoverInProgress
	p.FailoverState = FailoverSelectReplica

	e.driveFailover(ctx, p, 10*time.Second, time.Second, clock.Now())
	require.Equal(t, FailoverNone, p.FailoverState)
	require.False(t, p.Flags.Has(FlagFailoverInProgress))
}
