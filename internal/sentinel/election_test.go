package sentinel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandleVoteRPC_HealthCheckDoesNotVote(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	addr := MustParseAddr("10.0.0.1", 6379)
	p := e.registry.Monitor("mymaster", addr, 2, clock.Now())
	p.Flags |= FlagODown

	granted, _, _ := e.HandleVoteRPC(p, 1, "*", clock.Now())
	require.True(t, granted) // health-check reflects current ODOWN, doesn't grant a vote
	require.Equal(t, "", p.LeaderRunID)
}

func TestHandleVoteRPC_GrantsOncePerEpoch(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	addr := MustParseAddr("10.0.0.1", 6379)
	p := e.registry.Monitor("mymaster", addr, 2, clock.Now())

	granted, leader, epoch := e.HandleVoteRPC(p, 5, "candidate-A", clock.Now())
	require.True(t, granted)
	require.Equal(t, "candidate-A", leader)
	require.EqualValues(t, 5, epoch)
	require.EqualValues(t, 5, e.registry.CurrentEpoch)

	// Same epoch, different candidate: rejected, replays prior vote.
	granted2, leader2, epoch2 := e.HandleVoteRPC(p, 5, "candidate-B", clock.Now())
	require.False(t, granted2)
	require.Equal(t, "candidate-A", leader2)
	require.EqualValues(t, 5, epoch2)

	// Stale epoch: rejected outright.
	granted3, _, _ := e.HandleVoteRPC(p, 3, "candidate-C", clock.Now())
	require.False(t, granted3)
}

func TestMaybeStartElection_RespectsBackoffWindow(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	addr := MustParseAddr("10.0.0.1", 6379)
	p := e.registry.Monitor("mymaster", addr, 2, clock.Now())
	p.FailoverTimeout = 10 * time.Second
	p.Flags |= FlagODown

	e.maybeStartElection(p, clock.Now())
	require.Equal(t, FailoverWaitStart, p.FailoverState)
	require.True(t, p.Flags.Has(FlagFailoverInProgress))

	// Simulate an abort and immediate retry inside the backoff window.
	p.Flags &^= FlagFailoverInProgress
	p.FailoverState = FailoverNone
	clock.Advance(5 * time.Second)
	e.maybeStartElection(p, clock.Now())
	require.Equal(t, FailoverNone, p.FailoverState) // still inside 2x failover_timeout

	clock.Advance(20 * time.Second)
	e.maybeStartElection(p, clock.Now())
	require.Equal(t, FailoverWaitStart, p.FailoverState)
}

func TestRunElection_WinsWithMajorityAndQuorum(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	addr := MustParseAddr("10.0.0.1", 6379)
	p := e.registry.Monitor("mymaster", addr, 2, clock.Now())
	p.FailoverTimeout = 100 * time.Millisecond
	p.FailoverEpoch = 9
	p.LeaderRunID = e.registry.RunID
	p.LeaderEpoch = 9
	p.FailoverState = FailoverWaitStart
	p.FailoverStartTime = clock.Now()

	peer1 := MustParseAddr("10.0.0.10", 26379)
	peer2 := MustParseAddr("10.0.0.11", 26379)
	p.Sentinels[peer1.Key()] = NewSupervisorPeer(peer1, "peer1", clock.Now())
	p.Sentinels[peer2.Key()] = NewSupervisorPeer(peer2, "peer2", clock.Now())

	fc1 := newFakeInstanceClient()
	fc1.voteGranted, fc1.voteLeaderID, fc1.voteLeaderEp = true, e.registry.RunID, 9
	fc2 := newFakeInstanceClient()
	fc2.voteGranted, fc2.voteLeaderID, fc2.voteLeaderEp = true, e.registry.RunID, 9
	e.InjectClient(peer1, fc1)
	e.InjectClient(peer2, fc2)

	// Still inside the election window: this dispatches the vote requests
	// asynchronously rather than tallying anything yet.
	e.runElection(context.Background(), p, clock.Now())
	require.Equal(t, FailoverWaitStart, p.FailoverState)
	e.drainAsync(clock.Now())

	// Window closed: tally the replies collected above.
	clock.Advance(200 * time.Millisecond)
	e.runElection(context.Background(), p, clock.Now())
	require.Equal(t, FailoverSelectReplica, p.FailoverState)
}

func TestRunElection_LosesWithoutQuorum(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	addr := MustParseAddr("10.0.0.1", 6379)
	p := e.registry.Monitor("mymaster", addr, 3, clock.Now())
	p.FailoverTimeout = 100 * time.Millisecond
	p.FailoverEpoch = 9
	p.LeaderRunID = e.registry.RunID
	p.LeaderEpoch = 9
	p.FailoverState = FailoverWaitStart
	p.FailoverStartTime = clock.Now()
	p.Flags |= FlagFailoverInProgress

	peer1 := MustParseAddr("10.0.0.10", 26379)
	p.Sentinels[peer1.Key()] = NewSupervisorPeer(peer1, "peer1", clock.Now())
	fc1 := newFakeInstanceClient()
	fc1.voteGranted, fc1.voteLeaderID, fc1.voteLeaderEp = true, e.registry.RunID, 9
	e.InjectClient(peer1, fc1)

	e.runElection(context.Background(), p, clock.Now())
	e.drainAsync(clock.Now())

	clock.Advance(200 * time.Millisecond)
	e.runElection(context.Background(), p, clock.Now())
	require.Equal(t, FailoverNone, p.FailoverState)
	require.False(t, p.Flags.Has(FlagFailoverInProgress))
}
