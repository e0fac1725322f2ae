package sentinel

import (
	"context"
	"strconv"
	"time"
)

// HandleVoteRPC answers an incoming IS-MASTER-DOWN-BY-ADDR request for
// master p: a req_runid of "*" is a pure health-check cross-check and never
// casts a vote or advances the epoch; any other req_runid is a genuine vote
// request, granted only if its epoch is at least the locally known current
// epoch and strictly ahead of what p has already recorded, so a vote is
// never granted twice for the same epoch.
func (e *Engine) HandleVoteRPC(p *Instance, reqEpoch int64, reqRunID string, now time.Time) (voteGranted bool, leaderRunID string, leaderEpoch int64) {
	if reqRunID == "*" {
		return p.Flags.Has(FlagODown), p.LeaderRunID, p.LeaderEpoch
	}

	if reqEpoch >= e.registry.CurrentEpoch && p.LeaderEpoch < reqEpoch {
		e.registry.BumpEpoch(reqEpoch)
		p.LeaderRunID = reqRunID
		p.LeaderEpoch = reqEpoch
		e.persist()
		e.emitEvent(p, Event{Type: EventVoteForLeader, Detail: reqRunID})

		if reqRunID != e.registry.RunID {
			p.FailoverStartTime = now
		}
		return true, p.LeaderRunID, p.LeaderEpoch
	}

	return false, p.LeaderRunID, p.LeaderEpoch
}

// maybeStartElection moves a primary with ODOWN set, no failover already
// running, and whose last attempt is older than 2*failover_timeout into
// WAIT_START.
func (e *Engine) maybeStartElection(p *Instance, now time.Time) {
	if !p.Flags.Has(FlagODown) {
		return
	}
	if p.Flags.Has(FlagFailoverInProgress) {
		return
	}
	if !p.FailoverStartTime.IsZero() && now.Sub(p.FailoverStartTime) < 2*p.FailoverTimeout {
		return
	}

	p.Flags |= FlagFailoverInProgress
	p.FailoverStartTime = now
	p.FailoverEpoch = e.registry.NextEpoch()
	p.LeaderRunID = e.registry.RunID
	p.LeaderEpoch = p.FailoverEpoch
	p.FailoverState = FailoverWaitStart
	e.persist()
	if e.metrics != nil {
		e.metrics.ElectionsStarted.Inc()
	}
	e.emitEvent(p, Event{Type: EventNewEpoch, Detail: strconv.FormatInt(p.FailoverEpoch, 10)})
}

// runElection drives a primary through WAIT_START: while the election
// window is open it (re)dispatches vote requests to any peer that hasn't
// yet answered for the current FailoverEpoch; once the window closes it
// tallies whatever replies have arrived. A winner needs both a strict
// majority of known supervisors and at least p.Quorum votes.
func (e *Engine) runElection(ctx context.Context, p *Instance, now time.Time) {
	if p.FailoverState != FailoverWaitStart {
		return
	}

	deadline := p.FailoverStartTime.Add(electionTimeout(p.FailoverTimeout))
	if now.Before(deadline) {
		e.broadcastVoteRequests(p)
		return
	}

	votes := 1 // self
	known := len(p.Sentinels) + 1
	for _, s := range p.Sentinels {
		if s.ElectionReqEpoch != p.FailoverEpoch || s.ElectionReplyAt.IsZero() {
			continue
		}
		if s.ElectionGranted && s.ElectionLeaderRunID == e.registry.RunID {
			votes++
		}
		if s.ElectionLeaderEpoch > p.LeaderEpoch {
			p.LeaderRunID = s.ElectionLeaderRunID
			p.LeaderEpoch = s.ElectionLeaderEpoch
		}
	}

	majority := known/2 + 1
	won := votes >= majority && votes >= p.Quorum && p.LeaderRunID == e.registry.RunID

	if won {
		if e.metrics != nil {
			e.metrics.ElectionsWon.Inc()
		}
		e.emitEvent(p, Event{Type: EventElectedLeader, Detail: strconv.Itoa(votes) + "/" + strconv.Itoa(known)})
		p.FailoverState = FailoverSelectReplica
		return
	}

	p.Flags &^= FlagFailoverInProgress
	p.FailoverState = FailoverNone
}

// broadcastVoteRequests dispatches an async vote request to every peer
// supervisor that has not already been asked for the current epoch, so a
// slow or unreachable peer never blocks the reactor while an election is
// pending.
func (e *Engine) broadcastVoteRequests(p *Instance) {
	for _, s := range p.Sentinels {
		if s.ElectionReqEpoch == p.FailoverEpoch && !s.ElectionReplyAt.IsZero() {
			continue
		}
		e.dispatchVoteRequest(p, s)
	}
}

// dispatchVoteRequest stamps s.ElectionReqEpoch with the epoch being
// requested before launching the command, so a reply arriving after s has
// moved on to a later attempt is recognized as stale by applyAsyncResult
// and discarded instead of tallied.
func (e *Engine) dispatchVoteRequest(p *Instance, s *Instance) {
	client := e.clientFor(s)
	if client == nil || !client.Connected() {
		return
	}
	host, port, reqEpoch, runID := p.Addr.Host, p.Addr.Port, p.FailoverEpoch, e.registry.RunID
	masterKey := p.Name
	ok := e.dispatch(s, func(ctx context.Context) asyncResult {
		granted, leaderRunID, leaderEpoch, err := client.IsMasterDownByAddr(ctx, host, port, reqEpoch, runID)
		return asyncResult{
			kind:        opElectionVote,
			instKey:     s.Addr.Key(),
			masterKey:   masterKey,
			reqEpoch:    reqEpoch,
			err:         err,
			voteGranted: granted,
			leaderRunID: leaderRunID,
			leaderEpoch: leaderEpoch,
		}
	})
	if !ok {
		return
	}
	s.ElectionReqEpoch = reqEpoch
	s.ElectionReplyAt = time.Time{}
}

func electionTimeout(failoverTimeout time.Duration) time.Duration {
	if failoverTimeout < electionTimeoutCeiling {
		return failoverTimeout
	}
	return electionTimeoutCeiling
}

const electionTimeoutCeiling = 10 * time.Second
