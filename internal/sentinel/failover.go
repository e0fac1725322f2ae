package sentinel

import (
	"context"
	"sort"
	"time"
)

// selectReplica filters out unsuitable candidates, then ranks survivors by
// (lower slave_priority, higher slave_repl_offset, lexicographically
// smaller runid).
func (e *Engine) selectReplica(p *Instance, infoPeriod, pingPeriod time.Duration, now time.Time) *Instance {
	var candidates []*Instance
	for _, r := range p.Replicas {
		if r.Flags.Has(FlagSDown) || r.Flags.Has(FlagODown) || r.Flags.Has(FlagDisconnected) {
			continue
		}
		if r.SlavePriority == 0 {
			continue
		}
		staleBound := 3 * infoPeriod
		if p.Flags.Has(FlagSDown) {
			staleBound = 5 * infoPeriod
		}
		if r.InfoRefreshAt.IsZero() || now.Sub(r.InfoRefreshAt) > staleBound {
			continue
		}
		if r.LastPongReceived.IsZero() || now.Sub(r.LastPongReceived) > 5*pingPeriod {
			continue
		}
		if !p.SDownSince.IsZero() {
			maxLag := now.Sub(p.SDownSince) + 10*p.DownAfterPeriod
			if time.Duration(r.MasterLinkDownMS)*time.Millisecond > maxLag {
				continue
			}
		}
		candidates = append(candidates, r)
	}

	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.SlavePriority != b.SlavePriority {
			return a.SlavePriority < b.SlavePriority
		}
		if a.SlaveReplOffset != b.SlaveReplOffset {
			return a.SlaveReplOffset > b.SlaveReplOffset
		}
		return a.RunID < b.RunID
	})
	return candidates[0]
}

// driveFailover advances p's failover state machine by exactly one tick's
// worth of work.
func (e *Engine) driveFailover(ctx context.Context, p *Instance, infoPeriod, pingPeriod time.Duration, now time.Time) {
	switch p.FailoverState {
	case FailoverWaitStart:
		e.runElection(ctx, p, now)

	case FailoverSelectReplica:
		chosen := e.selectReplica(p, infoPeriod, pingPeriod, now)
		if chosen == nil {
			e.emitEvent(p, Event{Type: EventFailoverAbortNoGood, Detail: p.Name})
			e.abortFailover(p)
			return
		}
		p.PromotedReplica = chosen.Addr.Key()
		p.FailoverState = FailoverSendPromote

	case FailoverSendPromote:
		r := p.Replicas[p.PromotedReplica]
		if r == nil {
			e.abortFailover(p)
			return
		}
		client := e.clientFor(r)
		if client == nil || !client.Connected() {
			return
		}
		if err := client.SlaveOfNoOne(ctx); err != nil {
			return
		}
		_ = client.ConfigRewrite(ctx)
		p.FailoverStartTime = now
		p.FailoverState = FailoverWaitPromotion

	case FailoverWaitPromotion:
		r := p.Replicas[p.PromotedReplica]
		if r == nil {
			e.abortFailover(p)
			return
		}
		// applyReplicaInfo stamps RoleReportedAt once the replica's INFO
		// reports a role other than replica, i.e. role=master.
		if r.RoleKind == RolePrimary || !r.RoleReportedAt.IsZero() {
			p.ConfigEpoch = p.FailoverEpoch
			r.Flags |= FlagPromoted
			e.emitEvent(p, Event{Type: EventPromotedSlave, Detail: r.Addr.Key()})
			p.FailoverState = FailoverReconfReplicas
			return
		}
		if now.Sub(p.FailoverStartTime) > p.FailoverTimeout {
			e.abortFailover(p)
		}

	case FailoverReconfReplicas:
		e.driveReconfiguration(ctx, p, now)

	case FailoverUpdateConfig:
		e.completeFailover(p, now)
	}
}

func (e *Engine) abortFailover(p *Instance) {
	p.Flags &^= FlagFailoverInProgress
	p.FailoverState = FailoverNone
}

// driveReconfiguration bounds concurrent SENT/INPROG replicas by
// parallel_syncs, observes SENT->INPROG->DONE via INFO, and times out a
// stuck SENT after 10s optimistically.
func (e *Engine) driveReconfiguration(ctx context.Context, p *Instance, now time.Time) {
	inFlight := 0
	allDone := true
	for key, state := range p.ReconfState {
		if state == ReconfSent || state == ReconfInProgress {
			inFlight++
		}
		if state != ReconfDone {
			r, ok := p.Replicas[key]
			if ok && r.Flags.Has(FlagSDown) {
				continue // non-SDOWN-only completion rule below
			}
			allDone = false
		}
	}

	for key, r := range p.Replicas {
		if key == p.PromotedReplica {
			continue
		}
		if r.Flags.Has(FlagSDown) {
			continue
		}
		state := p.ReconfState[key]
		switch state {
		case ReconfIdle:
			if inFlight >= p.ParallelSyncs {
				allDone = false
				continue
			}
			client := e.clientFor(r)
			if client == nil || !client.Connected() {
				allDone = false
				continue
			}
			promoted := p.Replicas[p.PromotedReplica]
			if promoted == nil {
				continue
			}
			if err := client.SlaveOf(ctx, promoted.Addr.Host, promoted.Addr.Port); err != nil {
				allDone = false
				continue
			}
			p.ReconfState[key] = ReconfSent
			p.ReconfSentAt[key] = now
			inFlight++
			r.Flags |= FlagReconfSent
			e.emitEvent(p, Event{Type: EventSlaveReconfSent, Detail: key})
			allDone = false

		case ReconfSent:
			if r.ObservedMaster.Equal(p.Replicas[p.PromotedReplica].Addr) {
				p.ReconfState[key] = ReconfInProgress
				r.Flags = r.Flags&^FlagReconfSent | FlagReconfInProgress
				e.emitEvent(p, Event{Type: EventSlaveReconfInProg, Detail: key})
				allDone = false
			} else if sentAt, ok := p.ReconfSentAt[key]; ok && now.Sub(sentAt) > 10*time.Second {
				p.ReconfState[key] = ReconfDone
				r.Flags = r.Flags&^(FlagReconfSent|FlagReconfInProgress) | FlagReconfDone
				e.emitEvent(p, Event{Type: EventSlaveReconfTimeout, Detail: key})
			} else {
				allDone = false
			}

		case ReconfInProgress:
			if r.MasterLinkUp {
				p.ReconfState[key] = ReconfDone
				r.Flags = r.Flags&^(FlagReconfSent|FlagReconfInProgress) | FlagReconfDone
				e.emitEvent(p, Event{Type: EventSlaveReconfDone, Detail: key})
			} else {
				allDone = false
			}
		}
	}

	timedOut := now.Sub(p.FailoverStartTime) > p.FailoverTimeout
	if allDone || timedOut {
		if timedOut {
			e.broadcastBestEffortReconf(ctx, p)
		}
		p.FailoverState = FailoverUpdateConfig
	}
}

func (e *Engine) broadcastBestEffortReconf(ctx context.Context, p *Instance) {
	promoted := p.Replicas[p.PromotedReplica]
	if promoted == nil {
		return
	}
	for key, r := range p.Replicas {
		if key == p.PromotedReplica {
			continue
		}
		if p.ReconfState[key] == ReconfDone {
			continue
		}
		client := e.clientFor(r)
		if client != nil && client.Connected() {
			_ = client.SlaveOf(ctx, promoted.Addr.Host, promoted.Addr.Port)
		}
		p.ReconfState[key] = ReconfDone
	}
}

// completeFailover applies the address switch locally so the promoted
// replica becomes the Instance future ticks treat as the primary.
func (e *Engine) completeFailover(p *Instance, now time.Time) {
	newAddr := p.Addr
	if promoted := p.Replicas[p.PromotedReplica]; promoted != nil {
		newAddr = promoted.Addr
	}
	e.addressSwitch(p, newAddr, p.FailoverEpoch, now)
	p.Flags &^= FlagFailoverInProgress
	if e.metrics != nil {
		e.metrics.FailoversCompleted.Inc()
	}
	e.persist()
}

// driftReconcile runs independent of any active failover: it re-enrolls a
// replica that has reported itself primary for too long, or corrects a
// replica pointed at the wrong master.
func (e *Engine) driftReconcile(ctx context.Context, p *Instance, publishPeriod time.Duration, now time.Time) {
	if p.Flags.Has(FlagFailoverInProgress) {
		return
	}
	for _, r := range p.Replicas {
		client := e.clientFor(r)
		if client == nil || !client.Connected() {
			continue
		}
		upLongEnough := !r.CTime.IsZero() && now.Sub(r.CTime) > 4*publishPeriod

		if r.RoleKind == RoleReplica && !r.RoleReportedAt.IsZero() &&
			now.Sub(r.RoleReportedAt) > 4*publishPeriod && upLongEnough {
			_ = client.SlaveOf(ctx, p.Addr.Host, p.Addr.Port)
			continue
		}

		if !r.ObservedMaster.Equal(Addr{}) && !r.ObservedMaster.Equal(p.Addr) && upLongEnough {
			_ = client.SlaveOf(ctx, p.Addr.Host, p.Addr.Port)
		}
	}
}
