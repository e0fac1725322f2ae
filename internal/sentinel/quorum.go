package sentinel

import (
	"context"
	"time"
)

// checkOdown cross-checks a primary already judged SDOWN against every
// known peer supervisor via the IS-MASTER-DOWN-BY-ADDR health-check form
// (req_runid="*"), and marks it ODOWN once the agreeing count (self
// included) meets its quorum. Health checks are dispatched asynchronously
// and tallied from whatever replies have arrived by the time this runs
// again, rather than waited on here.
func (e *Engine) checkOdown(p *Instance, now time.Time) {
	wasOdown := p.Flags.Has(FlagODown)

	if !p.Flags.Has(FlagSDown) {
		if wasOdown {
			p.Flags &^= FlagODown
			p.ODownSince = time.Time{}
			e.emitEvent(p, Event{Type: EventODownExit, Detail: p.Addr.Key()})
		}
		return
	}

	for _, s := range p.Sentinels {
		if s.HealthReplyAt.After(p.SDownSince) {
			continue // already hold an answer fresh enough for this episode
		}
		e.dispatchHealthCheck(p, s)
	}

	agree := 1 // self
	for _, s := range p.Sentinels {
		if s.HealthReplyAt.After(p.SDownSince) && s.HealthDown {
			agree++
		}
	}

	isOdown := agree >= p.Quorum
	switch {
	case isOdown && !wasOdown:
		p.Flags |= FlagODown
		p.ODownSince = now
		if e.metrics != nil {
			e.metrics.ODownTransitions.Inc()
		}
		e.emitEvent(p, Event{Type: EventODownEnter, Detail: p.Addr.Key()})
	case !isOdown && wasOdown:
		p.Flags &^= FlagODown
		p.ODownSince = time.Time{}
		e.emitEvent(p, Event{Type: EventODownExit, Detail: p.Addr.Key()})
	}
}

// dispatchHealthCheck asks s whether it independently considers p down.
func (e *Engine) dispatchHealthCheck(p *Instance, s *Instance) {
	client := e.clientFor(s)
	if client == nil || !client.Connected() {
		return
	}
	host, port, epoch := p.Addr.Host, p.Addr.Port, e.registry.CurrentEpoch
	masterKey := p.Name
	e.dispatch(s, func(ctx context.Context) asyncResult {
		isDown, leaderRunID, leaderEpoch, err := client.IsMasterDownByAddr(ctx, host, port, epoch, "*")
		return asyncResult{
			kind:        opHealthVote,
			instKey:     s.Addr.Key(),
			masterKey:   masterKey,
			err:         err,
			voteGranted: isDown,
			leaderRunID: leaderRunID,
			leaderEpoch: leaderEpoch,
		}
	})
}
