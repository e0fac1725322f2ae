package sentinel

import (
	"context"
	"time"
)

// tick runs exactly one reactor pass: apply whatever dispatched command and
// hello results have arrived since the last pass, a TILT check, then for
// every PRIMARY recursively walk PRIMARY -> REPLICAs -> SUPERVISORs
// invoking the per-instance handler. PING, INFO, PUBLISH, SUBSCRIBE and the
// peer RPCs are launched via Engine.dispatch, and their results are applied
// by drainAsync/drainHello at the start of a later pass. Dialing a
// disconnected instance, and the commands driveFailover and driftReconcile
// send, run synchronously inside this pass.
func (e *Engine) tick(ctx context.Context) {
	now := e.clock.Now()
	e.drainAsync(now)
	e.drainHello(now)
	e.checkTilt(now)

	for _, p := range e.registry.Masters {
		e.tickInstance(ctx, p, now)

		if !e.registry.Tilt {
			e.maybeStartElection(p, now)
			if p.FailoverState != FailoverNone {
				e.driveFailover(ctx, p, e.infoPeriod, e.pingPeriod, now)
			} else {
				e.driftReconcile(ctx, p, e.publishPeriod, now)
			}
		}

		for _, r := range p.Replicas {
			e.tickInstance(ctx, r, now)
		}
		for _, s := range p.Sentinels {
			e.tickSupervisor(ctx, s, now)
		}
	}

	e.registry.PreviousTickTime = now
}

// checkTilt: a Δ outside [0, 2s] between consecutive ticks enters TILT;
// TILT exits automatically after 30 * ping_period.
func (e *Engine) checkTilt(now time.Time) {
	if !e.registry.PreviousTickTime.IsZero() {
		delta := now.Sub(e.registry.PreviousTickTime)
		if delta < 0 || delta > 2*time.Second {
			if !e.registry.Tilt {
				e.registry.EnterTilt(now)
				e.bus.Emit(Event{Type: EventTiltEnter, Detail: delta.String()})
			}
		}
	}
	if e.registry.Tilt && now.Sub(e.registry.TiltStartTime) > 30*e.pingPeriod {
		e.registry.ExitTilt()
		e.bus.Emit(Event{Type: EventTiltExit})
	}
}

// tickInstance drives the client-pool cadence for one PRIMARY or REPLICA
// Instance: dial if needed, enforce the reconnection policy, then dispatch
// PING on cadence, INFO on cadence (accelerated during ODOWN/failover),
// hello-topic subscribe once, and PUBLISH the hello message on cadence.
// Every dispatch is async; the Dial of a disconnected client is not, and
// blocks this pass until it succeeds or fails.
func (e *Engine) tickInstance(ctx context.Context, in *Instance, now time.Time) {
	client := e.clientFor(in)
	if !client.Connected() {
		if err := client.Dial(ctx); err != nil {
			in.Flags |= FlagDisconnected
			return
		}
		in.ConnectedSince = now
	}
	in.Flags &^= FlagDisconnected

	e.enforceReconnectPolicy(client, in, now)

	pingDue := now.Sub(in.LastPongReceived) > minDuration(downAfterOrDefault(in), e.pingPeriod)
	if pingDue {
		e.dispatchPing(client, in)
	}

	infoPeriod := e.infoPeriod
	owner := e.ownerOf(in)
	if owner != nil && (owner.Flags.Has(FlagODown) || owner.Flags.Has(FlagFailoverInProgress)) {
		infoPeriod = time.Second
	}
	if now.Sub(in.InfoRefreshAt) > infoPeriod {
		e.dispatchInfo(client, in)
	}

	if !in.HelloSubscribed {
		e.dispatchSubscribe(client, in)
	}

	if now.Sub(in.LastPubSent) > e.publishPeriod {
		e.dispatchPublish(client, in)
	}

	if !e.registry.Tilt {
		e.checkSDown(in, downAfterOrDefault(in), e.infoPeriod, now)
		if owner != nil {
			e.checkOdown(owner, now)
		}
	}
}

// tickSupervisor drives the cadence for a peer SUPERVISOR: PING only, no
// INFO, no PUBLISH.
func (e *Engine) tickSupervisor(ctx context.Context, s *Instance, now time.Time) {
	client := e.clientFor(s)
	if !client.Connected() {
		if err := client.Dial(ctx); err != nil {
			s.Flags |= FlagDisconnected
			return
		}
		s.ConnectedSince = now
	}
	s.Flags &^= FlagDisconnected

	if now.Sub(s.LastPongReceived) > minDuration(1*time.Second, e.pingPeriod) {
		e.dispatchPing(client, s)
	}
}

// enforceReconnectPolicy tears a channel down once it looks stuck, forcing
// a fresh Dial (and, for hello, a fresh Subscribe) on a later tick: the
// command channel once it has been open at least reconnectMinimum with an
// outstanding ping overdue by more than half of down_after_period, the
// hello channel once it has gone idle for 3x the publish period.
func (e *Engine) enforceReconnectPolicy(client InstanceClient, in *Instance, now time.Time) {
	if !in.ConnectedSince.IsZero() &&
		now.Sub(in.ConnectedSince) >= reconnectMinimum &&
		now.Sub(in.LastPongReceived) > downAfterOrDefault(in)/2 {
		_ = client.CloseCommand()
		in.ConnectedSince = time.Time{}
		in.Flags |= FlagDisconnected
	}

	if in.HelloSubscribed && !in.LastHelloReceived.IsZero() &&
		now.Sub(in.LastHelloReceived) >= 3*e.publishPeriod {
		_ = client.CloseHello()
		in.HelloSubscribed = false
	}
}

func (e *Engine) dispatchPing(client InstanceClient, in *Instance) {
	key := in.Addr.Key()
	e.dispatch(in, func(ctx context.Context) asyncResult {
		err := client.Ping(ctx)
		return asyncResult{kind: opPing, instKey: key, err: err}
	})
}

func (e *Engine) dispatchInfo(client InstanceClient, in *Instance) {
	key := in.Addr.Key()
	e.dispatch(in, func(ctx context.Context) asyncResult {
		body, err := client.Info(ctx)
		return asyncResult{kind: opInfo, instKey: key, infoBody: body, err: err}
	})
}

func (e *Engine) dispatchPublish(client InstanceClient, in *Instance) {
	key := in.Addr.Key()
	payload := e.helloFor(in).Encode()
	e.dispatch(in, func(ctx context.Context) asyncResult {
		err := client.Publish(ctx, helloTopic(), payload)
		return asyncResult{kind: opPublish, instKey: key, err: err}
	})
}

// dispatchSubscribe opens in's hello-topic subscription; each delivered
// payload is tagged with in's key and forwarded onto the shared helloIn
// channel so drainHello can both record per-channel activity and feed the
// payload into hello-bus processing.
func (e *Engine) dispatchSubscribe(client InstanceClient, in *Instance) {
	key := in.Addr.Key()
	raw := make(chan string, 16)
	hub := e.helloIn
	go func() {
		for payload := range raw {
			select {
			case hub <- helloEnvelope{instKey: key, payload: payload}:
			default:
			}
		}
	}()
	e.dispatch(in, func(ctx context.Context) asyncResult {
		err := client.Subscribe(ctx, helloTopic(), raw)
		return asyncResult{kind: opSubscribe, instKey: key, err: err}
	})
}

func downAfterOrDefault(in *Instance) time.Duration {
	if in.DownAfterPeriod > 0 {
		return in.DownAfterPeriod
	}
	return 30 * time.Second
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// ownerOf returns the PRIMARY Instance that owns in (in itself, if in is
// already a PRIMARY).
func (e *Engine) ownerOf(in *Instance) *Instance {
	if in.RoleKind == RolePrimary {
		return in
	}
	for _, p := range e.registry.Masters {
		if _, ok := p.Replicas[in.Addr.Key()]; ok {
			return p
		}
	}
	return nil
}

// helloTopic is the single fixed pub/sub channel name every supervisor
// publishes its hello message on and subscribes to, shared across every
// monitored primary rather than namespaced per primary.
func helloTopic() string {
	return "__sentinel__:hello"
}

// helloFor builds the hello payload describing in's own address and its
// view of the primary it belongs to.
func (e *Engine) helloFor(in *Instance) HelloMessage {
	owner := e.ownerOf(in)
	msg := HelloMessage{
		IP:           in.Addr.Host,
		Port:         in.Addr.Port,
		RunID:        e.registry.RunID,
		CurrentEpoch: e.registry.CurrentEpoch,
	}
	if owner != nil {
		msg.MasterName = owner.Name
		msg.MasterIP = owner.Addr.Host
		msg.MasterPort = owner.Addr.Port
		msg.MasterConfigEpoch = owner.ConfigEpoch
	}
	return msg
}
