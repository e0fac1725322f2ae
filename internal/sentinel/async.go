package sentinel

import (
	"context"
	"time"
)

// asyncExecutor runs a dispatched command body. The production engine
// always uses goroutineExecutor, so a command in flight never blocks the
// reactor; tests use inlineExecutor paired with an explicit drainAsync
// call so a dispatched command's result is applied deterministically
// without depending on goroutine scheduling.
type asyncExecutor interface {
	Go(fn func())
}

type goroutineExecutor struct{}

func (goroutineExecutor) Go(fn func()) { go fn() }

type inlineExecutor struct{}

func (inlineExecutor) Go(fn func()) { fn() }

type asyncOpKind int

const (
	opPing asyncOpKind = iota
	opInfo
	opPublish
	opSubscribe
	opHealthVote
	opElectionVote
)

// asyncResult is the outcome of one dispatched command, applied to
// Instance state by the reactor's own drain step on a later tick — never
// by the goroutine that produced it.
type asyncResult struct {
	kind     asyncOpKind
	instKey  string // Addr.Key() of the instance the command targeted
	at       time.Time
	err      error

	// opInfo
	infoBody string

	// opHealthVote / opElectionVote
	masterKey   string // owning primary's Name
	reqEpoch    int64  // epoch this reply answers (opElectionVote only)
	voteGranted bool
	leaderRunID string
	leaderEpoch int64
}

// dispatch runs op on e.exec, bounded by in's outstanding-command ceiling
// (spec: "a bounded number of outstanding commands is tracked per
// Instance; when it exceeds a fixed ceiling ... skipped for that tick").
// op must not touch Engine or Instance state directly — it returns an
// asyncResult that the reactor applies later, under e.mu, via drainAsync.
func (e *Engine) dispatch(in *Instance, op func(ctx context.Context) asyncResult) bool {
	if in.outstandingCmds >= maxOutstandingCommands {
		return false
	}
	in.outstandingCmds++
	results := e.asyncResults
	e.exec.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		res := op(ctx)
		select {
		case results <- res:
		default:
			// Result buffer saturated: drop it. The next periodic
			// dispatch will simply try again.
		}
	})
	return true
}

// drainAsync applies every asyncResult currently buffered, without
// blocking for more to arrive. This is the one place dispatched command
// outcomes touch Instance/Registry state, keeping every mutation on the
// reactor goroutine (or, in tests, on the calling goroutine) regardless
// of which goroutine actually performed the I/O.
func (e *Engine) drainAsync(now time.Time) {
	for {
		select {
		case res := <-e.asyncResults:
			e.applyAsyncResult(res, now)
		default:
			return
		}
	}
}

func (e *Engine) applyAsyncResult(res asyncResult, now time.Time) {
	in := e.findInstanceByKey(res.instKey)
	if in == nil {
		return
	}
	in.outstandingCmds--
	if in.outstandingCmds < 0 {
		in.outstandingCmds = 0
	}

	switch res.kind {
	case opPing:
		if res.err == nil {
			in.LastPongReceived = now
			in.LastAvail = now
		}

	case opInfo:
		in.InfoRefreshAt = now
		if res.err != nil {
			return
		}
		owner := e.ownerOf(in)
		report := ParseInfoReplication(res.infoBody)
		discovered := e.applyInfo(in, report, now)
		for _, addr := range discovered {
			e.emitEvent(owner, Event{Type: EventSlave, Detail: addr.Key()})
		}
		if len(discovered) > 0 {
			_ = e.persist()
		}

	case opPublish:
		if res.err == nil {
			in.LastPubSent = now
		}

	case opSubscribe:
		if res.err == nil {
			in.HelloSubscribed = true
		}

	case opHealthVote:
		if res.err != nil {
			return
		}
		in.HealthReplyAt = now
		in.HealthDown = res.voteGranted
		if owner := e.registry.Masters[res.masterKey]; owner != nil && res.leaderEpoch > owner.LeaderEpoch {
			owner.LeaderRunID = res.leaderRunID
			owner.LeaderEpoch = res.leaderEpoch
		}

	case opElectionVote:
		if res.err != nil {
			return
		}
		if res.reqEpoch != in.ElectionReqEpoch {
			// Reply to an epoch we've since moved on from; discard so a
			// late answer from a previous attempt is never tallied.
			return
		}
		in.ElectionReplyAt = now
		in.ElectionGranted = res.voteGranted
		in.ElectionLeaderRunID = res.leaderRunID
		in.ElectionLeaderEpoch = res.leaderEpoch
		if owner := e.registry.Masters[res.masterKey]; owner != nil && res.leaderEpoch > owner.LeaderEpoch {
			owner.LeaderRunID = res.leaderRunID
			owner.LeaderEpoch = res.leaderEpoch
		}
	}
}

// helloEnvelope tags a received hello payload with the Addr.Key() of the
// Instance whose pub/sub channel it arrived on, so drainHello can record
// per-channel activity for the reconnection policy's hello-idle check.
type helloEnvelope struct {
	instKey string
	payload string
}

// drainHello applies every hello payload currently buffered, without
// blocking for more to arrive.
func (e *Engine) drainHello(now time.Time) {
	for {
		select {
		case env := <-e.helloIn:
			if in := e.findInstanceByKey(env.instKey); in != nil {
				in.LastHelloReceived = now
			}
			msg, err := ParseHello(env.payload)
			if err != nil {
				continue
			}
			_ = e.processHello(msg, now)
		default:
			return
		}
	}
}
