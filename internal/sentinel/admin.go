package sentinel

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// The admin command surface, implemented as plain Engine methods; the
// RESP-facing dispatch that calls these lives in internal/server.

var ErrUnknownMaster = errors.New("sentinel: no such master")
var ErrMasterExists = errors.New("sentinel: master already monitored")

// Monitor implements "SENTINEL MONITOR <name> <ip> <port> <quorum>".
func (e *Engine) Monitor(name string, addr Addr, quorum int) (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.registry.Masters[name]; exists {
		return nil, ErrMasterExists
	}
	p := e.registry.Monitor(name, addr, quorum, e.clock.Now())
	e.emitEvent(p, Event{Type: EventMonitor, Detail: addr.Key()})
	if err := e.persist(); err != nil {
		return nil, err
	}
	return p, nil
}

// Remove implements "SENTINEL REMOVE <name>".
func (e *Engine) Remove(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.registry.Masters[name]
	if !ok {
		return ErrUnknownMaster
	}
	e.registry.Remove(name)
	e.emitEvent(p, Event{Type: EventUnmonitor, Detail: name})
	return e.persist()
}

// Set implements "SENTINEL SET <name> <option> <value>".
func (e *Engine) Set(name, option, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.registry.Masters[name]
	if !ok {
		return ErrUnknownMaster
	}
	switch option {
	case "down-after-milliseconds":
		ms, err := parseMillis(value)
		if err != nil {
			return err
		}
		p.DownAfterPeriod = time.Duration(ms) * time.Millisecond
	case "failover-timeout":
		ms, err := parseMillis(value)
		if err != nil {
			return err
		}
		p.FailoverTimeout = time.Duration(ms) * time.Millisecond
	case "parallel-syncs":
		n, ok := parseIntArg(value)
		if !ok {
			return errors.Wrap(ErrProtocolViolation, "parallel-syncs: not an integer")
		}
		p.ParallelSyncs = n
	case "quorum":
		n, ok := parseIntArg(value)
		if !ok {
			return errors.Wrap(ErrProtocolViolation, "quorum: not an integer")
		}
		p.Quorum = n
	case "notification-script":
		p.NotificationPath = value
	case "client-reconfig-script":
		p.ClientReconfigPath = value
	case "auth-pass":
		// accepted, not echoed back by Rewrite (see persistence.go)
	default:
		return errors.Wrapf(ErrProtocolViolation, "unknown option %q", option)
	}
	return e.persist()
}

// Reset implements "SENTINEL RESET <pattern>": clears soft state
// (flags, failover progress) on every master whose name matches the glob.
func (e *Engine) Reset(pattern string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	re := globToRegexp(pattern)
	count := 0
	for name, p := range e.registry.Masters {
		if re != nil && !re.MatchString(name) {
			continue
		}
		p.Flags = FlagDisconnected
		p.FailoverState = FailoverNone
		p.FailoverEpoch = 0
		p.FailoverStartTime = time.Time{}
		p.PromotedReplica = ""
		p.SDownSince = time.Time{}
		p.ODownSince = time.Time{}
		count++
	}
	return count
}

// Failover implements "SENTINEL FAILOVER <name>": forces a failover with
// FORCE_FAILOVER set, bypassing both the ODOWN precondition and the vote:
// this supervisor records itself as leader of a fresh epoch and the state
// machine starts at SELECT_REPLICA.
func (e *Engine) Failover(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.registry.Masters[name]
	if !ok {
		return ErrUnknownMaster
	}
	if p.Flags.Has(FlagFailoverInProgress) {
		return errors.New("sentinel: failover already in progress")
	}
	p.Flags |= FlagForceFailover | FlagFailoverInProgress
	p.FailoverStartTime = e.clock.Now()
	p.FailoverEpoch = e.registry.NextEpoch()
	p.LeaderRunID = e.registry.RunID
	p.LeaderEpoch = p.FailoverEpoch
	p.FailoverState = FailoverSelectReplica
	return e.persist()
}

// GetMasterAddrByName implements "SENTINEL GET-MASTER-ADDR-BY-NAME <name>".
func (e *Engine) GetMasterAddrByName(name string) (Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.registry.Masters[name]
	if !ok {
		return Addr{}, ErrUnknownMaster
	}
	return p.Addr, nil
}

// Masters implements "SENTINEL MASTERS"/"SENTINEL MASTER <name>".
func (e *Engine) Masters() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Instance, 0, len(e.registry.Masters))
	for _, p := range e.registry.Masters {
		out = append(out, p)
	}
	return out
}

func (e *Engine) Master(name string) (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.registry.Masters[name]
	if !ok {
		return nil, ErrUnknownMaster
	}
	return p, nil
}

// Replicas implements "SENTINEL REPLICAS <name>" / legacy "SLAVES".
func (e *Engine) Replicas(name string) ([]*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.registry.Masters[name]
	if !ok {
		return nil, ErrUnknownMaster
	}
	out := make([]*Instance, 0, len(p.Replicas))
	for _, r := range p.Replicas {
		out = append(out, r)
	}
	return out, nil
}

// Sentinels implements "SENTINEL SENTINELS <name>".
func (e *Engine) Sentinels(name string) ([]*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.registry.Masters[name]
	if !ok {
		return nil, ErrUnknownMaster
	}
	out := make([]*Instance, 0, len(p.Sentinels))
	for _, s := range p.Sentinels {
		out = append(out, s)
	}
	return out, nil
}

// IsMasterDownByAddr implements "SENTINEL IS-MASTER-DOWN-BY-ADDR <ip> <port>
// <req_epoch> <req_runid>" as received from a peer supervisor. The primary
// is identified by address, not name, since the caller may not know (or
// agree on) the locally-assigned master name.
func (e *Engine) IsMasterDownByAddr(host string, port int, reqEpoch int64, reqRunID string) (voteGranted bool, leaderRunID string, leaderEpoch int64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if port <= 0 || port > 65535 {
		return false, "", 0, errors.Wrap(ErrProtocolViolation, "bad address")
	}
	// Never resolve DNS from a wire-supplied address: the caller already
	// knows this ip:port from its own hello/INFO view.
	addr := fieldAddr(host, port)
	p := e.masterByAddrLocked(addr)
	if p == nil {
		return false, "", 0, ErrUnknownMaster
	}
	granted, lrid, lepoch := e.HandleVoteRPC(p, reqEpoch, reqRunID, e.clock.Now())
	return granted, lrid, lepoch, nil
}

// masterByAddrLocked looks up the PRIMARY currently bound to addr. Caller
// must hold e.mu.
func (e *Engine) masterByAddrLocked(addr Addr) *Instance {
	for _, p := range e.registry.Masters {
		if p.Addr.Equal(addr) {
			return p
		}
	}
	return nil
}

func parseMillis(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrap(ErrProtocolViolation, "not an integer")
	}
	return n, nil
}

func parseIntArg(s string) (int, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return int(n), err == nil
}
