package sentinel

import (
	"strconv"
	"strings"
	"time"
)

// InfoReport is the parsed subset of an INFO replication reply that
// matters to this engine: run_id, role, master_link_down_since_seconds,
// and slave<N> entries, as a typed report instead of ad hoc string
// splitting at every call site.
type InfoReport struct {
	RunID              string
	Role               RoleKind
	MasterHost         string
	MasterPort         int
	MasterLinkUp       bool
	MasterLinkDownSecs int64
	SlavePriority      int
	SlaveReplOffset    int64
	Slaves             []Addr
}

// ParseInfoReplication parses the body of an "INFO replication" reply.
// Unknown/malformed lines are skipped rather than treated as fatal, so a
// single unexpected field never aborts the whole report.
func ParseInfoReplication(body string) InfoReport {
	r := InfoReport{Role: RoleReplica, MasterLinkUp: true}
	lines := strings.Split(body, "\n")
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch {
		case k == "run_id":
			r.RunID = v
		case k == "role":
			if v == "master" {
				r.Role = RolePrimary
			} else {
				r.Role = RoleReplica
			}
		case k == "master_host":
			r.MasterHost = v
		case k == "master_port":
			if p, err := strconv.Atoi(v); err == nil {
				r.MasterPort = p
			}
		case k == "master_link_status":
			r.MasterLinkUp = v == "up"
		case k == "master_link_down_since_seconds":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				r.MasterLinkDownSecs = n
			}
		case k == "slave_priority":
			if n, err := strconv.Atoi(v); err == nil {
				r.SlavePriority = n
			}
		case k == "slave_repl_offset", k == "master_repl_offset":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				r.SlaveReplOffset = n
			}
		case strings.HasPrefix(k, "slave") && strings.HasSuffix(k, ""):
			if addr, ok := parseSlaveField(k, v); ok {
				r.Slaves = append(r.Slaves, addr)
			}
		}
	}
	return r
}

// parseSlaveField parses a "slave0:ip=10.0.0.2,port=6380,..." field into an
// Addr. Returns ok=false for any key that isn't actually a slaveN field
// (e.g. "slave_priority" also has the "slave" prefix).
func parseSlaveField(key, value string) (Addr, bool) {
	if key == "slave_priority" || key == "slave_repl_offset" || key == "slave_read_only" {
		return Addr{}, false
	}
	if !strings.HasPrefix(key, "slave") {
		return Addr{}, false
	}
	rest := key[len("slave"):]
	for _, c := range rest {
		if c < '0' || c > '9' {
			return Addr{}, false
		}
	}
	var host string
	var port int
	for _, field := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch k {
		case "ip":
			host = v
		case "port":
			if p, err := strconv.Atoi(v); err == nil {
				port = p
			}
		}
	}
	if host == "" || port == 0 {
		return Addr{}, false
	}
	return fieldAddr(host, port), true
}

// applyInfo folds a freshly-parsed InfoReport into in, the Instance it was
// fetched from, discovering new replicas under a PRIMARY and detecting
// restarts via run_id change: a different run_id than last seen means the
// process behind this address was restarted.
//
// Returns the addresses of any newly-discovered replicas, so the caller
// can emit "+slave" events and persist.
func (e *Engine) applyInfo(in *Instance, report InfoReport, now time.Time) []Addr {
	restarted := in.RunID != "" && report.RunID != "" && in.RunID != report.RunID
	if report.RunID != "" {
		in.RunID = report.RunID
	}
	if restarted {
		in.Flags |= FlagDisconnected
		e.emitEvent(in, Event{Type: EventReboot, Detail: in.Addr.Key()})
	}

	in.InfoRefreshAt = now
	in.LastAvail = now

	switch in.RoleKind {
	case RolePrimary:
		return e.applyPrimaryInfo(in, report, now)
	case RoleReplica:
		e.applyReplicaInfo(in, report, now)
	}
	return nil
}

func (e *Engine) applyPrimaryInfo(p *Instance, report InfoReport, now time.Time) []Addr {
	if report.Role != RolePrimary {
		if p.RoleReportedAt.IsZero() {
			p.RoleReportedAt = now
		}
	} else {
		p.RoleReportedAt = time.Time{}
	}

	var discovered []Addr
	for _, addr := range report.Slaves {
		if _, ok := p.Replicas[addr.Key()]; ok {
			continue
		}
		p.Replicas[addr.Key()] = NewReplica(addr, now)
		discovered = append(discovered, addr)
	}
	return discovered
}

func (e *Engine) applyReplicaInfo(r *Instance, report InfoReport, now time.Time) {
	if report.Role != RoleReplica {
		if r.RoleReportedAt.IsZero() {
			r.RoleReportedAt = now
		}
	} else {
		r.RoleReportedAt = time.Time{}
	}
	r.ObservedMaster = Addr{}
	if report.MasterHost != "" && report.MasterPort > 0 && report.MasterPort <= 65535 {
		r.ObservedMaster = fieldAddr(report.MasterHost, report.MasterPort)
	}
	r.MasterLinkUp = report.MasterLinkUp
	r.MasterLinkDownMS = report.MasterLinkDownSecs * 1000
	r.SlavePriority = report.SlavePriority
	r.SlaveReplOffset = report.SlaveReplOffset
}

// checkSDown applies the SDOWN edge-trigger rule to a single PRIMARY or
// REPLICA Instance and returns whether the flag changed.
func (e *Engine) checkSDown(in *Instance, downAfter, infoPeriod time.Duration, now time.Time) bool {
	wasDown := in.Flags.Has(FlagSDown)

	unreachable := !in.LastAvail.IsZero() && now.Sub(in.LastAvail) > downAfter
	if in.LastAvail.IsZero() && !in.CTime.IsZero() {
		unreachable = now.Sub(in.CTime) > downAfter
	}

	roleContradiction := false
	if !in.RoleReportedAt.IsZero() {
		roleContradiction = now.Sub(in.RoleReportedAt) > downAfter+2*infoPeriod
	}

	isDown := unreachable || roleContradiction

	switch {
	case isDown && !wasDown:
		in.Flags |= FlagSDown
		in.SDownSince = now
		if e.metrics != nil {
			e.metrics.SDownTransitions.Inc()
		}
		e.emitEvent(in, Event{Type: EventSDownEnter, Detail: in.Addr.Key()})
		return true
	case !isDown && wasDown:
		in.Flags &^= FlagSDown
		in.SDownSince = time.Time{}
		e.emitEvent(in, Event{Type: EventSDownExit, Detail: in.Addr.Key()})
		return true
	}
	return false
}
