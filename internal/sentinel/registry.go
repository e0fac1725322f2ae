package sentinel

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Registry is the supervisor singleton: current epoch, masters, and TILT
// fields, threaded explicitly through the reactor rather than held as
// package-level global state.
type Registry struct {
	CurrentEpoch int64
	Masters      map[string]*Instance // name -> PRIMARY Instance

	Tilt          bool
	TiltStartTime time.Time

	PreviousTickTime time.Time
	HZ               time.Duration

	RunID string // this supervisor's own 40-hex identity

	log *logrus.Entry
}

// NewRegistry builds an empty Registry. hz is randomized by the caller
// (engine construction) within a narrow band so peer supervisors don't
// tick in lockstep.
func NewRegistry(runID string, hz time.Duration, log *logrus.Entry) *Registry {
	return &Registry{
		Masters: make(map[string]*Instance),
		HZ:      hz,
		RunID:   runID,
		log:     log,
	}
}

// Monitor registers a new primary (admin MONITOR, or config load).
// Duplicate names are rejected by the caller (admin.go); Registry itself
// just installs the Instance.
func (r *Registry) Monitor(name string, addr Addr, quorum int, now time.Time) *Instance {
	m := NewPrimary(name, addr, quorum, now)
	r.Masters[name] = m
	return m
}

// Remove drops a primary and its whole owned subtree (admin REMOVE).
func (r *Registry) Remove(name string) bool {
	if _, ok := r.Masters[name]; !ok {
		return false
	}
	delete(r.Masters, name)
	return true
}

// BumpEpoch raises CurrentEpoch to at least the given value: a Lamport
// clock updated by max-of-observed across peers on every RPC and hello.
func (r *Registry) BumpEpoch(observed int64) {
	if observed > r.CurrentEpoch {
		r.CurrentEpoch = observed
	}
}

// NextEpoch increments and returns the new current epoch, used when this
// supervisor itself starts an election.
func (r *Registry) NextEpoch() int64 {
	r.CurrentEpoch++
	return r.CurrentEpoch
}

// EnterTilt marks the start of TILT mode.
func (r *Registry) EnterTilt(now time.Time) {
	if !r.Tilt {
		r.Tilt = true
		r.TiltStartTime = now
	}
}

// ExitTilt clears TILT mode.
func (r *Registry) ExitTilt() {
	r.Tilt = false
	r.TiltStartTime = time.Time{}
}

// tiltDeadline reports when TILT should automatically clear: a fixed
// period of 30x the ping period after it started.
func (r *Registry) tiltDeadline(pingPeriod time.Duration) time.Time {
	return r.TiltStartTime.Add(30 * pingPeriod)
}
