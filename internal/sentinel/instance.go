package sentinel

import (
	"time"
)

// RoleKind is the authoritative kind of a monitored or peer entity.
type RoleKind int

const (
	RolePrimary RoleKind = iota
	RoleReplica
	RoleSupervisor
)

func (r RoleKind) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	case RoleSupervisor:
		return "supervisor"
	default:
		return "unknown"
	}
}

// Flag is additive per-instance state, orthogonal to RoleKind.
type Flag uint32

const (
	FlagDisconnected Flag = 1 << iota
	FlagHandshake
	FlagSDown
	FlagODown
	FlagMasterDownVote
	FlagFailoverInProgress
	FlagPromoted
	FlagReconfSent
	FlagReconfInProgress
	FlagReconfDone
	FlagForceFailover
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// FailoverState is the state machine position for a monitored primary.
type FailoverState int

const (
	FailoverNone FailoverState = iota
	FailoverWaitStart
	FailoverSelectReplica
	FailoverSendPromote
	FailoverWaitPromotion
	FailoverReconfReplicas
	FailoverUpdateConfig
)

func (s FailoverState) String() string {
	switch s {
	case FailoverNone:
		return "none"
	case FailoverWaitStart:
		return "wait-start"
	case FailoverSelectReplica:
		return "select-replica"
	case FailoverSendPromote:
		return "send-promote"
	case FailoverWaitPromotion:
		return "wait-promotion"
	case FailoverReconfReplicas:
		return "reconf-replicas"
	case FailoverUpdateConfig:
		return "update-config"
	default:
		return "unknown"
	}
}

// ReplicaReconfState tracks one replica's progress through the replica
// reconfiguration sub-machine (SENT -> INPROG -> DONE).
type ReplicaReconfState int

const (
	ReconfIdle ReplicaReconfState = iota
	ReconfSent
	ReconfInProgress
	ReconfDone
)

// Instance is a monitored peer: a primary, a replica of some primary, or a
// peer supervisor. Mutable fields are changed while Engine.mu is held, by
// the reactor tick and by the admin methods in admin.go; Registry methods
// do no locking of their own.
type Instance struct {
	RoleKind RoleKind
	Name     string // user-assigned for primaries; host:port for replicas/supervisors
	RunID    string // 40-hex; empty until first INFO/hello reply
	Addr     Addr

	ConfigEpoch int64 // monotonic; authoritative topology stamp for a PRIMARY

	Flags Flag

	CTime             time.Time
	LastPingSent      time.Time
	LastPongReceived  time.Time
	LastAvail         time.Time
	LastPubSent       time.Time
	LastHelloReceived time.Time
	SDownSince        time.Time
	ODownSince        time.Time
	RoleReportedAt    time.Time
	InfoRefreshAt     time.Time

	// Replication view, populated for RoleReplica.
	MasterLinkDownMS int64
	SlavePriority    int
	SlaveReplOffset  int64
	ObservedMaster   Addr
	MasterLinkUp     bool

	// Failover state, populated for RolePrimary.
	Quorum            int
	ParallelSyncs      int
	DownAfterPeriod   time.Duration
	FailoverTimeout   time.Duration
	FailoverState     FailoverState
	FailoverEpoch     int64
	FailoverStartTime time.Time
	PromotedReplica   string // Addr.Key() of the replica chosen this attempt
	LeaderRunID       string
	LeaderEpoch       int64

	// Owned sub-registries, populated for RolePrimary; keyed by Addr.Key().
	Replicas   map[string]*Instance
	Sentinels  map[string]*Instance

	// Per-replica reconfiguration bookkeeping, populated for RolePrimary,
	// keyed by replica Addr.Key().
	ReconfState     map[string]ReplicaReconfState
	ReconfSentAt    map[string]time.Time

	NotificationPath     string
	ClientReconfigPath   string

	// Outstanding-command bookkeeping for the client pool: a bounded number
	// of outstanding commands is tracked per Instance.
	outstandingCmds int

	// Channel lifecycle, for the reconnection policy: the command channel
	// is torn down once it has been open a while with no reply; the hello
	// channel (populated for RolePrimary/RoleReplica only) is torn down
	// once it has gone idle.
	ConnectedSince  time.Time
	HelloSubscribed bool

	// Health-check reply most recently received from this peer (populated
	// for RoleSupervisor): the answer to an IS-MASTER-DOWN-BY-ADDR asked
	// with req_runid="*".
	HealthReplyAt time.Time
	HealthDown    bool

	// Election-vote reply most recently received from this peer
	// (populated for RoleSupervisor), keyed to the epoch it answers so a
	// stale reply from an earlier attempt is never counted twice.
	ElectionReqEpoch    int64
	ElectionReplyAt     time.Time
	ElectionGranted     bool
	ElectionLeaderRunID string
	ElectionLeaderEpoch int64
}

const maxOutstandingCommands = 8

// reconnectMinimum is the shortest a command channel may stay open before
// an overdue ping is allowed to tear it down.
const reconnectMinimum = 15 * time.Second

// NewPrimary constructs a freshly-MONITORed primary. Owned sub-registries
// are initialized empty; replicas/sentinels are discovered lazily.
func NewPrimary(name string, addr Addr, quorum int, now time.Time) *Instance {
	return &Instance{
		RoleKind:        RolePrimary,
		Name:            name,
		Addr:            addr,
		CTime:           now,
		Quorum:          quorum,
		ParallelSyncs:   1,
		DownAfterPeriod: 30 * time.Second,
		FailoverTimeout: 180 * time.Second,
		Replicas:        make(map[string]*Instance),
		Sentinels:       make(map[string]*Instance),
		ReconfState:     make(map[string]ReplicaReconfState),
		ReconfSentAt:    make(map[string]time.Time),
		Flags:           FlagDisconnected,
	}
}

// NewReplica constructs a replica instance discovered under a primary, via
// INFO parsing.
func NewReplica(addr Addr, now time.Time) *Instance {
	return &Instance{
		RoleKind: RoleReplica,
		Name:     addr.Key(),
		Addr:     addr,
		CTime:    now,
		Flags:    FlagDisconnected,
	}
}

// NewSupervisorPeer constructs a peer supervisor instance discovered via
// the hello bus.
func NewSupervisorPeer(addr Addr, runID string, now time.Time) *Instance {
	return &Instance{
		RoleKind: RoleSupervisor,
		Name:     addr.Key(),
		RunID:    runID,
		Addr:     addr,
		CTime:    now,
		Flags:    FlagDisconnected,
	}
}

// cloneReplicaAddrSet returns the Addr of every currently-known replica.
// It has no caller in this package.
func (in *Instance) cloneReplicaAddrSet() []Addr {
	out := make([]Addr, 0, len(in.Replicas))
	for _, r := range in.Replicas {
		out = append(out, r.Addr)
	}
	return out
}

