package sentinel

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HelloMessage is the 8-field comma record published every publish_period
// on a PRIMARY/REPLICA's hello topic by every supervisor monitoring it.
type HelloMessage struct {
	IP               string
	Port             int
	RunID            string
	CurrentEpoch     int64
	MasterName       string
	MasterIP         string
	MasterPort       int
	MasterConfigEpoch int64
}

func (h HelloMessage) Encode() string {
	fields := []string{
		h.IP,
		strconv.Itoa(h.Port),
		h.RunID,
		strconv.FormatInt(h.CurrentEpoch, 10),
		h.MasterName,
		h.MasterIP,
		strconv.Itoa(h.MasterPort),
		strconv.FormatInt(h.MasterConfigEpoch, 10),
	}
	return strings.Join(fields, ",")
}

func ParseHello(payload string) (HelloMessage, error) {
	fields := strings.Split(payload, ",")
	if len(fields) != 8 {
		return HelloMessage{}, errors.Wrapf(ErrProtocolViolation, "hello: want 8 fields, got %d", len(fields))
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return HelloMessage{}, errors.Wrap(ErrProtocolViolation, "hello: bad port")
	}
	epoch, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return HelloMessage{}, errors.Wrap(ErrProtocolViolation, "hello: bad current_epoch")
	}
	masterPort, err := strconv.Atoi(fields[6])
	if err != nil {
		return HelloMessage{}, errors.Wrap(ErrProtocolViolation, "hello: bad master_port")
	}
	masterConfigEpoch, err := strconv.ParseInt(fields[7], 10, 64)
	if err != nil {
		return HelloMessage{}, errors.Wrap(ErrProtocolViolation, "hello: bad master_config_epoch")
	}
	return HelloMessage{
		IP:                fields[0],
		Port:              port,
		RunID:             fields[2],
		CurrentEpoch:      epoch,
		MasterName:        fields[4],
		MasterIP:          fields[5],
		MasterPort:        masterPort,
		MasterConfigEpoch: masterConfigEpoch,
	}, nil
}

// processHello applies a received hello message in four steps: discard
// unknown masters, dedup-and-record the sending supervisor, adopt a higher
// epoch if announced, and follow a higher master_config_epoch to a new
// primary address.
func (e *Engine) processHello(msg HelloMessage, now time.Time) error {
	p, ok := e.registry.Masters[msg.MasterName]
	if !ok {
		return nil // step 1: unknown master_name -> discard
	}

	if msg.Port <= 0 || msg.Port > 65535 {
		return errors.Wrap(ErrProtocolViolation, "hello: bad sender address")
	}
	addr := fieldAddr(msg.IP, msg.Port)
	e.dedupAndAddSentinel(p, addr, msg.RunID, now)

	if msg.CurrentEpoch > e.registry.CurrentEpoch {
		e.registry.BumpEpoch(msg.CurrentEpoch)
		e.emitEvent(p, Event{Type: EventNewEpoch, Detail: strconv.FormatInt(msg.CurrentEpoch, 10)})
	}

	if msg.MasterConfigEpoch > p.ConfigEpoch {
		advertised := fieldAddr(msg.MasterIP, msg.MasterPort)
		validPort := msg.MasterPort > 0 && msg.MasterPort <= 65535
		if validPort && !advertised.Equal(p.Addr) {
			e.addressSwitch(p, advertised, msg.MasterConfigEpoch, now)
		} else {
			p.ConfigEpoch = msg.MasterConfigEpoch
		}
	}
	return e.persist()
}

// dedupAndAddSentinel evicts any partial match (same host:port OR same
// runid but not both) before installing the new SUPERVISOR Instance, so a
// supervisor that redials from a new port never leaves a stale duplicate
// entry behind.
func (e *Engine) dedupAndAddSentinel(p *Instance, addr Addr, runID string, now time.Time) {
	for key, s := range p.Sentinels {
		if key == addr.Key() && s.RunID == runID {
			s.LastHelloReceived = now
			return
		}
		if key == addr.Key() || s.RunID == runID {
			delete(p.Sentinels, key)
			e.emitEvent(p, Event{Type: EventDupSentinel, Detail: key})
		}
	}
	peer := NewSupervisorPeer(addr, runID, now)
	peer.LastHelloReceived = now
	p.Sentinels[addr.Key()] = peer
	e.emitEvent(p, Event{Type: EventSentinel, Detail: addr.Key()})
}

// addressSwitch is how a non-leader supervisor learns of a completed
// failover: rebuild the replica set (old primary becomes a replica, new
// primary's address takes over) and reset soft state.
func (e *Engine) addressSwitch(p *Instance, newAddr Addr, newConfigEpoch int64, now time.Time) {
	oldAddr := p.Addr
	newReplicas := make(map[string]*Instance, len(p.Replicas)+1)
	for key, r := range p.Replicas {
		if r.Addr.Equal(newAddr) {
			continue
		}
		newReplicas[key] = r
	}
	if !oldAddr.Equal(newAddr) {
		oldAsReplica := NewReplica(oldAddr, now)
		newReplicas[oldAddr.Key()] = oldAsReplica
	}

	p.Addr = newAddr
	p.Replicas = newReplicas
	p.ConfigEpoch = newConfigEpoch
	p.FailoverState = FailoverNone
	p.FailoverEpoch = 0
	p.FailoverStartTime = time.Time{}
	p.PromotedReplica = ""
	p.Flags &^= FlagFailoverInProgress | FlagSDown | FlagODown | FlagPromoted
	p.SDownSince = time.Time{}
	p.ODownSince = time.Time{}
	p.ReconfState = make(map[string]ReplicaReconfState)
	p.ReconfSentAt = make(map[string]time.Time)

	e.emitEvent(p, Event{Type: EventSwitchMaster, Detail: oldAddr.Key() + " " + newAddr.Key()})
}
