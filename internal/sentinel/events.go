package sentinel

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// EventType enumerates the typed events this package emits. The string
// value is also the pub/sub topic name subscribers receive it on, the
// EventsTotal metric label, and the key into eventSeverity.
type EventType string

const (
	EventSDownEnter          EventType = "+sdown"
	EventSDownExit           EventType = "-sdown"
	EventODownEnter          EventType = "+odown"
	EventODownExit           EventType = "-odown"
	EventNewEpoch            EventType = "+new-epoch"
	EventVoteForLeader       EventType = "+vote-for-leader"
	EventElectedLeader       EventType = "+elected-leader"
	EventFailoverState       EventType = "+failover-state-change"
	EventPromotedSlave       EventType = "+promoted-slave"
	EventSlaveReconfSent     EventType = "+slave-reconf-sent"
	EventSlaveReconfInProg   EventType = "+slave-reconf-inprog"
	EventSlaveReconfDone     EventType = "+slave-reconf-done"
	EventSlaveReconfTimeout  EventType = "-slave-reconf-timeout"
	EventSwitchMaster        EventType = "+switch-master"
	EventTiltEnter           EventType = "+tilt"
	EventTiltExit            EventType = "-tilt"
	EventReboot              EventType = "+reboot"
	EventSlave               EventType = "+slave"
	EventSentinel            EventType = "+sentinel"
	EventDupSentinel         EventType = "-dup-sentinel"
	EventMonitor             EventType = "+monitor"
	EventUnmonitor           EventType = "-monitor"
	EventFailoverAbortNoGood EventType = "-failover-abort-no-good-slave"
	EventRoleChange          EventType = "-role-change"
	EventScriptError         EventType = "-script-error"
	EventScriptTimeout       EventType = "-script-timeout"
)

// Severity controls both the log level an event is written at and whether
// it schedules the notification script: on WARNING-level events, the
// configured notification script is scheduled.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
)

var eventSeverity = map[EventType]Severity{
	EventSDownEnter:          SeverityWarning,
	EventSDownExit:           SeverityInfo,
	EventODownEnter:          SeverityWarning,
	EventODownExit:           SeverityInfo,
	EventNewEpoch:            SeverityWarning,
	EventVoteForLeader:       SeverityWarning,
	EventElectedLeader:       SeverityWarning,
	EventFailoverState:       SeverityInfo,
	EventPromotedSlave:       SeverityWarning,
	EventSlaveReconfSent:     SeverityInfo,
	EventSlaveReconfInProg:   SeverityInfo,
	EventSlaveReconfDone:     SeverityInfo,
	EventSlaveReconfTimeout:  SeverityWarning,
	EventSwitchMaster:        SeverityWarning,
	EventTiltEnter:           SeverityWarning,
	EventTiltExit:            SeverityInfo,
	EventReboot:              SeverityWarning,
	EventSlave:               SeverityInfo,
	EventSentinel:            SeverityInfo,
	EventDupSentinel:         SeverityWarning,
	EventMonitor:             SeverityInfo,
	EventUnmonitor:           SeverityInfo,
	EventFailoverAbortNoGood: SeverityWarning,
	EventRoleChange:          SeverityWarning,
	EventScriptError:         SeverityWarning,
	EventScriptTimeout:       SeverityWarning,
}

// Event is one material state transition, formatted the way real Sentinel
// formats its pub/sub hello-bus event payloads: a master name followed by
// free-form detail fields.
type Event struct {
	Type    EventType
	Master  string
	Detail  string
}

func (e Event) String() string {
	if e.Master == "" {
		return fmt.Sprintf("%s %s", e.Type, e.Detail)
	}
	return fmt.Sprintf("%s %s %s", e.Type, e.Master, e.Detail)
}

// ScriptHook is the seam a configured notification script is scheduled
// through; the fork/exec reaper behind it is out of scope here. The
// default implementation only logs.
type ScriptHook interface {
	Notify(e Event, scriptPath string)
}

// LoggingScriptHook is the default ScriptHook: it logs that a script would
// have run, without executing anything.
type LoggingScriptHook struct {
	Log *logrus.Entry
}

func (h LoggingScriptHook) Notify(e Event, scriptPath string) {
	if scriptPath == "" {
		return
	}
	h.Log.WithFields(logrus.Fields{
		"event":  e.Type,
		"script": scriptPath,
	}).Warn("notification script scheduled (script-exec subsystem not built)")
}

// eventSubscriber is one admin connection subscribed to event topics:
// pattern-trie glob matching and channel-per-subscriber fan-out, narrowed
// to EventBus's own needs instead of generic data-plane pub/sub.
type eventSubscriber struct {
	id string
	ch chan Event
}

// patternTrieNode/patternTrie index EventBus subscription patterns
// ("+*", "-odown", "*") by literal prefix, the same prefix-trie lookup a
// PSUBSCRIBE-style pub/sub uses for arbitrary channel names.
type patternTrieNode struct {
	children map[byte]*patternTrieNode
	patterns []string
}

type patternTrie struct {
	root *patternTrieNode
}

func newPatternTrie() *patternTrie {
	return &patternTrie{root: &patternTrieNode{children: map[byte]*patternTrieNode{}}}
}

func (t *patternTrie) insert(pattern string) {
	node := t.root
	prefixLen := 0
	for prefixLen < len(pattern) && pattern[prefixLen] != '*' && pattern[prefixLen] != '?' {
		prefixLen++
	}
	for i := 0; i < prefixLen; i++ {
		c := pattern[i]
		if node.children[c] == nil {
			node.children[c] = &patternTrieNode{children: map[byte]*patternTrieNode{}}
		}
		node = node.children[c]
	}
	node.patterns = append(node.patterns, pattern)
}

func (t *patternTrie) remove(pattern string) {
	node := t.root
	prefixLen := 0
	for prefixLen < len(pattern) && pattern[prefixLen] != '*' && pattern[prefixLen] != '?' {
		prefixLen++
	}
	for i := 0; i < prefixLen; i++ {
		c := pattern[i]
		if node.children[c] == nil {
			return
		}
		node = node.children[c]
	}
	for i, p := range node.patterns {
		if p == pattern {
			node.patterns = append(node.patterns[:i], node.patterns[i+1:]...)
			return
		}
	}
}

func (t *patternTrie) candidates(topic string) []string {
	out := append([]string{}, t.root.patterns...)
	node := t.root
	for i := 0; i < len(topic); i++ {
		next := node.children[topic[i]]
		if next == nil {
			break
		}
		node = next
		out = append(out, node.patterns...)
	}
	return out
}

func globToRegexp(pattern string) *regexp.Regexp {
	esc := regexp.QuoteMeta(pattern)
	esc = strings.ReplaceAll(esc, `\*`, ".*")
	esc = strings.ReplaceAll(esc, `\?`, ".")
	re, err := regexp.Compile("^" + esc + "$")
	if err != nil {
		return nil
	}
	return re
}

// EventBus is where every material state change is (a) logged at its
// severity and (b) published to a topic equal to its event type, which
// local subscribers (the admin listener's PSUBSCRIBE clients) and the
// ScriptHook both observe.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]*eventSubscriber
	patternSubs map[string]map[string]*eventSubscriber
	trie        *patternTrie
	compiled    map[string]*regexp.Regexp

	log     *logrus.Entry
	hook    ScriptHook
	metrics *Metrics
}

func NewEventBus(log *logrus.Entry, hook ScriptHook, metrics *Metrics) *EventBus {
	return &EventBus{
		subscribers: make(map[string]*eventSubscriber),
		patternSubs: make(map[string]map[string]*eventSubscriber),
		trie:        newPatternTrie(),
		compiled:    make(map[string]*regexp.Regexp),
		log:         log,
		hook:        hook,
		metrics:     metrics,
	}
}

// PSubscribe registers an admin connection against a glob pattern over
// event-type topics (mirrors real Sentinel's "__sentinel__:hello"-adjacent
// pub/sub surface, e.g. "+*" for every "+"-prefixed event type).
func (b *EventBus) PSubscribe(id string, pattern string, buf int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		sub = &eventSubscriber{id: id, ch: make(chan Event, buf)}
		b.subscribers[id] = sub
	}
	if b.patternSubs[pattern] == nil {
		b.patternSubs[pattern] = make(map[string]*eventSubscriber)
		b.trie.insert(pattern)
		b.compiled[pattern] = globToRegexp(pattern)
	}
	b.patternSubs[pattern][id] = sub
	return sub.ch
}

func (b *EventBus) PUnsubscribe(id string, pattern string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.patternSubs[pattern]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.patternSubs, pattern)
			b.trie.remove(pattern)
			delete(b.compiled, pattern)
		}
	}
}

func (b *EventBus) RemoveSubscriber(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for pattern, subs := range b.patternSubs {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.patternSubs, pattern)
			b.trie.remove(pattern)
			delete(b.compiled, pattern)
		}
	}
	delete(b.subscribers, id)
}

// Emit logs, counts, and fans out e. Fan-out is fire-and-forget per spec
// §1's non-goal on hello-bus delivery guarantees: a full subscriber buffer
// drops the event rather than blocking the reactor.
func (b *EventBus) Emit(e Event) {
	sev := eventSeverity[e.Type]
	entry := b.log.WithFields(logrus.Fields{"master": e.Master, "detail": e.Detail})
	switch sev {
	case SeverityWarning:
		entry.Warn(string(e.Type))
	case SeverityInfo:
		entry.Info(string(e.Type))
	default:
		entry.Debug(string(e.Type))
	}
	if b.metrics != nil {
		b.metrics.EventsTotal.WithLabelValues(string(e.Type)).Inc()
	}

	b.mu.RLock()
	topic := string(e.Type)
	candidates := b.trie.candidates(topic)
	var targets []*eventSubscriber
	seen := map[string]bool{}
	for _, pattern := range candidates {
		re := b.compiled[pattern]
		if re == nil || !re.MatchString(topic) {
			continue
		}
		for id, sub := range b.patternSubs[pattern] {
			if !seen[id] {
				seen[id] = true
				targets = append(targets, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- e:
		default:
		}
	}

	if sev == SeverityWarning {
		b.scheduleScript(e)
	}
}

func (b *EventBus) scheduleScript(e Event) {
	// The actual script path lookup belongs to the caller (Engine has the
	// Instance's NotificationPath); Emit is kept ignorant of Instance so
	// this file doesn't import the rest of the engine. Engine wraps Emit
	// for primaries that carry a script path; see engine.go's emitEvent.
	_ = e
}

// Metrics is the ambient prometheus instrumentation of the supervisor
// process itself (SPEC_FULL.md's "Metrics" ambient-stack entry), grounded
// in prometheus-alertmanager's cluster.Peer counters.
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	SDownTransitions   prometheus.Counter
	ODownTransitions   prometheus.Counter
	ElectionsStarted   prometheus.Counter
	ElectionsWon       prometheus.Counter
	FailoversCompleted prometheus.Counter
	ConfigWrites       prometheus.Counter
	ConfigWriteErrors  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_events_total",
			Help: "Count of typed Sentinel events emitted, by event type.",
		}, []string{"type"}),
		SDownTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_sdown_transitions_total",
			Help: "Count of subjective-down entries across all monitored instances.",
		}),
		ODownTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_odown_transitions_total",
			Help: "Count of objective-down confirmations across all monitored primaries.",
		}),
		ElectionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_elections_started_total",
			Help: "Count of leader elections this supervisor initiated.",
		}),
		ElectionsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_elections_won_total",
			Help: "Count of leader elections this supervisor won.",
		}),
		FailoversCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_failovers_completed_total",
			Help: "Count of failovers this supervisor drove to completion.",
		}),
		ConfigWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_config_writes_total",
			Help: "Count of successful config-file rewrites.",
		}),
		ConfigWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_config_write_errors_total",
			Help: "Count of fatal config-file write/fsync failures.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsTotal, m.SDownTransitions, m.ODownTransitions,
			m.ElectionsStarted, m.ElectionsWon, m.FailoversCompleted,
			m.ConfigWrites, m.ConfigWriteErrors,
		)
	}
	return m
}
