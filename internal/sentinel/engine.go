package sentinel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Engine is the supervisor process: a Registry, a client pool, an event
// bus, and a config store wired to a single cooperative tick loop that
// owns every monitored primary.
type Engine struct {
	mu sync.Mutex

	registry *Registry
	store    *ConfigStore
	bus      *EventBus
	metrics  *Metrics
	hook     ScriptHook
	clock    Clock
	exec     asyncExecutor
	log      *logrus.Entry

	clients map[string]InstanceClient // Addr.Key() -> client

	pingPeriod    time.Duration
	infoPeriod    time.Duration
	publishPeriod time.Duration

	// asyncResults receives the outcome of every dispatched command once
	// it completes; the reactor only ever reads this channel, it never
	// waits on it. helloIn receives raw hello-bus payloads pushed by each
	// subscribed client's background reader.
	asyncResults chan asyncResult
	helloIn      chan helloEnvelope

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewEngine builds an Engine with a freshly generated run ID and an empty
// Registry, then loads persisted state from configPath if present.
func NewEngine(configPath string, hz time.Duration, log *logrus.Entry, metrics *Metrics, hook ScriptHook) (*Engine, error) {
	runID, err := newRunID()
	if err != nil {
		return nil, err
	}
	// Stretch the tick interval by a random 0-10% so supervisors started
	// with the same setting do not tick in lockstep.
	if hz > 0 {
		hz += time.Duration(mrand.Int63n(int64(hz)/10 + 1))
	}
	reg := NewRegistry(runID, hz, log)
	store := NewConfigStore(configPath)
	if err := store.LoadInto(reg); err != nil {
		return nil, err
	}

	if hook == nil {
		hook = LoggingScriptHook{Log: log}
	}
	bus := NewEventBus(log, hook, metrics)

	e := &Engine{
		registry:      reg,
		store:         store,
		bus:           bus,
		metrics:       metrics,
		hook:          hook,
		clock:         SystemClock{},
		exec:          goroutineExecutor{},
		log:           log,
		clients:       make(map[string]InstanceClient),
		pingPeriod:    1 * time.Second,
		infoPeriod:    10 * time.Second,
		publishPeriod: 2 * time.Second,
		asyncResults:  make(chan asyncResult, 256),
		helloIn:       make(chan helloEnvelope, 256),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	return e, nil
}

// newRunID generates a raw 40-hex identity, the format real Sentinel/Redis
// both use for run_id — not a UUID.
func newRunID() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (e *Engine) persist() error {
	if err := e.store.Rewrite(e.registry); err != nil {
		if e.metrics != nil {
			e.metrics.ConfigWriteErrors.Inc()
		}
		e.log.WithError(err).Error("config rewrite failed")
		return err
	}
	if e.metrics != nil {
		e.metrics.ConfigWrites.Inc()
	}
	return nil
}

func (e *Engine) emitEvent(in *Instance, ev Event) {
	if ev.Master == "" && in != nil {
		ev.Master = in.Name
	}
	e.bus.Emit(ev)
	if in != nil && ev.Type == eventSeverityKeyOf(ev) && in.NotificationPath != "" {
		e.hook.Notify(ev, in.NotificationPath)
	}
}

// eventSeverityKeyOf exists only so emitEvent's WARNING-gate reads clearly
// at the call site; the actual severity table lives in events.go.
func eventSeverityKeyOf(ev Event) EventType {
	if eventSeverity[ev.Type] == SeverityWarning {
		return ev.Type
	}
	return ""
}

// clientFor lazily creates the InstanceClient for in, tagging it
// "supervisor-<first8 of runid>-<cmd|pubsub>".
func (e *Engine) clientFor(in *Instance) InstanceClient {
	key := in.Addr.Key()
	if c, ok := e.clients[key]; ok {
		return c
	}
	tag := "supervisor-" + firstN(e.registry.RunID, 8)
	needsPubSub := in.RoleKind == RolePrimary || in.RoleKind == RoleReplica
	c := NewRadixInstanceClient(in.Addr, "", tag, needsPubSub)
	e.clients[key] = c
	return c
}

// InjectClient installs c as the InstanceClient for addr, bypassing the
// radix dialer. Exported (rather than test-only) so other packages'
// integration tests can drive the engine without a real Redis process.
func (e *Engine) InjectClient(addr Addr, c InstanceClient) {
	e.clients[addr.Key()] = c
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// findInstanceByKey locates the Instance owning key, searching primaries,
// their replicas, and their known peer supervisors.
func (e *Engine) findInstanceByKey(key string) *Instance {
	for _, p := range e.registry.Masters {
		if p.Addr.Key() == key {
			return p
		}
		if r, ok := p.Replicas[key]; ok {
			return r
		}
		if s, ok := p.Sentinels[key]; ok {
			return s
		}
	}
	return nil
}

// Start launches the reactor goroutine and returns immediately.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop signals the reactor to exit and waits for it to finish its current
// tick.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)
	interval := e.registry.HZ
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			e.tick(ctx)
			e.mu.Unlock()
		}
	}
}

// Monitor, Remove, and the rest of the admin surface are implemented in
// admin.go; they take e.mu to stay consistent with the reactor tick.
