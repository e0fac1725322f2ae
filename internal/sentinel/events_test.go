package sentinel

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestEventBus(t *testing.T) (*EventBus, *Metrics) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	return NewEventBus(log.WithField("test", t.Name()), LoggingScriptHook{Log: log.WithField("test", t.Name())}, metrics), metrics
}

func TestEventBus_PSubscribeMatchesGlobPattern(t *testing.T) {
	t.Parallel()
	bus, _ := newTestEventBus(t)
	ch := bus.PSubscribe("sub1", "+*", 4)

	bus.Emit(Event{Type: EventSDownEnter, Master: "mymaster"})
	bus.Emit(Event{Type: EventODownExit, Master: "mymaster"})

	select {
	case got := <-ch:
		require.Equal(t, EventSDownEnter, got.Type)
	case <-time.After(time.Second):
		t.Fatal("expected +sdown event on +* subscription")
	}

	select {
	case got := <-ch:
		t.Fatalf("unexpected second delivery for -odown against +*: %v", got)
	default:
	}
}

func TestEventBus_PUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	bus, _ := newTestEventBus(t)
	ch := bus.PSubscribe("sub1", "+odown", 4)
	bus.PUnsubscribe("sub1", "+odown")

	bus.Emit(Event{Type: EventODownEnter, Master: "mymaster"})
	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery after unsubscribe: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_RemoveSubscriberDropsAllPatterns(t *testing.T) {
	t.Parallel()
	bus, _ := newTestEventBus(t)
	ch1 := bus.PSubscribe("sub1", "+*", 4)
	bus.PSubscribe("sub1", "-*", 4)
	bus.RemoveSubscriber("sub1")

	bus.Emit(Event{Type: EventSDownEnter})
	select {
	case got := <-ch1:
		t.Fatalf("unexpected delivery after RemoveSubscriber: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_Emit_IncrementsEventsTotalMetric(t *testing.T) {
	t.Parallel()
	bus, metrics := newTestEventBus(t)
	bus.Emit(Event{Type: EventSwitchMaster, Master: "mymaster", Detail: "10.0.0.1:6379 10.0.0.2:6380"})
	bus.Emit(Event{Type: EventSwitchMaster, Master: "mymaster"})

	require.Equal(t, float64(2), testutil.ToFloat64(metrics.EventsTotal.WithLabelValues(string(EventSwitchMaster))))
}

func TestEventBus_FullBufferDropsRatherThanBlocks(t *testing.T) {
	t.Parallel()
	bus, _ := newTestEventBus(t)
	bus.PSubscribe("sub1", "+*", 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Emit(Event{Type: EventSDownEnter})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber buffer")
	}
}

func TestGlobToRegexp_MatchesWildcardsNotSeparators(t *testing.T) {
	t.Parallel()
	re := globToRegexp("+slave-reconf-*")
	require.True(t, re.MatchString("+slave-reconf-sent"))
	require.True(t, re.MatchString("+slave-reconf-done"))
	require.False(t, re.MatchString("+sdown"))
}
