package sentinel

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *FakeClock) {
	t.Helper()
	dir := t.TempDir()
	clock := NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	entry := log.WithField("test", t.Name())

	e, err := NewEngine(dir+"/sentinel.conf", 100*time.Millisecond, entry, nil, nil)
	require.NoError(t, err)
	e.clock = clock
	e.exec = inlineExecutor{}
	return e, clock
}

func TestParseInfoReplication_Primary(t *testing.T) {
	t.Parallel()
	body := "# Replication\r\nrole:master\r\nconnected_slaves:1\r\nslave0:ip=10.0.0.2,port=6380,state=online,offset=100,lag=0\r\nmaster_repl_offset:100\r\n"
	report := ParseInfoReplication(body)
	require.Equal(t, RolePrimary, report.Role)
	require.Len(t, report.Slaves, 1)
	require.Equal(t, "10.0.0.2", report.Slaves[0].Host)
	require.Equal(t, 6380, report.Slaves[0].Port)
}

func TestParseInfoReplication_Replica(t *testing.T) {
	t.Parallel()
	body := "role:slave\r\nmaster_host:10.0.0.1\r\nmaster_port:6379\r\nmaster_link_status:up\r\nslave_priority:100\r\nslave_repl_offset:42\r\n"
	report := ParseInfoReplication(body)
	require.Equal(t, RoleReplica, report.Role)
	require.Equal(t, "10.0.0.1", report.MasterHost)
	require.Equal(t, 6379, report.MasterPort)
	require.True(t, report.MasterLinkUp)
	require.Equal(t, 100, report.SlavePriority)
	require.EqualValues(t, 42, report.SlaveReplOffset)
}

func TestCheckSDown_EdgeTriggered(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	addr := MustParseAddr("10.0.0.1", 6379)
	p := e.registry.Monitor("mymaster", addr, 2, clock.Now())
	p.LastAvail = clock.Now()

	changed := e.checkSDown(p, 30*time.Second, 10*time.Second, clock.Now())
	require.False(t, changed)
	require.False(t, p.Flags.Has(FlagSDown))

	clock.Advance(31 * time.Second)
	changed = e.checkSDown(p, 30*time.Second, 10*time.Second, clock.Now())
	require.True(t, changed)
	require.True(t, p.Flags.Has(FlagSDown))

	// re-checking without state change reports no further transition
	changed = e.checkSDown(p, 30*time.Second, 10*time.Second, clock.Now())
	require.False(t, changed)

	p.LastAvail = clock.Now()
	changed = e.checkSDown(p, 30*time.Second, 10*time.Second, clock.Now())
	require.True(t, changed)
	require.False(t, p.Flags.Has(FlagSDown))
}

func TestApplyInfo_DiscoversReplicaAndDetectsRestart(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	addr := MustParseAddr("10.0.0.1", 6379)
	p := e.registry.Monitor("mymaster", addr, 2, clock.Now())
	p.RunID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	report := InfoReport{
		RunID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Role:  RolePrimary,
		Slaves: []Addr{
			MustParseAddr("10.0.0.2", 6380),
		},
	}
	discovered := e.applyInfo(p, report, clock.Now())
	require.Len(t, discovered, 1)
	require.Len(t, p.Replicas, 1)

	restartedReport := report
	restartedReport.RunID = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	restartedReport.Slaves = nil
	// NewPrimary starts the instance DISCONNECTED; clear it so only restart
	// detection can set it again.
	p.Flags &^= FlagDisconnected
	e.applyInfo(p, restartedReport, clock.Now())
	require.Equal(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", p.RunID)
	require.True(t, p.Flags.Has(FlagDisconnected))
}
