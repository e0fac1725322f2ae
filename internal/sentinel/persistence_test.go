package sentinel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigStore_RewriteThenLoadRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.conf")
	store := NewConfigStore(path)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := NewRegistry("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 100*time.Millisecond, nil)
	reg.CurrentEpoch = 9
	reg.PreviousTickTime = now

	addr := MustParseAddr("10.0.0.1", 6379)
	p := reg.Monitor("mymaster", addr, 2, now)
	p.ConfigEpoch = 3
	p.LeaderEpoch = 3
	p.ParallelSyncs = 4
	p.DownAfterPeriod = 45 * time.Second
	p.FailoverTimeout = 2 * time.Minute

	replicaAddr := MustParseAddr("10.0.0.2", 6380)
	p.Replicas[replicaAddr.Key()] = NewReplica(replicaAddr, now)

	peerAddr := MustParseAddr("10.0.0.10", 26379)
	p.Sentinels[peerAddr.Key()] = NewSupervisorPeer(peerAddr, "peer-runid", now)

	require.NoError(t, store.Rewrite(reg))

	reloaded := NewRegistry("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", 100*time.Millisecond, nil)
	reloaded.PreviousTickTime = now
	require.NoError(t, store.LoadInto(reloaded))

	require.EqualValues(t, 9, reloaded.CurrentEpoch)
	rp, ok := reloaded.Masters["mymaster"]
	require.True(t, ok)
	require.True(t, rp.Addr.Equal(addr))
	require.Equal(t, 2, rp.Quorum)
	require.EqualValues(t, 3, rp.ConfigEpoch)
	require.EqualValues(t, 3, rp.LeaderEpoch)
	require.Equal(t, 4, rp.ParallelSyncs)
	require.Equal(t, 45*time.Second, rp.DownAfterPeriod)
	require.Equal(t, 2*time.Minute, rp.FailoverTimeout)
	require.Len(t, rp.Replicas, 1)
	_, replicaFound := rp.Replicas[replicaAddr.Key()]
	require.True(t, replicaFound)
	require.Len(t, rp.Sentinels, 1)
	require.Equal(t, "peer-runid", rp.Sentinels[peerAddr.Key()].RunID)
}

func TestConfigStore_LoadInto_MissingFileIsNotError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := NewConfigStore(filepath.Join(dir, "does-not-exist.conf"))
	reg := NewRegistry("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 100*time.Millisecond, nil)
	require.NoError(t, store.LoadInto(reg))
	require.Empty(t, reg.Masters)
}

func TestConfigStore_Rewrite_NoLeftoverTempFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.conf")
	store := NewConfigStore(path)
	reg := NewRegistry("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 100*time.Millisecond, nil)

	require.NoError(t, store.Rewrite(reg))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "sentinel.conf", entries[0].Name())
}

func TestConfigStore_LoadInto_RejectsMalformedMonitorLine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.conf")
	require.NoError(t, os.WriteFile(path, []byte("sentinel monitor mymaster not-a-port 2\n"), 0o644))

	store := NewConfigStore(path)
	reg := NewRegistry("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 100*time.Millisecond, nil)
	err := store.LoadInto(reg)
	require.Error(t, err)
}
