package sentinel

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ConfigStore persists and reloads the line-oriented config grammar: one
// "sentinel <directive> ..." record per line. Rewrites are atomic (temp
// file + fsync + rename + fsync directory) so a crash mid-write never
// leaves a torn config file behind.
type ConfigStore struct {
	path string
}

func NewConfigStore(path string) *ConfigStore {
	return &ConfigStore{path: path}
}

// Rewrite atomically replaces the config file with the full state of reg.
// Callers must call this before any externally observable action that
// depends on it (vote replies, promotions).
func (s *ConfigStore) Rewrite(reg *Registry) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".sentinel-conf-*.tmp")
	if err != nil {
		return errors.Wrap(ErrFatalPersistence, err.Error())
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "sentinel current-epoch %d\n", reg.CurrentEpoch)

	names := make([]string, 0, len(reg.Masters))
	for name := range reg.Masters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := reg.Masters[name]
		fmt.Fprintf(w, "sentinel monitor %s %s %d %d\n", name, p.Addr.Host, p.Addr.Port, p.Quorum)
		fmt.Fprintf(w, "sentinel down-after-milliseconds %s %d\n", name, p.DownAfterPeriod.Milliseconds())
		fmt.Fprintf(w, "sentinel failover-timeout %s %d\n", name, p.FailoverTimeout.Milliseconds())
		fmt.Fprintf(w, "sentinel parallel-syncs %s %d\n", name, p.ParallelSyncs)
		fmt.Fprintf(w, "sentinel config-epoch %s %d\n", name, p.ConfigEpoch)
		fmt.Fprintf(w, "sentinel leader-epoch %s %d\n", name, p.LeaderEpoch)

		replicaKeys := make([]string, 0, len(p.Replicas))
		for key := range p.Replicas {
			replicaKeys = append(replicaKeys, key)
		}
		sort.Strings(replicaKeys)
		for _, key := range replicaKeys {
			r := p.Replicas[key]
			fmt.Fprintf(w, "sentinel known-slave %s %s %d\n", name, r.Addr.Host, r.Addr.Port)
		}

		sentinelKeys := make([]string, 0, len(p.Sentinels))
		for key := range p.Sentinels {
			sentinelKeys = append(sentinelKeys, key)
		}
		sort.Strings(sentinelKeys)
		for _, key := range sentinelKeys {
			sv := p.Sentinels[key]
			fmt.Fprintf(w, "sentinel known-sentinel %s %s %d %s\n", name, sv.Addr.Host, sv.Addr.Port, sv.RunID)
		}
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		return errors.Wrap(ErrFatalPersistence, err.Error())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(ErrFatalPersistence, err.Error())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(ErrFatalPersistence, err.Error())
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errors.Wrap(ErrFatalPersistence, err.Error())
	}

	dirFile, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(ErrFatalPersistence, err.Error())
	}
	defer dirFile.Close()
	if err := dirFile.Sync(); err != nil {
		return errors.Wrap(ErrFatalPersistence, err.Error())
	}
	return nil
}

// LoadInto parses the on-disk grammar, symmetric with Rewrite, into reg
// (already constructed by the caller via NewRegistry). Missing file is not
// an error: a fresh supervisor starts empty.
func (s *ConfigStore) LoadInto(reg *Registry) error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(ErrFatalPersistence, err.Error())
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "sentinel" {
			continue
		}
		directive := fields[1]
		args := fields[2:]
		if err := applyDirective(reg, directive, args); err != nil {
			return errors.Wrapf(ErrProtocolViolation, "config line %q: %v", line, err)
		}
	}
	return scanner.Err()
}

func applyDirective(reg *Registry, directive string, args []string) error {
	switch directive {
	case "current-epoch":
		if len(args) != 1 {
			return errors.New("want 1 arg")
		}
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return err
		}
		reg.CurrentEpoch = n

	case "monitor":
		if len(args) != 4 {
			return errors.New("want 4 args")
		}
		port, err := strconv.Atoi(args[2])
		if err != nil {
			return err
		}
		quorum, err := strconv.Atoi(args[3])
		if err != nil {
			return err
		}
		addr, err := ParseAddr(args[1], port)
		if err != nil {
			return err
		}
		reg.Masters[args[0]] = NewPrimary(args[0], addr, quorum, reg.PreviousTickTime)

	case "down-after-milliseconds":
		p, err := requireMaster(reg, args, 2)
		if err != nil {
			return err
		}
		ms, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return err
		}
		p.DownAfterPeriod = msDuration(ms)

	case "failover-timeout":
		p, err := requireMaster(reg, args, 2)
		if err != nil {
			return err
		}
		ms, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return err
		}
		p.FailoverTimeout = msDuration(ms)

	case "parallel-syncs":
		p, err := requireMaster(reg, args, 2)
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		p.ParallelSyncs = n

	case "auth-pass":
		// not echoed back by Rewrite; accepted here only for load-compat
		// with hand-authored config files.
		if _, err := requireMaster(reg, args, 2); err != nil {
			return err
		}

	case "config-epoch":
		p, err := requireMaster(reg, args, 2)
		if err != nil {
			return err
		}
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return err
		}
		p.ConfigEpoch = n

	case "leader-epoch":
		p, err := requireMaster(reg, args, 2)
		if err != nil {
			return err
		}
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return err
		}
		p.LeaderEpoch = n

	case "known-slave":
		p, err := requireMaster(reg, args, 3)
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(args[2])
		if err != nil {
			return err
		}
		addr, err := ParseAddr(args[1], port)
		if err != nil {
			return err
		}
		p.Replicas[addr.Key()] = NewReplica(addr, reg.PreviousTickTime)

	case "known-sentinel":
		if len(args) < 3 {
			return errors.New("want at least 3 args")
		}
		p, ok := reg.Masters[args[0]]
		if !ok {
			return errors.Errorf("unknown master %q", args[0])
		}
		port, err := strconv.Atoi(args[2])
		if err != nil {
			return err
		}
		addr, err := ParseAddr(args[1], port)
		if err != nil {
			return err
		}
		runID := ""
		if len(args) >= 4 {
			runID = args[3]
		}
		p.Sentinels[addr.Key()] = NewSupervisorPeer(addr, runID, reg.PreviousTickTime)

	default:
		// unknown directive: ignore for forward-compatibility
	}
	return nil
}

func requireMaster(reg *Registry, args []string, minLen int) (*Instance, error) {
	if len(args) < minLen {
		return nil, errors.New("too few args")
	}
	p, ok := reg.Masters[args[0]]
	if !ok {
		return nil, errors.Errorf("unknown master %q", args[0])
	}
	return p, nil
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
