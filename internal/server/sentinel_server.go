package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"sentinel/internal/protocol"
	"sentinel/internal/sentinel"
)

// SentinelServer is the RESP-facing listener wrapping an Engine: it speaks
// the Sentinel wire protocol and delegates every decision to the engine.
// The Accept/handleConnection/Shutdown lifecycle runs independently of
// monitoring: the election and failover logic live entirely inside the
// engine's own reactor tick instead of a per-connection goroutine.
type SentinelServer struct {
	config   *SentinelConfig
	engine   *sentinel.Engine
	listener net.Listener

	connections     sync.Map
	connIDCounter   atomic.Int64
	activeConnCount atomic.Int64
	wg              sync.WaitGroup
	shutdownChan    chan struct{}
	mu              sync.RWMutex
	isShutdown      bool

	log *logrus.Entry
}

// NewSentinelServer builds a server around a freshly-constructed Engine,
// seeding it with cfg.Seeds (the --master-* command-line flags).
func NewSentinelServer(cfg *SentinelConfig, log *logrus.Entry) (*SentinelServer, error) {
	if cfg == nil {
		cfg = DefaultSentinelConfig()
	}
	metrics := sentinel.NewMetrics(nil)
	eng, err := sentinel.NewEngine(cfg.ConfigPath, cfg.HZ, log, metrics, nil)
	if err != nil {
		return nil, fmt.Errorf("construct engine: %w", err)
	}

	for _, seed := range cfg.Seeds {
		addr, err := sentinel.ParseAddr(seed.Host, seed.Port)
		if err != nil {
			log.WithError(err).Warnf("skipping bad seed %s", seed.Name)
			continue
		}
		if _, err := eng.Monitor(seed.Name, addr, seed.Quorum); err != nil {
			// A master already loaded from the config file keeps its
			// persisted timeouts.
			if err != sentinel.ErrMasterExists {
				log.WithError(err).Warnf("failed to seed monitor %s", seed.Name)
			}
			continue
		}
		if seed.DownAfterMillis > 0 {
			if err := eng.Set(seed.Name, "down-after-milliseconds", strconv.FormatInt(seed.DownAfterMillis, 10)); err != nil {
				log.WithError(err).Warnf("failed to set down-after-milliseconds for %s", seed.Name)
			}
		}
		if seed.FailoverMillis > 0 {
			if err := eng.Set(seed.Name, "failover-timeout", strconv.FormatInt(seed.FailoverMillis, 10)); err != nil {
				log.WithError(err).Warnf("failed to set failover-timeout for %s", seed.Name)
			}
		}
	}

	log.Infof("sentinel listening config: host=%s port=%d config=%s", cfg.Host, cfg.Port, cfg.ConfigPath)

	return &SentinelServer{
		config:       cfg,
		engine:       eng,
		shutdownChan: make(chan struct{}),
		log:          log,
	}, nil
}

// Start binds the listener, launches the engine's reactor, and blocks
// until ctx is cancelled.
func (s *SentinelServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	s.listener = listener
	s.log.Infof("Sentinel server listening on %s", addr)

	s.engine.Start(ctx)
	go s.acceptConnections(ctx)

	<-ctx.Done()
	return nil
}

func (s *SentinelServer) acceptConnections(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownChan:
			return
		default:
			conn, err := s.listener.Accept()
			if err != nil {
				s.mu.RLock()
				shutdown := s.isShutdown
				s.mu.RUnlock()
				if shutdown {
					return
				}
				s.log.WithError(err).Warn("error accepting connection")
				continue
			}

			if s.activeConnCount.Load() >= int64(s.config.MaxConnections) {
				s.log.Warnf("max connections reached, rejecting %s", conn.RemoteAddr())
				conn.Close()
				continue
			}

			s.wg.Add(1)
			go s.handleConnection(ctx, conn)
		}
	}
}

func (s *SentinelServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	connID := s.connIDCounter.Add(1)
	s.activeConnCount.Add(1)
	defer s.activeConnCount.Add(-1)

	s.connections.Store(connID, conn)
	defer s.connections.Delete(connID)
	defer conn.Close()

	s.log.Debugf("new sentinel connection [%d] from %s", connID, conn.RemoteAddr())
	s.handleSentinelProtocol(ctx, conn)
}

// Shutdown gracefully stops the listener, the engine reactor, and every
// open connection.
func (s *SentinelServer) Shutdown() {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.isShutdown = true
	s.mu.Unlock()

	s.log.Info("initiating sentinel shutdown")
	close(s.shutdownChan)

	if s.listener != nil {
		s.listener.Close()
	}

	s.connections.Range(func(key, value interface{}) bool {
		if conn, ok := value.(net.Conn); ok {
			conn.Close()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all sentinel connections closed gracefully")
	case <-time.After(5 * time.Second):
		s.log.Warn("shutdown timeout reached, forcing exit")
	}

	s.engine.Stop()
	s.log.Info("sentinel server shutdown complete")
}

func (s *SentinelServer) handleSentinelProtocol(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownChan:
			return
		default:
			conn.SetReadDeadline(time.Now().Add(30 * time.Second))
			cmd, err := protocol.ParseCommand(reader)
			if err != nil {
				return
			}
			conn.Write(s.executeSentinelCommand(cmd))
		}
	}
}

func (s *SentinelServer) executeSentinelCommand(cmd *protocol.Command) []byte {
	if len(cmd.Args) == 0 {
		return protocol.EncodeError("ERR no command provided")
	}
	switch strings.ToUpper(cmd.Args[0]) {
	case "PING":
		return protocol.EncodeSimpleString("PONG")
	case "SENTINEL":
		if len(cmd.Args) < 2 {
			return protocol.EncodeError("ERR wrong number of arguments for 'sentinel' command")
		}
		return s.handleSentinelCommand(cmd.Args[1:])
	default:
		return protocol.EncodeError(fmt.Sprintf("ERR unknown command '%s'", cmd.Args[0]))
	}
}

// handleSentinelCommand dispatches every "SENTINEL <sub>" admin command to
// its handler.
func (s *SentinelServer) handleSentinelCommand(args []string) []byte {
	if len(args) == 0 {
		return protocol.EncodeError("ERR wrong number of arguments for 'sentinel' command")
	}
	sub := strings.ToUpper(args[0])
	rest := args[1:]

	switch sub {
	case "MONITOR":
		return s.handleMonitor(rest)
	case "REMOVE":
		return s.handleRemove(rest)
	case "SET":
		return s.handleSet(rest)
	case "RESET":
		return s.handleReset(rest)
	case "FAILOVER":
		return s.handleFailover(rest)
	case "GET-MASTER-ADDR-BY-NAME":
		return s.handleGetMasterAddrByName(rest)
	case "MASTERS":
		return s.handleMasters()
	case "MASTER":
		return s.handleMaster(rest)
	case "REPLICAS", "SLAVES":
		return s.handleReplicas(rest)
	case "SENTINELS":
		return s.handleSentinels(rest)
	case "IS-MASTER-DOWN-BY-ADDR":
		return s.handleIsMasterDownByAddr(rest)
	default:
		return protocol.EncodeError(fmt.Sprintf("ERR unknown sentinel subcommand '%s'", sub))
	}
}

func (s *SentinelServer) handleMonitor(args []string) []byte {
	if len(args) != 4 {
		return protocol.EncodeError("ERR wrong number of arguments for 'sentinel monitor' command")
	}
	port, err := strconv.Atoi(args[2])
	if err != nil {
		return protocol.EncodeError("ERR invalid port")
	}
	quorum, err := strconv.Atoi(args[3])
	if err != nil {
		return protocol.EncodeError("ERR invalid quorum")
	}
	addr, err := sentinel.ParseAddr(args[1], port)
	if err != nil {
		return protocol.EncodeError("ERR invalid address")
	}
	if _, err := s.engine.Monitor(args[0], addr, quorum); err != nil {
		return protocol.EncodeError("ERR " + err.Error())
	}
	return protocol.EncodeSimpleString("OK")
}

func (s *SentinelServer) handleRemove(args []string) []byte {
	if len(args) != 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'sentinel remove' command")
	}
	if err := s.engine.Remove(args[0]); err != nil {
		return protocol.EncodeError("ERR " + err.Error())
	}
	return protocol.EncodeSimpleString("OK")
}

func (s *SentinelServer) handleSet(args []string) []byte {
	if len(args) != 3 {
		return protocol.EncodeError("ERR wrong number of arguments for 'sentinel set' command")
	}
	if err := s.engine.Set(args[0], args[1], args[2]); err != nil {
		return protocol.EncodeError("ERR " + err.Error())
	}
	return protocol.EncodeSimpleString("OK")
}

func (s *SentinelServer) handleReset(args []string) []byte {
	pattern := "*"
	if len(args) == 1 {
		pattern = args[0]
	}
	n := s.engine.Reset(pattern)
	return protocol.EncodeInteger(n)
}

func (s *SentinelServer) handleFailover(args []string) []byte {
	if len(args) != 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'sentinel failover' command")
	}
	if err := s.engine.Failover(args[0]); err != nil {
		return protocol.EncodeError("ERR " + err.Error())
	}
	return protocol.EncodeSimpleString("OK")
}

func (s *SentinelServer) handleGetMasterAddrByName(args []string) []byte {
	if len(args) != 1 {
		return protocol.EncodeError("ERR wrong number of arguments")
	}
	addr, err := s.engine.GetMasterAddrByName(args[0])
	if err != nil {
		return protocol.EncodeNilArray()
	}
	return protocol.EncodeArray([]string{addr.Host, strconv.Itoa(addr.Port)})
}

func (s *SentinelServer) handleMasters() []byte {
	masters := s.engine.Masters()
	rows := make([][]string, 0, len(masters))
	for _, m := range masters {
		rows = append(rows, instanceFields(m))
	}
	return encodeRowsAsInterfaceArray(rows)
}

func (s *SentinelServer) handleMaster(args []string) []byte {
	if len(args) != 1 {
		return protocol.EncodeError("ERR wrong number of arguments")
	}
	m, err := s.engine.Master(args[0])
	if err != nil {
		return protocol.EncodeNilArray()
	}
	return protocol.EncodeArray(instanceFields(m))
}

func (s *SentinelServer) handleReplicas(args []string) []byte {
	if len(args) != 1 {
		return protocol.EncodeError("ERR wrong number of arguments")
	}
	replicas, err := s.engine.Replicas(args[0])
	if err != nil {
		return protocol.EncodeError("ERR " + err.Error())
	}
	rows := make([][]string, 0, len(replicas))
	for _, r := range replicas {
		rows = append(rows, instanceFields(r))
	}
	return encodeRowsAsInterfaceArray(rows)
}

func (s *SentinelServer) handleSentinels(args []string) []byte {
	if len(args) != 1 {
		return protocol.EncodeError("ERR wrong number of arguments")
	}
	peers, err := s.engine.Sentinels(args[0])
	if err != nil {
		return protocol.EncodeError("ERR " + err.Error())
	}
	rows := make([][]string, 0, len(peers))
	for _, p := range peers {
		rows = append(rows, instanceFields(p))
	}
	return encodeRowsAsInterfaceArray(rows)
}

// handleIsMasterDownByAddr answers the peer-to-peer health-check/vote RPC.
func (s *SentinelServer) handleIsMasterDownByAddr(args []string) []byte {
	if len(args) != 4 {
		return protocol.EncodeError("ERR wrong number of arguments")
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return protocol.EncodeError("ERR invalid port")
	}
	epoch, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return protocol.EncodeError("ERR invalid epoch")
	}
	granted, leaderRunID, leaderEpoch, err := s.engine.IsMasterDownByAddr(args[0], port, epoch, args[3])
	if err != nil {
		return protocol.EncodeError("ERR " + err.Error())
	}
	vote := int64(0)
	if granted {
		vote = 1
	}
	return protocol.EncodeInterfaceArray([]interface{}{vote, leaderRunID, leaderEpoch})
}

// instanceFields renders an Instance the way real Sentinel flattens a
// monitored entity into a RESP array of alternating key/value strings.
func instanceFields(in *sentinel.Instance) []string {
	return []string{
		"name", in.Name,
		"ip", in.Addr.Host,
		"port", strconv.Itoa(in.Addr.Port),
		"runid", in.RunID,
		"flags", in.RoleKind.String(),
		"config-epoch", strconv.FormatInt(in.ConfigEpoch, 10),
	}
}

// encodeRowsAsInterfaceArray encodes rows as a RESP array of arrays: each
// row is pre-encoded with EncodeArray, then the whole set wrapped with
// EncodeRawArray, since EncodeInterfaceArray (unlike EncodeRawArray)
// flattens non-string elements instead of nesting them.
func encodeRowsAsInterfaceArray(rows [][]string) []byte {
	encoded := make([][]byte, len(rows))
	for i, row := range rows {
		encoded[i] = protocol.EncodeArray(row)
	}
	return protocol.EncodeRawArray(encoded)
}
