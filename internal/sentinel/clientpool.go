package sentinel

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mediocregopher/radix/v4"
	"github.com/pkg/errors"
)

// InstanceClient is the per-Instance transport: a command channel for
// request/response probes and control commands, and a pub/sub channel for
// the hello bus. Every method here performs at most one network round
// trip. Ping, Info, Publish, Subscribe and IsMasterDownByAddr are invoked
// from their own goroutine via Engine.dispatch, so a slow peer does not
// stall the tick loop on them. Dial and the failover and drift-correction
// commands (SlaveOf, SlaveOfNoOne, ConfigRewrite) are called directly from
// the reactor tick and block it for the length of their round trip.
type InstanceClient interface {
	// Dial opens the command channel (and, for roles that need it, the
	// pub/sub channel) if not already open.
	Dial(ctx context.Context) error

	// Connected reports whether the channels this role requires are live.
	Connected() bool

	Ping(ctx context.Context) error
	Info(ctx context.Context) (string, error)
	SlaveOf(ctx context.Context, host string, port int) error
	SlaveOfNoOne(ctx context.Context) error
	ConfigRewrite(ctx context.Context) error
	ScriptKill(ctx context.Context) error

	// Subscribe opens the hello topic on the pub/sub channel, delivering
	// payloads to out as they arrive on a background reader; it does not
	// block waiting for messages.
	Subscribe(ctx context.Context, topic string, out chan<- string) error
	Publish(ctx context.Context, topic, payload string) error

	// IsMasterDownByAddr issues the vote RPC and returns the peer's
	// (voteGranted, leaderRunID, leaderEpoch).
	IsMasterDownByAddr(ctx context.Context, host string, port int, epoch int64, runID string) (voteGranted bool, leaderRunID string, leaderEpoch int64, err error)

	// CloseCommand tears down only the command channel, so the next Dial
	// reconnects it without disturbing an already-open pub/sub channel.
	CloseCommand() error
	// CloseHello tears down only the pub/sub channel, so the next
	// Dial+Subscribe re-establishes it without disturbing the command
	// channel.
	CloseHello() error

	Close() error
}

// radixInstanceClient is the production InstanceClient, backed by
// radix/v4's Conn (command channel) and PubSubConn (pub/sub channel). AUTH
// and CLIENT SETNAME tagging happen once per dial.
type radixInstanceClient struct {
	addr     Addr
	authPass string
	tag      string // supervisor-<first8 of runid>-cmd / -pubsub

	needsPubSub bool

	mu     sync.Mutex // serializes cc.Do across concurrently-dispatched commands
	cc     radix.Conn
	pc     radix.PubSubConn
	pcSubs map[string]chan<- string
}

// NewRadixInstanceClient builds a client for addr. tag is the stable
// connection name ("supervisor-<first8 of runid>-<cmd|pubsub>").
func NewRadixInstanceClient(addr Addr, authPass, tag string, needsPubSub bool) InstanceClient {
	return &radixInstanceClient{
		addr:        addr,
		authPass:    authPass,
		tag:         tag,
		needsPubSub: needsPubSub,
		pcSubs:      make(map[string]chan<- string),
	}
}

func (c *radixInstanceClient) Dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cc == nil {
		conn, err := (radix.Dialer{}).Dial(ctx, "tcp", c.addr.Key())
		if err != nil {
			return wrapTransient(err, "dial command channel")
		}
		if c.authPass != "" {
			if err := conn.Do(ctx, radix.Cmd(nil, "AUTH", c.authPass)); err != nil {
				conn.Close()
				return wrapTransient(err, "auth command channel")
			}
		}
		if err := conn.Do(ctx, radix.Cmd(nil, "CLIENT", "SETNAME", c.tag+"-cmd")); err != nil {
			conn.Close()
			return wrapTransient(err, "tag command channel")
		}
		c.cc = conn
	}

	if c.needsPubSub && c.pc == nil {
		pc, err := radix.PersistentPubSubConn(ctx, "", "", radix.PersistentPubSubConnFunc(
			func(ctx context.Context, network, addr string) (radix.Conn, error) {
				conn, err := (radix.Dialer{}).Dial(ctx, network, c.addr.Key())
				if err != nil {
					return nil, err
				}
				if c.authPass != "" {
					if err := conn.Do(ctx, radix.Cmd(nil, "AUTH", c.authPass)); err != nil {
						conn.Close()
						return nil, err
					}
				}
				if err := conn.Do(ctx, radix.Cmd(nil, "CLIENT", "SETNAME", c.tag+"-pubsub")); err != nil {
					conn.Close()
					return nil, err
				}
				return conn, nil
			}))
		if err != nil {
			return wrapTransient(err, "dial pubsub channel")
		}
		c.pc = pc
	}
	return nil
}

func (c *radixInstanceClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return false
	}
	if c.needsPubSub && c.pc == nil {
		return false
	}
	return true
}

func (c *radixInstanceClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return ErrTransientNetwork
	}
	var reply string
	if err := c.cc.Do(ctx, radix.Cmd(&reply, "PING")); err != nil {
		return wrapTransient(err, "ping")
	}
	return nil
}

func (c *radixInstanceClient) Info(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return "", ErrTransientNetwork
	}
	var reply string
	if err := c.cc.Do(ctx, radix.Cmd(&reply, "INFO", "replication")); err != nil {
		return "", wrapTransient(err, "info")
	}
	return reply, nil
}

func (c *radixInstanceClient) SlaveOf(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return ErrTransientNetwork
	}
	if err := c.cc.Do(ctx, radix.FlatCmd(nil, "SLAVEOF", host, port)); err != nil {
		return wrapTransient(err, "slaveof")
	}
	return nil
}

func (c *radixInstanceClient) SlaveOfNoOne(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return ErrTransientNetwork
	}
	if err := c.cc.Do(ctx, radix.Cmd(nil, "SLAVEOF", "NO", "ONE")); err != nil {
		return wrapTransient(err, "slaveof no one")
	}
	return nil
}

func (c *radixInstanceClient) ConfigRewrite(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return ErrTransientNetwork
	}
	if err := c.cc.Do(ctx, radix.Cmd(nil, "CONFIG", "REWRITE")); err != nil {
		return wrapTransient(err, "config rewrite")
	}
	return nil
}

func (c *radixInstanceClient) ScriptKill(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return ErrTransientNetwork
	}
	if err := c.cc.Do(ctx, radix.Cmd(nil, "SCRIPT", "KILL")); err != nil {
		return wrapTransient(err, "script kill")
	}
	return nil
}

func (c *radixInstanceClient) Subscribe(ctx context.Context, topic string, out chan<- string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc == nil {
		return ErrTransientNetwork
	}
	msgCh := make(chan radix.PubSubMessage, 16)
	if err := c.pc.Subscribe(ctx, msgCh, topic); err != nil {
		return wrapTransient(err, "subscribe hello topic")
	}
	c.pcSubs[topic] = out
	go func() {
		for msg := range msgCh {
			select {
			case out <- string(msg.Message):
			default:
			}
		}
	}()
	return nil
}

func (c *radixInstanceClient) Publish(ctx context.Context, topic, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return ErrTransientNetwork
	}
	if err := c.cc.Do(ctx, radix.FlatCmd(nil, "PUBLISH", topic, payload)); err != nil {
		return wrapTransient(err, "publish hello")
	}
	return nil
}

// IsMasterDownByAddr issues "SENTINEL IS-MASTER-DOWN-BY-ADDR", using
// req_runid="*" for a pure health-check cross-check and a real run_id when
// soliciting an election vote.
func (c *radixInstanceClient) IsMasterDownByAddr(ctx context.Context, host string, port int, epoch int64, runID string) (bool, string, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return false, "", 0, ErrTransientNetwork
	}
	var reply []interface{}
	err := c.cc.Do(ctx, radix.Cmd(&reply, "SENTINEL", "IS-MASTER-DOWN-BY-ADDR",
		host, strconv.Itoa(port), strconv.FormatInt(epoch, 10), runID))
	if err != nil {
		return false, "", 0, wrapTransient(err, "is-master-down-by-addr")
	}
	if len(reply) != 3 {
		return false, "", 0, errors.Wrap(ErrProtocolViolation, "is-master-down-by-addr: want 3-element array")
	}
	voteGranted, ok := toInt64(reply[0])
	if !ok {
		return false, "", 0, errors.Wrap(ErrProtocolViolation, "is-master-down-by-addr: non-integer vote")
	}
	leaderRunID, _ := toString(reply[1])
	leaderEpoch, ok := toInt64(reply[2])
	if !ok {
		return false, "", 0, errors.Wrap(ErrProtocolViolation, "is-master-down-by-addr: non-integer epoch")
	}
	return voteGranted != 0, leaderRunID, leaderEpoch, nil
}

func (c *radixInstanceClient) CloseCommand() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return nil
	}
	err := c.cc.Close()
	c.cc = nil
	return err
}

func (c *radixInstanceClient) CloseHello() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc == nil {
		return nil
	}
	c.pc.Close()
	c.pc = nil
	delete(c.pcSubs, helloTopic())
	return nil
}

func (c *radixInstanceClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	if c.cc != nil {
		if err := c.cc.Close(); err != nil {
			firstErr = err
		}
		c.cc = nil
	}
	if c.pc != nil {
		c.pc.Close()
		c.pc = nil
	}
	return firstErr
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case []byte:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func toString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case []byte:
		return string(s), true
	case string:
		return s, true
	case nil:
		return "", true
	default:
		return "", false
	}
}

// dialTimeout bounds how long any single dispatched command may run
// before it is abandoned and treated as transient.
const dialTimeout = 2 * time.Second
