package sentinel

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Addr is a resolved host/port pair. Hosts are resolved once, at ingest
// time (config load or MONITOR/hello discovery); nothing on the reactor
// path performs DNS lookups.
type Addr struct {
	Host string
	IP   net.IP
	Port int
}

// ParseAddr splits and resolves a "host:port" or separate host/port pair.
// Resolution failure is returned to the caller; at config-ingest time that
// is a hard error, at runtime discovery time the caller treats it as soft
// (the instance is kept, marked unreachable).
func ParseAddr(host string, port int) (Addr, error) {
	if port <= 0 || port > 65535 {
		return Addr{}, errors.Errorf("invalid port %d for host %q", port, host)
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		// Hosts are frequently given as literal IPs already; LookupIP
		// handles that case without a real DNS round-trip, but guard
		// against resolvers that still fail on a literal.
		if ip := net.ParseIP(host); ip != nil {
			return Addr{Host: host, IP: ip, Port: port}, nil
		}
		return Addr{}, errors.Wrapf(err, "resolve host %q", host)
	}
	return Addr{Host: host, IP: ips[0], Port: port}, nil
}

// MustParseAddr is ParseAddr for literal IPs, without resolution or
// validation; it is used by tests. Addresses taken from hello payloads and
// INFO replies go through fieldAddr.
func MustParseAddr(host string, port int) Addr {
	return Addr{Host: host, IP: net.ParseIP(host), Port: port}
}

// Key returns the "host:port" identity used throughout the registry for
// uniqueness: replica and sentinel dedup is keyed on this string.
func (a Addr) Key() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Addr) String() string {
	return a.Key()
}

func (a Addr) Equal(o Addr) bool {
	return a.Host == o.Host && a.Port == o.Port
}

// ParseHostPortField splits a "host:port" string without touching DNS.
// It has no caller in this package: hello and INFO addresses arrive as
// separate host and port fields and go through fieldAddr.
func ParseHostPortField(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, errors.Wrapf(err, "split host:port %q", hostport)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "parse port in %q", hostport)
	}
	return host, port, nil
}

// fieldAddr builds an Addr directly from wire fields (hello bus, INFO
// slaveN entries), bypassing DNS resolution entirely.
func fieldAddr(host string, port int) Addr {
	return Addr{Host: strings.TrimSpace(host), IP: net.ParseIP(host), Port: port}
}

func fmtPort(port int) string {
	return fmt.Sprintf("%d", port)
}
