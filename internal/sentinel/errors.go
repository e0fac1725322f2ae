package sentinel

import "github.com/pkg/errors"

// The error taxonomy used throughout this package. Each category maps to
// a distinct recovery action in the caller; errors are recovered locally
// wherever possible rather than propagating out of a tick.

// ErrTransientNetwork marks a connect/read failure on an Instance channel.
// Action: disconnect, mark DISCONNECTED, retry next tick.
var ErrTransientNetwork = errors.New("sentinel: transient network error")

// ErrProtocolViolation marks a malformed reply. Action: discard, emit a
// debug event, keep the channel open unless repeated.
var ErrProtocolViolation = errors.New("sentinel: protocol violation")

// ErrStale marks an INFO/hello reply older than its validity threshold.
// Action: clear dependent cached judgements and re-gather.
var ErrStale = errors.New("sentinel: stale reply")

// ErrQuorumFailure marks an election/ODOWN attempt that did not gather
// enough agreement. Action: abort, back off, retry from a fresh epoch.
var ErrQuorumFailure = errors.New("sentinel: quorum not reached")

// ErrFatalPersistence marks a config-file write/fsync failure. This is the
// one category that is NOT locally recovered: durability of votes and
// epochs is a correctness invariant, so the engine stops.
var ErrFatalPersistence = errors.New("sentinel: fatal persistence failure")

// wrapTransient tags err as transient-network for logging/metrics without
// losing the underlying cause.
func wrapTransient(err error, context string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(ErrTransientNetwork, "%s: %v", context, err)
}
