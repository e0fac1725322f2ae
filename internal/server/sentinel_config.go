package server

import "time"

// MasterSeed is the primary named on the command line by --master-name,
// --master-host and --master-port: a primary to start watching
// immediately. A slice of these, rather than a single master, since one
// Registry owns many masters at once.
type MasterSeed struct {
	Name            string
	Host            string
	Port            int
	Quorum          int
	DownAfterMillis int64
	FailoverMillis  int64
}

// SentinelConfig holds process-level configuration for the standalone
// Sentinel binary.
type SentinelConfig struct {
	Host           string
	Port           int
	ConfigPath     string
	HZ             time.Duration
	MaxConnections int
	Seeds          []MasterSeed
}

// DefaultSentinelConfig returns the defaults cmd/sentinel falls back to
// when a flag is not set.
func DefaultSentinelConfig() *SentinelConfig {
	return &SentinelConfig{
		Host:           "0.0.0.0",
		Port:           26379,
		ConfigPath:     "sentinel.conf",
		HZ:             100 * time.Millisecond,
		MaxConnections: 10000,
	}
}
