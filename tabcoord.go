// Package tabcoord coordinates N memory-isolated processes of one user
// session around a single external streaming connection: it elects exactly
// one owner, mirrors connection and application state into every process,
// survives owner crashes, and hands the connection off when priorities
// change (a hidden process never stays owner while a visible one exists).
//
// The entrypoint is Config.NewClient() followed by Client.Start(). The
// application then only talks to the Client facade: Emit, Subscribe,
// ConnectionState, OnError. Everything underneath — the advisory lock, the
// causal synchronizer, elections, handoff, recovery — is wiring the
// application never sees.
package tabcoord

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crowdcast/tabcoord/bus"
	"github.com/crowdcast/tabcoord/clocks"
	"github.com/crowdcast/tabcoord/conn"
	"github.com/crowdcast/tabcoord/kv"
	"github.com/crowdcast/tabcoord/platform"
	"github.com/crowdcast/tabcoord/recovery"
)

// Config assembles a Client. Bus, Store and Transport are the platform
// capabilities the host must provide; everything else has defaults.
type Config struct {
	// SessionURL is handed to Transport.Connect by whichever process owns
	// the connection.
	SessionURL string

	// ProcessID overrides the generated process identity; tests only.
	ProcessID string
	// CreatedAt anchors election priority; zero means "now".
	CreatedAt time.Time

	Bus       bus.Bus
	Store     kv.Store
	Transport conn.Transport

	// Visibility and Network are optional host signals; nil means
	// always-visible and always-online.
	Visibility platform.VisibilitySignal
	Network    platform.NetworkSignal

	// Clock implementation to use when scheduling sleeps, timeouts and
	// comparing terms. The nil-value falls back to a sane default that
	// simply wraps the `time` package's functions.
	Clock clocks.Clock
	// Logger for structured diagnostics; nil means no logging.
	Logger *zap.Logger

	// HeartbeatInterval is the leader liveness cadence; HeartbeatTimeout
	// defaults to twice the interval.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// ElectionTimeout bounds one election round.
	ElectionTimeout time.Duration
	// RebroadcastInterval is the leader's state re-announcement cadence.
	RebroadcastInterval time.Duration

	// RecoveryStrategy is the initial reconnection policy; the zero value
	// means exponential backoff.
	RecoveryStrategy recovery.Strategy
	// HealthCheck optionally probes the live connection; nil derives
	// health from the mirrored connection status.
	HealthCheck func() error
}

func (c *Config) validate() error {
	if c.Bus == nil {
		return fmt.Errorf("missing Bus")
	}
	if c.Store == nil {
		return fmt.Errorf("missing Store")
	}
	if c.Transport == nil {
		return fmt.Errorf("missing Transport")
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("HeartbeatInterval (%s) is < 0; should be non-negative", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout < 0 {
		return fmt.Errorf("HeartbeatTimeout (%s) is < 0; should be non-negative", c.HeartbeatTimeout)
	}
	if c.HeartbeatTimeout > 0 && c.HeartbeatInterval > 0 && c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("incompatible values for HeartbeatTimeout (%s) and HeartbeatInterval (%s); the timeout must be at least one interval",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	return nil
}
