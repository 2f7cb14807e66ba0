package punch

import "time"

// Default tunables (§3, "Session configuration").
const (
	DefaultPortPredictions           = 8
	DefaultMaxPunchAttempts          = 8
	DefaultRetryDelay                = time.Second
	DefaultMaxResponseWaitTime       = 5 * time.Second
	DefaultMaxServerResponseAttempts = 20
)

// Config holds the five session tunables. It is snapshotted at session
// start (Design says these are "fixed at session start") — mutating a
// Config after passing it to a Session has no effect on that session.
type Config struct {
	// PortPredictions is the size of the port-prediction window: the
	// predicted set is {anchor, anchor+1, ..., anchor+PortPredictions-1}.
	PortPredictions int

	// MaxPunchAttempts is the outer attempt budget per ConnectTo cycle.
	MaxPunchAttempts int

	// RetryDelay is slept between attempts when it is not the last one.
	// A value of 0 produces back-to-back bursts.
	RetryDelay time.Duration

	// MaxResponseWaitTime bounds a Connector's per-attempt listen phase.
	MaxResponseWaitTime time.Duration

	// MaxServerResponseAttempts bounds the Connector's outer loop
	// iterations while waiting for a relevant ConnectTo/Error.
	MaxServerResponseAttempts int
}

// DefaultConfig returns the protocol's default tunables.
func DefaultConfig() Config {
	return Config{
		PortPredictions:           DefaultPortPredictions,
		MaxPunchAttempts:          DefaultMaxPunchAttempts,
		RetryDelay:                DefaultRetryDelay,
		MaxResponseWaitTime:       DefaultMaxResponseWaitTime,
		MaxServerResponseAttempts: DefaultMaxServerResponseAttempts,
	}
}

// withDefaults fills any zero or negative field with its default, except
// RetryDelay, where 0 is kept (back-to-back bursts) and only a negative
// value is replaced. Defaults are applied on a copy at construction time
// rather than requiring every caller to fill in a full struct.
func (c Config) withDefaults() Config {
	if c.PortPredictions <= 0 {
		c.PortPredictions = DefaultPortPredictions
	}
	if c.MaxPunchAttempts <= 0 {
		c.MaxPunchAttempts = DefaultMaxPunchAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxResponseWaitTime <= 0 {
		c.MaxResponseWaitTime = DefaultMaxResponseWaitTime
	}
	if c.MaxServerResponseAttempts <= 0 {
		c.MaxServerResponseAttempts = DefaultMaxServerResponseAttempts
	}
	return c
}
