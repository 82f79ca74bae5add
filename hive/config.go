// SPDX-License-Identifier: GPL-3.0-or-later

package hive

import (
	"time"
)

// Config is the relay's yaml block (see cfg.MustGet); zero values fall back
// to the documented defaults.
type Config struct {
	// Address of the blockchain RPC, e.g. "tcp://127.0.0.1:22025".
	OxendRPC string `mapstructure:"oxend_rpc"`

	// SQL store DSN.
	DB string `mapstructure:"db"`

	// Local listening admin socket.
	HivemindSock string `mapstructure:"hivemind_sock"`

	// Optional public listening socket; peers start unauthenticated and may
	// upgrade via auth.pubkey.
	HivemindCurve string `mapstructure:"hivemind_curve"`

	// Ed25519 pubkeys (hex/base64) treated as admins on the public socket.
	HivemindCurveAdmin []string `mapstructure:"hivemind_curve_admin"`

	// The relay's own identity keypair (hex/base64): the pubkey is what
	// operators hand to peers connecting to the public socket, the privkey
	// the 32-byte ed25519 seed. Required when hivemind_curve is set.
	Pubkey  string `mapstructure:"pubkey"`
	Privkey string `mapstructure:"privkey"`

	// Dedup filter rotation period.
	FilterLifetime time.Duration `mapstructure:"filter_lifetime"`

	// How long after startup we wait for notifier services to register
	// before we start processing user requests.
	NotifierWait time.Duration `mapstructure:"notifier_wait"`

	// If non-empty we stop waiting early once all of these services have
	// registered.
	NotifiersExpected []string `mapstructure:"notifiers_expected"`

	// Slow-path re-subscription tick.
	SubsInterval time.Duration `mapstructure:"subs_interval"`

	// Maximum simultaneous connection attempts; 0 is a dry-run mode where
	// no connections are made at all. Unset means the default (500).
	MaxPendingConnects *int64 `mapstructure:"max_pending_connects"`

	// Accept historical derived-subkey authentication in addition to the
	// delegated subaccount scheme.
	LegacySubkeys bool `mapstructure:"legacy_subkeys"`
}

const (
	defaultHivemindSock       = "ipc://./hivemind.sock"
	defaultFilterLifetime     = 10 * time.Minute
	defaultNotifierWait       = 10 * time.Second
	defaultSubsInterval       = 30 * time.Second
	defaultMaxPendingConnects = 500
)

func (c Config) withDefaults() Config {
	if c.HivemindSock == "" {
		c.HivemindSock = defaultHivemindSock
	}
	if c.FilterLifetime == 0 {
		c.FilterLifetime = defaultFilterLifetime
	}
	if c.NotifierWait == 0 {
		c.NotifierWait = defaultNotifierWait
	}
	if c.SubsInterval == 0 {
		c.SubsInterval = defaultSubsInterval
	}
	if c.MaxPendingConnects == nil {
		def := int64(defaultMaxPendingConnects)
		c.MaxPendingConnects = &def
	}

	return c
}
