// Package session tracks one logical conversation per (user, channel) pair:
// its permission tier, its invocation log and its lifecycle from creation
// through idle expiry or explicit close.
package session

import (
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"

	// StatusIdle is reported for an active session that has seen no
	// activity for more than half the idle timeout. It is never stored.
	StatusIdle   Status = "idle"
	StatusClosed Status = "closed"
)

// Close reasons recorded on closed sessions.
const (
	CloseExplicit    = "closed"
	CloseIdleTimeout = "idle_timeout"
)

// Session is a point-in-time snapshot. Mutating it has no effect on the
// manager.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ChannelID    string    `json:"channel_id"`
	Tier         string    `json:"tier"`
	Status       Status    `json:"status"`
	CloseReason  string    `json:"close_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ClosedAt     time.Time `json:"closed_at,omitzero"`
	Invocations  []string  `json:"invocations"`
}

func (s Session) clone() Session {
	out := s
	out.Invocations = slices.Clone(s.Invocations)
	return out
}

func (s Session) expired(now time.Time, idle time.Duration) bool {
	return s.Status != StatusClosed && idle > 0 && now.Sub(s.LastActivity) > idle
}

// Config configures the session manager.
type Config struct {
	// IdleTimeout closes sessions with no activity for this long.
	// Default: 30m.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// DefaultTier is the permission tier of new sessions. Default: "minimal".
	DefaultTier string `yaml:"default_tier"`

	// ChannelTiers overrides DefaultTier per channel. Keys match a channel
	// id exactly or its prefix before ':' (e.g. "telegram").
	ChannelTiers map[string]string `yaml:"channel_tiers"`

	// MaxInvocationLog caps the invocation ids kept per session; the oldest
	// are dropped first. Default: 1000.
	MaxInvocationLog int `yaml:"max_invocation_log"`

	// WriteBehind is the retry policy for background persistence of
	// activity and invocation log updates.
	WriteBehind RetryPolicy `yaml:"write_behind"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:      30 * time.Minute,
		DefaultTier:      "minimal",
		MaxInvocationLog: 1000,
		WriteBehind:      DefaultRetryPolicy(),
	}
}

// Effective fills zero fields from DefaultConfig.
func (c Config) Effective() Config {
	def := DefaultConfig()
	out := c
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = def.IdleTimeout
	}
	if out.DefaultTier == "" {
		out.DefaultTier = def.DefaultTier
	}
	if out.MaxInvocationLog <= 0 {
		out.MaxInvocationLog = def.MaxInvocationLog
	}
	if out.WriteBehind == (RetryPolicy{}) {
		out.WriteBehind = def.WriteBehind
	}
	return out
}

// TierFor returns the default tier for a channel.
func (c Config) TierFor(channelID string) string {
	if tier, ok := c.ChannelTiers[channelID]; ok {
		return tier
	}
	if prefix, _, ok := strings.Cut(channelID, ":"); ok {
		if tier, ok := c.ChannelTiers[prefix]; ok {
			return tier
		}
	}
	return c.DefaultTier
}
