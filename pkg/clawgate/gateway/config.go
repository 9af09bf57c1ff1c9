package gateway

import (
	"fmt"
	"net"
	"time"
)

// Config configures the gateway.
type Config struct {
	// Address is the listen address. Default: 127.0.0.1:8085.
	Address string `yaml:"address"`

	// AllowExternal must be set to bind a non-loopback address.
	AllowExternal bool `yaml:"allow_external"`

	// CORSOrigins lists origins allowed for browser clients and WebSocket
	// upgrades. Empty means same-origin only.
	CORSOrigins []string `yaml:"cors_origins"`

	// MaxMessageBytes caps one envelope. Default: 1 MiB.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// HandshakeTimeout bounds the wait for the WebSocket hello frame.
	// Default: 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// InvokeWait bounds how long a waiting tool.invoke holds its request
	// open. Past it the caller gets the running invocation and polls
	// tool.result. Default: 5m.
	InvokeWait time.Duration `yaml:"invoke_wait"`

	// MaxInFlight caps concurrently served envelopes per WebSocket.
	// Default: 64.
	MaxInFlight int `yaml:"max_in_flight"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig enables authentication modes. A mode is enabled by setting
// its credential; at least one is required.
type AuthConfig struct {
	// Token is the bearer token. Prefer CLAWGATE_GATEWAY_TOKEN or the
	// keyring over putting it in the file.
	Token string `yaml:"token"`

	// PasswordHash is an argon2id hash produced by `clawgate password hash`.
	PasswordHash string `yaml:"password_hash"`

	// Mesh trusts an identity header set by a local mesh agent.
	Mesh MeshConfig `yaml:"mesh"`

	// Devices maps device ids to the hex SHA-256 of their device token.
	Devices map[string]string `yaml:"devices"`
}

// MeshConfig configures mesh identity auth. The header is only honoured
// on connections from a loopback peer.
type MeshConfig struct {
	// Header carries the identity. Default: X-Mesh-Identity.
	Header string `yaml:"header"`

	// Identities is the allowlist of accepted identities.
	Identities []string `yaml:"identities"`
}

// RateLimitConfig configures token buckets. Rates are events per second.
type RateLimitConfig struct {
	PerConnection   float64 `yaml:"per_connection"`
	ConnectionBurst int     `yaml:"connection_burst"`
	PerIdentity     float64 `yaml:"per_identity"`
	IdentityBurst   int     `yaml:"identity_burst"`

	// IdleEviction drops limiter state for callers idle this long.
	IdleEviction time.Duration `yaml:"idle_eviction"`
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Address:          "127.0.0.1:8085",
		MaxMessageBytes:  1 << 20,
		HandshakeTimeout: 10 * time.Second,
		InvokeWait:       5 * time.Minute,
		MaxInFlight:      64,
		Auth: AuthConfig{
			Mesh: MeshConfig{Header: "X-Mesh-Identity"},
		},
		RateLimit: RateLimitConfig{
			PerConnection:   20,
			ConnectionBurst: 40,
			PerIdentity:     50,
			IdentityBurst:   100,
			IdleEviction:    10 * time.Minute,
		},
	}
}

// Effective fills zero fields from DefaultConfig.
func (c Config) Effective() Config {
	def := DefaultConfig()
	out := c
	if out.Address == "" {
		out.Address = def.Address
	}
	if out.MaxMessageBytes <= 0 {
		out.MaxMessageBytes = def.MaxMessageBytes
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = def.HandshakeTimeout
	}
	if out.InvokeWait <= 0 {
		out.InvokeWait = def.InvokeWait
	}
	if out.MaxInFlight <= 0 {
		out.MaxInFlight = def.MaxInFlight
	}
	if out.Auth.Mesh.Header == "" {
		out.Auth.Mesh.Header = def.Auth.Mesh.Header
	}
	rl := &out.RateLimit
	if rl.PerConnection <= 0 {
		rl.PerConnection = def.RateLimit.PerConnection
	}
	if rl.ConnectionBurst <= 0 {
		rl.ConnectionBurst = def.RateLimit.ConnectionBurst
	}
	if rl.PerIdentity <= 0 {
		rl.PerIdentity = def.RateLimit.PerIdentity
	}
	if rl.IdentityBurst <= 0 {
		rl.IdentityBurst = def.RateLimit.IdentityBurst
	}
	if rl.IdleEviction <= 0 {
		rl.IdleEviction = def.RateLimit.IdleEviction
	}
	return out
}

// Validate checks an effective configuration.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("gateway: invalid address %q: %w", c.Address, err)
	}
	if !isLoopbackAddress(c.Address) && !c.AllowExternal {
		return fmt.Errorf("gateway: address %q is not loopback; set allow_external: true to expose it", c.Address)
	}
	if !c.Auth.enabled() {
		return fmt.Errorf("gateway: no auth mode configured (token, password_hash, mesh.identities or devices)")
	}
	for id, sum := range c.Auth.Devices {
		if id == "" {
			return fmt.Errorf("gateway: empty device id")
		}
		if len(sum) != 64 {
			return fmt.Errorf("gateway: device %q: token hash must be 64 hex characters", id)
		}
	}
	if c.Auth.PasswordHash != "" {
		if _, err := parsePasswordHash(c.Auth.PasswordHash); err != nil {
			return fmt.Errorf("gateway: password_hash: %w", err)
		}
	}
	return nil
}

func (a AuthConfig) enabled() bool {
	return a.Token != "" || a.PasswordHash != "" || len(a.Mesh.Identities) > 0 || len(a.Devices) > 0
}
