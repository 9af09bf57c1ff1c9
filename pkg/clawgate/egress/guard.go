// Package egress controls outbound network access from sandbox instances.
//
// Guard rejects destinations that resolve to loopback, private, link-local
// or metadata addresses (SSRF protection). Proxy is a loopback HTTP proxy
// that only lets an instance reach the hosts on its own allowlist.
package egress

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// builtinBlockedHosts are always blocked regardless of config.
var builtinBlockedHosts = []string{
	"localhost",
	"localhost.localdomain",
	"metadata.google.internal",
	"metadata",
}

// GuardConfig configures SSRF protection.
type GuardConfig struct {
	// AllowPrivate allows destinations in RFC 1918 / ULA ranges.
	AllowPrivate bool `yaml:"allow_private"`

	// AllowLoopback allows loopback destinations. Local development only.
	AllowLoopback bool `yaml:"allow_loopback"`

	// BlockedHosts are rejected even when allowlisted.
	BlockedHosts []string `yaml:"blocked_hosts"`
}

// Resolver looks up host addresses. net.DefaultResolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard validates outbound destinations.
type Guard struct {
	cfg      GuardConfig
	resolver Resolver
	logger   *slog.Logger
}

// NewGuard creates a guard. A nil resolver uses net.DefaultResolver.
func NewGuard(cfg GuardConfig, resolver Resolver, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{cfg: cfg, resolver: resolver, logger: logger.With("component", "egress_guard")}
}

// CheckURL validates a URL's scheme and host.
func (g *Guard) CheckURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("scheme %q not allowed (use http or https)", u.Scheme)
	}
	_, err = g.Resolve(ctx, u.Hostname())
	return err
}

// Resolve checks host and returns its addresses when every one of them is
// an allowed destination. Callers should dial the returned addresses, not
// re-resolve the name.
func (g *Guard) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return nil, fmt.Errorf("no host")
	}
	if err := validateIPv4Literal(host); err != nil {
		g.logger.Warn("egress blocked: legacy IPv4 notation", "host", host)
		return nil, err
	}
	for _, blocked := range builtinBlockedHosts {
		if host == blocked && !(g.cfg.AllowLoopback && strings.HasPrefix(host, "localhost")) {
			return nil, fmt.Errorf("host %s is not allowed", host)
		}
	}
	for _, blocked := range g.cfg.BlockedHosts {
		if MatchHost(host, []string{blocked}) {
			g.logger.Warn("egress blocked: host in blocklist", "host", host)
			return nil, fmt.Errorf("host %s is blocked", host)
		}
	}

	var addrs []netip.Addr
	if addr, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{addr}
	} else {
		addrs, err = g.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("cannot resolve host %s: %w", host, err)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("host %s has no addresses", host)
	}
	for _, addr := range addrs {
		if err := g.checkAddr(addr); err != nil {
			g.logger.Warn("egress blocked", "host", host, "addr", addr.String(), "reason", err)
			return nil, err
		}
	}
	return addrs, nil
}

// checkAddr rejects non-public destinations.
func (g *Guard) checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	if embedded, ok := embeddedIPv4(addr); ok {
		if err := g.checkAddr(embedded); err != nil {
			return fmt.Errorf("IPv6 transition address %s embeds blocked IPv4: %w", addr, err)
		}
	}
	switch {
	case addr.IsLoopback() && !g.cfg.AllowLoopback:
		return fmt.Errorf("loopback address %s is not allowed", addr)
	case addr.IsUnspecified():
		return fmt.Errorf("unspecified address %s is not allowed", addr)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("link-local/metadata address %s is not allowed", addr)
	case addr.IsMulticast():
		return fmt.Errorf("multicast address %s is not allowed", addr)
	case addr.IsPrivate() && !g.cfg.AllowPrivate:
		return fmt.Errorf("private address %s is not allowed", addr)
	case carrierGradeNAT.Contains(addr) && !g.cfg.AllowPrivate:
		return fmt.Errorf("shared address space %s is not allowed", addr)
	}
	return nil
}

var carrierGradeNAT = netip.MustParsePrefix("100.64.0.0/10")

// embeddedIPv4 extracts the IPv4 address carried by NAT64, 6to4, Teredo
// and ISATAP addresses.
func embeddedIPv4(addr netip.Addr) (netip.Addr, bool) {
	if !addr.Is6() {
		return netip.Addr{}, false
	}
	b := addr.As16()
	v4 := func(p []byte) netip.Addr { return netip.AddrFrom4([4]byte{p[0], p[1], p[2], p[3]}) }

	switch {
	case b[0] == 0x00 && b[1] == 0x64 && b[2] == 0xff && b[3] == 0x9b && allZero(b[4:12]):
		return v4(b[12:16]), true
	case b[0] == 0x20 && b[1] == 0x02:
		return v4(b[2:6]), true
	case b[0] == 0x20 && b[1] == 0x01 && b[2] == 0x00 && b[3] == 0x00:
		var out [4]byte
		binary.BigEndian.PutUint32(out[:], binary.BigEndian.Uint32(b[12:16])^0xFFFFFFFF)
		return netip.AddrFrom4(out), true
	case b[10] == 0x5e && b[11] == 0xfe:
		return v4(b[12:16]), true
	}
	return netip.Addr{}, false
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// validateIPv4Literal only accepts strict dotted-decimal IPv4 literals.
// Octal (0177.0.0.1), hex (0x7f.0.0.1), short (127.1) and packed integer
// forms are rejected before resolution.
func validateIPv4Literal(host string) error {
	if strings.Contains(host, "0x") {
		return fmt.Errorf("hex IPv4 notation not allowed")
	}
	for _, c := range host {
		if (c < '0' || c > '9') && c != '.' {
			return nil
		}
	}
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return fmt.Errorf("non-canonical IPv4 notation not allowed")
	}
	for _, part := range parts {
		if part == "" || len(part) > 3 {
			return fmt.Errorf("invalid IPv4 octet %q", part)
		}
		if len(part) > 1 && part[0] == '0' {
			return fmt.Errorf("octal IPv4 notation not allowed")
		}
		val := 0
		for _, c := range part {
			val = val*10 + int(c-'0')
		}
		if val > 255 {
			return fmt.Errorf("IPv4 octet out of range")
		}
	}
	return nil
}

// MatchHost reports whether host is on the allowlist. Entries are exact
// host names or "*.domain" wildcards, which match subdomains but not the
// bare domain.
func MatchHost(host string, allowlist []string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, entry := range allowlist {
		entry = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(entry)), ".")
		if entry == "" {
			continue
		}
		if entry == "*" || entry == host {
			return true
		}
		if suffix, ok := strings.CutPrefix(entry, "*."); ok && strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// CheckLiteral applies the checks that need no DNS: notation, blocked host
// names and IP literals. Names that resolve to blocked addresses are caught
// later, when the proxy dials.
func (g *Guard) CheckLiteral(host string) error {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return fmt.Errorf("no host")
	}
	if err := validateIPv4Literal(host); err != nil {
		return err
	}
	for _, blocked := range builtinBlockedHosts {
		if host == blocked && !(g.cfg.AllowLoopback && strings.HasPrefix(host, "localhost")) {
			return fmt.Errorf("host %s is not allowed", host)
		}
	}
	if MatchHost(host, g.cfg.BlockedHosts) {
		return fmt.Errorf("host %s is blocked", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return g.checkAddr(addr)
	}
	return nil
}
