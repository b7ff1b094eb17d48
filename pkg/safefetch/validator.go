// Package safefetch downloads images from untrusted URLs without exposing
// internal networks: every fetch is validated, pinned to the validated
// address and bounded in size.
package safefetch

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"artdb/pkg/metrics"
)

// Endpoint is the outcome of a successful validation. It must be used for a
// single connection immediately after it is produced.
type Endpoint struct {
	Hostname string
	IP       netip.Addr
	Port     int
}

// Resolver resolves hostnames. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// EndpointValidator produces a pinned endpoint for a URL, or false when the
// URL must not be fetched.
type EndpointValidator interface {
	Validate(ctx context.Context, rawURL string) (Endpoint, bool)
}

var blockedHostnames = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"0.0.0.0":   {},
	"::1":       {},
}

// Special-purpose ranges not covered by the netip predicates.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("2001::/23"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// IPv6 outside global unicast is unallocated or reserved, including the
// IPv4-compatible ::/96 block.
var globalUnicast6 = netip.MustParsePrefix("2000::/3")

// Validator enforces the URL safety policy.
type Validator struct {
	resolver Resolver
	logger   zerolog.Logger
}

// NewValidator returns a Validator using resolver, or net.DefaultResolver when nil.
func NewValidator(resolver Resolver, logger zerolog.Logger) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Validator{resolver: resolver, logger: logger}
}

// Validate returns the pinned endpoint for rawURL. Policy violations are
// logged at warn level and reported as false; they are not errors.
func (v *Validator) Validate(ctx context.Context, rawURL string) (Endpoint, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return v.reject("invalid_url", rawURL, "url does not parse")
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return v.reject("scheme", rawURL, "only https is allowed")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return v.reject("hostname", rawURL, "missing hostname")
	}
	if _, ok := blockedHostnames[host]; ok {
		return v.reject("blocked_host", rawURL, "loopback hostname")
	}

	port := 443
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return v.reject("invalid_url", rawURL, "invalid port")
		}
	}

	addrs, err := v.resolve(ctx, host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return v.reject("resolve", rawURL, err.Error())
		}
		v.logger.Error().Err(err).Str("url", rawURL).Msg("url validation failed")
		metrics.FetchRejections.WithLabelValues("error").Inc()
		return Endpoint{}, false
	}
	if len(addrs) == 0 {
		return v.reject("resolve", rawURL, "hostname has no addresses")
	}

	for _, addr := range addrs {
		if IsBlocked(addr) {
			return v.reject("blocked_address", rawURL, "resolves to non-public address "+addr.String())
		}
	}

	return Endpoint{Hostname: host, IP: addrs[0], Port: port}, true
}

func (v *Validator) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	ips, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip.IP)
		if !ok {
			return nil, &net.DNSError{Err: "unparseable address", Name: host}
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs, nil
}

func (v *Validator) reject(reason, rawURL, detail string) (Endpoint, bool) {
	v.logger.Warn().Str("reason", reason).Str("url", rawURL).Msg("blocked image url: " + detail)
	metrics.FetchRejections.WithLabelValues(reason).Inc()
	return Endpoint{}, false
}

// IsBlocked reports whether addr is anything other than a public unicast address.
func IsBlocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return true
	}
	if addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() {
		return true
	}
	if addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return true
	}
	if addr.Is6() && !globalUnicast6.Contains(addr) {
		return true
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
