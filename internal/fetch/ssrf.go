package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/larder/internal/task"
)

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// reserved lists ranges that are not globally routable but are not covered
// by the netip.Addr predicates.
var reserved = mustPrefixes(
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.88.99.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"240.0.0.0/4",
	"64:ff9b::/96",
	"64:ff9b:1::/48",
	"100::/64",
	"2001::/32",
	"2001:db8::/32",
	"2002::/16",
)

func mustPrefixes(ss ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(ss))
	for i, s := range ss {
		out[i] = netip.MustParsePrefix(s)
	}
	return out
}

// Guard rejects URLs that are not http(s) or that resolve to any address
// outside the public internet.
type Guard struct {
	resolver Resolver
	allow    []netip.Prefix
	dialer   *net.Dialer
}

// NewGuard creates a Guard. A nil resolver uses net.DefaultResolver.
// Addresses inside allow are accepted even when they would otherwise be
// rejected.
func NewGuard(resolver Resolver, allow []netip.Prefix) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{
		resolver: resolver,
		allow:    allow,
		dialer:   &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
	}
}

// ParseCIDRs parses a list of CIDR strings, ignoring blanks.
func ParseCIDRs(ss []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range ss {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("parsing cidr %q: %w", s, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// CheckURL validates scheme and host and resolves the host, rejecting it if
// any resolved address is internal. The parsed URL is returned on success.
func (g *Guard) CheckURL(ctx context.Context, raw string) (*url.URL, error) {
	u, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	if _, err := g.resolve(ctx, u.Hostname()); err != nil {
		return nil, err
	}
	return u, nil
}

// ParseURL performs the checks that need no lookup: syntax, scheme,
// credentials and host presence.
func ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, task.Wrap(task.CodeBlocked, err, "invalid url")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, task.Errorf(task.CodeBlocked, "scheme %q is not allowed", u.Scheme)
	}
	if u.User != nil {
		return nil, task.Errorf(task.CodeBlocked, "urls with credentials are not allowed")
	}
	if u.Hostname() == "" {
		return nil, task.Errorf(task.CodeBlocked, "url has no host")
	}
	return u, nil
}

// CheckAddr reports whether a single address may be contacted.
func (g *Guard) CheckAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	for _, p := range g.allow {
		if p.Contains(addr) {
			return nil
		}
	}
	if !isPublic(addr) {
		return task.Errorf(task.CodeBlocked, "address %s is not publicly routable", addr)
	}
	return nil
}

// resolve returns the addresses of host, failing if any is disallowed.
// A literal IP host is checked without a lookup.
func (g *Guard) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		if err := g.CheckAddr(netip.MustParseAddr("127.0.0.1")); err != nil {
			return nil, err
		}
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if err := g.CheckAddr(addr); err != nil {
			return nil, err
		}
		return []netip.Addr{addr.Unmap()}, nil
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, task.Wrap(task.CodeTransient, err, "resolving %s", host)
	}
	if len(addrs) == 0 {
		return nil, task.Errorf(task.CodeTransient, "no addresses for %s", host)
	}
	for _, a := range addrs {
		if err := g.CheckAddr(a); err != nil {
			return nil, err
		}
	}
	return addrs, nil
}

// DialContext resolves and checks the target again at connection time so
// a DNS answer that changed since CheckURL cannot reach an internal address.
func (g *Guard) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	addrs, err := g.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, a := range addrs {
		conn, err := g.dialer.DialContext(ctx, network, net.JoinHostPort(a.Unmap().String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// CheckRedirect is an http.Client CheckRedirect hook validating every hop.
func (g *Guard) CheckRedirect(maxRedirects int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		_, err := g.CheckURL(req.Context(), req.URL.String())
		return err
	}
}

func isPublic(addr netip.Addr) bool {
	if !addr.IsValid() ||
		addr.IsUnspecified() ||
		addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		!addr.IsGlobalUnicast() {
		return false
	}
	for _, p := range reserved {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}
