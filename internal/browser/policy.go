package browser

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Policy restricts where the sandboxed browser may navigate. Only http and
// https URLs are accepted, hosts resolving to private, loopback, link-local,
// or unspecified addresses are refused (the cloud metadata endpoint falls in
// the link-local range), and a non-empty allowlist restricts navigation to
// the listed hosts.
type Policy struct {
	AllowedHosts []string // Empty = any public host.
}

// CheckURL validates a navigation target against the policy. The returned
// error describes the first violated rule.
func (p Policy) CheckURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed, use http or https", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}

	if len(p.AllowedHosts) > 0 && !hostAllowed(host, p.AllowedHosts) {
		return fmt.Errorf("host %q is not in the navigation allowlist", host)
	}

	// Resolve and block private ranges. A literal IP skips DNS.
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("navigation to private address %s blocked", host)
		}
		return nil
	}
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP %q for host %q", ipStr, host)
		}
		if isPrivateIP(ip) {
			return fmt.Errorf("host %q resolves to private address %s, navigation blocked", host, ipStr)
		}
	}
	return nil
}

// isPrivateIP reports whether the address is loopback, link-local,
// unspecified, or in a private range.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}
	// Private IPv6 (fc00::/7) beyond what IsPrivate covers on 4-byte forms.
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil && v6[0]&0xfe == 0xfc {
		return true
	}
	return false
}

// hostAllowed matches the host against the allowlist. A listed domain also
// admits its subdomains.
func hostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, d := range allowed {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
