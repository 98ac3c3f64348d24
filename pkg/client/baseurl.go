package client

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// URLPolicy restricts which backends a client may talk to.
type URLPolicy struct {
	// AllowHTTP permits plain HTTP. HTTPS is always allowed.
	AllowHTTP bool
	// AllowLocalNetworks permits loopback, private and link-local targets.
	AllowLocalNetworks bool
}

// LocalDevPolicy allows a backend running on the developer's machine.
var LocalDevPolicy = URLPolicy{AllowHTTP: true, AllowLocalNetworks: true}

// ParseBaseURL validates the backend base URL against the policy and strips any
// trailing slash so endpoint paths can be appended.
func ParseBaseURL(raw string, policy URLPolicy) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !policy.AllowHTTP {
			return nil, fmt.Errorf("http scheme is not allowed for %s", u.Host)
		}
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("base URL must not carry a query or fragment")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("base URL host is required")
	}
	if !policy.AllowLocalNetworks {
		if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
			return nil, fmt.Errorf("local hostname %q is not allowed", host)
		}
	}

	// IP literals are checked without DNS lookups.
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if addr.IsUnspecified() || addr.IsMulticast() {
			return nil, fmt.Errorf("disallowed IP address %q", host)
		}
		if !policy.AllowLocalNetworks &&
			(addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.Zone() != "") {
			return nil, fmt.Errorf("local network IP %q is not allowed", host)
		}
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u, nil
}
