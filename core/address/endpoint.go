package address

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	terrr "github.com/touka-aoi/udp-forwarder/core/errors"
)

const defaultHost = "0.0.0.0"

// Endpoint is a parsed host[:port] pair. The host is either an IP literal or a
// hostname that still needs resolving.
type Endpoint struct {
	Host string
	Port uint16
}

// Parse splits hostport on its last colon. An empty string means 0.0.0.0:0
// and a string without a colon is a bare host with port 0. The port is read like
// strtol: digits after an optional sign, anything trailing is ignored.
func Parse(hostport string) (Endpoint, error) {
	if hostport == "" {
		return Endpoint{Host: defaultHost}, nil
	}

	host := hostport
	var port uint16
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		host = hostport[:i]
		p, err := parsePort(hostport[i+1:])
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %w", terrr.ErrAddress, hostport, err)
		}
		port = p
	}

	if len(host) >= 2 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}

	if !validHost(host) {
		return Endpoint{}, fmt.Errorf("%w: %q: bad host %q", terrr.ErrAddress, hostport, host)
	}

	return Endpoint{Host: host, Port: port}, nil
}

func parsePort(s string) (uint16, error) {
	s = strings.TrimLeft(s, " \t\n\v\f\r")
	sign := ""
	if s != "" && (s[0] == '+' || s[0] == '-') {
		sign, s = s[:1], s[1:]
	}
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(sign+s[:end], 10, 64)
	if err != nil || n < 0 || n > 65535 {
		return 0, fmt.Errorf("port %s%s out of range", sign, s[:end])
	}
	return uint16(n), nil
}

func validHost(host string) bool {
	if host == "" {
		return false
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return true
	}
	return validHostname(host)
}

// validHostname checks RFC 1123 label syntax.
func validHostname(host string) bool {
	host = strings.TrimSuffix(host, ".")
	if host == "" || len(host) > 253 {
		return false
	}
	for label := range strings.SplitSeq(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			default:
				return false
			}
		}
	}
	return true
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Resolve turns the endpoint into a socket address. IP literals are returned
// as is; hostnames go through the default resolver and the first IPv4 answer
// wins over IPv6 ones.
func (e Endpoint) Resolve(ctx context.Context) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(e.Host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), e.Port), nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", e.Host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: resolve %s: %w", terrr.ErrAddress, e.Host, err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: resolve %s: no addresses", terrr.ErrAddress, e.Host)
	}

	chosen := addrs[0]
	for _, a := range addrs {
		if a.Unmap().Is4() {
			chosen = a
			break
		}
	}
	return netip.AddrPortFrom(chosen.Unmap(), e.Port), nil
}

// ParseAndResolve is Parse followed by Resolve.
func ParseAndResolve(ctx context.Context, hostport string) (netip.AddrPort, error) {
	ep, err := Parse(hostport)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return ep.Resolve(ctx)
}
