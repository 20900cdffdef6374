package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"admission-gateway/middleware/ratelimit/domain"
)

// UnknownClient is the identity used when no peer address is available.
const UnknownClient = "unknown"

// ClientIPResolver extracts the client address. Forwarding headers are only
// honoured when the direct peer is a trusted proxy; otherwise they are
// attacker controlled.
type ClientIPResolver struct {
	trusted []netip.Prefix
}

// NewClientIPResolver accepts single addresses and CIDRs.
func NewClientIPResolver(trusted []string) (*ClientIPResolver, error) {
	c := &ClientIPResolver{}
	for _, s := range trusted {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		pfx, err := domain.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
		}
		c.trusted = append(c.trusted, pfx)
	}
	return c, nil
}

// ClientIP walks X-Forwarded-For from the right, skipping trusted proxies,
// and returns the first untrusted hop when the peer is trusted. Entries left
// of that hop are client supplied and ignored. X-Real-IP is the fallback,
// then the peer address; "unknown" without a peer.
func (c *ClientIPResolver) ClientIP(r *http.Request) string {
	peer := peerAddr(r.RemoteAddr)
	if peer == "" {
		return UnknownClient
	}
	if c == nil || !c.isTrusted(peer) {
		return peer
	}

	if ip, ok := c.forwardedFor(r.Header.Values("X-Forwarded-For")); ok {
		return ip
	}
	if ip, ok := canonical(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	return peer
}

func (c *ClientIPResolver) forwardedFor(values []string) (string, bool) {
	var hops []string
	for _, v := range values {
		hops = append(hops, strings.Split(v, ",")...)
	}
	oldest := ""
	for i := len(hops) - 1; i >= 0; i-- {
		ip, ok := canonical(hops[i])
		if !ok {
			// an unparsable hop ends the chain we can vouch for
			break
		}
		if !c.isTrusted(ip) {
			return ip, true
		}
		oldest = ip
	}
	return oldest, oldest != ""
}

func (c *ClientIPResolver) isTrusted(peer string) bool {
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	for _, pfx := range c.trusted {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

func peerAddr(remote string) string {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	if ip, ok := canonical(host); ok {
		return ip
	}
	return host
}

func canonical(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
