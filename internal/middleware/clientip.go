package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

const (
	// HeaderXForwardedFor carries the proxy hop chain.
	HeaderXForwardedFor = "X-Forwarded-For"
	// HeaderXRealIP carries a single proxy-resolved client address.
	HeaderXRealIP = "X-Real-IP"
)

// proxyMatcher decides whether a peer address is a trusted proxy.
// Entries may be single addresses or CIDR blocks.
type proxyMatcher struct {
	exact map[string]bool
	nets  []*net.IPNet
}

func newProxyMatcher(trustedProxies []string) *proxyMatcher {
	m := &proxyMatcher{exact: make(map[string]bool)}
	for _, entry := range trustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, ipNet, err := net.ParseCIDR(entry); err == nil {
			m.nets = append(m.nets, ipNet)
			continue
		}
		m.exact[entry] = true
	}
	return m
}

// empty reports whether no proxies are configured at all.
func (m *proxyMatcher) empty() bool {
	return len(m.exact) == 0 && len(m.nets) == 0
}

func (m *proxyMatcher) trusted(addr string) bool {
	if m.exact[addr] {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, ipNet := range m.nets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns a middleware that resolves the originating client
// address and stores it in the request context. With trustProxy off the
// peer address is always used. With it on, forwarded headers are honored
// only when the peer is a trusted proxy; an empty proxy list trusts
// every peer.
func ClientIP(trustProxy bool, trustedProxies []string) Middleware {
	matcher := newProxyMatcher(trustedProxies)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := resolveClientIP(r, trustProxy, matcher)

			ctx := context.WithValue(r.Context(), ClientIPKey, clientIP)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolveClientIP picks the client address: the first forwarded-for hop,
// then X-Real-IP, then the peer itself.
func resolveClientIP(r *http.Request, trustProxy bool, matcher *proxyMatcher) string {
	peer := hostOnly(r.RemoteAddr)

	if !trustProxy {
		return peer
	}
	if !matcher.empty() && !matcher.trusted(peer) {
		return peer
	}

	if xff := r.Header.Get(HeaderXForwardedFor); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get(HeaderXRealIP)); xri != "" {
		return xri
	}

	return peer
}

// hostOnly strips the port from a peer address when one is present.
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
