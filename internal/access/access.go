// ABOUTME: Access Gate: network-origin allowlist for HTTP requests and WebSocket connects
// ABOUTME: Resolves the client IP from X-Forwarded-For or RemoteAddr and matches CIDRs

// Package access decides whether a caller's network origin may use the API.
//
// The allowlist is a set of CIDR prefixes and literal addresses. The caller's
// address comes from the first X-Forwarded-For entry when forwarded headers
// are trusted, otherwise from the socket. IPv4-mapped IPv6 addresses
// (::ffff:a.b.c.d) are unmapped before matching.
package access

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// DeniedMessage is the body written to rejected HTTP requests.
const DeniedMessage = "Acesso negado."

// ErrDenied is returned when an origin is not allowlisted.
var ErrDenied = errors.New("access denied")

// DefaultAllowed is the allowlist used when none is configured.
var DefaultAllowed = []string{"192.168.0.0/16", "127.0.0.1", "::1"}

// Gate checks caller origins against an allowlist.
type Gate struct {
	set            *netipx.IPSet
	trustForwarded bool
	logger         *slog.Logger
}

// New builds a Gate from CIDR prefixes and literal addresses.
func New(allowed []string, trustForwarded bool, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var b netipx.IPSetBuilder
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid allowlist prefix %q: %w", entry, err)
			}
			b.AddPrefix(p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid allowlist address %q: %w", entry, err)
		}
		b.Add(addr.Unmap())
	}

	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("building allowlist: %w", err)
	}
	return &Gate{
		set:            set,
		trustForwarded: trustForwarded,
		logger:         logger.With("component", "access"),
	}, nil
}

// AllowedAddr reports whether addr is allowlisted. addr may carry a port, a
// zone, or the ::ffff: mapping prefix.
func (g *Gate) AllowedAddr(addr string) bool {
	ip, ok := parseIP(addr)
	if !ok {
		return false
	}
	return g.set.Contains(ip)
}

// ClientIP returns the address the request is checked against.
func (g *Gate) ClientIP(r *http.Request) string {
	if g.trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	return r.RemoteAddr
}

// Check returns ErrDenied if r's origin is not allowlisted.
func (g *Gate) Check(r *http.Request) error {
	ip := g.ClientIP(r)
	if g.AllowedAddr(ip) {
		return nil
	}
	g.logger.Warn("access denied", "ip", ip, "path", r.URL.Path)
	return fmt.Errorf("%w: %s", ErrDenied, ip)
}

// Middleware rejects requests from origins outside the allowlist with 403.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Check(r); err != nil {
			http.Error(w, DeniedMessage, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Terminate drops connections from origins outside the allowlist without
// writing a response. It is used on the WebSocket listener, where a denied
// client only sees the connection close. Servers that cannot hijack get a 403.
func (g *Gate) Terminate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Check(r); err != nil {
			conn, _, herr := http.NewResponseController(w).Hijack()
			if herr != nil {
				http.Error(w, DeniedMessage, http.StatusForbidden)
				return
			}
			_ = conn.Close()
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseIP accepts "ip", "ip:port", "[ip]:port" and "::ffff:"-mapped forms.
func parseIP(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.WithZone("").Unmap(), true
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		if addr, err := netip.ParseAddr(host); err == nil {
			return addr.WithZone("").Unmap(), true
		}
	}
	return netip.Addr{}, false
}
