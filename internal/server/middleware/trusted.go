package middleware

import (
	"fmt"
	"net"
	"net/http"
)

// TrustedCIDR restricts access to clients inside cidr. The client is the
// connection peer; X-Real-IP replaces it only when the peer is one of the
// proxies. An empty cidr allows everyone.
func TrustedCIDR(cidr string, proxies ...string) (func(http.Handler) http.Handler, error) {
	var ipnet *net.IPNet
	if cidr != "" {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted subnet: %w", err)
		}
		ipnet = n
	}

	proxyNets := make([]*net.IPNet, 0, len(proxies))
	for _, p := range proxies {
		_, n, err := net.ParseCIDR(p)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", p, err)
		}
		proxyNets = append(proxyNets, n)
	}

	return func(next http.Handler) http.Handler {
		if ipnet == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, proxyNets)
			if ip == nil || !ipnet.Contains(ip) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

func clientIP(r *http.Request, proxies []*net.IPNet) net.IP {
	peer := peerIP(r)
	if peer == nil {
		return nil
	}
	xrip := r.Header.Get("X-Real-IP")
	if xrip == "" {
		return peer
	}
	for _, n := range proxies {
		if n.Contains(peer) {
			return net.ParseIP(xrip)
		}
	}
	return peer
}

func peerIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}
