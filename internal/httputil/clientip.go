// Package httputil holds small HTTP request helpers shared by the API layer.
package httputil

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the client address for request logging. With trustProxy
// set, forwarding headers are consulted first: the leftmost valid IP in
// X-Forwarded-For wins, then X-Real-IP. Header values that do not parse as
// IPs are ignored rather than logged verbatim, since both headers are
// client-controlled. Only set trustProxy behind a reverse proxy that
// overwrites these headers.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		for _, entry := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
			if ip := net.ParseIP(strings.TrimSpace(entry)); ip != nil {
				return ip.String()
			}
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
