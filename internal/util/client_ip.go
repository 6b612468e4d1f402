package util

import (
	"net"
	"net/http"
	"strings"
)

const unknownIP = "unknown"

// ClientIP resolves the caller address of r. When trustProxy is set the first
// hop of X-Forwarded-For wins, then X-Real-IP; otherwise, and as the last
// resort, the host part of the socket address is used.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := NormalizeIP(first); ip != "" {
				return ip
			}
		}
		if ip := NormalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return remoteHost(r.RemoteAddr)
}

// NormalizeIP trims s and returns it in canonical form, or "" when it is
// empty, "unknown" or not an IP literal.
func NormalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, unknownIP) {
		return ""
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := NormalizeIP(host); ip != "" {
		return ip
	}
	return host
}
