package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// FallbackKey is the client key used when a request carries no address information.
const FallbackKey = "unknown"

// RequestMeta is the address-related metadata of an inbound request.
type RequestMeta struct {
	ForwardedFor string // X-Forwarded-For chain, leftmost entry is the original client
	RealIP       string // X-Real-IP
	RemoteAddr   string // Transport peer address, host:port
}

// KeyFunc maps request metadata to a client key.
type KeyFunc func(RequestMeta) string

// MetaFromRequest extracts RequestMeta from an HTTP request.
func MetaFromRequest(r *http.Request) RequestMeta {
	return RequestMeta{
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		RealIP:       r.Header.Get("X-Real-IP"),
		RemoteAddr:   r.RemoteAddr,
	}
}

// ForwardedKey derives the key from proxy headers. The first entry of the
// X-Forwarded-For chain wins, then X-Real-IP, then FallbackKey.
func ForwardedKey(meta RequestMeta) string {
	if meta.ForwardedFor != "" {
		first, _, _ := strings.Cut(meta.ForwardedFor, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if ip := strings.TrimSpace(meta.RealIP); ip != "" {
		return ip
	}

	return FallbackKey
}

// RemoteAddrKey derives the key from the transport peer address only, for
// deployments that are not behind a trusted reverse proxy.
func RemoteAddrKey(meta RequestMeta) string {
	if meta.RemoteAddr == "" {
		return FallbackKey
	}
	host, _, err := net.SplitHostPort(meta.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		host = meta.RemoteAddr
	}
	if host == "" {
		return FallbackKey
	}
	return host
}
