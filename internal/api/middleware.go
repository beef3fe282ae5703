// SPDX-License-Identifier: MIT

package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
)

var (
	trustedIPNets     []*net.IPNet
	trustedIPNetsOnce sync.Once
)

// SetTrustedProxies configures the proxies whose forwarding headers are
// believed. Takes a CSV of CIDRs or bare IPs. Must be called at startup;
// later calls are no-ops.
func SetTrustedProxies(csv string) {
	trustedIPNetsOnce.Do(func() {
		if csv == "" {
			return
		}
		for _, part := range strings.Split(csv, ",") {
			p := strings.TrimSpace(part)
			if p == "" {
				continue
			}
			if !strings.Contains(p, "/") {
				if strings.Contains(p, ":") {
					p += "/128"
				} else {
					p += "/32"
				}
			}
			if _, ipnet, err := net.ParseCIDR(p); err == nil {
				trustedIPNets = append(trustedIPNets, ipnet)
			}
		}
	})
}

func remoteIsTrusted(remote string) bool {
	if len(trustedIPNets) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range trustedIPNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP determines the originating address. Forwarding headers are
// only honored when the transport peer is a trusted proxy; the first
// non-"unknown" X-Forwarded-For token wins.
func clientIP(r *http.Request) string {
	if remoteIsTrusted(r.RemoteAddr) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				ip := strings.TrimSpace(part)
				if ip != "" && !strings.EqualFold(ip, "unknown") {
					return ip
				}
			}
		}
		if xr := r.Header.Get("X-Real-IP"); xr != "" {
			return xr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
