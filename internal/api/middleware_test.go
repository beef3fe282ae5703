// SPDX-License-Identifier: MIT

package api

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

// withTrustedNets swaps the trusted proxy set for one test.
func withTrustedNets(t *testing.T, cidrs ...string) {
	t.Helper()
	old := trustedIPNets
	trustedIPNets = nil
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			t.Fatalf("bad cidr %q: %v", c, err)
		}
		trustedIPNets = append(trustedIPNets, ipnet)
	}
	t.Cleanup(func() { trustedIPNets = old })
}

func TestClientIPIgnoresForwardingFromUntrustedPeer(t *testing.T) {
	withTrustedNets(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:4242"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")

	if got := clientIP(r); got != "203.0.113.7" {
		t.Errorf("clientIP = %q, want transport peer", got)
	}
}

func TestClientIPTrustedProxyUsesForwardedFor(t *testing.T) {
	withTrustedNets(t, "10.0.0.0/8")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:4242"
	r.Header.Set("X-Forwarded-For", "unknown, 198.51.100.9, 10.0.0.5")

	if got := clientIP(r); got != "198.51.100.9" {
		t.Errorf("clientIP = %q, want first real forwarded hop", got)
	}
}

func TestClientIPTrustedProxyRealIPFallback(t *testing.T) {
	withTrustedNets(t, "10.0.0.0/8")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:4242"
	r.Header.Set("X-Real-IP", "198.51.100.23")

	if got := clientIP(r); got != "198.51.100.23" {
		t.Errorf("clientIP = %q, want X-Real-IP value", got)
	}
}
