// Package domain extracts registered domains (eTLD+1) from hosts and URLs.
package domain

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Registered returns the registered domain (eTLD+1) for a host.
// Hosts are lowercased and stripped of ports and trailing dots before lookup.
// IP literals are returned unchanged; they have no registered domain but
// callers still need a stable key for them.
func Registered(host string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" {
		return "", fmt.Errorf("registered domain: empty host")
	}
	if stripped, _, err := net.SplitHostPort(h); err == nil {
		h = stripped
	}
	h = strings.Trim(h, ".")
	if h == "" {
		return "", fmt.Errorf("registered domain: empty host %q", host)
	}
	if ip := net.ParseIP(strings.Trim(h, "[]")); ip != nil {
		return h, nil
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(h)
	if err != nil {
		return "", fmt.Errorf("registered domain for %q: %w", host, err)
	}
	return etld1, nil
}

// FromURL extracts the registered domain from a raw URL. A missing scheme is
// tolerated so bare hosts like "example.com/login" still resolve.
func FromURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("registered domain: empty url")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		u, err = url.Parse("http://" + raw)
		if err != nil {
			return "", fmt.Errorf("registered domain: parse %q: %w", raw, err)
		}
	}
	return Registered(u.Hostname())
}

// Suffix returns the public suffix for a host ("gov" for "irs.gov",
// "co.uk" for "bbc.co.uk"). Empty on unparseable input.
func Suffix(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	if stripped, _, err := net.SplitHostPort(h); err == nil {
		h = stripped
	}
	h = strings.Trim(h, ".")
	if h == "" || net.ParseIP(strings.Trim(h, "[]")) != nil {
		return ""
	}
	ps, _ := publicsuffix.PublicSuffix(h)
	return ps
}

// IsIPLiteral reports whether host is an IPv4 or IPv6 literal.
func IsIPLiteral(host string) bool {
	h := strings.TrimSpace(host)
	if stripped, _, err := net.SplitHostPort(h); err == nil {
		h = stripped
	}
	return net.ParseIP(strings.Trim(h, "[]")) != nil
}
