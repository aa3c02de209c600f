// Package feature extracts the classifier input vector from a URL.
//
// Thirty features are scored in {-1, 0, 1}: -1 is a phishing indicator,
// 1 a safe indicator, 0 neutral or unknown. Network failures always score
// the affected features 0 and set the matching drift flag; they never score
// -1, so an outage cannot masquerade as a phishing signal.
package feature

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// FeatureCount is the number of scored features; ModelInputSize adds the
// three drift indicators appended for model input.
const (
	FeatureCount   = 30
	ModelInputSize = 33
)

// ErrInvalidURL marks input that cannot be analyzed at all.
var ErrInvalidURL = errors.New("invalid url")

// Feature indices, in vector order.
const (
	IdxUsingIPAddress = iota
	IdxURLLength
	IdxIsShortener
	IdxHasAtSymbol
	IdxDoubleSlashRedirect
	IdxDashInDomain
	IdxSubdomainCount
	IdxHasHTTPS
	IdxDomainRegistrationLength
	IdxExternalFavicon
	IdxNonStandardPort
	IdxHTTPSInDomainName
	IdxExternalResourcesRatio
	IdxUnsafeAnchorsRatio
	IdxExternalScriptsRatio
	IdxSuspiciousFormHandler
	IdxHasMailtoLinks
	IdxAbnormalURLWhois
	IdxRedirectCount
	IdxStatusBarManipulation
	IdxRightClickDisabled
	IdxPopupWindows
	IdxIframePresent
	IdxDomainAge
	IdxHasDNSRecord
	IdxURLEntropy
	IdxHomoglyphDetected
	IdxCertificateAge
	IdxExternalLinksCount
	IdxStatisticalReportMatch
)

// Names lists the features in vector order, for explanations and telemetry.
var Names = [FeatureCount]string{
	"using_ip_address",
	"url_length",
	"is_shortener",
	"has_at_symbol",
	"has_double_slash_redirect",
	"has_dash_in_domain",
	"subdomain_count",
	"has_https",
	"domain_registration_length",
	"external_favicon",
	"non_standard_port",
	"https_in_domain_name",
	"external_resources_ratio",
	"unsafe_anchors_ratio",
	"external_scripts_ratio",
	"suspicious_form_handler",
	"has_mailto_links",
	"abnormal_url_whois",
	"redirect_count",
	"status_bar_manipulation",
	"right_click_disabled",
	"popup_windows",
	"iframe_present",
	"domain_age",
	"has_dns_record",
	"url_entropy",
	"homoglyph_detected",
	"certificate_age",
	"external_links_count",
	"statistical_report_match",
}

// Descriptions gives the human-readable explanation text per feature.
var Descriptions = map[string]string{
	"using_ip_address":           "URL uses IP address instead of domain name",
	"url_length":                 "URL length exceeds normal thresholds",
	"is_shortener":               "URL uses a known URL shortening service",
	"has_at_symbol":              "URL contains @ symbol (can hide real destination)",
	"has_double_slash_redirect":  "URL has suspicious // redirect pattern",
	"has_dash_in_domain":         "Domain name contains dash (common in phishing)",
	"subdomain_count":            "Excessive number of subdomains",
	"has_https":                  "Site uses HTTPS encryption",
	"domain_registration_length": "Domain registration period",
	"external_favicon":           "Favicon loaded from external domain",
	"non_standard_port":          "Site uses non-standard port number",
	"https_in_domain_name":       "Domain name contains 'https' text (deceptive)",
	"external_resources_ratio":   "High ratio of external resources",
	"unsafe_anchors_ratio":       "Links point to external or suspicious targets",
	"external_scripts_ratio":     "Scripts loaded from external sources",
	"suspicious_form_handler":    "Form submits data to external server",
	"has_mailto_links":           "Page contains mailto links",
	"abnormal_url_whois":         "Registration data appears abnormal",
	"redirect_count":             "Multiple redirects before final page",
	"status_bar_manipulation":    "JavaScript manipulates browser status bar",
	"right_click_disabled":       "Right-click functionality disabled",
	"popup_windows":              "Page opens popup windows",
	"iframe_present":             "Page contains iframes (can hide content)",
	"domain_age":                 "Domain is newly registered",
	"has_dns_record":             "Domain has valid DNS records",
	"url_entropy":                "Domain name has high randomness (suspicious)",
	"homoglyph_detected":         "Domain contains lookalike characters mimicking brands",
	"certificate_age":            "SSL certificate age (newly issued = suspicious)",
	"external_links_count":       "Number of external links on page",
	"statistical_report_match":   "Domain/IP matches known phishing patterns",
}

// Drift flag names appended to the model input.
const (
	DriftHTTPFailed  = "http_failed"
	DriftWHOISFailed = "whois_failed"
	DriftDNSFailed   = "dns_failed"
)

// DriftFlags records which network lookups failed during extraction.
type DriftFlags struct {
	HTTPError   string `json:"http_error,omitempty"`
	WHOISError  string `json:"whois_error,omitempty"`
	DNSError    string `json:"dns_error,omitempty"`
	HTTPFailed  bool   `json:"http_failed"`
	WHOISFailed bool   `json:"whois_failed"`
	DNSFailed   bool   `json:"dns_failed"`
}

// Any reports whether any network lookup failed.
func (d DriftFlags) Any() bool {
	return d.HTTPFailed || d.WHOISFailed || d.DNSFailed
}

// List returns the names of the failed lookups, in model-input order.
func (d DriftFlags) List() []string {
	var out []string
	if d.HTTPFailed {
		out = append(out, DriftHTTPFailed)
	}
	if d.WHOISFailed {
		out = append(out, DriftWHOISFailed)
	}
	if d.DNSFailed {
		out = append(out, DriftDNSFailed)
	}
	return out
}

// Vector holds the scored features plus failure tracking.
type Vector struct {
	Values [FeatureCount]int
	Drift  DriftFlags
}

// ModelInput returns the 33-element input: the 30 scores followed by the
// three binary drift indicators.
func (v *Vector) ModelInput() [ModelInputSize]float64 {
	var in [ModelInputSize]float64
	for i, val := range v.Values {
		in[i] = float64(val)
	}
	if v.Drift.HTTPFailed {
		in[FeatureCount] = 1
	}
	if v.Drift.WHOISFailed {
		in[FeatureCount+1] = 1
	}
	if v.Drift.DNSFailed {
		in[FeatureCount+2] = 1
	}
	return in
}

// Extractor produces a feature vector for a URL.
type Extractor interface {
	Extract(ctx context.Context, rawURL string) (*Vector, error)
}

// blockedRanges are never fetched: loopback, RFC1918, link-local, current net.
var blockedRanges = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
}

// Input length bounds, applied to the trimmed URL before any parsing.
const (
	MinURLLength = 4
	MaxURLLength = 2000
)

// CheckBounds screens raw input before sanitization: after trimming it must
// be between MinURLLength and MaxURLLength characters and contain no
// internal whitespace.
func CheckBounds(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < MinURLLength {
		return fmt.Errorf("%w: shorter than %d characters", ErrInvalidURL, MinURLLength)
	}
	if len(trimmed) > MaxURLLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidURL, MaxURLLength)
	}
	if strings.ContainsAny(trimmed, " \t\r\n") {
		return fmt.Errorf("%w: contains whitespace", ErrInvalidURL)
	}
	return nil
}

// SanitizeURL trims the input and defaults a missing scheme to https.
func SanitizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	return raw
}

// ValidateURL parses and screens a URL before any network fetch.
// Only http/https schemes are allowed, a hostname must be present, and hosts
// resolving to blocked ranges are refused. Unresolvable hosts pass: they may
// still be legitimate and the extractor handles lookup failures separately.
func ValidateURL(ctx context.Context, resolver *net.Resolver, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: no hostname", ErrInvalidURL)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlocked(addr) {
			return nil, fmt.Errorf("%w: blocked local or private address %s", ErrInvalidURL, host)
		}
		return u, nil
	}

	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return u, nil
	}
	for _, addr := range addrs {
		if isBlocked(addr) {
			return nil, fmt.Errorf("%w: host %s resolves to blocked address %s", ErrInvalidURL, host, addr)
		}
	}
	return u, nil
}

func isBlocked(addr netip.Addr) bool {
	for _, p := range blockedRanges {
		if p.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}
