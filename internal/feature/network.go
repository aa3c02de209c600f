package feature

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	requestTimeout = 3 * time.Second
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0"
	maxBodyBytes   = 4 << 20
)

// knownBadIPs are addresses repeatedly reported hosting phishing kits.
var knownBadIPs = map[string]bool{
	"146.112.61.108":  true,
	"213.174.157.151": true,
	"121.50.168.88":   true,
	"192.185.217.116": true,
	"78.46.211.158":   true,
	"181.174.165.13":  true,
}

var anchorTagRe = regexp.MustCompile(`(?i)<a\s+href=`)

// rdapDomain is the subset of an RDAP domain response we consume for
// registration-age features.
type rdapDomain struct {
	Events []struct {
		Action string `json:"eventAction"`
		Date   string `json:"eventDate"`
	} `json:"events"`
	Handle string `json:"handle"`
}

// Network enriches the lexical vector with HTTP page analysis, DNS presence,
// RDAP registration data, and TLS certificate age. Every lookup failure is
// recorded in the drift flags and the affected features stay neutral.
type Network struct {
	lexical  *Lexical
	client   *http.Client
	resolver *net.Resolver
	rdapBase string
	now      func() time.Time
}

// NetworkOption customizes a Network extractor.
type NetworkOption func(*Network)

// WithHTTPClient overrides the page-fetch client.
func WithHTTPClient(c *http.Client) NetworkOption {
	return func(n *Network) { n.client = c }
}

// WithResolver overrides the DNS resolver.
func WithResolver(r *net.Resolver) NetworkOption {
	return func(n *Network) { n.resolver = r }
}

// WithRDAPBase overrides the RDAP bootstrap endpoint.
func WithRDAPBase(base string) NetworkOption {
	return func(n *Network) { n.rdapBase = base }
}

// NewNetwork returns the full extractor.
func NewNetwork(opts ...NetworkOption) *Network {
	n := &Network{
		lexical:  NewLexical(),
		client:   &http.Client{Timeout: requestTimeout},
		resolver: net.DefaultResolver,
		rdapBase: "https://rdap.org/domain/",
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

type pageData struct {
	doc       *goquery.Document
	body      string
	redirects int
}

// Extract implements Extractor. The three network lookups run concurrently.
func (n *Network) Extract(ctx context.Context, rawURL string) (*Vector, error) {
	v, err := n.lexical.Extract(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	sanitized := SanitizeURL(rawURL)
	u, err := ValidateURL(ctx, n.resolver, sanitized)
	if err != nil {
		return nil, err
	}
	hostname := u.Hostname()

	var (
		wg   sync.WaitGroup
		page *pageData
		rdap *rdapDomain
		ips  []string
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		var ferr error
		page, ferr = n.fetchPage(ctx, sanitized)
		if ferr != nil {
			v.Drift.HTTPFailed = true
			v.Drift.HTTPError = ferr.Error()
		}
	}()
	go func() {
		defer wg.Done()
		var ferr error
		rdap, ferr = n.fetchRDAP(ctx, hostname)
		if ferr != nil {
			v.Drift.WHOISFailed = true
			v.Drift.WHOISError = ferr.Error()
		}
	}()
	go func() {
		defer wg.Done()
		var ferr error
		ips, ferr = n.lookupDNS(ctx, hostname)
		if ferr != nil {
			v.Drift.DNSFailed = true
			v.Drift.DNSError = ferr.Error()
		}
	}()
	wg.Wait()

	if page != nil {
		n.scorePage(v, page, hostname)
	}
	if rdap != nil {
		n.scoreRegistration(v, rdap)
	}
	n.scoreDNS(v, ips)
	v.Values[IdxCertificateAge] = n.certificateAgeScore(hostname)

	return v, nil
}

func (n *Network) fetchPage(ctx context.Context, rawURL string) (*pageData, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	redirects := 0
	client := *n.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		redirects = len(via)
		if len(via) >= 10 {
			return http.ErrUseLastResponse
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only close

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	body := string(raw)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	return &pageData{doc: doc, body: body, redirects: redirects}, nil
}

func (n *Network) fetchRDAP(ctx context.Context, hostname string) (*rdapDomain, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.rdapBase+hostname, nil)
	if err != nil {
		return nil, err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only close
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rdap status %d", resp.StatusCode)
	}

	var d rdapDomain
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (n *Network) lookupDNS(ctx context.Context, hostname string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	addrs, err := n.resolver.LookupHost(ctx, hostname)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// scorePage fills the HTTP-derived features 10 and 13-23 and 29.
func (n *Network) scorePage(v *Vector, page *pageData, hostname string) {
	doc, body := page.doc, page.body
	lowerBody := strings.ToLower(body)

	// 10: favicon served from a foreign host
	v.Values[IdxExternalFavicon] = 1
	doc.Find("link[rel*='icon']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if href != "" && !strings.Contains(href, hostname) && !strings.HasPrefix(href, "/") {
			v.Values[IdxExternalFavicon] = -1
			return false
		}
		return true
	})

	// 13: external media resources ratio
	total, external := 0, 0
	doc.Find("img, audio, video, embed, source").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src == "" {
			return
		}
		total++
		if strings.HasPrefix(src, "http") && !strings.Contains(src, hostname) {
			external++
		}
	})
	v.Values[IdxExternalResourcesRatio] = ratioScore(external, total, 22, 61)

	// 14: unsafe anchors ratio
	total, unsafe := 0, 0
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		total++
		lower := strings.ToLower(href)
		switch {
		case strings.Contains(href, "#"), strings.Contains(lower, "javascript"), strings.Contains(lower, "mailto"):
			unsafe++
		case !strings.Contains(href, hostname) && !strings.HasPrefix(href, "/"):
			unsafe++
		}
	})
	v.Values[IdxUnsafeAnchorsRatio] = ratioScore(unsafe, total, 31, 67)

	// 15: internal share of script/link references (inverted bands)
	total, internal := 0, 0
	doc.Find("script, link").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok {
			src, ok = s.Attr("href")
		}
		if !ok || src == "" {
			return
		}
		total++
		if strings.Contains(src, hostname) || strings.HasPrefix(src, "/") {
			internal++
		}
	})
	if total == 0 {
		v.Values[IdxExternalScriptsRatio] = 0
	} else {
		percent := float64(internal) / float64(total) * 100
		switch {
		case percent >= 81:
			v.Values[IdxExternalScriptsRatio] = 1
		case percent >= 17:
			v.Values[IdxExternalScriptsRatio] = 0
		default:
			v.Values[IdxExternalScriptsRatio] = -1
		}
	}

	// 16: form handlers submitting elsewhere
	forms := doc.Find("form[action]")
	if forms.Length() == 0 {
		v.Values[IdxSuspiciousFormHandler] = 1
	} else {
		score := 1
		forms.EachWithBreak(func(_ int, s *goquery.Selection) bool {
			action, _ := s.Attr("action")
			if action == "" || action == "about:blank" {
				score = -1
				return false
			}
			if !strings.Contains(action, hostname) && !strings.HasPrefix(action, "/") {
				score = 0
			}
			return true
		})
		v.Values[IdxSuspiciousFormHandler] = score
	}

	// 17: mailto links
	if strings.Contains(body, "mailto:") {
		v.Values[IdxHasMailtoLinks] = -1
	} else {
		v.Values[IdxHasMailtoLinks] = 1
	}

	// 19: redirect chain length
	switch {
	case page.redirects <= 1:
		v.Values[IdxRedirectCount] = 1
	case page.redirects <= 4:
		v.Values[IdxRedirectCount] = 0
	default:
		v.Values[IdxRedirectCount] = -1
	}

	// 20: status bar manipulation
	if strings.Contains(lowerBody, "onmouseover") {
		v.Values[IdxStatusBarManipulation] = -1
	} else {
		v.Values[IdxStatusBarManipulation] = 1
	}

	// 21: right-click disabled
	if strings.Contains(strings.ReplaceAll(body, " ", ""), "event.button==2") {
		v.Values[IdxRightClickDisabled] = -1
	} else {
		v.Values[IdxRightClickDisabled] = 1
	}

	// 22: popup windows
	if strings.Contains(lowerBody, "window.open(") || strings.Contains(lowerBody, "alert(") {
		v.Values[IdxPopupWindows] = -1
	} else {
		v.Values[IdxPopupWindows] = 1
	}

	// 23: iframes present
	if doc.Find("iframe").Length() > 0 {
		v.Values[IdxIframePresent] = -1
	} else {
		v.Values[IdxIframePresent] = 1
	}

	// 29: anchor density
	switch links := len(anchorTagRe.FindAllString(body, -1)); {
	case links == 0:
		v.Values[IdxExternalLinksCount] = 1
	case links <= 2:
		v.Values[IdxExternalLinksCount] = 0
	default:
		v.Values[IdxExternalLinksCount] = -1
	}
}

func ratioScore(part, total int, safeBelow, neutralBelow float64) int {
	if total == 0 {
		return 0
	}
	percent := float64(part) / float64(total) * 100
	switch {
	case percent < safeBelow:
		return 1
	case percent < neutralBelow:
		return 0
	default:
		return -1
	}
}

// scoreRegistration fills features 9, 18, and 24 from RDAP events.
func (n *Network) scoreRegistration(v *Vector, d *rdapDomain) {
	var registered, expires time.Time
	for _, ev := range d.Events {
		t, err := time.Parse(time.RFC3339, ev.Date)
		if err != nil {
			continue
		}
		switch ev.Action {
		case "registration":
			registered = t
		case "expiration":
			expires = t
		}
	}

	// 18: registration record present at all
	if d.Handle != "" || len(d.Events) > 0 {
		v.Values[IdxAbnormalURLWhois] = 1
	}

	// 9: registration period of at least a year
	if !registered.IsZero() && !expires.IsZero() {
		if expires.Sub(registered) >= 365*24*time.Hour {
			v.Values[IdxDomainRegistrationLength] = 1
		} else {
			v.Values[IdxDomainRegistrationLength] = -1
		}
	}

	// 24: domain at least six months old
	if !registered.IsZero() {
		if n.now().Sub(registered) >= 182*24*time.Hour {
			v.Values[IdxDomainAge] = 1
		} else {
			v.Values[IdxDomainAge] = -1
		}
	}
}

// scoreDNS fills features 25 and the resolved-IP side of 30.
func (n *Network) scoreDNS(v *Vector, ips []string) {
	if len(ips) > 0 {
		v.Values[IdxHasDNSRecord] = 1
	}
	for _, ip := range ips {
		if knownBadIPs[ip] {
			v.Values[IdxStatisticalReportMatch] = -1
			return
		}
	}
}

// certificateAgeScore handshakes on :443 and bands the leaf certificate age.
// Failures are neutral, not drift: plain-http sites legitimately have no cert.
func (n *Network) certificateAgeScore(hostname string) int {
	dialer := &net.Dialer{Timeout: requestTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(hostname, "443"), &tls.Config{
		ServerName:         hostname,
		InsecureSkipVerify: true, // we read notBefore, trust is not evaluated here
	})
	if err != nil {
		return 0
	}
	defer conn.Close() //nolint:errcheck // read-only probe

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return 0
	}
	return certAgeBand(certs[0], n.now())
}

func certAgeBand(cert *x509.Certificate, now time.Time) int {
	age := now.Sub(cert.NotBefore)
	switch {
	case age < 30*24*time.Hour:
		return -1
	case age < 90*24*time.Hour:
		return 0
	default:
		return 1
	}
}
