package feature

import (
	"context"
	"math"
	"net/netip"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// shortenerDomains are known URL shortening services.
var shortenerDomains = []string{
	"bit.ly", "goo.gl", "shorte.st", "go2l.ink", "x.co", "ow.ly", "t.co",
	"tinyurl.com", "tr.im", "is.gd", "cli.gs", "yfrog.com", "migre.me",
	"ff.im", "tiny.cc", "url4.eu", "twit.ac", "su.pr", "twurl.nl",
	"snipurl.com", "short.to", "budurl.com", "ping.fm", "post.ly",
	"just.as", "bkite.com", "snipr.com", "fic.kr", "loopt.us", "doiop.com",
	"short.ie", "kl.am", "wp.me", "rubyurl.com", "om.ly", "to.ly", "bit.do",
	"lnkd.in", "db.tt", "qr.ae", "adf.ly", "bitly.com", "cur.lv", "ity.im",
	"q.gs", "po.st", "bc.vc", "twitthis.com", "u.to", "j.mp", "buzurl.com",
	"cutt.us", "u.bb", "yourls.org", "prettylinkpro.com", "scrnch.me",
	"filoops.info", "vzturl.com", "qr.net", "1url.com", "tweez.me", "v.gd",
	"link.zip.net",
}

// statsReportDomains are hosts repeatedly seen in phishing statistical reports.
var statsReportDomains = []string{
	"at.ua", "usa.cc", "baltazarpresentes.com.br", "pe.hu", "esy.es",
	"hol.es", "sweddy.com", "myjino.ru", "96.lt", "ow.ly",
}

// homoglyphMap maps lookalike characters to the Latin letters they imitate.
var homoglyphMap = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'у': 'y', 'х': 'x', // Cyrillic
	'і': 'i', 'ј': 'j', 'ѕ': 's', 'һ': 'h', 'ᴀ': 'a', 'ʙ': 'b',
	'0': 'o', '1': 'l', '3': 'e', '4': 'a', '5': 's', '8': 'b',
	'ɡ': 'g', 'ɩ': 'i', 'ν': 'v', 'ω': 'w',
}

// protectedBrands are frequently impersonated names checked after homoglyph
// normalization.
var protectedBrands = []string{
	"google", "facebook", "amazon", "apple", "microsoft", "paypal", "netflix",
	"instagram", "twitter", "linkedin", "github", "dropbox", "chase", "bank",
	"wellsfargo", "citibank", "americanexpress", "visa", "mastercard",
}

// Lexical scores every feature derivable from the URL string alone.
// Network-dependent features stay 0; it never fails on a URL that parses.
type Lexical struct{}

// NewLexical returns the URL-only extractor.
func NewLexical() *Lexical { return &Lexical{} }

// Extract implements Extractor.
func (l *Lexical) Extract(ctx context.Context, rawURL string) (*Vector, error) {
	sanitized := SanitizeURL(rawURL)
	u, err := ValidateURL(ctx, nil, sanitized)
	if err != nil {
		return nil, err
	}

	var v Vector
	host := u.Host
	hostname := u.Hostname()
	lower := strings.ToLower(sanitized)
	bare := bareDomain(hostname)

	// 1: IP literal in place of a domain
	if _, err := netip.ParseAddr(hostname); err == nil {
		v.Values[IdxUsingIPAddress] = -1
	} else {
		v.Values[IdxUsingIPAddress] = 1
	}

	// 2: URL length bands
	switch n := len(sanitized); {
	case n < 54:
		v.Values[IdxURLLength] = 1
	case n <= 75:
		v.Values[IdxURLLength] = 0
	default:
		v.Values[IdxURLLength] = -1
	}

	// 3: known shortener
	v.Values[IdxIsShortener] = 1
	for _, s := range shortenerDomains {
		if strings.Contains(lower, s) {
			v.Values[IdxIsShortener] = -1
			break
		}
	}

	// 4: @ can hide the real destination
	if strings.Contains(sanitized, "@") {
		v.Values[IdxHasAtSymbol] = -1
	} else {
		v.Values[IdxHasAtSymbol] = 1
	}

	// 5: // past the scheme signals an embedded redirect
	if strings.LastIndex(sanitized, "//") > 6 {
		v.Values[IdxDoubleSlashRedirect] = -1
	} else {
		v.Values[IdxDoubleSlashRedirect] = 1
	}

	// 6: dash in domain
	if strings.Contains(host, "-") {
		v.Values[IdxDashInDomain] = -1
	} else {
		v.Values[IdxDashInDomain] = 1
	}

	// 7: subdomain depth
	switch dots := subdomainDots(hostname); {
	case dots == 0:
		v.Values[IdxSubdomainCount] = 1
	case dots == 1:
		v.Values[IdxSubdomainCount] = 0
	default:
		v.Values[IdxSubdomainCount] = -1
	}

	// 8: https scheme
	if u.Scheme == "https" {
		v.Values[IdxHasHTTPS] = 1
	} else {
		v.Values[IdxHasHTTPS] = -1
	}

	// 11: explicit non-standard port
	if p := u.Port(); p != "" && p != "80" && p != "443" {
		v.Values[IdxNonStandardPort] = -1
	} else {
		v.Values[IdxNonStandardPort] = 1
	}

	// 12: "https" embedded in the hostname itself
	if strings.Contains(strings.ToLower(hostname), "https") {
		v.Values[IdxHTTPSInDomainName] = -1
	} else {
		v.Values[IdxHTTPSInDomainName] = 1
	}

	// 26: Shannon entropy of the bare domain label
	v.Values[IdxURLEntropy] = entropyScore(bare)

	// 27: homoglyph brand impersonation
	v.Values[IdxHomoglyphDetected] = homoglyphScore(bare)

	// 30: URL-side statistical report match (IP side is network-dependent)
	v.Values[IdxStatisticalReportMatch] = 1
	for _, bad := range statsReportDomains {
		if strings.Contains(lower, bad) {
			v.Values[IdxStatisticalReportMatch] = -1
			break
		}
	}

	return &v, nil
}

// bareDomain returns the domain label without suffix: "paypal" for
// "login.paypal.com".
func bareDomain(hostname string) string {
	h := strings.ToLower(hostname)
	if _, err := netip.ParseAddr(h); err == nil {
		return ""
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(h)
	if err != nil {
		return h
	}
	if i := strings.IndexByte(etld1, '.'); i > 0 {
		return etld1[:i]
	}
	return etld1
}

func subdomainDots(hostname string) int {
	h := strings.ToLower(hostname)
	if _, err := netip.ParseAddr(h); err == nil {
		return 0
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(h)
	if err != nil || len(h) <= len(etld1) {
		return 0
	}
	sub := strings.TrimSuffix(h, "."+etld1)
	if sub == h {
		return 0
	}
	return strings.Count(sub, ".")
}

func entropyScore(label string) int {
	if label == "" {
		return 0
	}
	freq := make(map[rune]int)
	var n float64
	for _, r := range label {
		freq[r]++
		n++
	}
	var entropy float64
	for _, count := range freq {
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	maxEntropy := 1.0
	if n > 1 {
		maxEntropy = math.Log2(n)
	}
	normalized := 0.0
	if maxEntropy > 0 {
		normalized = entropy / maxEntropy
	}
	switch {
	case normalized > 0.85:
		return -1
	case normalized > 0.70:
		return 0
	default:
		return 1
	}
}

func homoglyphScore(label string) int {
	hasHomoglyph := false
	for _, r := range label {
		if _, ok := homoglyphMap[r]; ok {
			hasHomoglyph = true
			break
		}
	}
	if !hasHomoglyph {
		return 1
	}

	normalized := strings.Map(func(r rune) rune {
		if repl, ok := homoglyphMap[r]; ok {
			return repl
		}
		return r
	}, label)

	for _, brand := range protectedBrands {
		if strings.Contains(normalized, brand) && !strings.Contains(label, brand) {
			return -1
		}
	}
	return 0
}
