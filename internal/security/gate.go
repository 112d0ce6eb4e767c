// Package security implements the policy gate consulted by the forwarder
// before and after every real outbound call: a blocked-domain set, compiled
// content patterns, size caps, and optional CEL deny rules.
package security

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/della-wonders/wonder/internal/envelope"
)

// Default size caps, matching the envelope's advertised limits.
const (
	DefaultMaxRequestBytes  = 1 << 20  // 1 MiB
	DefaultMaxResponseBytes = 10 << 20 // 10 MiB
)

// OversizeMarker replaces a response body that exceeds the response size
// cap. The recorded digest is computed over this marker, not the original
// body.
const OversizeMarker = "Response too large"

// maxPatternLength bounds user-supplied regex patterns.
const maxPatternLength = 512

// DeniedError reports that a request was rejected by the gate. The reason
// is human-readable and is delivered to the caller in the forbidden
// response body.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return "security: request denied: " + e.Reason }

// Config holds the gate policy. Zero values fall back to defaults.
type Config struct {
	// BlockedDomains are hostnames denied by case-insensitive exact match.
	BlockedDomains []string
	// ExtraPatterns are additional regexes scanned against request URLs,
	// header values, and (observationally) response bodies.
	ExtraPatterns []string
	// Rules are CEL deny rules evaluated against request attributes.
	Rules []Rule
	// MaxRequestBytes caps the request body size.
	MaxRequestBytes int64
	// MaxResponseBytes caps the response body size.
	MaxResponseBytes int64
}

// compiledPattern pairs a pattern with a stable name used in scan logs.
type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// defaultPatterns flag credential-looking tokens and privileged-account
// mentions, matching the policy the relay has always shipped with.
func defaultPatterns() []compiledPattern {
	return []compiledPattern{
		{name: "credential_token", re: regexp.MustCompile(`(?i)\b(password|token|secret|key)\b=`)},
		{name: "privileged_account", re: regexp.MustCompile(`(?i)\b(admin|root|administrator)\b`)},
	}
}

// Gate evaluates requests and filters responses. One Gate instance is
// owned by one forwarder; the blocked-domain set may be appended to at
// runtime, everything else is fixed at construction.
type Gate struct {
	mu       sync.RWMutex
	domains  map[string]struct{}
	patterns []compiledPattern
	rules    []compiledRule

	maxRequestBytes  int64
	maxResponseBytes int64
}

// NewGate compiles the configured patterns and CEL rules and returns a
// ready gate. Invalid patterns or rule expressions fail construction.
func NewGate(cfg Config) (*Gate, error) {
	g := &Gate{
		domains:          make(map[string]struct{}, len(cfg.BlockedDomains)),
		patterns:         defaultPatterns(),
		maxRequestBytes:  cfg.MaxRequestBytes,
		maxResponseBytes: cfg.MaxResponseBytes,
	}
	if g.maxRequestBytes <= 0 {
		g.maxRequestBytes = DefaultMaxRequestBytes
	}
	if g.maxResponseBytes <= 0 {
		g.maxResponseBytes = DefaultMaxResponseBytes
	}

	for _, d := range cfg.BlockedDomains {
		g.domains[strings.ToLower(d)] = struct{}{}
	}

	for i, p := range cfg.ExtraPatterns {
		if len(p) > maxPatternLength {
			return nil, fmt.Errorf("security: pattern %d too long: %d characters (max %d)", i, len(p), maxPatternLength)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("security: invalid pattern %q: %w", p, err)
		}
		g.patterns = append(g.patterns, compiledPattern{
			name: fmt.Sprintf("custom_%d", i+1),
			re:   re,
		})
	}

	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	g.rules = rules

	return g, nil
}

// BlockDomain adds a hostname to the blocked-domain set. The set is
// append-only during a run.
func (g *Gate) BlockDomain(domain string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.domains[strings.ToLower(domain)] = struct{}{}
}

// BlockedDomains returns the current blocklist, sorted.
func (g *Gate) BlockedDomains() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.domains))
	for d := range g.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// ValidateRequest checks a decoded request against the gate policy.
// Checks run in order: domain blocklist, request size cap, content
// patterns over URL and header values, CEL rules. The first failure
// returns a *DeniedError carrying the denial reason.
func (g *Gate) ValidateRequest(d *envelope.RequestDescriptor) error {
	host := hostOf(d.URL)

	g.mu.RLock()
	_, blocked := g.domains[host]
	g.mu.RUnlock()
	if blocked {
		return &DeniedError{Reason: fmt.Sprintf("domain %s is blocked", host)}
	}

	if int64(len(d.Body)) > g.maxRequestBytes {
		return &DeniedError{Reason: fmt.Sprintf("request size %d exceeds limit %d", len(d.Body), g.maxRequestBytes)}
	}

	for _, p := range g.patterns {
		if p.re.MatchString(d.URL) {
			return &DeniedError{Reason: fmt.Sprintf("suspicious pattern %s in URL", p.name)}
		}
		for _, v := range d.Headers {
			if p.re.MatchString(v) {
				return &DeniedError{Reason: fmt.Sprintf("suspicious pattern %s in headers", p.name)}
			}
		}
	}

	if name, matched := g.evalRules(d, host); matched {
		return &DeniedError{Reason: fmt.Sprintf("denied by rule %s", name)}
	}

	return nil
}

// FilterResponse applies the response-side policy to a body. Only the size
// cap mutates content: an oversize body is replaced with OversizeMarker and
// flagged as filtered. Pattern matches in response bodies are detected via
// ScanBody and logged by the caller, never redacted; this asymmetry with
// request-side blocking is deliberate.
func (g *Gate) FilterResponse(body []byte) ([]byte, bool) {
	if int64(len(body)) > g.maxResponseBytes {
		return []byte(OversizeMarker), true
	}
	return body, false
}

// ScanBody returns the names of content patterns that match the body.
// Observational only: findings never alter the delivered content.
func (g *Gate) ScanBody(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	content := string(body)
	var hits []string
	for _, p := range g.patterns {
		if p.re.MatchString(content) {
			hits = append(hits, p.name)
		}
	}
	return hits
}

// Fingerprint returns a stable hash of the active policy (domains,
// patterns, caps). Logged at startup and after blocklist mutation so
// operators can correlate decisions with the policy that produced them.
func (g *Gate) Fingerprint() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	domains := make([]string, 0, len(g.domains))
	for d := range g.domains {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	h := xxhash.New()
	for _, d := range domains {
		_, _ = h.WriteString(d)
		_, _ = h.WriteString("\n")
	}
	for _, p := range g.patterns {
		_, _ = h.WriteString(p.re.String())
		_, _ = h.WriteString("\n")
	}
	_, _ = h.WriteString(fmt.Sprintf("%d/%d", g.maxRequestBytes, g.maxResponseBytes))
	return h.Sum64()
}

// hostOf extracts the lowercase hostname from a URL, or "" if unparseable.
// An unparseable URL is not blocked by the domain check; the pattern scan
// still sees the raw string.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
