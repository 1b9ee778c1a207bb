package classifier

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// Policy is the caching strategy applied to a request.
type Policy string

const (
	// Bypass passes the request through without interception.
	Bypass Policy = "bypass"
	// NetworkFirst uses the network and falls back to the store when offline.
	// Responses are never stored.
	NetworkFirst Policy = "network-first"
	// CacheFirst serves from the store and refills it from the network on a miss.
	CacheFirst Policy = "cache-first"
	// DeferredWrite sends the request and queues it in the outbox when offline.
	DeferredWrite Policy = "deferred-write"
)

func (p Policy) Valid() bool {
	switch p {
	case Bypass, NetworkFirst, CacheFirst, DeferredWrite:
		return true
	}
	return false
}

type Rules []Rule

// Rule matches requests by URL and method.
// Empty fields match anything.
type Rule struct {
	Name string `yaml:"name"`
	// URL scheme, e.g. `chrome-extension`.
	Scheme string `yaml:"scheme"`
	// Glob for the host (including port), e.g. `*.googleapis.com`.
	Host string `yaml:"host"`
	// Glob for the path. `*` stays within a path segment, `**` crosses segments.
	Path    string   `yaml:"path"`
	Methods []string `yaml:"methods"`
	Policy  Policy   `yaml:"policy"`
}

// DefaultRules bypasses browser extensions and keeps Firebase traffic live.
func DefaultRules() Rules {
	return Rules{
		{Name: "browser-extension", Scheme: "chrome-extension", Policy: Bypass},
		{Name: "firebase-host", Host: "*firebase*", Policy: NetworkFirst},
		{Name: "firebase-path", Path: "**firebase**", Policy: NetworkFirst},
	}
}

// Decision is the outcome of classifying a request.
type Decision struct {
	Policy Policy
	// Name of the matching rule, empty if a default applied.
	Rule       string
	Navigation bool
}

type compiledRule struct {
	Rule
	host    glob.Glob
	path    glob.Glob
	methods map[string]bool
}

// Classifier evaluates rules in order; the first matching rule wins.
type Classifier struct {
	rules []compiledRule
	// scheme and host of the application, nil if unknown
	origin *url.URL
}

// New compiles the rules.
// origin is the normalized application origin; unmatched writes to it are deferred.
// It fails on an unknown policy or an invalid pattern.
func New(rules Rules, origin *url.URL) (*Classifier, error) {
	c := &Classifier{rules: make([]compiledRule, 0, len(rules))}
	if origin != nil && origin.Host != "" {
		c.origin = origin
	}
	for i, rule := range rules {
		if !rule.Policy.Valid() {
			return nil, fmt.Errorf("rule %d (%s): unknown policy %q", i, rule.Name, rule.Policy)
		}
		cr := compiledRule{Rule: rule}
		var err error
		if rule.Host != "" {
			if cr.host, err = glob.Compile(strings.ToLower(rule.Host)); err != nil {
				return nil, fmt.Errorf("rule %d (%s): invalid host pattern: %w", i, rule.Name, err)
			}
		}
		if rule.Path != "" {
			if cr.path, err = glob.Compile(rule.Path, '/'); err != nil {
				return nil, fmt.Errorf("rule %d (%s): invalid path pattern: %w", i, rule.Name, err)
			}
		}
		if len(rule.Methods) > 0 {
			cr.methods = make(map[string]bool, len(rule.Methods))
			for _, m := range rule.Methods {
				cr.methods[strings.ToUpper(m)] = true
			}
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

// Classify returns the policy for the request.
// u is the absolute, normalized request URL; the request body is never inspected.
// Without a matching rule, non-HTTP schemes are bypassed, safe methods are
// cache-first, writes to the origin are deferred and everything else is bypassed.
func (c *Classifier) Classify(r *http.Request, u *url.URL) Decision {
	d := Decision{Navigation: IsNavigation(r)}
	for _, rule := range c.rules {
		if rule.matches(r.Method, u) {
			d.Policy = rule.Policy
			d.Rule = rule.Name
			return d
		}
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		d.Policy = Bypass
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		d.Policy = CacheFirst
	case isWrite(r.Method) && c.sameOrigin(u):
		d.Policy = DeferredWrite
	default:
		d.Policy = Bypass
	}
	return d
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func (c *Classifier) sameOrigin(u *url.URL) bool {
	return c.origin != nil && u.Scheme == c.origin.Scheme && u.Host == c.origin.Host
}

func (r compiledRule) matches(method string, u *url.URL) bool {
	if r.Scheme != "" && !strings.EqualFold(r.Scheme, u.Scheme) {
		return false
	}
	if r.methods != nil && !r.methods[strings.ToUpper(method)] {
		return false
	}
	if r.host != nil && !r.host.Match(strings.ToLower(u.Host)) {
		return false
	}
	if r.path != nil && !r.path.Match(u.EscapedPath()) {
		return false
	}
	return true
}

// IsNavigation reports whether the request loads a full page.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}
