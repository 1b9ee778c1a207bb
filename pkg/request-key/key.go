package requestkey

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

const (
	methodSeparator = " "
	varySeparator   = "\n"
)

// Keyer derives store keys from requests.
// Two requests with the same key are interchangeable for a cache lookup.
type Keyer struct {
	// Base URL used to resolve relative request URLs.
	// Usually this is the origin of the application.
	Base *url.URL
	// Request header fields that take part in the key.
	Vary []string
}

func NewKeyer(base *url.URL, vary ...string) Keyer {
	return Keyer{Base: base, Vary: vary}
}

// Key returns the store key for a request.
// The key consists of the method, the normalized absolute URL
// and one line per configured vary header present in the request.
func (k Keyer) Key(r *http.Request) string {
	key := k.BaseKey(r)
	for _, name := range k.Vary {
		if values := r.Header.Values(name); len(values) > 0 {
			key += varySeparator + strings.ToLower(name) + ": " + strings.Join(values, ", ")
		}
	}
	return key
}

// BaseKey returns the key of the request without vary lines.
// Records stored under it match any value of the vary headers.
func (k Keyer) BaseKey(r *http.Request) string {
	return strings.ToUpper(r.Method) + methodSeparator + k.Normalize(r.URL).String()
}

// KeyForURL returns the key of a GET request for the given (possibly relative) URL.
// It is used for manifest entries, which never carry vary headers.
func (k Keyer) KeyForURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return http.MethodGet + methodSeparator + k.Normalize(u).String(), nil
}

// Resolve returns the absolute form of a (possibly relative) URL.
func (k Keyer) Resolve(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return k.Normalize(u), nil
}

// Normalize resolves the URL against the base and canonicalizes it:
// lower-case scheme and host, no default port, no fragment, "/" for an empty path.
func (k Keyer) Normalize(u *url.URL) *url.URL {
	n := *u
	if !n.IsAbs() && k.Base != nil {
		n = *k.Base.ResolveReference(u)
	}
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	if host, port, err := net.SplitHostPort(n.Host); err == nil {
		if (n.Scheme == "http" && port == "80") || (n.Scheme == "https" && port == "443") {
			n.Host = host
		}
	}
	if n.Path == "" && n.Opaque == "" && n.Host != "" {
		n.Path = "/"
	}
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil
	return &n
}
