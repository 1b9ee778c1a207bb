// Package cacheupdate reads the `Cache-Update` response header,
// with which the origin names stored resources that a write made stale.
package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const HeaderName = "Cache-Update"

var delayRegexp = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// CacheUpdate represents a single `Cache-Update` entry.
type CacheUpdate struct {
	// Absolute URL of the resource, resolved against the request URL.
	URL *url.URL
	// Update delay, i.e. delay update by this duration.
	Delay time.Duration
}

// GetCacheUpdates gets the updates specified by the response to a write.
// Responses to safe methods and refusals specify nothing.
// Entries may be given as separate header fields or as a comma separated list.
func GetCacheUpdates(req *http.Request, res *http.Response) []CacheUpdate {
	if isSafe(req.Method) || res.StatusCode >= 400 {
		return nil
	}
	var updates []CacheUpdate
	for _, field := range res.Header.Values(HeaderName) {
		for _, update := range strings.Split(field, ",") {
			u, ok := getURL(req.URL, update)
			if !ok {
				continue
			}
			updates = append(updates, CacheUpdate{URL: u, Delay: getDelay(update)})
		}
	}
	return updates
}

// getURL returns the URL to update from the header entry.
// The URL is the first parameter in the entry (separated by a semicolon).
func getURL(base *url.URL, update string) (*url.URL, bool) {
	possiblyRelativeURL := strings.TrimSpace(strings.Split(update, ";")[0])
	if possiblyRelativeURL == "" {
		return nil, false
	}
	ref, err := url.Parse(possiblyRelativeURL)
	if err != nil {
		return nil, false
	}
	return base.ResolveReference(ref), true
}

// getDelay returns the delay directive `delay=N` (seconds) of the entry, or 0.
func getDelay(update string) time.Duration {
	if matches := delayRegexp.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}

func isSafe(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
