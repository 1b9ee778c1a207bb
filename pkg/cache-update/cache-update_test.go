package cacheupdate

import (
	"net/http"
	"net/url"
	"testing"
	"time"
)

func TestGetCacheUpdates(t *testing.T) {
	tests := []struct {
		method string
		status int
		fields []string
		want   []string
		delays []time.Duration
	}{
		{"POST", 201, []string{"/list"}, []string{"https://app.test/list"}, []time.Duration{0}},
		{"POST", 200, []string{"/list; delay=2", "count"}, []string{"https://app.test/list", "https://app.test/api/count"}, []time.Duration{2 * time.Second, 0}},
		{"PUT", 204, []string{"/a, /b;DELAY=1"}, []string{"https://app.test/a", "https://app.test/b"}, []time.Duration{0, time.Second}},
		{"POST", 200, []string{"https://cdn.test/x.js"}, []string{"https://cdn.test/x.js"}, []time.Duration{0}},
		{"POST", 200, []string{" ; delay=3", ""}, nil, nil},
		{"POST", 409, []string{"/list"}, nil, nil},
		{"GET", 200, []string{"/list"}, nil, nil},
	}
	for _, tt := range tests {
		reqURL, _ := url.Parse("https://app.test/api/reservations")
		req := &http.Request{Method: tt.method, URL: reqURL}
		res := &http.Response{StatusCode: tt.status, Header: http.Header{}}
		for _, f := range tt.fields {
			res.Header.Add(HeaderName, f)
		}

		updates := GetCacheUpdates(req, res)

		if len(updates) != len(tt.want) {
			t.Fatalf("%s %d %v: got %d updates, want %d", tt.method, tt.status, tt.fields, len(updates), len(tt.want))
		}
		for i, u := range updates {
			if u.URL.String() != tt.want[i] {
				t.Errorf("URL is %s, want %s", u.URL, tt.want[i])
			}
			if u.Delay != tt.delays[i] {
				t.Errorf("Delay of %s is %s, want %s", u.URL, u.Delay, tt.delays[i])
			}
		}
	}
}
