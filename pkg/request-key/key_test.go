package requestkey

import (
	"net/http"
	"net/url"
	"testing"
)

func keyer(t *testing.T, vary ...string) Keyer {
	base, err := url.Parse("https://App.Example.com")
	if err != nil {
		t.Fatal(err)
	}
	return NewKeyer(base, vary...)
}

func TestRelativeAndAbsoluteRequestsShareKey(t *testing.T) {
	k := keyer(t)
	rel, _ := http.NewRequest("GET", "/h/style.css", nil)
	abs, _ := http.NewRequest("GET", "https://app.example.com:443/h/style.css#top", nil)

	if k.Key(rel) != k.Key(abs) {
		t.Fatalf("Keys differ: %q and %q", k.Key(rel), k.Key(abs))
	}
	if key := k.Key(rel); key != "GET https://app.example.com/h/style.css" {
		t.Fatalf("Key is %q", key)
	}
}

func TestMethodAndQueryAreDistinct(t *testing.T) {
	k := keyer(t)
	get, _ := http.NewRequest("GET", "/api?page=1", nil)
	head, _ := http.NewRequest("HEAD", "/api?page=1", nil)
	page2, _ := http.NewRequest("GET", "/api?page=2", nil)

	if k.Key(get) == k.Key(head) {
		t.Fatal("GET and HEAD share a key")
	}
	if k.Key(get) == k.Key(page2) {
		t.Fatal("Different queries share a key")
	}
}

func TestVaryHeadersAreAppended(t *testing.T) {
	k := keyer(t, "Accept-Language")
	ar, _ := http.NewRequest("GET", "/", nil)
	ar.Header.Set("Accept-Language", "ar")
	en, _ := http.NewRequest("GET", "/", nil)
	en.Header.Set("Accept-Language", "en")
	none, _ := http.NewRequest("GET", "/", nil)

	if k.Key(ar) == k.Key(en) {
		t.Fatal("Vary header not part of key")
	}
	if key := k.Key(ar); key != "GET https://app.example.com/\naccept-language: ar" {
		t.Fatalf("Key is %q", key)
	}
	if key := k.Key(none); key != "GET https://app.example.com/" {
		t.Fatalf("Key is %q", key)
	}
}

func TestKeyForURLMatchesRequestKey(t *testing.T) {
	k := keyer(t)
	req, _ := http.NewRequest("GET", "https://app.example.com/h/", nil)
	key, err := k.KeyForURL("/h/")
	if err != nil {
		t.Fatal(err)
	}
	if key != k.Key(req) {
		t.Fatalf("Manifest key %q does not match request key %q", key, k.Key(req))
	}
}

func TestBaseKeyIgnoresVaryHeaders(t *testing.T) {
	k := keyer(t, "Accept-Language")
	req, _ := http.NewRequest("GET", "/h/style.css", nil)
	req.Header.Set("Accept-Language", "fi")
	manifest, err := k.KeyForURL("/h/style.css")
	if err != nil {
		t.Fatal(err)
	}

	if k.Key(req) == manifest {
		t.Fatalf("Key %q has no vary line", k.Key(req))
	}
	if k.BaseKey(req) != manifest {
		t.Fatalf("Base key %q does not match manifest key %q", k.BaseKey(req), manifest)
	}
}

func TestEmptyPathBecomesSlash(t *testing.T) {
	k := keyer(t)
	u, err := k.Resolve("https://cdn.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if u.String() != "https://cdn.example.com/" {
		t.Fatalf("Resolved URL is %s", u)
	}
}
