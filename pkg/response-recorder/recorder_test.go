package recorder

import (
	"io"
	"net/http"
	"testing"
)

func TestRecorderResponse(t *testing.T) {
	req, _ := http.NewRequest("GET", "http://app.test/", nil)
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		w.Header().Set("X-Too-Late", "1")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "created")
	})

	rec := New()
	h.ServeHTTP(rec, req)
	res := rec.Response(req)

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if res.Header.Get("Content-Type") != "text/plain" || res.Header.Get("X-Too-Late") != "" {
		t.Fatalf("Header is %v", res.Header)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "created" || res.ContentLength != 7 {
		t.Fatalf("Body is %q (%d)", body, res.ContentLength)
	}
	if res.Request != req {
		t.Fatal("Request not attached")
	}
}

func TestRecorderDefaultsToOK(t *testing.T) {
	rec := New()
	rec.WriteHeader(http.StatusContinue)
	if rec.StatusCode() != http.StatusOK {
		t.Fatalf("Status is %d", rec.StatusCode())
	}
	rec.Write([]byte("x"))
	if rec.StatusCode() != http.StatusOK {
		t.Fatalf("Status is %d", rec.StatusCode())
	}
}
