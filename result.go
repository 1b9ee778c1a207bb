package alwaysoffline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	classifier "github.com/always-cache/always-offline/pkg/request-classifier"

	platformerrors "github.com/jmgilman/go/errors"
)

// Outcome tells how a request was answered.
type Outcome string

const (
	// Passed through without interception.
	OutcomeBypass Outcome = "bypass"
	// Network response, returned verbatim and not stored.
	OutcomeNetwork Outcome = "network"
	// Served from the asset store without network access.
	OutcomeCacheHit Outcome = "cache-hit"
	// Network failed, served from the asset store.
	OutcomeCacheFallback Outcome = "cache-fallback"
	// Network response that is being written to the asset store.
	OutcomeStored Outcome = "stored"
	// Network failed, answered with the JSON offline marker.
	OutcomeOfflineMarker Outcome = "offline-marker"
	// Network failed, answered with the offline page.
	OutcomeOfflinePage Outcome = "offline-page"
	// Network failed and nothing could be served.
	OutcomeUnavailable Outcome = "unavailable"
	// Network failed, the request was queued in the outbox.
	OutcomeQueued Outcome = "queued"
)

const (
	// OfflineMarkerHeader is set on synthesized offline responses.
	OfflineMarkerHeader = "Offline-Marker"
	// OutboxTokenHeader carries the token of a queued request.
	OutboxTokenHeader = "Outbox-Token"
)

// Result is the answer to an intercepted request.
type Result struct {
	// Response to return to the caller. Nil if Err is set.
	Response *http.Response
	Policy   classifier.Policy
	Outcome  Outcome
	// Network error of a bypassed request.
	// Failures of all other policies are answered with a response.
	Err error
	// Receives the result of the asynchronous store write and is closed,
	// if Outcome is OutcomeStored. Nil otherwise.
	Stored <-chan error
}

func newResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func jsonResponse(req *http.Request, status int, v any) *http.Response {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte(`{"offline":true}`)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return newResponse(req, status, header, body)
}

type offlineMarker struct {
	Offline bool   `json:"offline"`
	Message string `json:"message"`
	URL     string `json:"url,omitempty"`
}

// offlineMarkerResponse answers a read whose data is unavailable offline.
func offlineMarkerResponse(req *http.Request, url string) *http.Response {
	res := jsonResponse(req, http.StatusOK, offlineMarker{
		Offline: true,
		Message: "You are offline",
		URL:     url,
	})
	res.Header.Set(OfflineMarkerHeader, "1")
	return res
}

type unavailable struct {
	Offline bool                          `json:"offline"`
	Message string                        `json:"message"`
	Error   *platformerrors.ErrorResponse `json:"error,omitempty"`
}

func unavailableJSONResponse(req *http.Request, cause error) *http.Response {
	res := jsonResponse(req, http.StatusServiceUnavailable, unavailable{
		Offline: true,
		Message: "You are offline",
		Error:   platformerrors.ToJSON(cause),
	})
	res.Header.Set(OfflineMarkerHeader, "1")
	return res
}

func unavailableTextResponse(req *http.Request) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set(OfflineMarkerHeader, "1")
	return newResponse(req, http.StatusServiceUnavailable, header, []byte("You are offline"))
}

type queued struct {
	Queued bool   `json:"queued"`
	Token  string `json:"token"`
}

func queuedResponse(req *http.Request, token string) *http.Response {
	res := jsonResponse(req, http.StatusAccepted, queued{Queued: true, Token: token})
	res.Header.Set(OutboxTokenHeader, token)
	res.Header.Set(OfflineMarkerHeader, "1")
	return res
}

const builtinOfflinePage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page will be available again once you are back online.</p></body>
</html>
`

func builtinOfflinePageResponse(req *http.Request) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set(OfflineMarkerHeader, "1")
	return newResponse(req, http.StatusServiceUnavailable, header, []byte(builtinOfflinePage))
}
