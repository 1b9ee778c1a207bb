package alwaysoffline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/outbox"
	"github.com/always-cache/always-offline/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func serve(w *Worker, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func queue(t *testing.T, w *Worker, body string) string {
	t.Helper()
	result := w.Handle(httptest.NewRequest(http.MethodPost, "/api/reservations", strings.NewReader(body)))
	require.Equal(t, OutcomeQueued, result.Outcome)
	// keep enqueue timestamps apart
	time.Sleep(2 * time.Millisecond)
	return result.Response.Header.Get(OutboxTokenHeader)
}

func TestAdminStores(t *testing.T) {
	w, _, _ := startedWorker(t)

	rr := serve(w, http.MethodGet, "/.offline/stores")
	require.Equal(t, http.StatusOK, rr.Code)
	var res storesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, []string{"app-assets-v1", "app-meta", "app-outbox"}, res.Stores)
	assert.Equal(t, "v1", res.ActiveVersion)
	assert.Equal(t, "app-assets-v1", res.ActiveStore)
}

func TestAdminOutbox(t *testing.T) {
	w, n, o := startedWorker(t)
	n.offline.Store(true)
	first := queue(t, w, `{"hall":1}`)
	second := queue(t, w, `{"hall":2}`)

	rr := serve(w, http.MethodGet, "/.offline/outbox")
	require.Equal(t, http.StatusOK, rr.Code)
	var entries []outboxEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, first, entries[0].Token)
	assert.Equal(t, second, entries[1].Token)
	assert.Equal(t, http.MethodPost, entries[0].Method)
	assert.Equal(t, o.URL+"/api/reservations", entries[0].URL)
	assert.Equal(t, `{"hall":1}`, string(entries[0].Body))
	assert.Nil(t, entries[0].LastError)

	rr = serve(w, http.MethodPost, "/.offline/sync/outbox-sync")
	require.Equal(t, http.StatusAccepted, rr.Code)
	var report outbox.Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, outbox.Report{Attempted: 2, Pending: 2}, report)

	rr = serve(w, http.MethodGet, "/.offline/outbox")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	require.NotNil(t, entries[0].LastError)
	assert.Equal(t, "NETWORK_ERROR", entries[0].LastError.Code)
	assert.Equal(t, "RETRYABLE", entries[0].LastError.Classification)

	rr = serve(w, http.MethodDelete, "/.offline/outbox/"+first)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = serve(w, http.MethodDelete, "/.offline/outbox/"+first)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), `"NOT_FOUND"`)

	n.offline.Store(false)
	rr = serve(w, http.MethodPost, "/.offline/sync/outbox-sync")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, outbox.Report{Attempted: 1, Delivered: 1}, report)
	assert.Equal(t, []string{`{"hall":2}`}, o.received())

	rr = serve(w, http.MethodGet, "/.offline/outbox")
	assert.JSONEq(t, `[]`, rr.Body.String())
	rr = serve(w, http.MethodGet, "/.offline/outbox/rejected")
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestAdminRejectedOutbox(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(t)
	config, n := testConfig(t, o, cache.NewMemProvider())
	config.DeadLetterRejected = true
	w := newWorker(t, config)
	require.NoError(t, w.Start(ctx))

	n.offline.Store(true)
	token := queue(t, w, "x")
	n.offline.Store(false)
	o.reject.Store(http.StatusUnprocessableEntity)

	rr := serve(w, http.MethodPost, "/.offline/sync/outbox-sync")
	require.Equal(t, http.StatusAccepted, rr.Code)
	var report outbox.Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Rejected)

	rr = serve(w, http.MethodGet, "/.offline/outbox/rejected")
	var rejected []outboxEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rejected))
	require.Len(t, rejected, 1)
	assert.Equal(t, token, rejected[0].Token)
	require.NotNil(t, rejected[0].LastError)
	assert.Equal(t, "PERMANENT", rejected[0].LastError.Classification)

	rr = serve(w, http.MethodGet, "/.offline/outbox")
	assert.JSONEq(t, `[]`, rr.Body.String())
	assert.Empty(t, o.received())
}

func TestAdminSync(t *testing.T) {
	w, n, _ := startedWorker(t)

	rr := serve(w, http.MethodPost, "/.offline/sync/reindex")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), `"NOT_FOUND"`)

	before := n.count("GET /app/style.css")
	rr = serve(w, http.MethodPost, "/.offline/sync/update-cache")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.JSONEq(t, `{"tag":"update-cache"}`, rr.Body.String())
	assert.Eventually(t, func() bool {
		return n.count("GET /app/style.css") == before+1
	}, time.Second, 5*time.Millisecond)

	rr = serve(w, http.MethodGet, "/.offline/sync/outbox-sync")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestAdminStats(t *testing.T) {
	w, n, _ := startedWorker(t)
	w.Handle(get("/app/style.css"))
	n.offline.Store(true)
	w.Handle(get("/api/halls"))

	rr := serve(w, http.MethodGet, "/.offline/stats")
	require.Equal(t, http.StatusOK, rr.Code)
	var snapshot metrics.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snapshot))
	assert.Equal(t, int64(1), snapshot.Outcomes[string(OutcomeCacheHit)])
	assert.Equal(t, int64(1), snapshot.Outcomes[string(OutcomeOfflineMarker)])
	ops := map[string]int64{}
	for _, l := range snapshot.Latencies {
		ops[l.Operation] = l.Count
	}
	assert.Equal(t, int64(1), ops[metrics.OpInstall])
	// four manifest fetches and the failed API call
	assert.Equal(t, int64(5), ops[metrics.OpFetch])
}

func TestTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	o := newOrigin(t)
	config, _ := testConfig(t, o, cache.NewMemProvider())
	config.TracerProvider = tp
	config.Manifest = nil
	w := newWorker(t, config)
	require.NoError(t, w.Start(context.Background()))

	result := w.Handle(get("/app/app.js"))
	require.Equal(t, OutcomeStored, result.Outcome)
	require.NoError(t, <-result.Stored)

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range sr.Ended() {
		spans[s.Name()] = s
	}
	handle, ok := spans["offline.handle"]
	require.True(t, ok)
	fetch, ok := spans["offline.fetch"]
	require.True(t, ok)
	assert.Equal(t, handle.SpanContext().SpanID(), fetch.Parent().SpanID())
	assert.Contains(t, handle.Attributes(), attribute.String("offline.policy", "cache-first"))
	assert.Contains(t, handle.Attributes(), attribute.String("offline.outcome", "stored"))
	assert.Contains(t, fetch.Attributes(), attribute.Int("http.response.status_code", http.StatusOK))
}

func TestRunDrainsOutbox(t *testing.T) {
	o := newOrigin(t)
	config, n := testConfig(t, o, cache.NewMemProvider())
	config.SyncInterval = 5 * time.Millisecond
	w := newWorker(t, config)
	n.offline.Store(true)
	queue(t, w, `{"hall":7}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	n.offline.Store(false)

	assert.Eventually(t, func() bool {
		pending, err := w.Outbox().Pending(ctx)
		return err == nil && len(pending) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []string{`{"hall":7}`}, o.received())
}
