package alwaysoffline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/always-cache/always-offline/cache"
	classifier "github.com/always-cache/always-offline/pkg/request-classifier"
	serializer "github.com/always-cache/always-offline/pkg/response-serializer"
	"github.com/always-cache/always-offline/rfc9211"

	platformerrors "github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// request is an intercepted request on its way through a strategy.
type request struct {
	r        *http.Request
	ctx      context.Context
	url      *url.URL
	key      string
	baseKey  string // without vary lines
	decision classifier.Decision
	status   *rfc9211.CacheStatus
}

// Handle classifies the request and runs its strategy.
// It never returns a network error, except for bypassed requests.
func (w *Worker) Handle(r *http.Request) Result {
	u := w.keyer.Normalize(r.URL)
	d := w.classifier.Classify(r, u)
	ctx, span := w.tracer.Start(r.Context(), "offline.handle",
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.full", u.String()),
			attribute.String("offline.policy", string(d.Policy)),
		))
	defer span.End()

	req := &request{
		r:        r,
		ctx:      ctx,
		url:      u,
		key:      w.keyer.Key(r),
		baseKey:  w.keyer.BaseKey(r),
		decision: d,
		status:   rfc9211.New(),
	}
	var result Result
	switch d.Policy {
	case classifier.NetworkFirst:
		result = w.networkFirst(req)
	case classifier.CacheFirst:
		result = w.cacheFirst(req)
	case classifier.DeferredWrite:
		result = w.deferredWrite(req)
	default:
		result = w.bypass(req)
	}
	result.Policy = d.Policy
	if result.Response != nil {
		result.Response.Header.Set(rfc9211.HeaderName, req.status.String())
	}

	span.SetAttributes(attribute.String("offline.outcome", string(result.Outcome)))
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	w.metrics.Count(string(result.Outcome))
	w.logRequest(req, result)
	return result
}

// bypass forwards the request unmodified.
func (w *Worker) bypass(req *request) Result {
	req.status.Forward(rfc9211.FwdBypass)
	res, err := w.send(outgoing(req.ctx, req.r, req.url, nil))
	if err != nil {
		return Result{Outcome: OutcomeBypass, Err: err}
	}
	return Result{Response: res, Outcome: OutcomeBypass}
}

// networkFirst returns the network response without storing it.
// Offline, it falls back to the asset store, then to a synthesized answer.
func (w *Worker) networkFirst(req *request) Result {
	req.status.Forward(rfc9211.FwdRequest)
	res, err := w.send(outgoing(req.ctx, req.r, req.url, nil))
	if err == nil {
		return Result{Response: res, Outcome: OutcomeNetwork}
	}
	w.log.Debug().Err(err).Str("url", req.url.String()).Msg("Network failed, falling back")
	req.status.Detail("offline")

	if rec, ok := w.lookup(req); ok {
		req.status.Hit()
		return Result{Response: rec.Response(req.r), Outcome: OutcomeCacheFallback}
	}
	if req.decision.Navigation {
		return Result{Response: w.offlinePageResponse(req), Outcome: OutcomeOfflinePage}
	}
	if isRead(req.r.Method) {
		return Result{Response: offlineMarkerResponse(req.r, req.url.String()), Outcome: OutcomeOfflineMarker}
	}
	return Result{Response: unavailableJSONResponse(req.r, err), Outcome: OutcomeUnavailable}
}

// cacheFirst serves from the asset store without touching the network.
// A miss goes to the network; a cacheable response is stored in the background.
func (w *Worker) cacheFirst(req *request) Result {
	if rec, ok := w.lookup(req); ok {
		req.status.Hit()
		return Result{Response: rec.Response(req.r), Outcome: OutcomeCacheHit}
	}

	req.status.Forward(rfc9211.FwdURIMiss)
	res, err := w.send(outgoing(req.ctx, req.r, req.url, nil))
	if err == nil && w.assets() != nil && w.cacheable(req, res) {
		var body []byte
		if body, err = io.ReadAll(res.Body); err == nil {
			res.Body.Close()
			res.Body = io.NopCloser(bytes.NewReader(body))
			req.status.Stored()
			rec := cache.Record{
				Status: res.StatusCode,
				Header: serializer.WithoutHopByHop(res.Header),
				Body:   body,
			}
			return Result{Response: res, Outcome: OutcomeStored, Stored: w.storeAsync(req, rec)}
		}
		res.Body.Close()
		err = platformerrors.Wrap(err, platformerrors.CodeNetwork, "could not read response body")
	}
	if err == nil {
		return Result{Response: res, Outcome: OutcomeNetwork}
	}

	w.log.Debug().Err(err).Str("url", req.url.String()).Msg("Network failed on cache miss")
	req.status.Detail("offline")
	if req.decision.Navigation {
		return Result{Response: w.offlinePageResponse(req), Outcome: OutcomeOfflinePage}
	}
	return Result{Response: unavailableTextResponse(req.r), Outcome: OutcomeUnavailable}
}

// deferredWrite sends the request and queues it in the outbox if the network fails.
func (w *Worker) deferredWrite(req *request) Result {
	req.status.Forward(rfc9211.FwdMethod)
	var body []byte
	if req.r.Body != nil {
		defer req.r.Body.Close()
		var err error
		if body, err = io.ReadAll(req.r.Body); err != nil {
			err = platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "could not read request body")
			return Result{Response: unavailableJSONResponse(req.r, err), Outcome: OutcomeUnavailable}
		}
	}
	out := outgoing(req.ctx, req.r, req.url, body)
	res, err := w.send(out)
	if err == nil {
		w.applyCacheUpdates(req.ctx, out, res)
		return Result{Response: res, Outcome: OutcomeNetwork}
	}

	// the write must survive the caller giving up
	entry, qerr := w.outbox.Enqueue(context.WithoutCancel(req.ctx), out, body)
	if qerr != nil {
		w.log.Error().Err(qerr).Str("url", req.url.String()).Msg("Could not queue request")
		return Result{Response: unavailableJSONResponse(req.r, qerr), Outcome: OutcomeUnavailable}
	}
	req.status.Detail("queued")
	return Result{Response: queuedResponse(req.r, entry.Token), Outcome: OutcomeQueued}
}

// cacheable reports whether a network response may be stored:
// a 200 from the origin that was not redirected.
func (w *Worker) cacheable(req *request, res *http.Response) bool {
	if res.StatusCode != http.StatusOK {
		return false
	}
	if !w.sameOrigin(req.url) {
		return false
	}
	if res.Request != nil && res.Request.URL != nil && res.Request.URL.String() != req.url.String() {
		return false
	}
	return true
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	origin := w.keyer.Normalize(&w.origin)
	return u.Scheme == origin.Scheme && u.Host == origin.Host
}

// storeAsync writes the record to the asset store, detached from the request.
func (w *Worker) storeAsync(req *request, rec cache.Record) <-chan error {
	done := make(chan error, 1)
	ctx := context.WithoutCancel(req.ctx)
	store := w.assets()
	go func() {
		defer close(done)
		var err error
		if store == nil {
			err = ErrNotInstalled
		} else {
			err = store.Put(ctx, req.key, rec)
		}
		if err != nil {
			w.log.Warn().Err(err).Str("key", req.key).Msg("Could not write response to store")
		} else {
			w.log.Trace().Str("key", req.key).Str("store", store.Name()).Msg("Wrote response to store")
		}
		done <- err
	}()
	return done
}

// lookup matches the request key, then the key without vary lines.
func (w *Worker) lookup(req *request) (cache.Record, bool) {
	if rec, ok := w.match(req.ctx, req.key); ok || req.baseKey == req.key {
		return rec, ok
	}
	return w.match(req.ctx, req.baseKey)
}

// match looks up a record in the asset store.
// Store errors count as a miss.
func (w *Worker) match(ctx context.Context, key string) (cache.Record, bool) {
	store := w.assets()
	if store == nil {
		return cache.Record{}, false
	}
	rec, ok, err := store.Match(ctx, key)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not read from store")
		return cache.Record{}, false
	}
	w.log.Trace().Str("key", key).Bool("found", ok).Msg("Store lookup")
	return rec, ok
}

// offlinePageResponse serves the stored offline page, or a built-in one.
func (w *Worker) offlinePageResponse(req *request) *http.Response {
	if w.offlinePage != "" {
		if key, err := w.keyer.KeyForURL(w.offlinePage); err == nil {
			if rec, ok := w.match(req.ctx, key); ok {
				res := rec.Response(req.r)
				res.Header.Set(OfflineMarkerHeader, "1")
				return res
			}
		}
	}
	return builtinOfflinePageResponse(req.r)
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func (w *Worker) logRequest(req *request, result Result) {
	e := w.log.Debug().
		Str("method", req.r.Method).
		Str("url", req.url.String()).
		Str("sourceIp", getRequestSourceIp(req.r)).
		Str("policy", string(result.Policy)).
		Str("outcome", string(result.Outcome)).
		Bool("hit", result.Outcome == OutcomeCacheHit || result.Outcome == OutcomeCacheFallback).
		Bool("stored", result.Outcome == OutcomeStored)
	if req.decision.Rule != "" {
		e = e.Str("rule", req.decision.Rule)
	}
	if result.Err != nil {
		e = e.Err(result.Err)
	}
	e.Msg("Request handled")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
