package alwaysoffline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/pkg/metrics"
	recorder "github.com/always-cache/always-offline/pkg/response-recorder"
	serializer "github.com/always-cache/always-offline/pkg/response-serializer"

	platformerrors "github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/always-cache/always-offline"

// outgoing creates the network request for an intercepted request.
// The URL is the resolved absolute URL; body replaces the request body if not nil.
func outgoing(ctx context.Context, r *http.Request, u *url.URL, body []byte) *http.Request {
	out := r.Clone(ctx)
	out.URL = u
	out.Host = ""
	out.RequestURI = ""
	out.Header = serializer.WithoutHopByHop(r.Header)
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	return out
}

// send performs a network request.
func (w *Worker) send(req *http.Request) (*http.Response, error) {
	ctx, span := w.tracer.Start(req.Context(), "offline.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL.String()),
		))
	defer span.End()

	start := time.Now()
	res, err := w.client.Do(req.WithContext(ctx))
	w.metrics.Observe(metrics.OpFetch, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.log.Trace().Err(err).Str("url", req.URL.String()).Msg("Network request failed")
		return nil, platformerrors.WithContext(
			platformerrors.Wrap(err, platformerrors.CodeNetwork, "network request failed"), "url", req.URL.String())
	}
	span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))
	return res, nil
}

// fetchRecord fetches a manifest URL for the asset store.
func (w *Worker) fetchRecord(ctx context.Context, rawURL string) (cache.Record, error) {
	u, err := w.keyer.Resolve(rawURL)
	if err != nil {
		return cache.Record{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return cache.Record{}, err
	}
	res, err := w.send(req)
	if err != nil {
		return cache.Record{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return cache.Record{}, platformerrors.Wrap(err, platformerrors.CodeNetwork, "could not read response body")
	}
	return cache.Record{
		Status: res.StatusCode,
		Header: serializer.WithoutHopByHop(res.Header),
		Body:   body,
	}, nil
}

// HandlerTransport returns a RoundTripper that serves requests with a local handler.
// A panic in the handler is returned as an error, like a failed connection.
func HandlerTransport(h http.Handler) http.RoundTripper {
	return handlerTransport{h}
}

type handlerTransport struct {
	handler http.Handler
}

func (t handlerTransport) RoundTrip(req *http.Request) (res *http.Response, err error) {
	r := req.Clone(req.Context())
	r.RequestURI = req.URL.RequestURI()
	if r.Host == "" {
		r.Host = req.URL.Host
	}
	if r.Body == nil {
		r.Body = http.NoBody
	}
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	rec := recorder.New()
	t.handler.ServeHTTP(rec, r)
	return rec.Response(req), nil
}
