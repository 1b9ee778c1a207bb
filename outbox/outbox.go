// Package outbox keeps mutating requests that could not be sent
// and replays them, oldest first, when a sync is triggered.
package outbox

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/pkg/metrics"
	serializer "github.com/always-cache/always-offline/pkg/response-serializer"
	"github.com/google/uuid"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
)

// ContentType of stored entries: an HTTP/1.1 request in proxy form.
const ContentType = "message/http"

// Part of a rejection response body kept in the error.
const maxErrorBodyLength = 512

// StoreName returns the name of the queue store for a namespace.
func StoreName(namespace string) string {
	return namespace + "-outbox"
}

// RejectedStoreName returns the name of the dead-letter store for a namespace.
func RejectedStoreName(namespace string) string {
	return namespace + "-outbox-rejected"
}

// Doer sends a request. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Entry is a queued request.
type Entry struct {
	Token      string      `json:"token"`
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
}

// Report summarizes one drain.
type Report struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	// Entries left in the queue after a failed replay.
	Pending int `json:"pending"`
	// Entries moved to the dead-letter store.
	Rejected int `json:"rejected"`
	// Set when another drain was already running.
	Skipped bool `json:"skipped,omitempty"`
}

type Options struct {
	// Prefix of the store names.
	Namespace string
	// Move entries the server rejected permanently (e.g. 400, 409) to the
	// dead-letter store instead of retrying them forever.
	DeadLetterRejected bool
	// Logger to use. Logging is disabled if nil.
	Logger *zerolog.Logger
	// Metrics receives replay latencies if set.
	Metrics *metrics.Recorder
	// Delivered is called with every accepted replay, before the response body is closed.
	Delivered func(ctx context.Context, req *http.Request, res *http.Response)
}

// Outbox is a durable FIFO queue of requests.
// All methods are safe for concurrent use.
type Outbox struct {
	store    cache.Store
	rejected cache.Store
	client   Doer
	opts     Options
	log      zerolog.Logger

	// held for the duration of a drain
	draining sync.Mutex

	mu        sync.Mutex
	lastError map[string]error
}

// New opens the queue in the provider.
// Entries stored by an earlier process are kept and replayed by the next drain.
func New(ctx context.Context, provider cache.Provider, client Doer, opts Options) (*Outbox, error) {
	o := &Outbox{
		client:    client,
		opts:      opts,
		log:       zerolog.Nop(),
		lastError: map[string]error{},
	}
	if opts.Logger != nil {
		o.log = opts.Logger.With().Str("component", "outbox").Logger()
	}
	var err error
	if o.store, err = provider.Open(ctx, StoreName(opts.Namespace)); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not open outbox store")
	}
	if opts.DeadLetterRejected {
		if o.rejected, err = provider.Open(ctx, RejectedStoreName(opts.Namespace)); err != nil {
			return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not open dead-letter store")
		}
	}
	return o, nil
}

// Enqueue stores a snapshot of the request under a new token.
// The request URL must be absolute; the body is passed separately
// because the request body has usually been consumed by a failed send.
func (o *Outbox) Enqueue(ctx context.Context, req *http.Request, body []byte) (Entry, error) {
	if !req.URL.IsAbs() {
		return Entry{}, platformerrors.Newf(platformerrors.CodeInvalidInput, "cannot queue request with relative url %q", req.URL)
	}
	token, err := uuid.NewV7()
	if err != nil {
		return Entry{}, platformerrors.Wrap(err, platformerrors.CodeInternal, "could not create token")
	}
	entry := Entry{
		Token:      token.String(),
		Method:     req.Method,
		URL:        req.URL.String(),
		Header:     serializer.WithoutHopByHop(req.Header),
		Body:       body,
		EnqueuedAt: time.Now(),
	}
	b, err := serializer.SnapshotToBytes(serializer.RequestSnapshot{
		Method: entry.Method,
		URL:    entry.URL,
		Header: entry.Header,
		Body:   entry.Body,
	})
	if err != nil {
		return Entry{}, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "could not serialize request")
	}
	rec := cache.Record{
		Header:   http.Header{"Content-Type": {ContentType}},
		Body:     b,
		StoredAt: entry.EnqueuedAt,
	}
	if err := o.store.Put(ctx, entry.Token, rec); err != nil {
		return Entry{}, platformerrors.WithContext(
			platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not queue request"), "url", entry.URL)
	}
	o.log.Info().Str("token", entry.Token).Str("method", entry.Method).Str("url", entry.URL).Msg("Request queued")
	return entry, nil
}

// Drain replays the entries that are queued when it starts, oldest first.
// An accepted replay (status below 400) removes the entry.
// A failed replay leaves it queued and the drain continues with the next one.
// If a drain is already running, Drain returns at once with Skipped set.
func (o *Outbox) Drain(ctx context.Context) (Report, error) {
	if !o.draining.TryLock() {
		o.log.Debug().Msg("Drain already running, skipping")
		return Report{Skipped: true}, nil
	}
	defer o.draining.Unlock()

	var report Report
	keys, err := o.store.Keys(ctx)
	if err != nil {
		return report, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not list outbox")
	}
	if len(keys) == 0 {
		return report, nil
	}
	o.log.Debug().Int("entries", len(keys)).Msg("Draining outbox")

	for _, token := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec, ok, err := o.store.Match(ctx, token)
		if err != nil {
			report.Attempted++
			report.Pending++
			o.log.Error().Err(err).Str("token", token).Msg("Could not read queued request")
			continue
		}
		if !ok {
			// removed since the drain started
			continue
		}
		report.Attempted++

		err = o.replay(ctx, token, rec)
		switch {
		case err == nil:
			if _, err := o.store.Remove(ctx, token); err != nil {
				// the entry stays and will be sent again
				report.Pending++
				o.log.Error().Err(err).Str("token", token).Msg("Could not remove delivered request")
				continue
			}
			o.setLastError(token, nil)
			report.Delivered++
		case o.rejected != nil && !platformerrors.IsRetryable(err):
			if err := o.deadLetter(ctx, token, rec, err); err != nil {
				report.Pending++
				o.setLastError(token, err)
				o.log.Error().Err(err).Str("token", token).Msg("Could not move rejected request")
				continue
			}
			report.Rejected++
		default:
			report.Pending++
			o.setLastError(token, err)
			o.log.Warn().Err(err).Str("token", token).Bool("retryable", platformerrors.IsRetryable(err)).Msg("Replay failed, request stays queued")
		}
	}
	o.log.Info().
		Int("attempted", report.Attempted).
		Int("delivered", report.Delivered).
		Int("pending", report.Pending).
		Int("rejected", report.Rejected).
		Msg("Outbox drained")
	return report, nil
}

func (o *Outbox) replay(ctx context.Context, token string, rec cache.Record) error {
	snapshot, err := serializer.BytesToSnapshot(rec.Body)
	if err != nil {
		return platformerrors.WithContext(
			platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "corrupt queued request"), "token", token)
	}
	req, err := snapshot.NewRequest(ctx)
	if err != nil {
		return platformerrors.WithContext(
			platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "could not create request"), "token", token)
	}

	start := time.Now()
	res, err := o.client.Do(req)
	if o.opts.Metrics != nil {
		o.opts.Metrics.Observe(metrics.OpOutboxReplay, time.Since(start))
	}
	if err != nil {
		return platformerrors.WithContext(
			platformerrors.Wrap(err, platformerrors.CodeNetwork, "replay failed"), "token", token)
	}
	defer res.Body.Close()
	if res.StatusCode < 400 {
		if o.opts.Delivered != nil {
			o.opts.Delivered(ctx, req, res)
		}
		io.Copy(io.Discard, res.Body)
		o.log.Debug().Str("token", token).Int("status", res.StatusCode).Str("url", snapshot.URL).Msg("Replay accepted")
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyLength))
	rejection := platformerrors.Newf(rejectionCode(res.StatusCode), "replay rejected with status %d", res.StatusCode)
	rejection = platformerrors.WithContext(rejection, "token", token)
	rejection = platformerrors.WithContext(rejection, "status", res.StatusCode)
	if len(msg) > 0 {
		rejection = platformerrors.WithContext(rejection, "response", string(msg))
	}
	return rejection
}

// rejectionCode maps a refusal status to an error code.
// The code's default classification decides whether the entry is retried.
func rejectionCode(status int) platformerrors.ErrorCode {
	switch status {
	case http.StatusRequestTimeout:
		return platformerrors.CodeTimeout
	case http.StatusTooEarly, http.StatusTooManyRequests:
		return platformerrors.CodeRateLimit
	case http.StatusUnauthorized:
		return platformerrors.CodeUnauthorized
	case http.StatusForbidden:
		return platformerrors.CodeForbidden
	case http.StatusNotFound, http.StatusGone:
		return platformerrors.CodeNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return platformerrors.CodeConflict
	}
	if status >= 500 {
		return platformerrors.CodeUnavailable
	}
	return platformerrors.CodeInvalidInput
}

func (o *Outbox) deadLetter(ctx context.Context, token string, rec cache.Record, cause error) error {
	// the record status holds the refusal status
	moved := rec.Clone()
	if status, ok := statusOf(cause); ok {
		moved.Status = status
	}
	if err := o.rejected.Put(ctx, token, moved); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not write dead letter")
	}
	if _, err := o.store.Remove(ctx, token); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not remove rejected request")
	}
	o.setLastError(token, cause)
	o.log.Warn().Err(cause).Str("token", token).Msg("Request rejected, moved to dead-letter store")
	return nil
}

func statusOf(err error) (int, bool) {
	var pe platformerrors.PlatformError
	if !platformerrors.As(err, &pe) {
		return 0, false
	}
	status, ok := pe.Context()["status"].(int)
	return status, ok
}

// Pending returns the queued entries, oldest first.
func (o *Outbox) Pending(ctx context.Context) ([]Entry, error) {
	return entries(ctx, o.store)
}

// Rejected returns the entries in the dead-letter store.
// It is empty unless Options.DeadLetterRejected is set.
func (o *Outbox) Rejected(ctx context.Context) ([]Entry, error) {
	if o.rejected == nil {
		return []Entry{}, nil
	}
	return entries(ctx, o.rejected)
}

func entries(ctx context.Context, store cache.Store) ([]Entry, error) {
	keys, err := store.Keys(ctx)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not list outbox")
	}
	list := make([]Entry, 0, len(keys))
	for _, token := range keys {
		rec, ok, err := store.Match(ctx, token)
		if err != nil {
			return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not read outbox")
		}
		if !ok {
			continue
		}
		entry, err := decode(token, rec)
		if err != nil {
			return nil, err
		}
		list = append(list, entry)
	}
	return list, nil
}

func decode(token string, rec cache.Record) (Entry, error) {
	s, err := serializer.BytesToSnapshot(rec.Body)
	if err != nil {
		return Entry{}, platformerrors.WithContext(
			platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "corrupt queued request"), "token", token)
	}
	return Entry{
		Token:      token,
		Method:     s.Method,
		URL:        s.URL,
		Header:     s.Header,
		Body:       s.Body,
		EnqueuedAt: rec.StoredAt,
	}, nil
}

// Remove deletes a queued entry and reports whether it existed.
func (o *Outbox) Remove(ctx context.Context, token string) (bool, error) {
	removed, err := o.store.Remove(ctx, token)
	if err != nil {
		return false, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not remove queued request")
	}
	o.setLastError(token, nil)
	return removed, nil
}

// LastError returns the error of the latest failed replay of the entry in this process.
func (o *Outbox) LastError(token string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastError[token]
}

func (o *Outbox) setLastError(token string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		delete(o.lastError, token)
		return
	}
	o.lastError[token] = err
}
