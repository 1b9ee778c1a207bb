package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// ErrLocked is returned when another process already owns the store database.
var ErrLocked = errors.New("store database is locked by another process")

// ErrStoreNotFound is returned when writing to a store that has been deleted.
var ErrStoreNotFound = errors.New("store not found")

// Provider manages named stores.
// A store name usually carries a version, e.g. `app-assets-v2`,
// so that a new version can be populated before the old one is discarded.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open returns the store with the given name, creating it if absent.
	// Opening an existing store is a no-op.
	Open(ctx context.Context, name string) (Store, error)
	// Delete removes the store and all its records.
	// It reports whether the store existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Names lists the names of all stores, sorted.
	Names(ctx context.Context) ([]string, error)
	// Close releases the resources held by the provider.
	Close() error
}

// Store maps request keys to response records.
type Store interface {
	Name() string
	// Put stores the record under the given key.
	// An existing record for the key is replaced, never merged.
	Put(ctx context.Context, key string, rec Record) error
	// PutAll stores all records or none of them.
	PutAll(ctx context.Context, recs map[string]Record) error
	// Match returns the record stored under exactly this key.
	Match(ctx context.Context, key string) (Record, bool, error)
	// Remove deletes the record for the key and reports whether it existed.
	Remove(ctx context.Context, key string) (bool, error)
	// Keys lists all keys, ordered by the time they were stored (then by key).
	Keys(ctx context.Context) ([]string, error)
}

// Record is a stored response.
type Record struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	c := r
	if r.Header != nil {
		c.Header = r.Header.Clone()
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return c
}

// Response creates a http.Response serving the record.
func (r Record) Response(req *http.Request) *http.Response {
	header := http.Header{}
	if r.Header != nil {
		header = r.Header.Clone()
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// FetchFunc fetches a single manifest URL.
type FetchFunc func(ctx context.Context, url string) (Record, error)

// maxConcurrentFetches bounds AddAll fetch concurrency.
const maxConcurrentFetches = 8

// AddAll fetches every URL and stores the responses in the named store.
// The keys are generated by keyFor.
// The store is opened only after every fetch succeeded with a 2xx status,
// so a failed call neither creates nor partially populates it.
func AddAll(ctx context.Context, p Provider, name string, urls []string, keyFor func(url string) (string, error), fetch FetchFunc) (Store, error) {
	records := make([]Record, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for i, u := range urls {
		g.Go(func() error {
			rec, err := fetch(gctx, u)
			if err != nil {
				return platformerrors.WithContext(
					platformerrors.Wrap(err, platformerrors.CodeNetwork, "manifest fetch failed"), "url", u)
			}
			if rec.Status < 200 || rec.Status > 299 {
				return platformerrors.WithContext(
					platformerrors.Newf(platformerrors.CodeUnavailable, "manifest fetch returned status %d", rec.Status), "url", u)
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch := make(map[string]Record, len(urls))
	for i, u := range urls {
		key, err := keyFor(u)
		if err != nil {
			return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "invalid manifest url %q", u)
		}
		batch[key] = records[i]
	}
	store, err := p.Open(ctx, name)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not open store")
	}
	if err := store.PutAll(ctx, batch); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not write manifest records")
	}
	return store, nil
}
