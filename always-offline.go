package alwaysoffline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/outbox"
	"github.com/always-cache/always-offline/pkg/metrics"
	classifier "github.com/always-cache/always-offline/pkg/request-classifier"
	requestkey "github.com/always-cache/always-offline/pkg/request-key"
	serializer "github.com/always-cache/always-offline/pkg/response-serializer"
	"github.com/always-cache/always-offline/rfc9211"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultNamespace = "always-offline"
	DefaultVersion   = "v1"
	// Interval of the outbox drain loop started by Run if none is configured.
	DefaultSyncInterval = time.Minute
)

var (
	// ErrNotInstalled is returned by Activate before a successful Install.
	ErrNotInstalled = errors.New("current version is not installed")
	// ErrUnknownSyncTag is returned by Sync for tags it does not handle.
	ErrUnknownSyncTag = errors.New("unknown sync tag")
)

type Config struct {
	// Storage for the asset stores and the outbox.
	// A new in-memory provider is used if nil.
	Stores cache.Provider
	// Origin of the application.
	// Relative request URLs are resolved against it
	// and only responses from it are stored.
	OriginURL url.URL
	// Prefix of all store names.
	Namespace string
	// Version of the asset manifest. Installing a new version
	// and activating it discards the stores of all other versions.
	Version string
	// URLs fetched and stored on install, relative to the origin or absolute.
	Manifest []string
	// URL of the page served for navigations while offline.
	// It should be part of the manifest.
	OfflinePage string
	// Request header fields that are part of the store key.
	Vary []string
	// Classification rules, evaluated in order.
	// The default rules are used if nil.
	Rules classifier.Rules
	// Network used for all outgoing requests. http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Timeout for a single network request. Zero means no timeout.
	FetchTimeout time.Duration
	// Interval of the outbox drain loop started by Run.
	SyncInterval time.Duration
	// Move permanently rejected outbox entries to the dead-letter store.
	DeadLetterRejected bool
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Tracer provider for request spans. The global provider is used if nil.
	TracerProvider trace.TracerProvider
	// Recorder for latencies and outcomes. A new recorder is used if nil.
	Metrics *metrics.Recorder
}

// Worker intercepts requests, serves them according to their caching policy
// and queues mutating requests that could not be sent.
// It is an http.Handler (reverse proxy to the origin) and an http.RoundTripper.
type Worker struct {
	stores       cache.Provider
	origin       url.URL
	namespace    string
	version      string
	manifest     []string
	offlinePage  string
	syncInterval time.Duration

	keyer      requestkey.Keyer
	classifier *classifier.Classifier
	client     *http.Client
	outbox     *outbox.Outbox
	admin      http.Handler
	log        zerolog.Logger
	tracer     trace.Tracer
	metrics    *metrics.Recorder

	// lifecycle state, guarded by mu
	mu        sync.Mutex
	installed cache.Store
	// store serving requests, switched on activation
	active    atomic.Pointer[assetStore]
	ready     chan struct{}
	readyOnce sync.Once
}

type assetStore struct {
	version string
	store   cache.Store
}

// New creates the worker and opens the outbox.
// Call Start (or Install and Activate) to populate the asset store.
func New(ctx context.Context, config Config) (*Worker, error) {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	if config.Namespace == "" {
		config.Namespace = DefaultNamespace
	}
	if config.Version == "" {
		config.Version = DefaultVersion
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSyncInterval
	}
	if config.Rules == nil {
		config.Rules = classifier.DefaultRules()
	}
	if config.Stores == nil {
		config.Stores = cache.NewMemProvider()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewRecorder(0.01)
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("namespace", config.Namespace).
		Str("version", config.Version).
		Logger()

	keyer := requestkey.NewKeyer(&config.OriginURL, config.Vary...)
	c, err := classifier.New(config.Rules, keyer.Normalize(&config.OriginURL))
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "invalid classification rules")
	}

	w := &Worker{
		stores:       config.Stores,
		origin:       config.OriginURL,
		namespace:    config.Namespace,
		version:      config.Version,
		manifest:     config.Manifest,
		offlinePage:  config.OfflinePage,
		syncInterval: config.SyncInterval,
		keyer:        keyer,
		classifier:   c,
		client: &http.Client{
			Transport: transport,
			Timeout:   config.FetchTimeout,
			// redirects are returned to the caller, never followed
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:     logger,
		tracer:  config.TracerProvider.Tracer(tracerName),
		metrics: config.Metrics,
		ready:   make(chan struct{}),
	}

	w.outbox, err = outbox.New(ctx, w.stores, w.client, outbox.Options{
		Namespace:          w.namespace,
		DeadLetterRejected: config.DeadLetterRejected,
		Logger:             &w.log,
		Metrics:            w.metrics,
		Delivered:          w.applyCacheUpdates,
	})
	if err != nil {
		return nil, err
	}
	w.admin = w.AdminHandler()
	return w, nil
}

// Middleware creates a worker whose network is the next handler.
// The returned worker is the handler to serve.
func Middleware(ctx context.Context, config Config, next http.Handler) (*Worker, error) {
	config.Transport = HandlerTransport(next)
	return New(ctx, config)
}

// Outbox returns the queue of deferred writes.
func (w *Worker) Outbox() *outbox.Outbox {
	return w.outbox
}

// Metrics returns the recorder of latencies and outcomes.
func (w *Worker) Metrics() *metrics.Recorder {
	return w.metrics
}

// ServeHTTP implements the http.Handler interface.
// Requests under AdminPrefix go to the admin API, all others through Handle.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer w.recover(rw, r)
	if r.URL.Path == AdminPrefix || strings.HasPrefix(r.URL.Path, AdminPrefix+"/") {
		w.admin.ServeHTTP(rw, r)
		return
	}

	result := w.Handle(r)
	if result.Err != nil {
		cs := rfc9211.New().Forward(rfc9211.FwdBypass).Detail("error")
		rw.Header().Set(rfc9211.HeaderName, cs.String())
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	res := result.Response
	defer res.Body.Close()
	copyHeader(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(rw, res.Body)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
	w.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// RoundTrip implements the http.RoundTripper interface.
// Only bypassed requests return network errors; all other failures
// are answered with a cached or synthesized response.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	result := w.Handle(req)
	if result.Err != nil {
		return nil, result.Err
	}
	return result.Response, nil
}

// recover recovers from panics and answers with a bad gateway error.
func (w *Worker) recover(rw http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		w.log.WithLevel(zerolog.PanicLevel).
			Interface("error", err).
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Msg("Panic in offline handler")
		http.Error(rw, fmt.Sprintf("Could not handle request: %v", err), http.StatusBadGateway)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range serializer.WithoutHopByHop(src) {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
