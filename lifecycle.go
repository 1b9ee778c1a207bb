package alwaysoffline

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/pkg/metrics"

	platformerrors "github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const activeVersionKey = "active-version"

// AssetStoreName returns the name of the asset store of a version.
func (w *Worker) AssetStoreName(version string) string {
	return w.assetStorePrefix() + version
}

func (w *Worker) assetStorePrefix() string {
	return w.namespace + "-assets-"
}

func (w *Worker) metaStoreName() string {
	return w.namespace + "-meta"
}

// Install fetches every manifest URL and stores the responses in the store of the current version.
// If any fetch fails, nothing is stored and the error is returned;
// the version cannot be activated until a later Install succeeds.
func (w *Worker) Install(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "offline.install")
	defer span.End()
	name := w.AssetStoreName(w.version)
	span.SetAttributes(attribute.String("offline.store", name), attribute.Int("offline.manifest.size", len(w.manifest)))

	var store cache.Store
	err := w.metrics.Time(metrics.OpInstall, func() (err error) {
		store, err = cache.AddAll(ctx, w.stores, name, w.manifest, w.keyer.KeyForURL, w.fetchRecord)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.log.Error().Err(err).Str("store", name).Msg("Install failed")
		return err
	}

	w.mu.Lock()
	w.installed = store
	w.mu.Unlock()
	e := w.log.Info().Str("store", name).Int("entries", len(w.manifest))
	if l, err := w.metrics.Latency(metrics.OpInstall); err == nil {
		e = e.Stringer("latency", l)
	}
	e.Msg("Installed")
	return nil
}

// Activate discards the asset stores of all other versions and
// switches request handling to the current one.
// It returns ErrNotInstalled if Install has not succeeded.
// Requests handled before the switch use the previously active store.
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.installed == nil {
		return ErrNotInstalled
	}

	names, err := w.stores.Names(ctx)
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not list stores")
	}
	for _, name := range names {
		if !strings.HasPrefix(name, w.assetStorePrefix()) || name == w.installed.Name() {
			continue
		}
		if _, err := w.stores.Delete(ctx, name); err != nil {
			return platformerrors.WithContext(
				platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not delete stale store"), "store", name)
		}
		w.log.Info().Str("store", name).Msg("Deleted stale store")
	}

	meta, err := w.stores.Open(ctx, w.metaStoreName())
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not open meta store")
	}
	if err := meta.Put(ctx, activeVersionKey, cache.Record{Status: http.StatusOK, Body: []byte(w.version)}); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not persist active version")
	}

	w.active.Store(&assetStore{version: w.version, store: w.installed})
	w.claim()
	w.log.Info().Str("store", w.installed.Name()).Msg("Activated")
	return nil
}

// Resume restores the version that was active when the process last ran,
// so it keeps serving until the current version is activated.
func (w *Worker) Resume(ctx context.Context) error {
	meta, err := w.stores.Open(ctx, w.metaStoreName())
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not open meta store")
	}
	rec, ok, err := meta.Match(ctx, activeVersionKey)
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not read active version")
	}
	if !ok {
		return nil
	}
	version := string(rec.Body)
	name := w.AssetStoreName(version)
	names, err := w.stores.Names(ctx)
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not list stores")
	}
	if !slices.Contains(names, name) {
		w.log.Warn().Str("store", name).Msg("Active store is missing, not resuming")
		return nil
	}
	store, err := w.stores.Open(ctx, name)
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not open active store")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active.Load() != nil {
		// activated in the meantime
		return nil
	}
	if version == w.version {
		w.installed = store
	}
	w.active.Store(&assetStore{version: version, store: store})
	w.claim()
	w.log.Info().Str("store", name).Msg("Resumed")
	return nil
}

// Start resumes the previous version, then installs and activates the current one.
// If Install fails, the previous version stays active and the error is returned.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Resume(ctx); err != nil {
		return err
	}
	if err := w.Install(ctx); err != nil {
		return err
	}
	return w.Activate(ctx)
}

// Ready is closed once a version controls request handling.
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

// ActiveVersion returns the version serving requests, empty if none.
func (w *Worker) ActiveVersion() string {
	if a := w.active.Load(); a != nil {
		return a.version
	}
	return ""
}

func (w *Worker) claim() {
	w.readyOnce.Do(func() { close(w.ready) })
}

// assets returns the store serving requests.
// Before any activation this is the installed store of the current version,
// nil if Install has not succeeded yet.
func (w *Worker) assets() cache.Store {
	if a := w.active.Load(); a != nil {
		return a.store
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.installed
}
