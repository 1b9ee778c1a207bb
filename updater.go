package alwaysoffline

import (
	"context"
	"fmt"
	"time"

	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/outbox"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Sync tags.
const (
	// Replays the outbox.
	SyncOutbox = "outbox-sync"
	// Fetches the manifest again into the serving store.
	SyncUpdateCache = "update-cache"
)

// Sync runs the work for a sync tag.
// The report is only filled for SyncOutbox.
func (w *Worker) Sync(ctx context.Context, tag string) (outbox.Report, error) {
	ctx, span := w.tracer.Start(ctx, "offline.sync")
	span.SetAttributes(attribute.String("offline.sync.tag", tag))
	defer span.End()

	var (
		report outbox.Report
		err    error
	)
	switch tag {
	case SyncOutbox:
		report, err = w.outbox.Drain(ctx)
		span.SetAttributes(
			attribute.Int("offline.outbox.attempted", report.Attempted),
			attribute.Int("offline.outbox.delivered", report.Delivered),
			attribute.Int("offline.outbox.pending", report.Pending),
			attribute.Bool("offline.outbox.skipped", report.Skipped),
		)
	case SyncUpdateCache:
		err = w.updateCache(ctx)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.log.Error().Err(err).Str("tag", tag).Msg("Sync failed")
	}
	return report, err
}

// updateCache fetches every manifest URL again and replaces the records
// in the serving store. On failure the store is left as it was.
func (w *Worker) updateCache(ctx context.Context) error {
	name := w.AssetStoreName(w.version)
	if a := w.active.Load(); a != nil {
		name = a.store.Name()
	}
	w.log.Trace().Str("store", name).Msg("Updating cache from manifest")
	if _, err := cache.AddAll(ctx, w.stores, name, w.manifest, w.keyer.KeyForURL, w.fetchRecord); err != nil {
		return err
	}
	w.log.Info().Str("store", name).Int("entries", len(w.manifest)).Msg("Cache updated")
	return nil
}

// Run drains the outbox periodically until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info().Msgf("Starting outbox sync loop with interval %s", w.syncInterval)
	ticker := time.NewTicker(w.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping outbox sync loop")
			return
		case <-ticker.C:
			report, err := w.Sync(ctx, SyncOutbox)
			if err != nil {
				continue
			}
			if report.Attempted > 0 {
				w.log.Debug().
					Int("delivered", report.Delivered).
					Int("pending", report.Pending).
					Msg("Outbox sync finished")
			} else {
				w.log.Trace().Msg("Outbox empty, pausing sync")
			}
		}
	}
}
