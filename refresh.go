package alwaysoffline

import (
	"context"
	"net/http"
	"net/url"
	"time"

	cacheupdate "github.com/always-cache/always-offline/pkg/cache-update"
)

// applyCacheUpdates refreshes the stored records named in the Cache-Update
// header of an accepted write, after the requested delay.
func (w *Worker) applyCacheUpdates(ctx context.Context, req *http.Request, res *http.Response) {
	ctx = context.WithoutCancel(ctx)
	for _, cu := range cacheupdate.GetCacheUpdates(req, res) {
		if !w.sameOrigin(cu.URL) {
			w.log.Debug().Str("url", cu.URL.String()).Msg("Ignoring cache update for other origin")
			continue
		}
		u := cu.URL
		w.log.Trace().Str("url", u.String()).Dur("delay", cu.Delay).Msg("Scheduling cache update")
		time.AfterFunc(cu.Delay, func() {
			if err := w.refresh(ctx, u); err != nil {
				w.log.Warn().Err(err).Str("url", u.String()).Msg("Cache update failed")
			}
		})
	}
}

// refresh fetches a stored resource again and replaces its record.
// Resources that are not stored are not fetched; offline, the old record stays.
func (w *Worker) refresh(ctx context.Context, u *url.URL) error {
	key, err := w.keyer.KeyForURL(u.String())
	if err != nil {
		return err
	}
	store := w.assets()
	if store == nil {
		return nil
	}
	if _, ok, err := store.Match(ctx, key); err != nil || !ok {
		return err
	}
	rec, err := w.fetchRecord(ctx, u.String())
	if err != nil {
		return err
	}
	if rec.Status != http.StatusOK {
		w.log.Debug().Str("key", key).Int("status", rec.Status).Msg("Resource is gone, removing record")
		_, err := store.Remove(ctx, key)
		return err
	}
	if err := store.Put(ctx, key, rec); err != nil {
		return err
	}
	w.log.Debug().Str("key", key).Msg("Cache updated")
	return nil
}
