package alwaysoffline

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/always-cache/always-offline/outbox"
	"github.com/always-cache/always-offline/pkg/metrics"

	"github.com/go-chi/chi/v5"
	platformerrors "github.com/jmgilman/go/errors"
)

// AdminPrefix is the path prefix of the admin API.
const AdminPrefix = "/.offline"

// AdminHandler returns the admin API:
//
//	POST   /.offline/sync/{tag}      run a sync (outbox-sync, update-cache)
//	GET    /.offline/outbox          list queued requests
//	GET    /.offline/outbox/rejected list dead-lettered requests
//	DELETE /.offline/outbox/{token}  drop a queued request
//	GET    /.offline/stores          list stores and the active version
//	GET    /.offline/stats           latencies and outcome counters
func (w *Worker) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Route(AdminPrefix, func(r chi.Router) {
		r.Post("/sync/{tag}", w.handleSync)
		r.Get("/outbox", w.handleOutbox)
		r.Get("/outbox/rejected", w.handleRejected)
		r.Delete("/outbox/{token}", w.handleRemove)
		r.Get("/stores", w.handleStores)
		r.Get("/stats", w.handleStats)
	})
	return r
}

func (w *Worker) handleSync(rw http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	switch tag {
	case SyncOutbox:
		report, err := w.Sync(r.Context(), tag)
		if err != nil {
			writeError(rw, http.StatusInternalServerError, err)
			return
		}
		writeJSON(rw, http.StatusAccepted, report)
	case SyncUpdateCache:
		// the update outlives the admin request
		go w.Sync(context.WithoutCancel(r.Context()), tag)
		writeJSON(rw, http.StatusAccepted, map[string]string{"tag": tag})
	default:
		writeError(rw, http.StatusNotFound, platformerrors.Wrapf(ErrUnknownSyncTag, platformerrors.CodeNotFound, "unknown sync tag %q", tag))
	}
}

func (w *Worker) handleOutbox(rw http.ResponseWriter, r *http.Request) {
	entries, err := w.outbox.Pending(r.Context())
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, w.withLastErrors(entries))
}

func (w *Worker) handleRejected(rw http.ResponseWriter, r *http.Request) {
	entries, err := w.outbox.Rejected(r.Context())
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, w.withLastErrors(entries))
}

type outboxEntry struct {
	outbox.Entry
	LastError *platformerrors.ErrorResponse `json:"lastError,omitempty"`
}

func (w *Worker) withLastErrors(entries []outbox.Entry) []outboxEntry {
	list := make([]outboxEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, outboxEntry{Entry: e, LastError: platformerrors.ToJSON(w.outbox.LastError(e.Token))})
	}
	return list
}

func (w *Worker) handleRemove(rw http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	removed, err := w.outbox.Remove(r.Context(), token)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	if !removed {
		writeError(rw, http.StatusNotFound, platformerrors.Newf(platformerrors.CodeNotFound, "no queued request %q", token))
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

type storesResponse struct {
	Stores        []string `json:"stores"`
	ActiveVersion string   `json:"activeVersion"`
	ActiveStore   string   `json:"activeStore,omitempty"`
}

func (w *Worker) handleStores(rw http.ResponseWriter, r *http.Request) {
	names, err := w.stores.Names(r.Context())
	if err != nil {
		writeError(rw, http.StatusInternalServerError, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not list stores"))
		return
	}
	res := storesResponse{Stores: names}
	if a := w.active.Load(); a != nil {
		res.ActiveVersion = a.version
		res.ActiveStore = a.store.Name()
	}
	writeJSON(rw, http.StatusOK, res)
}

func (w *Worker) handleStats(rw http.ResponseWriter, r *http.Request) {
	snapshot := w.metrics.Snapshot()
	if snapshot.Latencies == nil {
		snapshot.Latencies = []metrics.Latency{}
	}
	writeJSON(rw, http.StatusOK, snapshot)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, err error) {
	writeJSON(rw, status, platformerrors.ToJSON(err))
}
