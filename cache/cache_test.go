package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]Provider {
	t.Helper()
	sqlite, err := NewSQLiteProvider(filepath.Join(t.TempDir(), "stores.db"))
	require.NoError(t, err)
	memSqlite, err := NewSQLiteProvider("")
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlite.Close()
		memSqlite.Close()
	})
	return map[string]Provider{
		"sqlite":        sqlite,
		"sqlite-memory": memSqlite,
		"memory":        NewMemProvider(),
	}
}

func textRecord(body string) Record {
	return Record{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			s, err := p.Open(ctx, "app-assets-v1")
			require.NoError(t, err)
			require.NoError(t, s.Put(ctx, "GET https://app.test/", textRecord("home")))

			again, err := p.Open(ctx, "app-assets-v1")
			require.NoError(t, err)
			rec, ok, err := again.Match(ctx, "GET https://app.test/")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "home", string(rec.Body))

			names, err := p.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"app-assets-v1"}, names)
		})
	}
}

func TestPutReplacesRecord(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			s, err := p.Open(ctx, "assets")
			require.NoError(t, err)
			first := textRecord("first")
			first.Header.Set("X-Only-First", "1")
			require.NoError(t, s.Put(ctx, "k", first))
			require.NoError(t, s.Put(ctx, "k", Record{Status: http.StatusAccepted, Body: []byte("second")}))

			rec, ok, err := s.Match(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, http.StatusAccepted, rec.Status)
			assert.Equal(t, "second", string(rec.Body))
			assert.Empty(t, rec.Header.Get("X-Only-First"))
			assert.False(t, rec.StoredAt.IsZero())
		})
	}
}

func TestMatchIsExactAndIsolatedPerStore(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			v1, err := p.Open(ctx, "assets-v1")
			require.NoError(t, err)
			v2, err := p.Open(ctx, "assets-v2")
			require.NoError(t, err)
			require.NoError(t, v1.Put(ctx, "GET https://app.test/style.css", textRecord("css")))

			_, ok, err := v1.Match(ctx, "GET https://app.test/style")
			require.NoError(t, err)
			assert.False(t, ok)
			_, ok, err = v2.Match(ctx, "GET https://app.test/style.css")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMatchReturnsCopy(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			s, err := p.Open(ctx, "assets")
			require.NoError(t, err)
			require.NoError(t, s.Put(ctx, "k", textRecord("immutable")))

			rec, _, err := s.Match(ctx, "k")
			require.NoError(t, err)
			rec.Body[0] = 'X'
			rec.Header.Set("Content-Type", "changed")

			again, _, err := s.Match(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "immutable", string(again.Body))
			assert.Equal(t, "text/plain", again.Header.Get("Content-Type"))
		})
	}
}

func TestDeleteStore(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			s, err := p.Open(ctx, "assets-v1")
			require.NoError(t, err)
			require.NoError(t, s.Put(ctx, "k", textRecord("v1")))

			existed, err := p.Delete(ctx, "assets-v1")
			require.NoError(t, err)
			assert.True(t, existed)
			existed, err = p.Delete(ctx, "assets-v1")
			require.NoError(t, err)
			assert.False(t, existed)

			names, err := p.Names(ctx)
			require.NoError(t, err)
			assert.Empty(t, names)

			// a late write must not resurrect a deleted store
			err = s.Put(ctx, "k2", textRecord("late"))
			assert.True(t, errors.Is(err, ErrStoreNotFound))
			names, err = p.Names(ctx)
			require.NoError(t, err)
			assert.Empty(t, names)

			reopened, err := p.Open(ctx, "assets-v1")
			require.NoError(t, err)
			_, ok, err := reopened.Match(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestKeysAreOrderedByStoredAt(t *testing.T) {
	ctx := context.Background()
	base := time.Now()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			s, err := p.Open(ctx, "outbox")
			require.NoError(t, err)
			for i, key := range []string{"c", "a", "b"} {
				rec := textRecord(key)
				rec.StoredAt = base.Add(time.Duration(i) * time.Millisecond)
				require.NoError(t, s.Put(ctx, key, rec))
			}

			keys, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "a", "b"}, keys)

			removed, err := s.Remove(ctx, "a")
			require.NoError(t, err)
			assert.True(t, removed)
			removed, err = s.Remove(ctx, "a")
			require.NoError(t, err)
			assert.False(t, removed)

			keys, err = s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "b"}, keys)
		})
	}
}

func keyForURL(u string) (string, error) {
	return "GET " + u, nil
}

func TestAddAllPopulatesStore(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			urls := []string{"https://app.test/app/", "https://app.test/app/style.css"}

			s, err := AddAll(ctx, p, "assets-v1", urls, keyForURL, func(_ context.Context, u string) (Record, error) {
				return textRecord("body of " + u), nil
			})
			require.NoError(t, err)
			assert.Equal(t, "assets-v1", s.Name())

			keys, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Len(t, keys, 2)
			rec, ok, err := s.Match(ctx, "GET https://app.test/app/style.css")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "body of https://app.test/app/style.css", string(rec.Body))
		})
	}
}

func TestAddAllWritesNothingOnFailure(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			urls := []string{"https://app.test/a", "https://app.test/missing", "https://app.test/offline"}
			var fetched atomic.Int32

			s, err := AddAll(ctx, p, "assets-v2", urls, keyForURL, func(_ context.Context, u string) (Record, error) {
				fetched.Add(1)
				switch u {
				case "https://app.test/missing":
					return Record{Status: http.StatusNotFound}, nil
				case "https://app.test/offline":
					return Record{}, fmt.Errorf("dial tcp: no route to host")
				}
				return textRecord("ok"), nil
			})
			require.Error(t, err)
			assert.Nil(t, s)
			assert.Positive(t, fetched.Load())

			names, err := p.Names(ctx)
			require.NoError(t, err)
			assert.Empty(t, names)
		})
	}
}

func TestSQLiteProviderPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "stores.db")

	p, err := NewSQLiteProvider(filename)
	require.NoError(t, err)
	s, err := p.Open(ctx, "outbox")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "token", textRecord("queued")))
	require.NoError(t, p.Close())

	p, err = NewSQLiteProvider(filename)
	require.NoError(t, err)
	defer p.Close()
	s, err = p.Open(ctx, "outbox")
	require.NoError(t, err)
	rec, ok, err := s.Match(ctx, "token")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "queued", string(rec.Body))
	assert.Equal(t, "text/plain", rec.Header.Get("Content-Type"))
}

func TestSQLiteProviderIsSingleWriter(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "stores.db")
	p, err := NewSQLiteProvider(filename)
	require.NoError(t, err)

	_, err = NewSQLiteProvider(filename)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, p.Close())
	p, err = NewSQLiteProvider(filename)
	require.NoError(t, err)
	require.NoError(t, p.Close())
}
