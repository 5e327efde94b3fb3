package origin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agenthands/descedge/internal/testkit"
	"github.com/agenthands/descedge/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	ctx := context.Background()
	srv := testkit.NewOriginServer()
	defer srv.Close()
	srv.Set("deadbeef", []byte("hello"), "text/plain")
	srv.Set("raw", []byte{1, 2, 3}, "")

	c, err := New(core.OriginConfig{BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	obj, err := c.Fetch(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, core.Object{Data: []byte("hello"), ContentType: "text/plain"}, obj)

	obj, err = c.Fetch(ctx, "raw")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, obj.Data)
	assert.Empty(t, obj.ContentType)

	_, err = c.Fetch(ctx, "absent")
	assert.ErrorIs(t, err, core.ErrNotFound)

	srv.SetDisabled(true)
	_, err = c.Fetch(ctx, "deadbeef")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, int64(4), srv.Hits.Load())
}

func TestFetch_RequestShape(t *testing.T) {
	var gotPath, gotCC string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCC = r.Header.Get("Cache-Control")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("part"))
	}))
	defer srv.Close()

	c, err := New(core.OriginConfig{BaseURL: srv.URL + "/static"})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/static/v1/desc/abc.json", c.URL("abc.json"))

	obj, err := c.Fetch(context.Background(), "abc.json")
	require.NoError(t, err)
	assert.Equal(t, "part", string(obj.Data))
	assert.Equal(t, "/static/v1/desc/abc.json", gotPath)
	assert.Equal(t, RequestCacheControl, gotCC)
}

func TestFetch_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(core.OriginConfig{BaseURL: url})
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), "k")
	assert.ErrorIs(t, err, core.ErrUpstreamUnavailable)
}

func TestFetch_TruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("short"))
	}))
	defer srv.Close()

	c, err := New(core.OriginConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), "k")
	assert.ErrorIs(t, err, core.ErrUpstreamUnavailable)
}

func TestFetch_MaxBody(t *testing.T) {
	srv := testkit.NewOriginServer()
	defer srv.Close()
	srv.Set("big", make([]byte, 11), "")
	srv.Set("fits", make([]byte, 10), "")

	c, err := New(core.OriginConfig{BaseURL: srv.URL, MaxBodyBytes: 10})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), "big")
	assert.ErrorIs(t, err, core.ErrTooLarge)
	_, err = c.Fetch(context.Background(), "fits")
	assert.NoError(t, err)
}

func TestFetch_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(core.OriginConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Fetch(ctx, "slow")
	assert.ErrorIs(t, err, core.ErrUpstreamUnavailable)
}

func TestNew_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "://bad"} {
		_, err := New(core.OriginConfig{BaseURL: u})
		assert.ErrorIs(t, err, core.ErrInvalidInput, u)
	}
}
