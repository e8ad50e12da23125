package util

import (
	"archive/zip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoWithRetry_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "novelgrab-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "a=1; b=2", r.Header.Get("Cookie"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cookieFile := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, os.WriteFile(cookieFile, []byte("\n  b=2  \nc=3\n"), 0644))

	client, err := NewHTTPClient(HTTPClientOptions{
		Timeout:    5 * time.Second,
		UserAgent:  "novelgrab-test",
		Cookie:     "a=1",
		CookieFile: cookieFile,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := DoWithRetry(context.Background(), client, req, 3, time.Millisecond)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDoWithRetry_ReturnsClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := DoWithRetry(context.Background(), srv.Client(), req, 3, time.Millisecond)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDoWithRetry_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = DoWithRetry(context.Background(), srv.Client(), req, 2, time.Millisecond)
	assert.EqualError(t, err, "HTTP 502 after 2 attempts")
}

func TestNewHTTPClient_MissingCookieFile(t *testing.T) {
	_, err := NewHTTPClient(HTTPClientOptions{CookieFile: filepath.Join(t.TempDir(), "nope")})
	assert.Error(t, err)
}

func TestCreateBundle(t *testing.T) {
	dir := t.TempDir()
	b := filepath.Join(dir, "0002_b.txt")
	a := filepath.Join(dir, "0001_a.txt")
	require.NoError(t, os.WriteFile(a, []byte("first"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("second"), 0644))

	out := filepath.Join(dir, "story.zip")
	require.NoError(t, CreateBundle([]string{b, a}, out))

	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer zr.Close()

	require.Len(t, zr.File, 2)
	assert.Equal(t, "0001_a.txt", zr.File[0].Name)
	assert.Equal(t, "0002_b.txt", zr.File[1].Name)

	_, err = os.Stat(out + ".part")
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, CreateBundle(nil, out))
}

func TestWriteFileNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "file.txt")
	require.NoError(t, WriteFileNew(path, []byte("hello")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	err = WriteFileNew(path, []byte("other"))
	assert.ErrorIs(t, err, os.ErrExist)

	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got), "existing file is kept")

	left, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.part"))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestHuman(t *testing.T) {
	assert.Equal(t, "512 B", Human(512))
	assert.Equal(t, "1.50 KB", Human(1536))
	assert.Equal(t, "0s", HumanDuration(200*time.Millisecond))
	assert.Equal(t, "1h5s", HumanDuration(time.Hour+5*time.Second))
	assert.Equal(t, "2m30s", HumanDuration(150*time.Second))
}

func TestRemoveIfEmpty(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.Mkdir(empty, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), nil, 0644))

	assert.True(t, RemoveIfEmpty(empty))
	assert.False(t, RemoveIfEmpty(dir))
}
