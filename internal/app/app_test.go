package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brogergvhs/novelgrab/internal/config"
	"github.com/brogergvhs/novelgrab/internal/queue"
	"github.com/brogergvhs/novelgrab/internal/store"
	"github.com/brogergvhs/novelgrab/internal/ui"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storyServer(t *testing.T) *httptest.Server {
	t.Helper()
	page := func(title, next string) string {
		link := ""
		if next != "" {
			link = fmt.Sprintf(`<a rel="next" href="%s">Next</a>`, next)
		}
		return fmt.Sprintf(`<html><body><h1>%s</h1><div class="chapter-content"><p>Text of %s.</p></div>%s</body></html>`, title, title, link)
	}

	pages := map[string]string{
		"/s/alpha/1": page("Alpha 1", "/s/alpha/2"),
		"/s/alpha/2": page("Alpha 2", ""),
		"/s/beta/1":  page("Beta 1", ""),
		"/read/100":  page("Chapter 1", ""),
		"/read/200":  strings.Replace(page("Chapter 1", ""), "Text of", "Other text of", 1),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Output = t.TempDir()
	cfg.Chapters = 5
	cfg.DelaySeconds = 0
	cfg.JobSpacingSeconds = 0
	cfg.RequestsPerSecond = 1000
	cfg.Bundle = true
	return cfg
}

func openApp(t *testing.T, cfg *config.Config, srv *httptest.Server, st store.Store, dormant bool) *App {
	t.Helper()
	a, err := Open(cfg, ui.NopLogger(), Options{
		Dormant: dormant,
		Store:   st,
		Client:  func(config.SiteRule) (*http.Client, error) { return srv.Client(), nil },
	})
	require.NoError(t, err)
	return a
}

func TestApp_RunsQueueToCompletion(t *testing.T) {
	srv := storyServer(t)
	cfg := testConfig(t)

	st, err := store.OpenMemory()
	require.NoError(t, err)
	a := openApp(t, cfg, srv, st, false)
	defer func() { _ = a.Close() }()

	var finished []queue.Finished
	a.OnFinished(func(_ context.Context, f queue.Finished) { finished = append(finished, f) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := a.Enqueue(ctx, JobsFromURLs([]string{srv.URL + "/s/alpha/1", srv.URL + "/s/beta/1"}, "", 0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Immediate, "both stories live on one host")
	assert.Equal(t, 1, res.Queued)

	require.NoError(t, a.Recover(ctx))
	require.NoError(t, a.Run(ctx))

	snap, err := a.Queue.Status(ctx)
	require.NoError(t, err)
	assert.True(t, snap.IsCompleted)
	assert.Equal(t, 2, snap.Stats.Successful)
	require.Len(t, finished, 2)

	for _, f := range finished {
		assert.Equal(t, "no more chapters", f.Message)
	}

	_, err = os.Stat(filepath.Join(cfg.Output, "alpha", "0002_alpha_2.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.Output, "alpha.zip"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.Output, "beta.zip"))
	assert.NoError(t, err)

	sessions, err := a.Sessions.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestApp_StoriesOnOneHostKeepSeparateFolders(t *testing.T) {
	srv := storyServer(t)
	cfg := testConfig(t)
	cfg.Bundle = false

	st, err := store.OpenMemory()
	require.NoError(t, err)
	a := openApp(t, cfg, srv, st, false)
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = a.Enqueue(ctx, JobsFromURLs([]string{srv.URL + "/read/100", srv.URL + "/read/200"}, "", 1))
	require.NoError(t, err)
	require.NoError(t, a.Recover(ctx))
	require.NoError(t, a.Run(ctx))

	snap, err := a.Queue.Status(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Completed, 2)
	for _, f := range snap.Completed {
		assert.Equal(t, queue.StatusSuccess, f.Status)
		assert.Equal(t, 1, f.Chapters)
	}

	files, err := filepath.Glob(filepath.Join(cfg.Output, "*", "0001_*.txt"))
	require.NoError(t, err)
	require.Len(t, files, 2)

	var texts []string
	for _, path := range files {
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		texts = append(texts, string(raw))
	}
	assert.NotEqual(t, texts[0], texts[1])
}

func TestApp_RunReturnsWhenIdle(t *testing.T) {
	srv := storyServer(t)
	st, err := store.OpenMemory()
	require.NoError(t, err)
	a := openApp(t, testConfig(t), srv, st, false)
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, a.Run(ctx))
}

func TestApp_DormantControlThenRun(t *testing.T) {
	srv := storyServer(t)
	cfg := testConfig(t)
	st, err := store.OpenMemory()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ctl := openApp(t, cfg, srv, st, true)
	_, err = ctl.Enqueue(ctx, []queue.Job{{URL: srv.URL + "/s/beta/1", Title: "Beta"}})
	require.NoError(t, err)
	require.NoError(t, ctl.Queue.Pause(ctx))

	host := openApp(t, cfg, srv, st, false)
	defer func() { _ = host.Close() }()
	require.NoError(t, host.Recover(ctx))
	require.NoError(t, host.Run(ctx))

	snap, err := host.Queue.Status(ctx)
	require.NoError(t, err)
	assert.True(t, snap.IsCompleted, "jobs admitted before the pause still run")
	assert.Equal(t, 1, snap.Stats.Successful)
}

func TestLoadStories(t *testing.T) {
	dir := t.TempDir()

	list := filepath.Join(dir, "list.yaml")
	require.NoError(t, os.WriteFile(list, []byte(`
- url: https://a.example/novel/one/chapter-1
  title: One
  chapters: 20
- url: " https://b.example/two/1 "
  exclusive: true
`), 0644))

	jobs, err := LoadStories(list)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "One", jobs[0].Title)
	assert.Equal(t, 20, jobs[0].Chapters)
	assert.Equal(t, "https://b.example/two/1", jobs[1].URL)
	assert.True(t, jobs[1].RequiresExclusive)

	wrapped := filepath.Join(dir, "wrapped.yaml")
	require.NoError(t, os.WriteFile(wrapped, []byte("stories:\n  - url: https://c.example/x/1\n"), 0644))
	jobs, err = LoadStories(wrapped)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("- title: no url\n"), 0644))
	_, err = LoadStories(bad)
	assert.Error(t, err)
}

func TestJobsFromURLs(t *testing.T) {
	jobs := JobsFromURLs([]string{" https://a/1 ", "", "https://b/1"}, "Shared", 3)
	require.Len(t, jobs, 2)
	assert.Equal(t, "https://a/1", jobs[0].URL)
	assert.Equal(t, "Shared", jobs[1].Title)
	assert.Equal(t, 3, jobs[1].Chapters)
}
