// Package walker performs one chapter per step: it fetches the page a
// session points at, stores the chapter text and moves the session on to the
// next chapter link.
package walker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/brogergvhs/novelgrab/internal/chapters"
	"github.com/brogergvhs/novelgrab/internal/config"
	"github.com/brogergvhs/novelgrab/internal/session"
	"github.com/brogergvhs/novelgrab/internal/stepper"
	"github.com/brogergvhs/novelgrab/internal/ui"
	"github.com/brogergvhs/novelgrab/internal/util"
)

const (
	ReasonNoMoreChapters = "no more chapters"
	ReasonLoop           = "chapter loop detected"
	ReasonNotFound       = "chapter not found"
	ReasonPaywall        = "paywall reached"
	ReasonNoContent      = "no chapter content"
	ReasonDuplicate      = "duplicate chapter content"
	ReasonFolderTaken    = "story folder used by another story"
)

type Sessions interface {
	Get(ctx context.Context, handle string) (*session.Session, error)
	Update(ctx context.Context, s *session.Session) error
}

type Rules interface {
	Rule(domain string) config.SiteRule
}

// ClientFactory builds the HTTP client for a site rule.
type ClientFactory func(rule config.SiteRule) (*http.Client, error)

type Options struct {
	Output            string
	RequestsPerSecond float64
	Attempts          int
	Backoff           time.Duration
}

type Walker struct {
	sessions  Sessions
	rules     Rules
	newClient ClientFactory
	limits    *limiters
	log       *ui.Logger
	opts      Options

	mu      sync.Mutex
	clients map[bool]*http.Client
}

func New(sessions Sessions, rules Rules, newClient ClientFactory, log *ui.Logger, opts Options) *Walker {
	if opts.Attempts < 1 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Output == "" {
		opts.Output = "."
	}

	return &Walker{
		sessions:  sessions,
		rules:     rules,
		newClient: newClient,
		limits:    newLimiters(opts.RequestsPerSecond),
		log:       log,
		opts:      opts,
		clients:   map[bool]*http.Client{},
	}
}

func abort(reason string) (stepper.StepResult, error) {
	return stepper.StepResult{Abort: true, Reason: reason}, nil
}

// PerformStep fetches the chapter the session points at.
func (w *Walker) PerformStep(ctx context.Context, step stepper.Step) (stepper.StepResult, error) {
	sess, err := w.sessions.Get(ctx, step.Handle)
	if err != nil {
		return stepper.StepResult{}, err
	}

	if sess.URL == "" {
		return abort(ReasonNoMoreChapters)
	}
	if slices.Contains(sess.Visited, sess.URL) {
		return abort(ReasonLoop)
	}

	rule := w.rules.Rule(sess.Domain)

	doc, status, err := w.fetch(ctx, rule, sess.Domain, sess.URL)
	if status == http.StatusNotFound || status == http.StatusGone {
		return abort(ReasonNotFound)
	}
	if err != nil {
		return stepper.StepResult{}, err
	}

	if rule.Paywall != "" && doc.Find(rule.Paywall).Length() > 0 {
		return abort(ReasonPaywall)
	}

	p := extract(doc, rule, sess.URL)
	if p.Text == "" {
		return abort(ReasonNoContent)
	}

	digest := digestOf(p.Text)
	if slices.Contains(sess.Digests, digest) {
		return abort(ReasonDuplicate)
	}

	ch := chapters.Chapter{
		Number: len(sess.Files) + 1,
		Title:  p.Title,
		URL:    sess.URL,
		Text:   p.Text,
	}
	path, err := chapters.Write(w.opts.Output, sess.Title, ch)
	if errors.Is(err, chapters.ErrTaken) {
		w.log.Warn().Err(err).Str("job_id", step.JobID).Msg("chapter not written")
		return abort(ReasonFolderTaken)
	}
	if err != nil {
		return stepper.StepResult{}, err
	}

	w.log.Info().
		Str("job_id", step.JobID).
		Int("step", step.Index+1).
		Int("chapter", ch.Number).
		Str("file", path).
		Msg("chapter saved")

	sess.Visited = append(sess.Visited, sess.URL)
	sess.Digests = append(sess.Digests, digest)
	sess.Files = append(sess.Files, path)
	sess.URL = p.Next

	if err := w.sessions.Update(ctx, sess); err != nil {
		return stepper.StepResult{}, fmt.Errorf("advance session: %w", err)
	}

	return stepper.StepResult{}, nil
}

func (w *Walker) fetch(ctx context.Context, rule config.SiteRule, domain, target string) (*goquery.Document, int, error) {
	client, err := w.client(rule)
	if err != nil {
		return nil, 0, err
	}

	if err := w.limits.wait(ctx, domain); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := util.DoWithRetry(ctx, client, req, w.opts.Attempts, w.opts.Backoff)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("GET %s: HTTP %d", target, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("parse %s: %w", target, err)
	}

	return doc, resp.StatusCode, nil
}

func (w *Walker) client(rule config.SiteRule) (*http.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if c, ok := w.clients[rule.Bypass]; ok {
		return c, nil
	}
	if w.newClient == nil {
		return nil, errors.New("walker has no http client")
	}

	c, err := w.newClient(rule)
	if err != nil {
		return nil, err
	}
	w.clients[rule.Bypass] = c

	return c, nil
}

func digestOf(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
