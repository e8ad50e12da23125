// Package session manages the resource handles running jobs are bound to. A
// session plays the part of a browser tab: it owns the chapter URL a walk
// currently points at and exists until the job finishes or someone closes it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brogergvhs/novelgrab/internal/store"
	"github.com/brogergvhs/novelgrab/internal/ui"
	"github.com/google/uuid"
)

const keyPrefix = "session:"

var ErrNotFound = errors.New("session not found")

type Session struct {
	Handle    string    `json:"handle"`
	JobID     string    `json:"job_id"`
	Title     string    `json:"title"`
	Domain    string    `json:"domain"`
	Exclusive bool      `json:"exclusive"`
	URL       string    `json:"url"`
	Visited   []string  `json:"visited,omitempty"`
	Digests   []string  `json:"digests,omitempty"`
	Files     []string  `json:"files,omitempty"`
	OpenedAt  time.Time `json:"opened_at"`
}

// Spec describes the job a new session is opened for.
type Spec struct {
	JobID     string
	Title     string
	URL       string
	Domain    string
	Exclusive bool
}

type ReleaseFunc func(ctx context.Context, handle string)

type Manager struct {
	mu       sync.Mutex
	store    store.Store
	log      *ui.Logger
	now      func() time.Time
	released []ReleaseFunc
}

func NewManager(st store.Store, log *ui.Logger, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}

	return &Manager{store: st, log: log, now: now}
}

// OnRelease registers fn to be told when a session is closed.
func (m *Manager) OnRelease(fn ReleaseFunc) {
	m.released = append(m.released, fn)
}

func (m *Manager) Open(ctx context.Context, spec Spec) (string, error) {
	if strings.TrimSpace(spec.URL) == "" {
		return "", errors.New("session needs a start url")
	}

	s := Session{
		Handle:    "s-" + uuid.NewString()[:8],
		JobID:     spec.JobID,
		Title:     spec.Title,
		Domain:    spec.Domain,
		Exclusive: spec.Exclusive,
		URL:       spec.URL,
		OpenedAt:  m.now(),
	}
	if err := m.store.Save(ctx, keyPrefix+s.Handle, s); err != nil {
		return "", fmt.Errorf("failed to open session: %w", err)
	}

	m.log.Debug().Str("handle", s.Handle).Str("job_id", s.JobID).Msg("session opened")

	return s.Handle, nil
}

func (m *Manager) Get(ctx context.Context, handle string) (*Session, error) {
	var s Session
	ok, err := m.store.Load(ctx, keyPrefix+handle, &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}

	return &s, nil
}

func (m *Manager) Alive(ctx context.Context, handle string) (bool, error) {
	_, err := m.Get(ctx, handle)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}

	return err == nil, err
}

// Update saves s unless the session was closed meanwhile.
func (m *Manager) Update(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok, err := m.Alive(ctx, s.Handle); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("%w: %s", ErrNotFound, s.Handle)
		}
		return err
	}

	return m.store.Save(ctx, keyPrefix+s.Handle, s)
}

// Close removes the session and notifies release listeners. Closing an
// unknown handle still notifies, so stale state bound to it gets cleared.
func (m *Manager) Close(ctx context.Context, handle string) error {
	m.mu.Lock()
	err := m.store.Remove(ctx, keyPrefix+handle)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to close session %s: %w", handle, err)
	}

	m.log.Debug().Str("handle", handle).Msg("session closed")
	for _, fn := range m.released {
		fn(ctx, handle)
	}

	return nil
}

func (m *Manager) List(ctx context.Context) ([]Session, error) {
	keys, err := m.store.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]Session, 0, len(keys))
	for _, k := range keys {
		var s Session
		ok, err := m.store.Load(ctx, k, &s)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })

	return out, nil
}
