// Package timer provides wake-ups that survive process restarts. A durable
// wake is persisted before it is armed, so a fresh process can Restore it and
// fire it late rather than never. Local wakes are plain in-memory timers for
// short waits. All callbacks run on the event loop.
package timer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brogergvhs/novelgrab/internal/eventloop"
	"github.com/brogergvhs/novelgrab/internal/store"
	"github.com/brogergvhs/novelgrab/internal/ui"
)

const wakePrefix = "wake:"

type Wake struct {
	Key       string    `json:"key"`
	DueAt     time.Time `json:"due_at"`
	CreatedAt time.Time `json:"created_at"`
}

type Handler func(ctx context.Context, key string)

type Options struct {
	// Dormant services persist and cancel wakes but never arm them. Control
	// commands use this so they do not run work meant for the runner.
	Dormant bool
}

type Service struct {
	store   store.Store
	loop    *eventloop.Loop
	clock   Clock
	log     *ui.Logger
	dormant bool

	handlers map[string]Handler

	durable  map[string]func() bool
	local    map[string]func() bool
	durGen   map[string]int
	localGen map[string]int
}

func NewService(st store.Store, loop *eventloop.Loop, clock Clock, log *ui.Logger, opts Options) *Service {
	if clock == nil {
		clock = RealClock()
	}

	return &Service{
		store:    st,
		loop:     loop,
		clock:    clock,
		log:      log,
		dormant:  opts.Dormant,
		handlers: map[string]Handler{},
		durable:  map[string]func() bool{},
		local:    map[string]func() bool{},
		durGen:   map[string]int{},
		localGen: map[string]int{},
	}
}

func (s *Service) Clock() Clock { return s.clock }

// Handle registers h for every wake whose key starts with prefix. The
// longest matching prefix wins.
func (s *Service) Handle(prefix string, h Handler) {
	s.handlers[prefix] = h
}

// Schedule persists a wake for key due after delay and arms it, replacing
// any earlier wake with the same key.
func (s *Service) Schedule(ctx context.Context, key string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}

	now := s.clock.Now()
	w := Wake{Key: key, DueAt: now.Add(delay), CreatedAt: now}
	if err := s.store.Save(ctx, wakePrefix+key, w); err != nil {
		return fmt.Errorf("failed to persist wake %s: %w", key, err)
	}

	s.armDurable(key, delay)
	s.log.Debug().Str("key", key).Dur("delay", delay).Msg("wake scheduled")

	return nil
}

// ScheduleLocal arms an in-memory wake that dies with the process.
func (s *Service) ScheduleLocal(key string, delay time.Duration, h Handler) {
	if stop, ok := s.local[key]; ok {
		stop()
		delete(s.local, key)
	}
	s.localGen[key]++

	if s.dormant {
		return
	}

	gen := s.localGen[key]
	s.local[key] = s.clock.AfterFunc(delay, func() {
		s.loop.Post(func(ctx context.Context) {
			if s.localGen[key] != gen {
				return
			}
			delete(s.local, key)
			h(ctx, key)
		})
	})
}

// CancelLocal drops a pending local wake.
func (s *Service) CancelLocal(key string) {
	if stop, ok := s.local[key]; ok {
		stop()
		delete(s.local, key)
	}
	s.localGen[key]++
}

// Cancel drops both the durable and the local wake for key.
func (s *Service) Cancel(ctx context.Context, key string) error {
	if stop, ok := s.durable[key]; ok {
		stop()
		delete(s.durable, key)
	}
	s.durGen[key]++
	s.CancelLocal(key)

	if err := s.store.Remove(ctx, wakePrefix+key); err != nil {
		return fmt.Errorf("failed to remove wake %s: %w", key, err)
	}

	return nil
}

// Pending returns the persisted wake for key, if any.
func (s *Service) Pending(ctx context.Context, key string) (Wake, bool, error) {
	var w Wake
	ok, err := s.store.Load(ctx, wakePrefix+key, &w)

	return w, ok, err
}

// Restore arms every persisted wake. Overdue wakes fire on the next loop turn.
func (s *Service) Restore(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, wakePrefix)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	n := 0
	for _, k := range keys {
		var w Wake
		ok, err := s.store.Load(ctx, k, &w)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}

		s.armDurable(w.Key, w.DueAt.Sub(now))
		n++
	}

	if n > 0 {
		s.log.Info().Int("count", n).Msg("restored pending wakes")
	}

	return n, nil
}

func (s *Service) armDurable(key string, delay time.Duration) {
	if stop, ok := s.durable[key]; ok {
		stop()
		delete(s.durable, key)
	}
	s.durGen[key]++

	if s.dormant {
		return
	}
	if delay < 0 {
		delay = 0
	}

	gen := s.durGen[key]
	s.durable[key] = s.clock.AfterFunc(delay, func() {
		s.loop.Post(func(ctx context.Context) {
			s.fire(ctx, key, gen)
		})
	})
}

func (s *Service) fire(ctx context.Context, key string, gen int) {
	if s.durGen[key] != gen {
		return
	}
	delete(s.durable, key)

	var w Wake
	ok, err := s.store.Load(ctx, wakePrefix+key, &w)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("failed to load wake")
		return
	}
	if !ok {
		return
	}
	if err := s.store.Remove(ctx, wakePrefix+key); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("failed to clear fired wake")
	}

	h := s.handlerFor(key)
	if h == nil {
		s.log.Warn().Str("key", key).Msg("no handler for wake")
		return
	}

	h(ctx, key)
}

func (s *Service) handlerFor(key string) Handler {
	var best Handler
	bestLen := -1
	for prefix, h := range s.handlers {
		if strings.HasPrefix(key, prefix) && len(prefix) > bestLen {
			best = h
			bestLen = len(prefix)
		}
	}

	return best
}
