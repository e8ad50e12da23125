// Package eventloop runs scheduler tasks one at a time on a single goroutine.
// Blocking work is pushed off the loop with Go and its continuation is posted
// back, so scheduler state is never touched concurrently.
package eventloop

import (
	"context"
	"sync"
)

type Task func(ctx context.Context)

type Loop struct {
	mu       sync.Mutex
	tasks    []Task
	inflight int
	signal   chan struct{}
}

func New() *Loop {
	return &Loop{signal: make(chan struct{}, 1)}
}

// Post queues t to run on the loop after every task already queued.
func (l *Loop) Post(t Task) {
	l.mu.Lock()
	l.tasks = append(l.tasks, t)
	l.mu.Unlock()
	l.notify()
}

// Go runs work on its own goroutine and posts done with the result.
func (l *Loop) Go(ctx context.Context, work func(ctx context.Context) error, done func(ctx context.Context, err error)) {
	l.mu.Lock()
	l.inflight++
	l.mu.Unlock()

	go func() {
		err := work(ctx)

		l.mu.Lock()
		l.inflight--
		l.tasks = append(l.tasks, func(ctx context.Context) { done(ctx, err) })
		l.mu.Unlock()
		l.notify()
	}()
}

// Call runs fn on the loop and waits for its result. It must not be called
// from a loop task.
func (l *Loop) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	res := make(chan error, 1)
	l.Post(func(ctx context.Context) { res <- fn(ctx) })

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if t, _ := l.next(); t != nil {
			t(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.signal:
		}
	}
}

// RunUntilIdle processes tasks until nothing is queued and no Go work is in
// flight.
func (l *Loop) RunUntilIdle(ctx context.Context) error {
	for {
		t, inflight := l.next()
		if t != nil {
			t(ctx)
			continue
		}
		if inflight == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.signal:
		}
	}
}

// Pending reports queued tasks and in-flight work.
func (l *Loop) Pending() (tasks, inflight int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.tasks), l.inflight
}

func (l *Loop) next() (Task, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) == 0 {
		return nil, l.inflight
	}

	t := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]

	return t, l.inflight
}

func (l *Loop) notify() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}
