package eventloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_PostRunsInOrder(t *testing.T) {
	l := New()
	var got []int

	for i := 1; i <= 3; i++ {
		l.Post(func(context.Context) { got = append(got, i) })
	}
	l.Post(func(context.Context) {
		l.Post(func(context.Context) { got = append(got, 4) })
	})

	require.NoError(t, l.RunUntilIdle(context.Background()))
	assert.Equal(t, []int{1, 2, 3, 4}, got)
}

func TestLoop_GoPostsContinuation(t *testing.T) {
	l := New()
	boom := errors.New("boom")
	var result error
	var order []string

	l.Go(context.Background(), func(context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return boom
	}, func(_ context.Context, err error) {
		order = append(order, "done")
		result = err
	})
	l.Post(func(context.Context) { order = append(order, "posted") })

	require.NoError(t, l.RunUntilIdle(context.Background()))
	assert.ErrorIs(t, result, boom)
	assert.Equal(t, []string{"posted", "done"}, order)

	tasks, inflight := l.Pending()
	assert.Zero(t, tasks)
	assert.Zero(t, inflight)
}

func TestLoop_CallWaitsForResult(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = l.Run(ctx) }()

	n := 0
	err := l.Call(ctx, func(context.Context) error {
		n = 42
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestLoop_RunStopsOnCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, l.Run(ctx), context.Canceled)
}
