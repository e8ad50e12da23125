package ui

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Board shows one bar per running job.
type Board struct {
	p *mpb.Progress

	mu   sync.Mutex
	bars map[string]*JobBar
}

func NewBoard(w io.Writer) *Board {
	p := mpb.New(
		mpb.WithWidth(40),
		mpb.WithOutput(w),
		mpb.WithRefreshRate(200*time.Millisecond),
	)

	return &Board{p: p, bars: map[string]*JobBar{}}
}

// Close waits for every bar to render its final state.
func (b *Board) Close() {
	b.mu.Lock()
	for key, bar := range b.bars {
		bar.finish("")
		delete(b.bars, key)
	}
	b.mu.Unlock()

	b.p.Wait()
}

// Update moves the bar for key, creating it on first use.
func (b *Board) Update(key, label string, done, total int) {
	b.mu.Lock()
	bar, ok := b.bars[key]
	if !ok {
		bar = b.newBar(label)
		b.bars[key] = bar
	}
	b.mu.Unlock()

	bar.update(done, total)
}

// Finish completes the bar for key with a status word.
func (b *Board) Finish(key, status string) {
	b.mu.Lock()
	bar, ok := b.bars[key]
	delete(b.bars, key)
	b.mu.Unlock()

	if ok {
		bar.finish(status)
	}
}

type JobBar struct {
	bar    *mpb.Bar
	start  time.Time
	total  atomic.Int64
	status atomic.Value
	took   atomic.Int64
	final  atomic.Bool
}

func (b *Board) newBar(label string) *JobBar {
	jb := &JobBar{start: time.Now()}
	jb.status.Store("")

	jb.bar = b.p.New(
		0,
		mpb.BarStyle().Rbound("]"),
		mpb.PrependDecorators(
			decor.Name(label+"  ", decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit("%d/%d chapters", decor.WCSyncWidth),
			decor.Any(func(_ decor.Statistics) string {
				sec := int64(time.Since(jb.start).Seconds())
				if jb.final.Load() {
					sec = jb.took.Load()
				}
				return fmt.Sprintf(" | %ds", sec)
			}),
			decor.Any(func(_ decor.Statistics) string {
				if s, _ := jb.status.Load().(string); s != "" {
					return " | " + s
				}
				return ""
			}),
		),
	)

	return jb
}

func (jb *JobBar) update(done, total int) {
	if jb.final.Load() {
		return
	}

	if total > 0 && int64(total) != jb.total.Load() {
		jb.total.Store(int64(total))
		jb.bar.SetTotal(int64(total), false)
	}
	jb.bar.SetCurrent(int64(done))
}

func (jb *JobBar) finish(status string) {
	if jb.final.Swap(true) {
		return
	}

	jb.took.Store(int64(time.Since(jb.start).Seconds()))
	jb.status.Store(status)
	// Runs that end early still complete the bar at the chapters reached.
	jb.bar.SetTotal(-1, true)
}
