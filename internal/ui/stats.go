package ui

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Stats counts what a run produced.
type Stats struct {
	Jobs      atomic.Int64
	Chapters  atomic.Int64
	Succeeded atomic.Int64
	Failed    atomic.Int64
}

func (s *Stats) Print(w io.Writer, elapsed time.Duration) {
	_, _ = fmt.Fprintln(w, "Run Summary:")
	_, _ = fmt.Fprintf(w, "Jobs:      %d\n", s.Jobs.Load())
	_, _ = fmt.Fprintf(w, "Succeeded: %d\n", s.Succeeded.Load())
	_, _ = fmt.Fprintf(w, "Failed:    %d\n", s.Failed.Load())
	_, _ = fmt.Fprintf(w, "Chapters:  %d\n", s.Chapters.Load())
	_, _ = fmt.Fprintf(w, "Time:      %s\n", elapsed.Round(time.Second))
}
