package queue

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusNoContent  Status = "no_content"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Label() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFailed:
		return "Failed"
	case StatusNoContent:
		return "No success"
	case StatusCancelled:
		return "Cancelled"
	case StatusProcessing:
		return "Processing"
	default:
		return "Queued"
	}
}

// Job is one walk through a story, starting at URL.
type Job struct {
	ID                string `json:"id" yaml:"id"`
	URL               string `json:"url" yaml:"url"`
	Title             string `json:"title" yaml:"title"`
	Domain            string `json:"domain" yaml:"-"`
	RequiresExclusive bool   `json:"requires_exclusive" yaml:"exclusive"`
	// Chapters overrides the configured number of steps when set.
	Chapters int `json:"chapters,omitempty" yaml:"chapters"`
}

type InFlight struct {
	Job        Job       `json:"job"`
	Handle     string    `json:"handle,omitempty"`
	AdmittedAt time.Time `json:"admitted_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

type Finished struct {
	Job        Job           `json:"job"`
	Status     Status        `json:"status"`
	Message    string        `json:"message"`
	Chapters   int           `json:"chapters"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

// State is the coordinator's persisted bookkeeping.
type State struct {
	QueueID        string               `json:"queue_id"`
	Queue          []Job                `json:"queue"`
	Processing     map[string]*InFlight `json:"processing"`
	Completed      map[string]*Finished `json:"completed"`
	DomainLocks    map[string][]string  `json:"domain_locks"`
	ExclusiveOwner string               `json:"exclusive_owner,omitempty"`
	IsPaused       bool                 `json:"is_paused"`
	IsActive       bool                 `json:"is_active"`
	IsCompleted    bool                 `json:"is_completed"`
	StartedAt      time.Time            `json:"started_at,omitempty"`
}

func (st *State) init() {
	if st.Processing == nil {
		st.Processing = map[string]*InFlight{}
	}
	if st.Completed == nil {
		st.Completed = map[string]*Finished{}
	}
	if st.DomainLocks == nil {
		st.DomainLocks = map[string][]string{}
	}
}

func (st *State) runnable(j Job) bool {
	if len(st.DomainLocks[j.Domain]) > 0 {
		return false
	}

	return !j.RequiresExclusive || st.ExclusiveOwner == ""
}

func (st *State) admit(j Job, now time.Time) {
	st.Processing[j.ID] = &InFlight{Job: j, AdmittedAt: now}
	st.DomainLocks[j.Domain] = append(st.DomainLocks[j.Domain], j.ID)
	if j.RequiresExclusive {
		st.ExclusiveOwner = j.Domain
	}
}

func (st *State) release(j Job) {
	ids := st.DomainLocks[j.Domain][:0]
	for _, id := range st.DomainLocks[j.Domain] {
		if id != j.ID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		delete(st.DomainLocks, j.Domain)
	} else {
		st.DomainLocks[j.Domain] = ids
	}

	if j.RequiresExclusive && st.ExclusiveOwner == j.Domain {
		st.ExclusiveOwner = ""
	}
}

// nextRunnable returns the index of the earliest queued job that can start.
func (st *State) nextRunnable() (int, bool) {
	for i, j := range st.Queue {
		if st.runnable(j) {
			return i, true
		}
	}

	return -1, false
}

func (st *State) take(i int) Job {
	j := st.Queue[i]
	st.Queue = append(st.Queue[:i:i], st.Queue[i+1:]...)

	return j
}

func (st *State) holds(j Job) bool {
	if _, ok := st.Processing[j.ID]; ok {
		return true
	}
	for _, p := range st.Processing {
		if p.Job.URL == j.URL {
			return true
		}
	}
	for _, q := range st.Queue {
		if q.ID == j.ID || q.URL == j.URL {
			return true
		}
	}

	return false
}

// uniqueTitle suffixes title until no other job of the state uses it, so
// every story gets its own folder.
func (st *State) uniqueTitle(title string) string {
	used := map[string]bool{}
	for _, p := range st.Processing {
		used[titleKey(p.Job.Title)] = true
	}
	for _, q := range st.Queue {
		used[titleKey(q.Title)] = true
	}
	for _, f := range st.Completed {
		used[titleKey(f.Job.Title)] = true
	}

	if !used[titleKey(title)] {
		return title
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", title, n)
		if !used[titleKey(candidate)] {
			return candidate
		}
	}
}

// titleKey folds a title to the letters and digits that survive in its
// folder name.
func titleKey(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (st *State) inFlightIDs() []string {
	ids := make([]string, 0, len(st.Processing))
	for id := range st.Processing {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		pa, pb := st.Processing[ids[a]], st.Processing[ids[b]]
		if !pa.AdmittedAt.Equal(pb.AdmittedAt) {
			return pa.AdmittedAt.Before(pb.AdmittedAt)
		}
		return ids[a] < ids[b]
	})

	return ids
}

type Stats struct {
	Total      int `json:"total"`
	Processing int `json:"processing"`
	Queued     int `json:"queued"`
	Completed  int `json:"completed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	NoContent  int `json:"no_content"`
	Cancelled  int `json:"cancelled"`
}

// Snapshot is what observers and status callers see.
type Snapshot struct {
	QueueID     string     `json:"queue_id"`
	Queue       []Job      `json:"queue"`
	Processing  []InFlight `json:"processing"`
	Completed   []Finished `json:"completed"`
	Stats       Stats      `json:"stats"`
	IsPaused    bool       `json:"is_paused"`
	IsActive    bool       `json:"is_active"`
	IsCompleted bool       `json:"is_completed"`
}

func (st *State) snapshot() Snapshot {
	snap := Snapshot{
		QueueID:     st.QueueID,
		Queue:       append([]Job(nil), st.Queue...),
		IsPaused:    st.IsPaused,
		IsActive:    st.IsActive,
		IsCompleted: st.IsCompleted,
	}

	for _, id := range st.inFlightIDs() {
		snap.Processing = append(snap.Processing, *st.Processing[id])
	}

	for _, f := range st.Completed {
		snap.Completed = append(snap.Completed, *f)
		switch f.Status {
		case StatusSuccess:
			snap.Stats.Successful++
		case StatusFailed:
			snap.Stats.Failed++
		case StatusNoContent:
			snap.Stats.NoContent++
		case StatusCancelled:
			snap.Stats.Cancelled++
		}
	}
	sort.Slice(snap.Completed, func(a, b int) bool {
		ca, cb := snap.Completed[a], snap.Completed[b]
		if !ca.FinishedAt.Equal(cb.FinishedAt) {
			return ca.FinishedAt.Before(cb.FinishedAt)
		}
		return ca.Job.ID < cb.Job.ID
	})

	snap.Stats.Queued = len(st.Queue)
	snap.Stats.Processing = len(st.Processing)
	snap.Stats.Completed = len(st.Completed)
	snap.Stats.Total = snap.Stats.Queued + snap.Stats.Processing + snap.Stats.Completed

	return snap
}

// DomainOf returns the host of rawURL without a leading "www.".
func DomainOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ""
	}

	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

var reChapterSegment = regexp.MustCompile(`(?i)^(?:\d+|(?:ch|chap|chapter|c|ep|episode|part)[-_]?\d+.*|ch|chap|chapter|chapters|c|read|novel|book)$|chapter`)

// titleFor guesses a story title from the path of a chapter URL, e.g.
// "/novel/my-story/chapter-1" gives "my-story".
func titleFor(rawURL, domain string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return domain
	}

	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segs) - 1; i >= 0; i-- {
		seg := strings.TrimSuffix(strings.TrimSuffix(segs[i], ".html"), ".htm")
		if seg == "" || reChapterSegment.MatchString(seg) {
			continue
		}
		return seg
	}

	return domain
}
