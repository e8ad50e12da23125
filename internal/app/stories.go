package app

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/brogergvhs/novelgrab/internal/queue"
)

type storiesFile struct {
	Stories []queue.Job `yaml:"stories"`
}

// LoadStories reads jobs from a YAML file holding either a list of stories
// or a "stories:" key.
func LoadStories(path string) ([]queue.Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var jobs []queue.Job
	if err := yaml.Unmarshal(raw, &jobs); err != nil {
		var wrapped storiesFile
		if err2 := yaml.Unmarshal(raw, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		jobs = wrapped.Stories
	}

	out := jobs[:0]
	for i, j := range jobs {
		j.URL = strings.TrimSpace(j.URL)
		if j.URL == "" {
			return nil, fmt.Errorf("%s: story %d has no url", path, i+1)
		}
		out = append(out, j)
	}

	return out, nil
}

// JobsFromURLs turns bare URLs into jobs sharing one title, if given.
func JobsFromURLs(urls []string, title string, chapters int) []queue.Job {
	var jobs []queue.Job
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		jobs = append(jobs, queue.Job{URL: u, Title: title, Chapters: chapters})
	}

	return jobs
}
