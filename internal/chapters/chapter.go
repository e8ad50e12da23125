// Package chapters names and stores fetched chapters on disk.
package chapters

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/brogergvhs/novelgrab/internal/util"
)

const maxNameLen = 80

var reUnderscore = regexp.MustCompile(`_+`)

type Chapter struct {
	Number int
	Title  string
	URL    string
	Text   string
}

func sanitize(s string) string {
	s = strings.ToLower(s)

	repl := strings.NewReplacer(
		"•", "_",
		"-", "_",
		"—", "_",
		"–", "_",
		"/", "_",
		"\\", "_",
		".", "_",
		":", "_",
		" ", "_",
		"(", "",
		")", "",
	)
	s = repl.Replace(s)

	clean := make([]rune, 0, len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			clean = append(clean, r)
		}
	}

	s = strings.Trim(reUnderscore.ReplaceAllString(string(clean), "_"), "_")
	if r := []rune(s); len(r) > maxNameLen {
		s = strings.TrimRight(string(r[:maxNameLen]), "_")
	}

	return s
}

// StoryDir is the folder holding every chapter of story.
func StoryDir(out, story string) string {
	name := sanitize(story)
	if name == "" {
		name = "untitled"
	}

	return filepath.Join(out, name)
}

func (c Chapter) FileName() string {
	title := sanitize(c.Title)
	if title == "" {
		title = "chapter"
	}

	return fmt.Sprintf("%04d_%s.txt", c.Number, title)
}

func (c Chapter) render() []byte {
	var b strings.Builder
	if c.Title != "" {
		b.WriteString(c.Title)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.TrimSpace(c.Text))
	b.WriteString("\n")
	if c.URL != "" {
		b.WriteString("\n")
		b.WriteString(c.URL)
		b.WriteString("\n")
	}

	return []byte(b.String())
}

// ErrTaken means the chapter file already holds a different chapter, so the
// story folder belongs to another story.
var ErrTaken = errors.New("chapter file already used by another story")

// Write stores c under the story folder and returns the file path. Existing
// files are never replaced; writing the same chapter again is a no-op.
func Write(out, story string, c Chapter) (string, error) {
	path := filepath.Join(StoryDir(out, story), c.FileName())
	data := c.render()

	err := util.WriteFileNew(path, data)
	if errors.Is(err, os.ErrExist) {
		existing, rerr := os.ReadFile(path)
		if rerr != nil {
			return "", fmt.Errorf("write chapter %d: %w", c.Number, rerr)
		}
		if bytes.Equal(existing, data) {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s", ErrTaken, path)
	}
	if err != nil {
		return "", fmt.Errorf("write chapter %d: %w", c.Number, err)
	}

	return path, nil
}

// Files lists the chapter files already written for story in order.
func Files(out, story string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(StoryDir(out, story), "[0-9][0-9][0-9][0-9]_*.txt"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	return matches, nil
}

// Bundle zips the story's chapters into <out>/<story>.zip.
func Bundle(out, story string) (string, error) {
	files, err := Files(out, story)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", os.ErrNotExist
	}

	target := StoryDir(out, story) + ".zip"
	if err := util.CreateBundle(files, target); err != nil {
		return "", err
	}

	return target, nil
}
