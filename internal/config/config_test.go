package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withConfigHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("APPDATA", "")
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "novelgrab")
}

func TestLoadMerged_DefaultsWithoutProfile(t *testing.T) {
	root := withConfigHome(t)

	cfg, used, err := LoadMerged(Options{Chapters: 7, Debug: true})
	require.NoError(t, err)
	assert.Contains(t, used, "default config in memory")
	assert.Equal(t, 7, cfg.Chapters)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 10, cfg.DelaySeconds)
	assert.Equal(t, 3, cfg.MaxConsecutiveErrors)
	assert.Equal(t, filepath.Join(root, "state"), cfg.StorePath)
}

func TestLoadMerged_ProfileKeepsOmittedDefaults(t *testing.T) {
	withConfigHome(t)

	path, err := InitDefaultConfig()
	require.NoError(t, err)

	raw := []byte(`
output: /tmp/novels
delay_seconds: 120
max_consecutive_errors: 0
sites:
  - domain: WWW.Slow.Example
    content: "#text"
    exclusive: true
`)
	require.NoError(t, os.WriteFile(path, raw, 0644))

	cfg, used, err := LoadMerged(Options{Output: "/srv/out"})
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, "/srv/out", cfg.Output)
	assert.Equal(t, 120, cfg.DelaySeconds)
	assert.Equal(t, 0, cfg.MaxConsecutiveErrors, "zero disables the error limit")
	assert.Equal(t, 20, cfg.KeepaliveSeconds)
	require.Len(t, cfg.Sites, 1)
	assert.Equal(t, "slow.example", cfg.Sites[0].Domain)
}

func TestLoadMerged_IgnoreConfig(t *testing.T) {
	withConfigHome(t)
	_, err := InitDefaultConfig()
	require.NoError(t, err)

	cfg, used, err := LoadMerged(Options{IgnoreConfig: true, RequestsPerSecond: 2.5})
	require.NoError(t, err)
	assert.Equal(t, "(ignored config)", used)
	assert.Equal(t, 2.5, cfg.RequestsPerSecond)
}

func TestRuleAndClassify(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sites = []SiteRule{
		{Domain: "example.com", Content: ".generic"},
		{Domain: "books.example.com", Content: ".books", Exclusive: true},
	}

	assert.Equal(t, ".books", cfg.Rule("books.example.com").Content)
	assert.Equal(t, ".books", cfg.Rule("eu.books.example.com").Content)
	assert.Equal(t, ".generic", cfg.Rule("www.example.com").Content)
	assert.Equal(t, "", cfg.Rule("other.org").Content)
	assert.Equal(t, "other.org", cfg.Rule("other.org").Domain)

	domain, exclusive := cfg.Classify("https://books.example.com/s/1/ch-1")
	assert.Equal(t, "books.example.com", domain)
	assert.True(t, exclusive)

	domain, exclusive = cfg.Classify("https://www.Example.com/x")
	assert.Equal(t, "example.com", domain)
	assert.False(t, exclusive)

	domain, _ = cfg.Classify("::bad")
	assert.Empty(t, domain)
}

func TestProfiles_Lifecycle(t *testing.T) {
	withConfigHome(t)

	_, err := CurrentLabel()
	assert.ErrorIs(t, err, ErrNoConfig)

	_, err = InitDefaultConfig()
	require.NoError(t, err)
	_, err = InitDefaultConfig()
	assert.ErrorIs(t, err, os.ErrExist)

	_, err = CreateEmptyConfig("fast")
	require.NoError(t, err)
	_, err = CreateEmptyConfig("fast")
	assert.Error(t, err)
	_, err = CreateEmptyConfig("../escape")
	assert.ErrorIs(t, err, ErrInvalidLabel)

	require.NoError(t, SwitchConfig("fast"))
	label, err := CurrentLabel()
	require.NoError(t, err)
	assert.Equal(t, "fast", label)

	require.NoError(t, RenameConfig("fast", "quick"))
	label, _ = CurrentLabel()
	assert.Equal(t, "quick", label)

	list, err := ListConfigs()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Default", list[0].Label)
	assert.True(t, list[1].Active)

	path, err := ConfigPathByLabel("quick")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ConfigsDir(), "quick.yaml"), path)
	_, err = ConfigPathByLabel("fast")
	assert.Error(t, err)

	switched, err := RemoveConfig("quick")
	require.NoError(t, err)
	assert.True(t, switched)
	label, _ = CurrentLabel()
	assert.Equal(t, DefaultLabel, label)

	_, err = RemoveConfig(DefaultLabel)
	assert.Error(t, err)
}

func TestAddConfig_RejectsInvalidYAML(t *testing.T) {
	withConfigHome(t)
	src := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(src, []byte("chapters: [oops"), 0644))

	assert.Error(t, AddConfig("bad", src))

	good := filepath.Join(t.TempDir(), "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("chapters: 3\n"), 0644))
	require.NoError(t, AddConfig("good", good))
	assert.Error(t, AddConfig("good", good))
}
