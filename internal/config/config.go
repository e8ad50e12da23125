package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SiteRule tells the walker how to read one site.
type SiteRule struct {
	Domain  string   `yaml:"domain"`
	Content string   `yaml:"content,omitempty"`
	Next    string   `yaml:"next,omitempty"`
	Title   string   `yaml:"title,omitempty"`
	Remove  []string `yaml:"remove,omitempty"`
	Paywall string   `yaml:"paywall,omitempty"`

	// Exclusive sites never share the exclusive slot with another job.
	Exclusive bool `yaml:"exclusive,omitempty"`
	// Bypass routes requests through the Cloudflare bypass transport.
	Bypass bool `yaml:"bypass,omitempty"`
}

type Config struct {
	Output    string `yaml:"output"`
	StorePath string `yaml:"store_path"`
	Debug     bool   `yaml:"debug"`
	LogFormat string `yaml:"log_format"`

	Chapters             int     `yaml:"chapters"`
	DelaySeconds         int     `yaml:"delay_seconds"`
	LongDelayThreshold   int     `yaml:"long_delay_threshold"`
	KeepaliveSeconds     int     `yaml:"keepalive_seconds"`
	JobSpacingSeconds    int     `yaml:"job_spacing_seconds"`
	MaxConsecutiveErrors int     `yaml:"max_consecutive_errors"`
	RequestsPerSecond    float64 `yaml:"requests_per_second"`
	Bundle               bool    `yaml:"bundle"`

	Cookie     string `yaml:"cookie"`
	CookieFile string `yaml:"cookie_file"`
	UserAgent  string `yaml:"user_agent"`

	Sites []SiteRule `yaml:"sites"`
}

type Options struct {
	IgnoreConfig      bool
	Debug             bool
	Output            string
	StorePath         string
	LogFormat         string
	Chapters          int
	DelaySeconds      int
	JobSpacingSeconds int
	RequestsPerSecond float64
	Bundle            bool
	Cookie            string
	CookieFile        string
	UserAgent         string
}

func DefaultConfig() *Config {
	return &Config{
		Output:               ".",
		StorePath:            "",
		Debug:                false,
		LogFormat:            "console",
		Chapters:             50,
		DelaySeconds:         10,
		LongDelayThreshold:   60,
		KeepaliveSeconds:     20,
		JobSpacingSeconds:    5,
		MaxConsecutiveErrors: 3,
		RequestsPerSecond:    1,
		Bundle:               false,
	}
}

func SaveYAML(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// loadYAML reads path over the defaults so omitted keys keep their default.
func loadYAML(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c := DefaultConfig()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}

	return c, nil
}

func LoadMerged(opts Options) (*Config, string, error) {
	if opts.IgnoreConfig {
		cfg := DefaultConfig()
		mergeConfig(cfg, opts)
		normalizeDefaults(cfg)
		return cfg, "(ignored config)", nil
	}

	activePath, err := ActiveConfigPath()
	if err == ErrNoConfig || activePath == "" {
		cfg := DefaultConfig()
		mergeConfig(cfg, opts)
		normalizeDefaults(cfg)
		return cfg, "(default config in memory)\nRun `novelgrab config init` to create an actual config\n", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := loadYAML(activePath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config %s: %w", activePath, err)
	}

	mergeConfig(cfg, opts)
	normalizeDefaults(cfg)

	return cfg, activePath, nil
}

func mergeConfig(c *Config, o Options) {
	if o.Output != "" {
		c.Output = o.Output
	}
	if o.StorePath != "" {
		c.StorePath = o.StorePath
	}
	if o.Debug {
		c.Debug = true
	}
	if o.LogFormat != "" {
		c.LogFormat = o.LogFormat
	}
	if o.Chapters != 0 {
		c.Chapters = o.Chapters
	}
	if o.DelaySeconds != 0 {
		c.DelaySeconds = o.DelaySeconds
	}
	if o.JobSpacingSeconds != 0 {
		c.JobSpacingSeconds = o.JobSpacingSeconds
	}
	if o.RequestsPerSecond != 0 {
		c.RequestsPerSecond = o.RequestsPerSecond
	}
	if o.Bundle {
		c.Bundle = true
	}
	if o.Cookie != "" {
		c.Cookie = o.Cookie
	}
	if o.CookieFile != "" {
		c.CookieFile = o.CookieFile
	}
	if o.UserAgent != "" {
		c.UserAgent = o.UserAgent
	}
}

func normalizeDefaults(c *Config) {
	if c.Output == "" {
		c.Output = "."
	}
	if c.StorePath == "" {
		c.StorePath = filepath.Join(ConfigRoot(), "state")
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.Chapters <= 0 {
		c.Chapters = 50
	}
	if c.DelaySeconds < 0 {
		c.DelaySeconds = 0
	}
	if c.LongDelayThreshold <= 0 {
		c.LongDelayThreshold = 60
	}
	if c.KeepaliveSeconds <= 0 {
		c.KeepaliveSeconds = 20
	}
	if c.JobSpacingSeconds < 0 {
		c.JobSpacingSeconds = 0
	}
	if c.MaxConsecutiveErrors < 0 {
		c.MaxConsecutiveErrors = 0
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 1
	}
	for i := range c.Sites {
		c.Sites[i].Domain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(c.Sites[i].Domain)), "www.")
	}
}

func (c *Config) LongDelay() time.Duration {
	return time.Duration(c.LongDelayThreshold) * time.Second
}

func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.KeepaliveSeconds) * time.Second
}

func (c *Config) JobSpacing() time.Duration {
	return time.Duration(c.JobSpacingSeconds) * time.Second
}

func (c *Config) Print() {
	if c.Output != "" {
		fmt.Printf(" -output: %s\n", c.Output)
	}
	if c.StorePath != "" {
		fmt.Printf(" -store_path: %s\n", c.StorePath)
	}
	if c.Debug {
		fmt.Printf(" -debug: %t\n", c.Debug)
	}
	if c.LogFormat != "" && c.LogFormat != "console" {
		fmt.Printf(" -log_format: %s\n", c.LogFormat)
	}
	fmt.Printf(" -chapters: %d\n", c.Chapters)
	fmt.Printf(" -delay_seconds: %d\n", c.DelaySeconds)
	fmt.Printf(" -job_spacing_seconds: %d\n", c.JobSpacingSeconds)
	fmt.Printf(" -max_consecutive_errors: %d\n", c.MaxConsecutiveErrors)
	fmt.Printf(" -requests_per_second: %g\n", c.RequestsPerSecond)
	if c.Bundle {
		fmt.Printf(" -bundle: %t\n", c.Bundle)
	}
	if c.CookieFile != "" {
		fmt.Printf(" -cookie_file: %s\n", c.CookieFile)
	}
	for _, s := range c.Sites {
		var flags []string
		if s.Exclusive {
			flags = append(flags, "exclusive")
		}
		if s.Bypass {
			flags = append(flags, "bypass")
		}
		if len(flags) > 0 {
			fmt.Printf(" -site: %s (%s)\n", s.Domain, strings.Join(flags, ", "))
		} else {
			fmt.Printf(" -site: %s\n", s.Domain)
		}
	}
}
