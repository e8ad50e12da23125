package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const DefaultLabel = "Default"

var (
	ErrNoConfig     = errors.New("no config selected")
	ErrInvalidLabel = errors.New("invalid config label")
)

// ConfigRoot is the directory holding profiles and, unless overridden, the
// scheduler state.
func ConfigRoot() string {
	if appdata := os.Getenv("APPDATA"); appdata != "" {
		return filepath.Join(appdata, "novelgrab")
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "novelgrab")
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "novelgrab")
}

func ConfigsDir() string {
	return filepath.Join(ConfigRoot(), "configs")
}

func CurrentLabelFile() string {
	return filepath.Join(ConfigRoot(), "current_config")
}

func profilePath(label string) string {
	return filepath.Join(ConfigsDir(), label+".yaml")
}

func checkLabel(label string) error {
	label = strings.TrimSpace(label)
	if label == "" || label == "." || label == ".." || strings.ContainsAny(label, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}

	return nil
}

func ensureDirs() error {
	return os.MkdirAll(ConfigsDir(), 0755)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func CurrentLabel() (string, error) {
	if err := ensureDirs(); err != nil {
		return "", err
	}

	b, err := os.ReadFile(CurrentLabelFile())
	if os.IsNotExist(err) {
		return "", ErrNoConfig
	}
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(b)), nil
}

func ActiveConfigPath() (string, error) {
	label, err := CurrentLabel()
	if err != nil || label == "" {
		return "", ErrNoConfig
	}

	return profilePath(label), nil
}

type ConfigInfo struct {
	Label  string
	Path   string
	Active bool
}

func ListConfigs() ([]ConfigInfo, error) {
	if err := ensureDirs(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(ConfigsDir())
	if err != nil {
		return nil, err
	}

	active, _ := CurrentLabel()
	var out []ConfigInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}

		label := strings.TrimSuffix(e.Name(), ".yaml")
		out = append(out, ConfigInfo{
			Label:  label,
			Path:   profilePath(label),
			Active: label == active,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func SwitchConfig(label string) error {
	if err := checkLabel(label); err != nil {
		return err
	}
	if err := ensureDirs(); err != nil {
		return err
	}
	if !exists(profilePath(label)) {
		return fmt.Errorf("config %q does not exist", label)
	}

	return os.WriteFile(CurrentLabelFile(), []byte(label), 0644)
}

// AddConfig imports the YAML file at srcPath as a new profile after checking
// that it parses.
func AddConfig(label, srcPath string) error {
	if err := checkLabel(label); err != nil {
		return err
	}
	if err := ensureDirs(); err != nil {
		return err
	}

	dst := profilePath(label)
	if exists(dst) {
		return fmt.Errorf("config %q already exists", label)
	}

	if _, err := loadYAML(srcPath); err != nil {
		return fmt.Errorf("invalid config %s: %w", srcPath, err)
	}

	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}

	return os.WriteFile(dst, raw, 0644)
}

func CreateEmptyConfig(label string) (string, error) {
	if err := checkLabel(label); err != nil {
		return "", err
	}
	if err := ensureDirs(); err != nil {
		return "", err
	}

	path := profilePath(label)
	if exists(path) {
		return "", fmt.Errorf("config %q already exists", label)
	}

	return path, SaveYAML(DefaultConfig(), path)
}

func RenameConfig(oldLabel, newLabel string) error {
	if err := checkLabel(newLabel); err != nil {
		return err
	}
	if err := ensureDirs(); err != nil {
		return err
	}

	oldPath, newPath := profilePath(oldLabel), profilePath(newLabel)
	if !exists(oldPath) {
		return fmt.Errorf("config %q does not exist", oldLabel)
	}
	if exists(newPath) {
		return fmt.Errorf("config %q already exists", newLabel)
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}

	if active, _ := CurrentLabel(); active == oldLabel {
		return os.WriteFile(CurrentLabelFile(), []byte(newLabel), 0644)
	}

	return nil
}

// RemoveConfig deletes a profile. Removing the active one switches back to
// Default, reported by the returned flag.
func RemoveConfig(label string) (bool, error) {
	if err := checkLabel(label); err != nil {
		return false, err
	}
	if label == DefaultLabel {
		return false, errors.New("cannot remove the Default config")
	}
	if err := ensureDirs(); err != nil {
		return false, err
	}

	path := profilePath(label)
	if !exists(path) {
		return false, fmt.Errorf("config %q does not exist", label)
	}

	switched := false
	if active, _ := CurrentLabel(); active == label {
		if err := SwitchConfig(DefaultLabel); err != nil {
			return false, fmt.Errorf("failed switching to Default: %w", err)
		}
		switched = true
	}

	return switched, os.Remove(path)
}

// InitDefaultConfig writes the Default profile and makes it active. An
// existing profile is kept and reported with os.ErrExist.
func InitDefaultConfig() (string, error) {
	if err := ensureDirs(); err != nil {
		return "", err
	}

	path := profilePath(DefaultLabel)
	if exists(path) {
		_ = os.WriteFile(CurrentLabelFile(), []byte(DefaultLabel), 0644)
		return path, os.ErrExist
	}

	if err := SaveYAML(DefaultConfig(), path); err != nil {
		return "", err
	}

	return path, os.WriteFile(CurrentLabelFile(), []byte(DefaultLabel), 0644)
}

// ConfigPathByLabel returns the file of an existing profile.
func ConfigPathByLabel(label string) (string, error) {
	if err := checkLabel(label); err != nil {
		return "", err
	}

	path := profilePath(label)
	if !exists(path) {
		return "", fmt.Errorf("config %q does not exist", label)
	}

	return path, nil
}
