// Package config persists client settings: the ordered repository list,
// cache locations and free-form UI preferences. The file lives at
// <config_root>/config.toml and every mutation rewrites it atomically
// under a writer lock; readers never lock.
package config

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/fsutil"
	"github.com/glorpus-work/pahkat/pkg/types"
)

// Filename is the config file name under the config root.
const Filename = "config.toml"

// How long a writer waits for a competing writer before giving up.
const writeLockTimeout = 5 * time.Second

// Setting keys accessible through Get/Set.
const (
	SettingCacheBaseDir = "cache_base_dir"
	SettingTmpDir       = "tmp_dir"
)

// RepoConfig is one configured repository. Order in the repository list
// is significance order for lookup tie-breaks.
type RepoConfig struct {
	URL     string `toml:"url"`
	Channel string `toml:"channel,omitempty"`
}

// Settings holds the general client settings.
type Settings struct {
	CacheBaseDir string `toml:"cache_base_dir,omitempty"`
	TmpDir       string `toml:"tmp_dir,omitempty"`
}

// Config is the on-disk client configuration.
type Config struct {
	Repositories []RepoConfig      `toml:"repositories"`
	Settings     Settings          `toml:"settings,omitempty"`
	UI           map[string]string `toml:"ui,omitempty"`

	path string
}

// New returns an empty config rooted at configRoot, not yet saved.
func New(configRoot string) *Config {
	return &Config{
		UI:   map[string]string{},
		path: filepath.Join(configRoot, Filename),
	}
}

// Load reads the config under configRoot. A missing file yields the
// default (empty) config; a malformed file is an error.
func Load(configRoot string) (*Config, error) {
	cfg := New(configRoot)
	data, err := os.ReadFile(cfg.path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "failed to read %s", cfg.path)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(errors.ErrConfigParse, "%s: %v", cfg.path, err)
	}
	if cfg.UI == nil {
		cfg.UI = map[string]string{}
	}
	for i := range cfg.Repositories {
		cfg.Repositories[i].URL = types.NormalizeRepoURL(cfg.Repositories[i].URL)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config atomically. Concurrent writers are serialized
// by a lock file next to the config.
func (c *Config) Save() error {
	if err := c.validate(); err != nil {
		return err
	}
	lock, err := fsutil.WaitLock(context.Background(), c.path+".lock", writeLockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	data, err := toml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	return fsutil.AtomicWrite(c.path, data, fsutil.FileModeDefault)
}

// Path returns the config file location.
func (c *Config) Path() string {
	return c.path
}

// ConfigRoot returns the directory holding the config file.
func (c *Config) ConfigRoot() string {
	return filepath.Dir(c.path)
}

// AddRepo appends a repository, replacing any existing entry with the
// same URL, and saves.
func (c *Config) AddRepo(repoURL, channel string) error {
	repoURL = types.NormalizeRepoURL(repoURL)
	for i, repo := range c.Repositories {
		if repo.URL == repoURL {
			c.Repositories[i].Channel = channel
			return c.Save()
		}
	}
	c.Repositories = append(c.Repositories, RepoConfig{URL: repoURL, Channel: channel})
	return c.Save()
}

// RemoveRepo deletes a repository by URL and saves. Removing an
// unconfigured URL is not an error.
func (c *Config) RemoveRepo(repoURL string) error {
	repoURL = types.NormalizeRepoURL(repoURL)
	for i, repo := range c.Repositories {
		if repo.URL == repoURL {
			c.Repositories = append(c.Repositories[:i], c.Repositories[i+1:]...)
			break
		}
	}
	return c.Save()
}

// SettingGet returns a named setting, or empty if unset.
func (c *Config) SettingGet(key string) string {
	switch key {
	case SettingCacheBaseDir:
		return c.Settings.CacheBaseDir
	case SettingTmpDir:
		return c.Settings.TmpDir
	default:
		return ""
	}
}

// SettingSet updates a named setting and saves.
func (c *Config) SettingSet(key, value string) error {
	switch key {
	case SettingCacheBaseDir:
		c.Settings.CacheBaseDir = value
	case SettingTmpDir:
		c.Settings.TmpDir = value
	default:
		return errors.Wrapf(errors.ErrConfigParse, "unknown setting %q", key)
	}
	return c.Save()
}

// UIGet returns a UI preference.
func (c *Config) UIGet(key string) (string, bool) {
	value, ok := c.UI[key]
	return value, ok
}

// UISet stores a UI preference and saves.
func (c *Config) UISet(key, value string) error {
	if c.UI == nil {
		c.UI = map[string]string{}
	}
	c.UI[key] = value
	return c.Save()
}

// CacheBaseDir returns the configured cache directory, defaulting to
// <config_root>/cache.
func (c *Config) CacheBaseDir() string {
	if c.Settings.CacheBaseDir != "" {
		return c.Settings.CacheBaseDir
	}
	return filepath.Join(c.ConfigRoot(), "cache")
}

// TmpDir returns the configured scratch directory, defaulting to
// <config_root>/tmp.
func (c *Config) TmpDir() string {
	if c.Settings.TmpDir != "" {
		return c.Settings.TmpDir
	}
	return filepath.Join(c.ConfigRoot(), "tmp")
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Repositories))
	for _, repo := range c.Repositories {
		u, err := url.Parse(repo.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.Wrapf(errors.ErrConfigParse, "repository URL %q is not absolute", repo.URL)
		}
		if _, dup := seen[repo.URL]; dup {
			return errors.Wrapf(errors.ErrConfigParse, "repository %s configured twice", repo.URL)
		}
		seen[repo.URL] = struct{}{}
	}
	return nil
}
