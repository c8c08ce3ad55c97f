// Package config loads and validates the declarative YAML configuration
// that drives a run: relative src/dst paths resolve against the config
// file's own parent directory, and repeatable --override key=value pairs
// are applied both before and after the document body so they always
// win regardless of key ordering.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Sentinel config errors, surfaced to the CLI as a non-zero exit with no
// crash sentinel file left behind.
var (
	ErrConfigMissing      = errors.New("config: file does not exist or cannot be read")
	ErrConfigMalformed    = errors.New("config: file is malformed or has unknown keys")
	ErrOverrideMalformed  = errors.New("config: --override must be in KEY=VALUE form")
	ErrMissingSrcDst      = errors.New("config: both 'src' and 'dst' must be set")
	ErrFilterFlagMisplace = errors.New("config: filter-flag token must be listed in filter_flags, not rclone_flags")
	ErrInvalidCompare     = errors.New("config: 'compare'/'dst_compare' must be one of size, mtime, hash")
	ErrInvalidRenames     = errors.New("config: 'renames' must be one of size, mtime, hash, or false")
	ErrInvalidReuseHashes = errors.New("config: 'reuse_hashes' must be one of size, mtime, or false")
	ErrInvalidCleanup     = errors.New("config: 'cleanup_empty_dirs' must be true, false, or auto")
	ErrTemplateExists     = errors.New("config: refusing to overwrite an existing file with --new")
)

// filterFlagTokens are rclone options that configure file selection; they
// are kept out of rclone_flags so listing and transfer invocations don't
// silently apply an unexpected filter twice.
var filterFlagTokens = []string{
	"--include", "--exclude", "--include-from", "--exclude-from",
	"--filter", "--filter-from", "--files-from",
	"--one-file-system", "--exclude-if-present",
}

// Config is the full set of keys a run's YAML configuration may set.
type Config struct {
	Src string `yaml:"src"`
	Dst string `yaml:"dst"`

	FilterFlags []string          `yaml:"filter_flags"`
	RcloneFlags []string          `yaml:"rclone_flags"`
	RcloneEnv   map[string]string `yaml:"rclone_env"`

	Compare    string `yaml:"compare"`
	DstCompare string `yaml:"dst_compare"`
	Renames    string `yaml:"renames"`
	Dt         float64 `yaml:"dt"`

	GetModTime  bool     `yaml:"get_modtime"`
	ReuseHashes string   `yaml:"reuse_hashes"`
	HashType    []string `yaml:"hash_type"`
	GetHashes   bool     `yaml:"get_hashes"`

	CleanupEmptyDirs string `yaml:"cleanup_empty_dirs"`
	UseLocalCache    bool   `yaml:"use_local_cache"`
	RcloneExe        string `yaml:"rclone_exe"`
	Metadata         bool   `yaml:"metadata"`

	LogDest []string `yaml:"log_dest"`

	PreShell         string `yaml:"pre_shell"`
	PostShell        string `yaml:"post_shell"`
	StopOnShellError bool   `yaml:"stop_on_shell_error"`

	DstListRcloneFlags []string `yaml:"dst_list_rclone_flags"`
	AutomaticDstList   bool     `yaml:"automatic_dst_list"`

	PrefixIncompleteBackups bool `yaml:"prefix_incomplete_backups"`

	UUID    string `yaml:"_uuid"`
	Version string `yaml:"_version"`
}

// Default returns a Config carrying the built-in default for every key
// that has one.
func Default() *Config {
	return &Config{
		Compare:          "size",
		Dt:               1.1,
		CleanupEmptyDirs: "auto",
		UseLocalCache:    true,
		RcloneExe:        "rclone",
		Version:          "1",
	}
}

// Load reads path, applies any --override key=value pairs before and
// after the document body, resolves relative src/dst paths against the
// config's own parent directory, and validates the result.
func Load(fsys afero.Fs, path string, overrides []string) (*Config, error) {
	cfg := Default()

	overrideYAML, err := buildOverrideYAML(overrides)
	if err != nil {
		return nil, err
	}

	if overrideYAML != "" {
		if err := yaml.Unmarshal([]byte(overrideYAML), cfg); err != nil {
			return nil, fmt.Errorf("%w: applying --override: %v", ErrConfigMalformed, err)
		}
	}

	raw, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrConfigMissing, path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrConfigMalformed, path, err)
	}

	// Overrides are re-applied last so they always win over the file body
	// regardless of key ordering.
	if overrideYAML != "" {
		if err := yaml.Unmarshal([]byte(overrideYAML), cfg); err != nil {
			return nil, fmt.Errorf("%w: re-applying --override: %v", ErrConfigMalformed, err)
		}
	}

	cfg.resolveRelative(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func buildOverrideYAML(overrides []string) (string, error) {
	var sb strings.Builder

	for _, o := range overrides {
		key, val, ok := strings.Cut(o, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return "", fmt.Errorf("%w: %q", ErrOverrideMalformed, o)
		}

		sb.WriteString(strings.TrimSpace(key))
		sb.WriteString(": ")
		sb.WriteString(val)
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

// resolveRelative anchors src/dst local paths (those without a remote ':'
// marker) against the directory containing the config file.
func (c *Config) resolveRelative(configDir string) {
	c.Src = resolveOne(configDir, c.Src)
	c.Dst = resolveOne(configDir, c.Dst)
}

func resolveOne(configDir, p string) string {
	if p == "" || strings.Contains(p, ":") || filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(configDir, p)
}

// Validate enforces the required keys, enum values, and the
// filter-flag/rclone_flags separation.
func (c *Config) Validate() error {
	if c.Src == "" || c.Dst == "" {
		return ErrMissingSrcDst
	}

	if !isCompareValue(c.Compare) {
		return fmt.Errorf("%w: got %q", ErrInvalidCompare, c.Compare)
	}
	if c.DstCompare != "" && !isCompareValue(c.DstCompare) {
		return fmt.Errorf("%w: got %q", ErrInvalidCompare, c.DstCompare)
	}
	if c.Renames != "" && c.Renames != "false" && !isCompareValue(c.Renames) {
		return fmt.Errorf("%w: got %q", ErrInvalidRenames, c.Renames)
	}
	if c.ReuseHashes != "" && c.ReuseHashes != "false" && c.ReuseHashes != "size" && c.ReuseHashes != "mtime" {
		return fmt.Errorf("%w: got %q", ErrInvalidReuseHashes, c.ReuseHashes)
	}
	switch c.CleanupEmptyDirs {
	case "true", "false", "auto", "":
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidCleanup, c.CleanupEmptyDirs)
	}

	for _, flag := range c.RcloneFlags {
		name, _, _ := strings.Cut(flag, "=")
		for _, tok := range filterFlagTokens {
			if name == tok {
				return fmt.Errorf("%w: %q", ErrFilterFlagMisplace, flag)
			}
		}
	}

	return nil
}

func isCompareValue(v string) bool {
	return v == "size" || v == "mtime" || v == "hash"
}

// EffectiveRenames reports the attribute rename tracking should use, or ""
// if disabled.
func (c *Config) EffectiveRenames() string {
	if c.Renames == "false" {
		return ""
	}

	return c.Renames
}

// EffectiveReuseHashes reports the attribute hash reuse should use, or ""
// if disabled.
func (c *Config) EffectiveReuseHashes() string {
	if c.ReuseHashes == "false" {
		return ""
	}

	return c.ReuseHashes
}

// redactedSecretKeys names rclone_env entries that must never reach a log
// line or a printed configuration.
var redactedSecretKeys = []string{"RCLONE_CONFIG_PASS"}

// RedactedEnv returns a copy of RcloneEnv with secret values replaced by a
// fixed placeholder, safe to pass to a logger or a printed repr.
func (c *Config) RedactedEnv() map[string]string {
	out := make(map[string]string, len(c.RcloneEnv))
	for k, v := range c.RcloneEnv {
		out[k] = v
	}

	for _, secret := range redactedSecretKeys {
		if _, ok := out[secret]; ok {
			out[secret] = "REDACTED"
		}
	}

	return out
}

// LogValue implements slog.LogValuer so a *Config passed directly to a log
// call never leaks rclone_env secrets, however it is logged elsewhere.
func (c *Config) LogValue() slog.Value {
	clone := *c
	clone.RcloneEnv = c.RedactedEnv()

	return slog.AnyValue(redactedConfig(clone))
}

// redactedConfig is a plain copy of Config with no LogValue method, so
// slog.AnyValue formats it by reflection instead of recursing.
type redactedConfig Config

// templateYAML is the commented example configuration written by --new.
const templateYAML = `# rirb configuration.
#
# src/dst are passed straight through to the sync tool; either may be a
# local path or a remote:path. Both are required.
src: /path/to/source
dst: remote:bucket/path

# Files rclone is never told to transfer or list (kept out of
# rclone_flags below, enforced at load time).
filter_flags: []

# Extra rclone flags applied to every invocation. Must not contain any
# filter-flag token (--include, --exclude, --files-from, ...).
rclone_flags: []

# Environment overlaid onto every rclone invocation. RCLONE_CONFIG_PASS is
# redacted from every log line and printed configuration automatically.
rclone_env: {}

# How modified files are detected: size, mtime, or hash.
compare: size
# Attribute used when comparing against a fresh destination listing
# instead of the stored prior manifest. Defaults to 'compare' when unset.
dst_compare: null
# Attribute used to detect renames: size, mtime, hash, or false to disable.
renames: false
# Tolerance (seconds) for mtime-based comparisons.
dt: 1.1

get_modtime: false
# Reuse hashes from the prior listing when size (and optionally mtime)
# still match: size, mtime, or false.
reuse_hashes: false
hash_type: []
get_hashes: false

# true/false/auto (auto asks the backend whether it supports empty dirs).
cleanup_empty_dirs: auto
use_local_cache: true
rclone_exe: rclone
metadata: false

# Additional local paths the run log is copied to, besides <dst>/logs/<ts>/log.log.
log_dest: []

pre_shell: ""
post_shell: ""
stop_on_shell_error: false

dst_list_rclone_flags: []
automatic_dst_list: true
prefix_incomplete_backups: true

# Fixed per-configuration identifier; keys the local cache file and the
# interrupt sentinel. Changing it invalidates both.
_uuid: "%s"
_version: "1"
`

// WriteTemplate writes a commented example configuration to path, refusing
// to overwrite an existing file.
func WriteTemplate(fsys afero.Fs, path string) error {
	if exists, err := afero.Exists(fsys, path); err != nil {
		return fmt.Errorf("config: checking %q: %w", path, err)
	} else if exists {
		return fmt.Errorf("%w: %q", ErrTemplateExists, path)
	}

	doc := fmt.Sprintf(templateYAML, uuid.New().String())

	if err := afero.WriteFile(fsys, path, []byte(doc), 0o644); err != nil {
		return fmt.Errorf("config: writing template to %q: %w", path, err)
	}

	return nil
}
