package rclone

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RawFile is a single entry as returned by `lsjson`, before ignored fields
// are stripped and it is keyed by path.
type RawFile struct {
	Path     string            `json:"Path"`
	Size     int64             `json:"Size"`
	ModTime  string            `json:"ModTime,omitempty"`
	Hashes   map[string]string `json:"Hashes,omitempty"`
	IsDir    bool              `json:"IsDir,omitempty"`
	Name     string            `json:"Name,omitempty"`
	ID       string            `json:"ID,omitempty"`
	Tier     string            `json:"Tier,omitempty"`
	MetaData map[string]any    `json:"Metadata,omitempty"`
}

// LsjsonOpts configures a recursive, files-only JSON listing call.
type LsjsonOpts struct {
	NoModTime    bool
	HashTypes    []string // empty + Hash=true means "all hashes"
	Hash         bool
	FilesFrom    string
	ExtraFlags   []string
	AllowMissing bool // tolerate tool-invocation failure, return empty list
}

// Lsjson lists root recursively, files only, no mimetype.
func (d *Driver) Lsjson(ctx context.Context, root string, opts LsjsonOpts) ([]RawFile, error) {
	argv := []string{"lsjson", root, "--recursive", "--files-only", "--no-mimetype"}

	if opts.NoModTime {
		argv = append(argv, "--no-modtime")
	}
	if opts.Hash {
		argv = append(argv, "--hash")
		for _, h := range opts.HashTypes {
			argv = append(argv, "--hash-type", h)
		}
	}
	if opts.FilesFrom != "" {
		argv = append(argv, "--files-from", opts.FilesFrom)
	}
	argv = append(argv, opts.ExtraFlags...)

	out, err := d.Call(ctx, argv, Buffered, CallOpts{LogStderr: true, DisplayError: !opts.AllowMissing})
	if err != nil {
		if opts.AllowMissing {
			return nil, nil
		}

		return nil, fmt.Errorf("rclone: lsjson %q: %w", root, err)
	}

	var files []RawFile
	if strings.TrimSpace(out) == "" {
		return files, nil
	}
	if err := json.Unmarshal([]byte(out), &files); err != nil {
		return nil, fmt.Errorf("rclone: parse lsjson output for %q: %w", root, err)
	}

	return files, nil
}

// ListDirs lists the immediate (non-recursive) subdirectories of root,
// tolerating a missing root (used to discover logs/<ts> directories that
// may not exist yet on a first --init run).
func (d *Driver) ListDirs(ctx context.Context, root string) ([]string, error) {
	argv := []string{"lsjson", root, "--dirs-only", "--no-mimetype"}

	out, err := d.Call(ctx, argv, Buffered, CallOpts{LogStderr: true, DisplayError: false})
	if err != nil {
		return nil, nil
	}

	var files []RawFile
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(out), &files); err != nil {
		return nil, fmt.Errorf("rclone: parse lsjson output for %q: %w", root, err)
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}

	return names, nil
}

// Copy performs `copy src dst --files-from listPath` plus extra flags,
// optionally backing up overwritten destination files into backupDir.
func (d *Driver) Copy(ctx context.Context, src, dst, listPath, backupDir string, extraFlags []string) error {
	argv := []string{"copy", src, dst, "-v", "--stats-one-line", "--log-format", ""}
	if backupDir != "" {
		argv = append(argv, "--backup-dir", backupDir)
	}
	argv = append(argv, "--files-from", listPath)
	argv = append(argv, extraFlags...)

	_, err := d.Call(ctx, argv, Streamed, CallOpts{DisplayError: true})
	if err != nil {
		return fmt.Errorf("rclone: copy %q -> %q: %w", src, dst, err)
	}

	return nil
}

// Move performs a server-side move of the files listed in listPath from
// src to dst, assuming the destination never already contains them.
func (d *Driver) Move(ctx context.Context, src, dst, listPath string) error {
	argv := []string{
		"move", src, dst,
		"-v", "--stats-one-line", "--log-format", "",
		"--no-check-dest", "--ignore-times", "--no-traverse",
		"--files-from", listPath,
	}

	_, err := d.Call(ctx, argv, Streamed, CallOpts{DisplayError: true})
	if err != nil {
		return fmt.Errorf("rclone: move %q -> %q: %w", src, dst, err)
	}

	return nil
}

// MoveTo moves a single file/path from src to dst (used for renames).
func (d *Driver) MoveTo(ctx context.Context, src, dst string) error {
	argv := []string{
		"moveto", src, dst,
		"-v", "--stats-one-line", "--log-format", "",
		"--no-check-dest", "--ignore-times", "--no-traverse",
	}

	_, err := d.Call(ctx, argv, Streamed, CallOpts{DisplayError: true})
	if err != nil {
		return fmt.Errorf("rclone: moveto %q -> %q: %w", src, dst, err)
	}

	return nil
}

// CopyTo copies a single file from src to dst, optionally limiting
// retries (used for the fallible manifest pull).
func (d *Driver) CopyTo(ctx context.Context, src, dst string, retries int, displayError bool) error {
	argv := []string{"copyto", src, dst}
	if retries > 0 {
		argv = append(argv, "--retries", strconv.Itoa(retries))
	}

	_, err := d.Call(ctx, argv, Buffered, CallOpts{LogStderr: false, DisplayError: displayError})
	if err != nil {
		return fmt.Errorf("rclone: copyto %q -> %q: %w", src, dst, err)
	}

	return nil
}

// Rmdirs runs `rmdirs` on dir, removing the empty directories at and below
// it. A failure is not logged as an error but is still returned; the caller
// decides whether to tolerate it.
func (d *Driver) Rmdirs(ctx context.Context, dir string) error {
	argv := []string{"rmdirs", dir, "-v", "--stats-one-line", "--log-format", "", "--retries", "1"}

	_, err := d.Call(ctx, argv, Streamed, CallOpts{DisplayError: false, SuppressError: true})
	if err != nil {
		return fmt.Errorf("rclone: rmdirs %q: %w", dir, err)
	}

	return nil
}

// BackendFeatures returns the "Features" map that `backend features`
// reports for remote.
func (d *Driver) BackendFeatures(ctx context.Context, remote string) (map[string]any, error) {
	argv := []string{"backend", "features", remote}

	out, err := d.Call(ctx, argv, Buffered, CallOpts{LogStderr: true, DisplayError: true})
	if err != nil {
		return nil, fmt.Errorf("rclone: backend features %q: %w", remote, err)
	}

	var parsed struct {
		Features map[string]any `json:"Features"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, fmt.Errorf("rclone: parse backend features for %q: %w", remote, err)
	}

	return parsed.Features, nil
}

// CanHaveEmptyDirectories asks BackendFeatures for the
// CanHaveEmptyDirectories flag, defaulting to true when the tool doesn't
// report one at all.
func (d *Driver) CanHaveEmptyDirectories(ctx context.Context, remote string) (bool, error) {
	features, err := d.BackendFeatures(ctx, remote)
	if err != nil {
		return true, err
	}

	v, ok := features["CanHaveEmptyDirectories"]
	if !ok {
		return true, nil
	}
	b, ok := v.(bool)
	if !ok {
		return true, nil
	}

	return b, nil
}

// ConfigPaths returns the sync tool's reported configuration paths, keyed
// by the label before the colon (e.g. "Cache dir").
func (d *Driver) ConfigPaths(ctx context.Context) (map[string]string, error) {
	out, err := d.Call(ctx, []string{"config", "paths"}, Buffered, CallOpts{LogStderr: true, DisplayError: true})
	if err != nil {
		return nil, fmt.Errorf("rclone: config paths: %w", err)
	}

	paths := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		paths[strings.TrimSpace(label)] = strings.TrimSpace(value)
	}

	return paths, nil
}

// CacheDir is a convenience wrapper around ConfigPaths for the "Cache dir"
// entry that the local-cache and sentinel components key their paths off.
func (d *Driver) CacheDir(ctx context.Context) (string, error) {
	paths, err := d.ConfigPaths(ctx)
	if err != nil {
		return "", err
	}

	return paths["Cache dir"], nil
}
