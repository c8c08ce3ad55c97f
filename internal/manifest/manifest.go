// Package manifest persists and retrieves the per-run JSON records that
// let a reverse-incremental run pick up from where the previous one left
// off: the prior curr listing, the diff that produced this run's changes,
// and the backed-up-file records.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rirb-go/rirb/internal/listing"
	"github.com/spf13/afero"
)

// ErrNoPreviousList is raised when no prior curr listing can be found,
// neither in the local cache nor under <dst>/logs. The caller should
// suggest re-running with --init.
var ErrNoPreviousList = errors.New("manifest: no previous listing found (re-run with --init)")

// timestampPattern matches the fixed-width run-id directories under
// <dst>/logs, e.g. 2023-01-02T030405.000000+0000. The sub-second and
// offset suffix is optional, per spec.md §9's "sub-second precision is
// optional for directory naming".
var timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{6}(\.\d{6}[+-]\d{4})?$`)

// BackedUpFile is a clone of a prior listing.Entry tagged with why it was
// moved into the run's backup directory.
type BackedUpFile struct {
	listing.Entry
	Status string `json:"status"` // "modified" | "deleted"
}

// Puller is the subset of *rclone.Driver PullPrev needs.
type Puller interface {
	ListDirs(ctx context.Context, root string) ([]string, error)
	CopyTo(ctx context.Context, src, dst string, retries int, displayError bool) error
}

// Paths bundles the roots manifest I/O needs.
type Paths struct {
	Dst       string // destination root
	LocalRoot string // local cache directory, or "" if disabled
	RunTS     string // this run's timestamp
}

func localCachePath(localRoot, dst string) string {
	if localRoot == "" {
		return ""
	}

	safe := strings.NewReplacer("/", "_", ":", "_", "\\", "_").Replace(dst)

	return localRoot + "/" + safe + ".curr.json.gz"
}

// PullPrev retrieves the previous run's curr listing: from the local cache
// file if present, else from the most recent <dst>/logs/<ts>/curr.json.gz,
// determined lexicographically (which, under the fixed-width timestamp
// format, is also chronologically latest).
func PullPrev(ctx context.Context, d Puller, fsys afero.Fs, tmpDir string, paths Paths, log *slog.Logger) (listing.Map, error) {
	if cache := localCachePath(paths.LocalRoot, paths.Dst); cache != "" {
		if m, err := readGzipMap(fsys, cache); err == nil {
			log.Debug("manifest: reusing local cache for previous listing", "path", cache)
			return m, nil
		}
	}

	dirs, err := d.ListDirs(ctx, paths.Dst+"/logs")
	if err != nil {
		return nil, fmt.Errorf("%w: listing logs directory: %v", ErrNoPreviousList, err)
	}

	var candidates []string
	for _, name := range dirs {
		if timestampPattern.MatchString(name) {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoPreviousList
	}

	sort.Strings(candidates)
	latest := candidates[len(candidates)-1]

	localPath := tmpDir + "/prev_curr.json.gz"
	remotePath := paths.Dst + "/logs/" + latest + "/curr.json.gz"

	if err := d.CopyTo(ctx, remotePath, localPath, 1, false); err != nil {
		return nil, fmt.Errorf("%w: pulling %q: %v", ErrNoPreviousList, remotePath, err)
	}

	m, err := readGzipMap(fsys, localPath)
	if err != nil {
		return nil, fmt.Errorf("manifest: decoding pulled listing: %w", err)
	}

	return m, nil
}

func readGzipMap(fsys afero.Fs, path string) (listing.Map, error) {
	raw, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, err
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("manifest: gzip reader: %w", err)
	}
	defer zr.Close()

	var m listing.Map
	if err := json.NewDecoder(zr).Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest: decode json: %w", err)
	}

	return m, nil
}

func writeGzipJSON(fsys afero.Fs, filePath string, v any) error {
	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", " ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("manifest: encode json: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("manifest: close gzip writer: %w", err)
	}

	if err := fsys.MkdirAll(path.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("manifest: creating parent directory for %q: %w", filePath, err)
	}

	if err := afero.WriteFile(fsys, filePath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("manifest: write %q: %w", filePath, err)
	}

	return nil
}

// BuildBackedUpFiles clones prev[path] for every path in modified/deleted,
// tagging each with its status.
func BuildBackedUpFiles(prev listing.Map, modified, deleted []string) map[string]BackedUpFile {
	out := make(map[string]BackedUpFile, len(modified)+len(deleted))

	for _, p := range modified {
		out[p] = BackedUpFile{Entry: prev[p], Status: "modified"}
	}
	for _, p := range deleted {
		out[p] = BackedUpFile{Entry: prev[p], Status: "deleted"}
	}

	return out
}

// Uploader is the subset of *rclone.Driver used for ordered,
// write-ahead manifest upload.
type Uploader interface {
	CopyTo(ctx context.Context, src, dst string, retries int, displayError bool) error
	MoveTo(ctx context.Context, src, dst string) error
	Rmdirs(ctx context.Context, dir string) error
}

const incompletePrefix = "INCOMPLETE_BACKUP_"

// UploadPreTransfer writes diffs.json.gz and, when backedUp is non-empty,
// backed_up_files.json.gz ahead of any destructive transfer work, so an
// interrupted run leaves evidence of what it intended to do. When
// prefixIncomplete is set, the uploaded names carry the incomplete-run
// prefix until UnprefixPostTransfer renames them.
func UploadPreTransfer(ctx context.Context, d Uploader, fsys afero.Fs, tmpDir string, paths Paths, diff any, backedUp map[string]BackedUpFile, prefixIncomplete bool, log *slog.Logger) error {
	logsDir := paths.Dst + "/logs/" + paths.RunTS

	if err := uploadNamed(ctx, d, fsys, tmpDir, logsDir, "diffs.json.gz", diff, prefixIncomplete); err != nil {
		return err
	}
	if len(backedUp) > 0 {
		if err := uploadNamed(ctx, d, fsys, tmpDir, logsDir, "backed_up_files.json.gz", backedUp, prefixIncomplete); err != nil {
			return err
		}
	}

	log.Info("manifest: uploaded pre-transfer manifests", "dir", logsDir, "incomplete_prefixed", prefixIncomplete)

	return nil
}

func uploadNamed(ctx context.Context, d Uploader, fsys afero.Fs, tmpDir, logsDir, name string, v any, prefixed bool) error {
	localPath := tmpDir + "/" + name
	if err := writeGzipJSON(fsys, localPath, v); err != nil {
		return err
	}

	remoteName := name
	if prefixed {
		remoteName = incompletePrefix + name
	}

	if err := d.CopyTo(ctx, localPath, logsDir+"/"+remoteName, 0, true); err != nil {
		return fmt.Errorf("manifest: uploading %q: %w", remoteName, err)
	}

	return nil
}

// UploadCurr writes curr.json.gz after a successful transfer, and mirrors
// it to the local cache file when one is configured.
func UploadCurr(ctx context.Context, d Uploader, fsys afero.Fs, tmpDir string, paths Paths, curr listing.Map, log *slog.Logger) error {
	logsDir := paths.Dst + "/logs/" + paths.RunTS
	localPath := tmpDir + "/curr.json.gz"

	if err := writeGzipJSON(fsys, localPath, curr); err != nil {
		return err
	}

	if err := d.CopyTo(ctx, localPath, logsDir+"/curr.json.gz", 0, true); err != nil {
		return fmt.Errorf("manifest: uploading curr.json.gz: %w", err)
	}

	if cache := localCachePath(paths.LocalRoot, paths.Dst); cache != "" {
		if err := writeGzipJSON(fsys, cache, curr); err != nil {
			log.Warn("manifest: failed to refresh local cache, next run will fall back to remote logs", "error", err)
		}
	}

	log.Info("manifest: uploaded curr listing", "dir", logsDir)

	return nil
}

// UnprefixPostTransfer renames the incomplete-prefixed diffs/backed-up-file
// manifests to their final names once the run has fully succeeded.
// hasBackedUp must match whether UploadPreTransfer actually wrote a
// backed_up_files.json.gz (it is skipped entirely when empty).
func UnprefixPostTransfer(ctx context.Context, d Uploader, paths Paths, hasBackedUp bool, log *slog.Logger) error {
	logsDir := paths.Dst + "/logs/" + paths.RunTS

	names := []string{"diffs.json.gz"}
	if hasBackedUp {
		names = append(names, "backed_up_files.json.gz")
	}

	for _, name := range names {
		src := logsDir + "/" + incompletePrefix + name
		dst := logsDir + "/" + name

		if err := d.MoveTo(ctx, src, dst); err != nil {
			return fmt.Errorf("manifest: unprefixing %q: %w", name, err)
		}
	}

	log.Debug("manifest: unprefixed incomplete-run manifests")

	return nil
}

// CopyLog copies the run's local log file to <dst>/logs/<ts>/log.log and to
// every additionally configured log destination.
func CopyLog(ctx context.Context, d Uploader, paths Paths, localLogPath string, extraDests []string, log *slog.Logger) error {
	logsDir := paths.Dst + "/logs/" + paths.RunTS

	if err := d.CopyTo(ctx, localLogPath, logsDir+"/log.log", 0, true); err != nil {
		return fmt.Errorf("manifest: copying run log: %w", err)
	}

	for _, dest := range extraDests {
		if err := d.CopyTo(ctx, localLogPath, dest, 0, true); err != nil {
			log.Warn("manifest: failed to copy log to extra destination", "dest", dest, "error", err)
		}
	}

	return nil
}
