// Package transfer drives the sync tool to realize a computed diff:
// transferring new/modified content, executing renames and deletes, and
// cleaning up directories left empty.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/rirb-go/rirb/internal/listing"
	"github.com/spf13/afero"
)

// noTraverseLimit: at or below this many files in a group, pass
// --no-traverse for speed.
const noTraverseLimit = 50

// Driver is the subset of *rclone.Driver transfer needs, kept as an
// interface so executor logic is testable without a real sync-tool binary.
type Driver interface {
	Copy(ctx context.Context, src, dst, listPath, backupDir string, extraFlags []string) error
	Move(ctx context.Context, src, dst, listPath string) error
	MoveTo(ctx context.Context, src, dst string) error
	Rmdirs(ctx context.Context, dir string) error
	CanHaveEmptyDirectories(ctx context.Context, remote string) (bool, error)
}

// Paths bundles the destination layout roots a run needs.
type Paths struct {
	Src  string
	Curr string
	Back string
}

// Transfer copies new and modified files into curr, splitting modified
// into same-size (forced with --ignore-times) and different-size
// (--size-only) groups so retries stay cheap.
func Transfer(ctx context.Context, d Driver, fsys afero.Fs, tmpDir string, paths Paths, curr, prev listing.Map, newFiles, modified []string, log *slog.Logger) error {
	if len(newFiles) == 0 && len(modified) == 0 {
		log.Debug("transfer: nothing to transfer")
		return nil
	}

	var sameSize, diffSize []string
	for _, p := range modified {
		if curr[p].Size == prev[p].Size {
			sameSize = append(sameSize, p)
		} else {
			diffSize = append(diffSize, p)
		}
	}

	log.Info("transfer: transferring files")

	groups := []struct {
		flag  string
		files []string
	}{
		{"--ignore-times", sameSize},
		{"--size-only", append(append([]string{}, diffSize...), newFiles...)},
	}

	for i, g := range groups {
		if len(g.files) == 0 {
			continue
		}

		listPath := fmt.Sprintf("%s/transfer_%d.txt", tmpDir, i)
		if err := afero.WriteFile(fsys, listPath, []byte(strings.Join(g.files, "\n")), 0o644); err != nil {
			return fmt.Errorf("transfer: write file list: %w", err)
		}

		extra := []string{g.flag}
		if len(g.files) <= noTraverseLimit {
			extra = append(extra, "--no-traverse")
		}

		if err := d.Copy(ctx, paths.Src, paths.Curr, listPath, paths.Back, extra); err != nil {
			return fmt.Errorf("transfer: copy group %d: %w", i, err)
		}
	}

	return nil
}

// Delete moves deleted files from curr into the run's backup directory.
func Delete(ctx context.Context, d Driver, fsys afero.Fs, tmpDir string, paths Paths, files []string, log *slog.Logger) error {
	if len(files) == 0 {
		return nil
	}

	listPath := tmpDir + "/move.txt"
	if err := afero.WriteFile(fsys, listPath, []byte(strings.Join(files, "\n")), 0o644); err != nil {
		return fmt.Errorf("transfer: write delete list: %w", err)
	}

	log.Info("transfer: deleting files", "count", len(files))

	if err := d.Move(ctx, paths.Curr, paths.Back, listPath); err != nil {
		return fmt.Errorf("transfer: delete: %w", err)
	}

	return nil
}

// Rename executes one moveto per detected rename pair; the sync tool
// cannot batch single-file server-side moves.
func Rename(ctx context.Context, d Driver, paths Paths, renames [][2]string, log *slog.Logger) error {
	if len(renames) == 0 {
		return nil
	}

	log.Info("transfer: renaming files", "count", len(renames))

	for _, pair := range renames {
		src := joinCurr(paths.Curr, pair[0])
		dst := joinCurr(paths.Curr, pair[1])

		log.Info("transfer: rename", "src", pair[0], "dst", pair[1])

		if err := d.MoveTo(ctx, src, dst); err != nil {
			return fmt.Errorf("transfer: rename %q -> %q: %w", pair[0], pair[1], err)
		}
	}

	return nil
}

func joinCurr(curr, rel string) string {
	if strings.HasSuffix(curr, "/") {
		return curr + rel
	}

	return curr + "/" + rel
}

// CleanupEmptyDirs removes directories present in prev but absent from
// curr, when cleanup is enabled (or "auto" and the backend supports empty
// directories). A directory whose ancestor is already queued is skipped,
// since rmdirs on the ancestor recurses on its own.
func CleanupEmptyDirs(ctx context.Context, d Driver, paths Paths, cleanupEmptyDirs string, prev, curr listing.Map, log *slog.Logger) error {
	switch cleanupEmptyDirs {
	case "false", "":
		return nil
	case "auto":
		ok, err := d.CanHaveEmptyDirectories(ctx, paths.Curr)
		if err != nil {
			return fmt.Errorf("transfer: checking empty-directory support: %w", err)
		}
		if !ok {
			return nil
		}
	case "true":
		// fall through, always attempt cleanup
	}

	candidates := subtractDirs(dirsOf(prev), dirsOf(curr))
	sort.Strings(candidates)

	var queued []string
	for _, dir := range candidates {
		skip := false
		for _, q := range queued {
			if strings.HasPrefix(dir, q+"/") {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		queued = append(queued, dir)

		log.Info("transfer: removing directory (if empty)", "path", dir)
		if err := d.Rmdirs(ctx, joinCurr(paths.Curr, dir)); err != nil {
			log.Info("transfer: could not delete directory, likely not empty", "path", dir)
		}
	}

	return nil
}

func dirsOf(m listing.Map) map[string]struct{} {
	dirs := make(map[string]struct{})
	for path := range m {
		parts := strings.Split(path, "/")
		for i := 1; i < len(parts); i++ {
			dirs[strings.Join(parts[:i], "/")] = struct{}{}
		}
	}

	return dirs
}

func subtractDirs(a, b map[string]struct{}) []string {
	var out []string
	for dir := range a {
		if _, ok := b[dir]; !ok {
			out = append(out, dir)
		}
	}

	return out
}
