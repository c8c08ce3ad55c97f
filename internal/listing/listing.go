// Package listing produces file maps (path -> attributes) for the source
// and, optionally, the destination, reusing prior hashes where possible.
package listing

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/rirb-go/rirb/internal/pathutil"
	"github.com/rirb-go/rirb/internal/rclone"
	"github.com/spf13/afero"
)

// Entry is a file record with the ignored listing fields already stripped.
type Entry struct {
	Size    int64
	ModTime string
	Hashes  map[string]string
}

// Map is path -> Entry. Keys are POSIX-style relative paths.
type Map map[string]Entry

// FromRawFiles converts raw lsjson output into a Map, keying by Path and
// keeping only Size, ModTime and Hashes; IsDir, Name, ID, Tier and any
// Metadata the tool returned are dropped.
func FromRawFiles(files []rclone.RawFile) Map {
	out := make(Map, len(files))
	for _, f := range files {
		out[f.Path] = Entry{Size: f.Size, ModTime: f.ModTime, Hashes: f.Hashes}
	}

	return out
}

// Lister is the subset of *rclone.Driver this package depends on, so tests
// can supply a fake rather than shelling out to a real sync-tool binary.
type Lister interface {
	Lsjson(ctx context.Context, root string, opts rclone.LsjsonOpts) ([]rclone.RawFile, error)
}

// Policy carries the configuration knobs that shape a listing call.
type Policy struct {
	Compare      string // "size" | "mtime" | "hash"
	DstCompare   string // "" means fall back to Compare
	Renames      string // "size" | "mtime" | "hash" | ""
	ReuseHashes  string // "size" | "mtime" | ""
	GetModTime   bool
	GetHashes    bool
	HashType     []string
	FilterFlags  []string
	DstListFlags []string
	DstList      bool
	Dt           float64
	Init         bool
}

func (p Policy) effectiveDstCompare() string {
	if p.DstCompare != "" {
		return p.DstCompare
	}

	return p.Compare
}

// ListSource issues the source listing, optionally reusing hashes from the
// prior map.
func ListSource(ctx context.Context, d Lister, fsys afero.Fs, tmpDir, src string, prev Map, pol Policy, log *slog.Logger) (Map, error) {
	computeHashes := pol.GetHashes || pol.Compare == "hash" || pol.Renames == "hash"

	skipModTime := !(pol.GetModTime ||
		pol.Compare == "mtime" ||
		(pol.DstList && pol.effectiveDstCompare() == "mtime") ||
		pol.Renames == "mtime" ||
		(computeHashes && pol.ReuseHashes == "mtime"))

	opts := rclone.LsjsonOpts{
		NoModTime:  skipModTime,
		ExtraFlags: pol.FilterFlags,
	}
	if computeHashes && pol.ReuseHashes == "" {
		opts.Hash = true
		opts.HashTypes = pol.HashType
	}

	files, err := d.Lsjson(ctx, src, opts)
	if err != nil {
		return nil, fmt.Errorf("listing: list source %q: %w", src, err)
	}

	curr := FromRawFiles(files)
	log.Debug("listing: read source files", "count", len(files))

	if !computeHashes || pol.ReuseHashes == "" {
		return curr, nil
	}

	return reuseHashes(ctx, d, fsys, tmpDir, src, curr, prev, pol, log)
}

func reuseHashes(ctx context.Context, d Lister, fsys afero.Fs, tmpDir, src string, curr, prev Map, pol Policy, log *slog.Logger) (Map, error) {
	if prev == nil {
		prev = Map{}
	}

	var updateList []string

	for path, file := range curr {
		pfile, ok := prev[path]
		if !ok || pfile.Hashes == nil {
			updateList = append(updateList, path)
			continue
		}

		if file.Size != pfile.Size {
			updateList = append(updateList, path)
			continue
		}

		if pol.ReuseHashes == "mtime" {
			drift, err := modTimeDrift(file.ModTime, pfile.ModTime)
			if err != nil || drift > pol.Dt {
				updateList = append(updateList, path)
				continue
			}
		}

		file.Hashes = pfile.Hashes
		curr[path] = file
	}

	if len(updateList) == 0 {
		log.Debug("listing: no hashes need recomputing")
		return curr, nil
	}

	listPath := tmpDir + "/relist.txt"
	if err := afero.WriteFile(fsys, listPath, []byte(joinLines(updateList)), 0o644); err != nil {
		return nil, fmt.Errorf("listing: write relist file: %w", err)
	}

	log.Info("listing: computing hashes for unmatched files", "count", len(updateList))

	files, err := d.Lsjson(ctx, src, rclone.LsjsonOpts{
		Hash:       true,
		HashTypes:  pol.HashType,
		FilesFrom:  listPath,
		ExtraFlags: pol.FilterFlags,
	})
	if err != nil {
		return nil, fmt.Errorf("listing: hash relist: %w", err)
	}

	for path, entry := range FromRawFiles(files) {
		curr[path] = entry
	}

	return curr, nil
}

// ListDest issues the destination listing, used only when dst_list is on.
// A tool failure is tolerated (treated as empty) only under --init.
func ListDest(ctx context.Context, d Lister, dst string, pol Policy, log *slog.Logger) (Map, error) {
	attrib := pol.effectiveDstCompare()

	opts := rclone.LsjsonOpts{ExtraFlags: pol.DstListFlags, AllowMissing: pol.Init}

	switch attrib {
	case "size":
		opts.NoModTime = true
	case "hash":
		opts.Hash = true
		opts.HashTypes = pol.HashType
	}

	files, err := d.Lsjson(ctx, dst, opts)
	if err != nil {
		if pol.Init {
			log.Info("listing: destination listing error, assuming it does not exist because --init is set")
			return Map{}, nil
		}

		return nil, fmt.Errorf("listing: list destination %q (try --init if it does not yet exist): %w", dst, err)
	}

	return FromRawFiles(files), nil
}

func modTimeDrift(a, b string) (float64, error) {
	ta, err := pathutil.RFC3339ToUnix(a)
	if err != nil {
		return 0, err
	}
	tb, err := pathutil.RFC3339ToUnix(b)
	if err != nil {
		return 0, err
	}

	return math.Abs(ta - tb), nil
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}

	return out
}
