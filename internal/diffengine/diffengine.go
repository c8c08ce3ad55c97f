// Package diffengine computes the {new, modified, deleted, renamed}
// partition between a prior and a current file map.
package diffengine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/rirb-go/rirb/internal/listing"
	"github.com/rirb-go/rirb/internal/pathutil"
)

// ErrNoCommonHash is raised when attr="hash" and two entries share no
// hash algorithm at all (as opposed to sharing one that merely differs).
var ErrNoCommonHash = errors.New("diffengine: no common hash algorithm between entries")

// Diff is the disjoint partition produced by Compute, plus rename pairs
// produced by a subsequent call to Renames.
type Diff struct {
	New      []string    `json:"new"`
	Modified []string    `json:"modified"`
	Deleted  []string    `json:"deleted"`
	Renamed  [][2]string `json:"renamed"` // (old, new)
}

// Compute produces new/modified/deleted between prev and curr under attr.
// attr is the effective comparison attribute (dst_compare when
// destination-listing, else compare).
func Compute(prev, curr listing.Map, attr string, dt float64) (Diff, error) {
	d := Diff{New: []string{}, Modified: []string{}, Deleted: []string{}, Renamed: [][2]string{}}

	currKeys := make(map[string]struct{}, len(curr))
	for k := range curr {
		currKeys[k] = struct{}{}
	}
	for path := range prev {
		if _, ok := currKeys[path]; !ok {
			d.Deleted = append(d.Deleted, path)
		}
	}

	for path, file := range curr {
		pfile, ok := prev[path]
		if !ok {
			d.New = append(d.New, path)
			continue
		}

		same, err := FileCompare(file, pfile, attr, dt)
		if err != nil {
			return d, fmt.Errorf("diffengine: comparing %q: %w", path, err)
		}
		if !same {
			d.Modified = append(d.Modified, path)
		}
	}

	sort.Strings(d.New)
	sort.Strings(d.Modified)
	sort.Strings(d.Deleted)

	return d, nil
}

// FileCompare decides whether file and pfile represent the same content
// under the given comparison attribute (size, mtime, or hash). Entry.Size
// is a plain integer, so an entry without a size compares as size 0; there
// is no separate "missing size" case.
func FileCompare(file, pfile listing.Entry, attr string, dt float64) (bool, error) {
	if attr == "" {
		return false, nil
	}

	if file.Size != pfile.Size {
		return false, nil
	}

	switch attr {
	case "mtime":
		if file.ModTime == "" || pfile.ModTime == "" {
			return false, nil
		}

		ta, err := pathutil.RFC3339ToUnix(file.ModTime)
		if err != nil {
			return false, fmt.Errorf("parsing ModTime: %w", err)
		}
		tb, err := pathutil.RFC3339ToUnix(pfile.ModTime)
		if err != nil {
			return false, fmt.Errorf("parsing prior ModTime: %w", err)
		}

		return math.Abs(ta-tb) <= dt, nil

	case "hash":
		shared := sharedKeys(file.Hashes, pfile.Hashes)
		if len(shared) == 0 {
			return false, fmt.Errorf("%w: %v <-> %v", ErrNoCommonHash, file.Hashes, pfile.Hashes)
		}

		for _, alg := range shared {
			if file.Hashes[alg] != pfile.Hashes[alg] {
				return false, nil
			}
		}

		return true, nil

	default:
		// "size": sizes already matched above.
		return true, nil
	}
}

func sharedKeys(a, b map[string]string) []string {
	var out []string
	for k := range a {
		if _, ok := b[k]; ok {
			out = append(out, k)
		}
	}

	return out
}

// Renames extracts rename pairs from d.New against d.Deleted: candidates
// are bucketed by size from the *source* prior map, then filtered by
// FileCompare under the rename attribute. Ambiguous
// buckets (more than one candidate) are logged and skipped, never
// guessed. Extracted endpoints are subtracted from New/Deleted in place.
func Renames(d *Diff, sourcePrev, curr listing.Map, renameAttr string, dstList bool, dt float64, log *slog.Logger) error {
	if renameAttr == "" {
		return nil
	}
	if dstList {
		log.Info("diffengine: rename tracking ignored for destination-listing mode")
		return nil
	}

	delBySize := make(map[int64][]string)
	for _, path := range d.Deleted {
		size := int64(-1)
		if e, ok := sourcePrev[path]; ok {
			size = e.Size
		}
		delBySize[size] = append(delBySize[size], path)
	}

	renamed := [][2]string{}
	renamedNew := make(map[string]struct{})
	renamedOld := make(map[string]struct{})

	for _, newPath := range d.New {
		nfile := curr[newPath]
		candidates := delBySize[nfile.Size]

		var matches []string
		for _, cpath := range candidates {
			pfile := sourcePrev[cpath]

			ok, err := FileCompare(nfile, pfile, renameAttr, dt)
			if err != nil {
				return fmt.Errorf("diffengine: rename comparison for %q: %w", newPath, err)
			}
			if ok {
				matches = append(matches, cpath)
			}
		}

		switch len(matches) {
		case 0:
			continue
		case 1:
			renamed = append(renamed, [2]string{matches[0], newPath})
			renamedOld[matches[0]] = struct{}{}
			renamedNew[newPath] = struct{}{}
		default:
			log.Warn("diffengine: too many rename candidates, not moving", "path", newPath, "candidates", matches)
		}
	}

	d.New = filterOut(d.New, renamedNew)
	d.Deleted = filterOut(d.Deleted, renamedOld)
	d.Renamed = renamed

	return nil
}

func filterOut(paths []string, exclude map[string]struct{}) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, skip := exclude[p]; !skip {
			out = append(out, p)
		}
	}

	return out
}
