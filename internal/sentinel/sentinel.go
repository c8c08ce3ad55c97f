// Package sentinel detects whether the previous run of this destination
// was interrupted before it finished, via an exclusively-created touch
// file under the sync tool's cache directory.
//
// It is a hint, not a lock: runs are user-initiated, so a race between two
// concurrent invocations against the same destination is an accepted risk
// rather than something this package serializes against.
package sentinel

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// path returns the touch-file location for a given run UUID, rooted under
// the sync tool's reported cache directory.
func path(cacheDir, uuid string) string {
	return cacheDir + "/rirb/stat/" + uuid
}

// InitCheckInterrupt exclusively creates the run's sentinel file, reporting
// whether it already existed (meaning a run against this UUID never
// reached EndCheckInterrupt). The new sentinel is left in place until
// EndCheckInterrupt removes it on success.
func InitCheckInterrupt(fsys afero.Fs, cacheDir, uuid string) (priorExists bool, err error) {
	dir := cacheDir + "/rirb/stat"
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("sentinel: creating stat directory: %w", err)
	}

	p := path(cacheDir, uuid)

	exists, err := afero.Exists(fsys, p)
	if err != nil {
		return false, fmt.Errorf("sentinel: checking %q: %w", p, err)
	}
	if exists {
		return true, nil
	}

	f, err := fsys.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("sentinel: creating sentinel %q: %w", p, err)
	}
	_ = f.Close()

	return false, nil
}

// EndCheckInterrupt removes the run's sentinel file, signaling that the
// run completed. It is only called on success; a run that fails or is
// killed leaves its sentinel behind for the next run to discover.
func EndCheckInterrupt(fsys afero.Fs, cacheDir, uuid string) error {
	p := path(cacheDir, uuid)

	if err := fsys.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sentinel: removing sentinel %q: %w", p, err)
	}

	return nil
}
