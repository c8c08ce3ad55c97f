// Package orchestrator wires the differential engine, transfer planner,
// manifest I/O, and interrupt sentinel into the full run sequence:
//
//	init -> pull prior listing -> list source (and destination, if in
//	use) -> diff -> detect renames -> upload pre-transfer manifests ->
//	transfer -> rename -> delete -> upload curr listing -> unprefix
//	manifests -> clean up empty directories -> clear the sentinel
//
// It holds the run's start time and the file maps that flow through each
// stage.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rirb-go/rirb/internal/config"
	"github.com/rirb-go/rirb/internal/diffengine"
	"github.com/rirb-go/rirb/internal/hooks"
	"github.com/rirb-go/rirb/internal/listing"
	"github.com/rirb-go/rirb/internal/manifest"
	"github.com/rirb-go/rirb/internal/pathutil"
	"github.com/rirb-go/rirb/internal/rclone"
	"github.com/rirb-go/rirb/internal/sentinel"
	"github.com/rirb-go/rirb/internal/transfer"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Driver is the subset of *rclone.Driver the orchestrator drives directly
// (beyond what listing/manifest/transfer already narrow for themselves).
type Driver interface {
	listing.Lister
	manifest.Puller
	manifest.Uploader
	transfer.Driver
	CacheDir(ctx context.Context) (string, error)
	RcloneTime() time.Duration
}

// Dependencies are the run's I/O collaborators.
type Dependencies struct {
	Driver Driver
	Fsys   afero.Fs
	Log    *slog.Logger
	TmpDir string
	// LogFile is the local path the external log writer is appending this
	// run's log lines to; copied to <dst>/logs/<ts>/log.log at the end of
	// a successful run. Empty disables the copy.
	LogFile string
}

// Options are the per-invocation CLI switches that aren't persisted
// configuration.
type Options struct {
	Init        bool
	DstList     bool
	DryRun      bool
	Interactive bool
	// Confirm prompts the user and reports whether they agreed to
	// continue; only consulted when Interactive is set. Keeping this a
	// callback (rather than reading stdin directly) keeps the
	// orchestrator itself I/O-free and testable.
	Confirm func(prompt string) bool
}

// Orchestrator runs a single backup cycle against Cfg using Deps.
type Orchestrator struct {
	Cfg  *config.Config
	Deps Dependencies
	Opts Options
	// Now fixes the run's wall-clock timestamp; tests supply a fixed
	// value so <ts> directories are deterministic.
	Now time.Time
}

// Summary aggregates the counts and byte totals a run produces,
// substituted into the post-run shell hook's environment.
type Summary struct {
	New, Modified, Deleted, Renamed int
	TransferredBytes                int64
	Duration                        time.Duration
	RcloneTime                      time.Duration
	DstListUsed                     bool
	DryRun                          bool
	Declined                        bool
}

// Text renders the summary as a single human-readable log line.
func (s Summary) Text() string {
	return fmt.Sprintf(
		"new=%d modified=%d deleted=%d renamed=%d transferred=%s elapsed=%s rclone_time=%s",
		s.New, s.Modified, s.Deleted, s.Renamed,
		pathutil.BytesToHuman(s.TransferredBytes),
		pathutil.TimeFormat(s.Duration),
		pathutil.TimeFormat(s.RcloneTime),
	)
}

// Run executes one full backup cycle end to end.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	t0 := time.Now()
	ts := pathutil.NowTimestamp(o.Now)

	currRoot := pathutil.PathJoin(o.Cfg.Dst, "curr")
	backRoot := pathutil.PathJoin(o.Cfg.Dst, "back", ts)

	dstListOn := o.Opts.DstList || o.Opts.Init

	var cacheDir, localRoot string
	if !o.Opts.DryRun {
		var err error
		cacheDir, err = o.Deps.Driver.CacheDir(ctx)
		if err != nil {
			return Summary{}, fmt.Errorf("orchestrator: discovering cache dir: %w", err)
		}
		if o.Cfg.UseLocalCache {
			localRoot = cacheDir + "/rirb/" + o.Cfg.UUID
		}

		priorInterrupted, err := sentinel.InitCheckInterrupt(o.Deps.Fsys, cacheDir, o.Cfg.UUID)
		if err != nil {
			return Summary{}, fmt.Errorf("orchestrator: checking interrupt sentinel: %w", err)
		}
		if priorInterrupted {
			if o.Cfg.AutomaticDstList {
				dstListOn = true
				o.Deps.Log.Warn("orchestrator: previous run did not finish, moving to --dst-list mode")
			} else {
				o.Deps.Log.Warn("orchestrator: previous run did not finish; a stale destination listing may be in use")
			}
		}
	}

	if err := hooks.Run(ctx, o.Cfg.PreShell, nil, o.Deps.Log, "pre"); err != nil {
		if o.Cfg.StopOnShellError {
			return Summary{}, err
		}
		o.Deps.Log.Warn("orchestrator: pre_shell failed, continuing", "error", err)
	}

	manifestPrev := listing.Map{}
	if !o.Opts.Init {
		var err error
		manifestPrev, err = manifest.PullPrev(ctx, o.Deps.Driver, o.Deps.Fsys, o.Deps.TmpDir,
			manifest.Paths{Dst: o.Cfg.Dst, LocalRoot: localRoot, RunTS: ts}, o.Deps.Log)
		if err != nil {
			return Summary{}, err
		}
	}

	pol := listing.Policy{
		Compare:      o.Cfg.Compare,
		DstCompare:   o.Cfg.DstCompare,
		Renames:      o.Cfg.EffectiveRenames(),
		ReuseHashes:  o.Cfg.EffectiveReuseHashes(),
		GetModTime:   o.Cfg.GetModTime,
		GetHashes:    o.Cfg.GetHashes,
		HashType:     o.Cfg.HashType,
		FilterFlags:  o.Cfg.FilterFlags,
		DstListFlags: o.Cfg.DstListRcloneFlags,
		DstList:      dstListOn,
		Dt:           o.Cfg.Dt,
		Init:         o.Opts.Init,
	}

	var curr, dstPrev listing.Map

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		curr, err = listing.ListSource(gctx, o.Deps.Driver, o.Deps.Fsys, o.Deps.TmpDir, o.Cfg.Src, manifestPrev, pol, o.Deps.Log)
		return err
	})
	if dstListOn {
		g.Go(func() error {
			var err error
			dstPrev, err = listing.ListDest(gctx, o.Deps.Driver, currRoot, pol, o.Deps.Log)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	diffPrev := manifestPrev
	if dstListOn {
		diffPrev = dstPrev
	}

	attr := o.Cfg.Compare
	if dstListOn && o.Cfg.DstCompare != "" {
		attr = o.Cfg.DstCompare
	}

	diff, err := diffengine.Compute(diffPrev, curr, attr, o.Cfg.Dt)
	if err != nil {
		return Summary{}, err
	}

	if err := diffengine.Renames(&diff, manifestPrev, curr, o.Cfg.EffectiveRenames(), dstListOn, o.Cfg.Dt, o.Deps.Log); err != nil {
		return Summary{}, err
	}

	summary := buildSummary(diff, curr)
	summary.DstListUsed = dstListOn

	o.Deps.Log.Info("orchestrator: computed plan",
		"new", summary.New, "modified", summary.Modified,
		"deleted", summary.Deleted, "renamed", summary.Renamed,
		"transfer_size", pathutil.BytesToHuman(summary.TransferredBytes),
	)

	if o.Opts.DryRun {
		summary.DryRun = true
		summary.Duration = time.Since(t0)

		return summary, nil
	}

	if o.Opts.Interactive {
		confirm := o.Opts.Confirm
		if confirm == nil {
			confirm = func(string) bool { return false }
		}
		if !confirm("Would you like to continue? Y/[N]: ") {
			summary.Declined = true
			summary.Duration = time.Since(t0)

			return summary, nil
		}
	}

	manifestPaths := manifest.Paths{Dst: o.Cfg.Dst, LocalRoot: localRoot, RunTS: ts}
	transferPaths := transfer.Paths{Src: o.Cfg.Src, Curr: currRoot, Back: backRoot}

	backedUp := manifest.BuildBackedUpFiles(diffPrev, diff.Modified, diff.Deleted)

	if err := manifest.UploadPreTransfer(ctx, o.Deps.Driver, o.Deps.Fsys, o.Deps.TmpDir, manifestPaths, diff, backedUp, o.Cfg.PrefixIncompleteBackups, o.Deps.Log); err != nil {
		return summary, err
	}

	if err := transfer.Transfer(ctx, o.Deps.Driver, o.Deps.Fsys, o.Deps.TmpDir, transferPaths, curr, diffPrev, diff.New, diff.Modified, o.Deps.Log); err != nil {
		return summary, err
	}

	if err := transfer.Rename(ctx, o.Deps.Driver, transferPaths, diff.Renamed, o.Deps.Log); err != nil {
		return summary, err
	}

	if err := transfer.Delete(ctx, o.Deps.Driver, o.Deps.Fsys, o.Deps.TmpDir, transferPaths, diff.Deleted, o.Deps.Log); err != nil {
		return summary, err
	}

	if err := manifest.UploadCurr(ctx, o.Deps.Driver, o.Deps.Fsys, o.Deps.TmpDir, manifestPaths, curr, o.Deps.Log); err != nil {
		return summary, err
	}

	if o.Cfg.PrefixIncompleteBackups {
		if err := manifest.UnprefixPostTransfer(ctx, o.Deps.Driver, manifestPaths, len(backedUp) > 0, o.Deps.Log); err != nil {
			return summary, err
		}
	}

	if err := transfer.CleanupEmptyDirs(ctx, o.Deps.Driver, transferPaths, o.Cfg.CleanupEmptyDirs, diffPrev, curr, o.Deps.Log); err != nil {
		o.Deps.Log.Warn("orchestrator: directory cleanup failed", "error", err)
	}

	summary.Duration = time.Since(t0)
	summary.RcloneTime = o.Deps.Driver.RcloneTime()

	if err := hooks.Run(ctx, o.Cfg.PostShell, map[string]string{"STATS": summary.Text()}, o.Deps.Log, "post"); err != nil {
		if o.Cfg.StopOnShellError {
			return summary, err
		}
		o.Deps.Log.Warn("orchestrator: post_shell failed, continuing", "error", err)
	}

	if o.Deps.LogFile != "" {
		if err := manifest.CopyLog(ctx, o.Deps.Driver, manifestPaths, o.Deps.LogFile, o.Cfg.LogDest, o.Deps.Log); err != nil {
			o.Deps.Log.Warn("orchestrator: failed copying run log", "error", err)
		}
	}

	if err := sentinel.EndCheckInterrupt(o.Deps.Fsys, cacheDir, o.Cfg.UUID); err != nil {
		return summary, err
	}

	o.Deps.Log.Info("orchestrator: run complete", "summary", summary.Text())

	return summary, nil
}

func buildSummary(diff diffengine.Diff, curr listing.Map) Summary {
	var bytes int64
	for _, p := range diff.New {
		bytes += curr[p].Size
	}
	for _, p := range diff.Modified {
		bytes += curr[p].Size
	}

	return Summary{
		New:              len(diff.New),
		Modified:         len(diff.Modified),
		Deleted:          len(diff.Deleted),
		Renamed:          len(diff.Renamed),
		TransferredBytes: bytes,
	}
}

// Compile-time check that *rclone.Driver satisfies the Driver interface
// above.
var _ Driver = (*rclone.Driver)(nil)
