package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rirb-go/rirb/internal/orchestrator"
	"github.com/rirb-go/rirb/internal/rclone"
	"github.com/spf13/afero"
)

// run builds the sync-tool driver and orchestrator from prog's parsed
// configuration and executes one backup cycle, translating the result
// into an exit code: 0 on success, 1 on any failure unless --debug, which
// re-raises instead of exiting cleanly.
func (prog *program) run(ctx context.Context) (retExitCode int, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			if prog.opts.debug {
				panic(r)
			}
			prog.log.Error("internal panic recovered", "error", r, "error-type", "fatal")
			debug.PrintStack()
			retExitCode = exitCodeFailure
		}
	}()

	if prog.cfg.UUID == "" {
		prog.cfg.UUID = uuid.New().String()
	}

	tmpDir, err := afero.TempDir(prog.fsys, "", "rirb-")
	if err != nil {
		prog.log.Error("failed creating temp directory", "error", err, "error-type", "fatal")

		return prog.failOrRaise(err)
	}
	defer func() { _ = prog.fsys.RemoveAll(tmpDir) }()

	logPath := tmpDir + "/run.log"
	if err := prog.attachFileLog(logPath); err != nil {
		prog.log.Warn("failed attaching run log file, continuing without one", "error", err)
	}

	driver := &rclone.Driver{
		Exe:    prog.cfg.RcloneExe,
		Flags:  prog.cfg.RcloneFlags,
		Env:    prog.cfg.RcloneEnv,
		TmpDir: tmpDir,
		Fsys:   prog.fsys,
		Log:    prog.log,
	}
	if prog.cfg.Metadata {
		driver.AddArgs = append(driver.AddArgs, "--metadata")
	}

	orch := &orchestrator.Orchestrator{
		Cfg: prog.cfg,
		Deps: orchestrator.Dependencies{
			Driver:  driver,
			Fsys:    prog.fsys,
			Log:     prog.log,
			TmpDir:  tmpDir,
			LogFile: logPath,
		},
		Opts: orchestrator.Options{
			Init:        prog.opts.init,
			DstList:     prog.opts.dstList,
			DryRun:      prog.opts.dryRun,
			Interactive: prog.opts.interactive,
			Confirm:     prog.confirm,
		},
		Now: time.Now(),
	}

	summary, err := orch.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			prog.log.Warn("run canceled", "error", err)

			return prog.failOrRaise(err)
		}
		prog.log.Error("run failed", "error", err, "error-type", "fatal")

		return prog.failOrRaise(err)
	}

	switch {
	case summary.DryRun:
		prog.log.Info("dry run complete; no changes were made", "summary", summary.Text())
	case summary.Declined:
		prog.log.Info("run declined at confirmation prompt", "summary", summary.Text())
	default:
		prog.log.Info("run complete", "summary", summary.Text())
	}

	return exitCodeSuccess, nil
}

func (prog *program) failOrRaise(err error) (int, error) {
	if prog.opts.debug {
		panic(err)
	}

	return exitCodeFailure, err
}

// confirm implements orchestrator.Options.Confirm by reading a Y/[N]
// answer from stdin.
func (prog *program) confirm(prompt string) bool {
	fmt.Fprint(prog.stdout, prompt)

	reader := bufio.NewReader(prog.stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(line))

	return answer == "y" || answer == "yes"
}

// attachFileLog rebuilds prog.log so every line goes to both stderr and a
// local file at logPath, giving manifest.CopyLog real content to upload
// once the run finishes. The combined writer is not a terminal, so the
// rebuilt tint handler writes without color.
func (prog *program) attachFileLog(logPath string) error {
	f, err := prog.fsys.Create(logPath)
	if err != nil {
		return fmt.Errorf("cli: creating log file %q: %w", logPath, err)
	}

	prog.log = logHandler(io.MultiWriter(prog.stderr, f), prog.opts.debug, prog.opts.json, prog.cfg)

	return nil
}
