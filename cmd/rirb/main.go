/*
rirb is a reverse-incremental backup orchestrator built atop rclone (or any
compatible sync-tool executable). It maintains a "curr" mirror at the
destination that always reflects the latest source state; prior versions of
modified or deleted files are preserved under timestamped "back/<ts>"
directories, and each run writes a compressed manifest of the new "curr"
state plus a diff/backup manifest under "logs/<ts>".

# USAGE

	rirb [flags] CONFIGPATH

# ARGUMENTS

	CONFIGPATH
		Required. Path to a YAML configuration file (see --new).

	--new
		Write a template configuration to CONFIGPATH and exit. Refuses to
		overwrite an existing file.

	--init
		No previous listing is expected; forces --dst-list; tolerates a
		missing destination listing.

	--dst-list
		Compare against a fresh destination listing instead of the stored
		prior manifest. Disables rename tracking for this run.

	-n, --dry-run
		Plan only; no sync-tool mutations. Listings still run.

	-i, --interactive
		Print the plan, then prompt "Y/[N]" before mutating anything.

	--override 'KEY=VALUE'
		Override a configuration key; repeatable. Applied before and after
		the configuration file body, so it always wins.

	--debug
		Elevate the debug log to the primary log and re-raise internal
		errors instead of exiting 1 cleanly.

	--json
		Emit all logs in JSON instead of the default human-readable
		format; results can be read from stderr.

	--version
		Print the version and exit.
*/
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rirb-go/rirb/internal/config"
	"github.com/spf13/afero"
)

const (
	exitCodeSuccess = 0
	exitCodeFailure = 1

	exitTimeout = 10 * time.Second
)

// Version is the application's version (filled in during compilation).
var Version = "dev"

// program bundles the CLI's I/O, parsed options, and runtime state.
type program struct {
	fsys   afero.Fs
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	opts programOptions
	cfg  *config.Config

	log *slog.Logger

	// done is set by newProgram when a flag (--new, --version) fully
	// handles the invocation without needing run() at all.
	done bool
}

func main() {
	var prog *program
	var exitCode int

	defer func() { os.Exit(exitCode) }()

	prog, err := newProgram(os.Args, afero.NewOsFs(), os.Stdin, os.Stdout, os.Stderr)
	if prog == nil {
		exitCode = exitCodeFailure
		return
	}
	if err != nil {
		exitCode = exitCodeFailure
		return
	}
	if prog.done {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	doneChan := make(chan int, 1)

	go func() {
		code, _ := prog.run(ctx)
		doneChan <- code
	}()

	select {
	case code := <-doneChan:
		exitCode = code

	case <-sigChan:
		prog.log.Warn("received interrupt signal; shutting down (waiting up to 10s)...")
		cancel()

		select {
		case code := <-doneChan:
			exitCode = code

		case <-time.After(exitTimeout):
			prog.log.Error("timed out while waiting for program exit; killing...", "error-type", "fatal")
			exitCode = exitCodeFailure
		}
	}
}
