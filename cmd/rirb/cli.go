package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/rirb-go/rirb/internal/config"
	"github.com/spf13/afero"
)

// overrideArg collects repeated --override flags into a slice via the
// flag.Value interface.
type overrideArg []string

func (o *overrideArg) String() string {
	if o == nil {
		return ""
	}

	return strings.Join(*o, ",")
}

func (o *overrideArg) Set(value string) error {
	*o = append(*o, value)

	return nil
}

type programOptions struct {
	configPath string

	newConfig   bool
	init        bool
	dstList     bool
	dryRun      bool
	interactive bool
	debug       bool
	json        bool
	version     bool

	overrides overrideArg
}

// parseArgs builds the flag set and parses cliArgs[1:]. Short and long
// flag pairs (-n/--dry-run, -i/--interactive) set the same field.
func parseArgs(cliArgs []string, stderr io.Writer) (programOptions, error) {
	var opts programOptions

	fs := flag.NewFlagSet(programName(cliArgs), flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [flags] CONFIGPATH\n\n", programName(cliArgs))
		fs.PrintDefaults()
	}

	fs.BoolVar(&opts.newConfig, "new", false, "write a template configuration to CONFIGPATH and exit")
	fs.BoolVar(&opts.init, "init", false, "no previous listing is expected; forces --dst-list")
	fs.BoolVar(&opts.dstList, "dst-list", false, "compare against a fresh destination listing instead of the stored manifest")

	fs.BoolVar(&opts.dryRun, "dry-run", false, "plan only; no sync-tool mutations")
	fs.BoolVar(&opts.dryRun, "n", false, "shorthand for --dry-run")

	fs.BoolVar(&opts.interactive, "interactive", false, "prompt for confirmation before mutating anything")
	fs.BoolVar(&opts.interactive, "i", false, "shorthand for --interactive")

	fs.Var(&opts.overrides, "override", "override a configuration key as KEY=VALUE; repeatable")

	fs.BoolVar(&opts.debug, "debug", false, "elevate debug logging and re-raise internal errors")
	fs.BoolVar(&opts.json, "json", false, "output all emitted logs in the JSON format; results can be read from stderr")
	fs.BoolVar(&opts.version, "version", false, "print the version and exit")

	if err := fs.Parse(cliArgs[1:]); err != nil {
		return opts, err
	}

	if opts.version {
		return opts, nil
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return opts, errors.New("cli: exactly one CONFIGPATH argument is required")
	}
	opts.configPath = fs.Arg(0)

	return opts, nil
}

func programName(cliArgs []string) string {
	if len(cliArgs) == 0 {
		return "rirb"
	}

	return cliArgs[0]
}

// newProgram parses flags and, for --version/--new, fully services the
// invocation itself (prog.done is set and run() is never called).
func newProgram(cliArgs []string, fsys afero.Fs, stdin io.Reader, stdout, stderr io.Writer) (*program, error) {
	opts, err := parseArgs(cliArgs, stderr)
	if err != nil {
		return nil, err
	}

	prog := &program{
		fsys:   fsys,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		opts:   opts,
	}

	if opts.version {
		fmt.Fprintln(stdout, "rirb "+Version)
		prog.done = true

		return prog, nil
	}

	if opts.newConfig {
		if err := config.WriteTemplate(fsys, opts.configPath); err != nil {
			fmt.Fprintln(stderr, err)
			return nil, err
		}
		fmt.Fprintln(stdout, "wrote template configuration to "+opts.configPath)
		prog.done = true

		return prog, nil
	}

	cfg, err := config.Load(fsys, opts.configPath, opts.overrides)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, err
	}
	prog.cfg = cfg

	prog.log = logHandler(stderr, opts.debug, opts.json, cfg)

	return prog, nil
}

// logHandler builds the run's logger: tint for a human terminal by
// default, leveled by --debug, with the config (secrets redacted via its
// LogValue) attached to every line's base attributes. --json swaps in
// slog's own JSON handler for machine-readable output instead.
func logHandler(w io.Writer, debug, jsonOutput bool, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var h slog.Handler
	if jsonOutput {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "2006-01-02 15:04:05",
			NoColor:    !isTerminal(w),
		})
	}

	return slog.New(h).With("config", cfg)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	info, err := f.Stat()
	if err != nil {
		return false
	}

	return info.Mode()&os.ModeCharDevice != 0
}
