// Package rclone wraps the external sync-tool executable (rclone by
// default) as a subprocess, providing one entry point per subcommand the
// core needs plus uniform stdout/stderr capture and timing.
package rclone

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// Mode selects how a call's output is captured.
type Mode int

const (
	// Buffered redirects stdout/stderr to distinct temp files, read back
	// and logged only once the process exits. Avoids pipe-buffer deadlock
	// for calls whose output isn't meant to stream live.
	Buffered Mode = iota
	// Streamed merges stderr into stdout and forwards it to the log line
	// by line as it arrives.
	Streamed
)

// InvocationError is raised when the sync tool exits non-zero.
type InvocationError struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("rclone: invocation failed (exit %d): %s", e.ExitCode, strings.Join(e.Argv, " "))
}

// Driver is the sync-tool invocation surface. One Driver is shared across
// an entire run; it may be called concurrently from the source and
// destination listing workers.
type Driver struct {
	Exe     string
	Flags   []string // rclone_flags
	AddArgs []string // e.g. --metadata
	Env     map[string]string
	TmpDir  string
	Fsys    afero.Fs
	Log     *slog.Logger

	mu         sync.Mutex
	rcloneTime time.Duration
}

// RcloneTime returns the cumulative wall-clock time spent inside the sync
// tool across every call issued by this Driver so far.
func (d *Driver) RcloneTime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.rcloneTime
}

// CallOpts tune error handling for a single invocation.
type CallOpts struct {
	LogStderr     bool // stderr is always captured; this controls whether it's logged
	DisplayError  bool // log a detailed error block on failure
	SuppressError bool // caller handles InvocationError itself; skip the loud log
}

// Call runs the sync tool with argv, the configured flags/env overlaid, and
// returns captured output (stdout only when LogStderr is set, since stderr
// is then logged instead; otherwise stdout and stderr merged).
func (d *Driver) Call(ctx context.Context, argv []string, mode Mode, opts CallOpts) (string, error) {
	fullArgv := make([]string, 0, len(argv)+len(d.Flags)+len(d.AddArgs)+1)
	fullArgv = append(fullArgv, d.Exe)
	fullArgv = append(fullArgv, argv...)
	fullArgv = append(fullArgv, d.Flags...)
	fullArgv = append(fullArgv, d.AddArgs...)

	d.Log.Debug("rclone: call", "argv", fullArgv)

	cmd := exec.CommandContext(ctx, fullArgv[0], fullArgv[1:]...)

	env := os.Environ()
	for k, v := range d.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "RCLONE_ASK_PASSWORD=false")
	cmd.Env = env

	start := time.Now()

	var out, errOut string
	var runErr error

	switch mode {
	case Streamed:
		out, runErr = d.callStreamed(cmd)
	default:
		out, errOut, runErr = d.callBuffered(cmd)
	}

	elapsed := time.Since(start)
	d.mu.Lock()
	d.rcloneTime += elapsed
	d.mu.Unlock()

	if errOut != "" && opts.LogStderr {
		d.Log.Debug("rclone: stderr", "stderr", errOut)
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		ierr := &InvocationError{Argv: fullArgv, ExitCode: exitErr.ExitCode(), Stdout: out, Stderr: errOut}
		if opts.DisplayError && !opts.SuppressError {
			d.Log.Error("rclone: invocation failed", "argv", fullArgv, "stdout", out, "stderr", errOut)
		}

		return out, ierr
	}
	if runErr != nil {
		return out, fmt.Errorf("rclone: failed to run %v: %w", fullArgv, runErr)
	}

	if !opts.LogStderr {
		out = out + "\n" + errOut
	}

	return out, nil
}

func (d *Driver) callStreamed(cmd *exec.Cmd) (string, error) {
	cmd.Stderr = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("rclone: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("rclone: start: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		d.Log.Info("rclone", "line", line)
		lines = append(lines, line)
	}

	err = cmd.Wait()

	return strings.Join(lines, "\n"), err
}

func (d *Driver) callBuffered(cmd *exec.Cmd) (string, string, error) {
	var randBytes [6]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return "", "", fmt.Errorf("rclone: random temp name: %w", err)
	}
	suffix := hex.EncodeToString(randBytes[:])

	outPath := d.TmpDir + "/std." + suffix + ".out"
	errPath := d.TmpDir + "/std." + suffix + ".err"

	outFile, err := d.Fsys.Create(outPath)
	if err != nil {
		return "", "", fmt.Errorf("rclone: create stdout tempfile: %w", err)
	}
	defer func() { _ = d.Fsys.Remove(outPath) }()
	defer outFile.Close()

	errFile, err := d.Fsys.Create(errPath)
	if err != nil {
		return "", "", fmt.Errorf("rclone: create stderr tempfile: %w", err)
	}
	defer func() { _ = d.Fsys.Remove(errPath) }()
	defer errFile.Close()

	cmd.Stdout = outFile
	cmd.Stderr = errFile

	runErr := cmd.Run()

	_ = outFile.Close()
	_ = errFile.Close()

	out, rerr := readAll(d.Fsys, outPath)
	if rerr != nil {
		return "", "", rerr
	}
	errOut, rerr := readAll(d.Fsys, errPath)
	if rerr != nil {
		return "", "", rerr
	}

	return out, errOut, runErr
}

func readAll(fsys afero.Fs, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", fmt.Errorf("rclone: reopen tempfile %q: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return "", fmt.Errorf("rclone: read tempfile %q: %w", path, err)
	}

	return buf.String(), nil
}
