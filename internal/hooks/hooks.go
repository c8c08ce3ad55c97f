// Package hooks runs the pre/post shell commands a configuration may
// supply around a backup run: OS-appropriate shell wrapping, combined
// output capture, and a summary variable exposed to the post hook's
// environment.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

// ErrShellFailed is returned when a hook command exits non-zero. Callers
// treat this as a warning unless their stop_on_shell_error is set, in
// which case it should be treated as fatal.
var ErrShellFailed = errors.New("hooks: shell command exited non-zero")

// Run executes command through the platform shell, with env overlaid onto
// the current process environment, and returns ErrShellFailed (wrapping
// the underlying exit error) on non-zero exit. An empty command is a
// no-op success, since a hook command is always optional.
func Run(ctx context.Context, command string, env map[string]string, log *slog.Logger, label string) error {
	if command == "" {
		return nil
	}

	shellExe, shellFlag := shell()
	cmd := exec.CommandContext(ctx, shellExe, shellFlag, command)

	cmd.Env = cmd.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	out, err := cmd.CombinedOutput()
	log.Info("hooks: shell output", "hook", label, "output", string(out))

	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrShellFailed, label, err)
	}

	return nil
}

// shell reports the platform's default command interpreter and its
// "run this string" flag.
func shell() (exe, flag string) {
	if runtime.GOOS == "windows" {
		return "cmd", "/C"
	}

	return "/bin/sh", "-c"
}
