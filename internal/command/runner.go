// Package command runs the external tools the host needs (qemu-img,
// mkfs.ext3, genisoimage, chown, iptables).
package command

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"

	"dwarf-go/internal/dwarf"
)

// Runner executes commands with os/exec. Commands run as root are prefixed
// with sudo unless the process already runs as root or UseSudo is off.
type Runner struct {
	UseSudo bool
	logger  dwarf.Logger
}

func NewRunner(useSudo bool, logger dwarf.Logger) *Runner {
	return &Runner{UseSudo: useSudo, logger: logger.With("component", "command")}
}

var _ dwarf.CommandRunner = (*Runner)(nil)

// Run executes name with args and returns its stdout. A non-zero exit, or a
// command that cannot be started, is a CommandExecutionFailure carrying the
// command's stderr.
func (r *Runner) Run(ctx context.Context, asRoot bool, name string, args ...string) (string, error) {
	argv := append([]string{name}, args...)
	if asRoot && r.UseSudo && os.Geteuid() != 0 {
		argv = append([]string{"sudo"}, argv...)
	}
	line := strings.Join(argv, " ")
	r.logger.Info("execute", "cmd", line)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if stderr.Len() == 0 {
			stderr.WriteString(err.Error())
		}
		r.logger.Error("command failed", "cmd", line, "exit_code", code, "stderr", stderr.String())
		return stdout.String(), dwarf.CommandExecutionFailure(line, code, stderr.String())
	}

	if stdout.Len() > 0 {
		r.logger.Debug("execute stdout", "cmd", line, "stdout", stdout.String())
	}
	if stderr.Len() > 0 {
		r.logger.Debug("execute stderr", "cmd", line, "stderr", stderr.String())
	}
	return stdout.String(), nil
}
