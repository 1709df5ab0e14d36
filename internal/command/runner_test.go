package command

import (
	"context"
	"errors"
	"strings"
	"testing"

	"dwarf-go/internal/dwarf"
)

func TestRunner_Run(t *testing.T) {
	ctx := context.Background()
	r := NewRunner(false, dwarf.NewNopLogger())

	t.Run("returns stdout", func(t *testing.T) {
		out, err := r.Run(ctx, false, "sh", "-c", "echo hello")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if out != "hello\n" {
			t.Errorf("Run() = %q, want %q", out, "hello\n")
		}
	})

	t.Run("non-zero exit is a command execution failure", func(t *testing.T) {
		_, err := r.Run(ctx, false, "sh", "-c", "echo boom >&2; exit 3")
		if !errors.Is(err, dwarf.ErrCommandExecution) {
			t.Fatalf("Run() error = %v, want ErrCommandExecution", err)
		}
		if got := dwarf.Reason(err); got != "Failed to run command: sh -c echo boom >&2; exit 3" {
			t.Errorf("Reason() = %q", got)
		}
		if !strings.Contains(err.Error(), "exit code 3") || !strings.Contains(err.Error(), "boom") {
			t.Errorf("Error() = %q, want exit code and stderr", err.Error())
		}
	})

	t.Run("missing binary is a command execution failure", func(t *testing.T) {
		_, err := r.Run(ctx, false, "dwarf-no-such-binary")
		if !errors.Is(err, dwarf.ErrCommandExecution) {
			t.Errorf("Run() error = %v, want ErrCommandExecution", err)
		}
	})

	t.Run("as root without sudo runs directly", func(t *testing.T) {
		out, err := r.Run(ctx, true, "echo", "root")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if out != "root\n" {
			t.Errorf("Run() = %q", out)
		}
	})
}
