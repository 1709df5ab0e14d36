package testutil

import (
	"context"
	"strings"
	"sync"

	"dwarf-go/internal/dwarf"
)

// RecordingRunner records command lines instead of executing them. A
// command fails when its line starts with a key of Fail.
type RecordingRunner struct {
	mu    sync.Mutex
	lines []string

	Fail   map[string]error
	Output map[string]string // command name -> stdout
}

func NewRecordingRunner() *RecordingRunner {
	return &RecordingRunner{Fail: make(map[string]error), Output: make(map[string]string)}
}

var _ dwarf.CommandRunner = (*RecordingRunner)(nil)

func (r *RecordingRunner) Run(_ context.Context, asRoot bool, name string, args ...string) (string, error) {
	line := strings.Join(append([]string{name}, args...), " ")

	r.mu.Lock()
	defer r.mu.Unlock()
	if asRoot {
		r.lines = append(r.lines, "root: "+line)
	} else {
		r.lines = append(r.lines, line)
	}
	for prefix, err := range r.Fail {
		if strings.HasPrefix(line, prefix) {
			return "", err
		}
	}
	return r.Output[name], nil
}

// Lines returns every recorded command line. Lines run as root carry a
// "root: " prefix.
func (r *RecordingRunner) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}
