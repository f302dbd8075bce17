package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// DefaultBashrc is sourced before every command so the OpenFOAM
// environment is set up inside the container
const DefaultBashrc = "/opt/openfoam/etc/bashrc"

// ErrInvalidSpec is returned for run specs that cannot be executed
var ErrInvalidSpec = errors.New("invalid run spec")

// RunSpec describes one command to run in a case directory
type RunSpec struct {
	// ID names the container; it must be unique among live runs
	ID      string
	Image   string
	Command string
	// WorkDir is the case directory as seen inside the container
	WorkDir string
	// Volumes maps host paths to container paths, bind mounted read-write
	Volumes map[string]string
	Env     []string
	// Bashrc overrides DefaultBashrc; "-" skips sourcing
	Bashrc string
}

// Validate checks the spec before any container is created
func (s RunSpec) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidSpec)
	case s.Image == "":
		return fmt.Errorf("%w: missing image", ErrInvalidSpec)
	case strings.TrimSpace(s.Command) == "":
		return fmt.Errorf("%w: missing command", ErrInvalidSpec)
	case s.WorkDir == "" || !path.IsAbs(s.WorkDir):
		return fmt.Errorf("%w: work dir must be an absolute container path", ErrInvalidSpec)
	}
	for host, target := range s.Volumes {
		if host == "" || !path.IsAbs(target) {
			return fmt.Errorf("%w: bad volume %q -> %q", ErrInvalidSpec, host, target)
		}
	}
	return nil
}

// Args wraps Command in a bash script that first sources the OpenFOAM
// environment and enters WorkDir
func (s RunSpec) Args() []string {
	var script strings.Builder
	bashrc := s.Bashrc
	if bashrc == "" {
		bashrc = DefaultBashrc
	}
	if bashrc != "-" {
		script.WriteString("source " + ShellQuote(bashrc) + " && ")
	}
	script.WriteString("cd " + ShellQuote(s.WorkDir) + " && ")
	script.WriteString(s.Command)
	return []string{"bash", "-c", script.String()}
}

// Mounts returns the bind mounts for Volumes in a stable order
func (s RunSpec) Mounts() []specs.Mount {
	hosts := make([]string, 0, len(s.Volumes))
	for h := range s.Volumes {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	mounts := make([]specs.Mount, 0, len(hosts))
	for _, h := range hosts {
		mounts = append(mounts, specs.Mount{
			Source:      h,
			Destination: s.Volumes[h],
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		})
	}
	return mounts
}

// ShellQuote wraps s in single quotes for bash
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Execution is a started run. Output carries interleaved stdout and
// stderr and reaches EOF when the process exits. It must be drained: the
// process blocks on a full pipe.
type Execution struct {
	ID     string
	Output io.ReadCloser

	done     chan struct{}
	once     sync.Once
	exitCode int
	err      error
}

// NewExecution creates an execution whose result is delivered by Finish
func NewExecution(id string, output io.ReadCloser) *Execution {
	return &Execution{ID: id, Output: output, done: make(chan struct{})}
}

// Finish records the exit status; only the first call has an effect
func (e *Execution) Finish(exitCode int, err error) {
	e.once.Do(func() {
		e.exitCode = exitCode
		e.err = err
		close(e.done)
	})
}

// Wait blocks until the process exits and returns its exit code
func (e *Execution) Wait() (int, error) {
	<-e.done
	return e.exitCode, e.err
}

// Executor runs commands against case directories
type Executor interface {
	Run(ctx context.Context, spec RunSpec) (*Execution, error)
}
