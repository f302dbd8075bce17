package freshness

import (
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultProbability   = 0.1
	DefaultLargeCaseDirs = 200
	DefaultLogName       = "log.foamRun"
)

// SamplePolicy controls how often the directory tier is checked for large
// cases. A case with at least LargeCaseDirs time directories only has its
// directories checked on a Probability fraction of calls; the rest trust
// the log mtime alone. This trades slightly stale field data for fewer
// directory stats on cases that are expensive to inspect.
type SamplePolicy struct {
	Probability   float64
	LargeCaseDirs int
}

// DefaultPolicy returns the policy used when none is configured
func DefaultPolicy() SamplePolicy {
	return SamplePolicy{
		Probability:   DefaultProbability,
		LargeCaseDirs: DefaultLargeCaseDirs,
	}
}

// State is what was last observed for a case
type State struct {
	LogModTime time.Time
	// DirModTime is the later of the case directory mtime, which changes
	// when a time directory is created, and the latest time directory mtime
	DirModTime time.Time
	LatestDir  string
	DirCount   int
}

// IsZero reports whether nothing has been observed yet
func (s State) IsZero() bool {
	return s.LogModTime.IsZero() && s.DirModTime.IsZero() && s.LatestDir == ""
}

// ETag renders the state as an HTTP entity tag
func (s State) ETag() string {
	return `"` + unixSeconds(s.LogModTime) + "-" + unixSeconds(s.DirModTime) + `"`
}

func unixSeconds(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', -1, 64)
}

// Decision is the outcome of a freshness check
type Decision struct {
	// Fresh means the cached aggregate may be served as is
	Fresh bool
	// Reset means a timestamp moved backwards or the latest time directory
	// vanished; the case must be rebuilt from scratch
	Reset bool
	// DirChecked is false when the sampling policy skipped the directory tier
	DirChecked bool
	// Current holds the stamps measured by this check
	Current State
}

// Gate decides whether a case's cached aggregate is stale using only file
// metadata
type Gate struct {
	policy  SamplePolicy
	logName string

	mu   sync.Mutex
	rand func() float64
}

// Option configures a Gate
type Option func(*Gate)

// WithPolicy sets the sampling policy
func WithPolicy(p SamplePolicy) Option {
	return func(g *Gate) {
		g.policy = p
	}
}

// WithLogName sets the run log file name inside a case
func WithLogName(name string) Option {
	return func(g *Gate) {
		if name != "" {
			g.logName = name
		}
	}
}

// WithRand replaces the random source used by the sampling policy
func WithRand(fn func() float64) Option {
	return func(g *Gate) {
		if fn != nil {
			g.rand = fn
		}
	}
}

// NewGate creates a gate
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		policy:  DefaultPolicy(),
		logName: DefaultLogName,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())).Float64,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// LogName returns the run log file name
func (g *Gate) LogName() string {
	return g.logName
}

// Check compares the case's current stamps with prev. The case directory
// itself must exist; a missing one returns an error wrapping
// fs.ErrNotExist.
func (g *Gate) Check(caseDir string, prev State) (Decision, error) {
	caseInfo, err := os.Stat(caseDir)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to stat case: %w", err)
	}
	if !caseInfo.IsDir() {
		return Decision{}, fmt.Errorf("case %s: %w", filepath.Base(caseDir), fs.ErrNotExist)
	}

	cur := prev
	cur.LogModTime = g.logModTime(caseDir)

	if prev.IsZero() {
		cur.DirModTime, cur.LatestDir = dirModTime(caseInfo, caseDir, "")
		return Decision{Current: cur, DirChecked: true}, nil
	}

	d := Decision{Current: cur}
	if cur.LogModTime.Before(prev.LogModTime) {
		d.Reset = true
	}
	logChanged := !cur.LogModTime.Equal(prev.LogModTime)

	if !g.sampleDirs(prev.DirCount) {
		d.Fresh = !logChanged && !d.Reset
		return d, nil
	}

	d.DirChecked = true
	mod, latest := dirModTime(caseInfo, caseDir, prev.LatestDir)
	if prev.LatestDir != "" && latest == "" {
		d.Reset = true
	}
	if mod.Before(prev.DirModTime) {
		d.Reset = true
	}
	d.Current.DirModTime = mod
	d.Fresh = !logChanged && mod.Equal(prev.DirModTime) && !d.Reset
	return d, nil
}

// Observe measures every stamp of a case after a refresh that found
// latestDir as the newest of dirCount time directories
func (g *Gate) Observe(caseDir, latestDir string, dirCount int) (State, error) {
	caseInfo, err := os.Stat(caseDir)
	if err != nil {
		return State{}, fmt.Errorf("failed to stat case: %w", err)
	}
	mod, latest := dirModTime(caseInfo, caseDir, latestDir)
	return State{
		LogModTime: g.logModTime(caseDir),
		DirModTime: mod,
		LatestDir:  latest,
		DirCount:   dirCount,
	}, nil
}

func (g *Gate) sampleDirs(dirCount int) bool {
	if g.policy.LargeCaseDirs <= 0 || dirCount < g.policy.LargeCaseDirs {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rand() < g.policy.Probability
}

func (g *Gate) logModTime(caseDir string) time.Time {
	info, err := os.Stat(filepath.Join(caseDir, g.logName))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// dirModTime returns the later of the case directory mtime and the mtime
// of latestDir inside it. latest is empty when latestDir is empty or gone.
func dirModTime(caseInfo fs.FileInfo, caseDir, latestDir string) (time.Time, string) {
	mod := caseInfo.ModTime()
	if latestDir == "" {
		return mod, ""
	}
	info, err := os.Stat(filepath.Join(caseDir, latestDir))
	if err != nil {
		return mod, ""
	}
	if info.ModTime().After(mod) {
		mod = info.ModTime()
	}
	return mod, latestDir
}
