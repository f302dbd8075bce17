package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foamflask/foamflask/pkg/events"
	"github.com/foamflask/foamflask/pkg/freshness"
	"github.com/foamflask/foamflask/pkg/log"
	"github.com/foamflask/foamflask/pkg/metrics"
	"github.com/foamflask/foamflask/pkg/runtime"
	"github.com/foamflask/foamflask/pkg/storage"
	"github.com/foamflask/foamflask/pkg/types"
)

// DefaultContainerRoot is where the case root is mounted in the container
const DefaultContainerRoot = "/tmp/FOAM_Run"

var (
	// ErrNotRunning is returned when stopping a run that is not live
	ErrNotRunning = errors.New("run is not running")
	// ErrInvalidTutorial is returned for tutorial paths that would leave
	// the case root
	ErrInvalidTutorial = errors.New("invalid tutorial path")
)

// Invalidator drops cached data of a case whose directory was replaced
type Invalidator interface {
	Invalidate(caseDir string)
}

// Config holds worker configuration
type Config struct {
	Image         string
	ContainerRoot string
	Bashrc        string
	// LogName is the run log written into the case directory
	LogName string
}

// Worker starts solver runs through an executor, tees their output into
// the case's run log and keeps the run records current
type Worker struct {
	cfg      Config
	executor runtime.Executor
	store    storage.Store
	broker   *events.Broker
	logger   zerolog.Logger
	now      func() time.Time
	inv      Invalidator

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Worker
type Option func(*Worker)

// WithInvalidator sets what is told about cases a tutorial load replaced
func WithInvalidator(inv Invalidator) Option {
	return func(w *Worker) {
		w.inv = inv
	}
}

// NewWorker creates a worker. broker may be nil.
func NewWorker(cfg Config, executor runtime.Executor, store storage.Store, broker *events.Broker, opts ...Option) *Worker {
	if cfg.ContainerRoot == "" {
		cfg.ContainerRoot = DefaultContainerRoot
	}
	if cfg.LogName == "" {
		cfg.LogName = freshness.DefaultLogName
	}
	w := &Worker{
		cfg:      cfg,
		executor: executor,
		store:    store,
		broker:   broker,
		logger:   log.WithComponent("worker"),
		now:      time.Now,
		running:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs command in caseDir. The returned record is a copy of the
// stored one; the run continues in the background after Start returns.
func (w *Worker) Start(caseDir, command string) (*types.Run, error) {
	caseName := filepath.Base(caseDir)
	logPath := filepath.Join(caseDir, w.cfg.LogName)
	return w.launch(job{
		caseDir: caseDir,
		logFile: w.cfg.LogName,
		spec: runtime.RunSpec{
			Image:   w.cfg.Image,
			Command: command,
			WorkDir: path.Join(w.cfg.ContainerRoot, caseName),
			Volumes: map[string]string{filepath.Dir(caseDir): w.cfg.ContainerRoot},
			Bashrc:  w.cfg.Bashrc,
		},
		sink: func(output io.ReadCloser) error {
			return w.tee(output, logPath)
		},
	})
}

// LoadTutorial copies $FOAM_TUTORIALS/<tutorial> from the image into
// caseRoot/<tutorial>. Once the copy succeeds the case is invalidated and
// a case.changed event is published.
func (w *Worker) LoadTutorial(caseRoot, tutorial string) (*types.Run, error) {
	clean := path.Clean(filepath.ToSlash(tutorial))
	if tutorial == "" || path.IsAbs(clean) || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, "../") || strings.ContainsRune(clean, 0) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTutorial, tutorial)
	}
	caseDir := filepath.Join(caseRoot, filepath.FromSlash(clean))
	target := runtime.ShellQuote(path.Join(w.cfg.ContainerRoot, clean))
	command := fmt.Sprintf(`mkdir -p %[1]s && cp -r "$FOAM_TUTORIALS"/%[2]s/. %[1]s && { chmod +x %[1]s/Allrun 2>/dev/null || true; }`,
		target, runtime.ShellQuote(clean))

	out := &tailBuffer{max: 4096}
	return w.launch(job{
		caseDir: caseDir,
		spec: runtime.RunSpec{
			Image:   w.cfg.Image,
			Command: command,
			WorkDir: w.cfg.ContainerRoot,
			Volumes: map[string]string{caseRoot: w.cfg.ContainerRoot},
			Bashrc:  w.cfg.Bashrc,
		},
		sink: func(output io.ReadCloser) error {
			defer output.Close()
			_, err := io.Copy(out, output)
			return err
		},
		done: func(run *types.Run, logger zerolog.Logger) {
			if run.Status != types.RunStatusCompleted {
				logger.Warn().Str("output", out.String()).Msg("Tutorial copy failed")
				return
			}
			if w.inv != nil {
				w.inv.Invalidate(caseDir)
			}
			if w.broker != nil {
				w.broker.Publish(&events.Event{
					Type:     events.EventCaseChanged,
					Case:     caseDir,
					Message:  "tutorial loaded",
					Metadata: map[string]string{"tutorial": clean},
				})
			}
		},
	})
}

// job is one container execution supervised by the worker
type job struct {
	caseDir string
	// logFile is recorded on the run; empty when output is not kept
	logFile string
	spec    runtime.RunSpec
	// sink consumes the execution output until EOF
	sink func(io.ReadCloser) error
	// done runs after the run record is final
	done func(*types.Run, zerolog.Logger)
}

func (w *Worker) launch(j job) (*types.Run, error) {
	run := &types.Run{
		ID:        uuid.New().String(),
		CaseName:  filepath.Base(j.caseDir),
		Command:   j.spec.Command,
		Image:     w.cfg.Image,
		Status:    types.RunStatusPending,
		StartTime: w.now().UTC(),
		LogFile:   j.logFile,
	}
	if err := w.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	logger := log.WithCase(log.WithRunID(run.ID), j.caseDir)
	j.spec.ID = "foamflask-" + run.ID

	ctx, cancel := context.WithCancel(context.Background())
	exec, err := w.executor.Run(ctx, j.spec)
	if err != nil {
		cancel()
		w.finish(run, -1, err, j.caseDir)
		if j.done != nil {
			j.done(run, logger)
		}
		return run, fmt.Errorf("failed to start run: %w", err)
	}

	run.Status = types.RunStatusRunning
	if err := w.store.UpdateRun(run); err != nil {
		logger.Warn().Err(err).Msg("Failed to update run record")
	}
	w.publish(events.EventRunStarted, j.caseDir, run, "run started")
	logger.Info().Str("command", j.spec.Command).Msg("Run started")

	w.mu.Lock()
	w.running[run.ID] = cancel
	w.mu.Unlock()

	snapshot := *run
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		w.supervise(run, exec, j, logger)
	}()

	return &snapshot, nil
}

func (w *Worker) supervise(run *types.Run, exec *runtime.Execution, j job, logger zerolog.Logger) {
	if err := j.sink(exec.Output); err != nil {
		logger.Warn().Err(err).Msg("Failed to write run log")
	}

	code, err := exec.Wait()
	w.mu.Lock()
	delete(w.running, run.ID)
	w.mu.Unlock()

	w.finish(run, code, err, j.caseDir)
	logger.Info().
		Str("status", string(run.Status)).
		Int("exit_code", code).
		Dur("duration", run.Duration).
		Msg("Run finished")
	if j.done != nil {
		j.done(run, logger)
	}
}

// tee copies the execution output into a fresh run log. The output is
// drained even when the log cannot be written.
func (w *Worker) tee(output io.ReadCloser, logPath string) error {
	defer output.Close()

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		_, _ = io.Copy(io.Discard, output)
		return fmt.Errorf("failed to open run log: %w", err)
	}
	if _, err := io.Copy(f, output); err != nil {
		f.Close()
		_, _ = io.Copy(io.Discard, output)
		return fmt.Errorf("failed to copy output: %w", err)
	}
	return f.Close()
}

func (w *Worker) finish(run *types.Run, code int, err error, caseDir string) {
	run.Finish(w.now().UTC(), code, err)
	if uerr := w.store.UpdateRun(run); uerr != nil {
		w.logger.Warn().Err(uerr).Str("run_id", run.ID).Msg("Failed to update run record")
	}

	metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	metrics.RunDuration.Observe(run.Duration.Seconds())

	if run.Status == types.RunStatusCompleted {
		w.publish(events.EventRunCompleted, caseDir, run, "run completed")
	} else {
		w.publish(events.EventRunFailed, caseDir, run, "run failed")
	}
}

func (w *Worker) publish(t events.EventType, caseDir string, run *types.Run, msg string) {
	if w.broker == nil {
		return
	}
	w.broker.Publish(&events.Event{
		Type:    t,
		Case:    caseDir,
		Message: msg,
		Metadata: map[string]string{
			"run_id": run.ID,
			"status": string(run.Status),
		},
	})
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}

// Stop cancels a live run; the container gets SIGTERM
func (w *Worker) Stop(runID string) error {
	w.mu.Lock()
	cancel, ok := w.running[runID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotRunning)
	}
	cancel()
	return nil
}

// Running returns the IDs of live runs
func (w *Worker) Running() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, 0, len(w.running))
	for id := range w.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every live run and waits for their records to settle
func (w *Worker) Shutdown() {
	w.mu.Lock()
	for _, cancel := range w.running {
		cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// Wait blocks until every started run has finished
func (w *Worker) Wait() {
	w.wg.Wait()
}
