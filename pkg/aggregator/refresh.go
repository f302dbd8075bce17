package aggregator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/foamflask/foamflask/pkg/freshness"
	"github.com/foamflask/foamflask/pkg/log"
	"github.com/foamflask/foamflask/pkg/metrics"
	"github.com/foamflask/foamflask/pkg/series"
	"github.com/foamflask/foamflask/pkg/types"
)

// refresh brings a locked entry up to date with the case on disk
func (a *Aggregator) refresh(e *entry) error {
	d, err := a.gate.Check(e.dir, e.state)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrCaseNotFound
		}
		return fmt.Errorf("failed to check case: %w", err)
	}
	if d.Fresh && e.built {
		metrics.Refreshes.WithLabelValues("fresh").Inc()
		return nil
	}

	timer := metrics.NewTimer()
	logger := log.WithCase(a.logger, e.dir)
	outcome := "refreshed"
	if d.Reset && e.built {
		logger.Info().Msg("Case was reset on disk, rebuilding")
		a.resetLocked(e)
		outcome = "reset"
	}

	if !d.DirChecked && e.built && !d.Reset {
		a.refreshLogOnly(e, d.Current)
		return nil
	}

	dirs, err := listTimeDirs(e.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrCaseNotFound
		}
		return fmt.Errorf("failed to list case: %w", err)
	}

	// stamp before reading: a write racing with the reads below leaves
	// the next check stale
	latest := ""
	if len(dirs) > 0 {
		latest = dirs[len(dirs)-1].label
	}
	if st, err := a.gate.Observe(e.dir, latest, len(dirs)); err == nil {
		e.state = st
	} else {
		e.state = d.Current
	}

	parses := a.reader.Parses()
	changed := a.refreshFields(e, dirs)
	if a.refreshResiduals(e) {
		changed = true
	}
	metrics.FieldParses.Add(float64(a.reader.Parses() - parses))

	if changed || !e.built {
		e.version++
	}
	e.built = true

	metrics.Refreshes.WithLabelValues(outcome).Inc()
	timer.ObserveDuration(metrics.RefreshDuration)
	logger.Debug().
		Int("time_dirs", len(dirs)).
		Bool("changed", changed).
		Dur("took", timer.Duration()).
		Msg("Case refreshed")
	return nil
}

// refreshLogOnly follows the run log of a case whose directory tier was
// skipped by the sampling policy. The time directories are neither listed
// nor read; the directory stamps stay as they were so the next sampled
// check still sees any new time step.
func (a *Aggregator) refreshLogOnly(e *entry, cur freshness.State) {
	e.state.LogModTime = cur.LogModTime
	if a.refreshResiduals(e) {
		e.version++
	}
	metrics.Refreshes.WithLabelValues("log_only").Inc()
}

// resetLocked forgets everything known about the case but keeps the entry
func (a *Aggregator) resetLocked(e *entry) {
	a.cache.ResetCase(e.id)
	a.reader.Forget(e.dir)
	e.scanner.Reset()
	e.dirs = nil
	e.hasLog = false
	e.seriesNames = make(map[string]struct{})
	e.residualVars = make(map[string]struct{})
	e.latestTime = 0
	e.latestFields = nil
	e.latestValues = make(map[string]float64)
	e.version++
}

// refreshFields parses new time directories and extends the field series.
// When the listing is an extension of the previous one only the new
// directories, plus the previous newest one which may have been partially
// written, are read. Anything else rebuilds the series.
func (a *Aggregator) refreshFields(e *entry, dirs []timeDir) bool {
	if !isExtension(e.dirs, dirs) {
		return a.rebuildFields(e, dirs)
	}

	start := len(e.dirs)
	revisit := start > 0
	if revisit {
		start--
	}
	toParse := dirs[start:]
	if len(toParse) == 0 {
		return false
	}
	results := a.parseDirs(e, toParse, revisit)

	var axis []types.Sample
	batches := make(map[string][]types.Sample)
	for i, td := range toParse {
		again := revisit && i == 0
		if !again {
			axis = append(axis, types.Sample{X: td.time})
		}
		for _, smp := range results[i] {
			for _, n := range expand(smp.Field, smp.Value) {
				if again && a.hasSampleAt(e, n.name, td.time) {
					continue
				}
				batches[n.name] = append(batches[n.name], types.Sample{X: td.time, Y: n.value})
			}
		}
	}

	a.cache.Append(e.axisKey(), axis...)
	for name, samples := range batches {
		a.cache.Append(e.fieldKey(name), samples...)
		e.seriesNames[name] = struct{}{}
	}

	e.dirs = append(e.dirs, dirs[len(e.dirs):]...)
	e.setLatest(toParse[len(toParse)-1], results[len(results)-1])
	return len(axis) > 0 || len(batches) > 0
}

// hasSampleAt reports whether the series already ends at time t
func (a *Aggregator) hasSampleAt(e *entry, name string, t float64) bool {
	last := a.cache.Latest(e.fieldKey(name), 1)
	return len(last) == 1 && last[0].X == t
}

// rebuildFields reparses every directory after the listing changed in a
// way other than growing. Series whose samples all predate the first
// changed directory are extended in place; the rest are replaced.
func (a *Aggregator) rebuildFields(e *entry, dirs []timeDir) bool {
	threshold := divergence(e.dirs, dirs)
	results := a.parseDirs(e, dirs, false)

	axis := make([]types.Sample, len(dirs))
	full := make(map[string][]types.Sample)
	for i, td := range dirs {
		axis[i] = types.Sample{X: td.time}
		for _, smp := range results[i] {
			for _, n := range expand(smp.Field, smp.Value) {
				full[n.name] = append(full[n.name], types.Sample{X: td.time, Y: n.value})
			}
		}
	}

	a.install(e.axisKey(), axis, threshold)
	for name, samples := range full {
		a.install(e.fieldKey(name), samples, threshold)
	}
	for name := range e.seriesNames {
		if _, ok := full[name]; !ok {
			a.cache.Delete(e.fieldKey(name))
		}
	}
	e.seriesNames = make(map[string]struct{}, len(full))
	for name := range full {
		e.seriesNames[name] = struct{}{}
	}

	e.dirs = append([]timeDir(nil), dirs...)
	if len(dirs) > 0 {
		e.setLatest(dirs[len(dirs)-1], results[len(results)-1])
	} else {
		e.setLatest(timeDir{}, nil)
	}
	return true
}

// install swaps in samples for key. A cached series that ends before
// threshold is a valid prefix of samples and takes the append path.
func (a *Aggregator) install(key types.SeriesKey, samples []types.Sample, threshold float64) {
	last := a.cache.Latest(key, 1)
	if len(last) == 1 && last[0].X >= threshold {
		a.cache.Delete(key)
	}
	a.cache.Extend(key, samples)
}

// divergence returns the earliest time at which two listings differ
func divergence(prev, next []timeDir) float64 {
	i := 0
	for i < len(prev) && i < len(next) && prev[i].label == next[i].label {
		i++
	}
	switch {
	case i < len(prev) && i < len(next):
		if next[i].time < prev[i].time {
			return next[i].time
		}
		return prev[i].time
	case i < len(prev):
		return prev[i].time
	case i < len(next):
		return next[i].time
	}
	return 0
}

// parseDirs reads every time directory with bounded concurrency. The
// result for dirs[i] is at index i. When revisit is set dirs[0] was read
// before and its failures are not counted again.
func (a *Aggregator) parseDirs(e *entry, dirs []timeDir, revisit bool) [][]types.FieldSample {
	results := make([][]types.FieldSample, len(dirs))

	var g errgroup.Group
	g.SetLimit(a.cfg.Workers)
	for i, td := range dirs {
		i, td := i, td
		count := !(revisit && i == 0)
		g.Go(func() error {
			results[i] = a.parseDir(e, td, count)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *Aggregator) parseDir(e *entry, td timeDir, countFailures bool) []types.FieldSample {
	path := filepath.Join(e.dir, td.label)
	entries, err := os.ReadDir(path)
	if err != nil {
		a.logger.Debug().Err(err).Str("time", td.label).Msg("Time directory vanished")
		return nil
	}

	var samples []types.FieldSample
	for _, de := range entries {
		if !isFieldFile(de) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		res, err := a.reader.ReadFileInfo(filepath.Join(path, de.Name()), info)
		if err != nil {
			if countFailures {
				metrics.ParseFailures.WithLabelValues("field").Inc()
				logger := log.WithCase(a.logger, e.dir)
				logger.Debug().
					Err(err).
					Str("time", td.label).
					Str("field", de.Name()).
					Msg("Skipping field file")
			}
			continue
		}
		samples = append(samples, types.FieldSample{
			Time:           td.time,
			TimeLabel:      td.label,
			Field:          de.Name(),
			Value:          res.Value,
			Representation: res.Representation,
		})
	}
	return samples
}

func (e *entry) setLatest(td timeDir, samples []types.FieldSample) {
	e.latestTime = td.time
	e.latestFields = e.latestFields[:0]
	e.latestValues = make(map[string]float64)
	for _, smp := range samples {
		e.latestFields = append(e.latestFields, smp.Field)
		for _, n := range expand(smp.Field, smp.Value) {
			e.latestValues[n.name] = n.value
		}
	}
}

// refreshResiduals extends the residual series from the run log
func (a *Aggregator) refreshResiduals(e *entry) bool {
	logger := log.WithCase(a.logger, e.dir)

	upd, err := e.scanner.ScanFile(filepath.Join(e.dir, a.gate.LogName()))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if !e.hasLog {
				return false
			}
			logger.Info().Msg("Run log removed, dropping residuals")
			a.resetResiduals(e)
			e.scanner.Reset()
			e.hasLog = false
			return true
		}
		logger.Warn().Err(err).Msg("Failed to scan run log")
		return false
	}
	e.hasLog = true

	changed := false
	if upd.Reset {
		logger.Info().Msg("Run log replaced, residuals reset")
		a.resetResiduals(e)
		changed = true
	}

	batches := make(map[string][]types.Sample)
	for _, s := range upd.Samples {
		batches[s.Variable] = append(batches[s.Variable], types.Sample{X: float64(s.Index), Y: s.Value})
	}
	for variable, samples := range batches {
		a.cache.Append(e.residualKey(variable), samples...)
		e.residualVars[variable] = struct{}{}
	}
	if len(upd.Times) > 0 {
		times := make([]types.Sample, len(upd.Times))
		for i, t := range upd.Times {
			times[i] = types.Sample{X: t}
		}
		a.cache.Append(e.residualTimeKey(), times...)
	}

	metrics.ResidualSamples.Add(float64(len(upd.Samples)))
	if upd.Skipped > 0 {
		metrics.ParseFailures.WithLabelValues("residual").Add(float64(upd.Skipped))
	}
	return changed || len(upd.Samples) > 0 || len(upd.Times) > 0
}

func (a *Aggregator) resetResiduals(e *entry) {
	for variable := range e.residualVars {
		a.cache.Delete(e.residualKey(variable))
	}
	a.cache.Delete(e.residualTimeKey())
	e.residualVars = make(map[string]struct{})
}

func (a *Aggregator) buildSeries(e *entry, maxPoints int) SeriesPayload {
	axis := series.Decimate(a.cache.Get(e.axisKey()), maxPoints)
	times := series.Xs(axis)

	values := make(map[string][]*float64, len(e.seriesNames))
	for name := range e.seriesNames {
		values[name] = align(times, a.cache.Get(e.fieldKey(name)))
	}
	return SeriesPayload{Time: times, Values: values}
}

// align picks the value of samples at each of times, nil where absent.
// Both inputs are sorted by time.
func align(times []float64, samples []types.Sample) []*float64 {
	out := make([]*float64, len(times))
	vals := make([]float64, len(times))
	j := 0
	for i, t := range times {
		for j < len(samples) && samples[j].X < t {
			j++
		}
		if j < len(samples) && samples[j].X == t {
			vals[i] = samples[j].Y
			out[i] = &vals[i]
		}
	}
	return out
}

func (a *Aggregator) buildResiduals(e *entry) ResidualPayload {
	vars := make(map[string][]types.Sample, len(e.residualVars))
	for variable := range e.residualVars {
		vars[variable] = a.cache.Get(e.residualKey(variable))
	}
	return ResidualPayload{
		Time:      series.Xs(a.cache.Get(e.residualTimeKey())),
		Variables: vars,
	}
}
