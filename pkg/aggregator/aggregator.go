package aggregator

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/foamflask/foamflask/pkg/field"
	"github.com/foamflask/foamflask/pkg/freshness"
	"github.com/foamflask/foamflask/pkg/log"
	"github.com/foamflask/foamflask/pkg/metrics"
	"github.com/foamflask/foamflask/pkg/residual"
	"github.com/foamflask/foamflask/pkg/series"
	"github.com/foamflask/foamflask/pkg/types"
)

var (
	// ErrCaseNotFound means the case directory does not exist
	ErrCaseNotFound = errors.New("case directory not found")
	// ErrNoData means the case exists but has neither time steps nor a run log
	ErrNoData = errors.New("no data yet")
)

const (
	DefaultMaxCases = 5
	DefaultWorkers  = 4
)

// Config holds aggregator settings
type Config struct {
	// MaxCases bounds how many cases are cached; the least recently used
	// case is dropped first
	MaxCases int
	// Workers bounds how many time directories are parsed concurrently
	Workers int
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithReader injects the field reader
func WithReader(r *field.Reader) Option {
	return func(a *Aggregator) { a.reader = r }
}

// WithGate injects the freshness gate
func WithGate(g *freshness.Gate) Option {
	return func(a *Aggregator) { a.gate = g }
}

// WithCache injects the time series cache
func WithCache(c *series.Cache) Option {
	return func(a *Aggregator) { a.cache = c }
}

// WithRegistry injects the residual matcher registry
func WithRegistry(r *residual.Registry) Option {
	return func(a *Aggregator) { a.registry = r }
}

// Aggregator builds field and residual payloads for case directories and
// keeps them up to date incrementally
type Aggregator struct {
	cfg      Config
	reader   *field.Reader
	gate     *freshness.Gate
	cache    *series.Cache
	registry *residual.Registry
	logger   zerolog.Logger

	mu      sync.Mutex
	entries *lru.Cache
	evicted []*entry
	nextID  uint64
}

// New creates an aggregator. Collaborators not injected through options
// get their defaults.
func New(cfg Config, opts ...Option) *Aggregator {
	if cfg.MaxCases <= 0 {
		cfg.MaxCases = DefaultMaxCases
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	a := &Aggregator{
		cfg:    cfg,
		logger: log.WithComponent("aggregator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.reader == nil {
		a.reader = field.NewReader()
	}
	if a.gate == nil {
		a.gate = freshness.NewGate()
	}
	if a.cache == nil {
		a.cache = series.NewCache()
	}
	if a.registry == nil {
		a.registry = residual.NewRegistry()
	}

	// only fails for a non-positive size
	a.entries, _ = lru.NewWithEvict(cfg.MaxCases, func(_ interface{}, value interface{}) {
		a.evicted = append(a.evicted, value.(*entry))
	})
	return a
}

// AvailableFields returns the names of the field files in the newest time
// directory that could be decoded
func (a *Aggregator) AvailableFields(caseDir string) ([]string, error) {
	e, err := a.refreshed(caseDir)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.noData() {
		return nil, ErrNoData
	}
	return append([]string{}, e.latestFields...), nil
}

// LatestSample returns every field value of the newest time directory
func (a *Aggregator) LatestSample(caseDir string) (LatestSample, error) {
	e, err := a.refreshed(caseDir)
	if err != nil {
		return LatestSample{}, err
	}
	defer e.mu.Unlock()

	if e.noData() {
		return LatestSample{}, ErrNoData
	}
	values := make(map[string]float64, len(e.latestValues))
	for k, v := range e.latestValues {
		values[k] = v
	}
	return LatestSample{
		Time:   e.latestTime,
		Values: values,
		ETag:   e.state.ETag(),
	}, nil
}

// TimeSeries returns the history of every field, downsampled to at most
// maxPoints time steps (no bound when maxPoints <= 0)
func (a *Aggregator) TimeSeries(caseDir string, maxPoints int) (SeriesPayload, error) {
	e, err := a.refreshed(caseDir)
	if err != nil {
		return SeriesPayload{}, err
	}
	defer e.mu.Unlock()

	if e.noData() {
		return SeriesPayload{}, ErrNoData
	}
	if e.seriesMemo == nil || e.seriesMemoVersion != e.version || e.seriesMemoPoints != maxPoints {
		p := a.buildSeries(e, maxPoints)
		e.seriesMemo = &p
		e.seriesMemoVersion = e.version
		e.seriesMemoPoints = maxPoints
	}
	p := *e.seriesMemo
	p.ETag = e.state.ETag()
	return p, nil
}

// Residuals returns every residual sequence found in the run log
func (a *Aggregator) Residuals(caseDir string) (ResidualPayload, error) {
	e, err := a.refreshed(caseDir)
	if err != nil {
		return ResidualPayload{}, err
	}
	defer e.mu.Unlock()

	if e.noData() {
		return ResidualPayload{}, ErrNoData
	}
	if e.residualMemo == nil || e.residualMemoVersion != e.version {
		p := a.buildResiduals(e)
		e.residualMemo = &p
		e.residualMemoVersion = e.version
	}
	p := *e.residualMemo
	p.ETag = e.state.ETag()
	return p, nil
}

// Invalidate drops everything cached for a case; the next request
// rebuilds it from disk
func (a *Aggregator) Invalidate(caseDir string) {
	dir := canonical(caseDir)

	a.mu.Lock()
	a.entries.Remove(dir)
	evicted := a.evicted
	a.evicted = nil
	a.mu.Unlock()

	a.dispose(evicted)
	a.reader.Forget(dir)
}

// Cases returns the cached case directories, least recently used first
func (a *Aggregator) Cases() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := a.entries.Keys()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.(string))
	}
	return out
}

// Reader returns the field reader
func (a *Aggregator) Reader() *field.Reader {
	return a.reader
}

// MetricsSnapshot implements metrics.Source
func (a *Aggregator) MetricsSnapshot() metrics.Snapshot {
	st := a.cache.Stats()

	a.mu.Lock()
	cases := a.entries.Len()
	a.mu.Unlock()

	return metrics.Snapshot{
		Cases:             cases,
		SeriesKeys:        st.Keys,
		SeriesSamples:     st.Samples,
		Appends:           st.Appends,
		FastExtends:       st.FastExtends,
		Replacements:      st.Replacements,
		ResidualVariables: a.registry.Len(),
	}
}

// refreshed returns the locked, up-to-date entry for caseDir
func (a *Aggregator) refreshed(caseDir string) (*entry, error) {
	e := a.acquire(caseDir)
	if err := a.refresh(e); err != nil {
		if errors.Is(err, ErrCaseNotFound) {
			a.discardLocked(e)
			e.mu.Unlock()
			a.forget(e)
			return nil, err
		}
		e.mu.Unlock()
		return nil, err
	}
	return e, nil
}

// acquire returns the locked entry for caseDir, creating it if needed
func (a *Aggregator) acquire(caseDir string) *entry {
	dir := canonical(caseDir)
	for {
		a.mu.Lock()
		var e *entry
		if v, ok := a.entries.Get(dir); ok {
			e = v.(*entry)
		} else {
			a.nextID++
			e = newEntry(dir, fmt.Sprintf("%s#%d", dir, a.nextID), residual.NewScanner(a.registry))
			a.entries.Add(dir, e)
		}
		evicted := a.evicted
		a.evicted = nil
		a.mu.Unlock()

		a.dispose(evicted)

		e.mu.Lock()
		if !e.gone {
			return e
		}
		e.mu.Unlock()
	}
}

// dispose releases the cached data of entries that left the LRU
func (a *Aggregator) dispose(evicted []*entry) {
	for _, e := range evicted {
		e.mu.Lock()
		if !e.gone {
			a.discardLocked(e)
			metrics.CaseEvictions.Inc()
			a.logger.Debug().Str("case", filepath.Base(e.dir)).Msg("Case evicted from cache")
		}
		e.mu.Unlock()
	}
}

func (a *Aggregator) discardLocked(e *entry) {
	e.gone = true
	a.cache.ResetCase(e.id)
	a.reader.Forget(e.dir)
}

// forget removes e from the LRU if it is still the entry for its case
func (a *Aggregator) forget(e *entry) {
	a.mu.Lock()
	if v, ok := a.entries.Peek(e.dir); ok && v.(*entry) == e {
		a.entries.Remove(e.dir)
	}
	evicted := a.evicted
	a.evicted = nil
	a.mu.Unlock()

	a.dispose(evicted)
}

func canonical(caseDir string) string {
	if abs, err := filepath.Abs(caseDir); err == nil {
		return abs
	}
	return filepath.Clean(caseDir)
}

// entry is the cached state of one case. Every field is guarded by mu.
type entry struct {
	mu sync.Mutex

	dir  string
	id   string
	gone bool

	built   bool
	state   freshness.State
	dirs    []timeDir
	scanner *residual.Scanner
	hasLog  bool

	// expanded field series names (p, Ux, U_mag) and residual variables
	seriesNames  map[string]struct{}
	residualVars map[string]struct{}

	latestTime   float64
	latestFields []string
	latestValues map[string]float64

	// version increases whenever cached data changes
	version uint64

	seriesMemo          *SeriesPayload
	seriesMemoVersion   uint64
	seriesMemoPoints    int
	residualMemo        *ResidualPayload
	residualMemoVersion uint64
}

func newEntry(dir, id string, scanner *residual.Scanner) *entry {
	return &entry{
		dir:          dir,
		id:           id,
		scanner:      scanner,
		seriesNames:  make(map[string]struct{}),
		residualVars: make(map[string]struct{}),
		latestValues: make(map[string]float64),
	}
}

func (e *entry) noData() bool {
	return len(e.dirs) == 0 && !e.hasLog
}

func (e *entry) axisKey() types.SeriesKey {
	return types.SeriesKey{Case: e.id, Name: "axis"}
}

func (e *entry) fieldKey(name string) types.SeriesKey {
	return types.SeriesKey{Case: e.id, Name: "field/" + name}
}

func (e *entry) residualKey(variable string) types.SeriesKey {
	return types.SeriesKey{Case: e.id, Name: "residual/" + variable}
}

func (e *entry) residualTimeKey() types.SeriesKey {
	return types.SeriesKey{Case: e.id, Name: "residual-time"}
}
