package field

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCacheSize is how many parsed files a Reader remembers by default
const DefaultCacheSize = 4096

// Reader decodes field files and remembers the result per path until the
// file's size or modification time changes
type Reader struct {
	reduction Reduction
	maxCached int

	mu    sync.Mutex
	cache map[string]cachedResult

	parses atomic.Int64
}

type cachedResult struct {
	size    int64
	modTime time.Time
	result  Result
	err     error
}

// Option configures a Reader
type Option func(*Reader)

// WithReduction sets the representative statistic for non-uniform fields
func WithReduction(r Reduction) Option {
	return func(rd *Reader) {
		if r != "" {
			rd.reduction = r
		}
	}
}

// WithCacheSize bounds the number of remembered files
func WithCacheSize(n int) Option {
	return func(rd *Reader) {
		if n > 0 {
			rd.maxCached = n
		}
	}
}

// NewReader creates a Reader
func NewReader(opts ...Option) *Reader {
	r := &Reader{
		reduction: ReduceMean,
		maxCached: DefaultCacheSize,
		cache:     make(map[string]cachedResult),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reduction returns the reduction applied to non-uniform fields
func (r *Reader) Reduction() Reduction {
	return r.reduction
}

// ReadFile decodes the internal field stored at path. A missing file or
// one that cannot be decoded returns an error; decode failures wrap
// ErrUnparseable.
func (r *Reader) ReadFile(path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to stat field file: %w", err)
	}
	return r.ReadFileInfo(path, info)
}

// ReadFileInfo is ReadFile for callers that already hold the file's
// metadata, typically from a directory listing
func (r *Reader) ReadFileInfo(path string, info fs.FileInfo) (Result, error) {
	if !info.Mode().IsRegular() {
		return Result{}, fmt.Errorf("%w: %s is not a regular file", ErrUnparseable, filepath.Base(path))
	}

	r.mu.Lock()
	c, ok := r.cache[path]
	r.mu.Unlock()
	if ok && c.size == info.Size() && c.modTime.Equal(info.ModTime()) {
		return c.result, c.err
	}

	res, err := r.parseFile(path)
	if err != nil && !isParseError(err) {
		// I/O failures are not remembered
		return Result{}, err
	}

	r.mu.Lock()
	if len(r.cache) >= r.maxCached {
		r.shrinkLocked()
	}
	r.cache[path] = cachedResult{
		size:    info.Size(),
		modTime: info.ModTime(),
		result:  res,
		err:     err,
	}
	r.mu.Unlock()

	return res, err
}

func (r *Reader) parseFile(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open field file: %w", err)
	}
	defer f.Close()

	r.parses.Add(1)
	return Parse(f, r.reduction)
}

// Parses returns how many files have actually been decoded, cache hits
// excluded
func (r *Reader) Parses() int64 {
	return r.parses.Load()
}

// Forget drops every remembered result under dir
func (r *Reader) Forget(dir string) {
	prefix := filepath.Clean(dir) + string(filepath.Separator)

	r.mu.Lock()
	defer r.mu.Unlock()
	for path := range r.cache {
		if strings.HasPrefix(path, prefix) {
			delete(r.cache, path)
		}
	}
}

// Len returns the number of remembered files
func (r *Reader) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// shrinkLocked evicts a quarter of the cache. Map iteration order makes
// the choice arbitrary, which is fine for a cache that only saves reparses.
func (r *Reader) shrinkLocked() {
	drop := len(r.cache)/4 + 1
	for path := range r.cache {
		if drop == 0 {
			return
		}
		delete(r.cache, path)
		drop--
	}
}

func isParseError(err error) bool {
	return errors.Is(err, ErrUnparseable)
}
