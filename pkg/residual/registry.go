package residual

import (
	"regexp"
	"sort"
	"sync"
)

// numberPattern captures a decimal float. nan and inf never match, so such
// lines are skipped rather than parsed.
const numberPattern = `([-+]?(?:[0-9]+\.?[0-9]*|\.[0-9]+)(?:[eE][-+]?[0-9]+)?)`

// Registry maps a solver variable name to its compiled residual matcher.
// Matchers are compiled the first time a variable is seen and kept for
// the lifetime of the registry; it is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	matchers map[string]*regexp.Regexp
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{matchers: make(map[string]*regexp.Regexp)}
}

// Matcher returns the matcher for variable, compiling it on first use. The
// pattern is anchored at the "Solving for " marker and captures the
// initial residual; anything after the number is ignored.
func (r *Registry) Matcher(variable string) *regexp.Regexp {
	r.mu.RLock()
	re, ok := r.matchers[variable]
	r.mu.RUnlock()
	if ok {
		return re
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if re, ok := r.matchers[variable]; ok {
		return re
	}
	re = regexp.MustCompile(`^Solving for ` + regexp.QuoteMeta(variable) +
		`,\s*Initial residual\s*=\s*` + numberPattern)
	r.matchers[variable] = re
	return re
}

// lookup avoids allocating a string for variables already registered
func (r *Registry) lookup(variable []byte) *regexp.Regexp {
	r.mu.RLock()
	re, ok := r.matchers[string(variable)]
	r.mu.RUnlock()
	if ok {
		return re
	}
	return r.Matcher(string(variable))
}

// Names returns the registered variable names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.matchers))
	for name := range r.matchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of compiled matchers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matchers)
}
