package aggregator

import (
	"io/fs"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// timeDir is a time-step directory: its name is the authoritative time
type timeDir struct {
	label string
	time  float64
}

// parseTimeLabel accepts directory names that are non-negative finite
// decimal numbers: 0, 0.5, 10, 1e-05
func parseTimeLabel(name string) (float64, bool) {
	if name == "" {
		return 0, false
	}
	c := name[0]
	if !(c >= '0' && c <= '9' || c == '.') {
		return 0, false
	}
	if strings.ContainsAny(name, "xXpP_") {
		// hex floats and digit separators are not time names
		return 0, false
	}
	t, err := strconv.ParseFloat(name, 64)
	if err != nil || t < 0 || math.IsInf(t, 0) || math.IsNaN(t) {
		return 0, false
	}
	return t, true
}

// listTimeDirs returns the time-step directories of a case in numeric order
func listTimeDirs(caseDir string) ([]timeDir, error) {
	entries, err := os.ReadDir(caseDir)
	if err != nil {
		return nil, err
	}

	var dirs []timeDir
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, ok := parseTimeLabel(e.Name())
		if !ok {
			continue
		}
		dirs = append(dirs, timeDir{label: e.Name(), time: t})
	}
	sortTimeDirs(dirs)
	return dirs, nil
}

func sortTimeDirs(dirs []timeDir) {
	sort.SliceStable(dirs, func(i, j int) bool {
		if dirs[i].time != dirs[j].time {
			return dirs[i].time < dirs[j].time
		}
		return dirs[i].label < dirs[j].label
	})
}

// isFieldFile filters a time directory entry down to candidate field files.
// Subdirectories such as uniform/ and polyMesh/, hidden files and log-like
// files are excluded; everything else is tried.
func isFieldFile(e fs.DirEntry) bool {
	if !e.Type().IsRegular() {
		return false
	}
	name := e.Name()
	switch {
	case strings.HasPrefix(name, "."):
		return false
	case strings.HasPrefix(name, "log."):
		return false
	case strings.HasSuffix(name, ".log"), strings.HasSuffix(name, ".orig"):
		return false
	case strings.HasSuffix(name, "~"):
		return false
	}
	return true
}

// isExtension reports whether next starts with every label of prev
func isExtension(prev, next []timeDir) bool {
	if len(next) < len(prev) {
		return false
	}
	for i := range prev {
		if prev[i].label != next[i].label {
			return false
		}
	}
	return true
}
