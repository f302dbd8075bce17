/*
Package aggregator turns an OpenFOAM case directory into plot payloads.

An Aggregator owns one cache entry per case directory, bounded by an LRU.
Each request locks the entry, asks the freshness gate whether anything on
disk moved, and only then lists time directories, decodes new field files
and scans the appended part of the run log.

	request ──▶ Gate.Check ──fresh──▶ memoized payload
	               │
	             stale
	               ▼
	   listTimeDirs ─▶ parseDirs (errgroup) ─▶ series.Cache.Append
	   Scanner.ScanFile ───────────────────▶ series.Cache.Append

# Time directories

A directory directly under the case is a time step when its name is a
non-negative finite decimal number. The name is the time; field headers
are never consulted. Directories are ordered numerically, so 10 follows 2.

# Incremental updates

When the new listing extends the previous one, only the new directories
plus the previous newest one are read. Anything else (a removed or
inserted step, a rerun that wiped the case) rebuilds the affected series.
A field file that fails to decode is skipped and left out of the field
list; it never aborts the scan.

# Payloads

LatestSample, SeriesPayload and ResidualPayload marshal to the flat JSON
objects the plotting front end consumes. Vector fields are expanded into
x, y, z and magnitude components named Ux, Uy, Uz and U_mag.

Usage:

	agg := aggregator.New(aggregator.Config{MaxCases: 5})
	series, err := agg.TimeSeries("/runs/cavity", 500)
	if errors.Is(err, aggregator.ErrNoData) {
		// case exists but has not written anything yet
	}
*/
package aggregator
