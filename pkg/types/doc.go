/*
Package types defines the data shared between foamflask packages.

# Field data

A Value is one decoded internal field: a scalar or a 3-vector. Non-uniform
fields are reduced to a single representative Value by the field reader, and
Representation records which form the file used. FieldSample ties a Value to
its field name and time directory. The directory name (TimeLabel) is the
authority for the time; Time is its numeric value.

# Series

Sample is one plotted (x, y) point. SeriesKey names a series inside the
time series cache: Case is an opaque per-entry id and Name a field
component such as "Ux", "p" or a residual variable.

ResidualSample is one initial residual from a solver log. Index counts
occurrences of its variable from 1; Time is the last "Time = x" line before
it.

# Runs and settings

Run records one solver command executed in a container against a case and
moves pending → running → completed or failed. Settings hold the per-case
dashboard preferences kept in the store: plot resolution, the reference
conditions for the pressure coefficient and the selected fields.
*/
package types
